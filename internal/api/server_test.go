package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/vocalid/internal/cluster"
	"github.com/MrWong99/vocalid/internal/correction"
	"github.com/MrWong99/vocalid/internal/identity"
	"github.com/MrWong99/vocalid/internal/reconcile"
	"github.com/MrWong99/vocalid/pkg/diarize"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

type fakeExtractor struct {
	calls int
	vec   []float32
	err   error
}

func (f *fakeExtractor) Extract(ctx context.Context, storedPath string, start, end float64) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fixture struct {
	segments  *diarize.MemStore
	prints    *voiceprint.MemStore
	extractor *fakeExtractor
	server    *Server
	mux       *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	segments := diarize.NewMemStore()
	prints := voiceprint.NewMemStore()
	extractor := &fakeExtractor{vec: []float32{1, 0, 0}}
	ctx := context.Background()

	if err := segments.CreateRun(ctx, diarize.Run{ID: "run-1", MediaPath: "/media/ep1.wav"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := segments.CreateSpeaker(ctx, diarize.Speaker{ID: "alice", Name: "Alice Chen"}); err != nil {
		t.Fatalf("CreateSpeaker: %v", err)
	}

	workflow := correction.New(segments, segments, prints, extractor)
	engine := cluster.New(prints, segments, cluster.Params{
		MinClusterSize:   2,
		MinSamples:       1,
		MaxIntraDistance: 0.45,
	})
	job := reconcile.New(segments, prints, extractor, nil)
	directory := identity.New(segments)

	f := &fixture{
		segments:  segments,
		prints:    prints,
		extractor: extractor,
		server:    New(workflow, engine, job, directory),
		mux:       http.NewServeMux(),
	}
	f.server.Register(f.mux)
	return f
}

// seed creates a segment and optionally its embedding keyed by the segment ID.
func (f *fixture) seed(t *testing.T, segID string, start float64, vec []float32) {
	t.Helper()
	ctx := context.Background()

	seg := diarize.Segment{ID: segID, RunID: "run-1", Start: start, End: start + 2}
	if vec != nil {
		id := segID
		seg.EmbeddingID = &id
	}
	if err := f.segments.CreateSegment(ctx, seg); err != nil {
		t.Fatalf("CreateSegment(%s): %v", segID, err)
	}
	if vec == nil {
		return
	}
	err := f.prints.Put(ctx, segID, voiceprint.Embedding{SegmentID: segID, RunID: "run-1", Vector: vec})
	if err != nil {
		t.Fatalf("Put(%s): %v", segID, err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestConfirmSegmentEndpoint(t *testing.T) {
	t.Run("confirms and extracts on demand", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "seg-1", 0, nil)

		rec := f.do(t, http.MethodPost, "/v1/segments/seg-1/confirm", `{"speaker_id":"alice"}`)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204; body %s", rec.Code, rec.Body.String())
		}
		if f.extractor.calls != 1 {
			t.Errorf("extractor calls = %d, want 1", f.extractor.calls)
		}
		seg, err := f.segments.GetSegment(context.Background(), "seg-1")
		if err != nil {
			t.Fatalf("GetSegment: %v", err)
		}
		if seg.SpeakerID == nil || *seg.SpeakerID != "alice" {
			t.Errorf("SpeakerID = %v, want alice", seg.SpeakerID)
		}
	})

	t.Run("unknown speaker is 404", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "seg-1", 0, nil)

		rec := f.do(t, http.MethodPost, "/v1/segments/seg-1/confirm", `{"speaker_id":"nobody"}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("missing speaker_id is 400", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/segments/seg-1/confirm", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/segments/seg-1/confirm", `{"speaker_id": }`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown field is 400", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/segments/seg-1/confirm", `{"speakerid":"alice"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestConfirmClusterEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "seg-1", 0, []float32{1, 0, 0})
	f.seed(t, "seg-2", 5, []float32{1, 0, 0})

	body := `{"speaker_id":"alice","members":["seg-1","seg-2","seg-missing"]}`
	rec := f.do(t, http.MethodPost, "/v1/clusters/confirm", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[confirmClusterResponse](t, rec)
	if resp.Confirmed != 2 {
		t.Errorf("confirmed = %d, want 2", resp.Confirmed)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].SegmentID != "seg-missing" {
		t.Errorf("failures = %+v, want one for seg-missing", resp.Failures)
	}
}

func TestListClustersEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "seg-1", 0, []float32{1, 0, 0})
	f.seed(t, "seg-2", 5, []float32{0.99, 0.1, 0})
	f.seed(t, "seg-3", 10, []float32{0, 0, 1})

	rec := f.do(t, http.MethodGet, "/v1/runs/run-1/clusters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[listClustersResponse](t, rec)
	if resp.RunID != "run-1" {
		t.Errorf("run_id = %q, want run-1", resp.RunID)
	}
	if len(resp.Groups) != 2 {
		t.Fatalf("groups = %d, want 2 (one cluster, one noise): %+v", len(resp.Groups), resp.Groups)
	}
	if got := resp.Groups[0].Members; len(got) != 2 || got[0] != "seg-1" || got[1] != "seg-2" {
		t.Errorf("cluster members = %v, want [seg-1 seg-2]", got)
	}
	if !resp.Groups[1].Noise {
		t.Errorf("second group should be noise: %+v", resp.Groups[1])
	}
}

func TestCreateSpeakerEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/speakers", `{"name":"Bob Marley","aliases":["Bob"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}
	sp := decodeBody[speakerPayload](t, rec)
	if sp.ID == "" || sp.Name != "Bob Marley" {
		t.Errorf("speaker = %+v, want assigned ID and name Bob Marley", sp)
	}

	t.Run("duplicate name is 409", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/speakers", `{"name":"bob marley"}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("blank name is 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/speakers", `{"name":"  "}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("listed afterwards", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/speakers", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		speakers := decodeBody[[]speakerPayload](t, rec)
		if len(speakers) != 2 { // seeded Alice Chen + Bob Marley
			t.Errorf("speakers = %d, want 2", len(speakers))
		}
	})
}

func TestSimilarSpeakersEndpoint(t *testing.T) {
	f := newFixture(t)

	t.Run("missing name is 400", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/speakers/similar", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("near-duplicate surfaces", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/speakers/similar?name=Alice+Chan", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		cands := decodeBody[[]similarSpeaker](t, rec)
		if len(cands) == 0 || cands[0].Speaker.Name != "Alice Chen" {
			t.Errorf("candidates = %+v, want Alice Chen first", cands)
		}
	})

	t.Run("unrelated name returns empty list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/speakers/similar?name=Zebulon+Quarkwright", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		cands := decodeBody[[]similarSpeaker](t, rec)
		if len(cands) != 0 {
			t.Errorf("candidates = %+v, want none", cands)
		}
	})
}

func TestReconcileEndpoint(t *testing.T) {
	t.Run("extracts missing embeddings", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "seg-1", 0, nil)
		f.seed(t, "seg-2", 5, []float32{1, 0, 0})

		rec := f.do(t, http.MethodPost, "/v1/runs/run-1/reconcile", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
		}
		resp := decodeBody[reconcileResponse](t, rec)
		if resp.Processed != 2 || resp.Extracted != 1 || resp.Skipped != 1 {
			t.Errorf("report = %+v, want processed 2 extracted 1 skipped 1", resp)
		}
		if resp.PartialFailure {
			t.Error("partial_failure set on clean pass")
		}
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "seg-1", 0, nil)

		rec := f.do(t, http.MethodPost, "/v1/runs/run-1/reconcile", `{"dry_run":true}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decodeBody[reconcileResponse](t, rec)
		if resp.Extracted != 1 {
			t.Errorf("extracted = %d, want 1 (predicted)", resp.Extracted)
		}
		if f.extractor.calls != 0 {
			t.Errorf("extractor calls = %d, want 0 in dry run", f.extractor.calls)
		}
	})

	t.Run("partial failure is a 200 with the flag set", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "seg-1", 0, nil)
		f.extractor.err = errors.New("media unreachable")

		rec := f.do(t, http.MethodPost, "/v1/runs/run-1/reconcile", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
		}
		resp := decodeBody[reconcileResponse](t, rec)
		if !resp.PartialFailure {
			t.Error("partial_failure not set")
		}
		if resp.Failed != 1 || len(resp.Failures) != 1 {
			t.Errorf("report = %+v, want one failure", resp)
		}
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/runs/run-missing/reconcile", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestAutoLabelEndpointRequiresIdentifier(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/runs/run-1/autolabel", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 when no identifier is wired", rec.Code)
	}
}
