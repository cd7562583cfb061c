package voiceprint_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MrWong99/vocalid/pkg/mediapath"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
	"github.com/MrWong99/vocalid/pkg/voiceprint/mock"
)

// writeWAV writes a sine-tone PCM16 WAV fixture and returns its path.
func writeWAV(t *testing.T, dir, name string, seconds float64) string {
	t.Helper()
	const rate = 16000
	n := int(seconds * rate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, voiceprint.EncodeWAV(samples, rate), 0o644); err != nil {
		t.Fatalf("write wav fixture: %v", err)
	}
	return path
}

// captureRecorder collects extraction telemetry in call order.
type captureRecorder struct {
	mu       sync.Mutex
	statuses []string
	depths   []int64
}

func (r *captureRecorder) RecordExtraction(_ context.Context, status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *captureRecorder) AddQueueDepth(_ context.Context, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depths = append(r.depths, delta)
}

func TestExtract(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeWAV(t, dir, "a.wav", 3)
		model := &mock.Model{}
		e := voiceprint.NewExtractor(model, mediapath.New())

		vec, err := e.Extract(ctx, path, 0.5, 2.0)
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if len(vec) != model.Dimensions() {
			t.Fatalf("Extract: expected %d dimensions, got %d", model.Dimensions(), len(vec))
		}
		if model.EmbedCalls() != 1 {
			t.Fatalf("Extract: expected 1 model call, got %d", model.EmbedCalls())
		}
	})

	t.Run("deterministic for identical input", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeWAV(t, dir, "a.wav", 3)
		e := voiceprint.NewExtractor(&mock.Model{}, mediapath.New())

		first, err := e.Extract(ctx, path, 0, 1)
		if err != nil {
			t.Fatalf("Extract first: %v", err)
		}
		second, err := e.Extract(ctx, path, 0, 1)
		if err != nil {
			t.Fatalf("Extract second: %v", err)
		}
		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("Extract: vectors diverge at %d: %f vs %f", i, first[i], second[i])
			}
		}
	})

	t.Run("unresolvable path", func(t *testing.T) {
		t.Parallel()
		e := voiceprint.NewExtractor(&mock.Model{}, mediapath.New())
		_, err := e.Extract(ctx, "/nowhere/run-1/a.wav", 0, 1)
		if !errors.Is(err, mediapath.ErrNotFound) {
			t.Fatalf("Extract: expected mediapath.ErrNotFound, got %v", err)
		}
	})

	t.Run("span outside file", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeWAV(t, dir, "a.wav", 1)
		e := voiceprint.NewExtractor(&mock.Model{}, mediapath.New())

		_, err := e.Extract(ctx, path, 5, 6)
		if !errors.Is(err, voiceprint.ErrExtraction) {
			t.Fatalf("Extract: expected ErrExtraction, got %v", err)
		}
	})

	t.Run("corrupt audio", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "bad.wav")
		if err := os.WriteFile(path, []byte("definitely not audio"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		e := voiceprint.NewExtractor(&mock.Model{}, mediapath.New())

		_, err := e.Extract(ctx, path, 0, 1)
		if !errors.Is(err, voiceprint.ErrExtraction) {
			t.Fatalf("Extract: expected ErrExtraction, got %v", err)
		}
	})

	t.Run("model failure surfaces as ErrExtraction", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeWAV(t, dir, "a.wav", 2)
		model := &mock.Model{
			EmbedFunc: func(context.Context, []float32, int) ([]float32, error) {
				return nil, errors.New("model exploded")
			},
		}
		e := voiceprint.NewExtractor(model, mediapath.New())

		_, err := e.Extract(ctx, path, 0, 1)
		if !errors.Is(err, voiceprint.ErrExtraction) {
			t.Fatalf("Extract: expected ErrExtraction, got %v", err)
		}
	})

	t.Run("telemetry reaches the recorder", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeWAV(t, dir, "a.wav", 2)
		model := &mock.Model{}
		rec := &captureRecorder{}
		e := voiceprint.NewExtractor(model, mediapath.New(), voiceprint.WithRecorder(rec))

		if _, err := e.Extract(ctx, path, 0, 1); err != nil {
			t.Fatalf("Extract: %v", err)
		}
		model.EmbedFunc = func(context.Context, []float32, int) ([]float32, error) {
			return nil, errors.New("model exploded")
		}
		if _, err := e.Extract(ctx, path, 0, 1); err == nil {
			t.Fatal("Extract: expected model failure")
		}

		if got := rec.statuses; len(got) != 2 || got[0] != "ok" || got[1] != "error" {
			t.Fatalf("Extract: recorded statuses %v, want [ok error]", got)
		}
		if got := rec.depths; len(got) != 4 || got[0] != 1 || got[1] != -1 || got[2] != 1 || got[3] != -1 {
			t.Fatalf("Extract: queue depth deltas %v, want [1 -1 1 -1]", got)
		}
	})

	t.Run("cancelled context aborts before the model runs", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeWAV(t, dir, "a.wav", 2)
		model := &mock.Model{}
		e := voiceprint.NewExtractor(model, mediapath.New())

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := e.Extract(cancelled, path, 0, 1); err == nil {
			t.Fatal("Extract: expected error from cancelled context")
		}
		if model.EmbedCalls() != 0 {
			t.Fatalf("Extract: model ran %d times despite cancellation", model.EmbedCalls())
		}
	})
}
