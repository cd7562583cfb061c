// Package api exposes the correction surface over HTTP: confirming
// segments and clusters, browsing proposed clusters, managing the speaker
// directory, and triggering reconciliation.
//
// All endpoints speak JSON. Errors are returned as {"error": "..."} with a
// meaningful status code; partial outcomes (cluster confirmation,
// reconciliation) are 200 responses that carry their failure detail in the
// body, because the operation itself succeeded at doing what it could.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/vocalid/internal/cluster"
	"github.com/MrWong99/vocalid/internal/correction"
	"github.com/MrWong99/vocalid/internal/identity"
	"github.com/MrWong99/vocalid/internal/reconcile"
	"github.com/MrWong99/vocalid/pkg/diarize"
)

// Server holds the handlers of the correction API.
type Server struct {
	workflow  *correction.Workflow
	engine    *cluster.Engine
	job       *reconcile.Job
	directory *identity.Directory
	defaults  reconcile.Options
	log       *slog.Logger
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithReconcileDefaults sets the reconcile options used when a request omits
// them.
func WithReconcileDefaults(opts reconcile.Options) Option {
	return func(s *Server) {
		s.defaults = opts
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// New returns a [Server].
func New(workflow *correction.Workflow, engine *cluster.Engine, job *reconcile.Job, directory *identity.Directory, opts ...Option) *Server {
	s := &Server{
		workflow:  workflow,
		engine:    engine,
		job:       job,
		directory: directory,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds all API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/segments/{id}/confirm", s.confirmSegment)
	mux.HandleFunc("POST /v1/clusters/confirm", s.confirmCluster)
	mux.HandleFunc("GET /v1/runs/{id}/clusters", s.listClusters)
	mux.HandleFunc("POST /v1/runs/{id}/autolabel", s.autoLabel)
	mux.HandleFunc("POST /v1/runs/{id}/reconcile", s.reconcileRun)
	mux.HandleFunc("GET /v1/speakers", s.listSpeakers)
	mux.HandleFunc("POST /v1/speakers", s.createSpeaker)
	mux.HandleFunc("GET /v1/speakers/similar", s.similarSpeakers)
}

// ── Segment and cluster confirmation ─────────────────────────────────────────

type confirmSegmentRequest struct {
	SpeakerID string `json:"speaker_id"`
}

func (s *Server) confirmSegment(w http.ResponseWriter, r *http.Request) {
	segmentID := r.PathValue("id")

	var req confirmSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SpeakerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("speaker_id is required"))
		return
	}

	if err := s.workflow.ConfirmSegment(r.Context(), segmentID, req.SpeakerID); err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmClusterRequest struct {
	Members   []string `json:"members"`
	SpeakerID string   `json:"speaker_id"`
}

type memberFailure struct {
	SegmentID string `json:"segment_id"`
	Error     string `json:"error"`
}

type confirmClusterResponse struct {
	Confirmed int             `json:"confirmed"`
	Failures  []memberFailure `json:"failures,omitempty"`
}

func (s *Server) confirmCluster(w http.ResponseWriter, r *http.Request) {
	var req confirmClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SpeakerID == "" || len(req.Members) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("speaker_id and members are required"))
		return
	}

	failures, err := s.workflow.ConfirmCluster(r.Context(), req.Members, req.SpeakerID)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}

	resp := confirmClusterResponse{Confirmed: len(req.Members) - len(failures)}
	for _, f := range failures {
		resp.Failures = append(resp.Failures, memberFailure{SegmentID: f.SegmentID, Error: f.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Clusters ─────────────────────────────────────────────────────────────────

type clusterGroup struct {
	Members  []string `json:"members"`
	Exemplar string   `json:"exemplar"`
	Noise    bool     `json:"noise,omitempty"`
}

type listClustersResponse struct {
	RunID  string         `json:"run_id"`
	Groups []clusterGroup `json:"groups"`
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	groups, err := s.engine.Cluster(r.Context(), runID)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}

	resp := listClustersResponse{RunID: runID, Groups: make([]clusterGroup, 0, len(groups))}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, clusterGroup{Members: g.Members, Exemplar: g.Exemplar, Noise: g.Noise})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Auto-labeling ────────────────────────────────────────────────────────────

func (s *Server) autoLabel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	stats, err := s.workflow.AutoLabel(r.Context(), runID)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"labeled": stats.Labeled,
		"unknown": stats.Unknown,
	})
}

// ── Reconciliation ───────────────────────────────────────────────────────────

type reconcileRequest struct {
	Limit        *int  `json:"limit"`
	OnlyAssigned *bool `json:"only_assigned"`
	Repair       *bool `json:"repair"`
	DryRun       bool  `json:"dry_run"`
}

type reconcileResponse struct {
	Processed      int             `json:"processed"`
	Extracted      int             `json:"extracted"`
	Repaired       int             `json:"repaired"`
	Skipped        int             `json:"skipped"`
	Failed         int             `json:"failed"`
	Failures       []memberFailure `json:"failures,omitempty"`
	PartialFailure bool            `json:"partial_failure,omitempty"`
}

func (s *Server) reconcileRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	req := reconcileRequest{}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	opts := s.defaults
	if req.Limit != nil {
		opts.Limit = *req.Limit
	}
	if req.OnlyAssigned != nil {
		opts.OnlyAssigned = *req.OnlyAssigned
	}
	if req.Repair != nil {
		opts.Repair = *req.Repair
	}
	opts.DryRun = req.DryRun

	report, err := s.job.Run(r.Context(), runID, opts)
	partial := errors.Is(err, reconcile.ErrPartialFailure)
	if err != nil && !partial {
		s.writeWorkflowError(w, err)
		return
	}

	resp := reconcileResponse{
		Processed:      report.Processed,
		Extracted:      report.Extracted,
		Repaired:       report.Repaired,
		Skipped:        report.Skipped,
		Failed:         report.Failed,
		PartialFailure: partial,
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, memberFailure{SegmentID: f.SegmentID, Error: f.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Speaker directory ────────────────────────────────────────────────────────

type speakerPayload struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

func (s *Server) listSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := s.directory.List(r.Context())
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	out := make([]speakerPayload, 0, len(speakers))
	for _, sp := range speakers {
		out = append(out, speakerPayload{ID: sp.ID, Name: sp.Name, Aliases: sp.Aliases})
	}
	writeJSON(w, http.StatusOK, out)
}

type createSpeakerRequest struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

func (s *Server) createSpeaker(w http.ResponseWriter, r *http.Request) {
	var req createSpeakerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sp, err := s.directory.Create(r.Context(), req.Name, req.Aliases...)
	switch {
	case errors.Is(err, identity.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, identity.ErrDuplicateName):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, speakerPayload{ID: sp.ID, Name: sp.Name, Aliases: sp.Aliases})
}

type similarSpeaker struct {
	Speaker  speakerPayload `json:"speaker"`
	Score    float64        `json:"score"`
	Phonetic bool           `json:"phonetic"`
}

func (s *Server) similarSpeakers(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name query parameter is required"))
		return
	}

	cands, err := s.directory.FindSimilar(r.Context(), name)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	out := make([]similarSpeaker, 0, len(cands))
	for _, c := range cands {
		out = append(out, similarSpeaker{
			Speaker:  speakerPayload{ID: c.Speaker.ID, Name: c.Speaker.Name, Aliases: c.Speaker.Aliases},
			Score:    c.Score,
			Phonetic: c.Phonetic,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// writeWorkflowError maps domain errors to HTTP status codes.
func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, diarize.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
