package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/briefworks/briefsync/internal/briefsync"
)

type ServerConfig struct {
	WebhookSecret   string
	MaxBodyBytes    int64
	BulkConcurrency int
}

type Server struct {
	store   *briefsync.JobStore
	ingress *briefsync.Ingress
	cfg     ServerConfig
}

func NewServer(store *briefsync.JobStore, ingress *briefsync.Ingress) *Server {
	return NewServerWithConfig(store, ingress, ServerConfig{})
}

func NewServerWithConfig(store *briefsync.JobStore, ingress *briefsync.Ingress, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 3
	}
	return &Server{store: store, ingress: ingress, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if path == "/webhooks/board" && r.Method == http.MethodPost {
		s.handleBoardWebhook(w, r)
		return
	}
	if path == "/admin/backends" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.store.BackendStatus())
		return
	}

	if path == "/jobs" || strings.HasPrefix(path, "/jobs/") {
		s.serveJobs(w, r, path)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// Worker-protocol endpoints: the sandboxed plugin calls these from an
// origin-less environment, so they carry permissive CORS and answer
// preflights with an empty 204.
func isWorkerRoute(path string) bool {
	switch path {
	case "/jobs/queued", "/jobs/complete", "/jobs/fail":
		return true
	}
	return false
}

func setWorkerCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) serveJobs(w http.ResponseWriter, r *http.Request, path string) {
	if isWorkerRoute(path) {
		setWorkerCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	switch {
	case path == "/jobs/queued" && r.Method == http.MethodGet:
		s.handleQueuedJobs(w, r)
	case path == "/jobs/complete" && r.Method == http.MethodPost:
		s.handleComplete(w, r)
	case path == "/jobs/fail" && r.Method == http.MethodPost:
		s.handleFail(w, r)
	case path == "/jobs/stats" && r.Method == http.MethodGet:
		s.handleStats(w)
	case path == "/jobs/events" && r.Method == http.MethodGet:
		s.handleJobEvents(w, r)
	case path == "/jobs/queue" && r.Method == http.MethodPost:
		s.handleQueue(w, r)
	case path == "/jobs/queue-bulk" && r.Method == http.MethodPost:
		s.handleQueueBulk(w, r)
	case path == "/jobs/retry" && r.Method == http.MethodPost:
		s.handleRetry(w, r)
	case path == "/jobs" && r.Method == http.MethodGet:
		s.handleListJobs(w, r)
	case strings.HasPrefix(path, "/jobs/") && r.Method == http.MethodGet:
		s.handleGetJob(w, strings.TrimPrefix(path, "/jobs/"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleBoardWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if s.cfg.WebhookSecret != "" {
		if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, r.Header.Get("X-Board-Signature"), body); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message)
			return
		}
	}

	var envelope briefsync.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		// The only non-2xx the webhook ever returns: the body itself was
		// not JSON.
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if envelope.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}
	if err := briefsync.ValidateEnvelope(body); err != nil {
		// Parseable but malformed events are acknowledged, never bounced:
		// a 4xx here would only trigger an upstream retry storm.
		writeJSON(w, http.StatusOK, briefsync.IngressResult{
			Disposition: briefsync.DispositionIgnored,
			Reason:      "envelope failed validation: " + err.Error(),
		})
		return
	}

	result, err := s.ingress.HandleEnvelope(r.Context(), envelope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueuedJobs(w http.ResponseWriter, r *http.Request) {
	fileKey := strings.TrimSpace(r.URL.Query().Get("fileKey"))
	batch := strings.TrimSpace(r.URL.Query().Get("batchCanonical"))
	if fileKey == "" && batch == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "fileKey or batchCanonical is required")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	// Both shapes are pure filters over the queued index, so a worker never
	// sees running, completed, or failed jobs here.
	queued, err := s.store.ListByState(briefsync.JobQueued, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	jobs := make([]briefsync.SyncJob, 0, len(queued))
	for _, job := range queued {
		switch {
		case fileKey != "" && job.TargetFileKey == fileKey:
			jobs = append(jobs, job)
		case batch != "" && job.BatchCanonical == batch:
			jobs = append(jobs, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
		ResultPageID   string `json:"resultPageId"`
		ResultFileURL  string `json:"resultFileUrl"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" || strings.TrimSpace(req.ResultPageID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "idempotencyKey and resultPageId are required")
		return
	}
	job, err := s.store.CompleteByKey(req.IdempotencyKey, req.ResultPageID, req.ResultFileURL)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
		ErrorCode      string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "idempotencyKey is required")
		return
	}
	job, err := s.store.FailByKey(req.IdempotencyKey, strings.TrimSpace(req.ErrorCode))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

func (s *Server) handleStats(w http.ResponseWriter) {
	stats, err := s.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		WorkItemID     string `json:"workItemId"`
		BoardID        string `json:"boardId"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if strings.TrimSpace(req.WorkItemID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "workItemId is required")
		return
	}
	briefing, err := s.ingress.FetchBriefing(r.Context(), req.BoardID, req.WorkItemID)
	if err != nil {
		writeJSON(w, http.StatusOK, briefsync.Outcome{
			Status:    briefsync.OutcomeFailed,
			Message:   "could not load work item: " + err.Error(),
			ErrorCode: briefsync.ClassifyFailure(err.Error()),
		})
		return
	}
	outcome, err := s.ingress.Orchestrator().CreateOrQueue(r.Context(), briefsync.CreateOrQueueRequest{
		Briefing:       briefing,
		BoardID:        req.BoardID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleQueueBulk(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Items []briefsync.WorkItemRef `json:"items"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "items is required")
		return
	}
	results := s.ingress.QueueNow(r.Context(), req.Items, s.cfg.BulkConcurrency)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	job, err := s.store.GetJob(strings.TrimSpace(req.JobID))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.State != briefsync.JobFailed {
		writeError(w, http.StatusConflict, "invalid_state", "only failed jobs can be retried")
		return
	}

	// Prefer a fresh read of the work item; fall back to the payload the
	// failed job already carries if the board is unreachable.
	briefing, fetchErr := s.ingress.FetchBriefing(r.Context(), job.BoardID, job.WorkItemID)
	if fetchErr != nil {
		briefing = briefsync.Briefing{
			WorkItemID:   job.WorkItemID,
			Name:         job.PageName,
			Batch:        job.BatchCanonical,
			Payload:      job.BriefingPayload,
			NodeMapping:  job.NodeMapping,
			FrameRenames: job.FrameRenames,
			Images:       job.Images,
		}
	}
	outcome, err := s.ingress.Orchestrator().Retry(r.Context(), job, briefing)
	if err != nil {
		if errors.Is(err, briefsync.ErrInvalidState) {
			writeError(w, http.StatusConflict, "invalid_state", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	var (
		jobs []briefsync.SyncJob
		err  error
	)
	if state == "" {
		jobs, err = s.store.ListRecent(limit)
	} else {
		if !briefsync.ValidJobState(state) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid state")
			return
		}
		jobs, err = s.store.ListByState(briefsync.JobState(state), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, id string) {
	job, err := s.store.GetJob(strings.TrimSpace(id))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return nil, false
	}
	return body, true
}

func parseLimit(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, briefsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, briefsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, briefsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
