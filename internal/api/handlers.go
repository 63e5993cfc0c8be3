package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/fixloop"
	"codegen-autofix/internal/generator"
	"codegen-autofix/internal/monitor"
	"codegen-autofix/internal/sandbox"
	"codegen-autofix/internal/storage"
)

// Executor is the isolated executor as seen by the API.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult
	Healthy(ctx context.Context) bool
	Backend() string
	ActiveCount() int64
}

// Fixer runs the auto-fix loop. *fixloop.Orchestrator implements it.
type Fixer interface {
	RunWithOptions(ctx context.Context, prompt string, opts fixloop.RunOptions) (*fixloop.FixResult, error)
}

// RunStore reads the audit trail. *storage.DB implements it.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error)
	Healthy(ctx context.Context) bool
}

// Auditor queues audit records. *storage.AuditWriter implements it.
type Auditor interface {
	LogRun(run *storage.Run)
	LogExecution(exec *storage.Execution)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Handlers struct {
	exec       Executor
	fixer      Fixer
	store      RunStore
	audit      Auditor
	metrics    *monitor.Metrics
	limits     sandbox.ResourceLimits
	maxTimeout time.Duration
}

func NewHandlers(deps Deps, limits sandbox.ResourceLimits, maxTimeout time.Duration) *Handlers {
	return &Handlers{
		exec:       deps.Executor,
		fixer:      deps.Fixer,
		store:      deps.Store,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		limits:     limits,
		maxTimeout: maxTimeout,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.exec == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	execReq, err := h.executionRequest(req)
	if err != nil {
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	res := h.exec.Execute(r.Context(), execReq)

	if h.metrics != nil {
		h.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	}
	if h.audit != nil {
		language := execReq.Language
		if language == "" {
			language = "python"
		}
		h.audit.LogExecution(storage.ExecutionFromResult(language, res, executionStatus(res), requestMeta(r)))
	}

	writeJSON(w, http.StatusOK, newExecuteResponse(res))
}

// executionRequest applies the configured limits and the timeout ceiling.
// Request limits may only lower the configured ones.
func (h *Handlers) executionRequest(req ExecuteRequest) (sandbox.ExecutionRequest, error) {
	if req.Timeout.Duration < 0 {
		return sandbox.ExecutionRequest{}, errors.New("timeout must not be negative")
	}
	if h.maxTimeout > 0 && req.Timeout.Duration > h.maxTimeout {
		return sandbox.ExecutionRequest{}, fmt.Errorf("timeout %s exceeds maximum %s", req.Timeout.Duration, h.maxTimeout)
	}
	limits := h.limits
	if req.Limits != nil {
		var err error
		if limits, err = req.Limits.merge(limits); err != nil {
			return sandbox.ExecutionRequest{}, err
		}
	}
	if err := limits.Validate(); err != nil {
		return sandbox.ExecutionRequest{}, err
	}
	return sandbox.ExecutionRequest{
		Code:     req.Code,
		Language: req.Language,
		Timeout:  req.Timeout.Duration,
		Limits:   limits,
	}, nil
}

func executionStatus(res sandbox.ExecutionResult) string {
	switch {
	case res.Succeeded:
		return "success"
	case res.TimedOut():
		return "timeout"
	case res.HarnessFailed():
		return "error"
	default:
		return "failure"
	}
}

func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeGenerate(w, r)
	if !ok {
		return
	}

	runID := uuid.New().String()
	started := time.Now()
	res, err := h.fixer.RunWithOptions(r.Context(), req.Prompt, fixloop.RunOptions{
		RunID:       runID,
		MaxAttempts: req.MaxIterations,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		h.auditFailedRun(runID, req.Prompt, started, err, r)
		status, body := runErrorResponse(err, r)
		writeJSON(w, status, body)
		return
	}

	h.auditRun(res, r)
	writeJSON(w, http.StatusOK, newGenerateResponse(res))
}

// decodeGenerate parses and validates a generate request, writing the
// error response itself when it returns false.
func (h *Handlers) decodeGenerate(w http.ResponseWriter, r *http.Request) (GenerateRequest, bool) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, "prompt is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.MaxTokens < 0 {
		writeError(w, "max_tokens must not be negative", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if h.fixer == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "service not ready",
			Code:      "GENERATOR_UNAVAILABLE",
			Kind:      string(generator.KindNotReady),
			RequestID: RequestIDFromContext(r.Context()),
		})
		return req, false
	}
	return req, true
}

// runErrorResponse maps a run failure to an HTTP status and body.
func runErrorResponse(err error, r *http.Request) (int, ErrorResponse) {
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: RequestIDFromContext(r.Context()),
	}
	if be, ok := generator.AsBackendError(err); ok {
		resp.Kind = string(be.Kind)
		switch be.Kind {
		case generator.KindRateLimited:
			resp.Code = "GENERATOR_RATE_LIMITED"
			return http.StatusTooManyRequests, resp
		case generator.KindMalformed:
			resp.Code = "GENERATOR_BAD_RESPONSE"
			return http.StatusBadGateway, resp
		default:
			resp.Code = "GENERATOR_UNAVAILABLE"
			return http.StatusServiceUnavailable, resp
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		resp.Code = "CANCELLED"
		return http.StatusRequestTimeout, resp
	}
	log.Error().Err(err).Str("request_id", resp.RequestID).Msg("fix run failed")
	resp.Error = "internal error"
	resp.Code = "INTERNAL"
	return http.StatusInternalServerError, resp
}

func runOutcome(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "backend_error"
}

func (h *Handlers) auditRun(res *fixloop.FixResult, r *http.Request) {
	if h.audit == nil {
		return
	}
	h.audit.LogRun(storage.RunFromResult(res, requestMeta(r)))
}

func (h *Handlers) auditFailedRun(runID, prompt string, started time.Time, err error, r *http.Request) {
	if h.audit == nil {
		return
	}
	h.audit.LogRun(storage.FailedRun(runID, prompt, runOutcome(err), started, err, requestMeta(r)))
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter, err := runFilterFromQuery(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing runs failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func runFilterFromQuery(r *http.Request) (storage.RunFilter, error) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		Outcome: q.Get("outcome"),
		Limit:   defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", v)
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since %q: want RFC 3339", v)
		}
		filter.Since = &t
	}
	return filter, nil
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, "invalid run ID", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", id).Msg("loading run failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func requestMeta(r *http.Request) storage.Meta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return storage.Meta{
		RequestIP:  ip,
		APIKeyHash: APIKeyHashFromContext(r.Context()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
