package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"codegen-autofix/internal/monitor"
)

// ExecutorConfig holds the defaults applied to every request plus the
// optional observability hooks. Nil hooks are skipped.
type ExecutorConfig struct {
	Language      string
	Timeout       time.Duration
	Limits        ResourceLimits
	MaxConcurrent int

	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.EscapeDetector
}

// Executor is the isolated executor: it runs one snippet on a Backend and
// folds every outcome, including sandbox faults, into an ExecutionResult.
type Executor struct {
	backend  Backend
	language string
	timeout  time.Duration
	limits   ResourceLimits
	sem      chan struct{}

	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
}

func NewExecutor(backend Backend, cfg ExecutorConfig) *Executor {
	if cfg.Language == "" {
		cfg.Language = "python"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 32
	}
	return &Executor{
		backend:  backend,
		language: cfg.Language,
		timeout:  cfg.Timeout,
		limits:   cfg.Limits.withDefaults(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		detector: cfg.Detector,
	}
}

// Run executes code with the configured language, timeout and limits.
func (e *Executor) Run(ctx context.Context, code string) ExecutionResult {
	return e.Execute(ctx, ExecutionRequest{Code: code})
}

// Execute runs req, filling unset fields from the executor defaults. It
// never returns an error: harness faults come back with ExitCodeHarness.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	if req.Language == "" {
		req.Language = e.language
	}
	if req.Timeout <= 0 {
		req.Timeout = e.timeout
	}
	if req.Limits == (ResourceLimits{}) {
		req.Limits = e.limits
	}
	codeHash := hashCode(req.Code)

	ctx, span := e.tracer.StartSpan(ctx, "sandbox.execute",
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrCodeHash.String(shortHash(codeHash)),
		monitor.AttrBackend.String(e.backend.Name()),
	)
	defer span.End()

	var events []SecurityEvent
	for _, det := range e.detector.AnalyzeCode(req.Code) {
		events = append(events, SecurityEvent{
			Type:   "code_pattern",
			Detail: fmt.Sprintf("%s (%s) at line %d: %s", det.Pattern, det.Severity, det.Line, det.Detail),
		})
		e.metrics.RecordSecurityEvent(det.Pattern)
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		res := harnessResult(uuid.New().String(), codeHash, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		res.Backend = e.backend.Name()
		e.metrics.RecordError("cancelled")
		return res
	}

	done := e.metrics.ExecutionStarted()
	start := time.Now()
	out, err := e.backend.Execute(ctx, req)
	done()

	var res ExecutionResult
	status := "failure"
	switch {
	case out != nil:
		res = *out
		res.normalize()
		if res.Succeeded {
			status = "success"
		}
		if IsTimeout(err) {
			status = "timeout"
		}
	default:
		execID := uuid.New().String()
		var ee *ExecutionError
		if errors.As(err, &ee) && ee.ExecID != "" {
			execID = ee.ExecID
		}
		if err == nil {
			err = errors.New("backend returned no result")
		}
		res = harnessResult(execID, codeHash, err)
		res.Duration = time.Since(start)
		status = "error"
		e.metrics.RecordError(errorType(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox error")
		log.Error().Err(err).Str("exec_id", execID).Msg("sandbox harness error")
	}
	if res.Backend == "" {
		res.Backend = e.backend.Name()
	}
	if res.CodeHash == "" {
		res.CodeHash = codeHash
	}

	for _, det := range e.detector.AnalyzeOutput(res.Stdout) {
		events = append(events, SecurityEvent{
			Type:   "output_pattern",
			Detail: det.Detail,
		})
		e.metrics.RecordSecurityEvent(det.Pattern)
	}
	for _, ev := range res.SecurityEvents {
		e.metrics.RecordSecurityEvent(ev.Type)
	}
	res.SecurityEvents = append(events, res.SecurityEvents...)

	e.metrics.RecordExecution(req.Language, status, res.Duration.Seconds(), len(req.Code), len(res.Stdout))
	span.SetAttributes(
		monitor.AttrExecID.String(res.ID),
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)

	return res
}

// Backend returns the name of the backend in use.
func (e *Executor) Backend() string {
	return e.backend.Name()
}

// Healthy asks the backend if it can take work. Backends without a
// check are assumed ready.
func (e *Executor) Healthy(ctx context.Context) bool {
	if hc, ok := e.backend.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return true
}

// ActiveCount reports executions currently running on the backend, or 0
// when the backend does not track them.
func (e *Executor) ActiveCount() int64 {
	if ac, ok := e.backend.(ActiveCounter); ok {
		return ac.ActiveCount()
	}
	return 0
}

func (e *Executor) Close() error {
	return e.backend.Close()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUnsupportedLang):
		return "unsupported_language"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "internal"
	}
}
