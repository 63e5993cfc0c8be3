package api

import (
	"fmt"
	"time"

	"codegen-autofix/internal/fixloop"
	"codegen-autofix/internal/sandbox"
)

// ExecuteRequest runs a snippet directly, without generation.
type ExecuteRequest struct {
	Code     string          `json:"code"`
	Language string          `json:"language,omitempty"` // defaults to the configured language
	Timeout  Duration        `json:"timeout,omitempty"`
	Limits   *ResourceLimits `json:"limits,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ResourceLimits tightens the configured limits for one request. Zero
// fields keep the configured value; the configured limits are ceilings, so
// a field above them is rejected.
type ResourceLimits struct {
	MemoryMB   int64 `json:"memory_mb,omitempty"`
	CPUSeconds int64 `json:"cpu_seconds,omitempty"`
	MaxProcs   int64 `json:"max_procs,omitempty"`
	MaxFileMB  int64 `json:"max_file_mb,omitempty"`
	OpenFiles  int64 `json:"open_files,omitempty"`
}

func (rl ResourceLimits) merge(base sandbox.ResourceLimits) (sandbox.ResourceLimits, error) {
	fields := []struct {
		name      string
		requested int64
		limit     *int64
	}{
		{"memory_mb", rl.MemoryMB, &base.MemoryMB},
		{"cpu_seconds", rl.CPUSeconds, &base.CPUSeconds},
		{"max_procs", rl.MaxProcs, &base.MaxProcs},
		{"max_file_mb", rl.MaxFileMB, &base.MaxFileMB},
		{"open_files", rl.OpenFiles, &base.OpenFiles},
	}
	for _, f := range fields {
		if f.requested <= 0 {
			continue
		}
		if f.requested > *f.limit {
			return base, fmt.Errorf("%s %d exceeds the configured limit %d", f.name, f.requested, *f.limit)
		}
		*f.limit = f.requested
	}
	return base, nil
}

type ExecuteResponse struct {
	ID             string                  `json:"id"`
	Success        bool                    `json:"success"`
	Stdout         string                  `json:"stdout"`
	Stderr         string                  `json:"stderr"`
	ExitCode       int                     `json:"exit_code"`
	Duration       string                  `json:"duration"`
	Backend        string                  `json:"backend"`
	ResourceUsage  sandbox.ResourceUsage   `json:"resource_usage"`
	SecurityEvents []sandbox.SecurityEvent `json:"security_events,omitempty"`
}

func newExecuteResponse(res sandbox.ExecutionResult) ExecuteResponse {
	return ExecuteResponse{
		ID:             res.ID,
		Success:        res.Succeeded,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		ExitCode:       res.ExitCode,
		Duration:       res.Duration.String(),
		Backend:        res.Backend,
		ResourceUsage:  res.ResourceUsage,
		SecurityEvents: res.SecurityEvents,
	}
}

// GenerateRequest starts a fix run. A missing max_iterations uses the
// configured default; other values are clamped to 1..10.
type GenerateRequest struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
}

type GenerateResponse struct {
	RunID        string   `json:"run_id"`
	Success      bool     `json:"success"`
	FinalAnswer  string   `json:"final_answer"`
	Iterations   int      `json:"iterations"`
	CleanCode    string   `json:"clean_code"`
	RawResponse  string   `json:"raw_response"`
	FixesApplied []string `json:"fixes_applied"`
	Duration     string   `json:"duration"`
}

func newGenerateResponse(res *fixloop.FixResult) GenerateResponse {
	fixes := res.FixesApplied
	if fixes == nil {
		fixes = []string{}
	}
	return GenerateResponse{
		RunID:        res.RunID,
		Success:      res.Succeeded,
		FinalAnswer:  res.FinalAnswer,
		Iterations:   res.Iterations,
		CleanCode:    res.CleanCode,
		RawResponse:  res.RawResponse,
		FixesApplied: fixes,
		Duration:     res.Duration.String(),
	}
}

// StateEvent is streamed on every phase change of a run.
type StateEvent struct {
	RunID   string        `json:"run_id"`
	Attempt int           `json:"attempt"`
	State   fixloop.State `json:"state"`
}

// AttemptEvent is streamed once per finished attempt. Attempt is 1-based.
type AttemptEvent struct {
	RunID      string               `json:"run_id"`
	Attempt    int                  `json:"attempt"`
	Class      fixloop.FailureClass `json:"class"`
	ExitCode   int                  `json:"exit_code"`
	Code       string               `json:"code"`
	Stdout     string               `json:"stdout"`
	Stderr     string               `json:"stderr"`
	DurationMS int64                `json:"duration_ms"`
}

func newAttemptEvent(runID string, rec fixloop.AttemptRecord) AttemptEvent {
	return AttemptEvent{
		RunID:      runID,
		Attempt:    rec.Index + 1,
		Class:      rec.Class,
		ExitCode:   rec.Result.ExitCode,
		Code:       rec.Code,
		Stdout:     rec.Result.Stdout,
		Stderr:     rec.Result.Stderr,
		DurationMS: rec.Duration.Milliseconds(),
	}
}

// ErrorResponse is returned for API errors. Kind is set for generation
// backend failures.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Backend          string `json:"backend"`
	Sandbox          bool   `json:"sandbox"`
	ActiveExecutions int64  `json:"active_executions"`
	Database         string `json:"database"` // ok, down or disabled
	Uptime           string `json:"uptime"`
}
