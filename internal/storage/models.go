package storage

import (
	"time"
	"unicode/utf8"

	"codegen-autofix/internal/fixloop"
	"codegen-autofix/internal/sandbox"
)

// Column caps for free-form text.
const (
	maxTextBytes = 65535
	maxCodeBytes = 1 << 20
)

// Run is the audit record of one fix run.
type Run struct {
	ID          string     `json:"id" db:"id"`
	Prompt      string     `json:"prompt" db:"prompt"`
	Outcome     string     `json:"outcome" db:"outcome"` // success, exhausted, backend_error, cancelled
	Succeeded   bool       `json:"success" db:"succeeded"`
	FinalAnswer string     `json:"final_answer" db:"final_answer"`
	Iterations  int        `json:"iterations" db:"iterations"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	CleanCode   string     `json:"clean_code" db:"clean_code"`
	Error       string     `json:"error,omitempty" db:"error"`
	RequestIP   string     `json:"request_ip,omitempty" db:"request_ip"`
	APIKeyHash  string     `json:"-" db:"api_key_hash"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Attempts []Attempt `json:"attempts,omitempty" db:"-"`
}

// Attempt is one generate/execute round of a Run.
type Attempt struct {
	RunID       string  `json:"run_id" db:"run_id"`
	Index       int     `json:"index" db:"idx"`
	Class       string  `json:"class" db:"class"`
	ExitCode    int     `json:"exit_code" db:"exit_code"`
	Code        string  `json:"code" db:"code"`
	CodeHash    string  `json:"code_hash" db:"code_hash"`
	Stdout      string  `json:"stdout" db:"stdout"`
	Stderr      string  `json:"stderr" db:"stderr"`
	Temperature float64 `json:"temperature" db:"temperature"`
	DurationMS  int64   `json:"duration_ms" db:"duration_ms"`
}

// Execution is the audit record of a direct /execute call.
type Execution struct {
	ID             string    `json:"id" db:"id"`
	Language       string    `json:"language" db:"language"`
	CodeHash       string    `json:"code_hash" db:"code_hash"`
	ExitCode       int       `json:"exit_code" db:"exit_code"`
	Stdout         string    `json:"stdout" db:"stdout"`
	Stderr         string    `json:"stderr" db:"stderr"`
	Backend        string    `json:"backend" db:"backend"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	CPUTimeMS      int64     `json:"cpu_time_ms" db:"cpu_time_ms"`
	MemoryPeakMB   int64     `json:"memory_peak_mb" db:"memory_peak_mb"`
	SecurityEvents int       `json:"security_events" db:"security_events"`
	Status         string    `json:"status" db:"status"` // success, failure, timeout, error
	RequestIP      string    `json:"request_ip" db:"request_ip"`
	APIKeyHash     string    `json:"-" db:"api_key_hash"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Outcome string
	Since   *time.Time
	Limit   int
	Offset  int
}

// Meta is request context stored alongside audit records.
type Meta struct {
	RequestIP  string
	APIKeyHash string
}

// RunFromResult builds the audit record of a finished run.
func RunFromResult(res *fixloop.FixResult, meta Meta) *Run {
	completed := res.StartedAt.Add(res.Duration)
	outcome := "exhausted"
	if res.Succeeded {
		outcome = "success"
	}
	run := &Run{
		ID:          res.RunID,
		Prompt:      truncate(res.Prompt, maxTextBytes),
		Outcome:     outcome,
		Succeeded:   res.Succeeded,
		FinalAnswer: truncate(res.FinalAnswer, maxTextBytes),
		Iterations:  res.Iterations,
		MaxAttempts: res.MaxAttempts,
		CleanCode:   truncate(res.CleanCode, maxCodeBytes),
		RequestIP:   meta.RequestIP,
		APIKeyHash:  meta.APIKeyHash,
		DurationMS:  res.Duration.Milliseconds(),
		CreatedAt:   res.StartedAt,
		CompletedAt: &completed,
		Attempts:    make([]Attempt, 0, len(res.Attempts)),
	}
	for _, rec := range res.Attempts {
		run.Attempts = append(run.Attempts, Attempt{
			RunID:       res.RunID,
			Index:       rec.Index,
			Class:       string(rec.Class),
			ExitCode:    rec.Result.ExitCode,
			Code:        truncate(rec.Code, maxCodeBytes),
			CodeHash:    rec.Result.CodeHash,
			Stdout:      truncate(rec.Result.Stdout, maxTextBytes),
			Stderr:      truncate(rec.Result.Stderr, maxTextBytes),
			Temperature: rec.Temperature,
			DurationMS:  rec.Duration.Milliseconds(),
		})
	}
	return run
}

// FailedRun records a run that ended without a FixResult.
func FailedRun(id, prompt, outcome string, started time.Time, err error, meta Meta) *Run {
	now := time.Now()
	run := &Run{
		ID:          id,
		Prompt:      truncate(prompt, maxTextBytes),
		Outcome:     outcome,
		RequestIP:   meta.RequestIP,
		APIKeyHash:  meta.APIKeyHash,
		DurationMS:  now.Sub(started).Milliseconds(),
		CreatedAt:   started,
		CompletedAt: &now,
	}
	if err != nil {
		run.Error = truncate(err.Error(), maxTextBytes)
	}
	return run
}

// ExecutionFromResult builds the audit record of a direct execution.
func ExecutionFromResult(language string, res sandbox.ExecutionResult, status string, meta Meta) *Execution {
	return &Execution{
		ID:             res.ID,
		Language:       language,
		CodeHash:       res.CodeHash,
		ExitCode:       res.ExitCode,
		Stdout:         truncate(res.Stdout, maxTextBytes),
		Stderr:         truncate(res.Stderr, maxTextBytes),
		Backend:        res.Backend,
		DurationMS:     res.Duration.Milliseconds(),
		CPUTimeMS:      res.ResourceUsage.CPUTimeMS,
		MemoryPeakMB:   res.ResourceUsage.MemoryPeakMB,
		SecurityEvents: len(res.SecurityEvents),
		Status:         status,
		RequestIP:      meta.RequestIP,
		APIKeyHash:     meta.APIKeyHash,
		CreatedAt:      time.Now().Add(-res.Duration),
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
