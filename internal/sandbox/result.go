package sandbox

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Exit indicators outside the 0-255 process range.
const (
	ExitCodeTimeout = 408
	ExitCodeHarness = 500
)

type ExecutionRequest struct {
	Code     string         `json:"code"`
	Language string         `json:"language"`
	Timeout  time.Duration  `json:"timeout"`
	Limits   ResourceLimits `json:"limits"`
}

// ExecutionResult is produced exactly once per request. Succeeded is set
// only for a zero exit status with non-blank stdout.
type ExecutionResult struct {
	ID             string          `json:"id"`
	Succeeded      bool            `json:"success"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       int             `json:"exit_code"`
	Duration       time.Duration   `json:"duration"`
	Backend        string          `json:"backend,omitempty"`
	ResourceUsage  ResourceUsage   `json:"resource_usage"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
	CodeHash       string          `json:"code_hash"`
}

type ResourceUsage struct {
	CPUTimeMS    int64 `json:"cpu_time_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
}

type SecurityEvent struct {
	Type    string `json:"type"`
	Syscall string `json:"syscall,omitempty"`
	Detail  string `json:"detail"`
}

// TimedOut reports whether the result carries the timeout sentinel.
func (r *ExecutionResult) TimedOut() bool {
	return r.ExitCode == ExitCodeTimeout
}

// HarnessFailed reports whether the sandbox itself failed to run the code.
func (r *ExecutionResult) HarnessFailed() bool {
	return r.ExitCode == ExitCodeHarness
}

func (r *ExecutionResult) normalize() {
	r.Succeeded = r.ExitCode == 0 && strings.TrimSpace(r.Stdout) != ""
}

func hashCode(code string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Execution timeout (%s)", timeout)
}

// appendLine joins a diagnostic onto captured stderr.
func appendLine(stderr, line string) string {
	if stderr == "" {
		return line
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + line
}

func harnessResult(execID, codeHash string, err error) ExecutionResult {
	return ExecutionResult{
		ID:       execID,
		Stderr:   "Sandbox error: " + err.Error(),
		ExitCode: ExitCodeHarness,
		CodeHash: codeHash,
	}
}
