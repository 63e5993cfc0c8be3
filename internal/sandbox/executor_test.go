package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"codegen-autofix/internal/monitor"
)

// fakeBackend returns canned results and records what it was asked to run.
type fakeBackend struct {
	mu       sync.Mutex
	result   *ExecutionResult
	err      error
	delay    time.Duration
	requests []ExecutionRequest
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &ExecutionError{ExecID: "x", Op: "wait", Err: ErrCancelled}
		}
	}
	if f.result == nil {
		return nil, f.err
	}
	res := *f.result
	return &res, f.err
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) ActiveCount() int64 { return int64(f.inflight.Load()) }

func TestExecutor_Success(t *testing.T) {
	fb := &fakeBackend{result: &ExecutionResult{ID: "e1", Stdout: "120\n", ExitCode: 0}}
	e := NewExecutor(fb, ExecutorConfig{})

	res := e.Run(context.Background(), "print(120)")
	if !res.Succeeded {
		t.Error("expected success")
	}
	if res.Backend != "fake" {
		t.Errorf("Backend = %q, want fake", res.Backend)
	}
	if res.CodeHash != hashCode("print(120)") {
		t.Error("CodeHash not filled in")
	}

	req := fb.requests[0]
	if req.Language != "python" || req.Timeout != 10*time.Second || req.Limits != DefaultLimits() {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestExecutor_SuccessRequiresOutput(t *testing.T) {
	tests := []struct {
		name   string
		result ExecutionResult
		want   bool
	}{
		{"exit 0 with output", ExecutionResult{Stdout: "x"}, true},
		{"exit 0 blank output", ExecutionResult{Stdout: " \n\t"}, false},
		{"exit 1 with output", ExecutionResult{ExitCode: 1, Stdout: "x"}, false},
		{"backend claims success wrongly", ExecutionResult{Succeeded: true, ExitCode: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.result
			e := NewExecutor(&fakeBackend{result: &r}, ExecutorConfig{})
			if got := e.Run(context.Background(), "code").Succeeded; got != tt.want {
				t.Errorf("Succeeded = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutor_TimeoutPassesThrough(t *testing.T) {
	fb := &fakeBackend{
		result: &ExecutionResult{ExitCode: ExitCodeTimeout, Stderr: "Execution timeout (1s)"},
		err:    ErrTimeout,
	}
	m := monitor.NewMetrics()
	e := NewExecutor(fb, ExecutorConfig{Metrics: m})

	res := e.Run(context.Background(), "while True: pass")
	if !res.TimedOut() || res.Succeeded {
		t.Errorf("result = %+v, want timed out", res)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "timeout")); got != 1 {
		t.Errorf("timeout executions = %v, want 1", got)
	}
}

func TestExecutor_HarnessFaultBecomesResult(t *testing.T) {
	fb := &fakeBackend{err: &ExecutionError{ExecID: "exec-9", Op: "spawn", Err: errors.New("fork failed")}}
	e := NewExecutor(fb, ExecutorConfig{})

	res := e.Run(context.Background(), "print(1)")
	if res.ExitCode != ExitCodeHarness || !res.HarnessFailed() {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, ExitCodeHarness)
	}
	if !strings.HasPrefix(res.Stderr, "Sandbox error: ") || !strings.Contains(res.Stderr, "fork failed") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.ID != "exec-9" {
		t.Errorf("ID = %q, want the backend's exec id", res.ID)
	}
	if res.Succeeded {
		t.Error("harness fault must not succeed")
	}
}

func TestExecutor_NilResultWithoutError(t *testing.T) {
	e := NewExecutor(&fakeBackend{}, ExecutorConfig{})
	res := e.Run(context.Background(), "print(1)")
	if res.ExitCode != ExitCodeHarness || res.ID == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutor_ConcurrencyBound(t *testing.T) {
	fb := &fakeBackend{result: &ExecutionResult{Stdout: "ok"}, delay: 50 * time.Millisecond}
	e := NewExecutor(fb, ExecutorConfig{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Run(context.Background(), "print(1)")
		}()
	}
	wg.Wait()

	if p := fb.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if len(fb.requests) != 8 {
		t.Errorf("ran %d, want 8", len(fb.requests))
	}
}

func TestExecutor_ActiveCount(t *testing.T) {
	fb := &fakeBackend{result: &ExecutionResult{Stdout: "ok"}, delay: 200 * time.Millisecond}
	e := NewExecutor(fb, ExecutorConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), "print(1)")
	}()
	time.Sleep(50 * time.Millisecond)
	if got := e.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount during run = %d, want 1", got)
	}
	<-done
	if got := e.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after run = %d, want 0", got)
	}
}

func TestExecutor_CancelledWhileQueued(t *testing.T) {
	fb := &fakeBackend{result: &ExecutionResult{Stdout: "ok"}, delay: time.Second}
	e := NewExecutor(fb, ExecutorConfig{MaxConcurrent: 1})

	go e.Run(context.Background(), "hold the slot")
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := e.Run(ctx, "queued")
	if res.ExitCode != ExitCodeHarness || !strings.Contains(res.Stderr, "cancelled") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutor_SecurityEvents(t *testing.T) {
	fb := &fakeBackend{result: &ExecutionResult{
		ExitCode:       137,
		SecurityEvents: []SecurityEvent{{Type: "limit_kill", Detail: "killed"}},
	}}
	e := NewExecutor(fb, ExecutorConfig{Detector: monitor.NewEscapeDetector()})

	res := e.Run(context.Background(), "import os\nos.system('id')")
	var sawCode, sawKill bool
	for _, ev := range res.SecurityEvents {
		switch ev.Type {
		case "code_pattern":
			sawCode = true
		case "limit_kill":
			sawKill = true
		}
	}
	if !sawCode || !sawKill {
		t.Errorf("SecurityEvents = %+v", res.SecurityEvents)
	}
}

func TestExecutor_RequestOverrides(t *testing.T) {
	fb := &fakeBackend{result: &ExecutionResult{Stdout: "ok"}}
	e := NewExecutor(fb, ExecutorConfig{Language: "python", Timeout: 10 * time.Second})

	limits := ResourceLimits{MemoryMB: 256, CPUSeconds: 4, MaxProcs: 5, MaxFileMB: 1, OpenFiles: 32}
	e.Execute(context.Background(), ExecutionRequest{Code: "echo", Language: "shell", Timeout: 3 * time.Second, Limits: limits})

	req := fb.requests[0]
	if req.Language != "shell" || req.Timeout != 3*time.Second || req.Limits != limits {
		t.Errorf("overrides lost: %+v", req)
	}
}
