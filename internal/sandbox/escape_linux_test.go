package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// Hostile snippets must end in a failed result, never in a harness error
// or an escaped side effect.
func TestProcessBackend_LimitEscapes(t *testing.T) {
	pb := newTestProcessBackend(t)

	tests := []struct {
		name      string
		code      string
		wantExit  int
		wantEvent string
	}{
		{
			name:      "oversized file write",
			code:      "exec head -c 3000000 /dev/zero > big.bin",
			wantExit:  153, // SIGXFSZ
			wantEvent: "file_size_limit",
		},
		{
			name:      "cpu spin",
			code:      "while :; do :; done",
			wantExit:  152, // SIGXCPU
			wantEvent: "cpu_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := pb.Execute(context.Background(), ExecutionRequest{
				Code:     tt.code,
				Language: "shell",
				Timeout:  10 * time.Second,
				Limits:   ResourceLimits{MaxFileMB: 1, CPUSeconds: 1},
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d (stderr %q)", res.ExitCode, tt.wantExit, res.Stderr)
			}
			var found bool
			for _, ev := range res.SecurityEvents {
				found = found || ev.Type == tt.wantEvent
			}
			if !found {
				t.Errorf("SecurityEvents = %+v, want %s", res.SecurityEvents, tt.wantEvent)
			}
		})
	}
}

func TestProcessBackend_NetworkIsolated(t *testing.T) {
	if !UserNamespacesSupported() {
		t.Skip("user namespaces not available")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	pb := newTestProcessBackend(t)

	code := strings.Join([]string{
		"import socket",
		"s = socket.socket()",
		"s.settimeout(2)",
		"s.connect(('169.254.169.254', 80))",
		"print('connected')",
	}, "\n")
	res, err := pb.Execute(context.Background(), ExecutionRequest{
		Code:     code,
		Language: "python",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == 0 || strings.Contains(res.Stdout, "connected") {
		t.Fatalf("network reachable from sandbox: %+v", res)
	}
	if !strings.Contains(res.Stderr, "OSError") && !strings.Contains(res.Stderr, "unreachable") {
		t.Logf("stderr: %s", res.Stderr)
	}
}

func TestProcessBackend_ConcurrentRunsIsolated(t *testing.T) {
	pb := newTestProcessBackend(t)

	const n = 4
	var wg sync.WaitGroup
	results := make([]*ExecutionResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each run sees only its own scratch file. Builtins only, so
			// RLIMIT_NPROC cannot fail a fork on a busy host.
			results[i], errs[i] = runShell(t, pb, `for f in *; do echo "$f"; done`, 5*time.Second)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if got := strings.Fields(results[i].Stdout); len(got) != 1 {
			t.Errorf("run %d saw %v, want only its own snippet", i, got)
		}
		if seen[results[i].ID] {
			t.Errorf("duplicate execution ID %s", results[i].ID)
		}
		seen[results[i].ID] = true
	}
}
