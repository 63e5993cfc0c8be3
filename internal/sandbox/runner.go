package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/runtime"
)

const containerPrefix = "fixloop-"

// Runner is the containerd backend: one throwaway container per execution.
type Runner struct {
	client    *Client
	runtimes  *runtime.Registry
	maxStdout int
	maxStderr int

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewRunner(client *Client, runtimes *runtime.Registry, maxStdout, maxStderr int) *Runner {
	if runtimes == nil {
		runtimes = runtime.NewRegistry("")
	}
	if maxStdout <= 0 {
		maxStdout = defaultMaxStdout
	}
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderr
	}
	return &Runner{
		client:    client,
		runtimes:  runtimes,
		maxStdout: maxStdout,
		maxStderr: maxStderr,
	}
}

func (r *Runner) Name() string { return "containerd" }

// Execute runs code in an isolated container.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := hashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "containerd").
		Str("language", req.Language).
		Str("code_hash", shortHash(codeHash)).
		Logger()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.active.Add(1)
	defer r.active.Add(-1)

	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: fmt.Errorf("%w: %v", ErrUnsupportedLang, err)}
	}
	if err := rt.Validate(req.Code); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}
	limits := req.Limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hostDir, _, err := newScratchDir("", "main"+rt.FileExtension(), req.Code)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}
	defer os.RemoveAll(hostDir)
	// The container runs as nobody and only needs to read the snippet.
	if err := os.Chmod(hostDir, 0o755); err != nil { // #nosec G302
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}
	if err := os.Chmod(filepath.Join(hostDir, "main"+rt.FileExtension()), 0o444); err != nil { // #nosec G302
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Pulling is not charged against the snippet's timeout.
	image, err := r.client.PullImage(ctx, rt.Image())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: fmt.Errorf("%w: %v", ErrBackendUnavailable, err)}
	}

	codePath := "/workspace/main" + rt.FileExtension()
	container, err := r.createContainer(ctx, containerPrefix+execID, image, rt, codePath, hostDir, limits)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout := newCappedBuffer(r.maxStdout)
	stderr := newCappedBuffer(r.maxStderr)

	nsCtx := r.client.WithNamespace(ctx)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(r.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Debug().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: err}
	}
	logger.Debug().Msg("task started")

	result := &ExecutionResult{
		ID:       execID,
		Backend:  r.Name(),
		CodeHash: codeHash,
	}

	select {
	case status := <-exitCh:
		result.Duration = time.Since(start)
		if err := status.Error(); err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "task_exit", Err: err}
		}
		result.ExitCode = int(status.ExitCode())
		if tio := task.IO(); tio != nil {
			tio.Wait()
		}

	case <-execCtx.Done():
		if err := task.Kill(r.client.WithNamespace(context.Background()), syscall.SIGKILL, containerd.WithKillAll); err != nil {
			logger.Error().Err(err).Msg("failed to kill task")
		}
		<-exitCh
		result.Duration = time.Since(start)
		if tio := task.IO(); tio != nil {
			tio.Wait()
		}

		if ctx.Err() != nil {
			logger.Info().Msg("execution cancelled by caller")
			return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())}
		}

		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, task killed")
		result.Stdout = stdout.String()
		result.Stderr = appendLine(stderr.String(), timeoutMessage(timeout))
		result.ExitCode = ExitCodeTimeout
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
			Type:   "timeout",
			Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
		})
		return result, ErrTimeout
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if ev, ok := containerSignalEvent(result.ExitCode, limits); ok {
		result.SecurityEvents = append(result.SecurityEvents, ev)
		result.Stderr = appendLine(result.Stderr, ev.Detail)
	}

	logger.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("execution completed")

	return result, nil
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting work, waits for running containers and closes the client.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for container executions to drain")
	}
	return r.client.Close()
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	rt runtime.Runtime,
	codePath string,
	hostDir string,
	limits ResourceLimits,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(containerCommand(rt, codePath)...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				SecurityProfileFor(rt.Name()).Apply(s)
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "ro"},
				})
				s.Process.Cwd = "/tmp"
				s.Process.Env = append([]string{
					"PATH=" + sandboxPath,
					"HOME=/tmp",
					"TMPDIR=/tmp",
					"LANG=C.UTF-8",
				}, rt.Env()...)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return container, nil
}

// containerCommand resolves the interpreter by name inside the image; a
// host path configured for the process backend does not exist there.
func containerCommand(rt runtime.Runtime, codePath string) []string {
	argv := rt.Command(codePath)
	if len(argv) > 0 && filepath.IsAbs(argv[0]) && rt.Name() == "python" {
		argv[0] = filepath.Base(argv[0])
	}
	return argv
}

// containerSignalEvent reports limit kills seen as 128+signal exit codes.
func containerSignalEvent(exitCode int, limits ResourceLimits) (SecurityEvent, bool) {
	switch exitCode {
	case 128 + int(syscall.SIGKILL):
		return SecurityEvent{Type: "limit_kill", Detail: fmt.Sprintf("Process killed (memory limit %dMB)", limits.MemoryMB)}, true
	case 128 + int(syscall.SIGXCPU):
		return SecurityEvent{Type: "cpu_limit", Detail: fmt.Sprintf("CPU time limit exceeded (%ds)", limits.CPUSeconds)}, true
	case 128 + int(syscall.SIGXFSZ):
		return SecurityEvent{Type: "file_size_limit", Detail: fmt.Sprintf("File size limit exceeded (%dMB)", limits.MaxFileMB)}, true
	}
	return SecurityEvent{}, false
}

// Healthy reports whether containerd answers, reconnecting once if it does not.
func (r *Runner) Healthy(ctx context.Context) bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return false
	}
	if r.client.Healthy(ctx) {
		return true
	}
	if err := r.client.Reconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("containerd unhealthy")
		return false
	}
	return true
}
