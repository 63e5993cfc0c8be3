package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/runtime"
	"codegen-autofix/pkg/seccomp"
)

const orphanSweepInterval = 5 * time.Minute

// DockerRunner shells out to the docker CLI, for hosts where neither user
// namespaces nor containerd are available (macOS, locked-down CI).
type DockerRunner struct {
	runtimes   *runtime.Registry
	dockerHost string // resolved DOCKER_HOST (e.g. from a Docker context)
	maxStdout  int
	maxStderr  int

	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(runtimes *runtime.Registry, maxStdout, maxStderr int) *DockerRunner {
	if runtimes == nil {
		runtimes = runtime.NewRegistry("")
	}
	if maxStdout <= 0 {
		maxStdout = defaultMaxStdout
	}
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderr
	}
	d := &DockerRunner{
		runtimes:   runtimes,
		dockerHost: resolveDockerHost(),
		maxStdout:  maxStdout,
		maxStderr:  maxStderr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

func (d *DockerRunner) Name() string { return "docker" }

// orphanCleanupLoop removes execution containers that outlived a crashed server.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans(ctx context.Context) {
	if d.active.Load() > 0 {
		// Live executions share the prefix; try again next sweep.
		return
	}
	out, err := d.docker(ctx, "ps", "-a", "--filter", "name="+containerPrefix, "-q").Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(string(out)) {
		log.Warn().Str("container_id", id).Msg("removing orphaned execution container")
		_ = d.docker(ctx, "rm", "-f", id).Run()
	}
}

// docker builds a docker CLI command pointed at the resolved daemon.
func (d *DockerRunner) docker(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// resolveDockerHost figures out the Docker socket. Docker Desktop uses a
// context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		if host := strings.TrimSpace(string(out)); host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := hashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "docker").
		Str("language", req.Language).
		Str("code_hash", shortHash(codeHash)).
		Logger()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	d.wg.Add(1)
	d.active.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()
	defer d.active.Add(-1)

	rt, err := d.runtimes.Get(req.Language)
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

	codeName := "main" + rt.FileExtension()
	hostDir, hostCodeFile, err := newScratchDir("", codeName, req.Code)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}
	defer os.RemoveAll(hostDir)
	if err := os.Chmod(hostCodeFile, 0o444); err != nil { // #nosec G302 -- container runs as nobody
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}

	security := SecurityProfileFor(rt.Name())
	profile, err := seccomp.DockerJSON(security.Seccomp)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: err}
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profile, 0o600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: err}
	}

	name := containerPrefix + execID
	args := buildDockerArgs(name, rt, security, hostCodeFile, "/workspace/"+codeName, seccompPath, limits)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newCappedBuffer(d.maxStdout)
	stderr := newCappedBuffer(d.maxStderr)

	cmd := d.docker(execCtx, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Killing the CLI leaves the container running; remove it first.
	cmd.Cancel = func() error {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := d.docker(rmCtx, "rm", "-f", name).Run(); err != nil {
			logger.Warn().Err(err).Msg("docker rm failed")
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelayDocker

	logger.Debug().Str("container", name).Msg("starting docker container")

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())}
	}

	result := &ExecutionResult{
		ID:       execID,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		Backend:  d.Name(),
		CodeHash: codeHash,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, container removed")
		result.ExitCode = ExitCodeTimeout
		result.Stderr = appendLine(result.Stderr, timeoutMessage(timeout))
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
			Type:   "timeout",
			Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
		})
		return result, ErrTimeout
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: runErr}
		}
		result.ExitCode = exitErr.ExitCode()
		// 125 means docker itself failed to start the container.
		if result.ExitCode == 125 {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: fmt.Errorf("%w: %s", ErrBackendUnavailable, strings.TrimSpace(result.Stderr))}
		}
	}

	if ev, ok := containerSignalEvent(result.ExitCode, limits); ok {
		result.SecurityEvents = append(result.SecurityEvents, ev)
		result.Stderr = appendLine(result.Stderr, ev.Detail)
	}

	logger.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("docker execution completed")

	return result, nil
}

const waitDelayDocker = 5 * time.Second

// buildDockerArgs renders the `docker run` invocation: the security
// profile, the limits and only the snippet mounted.
func buildDockerArgs(name string, rt runtime.Runtime, security SecurityProfile, hostCodeFile, containerCodePath, seccompPath string, limits ResourceLimits) []string {
	args := []string{"run", "--rm", "--name", name}
	args = append(args, security.DockerArgs(seccompPath)...)
	args = append(args,
		"--workdir", "/tmp",
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"-e", "HOME=/tmp",
		"-e", "TMPDIR=/tmp",
		"-e", "LANG=C.UTF-8",
	)
	args = append(args, limits.DockerArgs()...)
	for _, env := range rt.Env() {
		args = append(args, "-e", env)
	}
	args = append(args, rt.Image())
	return append(args, containerCommand(rt, containerCodePath)...)
}

// Healthy reports whether the docker daemon answers.
func (d *DockerRunner) Healthy(ctx context.Context) bool {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.docker(ctx, "version", "--format", "{{.Server.Version}}").Run() == nil
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
