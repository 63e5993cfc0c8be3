package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"codegen-autofix/internal/runtime"
)

const waitDelay = 2 * time.Second

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	Runtimes       *runtime.Registry
	ScratchRoot    string
	IsolateNetwork bool // fresh user, network and PID namespaces per run
	MaxStdoutBytes int
	MaxStderrBytes int
}

// ProcessBackend runs code as a descendant of the server: a supervisor
// stage that owns every process the snippet starts, rlimits applied by an
// exec stage before the interpreter runs, a scrubbed environment and a
// throwaway working directory.
type ProcessBackend struct {
	runtimes       *runtime.Registry
	selfExe        string
	scratchRoot    string
	isolateNetwork bool
	maxStdout      int
	maxStderr      int

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewProcessBackend checks that the host can enforce the isolation policy.
func NewProcessBackend(cfg ProcessConfig) (*ProcessBackend, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: locating own executable: %v", ErrBackendUnavailable, err)
	}
	if cfg.Runtimes == nil {
		cfg.Runtimes = runtime.NewRegistry("")
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.MaxStdoutBytes <= 0 {
		cfg.MaxStdoutBytes = defaultMaxStdout
	}
	if cfg.MaxStderrBytes <= 0 {
		cfg.MaxStderrBytes = defaultMaxStderr
	}
	if err := os.MkdirAll(cfg.ScratchRoot, 0o700); err != nil {
		return nil, fmt.Errorf("%w: scratch root: %v", ErrBackendUnavailable, err)
	}
	if cfg.IsolateNetwork && !UserNamespacesSupported() {
		return nil, fmt.Errorf("%w: unprivileged user namespaces are disabled; set sandbox.isolate_network=false only on hosts without network access", ErrBackendUnavailable)
	}

	log.Info().
		Str("scratch_root", cfg.ScratchRoot).
		Bool("isolate_network", cfg.IsolateNetwork).
		Msg("process backend ready")

	return &ProcessBackend{
		runtimes:       cfg.Runtimes,
		selfExe:        self,
		scratchRoot:    cfg.ScratchRoot,
		isolateNetwork: cfg.IsolateNetwork,
		maxStdout:      cfg.MaxStdoutBytes,
		maxStderr:      cfg.MaxStderrBytes,
	}, nil
}

func (p *ProcessBackend) Name() string { return "process" }

func (p *ProcessBackend) ScratchRoot() string { return p.scratchRoot }

func (p *ProcessBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := hashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "process").
		Str("language", req.Language).
		Str("code_hash", shortHash(codeHash)).
		Logger()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	p.active.Add(1)
	defer p.active.Add(-1)

	rt, err := p.runtimes.Get(req.Language)
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

	dir, codePath, err := newScratchDir(p.scratchRoot, "main"+rt.FileExtension(), req.Code)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("scratch cleanup failed")
		}
	}()

	spec, err := json.Marshal(initSpec{Argv: rt.Command(codePath), Rlimits: limits.Rlimits()})
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newCappedBuffer(p.maxStdout)
	stderr := newCappedBuffer(p.maxStderr)

	cmd := exec.CommandContext(execCtx, p.selfExe, initArg, string(spec)) // #nosec G204 -- re-exec of our own binary
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(dir, rt.Env())
	cmd.Stdin = nil // /dev/null
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = p.sysProcAttr()
	// The supervisor kills the interpreter and everything it spawned;
	// WaitDelay falls back to SIGKILL if it does not exit in time.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	group, err := startGroup(cmd)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "spawn", Err: err}
	}
	defer group.Close()

	logger.Debug().Int("pid", cmd.Process.Pid).Msg("process started")

	if msg := group.initError(); msg != "" {
		return nil, &ExecutionError{ExecID: execID, Op: "init", Err: errors.New(msg)}
	}

	waitErr := group.Wait()
	duration := time.Since(start)

	if ctx.Err() != nil {
		logger.Info().Msg("execution cancelled by caller")
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())}
	}

	result := &ExecutionResult{
		ID:       execID,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		Backend:  p.Name(),
		CodeHash: codeHash,
	}
	status, haveStatus := group.childStatus()
	if haveStatus {
		result.ResourceUsage = status.usage()
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, process group killed")
		result.ExitCode = ExitCodeTimeout
		result.Stderr = appendLine(result.Stderr, timeoutMessage(timeout))
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
			Type:   "timeout",
			Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
		})
		return result, ErrTimeout
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: waitErr}
	}
	if !haveStatus {
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: fmt.Errorf("supervisor exited without a status (%s)", cmd.ProcessState)}
	}

	result.ExitCode, result.SecurityEvents = exitStatus(syscall.WaitStatus(status.WaitStatus), limits)
	for _, ev := range result.SecurityEvents {
		result.Stderr = appendLine(result.Stderr, ev.Detail)
	}

	logger.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("execution completed")

	return result, nil
}

func (p *ProcessBackend) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if p.isolateNetwork {
		uid, gid := os.Getuid(), os.Getgid()
		attr.Cloneflags = namespaceFlags
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// Healthy is false once Close has been called.
func (p *ProcessBackend) Healthy(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// ActiveCount returns the number of currently running executions.
func (p *ProcessBackend) ActiveCount() int64 {
	return p.active.Load()
}

// Close stops accepting work and waits up to 30s for running executions.
func (p *ProcessBackend) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all process executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", p.active.Load()).Msg("timed out waiting for process executions to drain")
	}
	return nil
}

// processGroup owns a started supervisor and its process group. Close
// kills and reaps the whole group and is safe to call on every exit path.
type processGroup struct {
	cmd        *exec.Cmd
	errPipe    *os.File
	statusPipe *os.File
	pgid       int

	waitOnce sync.Once
	waitErr  error
}

func startGroup(cmd *exec.Cmd) (*processGroup, error) {
	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating init pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		_ = errR.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("creating status pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{errW, statusW} // fds 3 and 4 in the child

	err = cmd.Start()
	_ = errW.Close()
	_ = statusW.Close()
	if err != nil {
		_ = errR.Close()
		_ = statusR.Close()
		return nil, err
	}

	return &processGroup{cmd: cmd, errPipe: errR, statusPipe: statusR, pgid: cmd.Process.Pid}, nil
}

// initError blocks until the init stage either execs the interpreter
// (pipe closes empty) or reports why it could not.
func (g *processGroup) initError() string {
	defer g.errPipe.Close()
	b, _ := io.ReadAll(io.LimitReader(g.errPipe, 4096))
	return strings.TrimSpace(string(b))
}

// childStatus reads what the supervisor reported about the interpreter.
// It is only meaningful after Wait; a supervisor that was killed reports
// nothing.
func (g *processGroup) childStatus() (childStatus, bool) {
	var st childStatus
	if err := json.NewDecoder(io.LimitReader(g.statusPipe, 4096)).Decode(&st); err != nil {
		return st, false
	}
	return st, true
}

func (g *processGroup) Wait() error {
	g.waitOnce.Do(func() {
		g.waitErr = g.cmd.Wait()
	})
	return g.waitErr
}

func (g *processGroup) Close() {
	// Descendants may outlive the leader; the group kill reaches them.
	_ = killGroup(g.pgid)
	_ = g.Wait()
	_ = g.statusPipe.Close()
}

func killGroup(pgid int) error {
	if pgid <= 0 {
		return nil
	}
	err := unix.Kill(-pgid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// scrubbedEnv is the complete environment of the child; nothing is
// inherited from the server.
func scrubbedEnv(dir string, extra []string) []string {
	env := []string{
		"PATH=" + sandboxPath,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
	return append(env, extra...)
}

// exitStatus maps the interpreter's wait status onto an exit code,
// reporting limit-triggered signals as security events.
func exitStatus(ws syscall.WaitStatus, limits ResourceLimits) (int, []SecurityEvent) {
	if !ws.Signaled() {
		return ws.ExitStatus(), nil
	}

	sig := ws.Signal()
	code := 128 + int(sig)
	switch sig {
	case syscall.SIGXCPU:
		return code, []SecurityEvent{{
			Type:   "cpu_limit",
			Detail: fmt.Sprintf("CPU time limit exceeded (%ds)", limits.CPUSeconds),
		}}
	case syscall.SIGXFSZ:
		return code, []SecurityEvent{{
			Type:   "file_size_limit",
			Detail: fmt.Sprintf("File size limit exceeded (%dMB)", limits.MaxFileMB),
		}}
	case syscall.SIGKILL:
		return code, []SecurityEvent{{
			Type:   "limit_kill",
			Detail: "Process killed (memory or CPU hard limit)",
		}}
	}
	return code, nil
}

func (st childStatus) usage() ResourceUsage {
	return ResourceUsage{
		CPUTimeMS:    st.CPUTimeMS,
		MemoryPeakMB: st.MaxRSSKB / 1024, // KiB on Linux
	}
}

// namespaceFlags give each run its own user, network and PID namespaces.
// The supervisor is pid 1 of the new PID namespace, so nothing started
// inside it survives the supervisor.
const namespaceFlags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET | syscall.CLONE_NEWPID

var (
	userNSOnce      sync.Once
	userNSSupported bool
)

// UserNamespacesSupported reports whether this host lets an unprivileged
// process create the namespaces a run is isolated in.
func UserNamespacesSupported() bool {
	userNSOnce.Do(func() {
		bin, err := exec.LookPath("true")
		if err != nil {
			bin = "/bin/true"
		}
		cmd := exec.Command(bin) // #nosec G204 -- fixed binary
		uid, gid := os.Getuid(), os.Getgid()
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Cloneflags:                 namespaceFlags,
			UidMappings:                []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}},
			GidMappings:                []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}},
			GidMappingsEnableSetgroups: false,
		}
		userNSSupported = cmd.Run() == nil
	})
	return userNSSupported
}
