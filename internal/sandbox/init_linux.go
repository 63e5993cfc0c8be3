package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A run is two re-execs of the current binary. The supervisor stage owns
// every process the snippet creates and kills them all when the
// interpreter exits; the exec stage applies rlimits and becomes the
// interpreter.
const (
	initArg = "__sandbox-init"
	execArg = "__sandbox-exec"
)

// errPipeFD is where either stage reports setup failures. The descriptor
// is close-on-exec, so a successful exec leaves the parent reading EOF.
// statusPipeFD carries the interpreter's exit status from the supervisor.
const (
	errPipeFD    = 3
	statusPipeFD = 4
)

// maxSweeps bounds the kill loop over leftover descendants. Each pass
// kills everything alive, so only processes forked mid-pass need another.
const maxSweeps = 50

type initSpec struct {
	Argv    []string `json:"argv"`
	Rlimits []Rlimit `json:"rlimits"`
}

// childStatus is what the supervisor reports about the interpreter.
type childStatus struct {
	WaitStatus uint32 `json:"wait_status"`
	CPUTimeMS  int64  `json:"cpu_time_ms"`
	MaxRSSKB   int64  `json:"max_rss_kb"`
}

var rlimitResources = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
}

// MaybeRunInit turns the process into a sandbox stage when it was started
// as one. It must be the first call in main (and in TestMain for packages
// that execute code). In a sandbox stage it never returns.
func MaybeRunInit() {
	if len(os.Args) < 3 {
		return
	}
	var err error
	switch os.Args[1] {
	case initArg:
		if err = supervise(os.Args[2]); err == nil {
			os.Exit(0)
		}
	case execArg:
		err = runInit(os.Args[2])
	default:
		return
	}
	if pipe := os.NewFile(errPipeFD, "errpipe"); pipe != nil {
		fmt.Fprintf(pipe, "%v", err)
	}
	os.Exit(1)
}

// supervise starts the exec stage, waits for it and then kills whatever
// it left behind. As pid 1 of its own PID namespace the supervisor's exit
// takes every remaining process down with it; outside one it is a child
// subreaper and sweeps the orphans itself.
func supervise(raw string) error {
	errPipe := os.NewFile(errPipeFD, "errpipe")
	statusPipe := os.NewFile(statusPipeFD, "statuspipe")
	// Only the exec stage gets the error pipe, and only explicitly.
	unix.CloseOnExec(errPipeFD)
	unix.CloseOnExec(statusPipeFD)

	pidNamespace := os.Getpid() == 1
	if !pidNamespace {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("becoming subreaper: %w", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	cmd := exec.Command(os.Args[0], execArg, raw) // #nosec G204 -- re-exec of our own binary
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{errPipe}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting exec stage: %w", err)
	}
	_ = errPipe.Close()

	pgid := cmd.Process.Pid
	go func() {
		<-sigs
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}()

	_ = cmd.Wait()
	var status childStatus
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		status.WaitStatus = uint32(ws)
	}
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		status.CPUTimeMS = time.Duration(ru.Utime.Nano() + ru.Stime.Nano()).Milliseconds()
		status.MaxRSSKB = ru.Maxrss
	}

	_ = unix.Kill(-pgid, unix.SIGKILL)
	if !pidNamespace {
		sweepDescendants(os.Getpid())
	}

	_ = json.NewEncoder(statusPipe).Encode(status)
	_ = statusPipe.Close()
	return nil
}

// sweepDescendants kills and reaps every child of the subreaper until
// none is left. Orphaned grandchildren are reparented to it between
// passes, so the loop reaches the whole tree.
func sweepDescendants(self int) {
	for i := 0; i < maxSweeps; i++ {
		pids := childrenOf(self)
		if len(pids) == 0 {
			return
		}
		for _, pid := range pids {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		for {
			wpid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
			if err != nil || wpid <= 0 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// childrenOf scans /proc for processes whose parent is ppid.
func childrenOf(ppid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		if parentPID(stat) == ppid {
			pids = append(pids, pid)
		}
	}
	return pids
}

// parentPID reads the ppid field of /proc/<pid>/stat. The command name
// may itself contain spaces and parentheses, so fields are counted from
// the last closing parenthesis.
func parentPID(stat []byte) int {
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return -1
	}
	fields := strings.Fields(string(stat[i+1:]))
	if len(fields) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return -1
	}
	return ppid
}

func runInit(raw string) error {
	var spec initSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return fmt.Errorf("decoding init spec: %w", err)
	}
	if len(spec.Argv) == 0 {
		return fmt.Errorf("empty command")
	}

	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", spec.Argv[0], err)
	}

	// Everything execve needs is converted up front: once RLIMIT_AS is in
	// place the Go runtime may be unable to map new memory or threads.
	pathp, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	argvp, err := cStrings(spec.Argv)
	if err != nil {
		return err
	}
	envp, err := cStrings(os.Environ())
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	debug.SetGCPercent(-1)
	unix.CloseOnExec(errPipeFD)

	for _, r := range spec.Rlimits {
		res, ok := rlimitResources[r.Type]
		if !ok {
			return fmt.Errorf("unknown rlimit %s", r.Type)
		}
		if err := unix.Setrlimit(res, &unix.Rlimit{Cur: r.Soft, Max: r.Hard}); err != nil {
			return fmt.Errorf("setting %s: %w", r.Type, err)
		}
	}

	_, _, errno := unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(pathp)),
		uintptr(unsafe.Pointer(&argvp[0])),
		uintptr(unsafe.Pointer(&envp[0])))
	return fmt.Errorf("exec %s: %w", path, errno)
}

// cStrings returns a NUL-terminated array of C strings.
func cStrings(ss []string) ([]*byte, error) {
	out := make([]*byte, len(ss)+1)
	for i, s := range ss {
		p, err := unix.BytePtrFromString(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
