package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"codegen-autofix/internal/config"
)

// ResourceLimits bounds a single execution. On the process backend every
// field maps to a POSIX rlimit; the container backends map them onto
// cgroup settings as well.
type ResourceLimits struct {
	MemoryMB   int64 `json:"memory_mb"`   // address space cap
	CPUSeconds int64 `json:"cpu_seconds"` // CPU time, not wall clock
	MaxProcs   int64 `json:"max_procs"`   // fork bomb protection
	MaxFileMB  int64 `json:"max_file_mb"` // largest file the code may write
	OpenFiles  int64 `json:"open_files"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:   128,
		CPUSeconds: 2,
		MaxProcs:   10,
		MaxFileMB:  1,
		OpenFiles:  64,
	}
}

// LimitsFromConfig converts the config section, filling zero fields from DefaultLimits.
func LimitsFromConfig(c config.DefaultLimits) ResourceLimits {
	l := ResourceLimits{
		MemoryMB:   c.MemoryMB,
		CPUSeconds: c.CPUSeconds,
		MaxProcs:   c.MaxProcs,
		MaxFileMB:  c.MaxFileMB,
		OpenFiles:  c.OpenFiles,
	}
	return l.withDefaults()
}

func (rl ResourceLimits) withDefaults() ResourceLimits {
	d := DefaultLimits()
	if rl.MemoryMB == 0 {
		rl.MemoryMB = d.MemoryMB
	}
	if rl.CPUSeconds == 0 {
		rl.CPUSeconds = d.CPUSeconds
	}
	if rl.MaxProcs == 0 {
		rl.MaxProcs = d.MaxProcs
	}
	if rl.MaxFileMB == 0 {
		rl.MaxFileMB = d.MaxFileMB
	}
	if rl.OpenFiles == 0 {
		rl.OpenFiles = d.OpenFiles
	}
	return rl
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryMB < 16 || rl.MemoryMB > 4096 {
		return fmt.Errorf("%w: memory_mb must be 16-4096, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.CPUSeconds < 1 || rl.CPUSeconds > 60 {
		return fmt.Errorf("%w: cpu_seconds must be 1-60, got %d", ErrInvalidRequest, rl.CPUSeconds)
	}
	if rl.MaxProcs < 1 || rl.MaxProcs > 500 {
		return fmt.Errorf("%w: max_procs must be 1-500, got %d", ErrInvalidRequest, rl.MaxProcs)
	}
	if rl.MaxFileMB < 0 || rl.MaxFileMB > 1024 {
		return fmt.Errorf("%w: max_file_mb must be 0-1024, got %d", ErrInvalidRequest, rl.MaxFileMB)
	}
	if rl.OpenFiles < 16 || rl.OpenFiles > 4096 {
		return fmt.Errorf("%w: open_files must be 16-4096, got %d", ErrInvalidRequest, rl.OpenFiles)
	}
	return nil
}

// Rlimit is one POSIX resource limit, named the way OCI specs name them.
type Rlimit struct {
	Type string `json:"type"`
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// Rlimits returns the POSIX limits for rl. RLIMIT_NPROC comes last: it is
// counted per user, so applying it earlier could stop the init stage itself
// from finishing setup on a busy host.
func (rl ResourceLimits) Rlimits() []Rlimit {
	mem := safeUint64(rl.MemoryMB * 1024 * 1024)
	fsize := safeUint64(rl.MaxFileMB * 1024 * 1024)
	cpu := safeUint64(rl.CPUSeconds)
	return []Rlimit{
		{Type: "RLIMIT_AS", Soft: mem, Hard: mem},
		{Type: "RLIMIT_CPU", Soft: cpu, Hard: cpu + 1}, // SIGXCPU at soft, SIGKILL at hard
		{Type: "RLIMIT_FSIZE", Soft: fsize, Hard: fsize},
		{Type: "RLIMIT_CORE", Soft: 0, Hard: 0},
		{Type: "RLIMIT_NOFILE", Soft: safeUint64(rl.OpenFiles), Hard: safeUint64(rl.OpenFiles)},
		{Type: "RLIMIT_NPROC", Soft: safeUint64(rl.MaxProcs), Hard: safeUint64(rl.MaxProcs)},
	}
}

// ApplyResourceLimits maps rl onto an OCI runtime spec: cgroup memory, pids
// and CPU quota plus the same rlimits the process backend applies.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// One core's worth of quota; RLIMIT_CPU bounds total CPU time.
	period := uint64(100000)
	quota := int64(100000)
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.MaxProcs,
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev", "noexec",
			fmt.Sprintf("size=%dm", limits.MaxFileMB+8),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = spec.Process.Rlimits[:0]
	for _, r := range limits.Rlimits() {
		if r.Type == "RLIMIT_AS" {
			// The cgroup memory limit covers this inside a container.
			continue
		}
		spec.Process.Rlimits = append(spec.Process.Rlimits, specs.POSIXRlimit{
			Type: r.Type,
			Soft: r.Soft,
			Hard: r.Hard,
		})
	}
}

// DockerArgs renders the limits as `docker run` flags.
func (rl ResourceLimits) DockerArgs() []string {
	return []string{
		"--memory", fmt.Sprintf("%dm", rl.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", rl.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", rl.MaxProcs),
		"--cpus", "1",
		"--ulimit", fmt.Sprintf("cpu=%d:%d", rl.CPUSeconds, rl.CPUSeconds+1),
		"--ulimit", fmt.Sprintf("fsize=%d", rl.MaxFileMB*1024*1024),
		"--ulimit", "core=0",
		"--ulimit", fmt.Sprintf("nofile=%d", rl.OpenFiles),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,noexec,size=%dm", rl.MaxFileMB+8),
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
