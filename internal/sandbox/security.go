package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"codegen-autofix/pkg/seccomp"
)

// nobody is the unprivileged user every snippet runs as.
var nobody = specs.User{UID: 65534, GID: 65534}

// SecurityProfile is the hardening applied to one execution container. The
// containerd backend applies it to the OCI spec, the docker backend renders
// it as `docker run` flags.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
	User          specs.User
	ReadonlyRoot  bool
}

// SecurityProfileFor drops every capability, gives the snippet its own
// namespaces (an empty network namespace included) and filters syscalls
// through the allowlist of the named runtime.
func SecurityProfileFor(runtimeName string) SecurityProfile {
	return SecurityProfile{
		Seccomp:      seccomp.ForRuntime(runtimeName),
		Capabilities: []string{},
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
		User:         nobody,
		ReadonlyRoot: true,
	}
}

func (p SecurityProfile) hasNamespace(t specs.LinuxNamespaceType) bool {
	for _, ns := range p.Namespaces {
		if ns.Type == t {
			return true
		}
	}
	return false
}

// Apply writes the profile into an OCI runtime spec.
func (p SecurityProfile) Apply(spec *specs.Spec) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    caps,
		Effective:   caps,
		Inheritable: caps,
		Permitted:   caps,
		Ambient:     caps,
	}

	spec.Linux.Seccomp = p.Seccomp
	spec.Linux.Namespaces = p.Namespaces
	spec.Linux.MaskedPaths = p.MaskedPaths
	spec.Linux.ReadonlyPaths = p.ReadonlyPaths

	spec.Process.NoNewPrivileges = true
	spec.Process.User = p.User

	if spec.Root != nil && p.ReadonlyRoot {
		spec.Root.Readonly = true
	}
}

// DockerArgs renders the profile as `docker run` flags. The seccomp
// allowlist itself is written to seccompPath by the caller. Docker always
// creates PID, mount, UTS and IPC namespaces; only the network one is a
// choice.
func (p SecurityProfile) DockerArgs(seccompPath string) []string {
	var args []string
	if p.hasNamespace(specs.NetworkNamespace) {
		args = append(args, "--network", "none")
	}
	args = append(args, "--cap-drop", "ALL")
	for _, c := range p.Capabilities {
		args = append(args, "--cap-add", c)
	}
	args = append(args, "--security-opt", "no-new-privileges")
	if seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}
	if p.ReadonlyRoot {
		args = append(args, "--read-only")
	}
	return append(args, "--user", fmt.Sprintf("%d:%d", p.User.UID, p.User.GID))
}
