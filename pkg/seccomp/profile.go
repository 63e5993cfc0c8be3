package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a deny-by-default seccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActTrap, names)
}

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// Allowed reports whether the profile explicitly allows the named syscall.
func Allowed(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

// dockerProfile is the JSON shape accepted by `docker run --security-opt seccomp=<file>`.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DockerJSON renders an OCI seccomp profile in Docker's profile format.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil seccomp profile")
	}
	dp := dockerProfile{
		DefaultAction: string(p.DefaultAction),
		Architectures: make([]string, 0, len(p.Architectures)),
		Syscalls:      make([]dockerSyscall, 0, len(p.Syscalls)),
	}
	for _, a := range p.Architectures {
		dp.Architectures = append(dp.Architectures, string(a))
	}
	for _, s := range p.Syscalls {
		dp.Syscalls = append(dp.Syscalls, dockerSyscall{Names: s.Names, Action: string(s.Action)})
	}
	return json.MarshalIndent(dp, "", "  ")
}

// DockerProfileJSON returns the interpreter profile in Docker's format.
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(InterpreterProfile())
}
