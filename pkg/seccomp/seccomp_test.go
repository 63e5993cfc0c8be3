package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestInterpreterProfile_DenyByDefault(t *testing.T) {
	p := InterpreterProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestInterpreterProfile_AllowsInterpreterStartup(t *testing.T) {
	p := InterpreterProfile()
	for _, name := range []string{"execve", "openat", "mmap", "getrandom", "clone", "wait4", "memfd_create"} {
		if !Allowed(p, name) {
			t.Errorf("%s should be allowed in interpreter profile", name)
		}
	}
}

func TestInterpreterProfile_NoNetworkSyscalls(t *testing.T) {
	p := InterpreterProfile()
	for _, name := range []string{"socket", "connect", "bind", "listen", "sendto"} {
		if Allowed(p, name) {
			t.Errorf("interpreter profile should not allow %q", name)
		}
	}
}

func TestInterpreterProfile_TrapsPtrace(t *testing.T) {
	p := InterpreterProfile()
	for _, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if name == "ptrace" {
				if rule.Action != specs.ActTrap {
					t.Errorf("ptrace action = %v, want ActTrap", rule.Action)
				}
				return
			}
		}
	}
	t.Error("ptrace has no rule")
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) != 2 || dp.Architectures[0] != "SCMP_ARCH_X86_64" {
		t.Errorf("architectures = %v", dp.Architectures)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestDockerJSON_Nil(t *testing.T) {
	if _, err := DockerJSON(nil); err == nil {
		t.Error("expected error for nil profile")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").BlockSyscalls("mount").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 2 {
		t.Fatalf("got %d rules, want 2", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
	if Allowed(p, "mount") {
		t.Error("mount should not be allowed")
	}
}

func TestForRuntime(t *testing.T) {
	tests := []struct {
		runtime string
		allowed []string
		denied  []string
	}{
		{
			runtime: "python",
			allowed: []string{"execve", "futex", "getrandom", "epoll_wait", "memfd_create", "clone"},
			denied:  []string{"socket", "connect", "ptrace", "mount"},
		},
		{
			runtime: "shell",
			allowed: []string{"execve", "clone", "wait4", "pipe2", "dup2", "rt_sigaction"},
			denied:  []string{"epoll_wait", "memfd_create", "eventfd2", "socket", "ptrace"},
		},
		{
			runtime: "ruby",
			allowed: []string{"execve", "futex", "epoll_wait"},
			denied:  []string{"socket", "bind"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.runtime, func(t *testing.T) {
			p := ForRuntime(tt.runtime)
			if p.DefaultAction != specs.ActErrno {
				t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
			}
			for _, name := range tt.allowed {
				if !Allowed(p, name) {
					t.Errorf("%s should be allowed for %s", name, tt.runtime)
				}
			}
			for _, name := range tt.denied {
				if Allowed(p, name) {
					t.Errorf("%s should not be allowed for %s", name, tt.runtime)
				}
			}
		})
	}
}

func TestForRuntime_ShellIsSubsetOfInterpreter(t *testing.T) {
	all := InterpreterProfile()
	for _, rule := range ForRuntime("shell").Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if !Allowed(all, name) {
				t.Errorf("shell allows %s but the interpreter profile does not", name)
			}
		}
	}
}
