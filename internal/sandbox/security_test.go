package sandbox

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"codegen-autofix/pkg/seccomp"
)

func TestSecurityProfileFor_Apply(t *testing.T) {
	s := &specs.Spec{
		Root: &specs.Root{Path: "rootfs"},
		Process: &specs.Process{
			User: specs.User{UID: 0, GID: 0},
			Capabilities: &specs.LinuxCapabilities{
				Bounding: []string{"CAP_SYS_ADMIN"},
			},
		},
	}
	SecurityProfileFor("python").Apply(s)

	if s.Process.User.UID != 65534 || s.Process.User.GID != 65534 {
		t.Errorf("user = %+v, want nobody", s.Process.User)
	}
	if !s.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if !s.Root.Readonly {
		t.Error("root not read-only")
	}
	if n := len(s.Process.Capabilities.Bounding); n != 0 {
		t.Errorf("bounding set has %d capabilities, want 0", n)
	}
	if s.Linux.Seccomp == nil || s.Linux.Seccomp.DefaultAction != specs.ActErrno {
		t.Fatal("seccomp profile not deny-by-default")
	}
	var netns bool
	for _, ns := range s.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace && ns.Path == "" {
			netns = true
		}
	}
	if !netns {
		t.Error("expected a fresh network namespace")
	}
}

func TestSecurityProfileFor_RuntimeSeccomp(t *testing.T) {
	tests := []struct {
		runtime string
		syscall string
		allowed bool
	}{
		{"python", "epoll_wait", true},
		{"shell", "epoll_wait", false},
		{"shell", "wait4", true},
		{"python", "socket", false},
		{"shell", "socket", false},
	}
	for _, tt := range tests {
		t.Run(tt.runtime+"/"+tt.syscall, func(t *testing.T) {
			p := SecurityProfileFor(tt.runtime)
			if got := seccomp.Allowed(p.Seccomp, tt.syscall); got != tt.allowed {
				t.Errorf("Allowed(%s) = %v, want %v", tt.syscall, got, tt.allowed)
			}
		})
	}
}

func TestSecurityProfile_DockerArgs(t *testing.T) {
	tests := []struct {
		name    string
		profile SecurityProfile
		seccomp string
		want    map[string]string
		absent  []string
	}{
		{
			name:    "default",
			profile: SecurityProfileFor("python"),
			seccomp: "/tmp/s.json",
			want: map[string]string{
				"--network":  "none",
				"--cap-drop": "ALL",
				"--user":     "65534:65534",
			},
			absent: []string{"--cap-add"},
		},
		{
			name: "shared network and writable root",
			profile: SecurityProfile{
				Namespaces:   []specs.LinuxNamespace{{Type: specs.PIDNamespace}},
				Capabilities: []string{"CAP_CHOWN"},
				User:         specs.User{UID: 1000, GID: 100},
			},
			want: map[string]string{
				"--cap-drop": "ALL",
				"--cap-add":  "CAP_CHOWN",
				"--user":     "1000:100",
			},
			absent: []string{"--network", "--read-only"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.profile.DockerArgs(tt.seccomp)
			for flag, want := range tt.want {
				if got := flagValue(args, flag); got != want {
					t.Errorf("%s = %q, want %q", flag, got, want)
				}
			}
			for _, flag := range tt.absent {
				if argsContain(args, flag) {
					t.Errorf("unexpected %s in %v", flag, args)
				}
			}
			if !argsContain(args, "no-new-privileges") {
				t.Error("expected no-new-privileges")
			}
			if got := argsContain(args, "seccomp="+tt.seccomp); got != (tt.seccomp != "") {
				t.Errorf("seccomp flag present = %v, want %v", got, tt.seccomp != "")
			}
			if got := argsContain(args, "--read-only"); got != tt.profile.ReadonlyRoot {
				t.Errorf("--read-only present = %v, want %v", got, tt.profile.ReadonlyRoot)
			}
		})
	}
}
