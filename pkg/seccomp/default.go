package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A syscall group is one concern an interpreter needs from the kernel.
// Profiles are assembled from the groups their runtime actually uses.
type group func(*ProfileBuilder) *ProfileBuilder

func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl", "ioctl", "flock",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents", "getdents64",
		"chmod", "fchmod", "fchmodat", "umask",
		"chdir", "fchdir", "getcwd",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat",
		"link", "linkat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync",
		"statfs", "fstatfs",
	)
}

func memorySyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
	)
}

// processSyscalls covers fork/exec/wait and signals. Both interpreters
// spawn children: the shell for every pipeline, python for subprocess.
func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3", "vfork",
		"set_tid_address",
		"set_robust_list", "get_robust_list",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		"kill", "tgkill",
		"getpid", "getppid", "gettid",
		"getpgrp", "getpgid", "setpgid", "getsid",
		"getuid", "geteuid", "getgid", "getegid",
		"getrlimit", "prlimit64",
		"uname", "arch_prctl", "prctl",
		"futex", "rseq", "getrandom",
		"sched_getaffinity", "sched_yield",
	)
}

func timeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
	)
}

// eventSyscalls is what a runtime with an event loop and its own
// allocator tricks uses, such as asyncio and multiprocessing in CPython.
func eventSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
		"sysinfo",
		"memfd_create",
		"copy_file_range",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

var runtimeGroups = map[string][]group{
	"python": {fileSyscalls, memorySyscalls, processSyscalls, timeSyscalls, eventSyscalls},
	"shell":  {fileSyscalls, memorySyscalls, processSyscalls, timeSyscalls},
}

var allGroups = []group{fileSyscalls, memorySyscalls, processSyscalls, timeSyscalls, eventSyscalls}

func build(groups []group) *specs.LinuxSeccomp {
	b := NewBuilder()
	for _, g := range groups {
		b = g(b)
	}
	return dangerousSyscalls(b).Build()
}

// ForRuntime returns the allowlist for one interpreter. An unknown name
// gets InterpreterProfile.
func ForRuntime(name string) *specs.LinuxSeccomp {
	groups, ok := runtimeGroups[name]
	if !ok {
		return InterpreterProfile()
	}
	return build(groups)
}

// InterpreterProfile returns a deny-by-default seccomp profile allowlisting
// what any supported interpreter needs. Socket syscalls are absent, so
// generated code cannot open network connections even if the network
// namespace were shared.
func InterpreterProfile() *specs.LinuxSeccomp {
	return build(allGroups)
}
