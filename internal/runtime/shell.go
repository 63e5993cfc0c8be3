package runtime

// ShellRuntime configures execution of POSIX shell scripts.
type ShellRuntime struct{}

func (s *ShellRuntime) Name() string { return "shell" }

func (s *ShellRuntime) Image() string { return "docker.io/library/alpine:3.19" }

func (s *ShellRuntime) Command(codePath string) []string {
	return []string{
		"/bin/sh",
		"-e", // Exit on error
		"-u", // Treat unset variables as error
		codePath,
	}
}

func (s *ShellRuntime) FileExtension() string { return ".sh" }

func (s *ShellRuntime) Env() []string { return nil }

func (s *ShellRuntime) Validate(code string) error {
	return validateSize(code)
}
