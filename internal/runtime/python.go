package runtime

// PythonRuntime runs Python 3 snippets.
type PythonRuntime struct {
	Binary string
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) Command(codePath string) []string {
	bin := p.Binary
	if bin == "" {
		bin = "python3"
	}
	return []string{
		bin,
		"-I", // isolated: no PYTHON* variables, user site-packages or script dir on sys.path
		"-u", // unbuffered, so partial output survives a kill
		"-B", // no .pyc files in the scratch dir
		"-X", "utf8",
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

// Env is empty: isolated mode ignores PYTHON* variables, so everything
// the interpreter needs is on the command line.
func (p *PythonRuntime) Env() []string { return nil }

func (p *PythonRuntime) Validate(code string) error {
	return validateSize(code)
}
