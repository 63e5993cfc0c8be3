package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// MaxCodeBytes caps the size of a single snippet.
const MaxCodeBytes = 1 << 20

// Runtime describes how a snippet of one language is turned into a process.
type Runtime interface {
	// Name returns the runtime identifier (e.g. "python").
	Name() string

	// Image returns the container image used by the container backends.
	Image() string

	// Command returns argv for running the snippet stored at codePath.
	Command(codePath string) []string

	// FileExtension returns the file extension for snippet files (e.g. ".py").
	FileExtension() string

	// Env returns interpreter-specific variables added to the scrubbed environment.
	Env() []string

	// Validate is a cheap pre-flight check; it is not a parser.
	Validate(code string) error
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the supported runtimes. pythonBin is the
// interpreter used on the host by the process backend; empty means "python3".
func NewRegistry(pythonBin string) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{Binary: pythonBin})
	r.Register(&ShellRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	sort.Strings(images)
	return images
}

func validateSize(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
