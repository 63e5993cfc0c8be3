//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"runtime"

	coderuntime "codegen-autofix/internal/runtime"
)

type ProcessConfig struct {
	Runtimes       *coderuntime.Registry
	ScratchRoot    string
	IsolateNetwork bool
	MaxStdoutBytes int
	MaxStderrBytes int
}

// ProcessBackend needs Linux namespaces and rlimit semantics; elsewhere
// it cannot be constructed.
type ProcessBackend struct{}

func NewProcessBackend(ProcessConfig) (*ProcessBackend, error) {
	return nil, fmt.Errorf("%w: process backend requires Linux, running on %s", ErrBackendUnavailable, runtime.GOOS)
}

func (p *ProcessBackend) Name() string        { return "process" }
func (p *ProcessBackend) ScratchRoot() string { return "" }
func (p *ProcessBackend) Close() error        { return nil }

func (p *ProcessBackend) Execute(context.Context, ExecutionRequest) (*ExecutionResult, error) {
	return nil, ErrBackendUnavailable
}

func UserNamespacesSupported() bool { return false }
