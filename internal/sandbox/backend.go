package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/config"
	"codegen-autofix/internal/runtime"
)

// Backend runs one request in isolation. Completed runs return a result
// even for non-zero exits; a timeout returns the result together with
// ErrTimeout. Any other error means the sandbox could not run the code.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	Close() error
}

// HealthChecker is implemented by backends that can report readiness.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// ActiveCounter is implemented by backends that track in-flight runs.
type ActiveCounter interface {
	ActiveCount() int64
}

// NewBackend builds the backend named by sandbox.backend. "auto" prefers
// the process backend on Linux, then containerd, then Docker.
func NewBackend(ctx context.Context, cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "process"
	}

	switch preference {
	case "process":
		return newProcessBackend(cfg, runtimes)
	case "containerd":
		return newContainerdBackend(ctx, cfg, runtimes)
	case "docker":
		return newDockerBackend(cfg, runtimes)
	case "auto":
		if goruntime.GOOS == "linux" {
			backend, err := newProcessBackend(cfg, runtimes)
			if err == nil {
				log.Info().Msg("using process backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("process backend unavailable, trying containerd")

			cbackend, err := newContainerdBackend(ctx, cfg, runtimes)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return cbackend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg, runtimes)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("%w: no sandbox backend available: need Linux user namespaces, containerd or Docker", ErrBackendUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be process, containerd, docker or auto", preference)
	}
}

func newProcessBackend(cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	pb, err := NewProcessBackend(ProcessConfig{
		Runtimes:       runtimes,
		ScratchRoot:    cfg.Sandbox.ScratchRoot,
		IsolateNetwork: cfg.Sandbox.IsolateNetwork,
		MaxStdoutBytes: cfg.Sandbox.MaxStdoutBytes,
		MaxStderrBytes: cfg.Sandbox.MaxStderrBytes,
	})
	if err != nil {
		return nil, err
	}

	swept, err := SweepScratch(pb.ScratchRoot())
	if err != nil {
		log.Warn().Err(err).Msg("failed to sweep orphaned scratch directories")
	} else if swept > 0 {
		log.Info().Int("count", swept).Msg("removed orphaned scratch directories on startup")
	}

	return pb, nil
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	runner := NewRunner(client, runtimes, cfg.Sandbox.MaxStdoutBytes, cfg.Sandbox.MaxStderrBytes)

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	}
	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend(cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrBackendUnavailable, err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrBackendUnavailable, err)
	}

	return NewDockerRunner(runtimes, cfg.Sandbox.MaxStdoutBytes, cfg.Sandbox.MaxStderrBytes), nil
}
