package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	cleanupTimeout = 30 * time.Second
	stopTimeout    = 5 * time.Second
)

// cleanupContainer stops the container's task if it is still running and
// deletes the task, the container and its snapshot. Missing pieces are
// not an error.
func (r *Runner) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	cleanupCtx = r.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		stopTask(cleanupCtx, task, logger)
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// stopTask SIGKILLs every process of a task that has not stopped and waits
// up to stopTimeout for the exit.
func stopTask(ctx context.Context, task containerd.Task, logger zerolog.Logger) {
	status, err := task.Status(ctx)
	if err != nil || status.Status == containerd.Stopped {
		return
	}

	logger.Debug().Str("status", string(status.Status)).Msg("killing running task")
	waitCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	// Subscribe before killing so the exit cannot be missed.
	exitCh, err := task.Wait(waitCtx)
	if killErr := task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll); killErr != nil && !errdefs.IsNotFound(killErr) {
		logger.Warn().Err(killErr).Msg("failed to kill task")
		return
	}
	if err != nil {
		return
	}
	select {
	case <-exitCh:
	case <-waitCtx.Done():
		logger.Warn().Dur("timeout", stopTimeout).Msg("timed out waiting for task to stop")
	}
}

// CleanupOrphaned removes execution containers left behind by a server
// that exited mid-run.
func (r *Runner) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := r.client.Raw().Containers(r.client.WithNamespace(ctx))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	return r.removeOrphans(ctx, containers)
}

// removeOrphans cleans up every container whose ID carries
// containerPrefix. Other containers in the namespace are left alone.
func (r *Runner) removeOrphans(ctx context.Context, containers []containerd.Container) (int, error) {
	var (
		cleaned int
		errs    []error
	)
	for _, c := range containers {
		id := c.ID()
		if !strings.HasPrefix(id, containerPrefix) {
			continue
		}

		log.Info().Str("container_id", id).Msg("removing orphaned execution container")
		if err := r.cleanupContainer(ctx, c); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}
