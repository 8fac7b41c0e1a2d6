package engine

import (
	"context"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/pkg/errors"
)

// stopGraceSeconds is the grace the engine gives a container between
// SIGTERM and SIGKILL during a graceful stop.
const stopGraceSeconds = 10

// StopAndRemove takes one named container out of service, escalating as
// needed: graceful stop, then kill if the stop fails, then remove, then
// force-remove if the remove fails. A container that does not exist counts
// as success, so the operation is idempotent.
func (a *Adapter) StopAndRemove(ctx context.Context, name string) error {
	ctr, err := a.lookup(ctx, name)
	if err != nil {
		return err
	}
	if ctr == nil {
		a.log.WithField("container", name).Info("container not found, nothing to stop")
		return nil
	}

	if ctr.State == "running" {
		if err := a.stop(ctx, ctr.ID); err != nil {
			a.log.WithField("container", name).WithError(err).Warn("graceful stop failed, killing")
			if err := a.kill(ctx, ctr.ID); err != nil {
				return errors.Wrapf(err, "kill container %s", name)
			}
		}
	}

	if err := a.remove(ctx, ctr.ID, false); err != nil {
		a.log.WithField("container", name).WithError(err).Warn("remove failed, retrying with force")
		if err := a.remove(ctx, ctr.ID, true); err != nil {
			return errors.Wrapf(err, "remove container %s", name)
		}
	}

	a.log.WithField("container", name).Info("stopped and removed container")
	return nil
}

func (a *Adapter) stop(ctx context.Context, id string) error {
	sctx, cancel := a.opCtx(ctx, a.timeouts.Stop)
	defer cancel()
	err := a.client.StopContainerWithContext(id, stopGraceSeconds, sctx)
	if err != nil {
		if _, ok := err.(*docker.ContainerNotRunning); ok {
			return nil
		}
		return err
	}
	return nil
}

func (a *Adapter) kill(ctx context.Context, id string) error {
	kctx, cancel := a.opCtx(ctx, a.timeouts.Kill)
	defer cancel()
	err := a.client.KillContainer(docker.KillContainerOptions{ID: id, Context: kctx})
	if err != nil {
		if _, ok := err.(*docker.ContainerNotRunning); ok {
			return nil
		}
		return err
	}
	return nil
}

func (a *Adapter) remove(ctx context.Context, id string, force bool) error {
	rctx, cancel := a.opCtx(ctx, a.timeouts.Remove)
	defer cancel()
	err := a.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:      id,
		Force:   force,
		Context: rctx,
	})
	if err != nil {
		if _, ok := err.(*docker.NoSuchContainer); ok {
			return nil
		}
		return err
	}
	return nil
}
