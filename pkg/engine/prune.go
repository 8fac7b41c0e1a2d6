package engine

import (
	"context"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/pkg/errors"
)

// Prune removes unused images and stopped containers, reporting the bytes
// reclaimed. Callers treat prune failures as best-effort; a running rollout
// is not failed over them.
func (a *Adapter) Prune(ctx context.Context) (int64, error) {
	pctx, cancel := a.opCtx(ctx, a.timeouts.Prune)
	defer cancel()

	var reclaimed int64

	imgRes, err := a.client.PruneImages(docker.PruneImagesOptions{Context: pctx})
	if err != nil {
		return reclaimed, errors.Wrap(err, "prune images")
	}
	if imgRes != nil {
		reclaimed += imgRes.SpaceReclaimed
		a.log.WithField("deleted", len(imgRes.ImagesDeleted)).
			WithField("reclaimed", imgRes.SpaceReclaimed).Info("pruned images")
	}

	ctrRes, err := a.client.PruneContainers(docker.PruneContainersOptions{Context: pctx})
	if err != nil {
		return reclaimed, errors.Wrap(err, "prune containers")
	}
	if ctrRes != nil {
		reclaimed += ctrRes.SpaceReclaimed
		a.log.WithField("deleted", len(ctrRes.ContainersDeleted)).
			WithField("reclaimed", ctrRes.SpaceReclaimed).Info("pruned containers")
	}

	return reclaimed, nil
}
