// Package rollout sequences container-engine and state-store calls into the
// upgrade, start and stop workflows and streams progress for every stage.
// A rollout runs to a terminal state once started; any stage failure is
// converted to exactly one failure update and aborts the remaining stages.
package rollout

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ottofleet/otad/pkg/engine"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/store"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/pkg/errors"
)

// Runtime is the slice of the container engine adapter the orchestrator
// consumes.
type Runtime interface {
	StopAndRemove(ctx context.Context, name string) error
	Pull(ctx context.Context, m *wire.Manifest, sink func(engine.Event)) error
	Start(ctx context.Context, m *wire.Manifest) error
	Prune(ctx context.Context) (int64, error)
}

// Fetcher retrieves and integrity-verifies an update artifact.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, checksum, algorithm string) (*wire.Manifest, string, error)
}

// Store persists applied manifests and serves the latest pointer.
type Store interface {
	Store(service, tag, manifestPath string) (*store.StoredVersion, error)
	LoadLatest(service string) (*wire.Manifest, string, error)
}

// Stage percent anchors. Pulling occupies the [30,70) band, interpolated by
// the fraction of service images already pulled.
const (
	percentValidating = 0
	percentFetching   = 5
	percentStopping   = 10
	percentStoring    = 20
	percentPulling    = 30
	percentStarting   = 80
	percentCleaning   = 90
	percentCleaned    = 95
	percentCompleted  = 100
)

// Orchestrator drives the rollout pipeline.
type Orchestrator struct {
	log      logging.Logger
	runtime  Runtime
	fetcher  Fetcher
	store    Store
	reporter *Reporter
}

func NewOrchestrator(log logging.Logger, rt Runtime, f Fetcher, s Store, r *Reporter) *Orchestrator {
	return &Orchestrator{
		log:      log,
		runtime:  rt,
		fetcher:  f,
		store:    s,
		reporter: r,
	}
}

// Upgrade runs the full pipeline: fetch and verify the artifact, stop the
// service's containers, persist the manifest, pull the new images and bring
// them up, then prune. A checksum mismatch or download failure aborts before
// any container is touched.
func (o *Orchestrator) Upgrade(ctx context.Context, cmd *wire.Command) {
	log := o.log.WithField("service", cmd.ServiceName).WithField("tag", cmd.Tag)
	log.Info("upgrade started")

	o.reporter.Stage(wire.StageValidating,
		fmt.Sprintf("upgrading %s to %s", cmd.ServiceName, cmd.Tag), percentValidating)

	o.reporter.Stage(wire.StageFetching, "downloading update artifact", percentFetching)
	// Commands carry no algorithm field; the fetcher defaults to sha256.
	manifest, manifestPath, err := o.fetcher.Fetch(ctx, cmd.ArtifactURL, cmd.Checksum, "")
	if err != nil {
		log.WithError(err).Error("artifact fetch failed")
		o.reporter.Report(wire.StatusDownloadError,
			fmt.Sprintf("artifact fetch failed: %v", err), o.reporter.Percent())
		return
	}
	// The fetcher hands over its temp file; the store copies it, so it is
	// removed however the rollout ends.
	defer os.Remove(manifestPath)

	o.reporter.Stage(wire.StageStopping, "stopping current containers", percentStopping)
	if err := o.stopContainers(ctx, containersFor(cmd, manifest)); err != nil {
		o.fail(log, wire.StageStopping, err)
		return
	}

	o.reporter.Stage(wire.StageStoring, "persisting manifest", percentStoring)
	if _, err := o.store.Store(cmd.ServiceName, cmd.Tag, manifestPath); err != nil {
		o.fail(log, wire.StageStoring, err)
		return
	}

	if !o.pullAndStart(ctx, log, manifest) {
		return
	}

	o.cleanup(ctx, log)
	o.reporter.Stage(wire.StageCompleted,
		fmt.Sprintf("%s upgraded to %s", cmd.ServiceName, cmd.Tag), percentCompleted)
	log.Info("upgrade completed")
}

// Start brings up the service's stored latest manifest. Without one the
// rollout fails before any engine call.
func (o *Orchestrator) Start(ctx context.Context, cmd *wire.Command) {
	log := o.log.WithField("service", cmd.ServiceName)
	log.Info("start requested")

	o.reporter.Stage(wire.StageValidating,
		fmt.Sprintf("starting %s", cmd.ServiceName), percentValidating)

	manifest, _, err := o.store.LoadLatest(cmd.ServiceName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errors.Errorf("no stored configuration for service %s", cmd.ServiceName)
		}
		o.fail(log, wire.StageValidating, err)
		return
	}

	if !o.pullAndStart(ctx, log, manifest) {
		return
	}

	o.cleanup(ctx, log)
	o.reporter.Stage(wire.StageCompleted,
		fmt.Sprintf("%s started", cmd.ServiceName), percentCompleted)
	log.Info("start completed")
}

// Stop stops and removes the service's container. Stopping an absent
// container is a success.
func (o *Orchestrator) Stop(ctx context.Context, cmd *wire.Command) {
	log := o.log.WithField("service", cmd.ServiceName)
	log.Info("stop requested")

	o.reporter.Stage(wire.StageValidating,
		fmt.Sprintf("stopping %s", cmd.ServiceName), percentValidating)

	o.reporter.Stage(wire.StageStopping, "stopping containers", percentStopping)
	if err := o.stopContainers(ctx, []string{cmd.Container()}); err != nil {
		o.fail(log, wire.StageStopping, err)
		return
	}

	o.reporter.Stage(wire.StageCompleted,
		fmt.Sprintf("%s stopped", cmd.ServiceName), percentCompleted)
	log.Info("stop completed")
}

// pullAndStart runs the PullingImages and Starting stages, reporting false
// on failure. A pull failure leaves the previously stored latest intact and
// starts nothing.
func (o *Orchestrator) pullAndStart(ctx context.Context, log logging.Logger, manifest *wire.Manifest) bool {
	o.reporter.Stage(wire.StagePulling, "pulling images", percentPulling)
	if err := o.runtime.Pull(ctx, manifest, o.pullEvent); err != nil {
		o.fail(log, wire.StagePulling, err)
		return false
	}

	o.reporter.Stage(wire.StageStarting, "starting containers", percentStarting)
	if err := o.runtime.Start(ctx, manifest); err != nil {
		o.fail(log, wire.StageStarting, err)
		return false
	}
	return true
}

// pullEvent maps one classified pull observation onto the [30,70) band.
func (o *Orchestrator) pullEvent(ev engine.Event) {
	percent := pullPercent(ev.ServicesDone, ev.ServicesTotal)
	switch ev.Kind {
	case engine.EventServicePulling:
		o.reporter.Report(wire.StatusPullingService,
			fmt.Sprintf("pulling images for %s", ev.Service), percent)
	case engine.EventServicePulled:
		o.reporter.Report(wire.StatusPullingService,
			fmt.Sprintf("pulled images for %s", ev.Service), percent)
	case engine.EventDownloading:
		o.reporter.Report(wire.StatusDownloading,
			fmt.Sprintf("downloading layer %s", ev.Layer), percent)
	case engine.EventExtracting:
		o.reporter.Report(wire.StatusExtracting,
			fmt.Sprintf("extracting layer %s", ev.Layer), percent)
	case engine.EventLayerComplete:
		o.reporter.Report(wire.StatusLayerComplete,
			fmt.Sprintf("layer %s complete", ev.Layer), percent)
	}
}

// cleanup prunes unused images and containers. The new version is already
// running at this point, so a prune failure is logged and reported without
// failing the rollout.
func (o *Orchestrator) cleanup(ctx context.Context, log logging.Logger) {
	o.reporter.Stage(wire.StageCleaning, "pruning unused resources", percentCleaning)
	reclaimed, err := o.runtime.Prune(ctx)
	if err != nil {
		log.WithError(err).Warn("cleanup failed")
		o.reporter.Report(wire.StatusCleanupDone,
			fmt.Sprintf("cleanup skipped: %v", err), percentCleaned)
		return
	}
	o.reporter.Report(wire.StatusCleanupDone,
		fmt.Sprintf("cleanup reclaimed %d bytes", reclaimed), percentCleaned)
}

// stopContainers runs the stop escalation for each container independently
// and fails the stage only when at least one could not be stopped and
// removed, naming every failed container.
func (o *Orchestrator) stopContainers(ctx context.Context, names []string) error {
	var failed []string
	for _, name := range names {
		if err := o.runtime.StopAndRemove(ctx, name); err != nil {
			o.log.WithError(err).WithField("container", name).Error("stop escalation failed")
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("could not stop containers: %s", strings.Join(failed, ", "))
	}
	return nil
}

// fail emits the single terminal failure update at the percent the rollout
// reached.
func (o *Orchestrator) fail(log logging.Logger, stage wire.Stage, err error) {
	log.WithError(err).WithField("stage", string(stage)).Error("rollout failed")
	o.reporter.Report(string(wire.StageFailed),
		fmt.Sprintf("stage %s failed: %v", stage, err), o.reporter.Percent())
}

// containersFor collects the containers an upgrade must stop: every
// container the new manifest names plus the command's own target.
func containersFor(cmd *wire.Command, m *wire.Manifest) []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, name := range m.ContainerNames() {
		add(name)
	}
	add(cmd.Container())
	sort.Strings(names)
	return names
}

func pullPercent(done, total int) int {
	if total <= 0 {
		return percentPulling
	}
	p := percentPulling + done*40/total
	if p > 69 {
		p = 69
	}
	return p
}
