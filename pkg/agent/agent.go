package agent

import (
	"context"

	"github.com/ottofleet/otad/pkg/channel"
	"github.com/ottofleet/otad/pkg/engine"
	"github.com/ottofleet/otad/pkg/fetch"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/rollout"
	"github.com/ottofleet/otad/pkg/status"
	"github.com/ottofleet/otad/pkg/store"
	"github.com/ottofleet/otad/pkg/workgroup"
	"github.com/pkg/errors"
)

// Channel is the slice of the channel client the agent drives.
type Channel interface {
	OnMessage(channel.Handler)
	Start(context.Context)
	Stop()
}

// Dispatcher handles one inbound message end to end.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte)
}

// StatusRunner runs the periodic container reporting loops.
type StatusRunner interface {
	RunInfo(context.Context) error
	RunStatus(context.Context) error
}

// Agent ties the channel, dispatcher and status loops together.
type Agent struct {
	log        logging.Logger
	channel    Channel
	dispatcher Dispatcher
	// status is nil for the updater variant.
	status StatusRunner
}

func New(log logging.Logger, ch Channel, d Dispatcher, s StatusRunner) (*Agent, error) {
	if ch == nil {
		return nil, errors.New("channel must be provided")
	}
	if d == nil {
		return nil, errors.New("dispatcher must be provided")
	}
	return &Agent{
		log:        log,
		channel:    ch,
		dispatcher: d,
		status:     s,
	}, nil
}

// Assemble builds a fully wired agent from configuration: engine adapter,
// state store, artifact fetcher, channel client, rollout pipeline and, for
// the agent variant, the status reporter.
func Assemble(log logging.Logger, cfg Config, settings Settings) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "misconfigured")
	}

	eng, err := engine.New(logging.New("engine"), engine.WithTimeouts(settings.Engine))
	if err != nil {
		return nil, err
	}
	st, err := store.New(logging.New("store"), cfg.UpdatesDir)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(logging.New("fetch"))

	ch, err := channel.New(cfg.ChannelURL(), logging.New("channel"),
		channel.WithRetryInterval(settings.Channel.RetryInterval))
	if err != nil {
		return nil, err
	}

	rolloutLog := logging.New("rollout")
	reporter := rollout.NewReporter(rolloutLog, ch)
	orchestrator := rollout.NewOrchestrator(rolloutLog, eng, fetcher, st, reporter)
	dispatcher := rollout.NewDispatcher(rolloutLog, orchestrator, reporter)

	var statusRunner StatusRunner
	if cfg.StatusURL != "" {
		reporter, err := status.New(logging.New("status"), cfg.StatusURL, cfg.APIKey, eng,
			status.WithInterval(settings.Status.PollInterval, settings.Status.RetryInterval))
		if err != nil {
			return nil, err
		}
		statusRunner = reporter
	}

	return New(log, ch, dispatcher, statusRunner)
}

// Run starts the channel and the status loops and blocks until the context
// ends, then tears the channel down with a final delivery attempt for
// queued updates.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	// Commands run inline on the inbound goroutine, so a device executes
	// one rollout at a time in receipt order.
	a.channel.OnMessage(func(raw []byte) {
		a.dispatcher.Dispatch(ctx, raw)
	})
	a.channel.Start(ctx)

	group := workgroup.WithContext(ctx)
	if a.status != nil {
		group.Work(a.status.RunInfo)
		group.Work(a.status.RunStatus)
	}

	<-ctx.Done()
	a.log.Info("waiting on workers to finish")
	err := group.Wait()
	a.channel.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.WithMessage(err, "worker error")
	}
	return nil
}
