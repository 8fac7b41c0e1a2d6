package rollout

import (
	"context"
	"fmt"
	"strings"

	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/pkg/errors"
)

// Dispatcher validates inbound channel messages and routes them to the
// orchestrator. Every dispatch produces progress: a terminal error update
// when validation fails, or the orchestrator's stage stream when it does
// not. Dispatch never raises.
type Dispatcher struct {
	log          logging.Logger
	orchestrator *Orchestrator
	reporter     *Reporter
}

func NewDispatcher(log logging.Logger, o *Orchestrator, r *Reporter) *Dispatcher {
	return &Dispatcher{log: log, orchestrator: o, reporter: r}
}

// Dispatch handles one raw inbound message end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	d.reporter.Reset()

	cmd, err := wire.ParseCommand(raw)
	if err != nil {
		d.log.WithError(err).Warn("undecodable message")
		d.reporter.Report(wire.StatusDecodeError,
			fmt.Sprintf("could not decode command: %v", err), 0)
		return
	}

	if err := cmd.Validate(); err != nil {
		var verr *wire.ValidationError
		if errors.As(err, &verr) {
			d.log.WithField("field", verr.Field).Warn("invalid command")
		} else {
			d.log.WithError(err).Warn("invalid command")
		}
		d.reporter.Report(wire.StatusValidationError, err.Error(), 0)
		return
	}

	switch cmd.Action {
	case wire.ActionUpgrade:
		d.orchestrator.Upgrade(ctx, cmd)
	case wire.ActionStart:
		d.orchestrator.Start(ctx, cmd)
	case wire.ActionStop:
		d.orchestrator.Stop(ctx, cmd)
	default:
		d.log.WithField("action", string(cmd.Action)).Warn("unknown action")
		d.reporter.Report(wire.StatusUnknownAction,
			fmt.Sprintf("unknown action %q, supported actions: %s",
				cmd.Action, supportedActionList()), 0)
	}
}

func supportedActionList() string {
	actions := wire.SupportedActions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
