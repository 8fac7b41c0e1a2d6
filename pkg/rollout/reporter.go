package rollout

import (
	"sync"

	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/wire"
)

// Sender accepts an encoded outbound message without blocking the caller.
type Sender interface {
	Send(payload []byte)
}

// Reporter serializes stage/status/percent updates onto the channel. Percent
// is non-decreasing within one rollout: an update carrying a lower percent
// than already reported is raised to the high-water mark before it is sent.
type Reporter struct {
	log    logging.Logger
	sender Sender

	mu   sync.Mutex
	high int
}

func NewReporter(log logging.Logger, sender Sender) *Reporter {
	return &Reporter{log: log, sender: sender}
}

// Reset starts a new rollout's percent scale at zero.
func (r *Reporter) Reset() {
	r.mu.Lock()
	r.high = 0
	r.mu.Unlock()
}

// Report emits one progress update. Delivery is best-effort; the rollout
// never waits on the transport.
func (r *Reporter) Report(status, message string, percent int) {
	r.mu.Lock()
	if percent < r.high {
		percent = r.high
	}
	r.high = percent
	r.mu.Unlock()

	update := wire.NewProgress(status, message, percent)
	r.log.WithField("status", status).
		WithField("percent", update.Percent).
		Debug(message)
	r.sender.Send(update.Encode())
}

// Stage reports a pipeline stage transition.
func (r *Reporter) Stage(stage wire.Stage, message string, percent int) {
	r.Report(string(stage), message, percent)
}

// Percent reports the current high-water mark.
func (r *Reporter) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.high
}
