package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel derives a context that cancels itself when one of the
// given signals is delivered to the process. The returned cancel releases
// the signal handlers and must be called; once released, a repeat signal
// (a second ^C) falls through to the runtime's default handling and
// terminates the process.
func WithSignalCancel(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	var once sync.Once
	release := func() {
		cancel()
		once.Do(func() { signal.Stop(ch) })
	}

	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-ch:
		}
	}()

	return ctx, release
}
