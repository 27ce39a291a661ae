// Package notify carries committed transitions out of the system:
// post-commit hooks fired by the engine, and webhook delivery of the
// history ledger. Nothing here can roll back a transition.
package notify

import (
	"context"
	"log"

	"qmsline/internal/domain"
)

// Event is one committed transition handed to a post-commit hook.
type Event struct {
	Entry    domain.HistoryEntry
	Instance domain.Instance
}

// Dispatcher receives post-commit events. Implementations must tolerate
// being called from a detached goroutine and must not block forever.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// LogDispatcher writes hook events to the process log. It stands in for
// the mail/certificate senders a deployment would plug in.
type LogDispatcher struct {
	Logger *log.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, ev Event) {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: %s %s reached %s via %s (actor %s)",
		ev.Instance.Kind, ev.Instance.ID, ev.Entry.NewState, ev.Entry.EdgeName, ev.Entry.ActorID)
}
