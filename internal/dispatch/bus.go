package dispatch

import "context"

// Enqueuer is the producer-side surface. Enqueue must be fast and durable;
// callers treat a failure as a degraded-mode warning, never as a failure of
// the transition that already committed.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev Event) error
}

// Bus is a durable event stream with pull-based consumption. Fetch blocks
// until an event is available or ctx is done. Commit acknowledges handled
// events; events fetched but never committed are redelivered, which is what
// makes the pipeline at-least-once.
type Bus interface {
	Enqueuer
	Fetch(ctx context.Context) (Event, error)
	Commit(ctx context.Context, evs ...Event) error
	Close() error
}
