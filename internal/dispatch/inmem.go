package dispatch

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrBusClosed = errors.New("bus closed")

	// ErrBusFull reports a full in-memory buffer. Enqueue never blocks the
	// caller's request on it; emitters treat the failure as degraded mode.
	ErrBusFull = errors.New("bus buffer full")
)

// inmemBus is a channel-backed Bus for tests and single-process local runs.
// Unlike Kafka it cannot redeliver after a crash; the consumers' idempotency
// guards make that an availability gap, never a correctness one.
type inmemBus struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

func NewInmemBus(buffer int) Bus {
	return &inmemBus{ch: make(chan Event, buffer)}
}

func (b *inmemBus) Enqueue(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.ch <- ev:
		return nil
	default:
		return ErrBusFull
	}
}

func (b *inmemBus) Fetch(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-b.ch:
		if !ok {
			return Event{}, ErrBusClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Commit is a no-op: the channel hand-off already removed the event.
func (b *inmemBus) Commit(ctx context.Context, evs ...Event) error {
	return nil
}

func (b *inmemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}
