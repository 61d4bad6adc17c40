package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Consumer handles batches of events of the types it declares. Handlers are
// invoked with at-least-once semantics and must be idempotent, keyed by the
// event ID.
type Consumer interface {
	Name() string
	Types() []EventType
	Handle(ctx context.Context, batch []Event) error
}

const (
	defaultBatchSize = 5
	defaultBatchWait = 5 * time.Second
	handlerRetries   = 3
)

// Worker pulls events off the bus, groups them into bounded batches and fans
// them out to consumers. Batching amortizes downstream calls (one bulk stock
// update instead of N single-row updates).
type Worker struct {
	bus       Bus
	consumers []Consumer
	batchSize int
	batchWait time.Duration
}

func NewWorker(bus Bus, consumers ...Consumer) *Worker {
	return &Worker{
		bus:       bus,
		consumers: consumers,
		batchSize: defaultBatchSize,
		batchWait: defaultBatchWait,
	}
}

// WithBatch overrides the batch bounds, mostly for tests.
func (w *Worker) WithBatch(size int, wait time.Duration) *Worker {
	w.batchSize = size
	w.batchWait = wait
	return w
}

// Run consumes until ctx is cancelled or the bus closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		batch, err := w.collect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrBusClosed) {
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}

		w.deliver(ctx, batch)
	}
}

// collect blocks for the first event, then keeps fetching until the batch is
// full or batchWait has elapsed since the first event arrived.
func (w *Worker) collect(ctx context.Context) ([]Event, error) {
	first, err := w.bus.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	batch := []Event{first}

	deadline, cancel := context.WithTimeout(ctx, w.batchWait)
	defer cancel()

	for len(batch) < w.batchSize {
		ev, err := w.bus.Fetch(deadline)
		if err != nil {
			// Timeout just closes the batch; only a parent cancellation
			// propagates out on the next collect call.
			break
		}
		batch = append(batch, ev)
	}

	return batch, nil
}

func (w *Worker) deliver(ctx context.Context, batch []Event) {
	handled := batch
	var failed []Event

	for _, consumer := range w.consumers {
		relevant := filterByType(batch, consumer.Types())
		if len(relevant) == 0 {
			continue
		}

		operation := func() error {
			return consumer.Handle(ctx, relevant)
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), handlerRetries), ctx)

		if err := backoff.Retry(operation, policy); err != nil {
			// The worker keeps going; one failing consumer must not stall
			// the others. Its events are re-enqueued below so the consumer's
			// idempotent retry happens on a fresh delivery.
			slog.ErrorContext(ctx, "consumer failed, events will be re-enqueued",
				"consumer", consumer.Name(), "events", len(relevant), "error", err)
			handled = excludeEvents(handled, relevant)
			failed = mergeEvents(failed, relevant)
		}
	}

	// Failed events go back to the tail of the stream before the batch
	// commits. Committing around them is not an option: Kafka offsets are
	// per-partition watermarks, so committing a later message would silently
	// commit a failed earlier one too. Consumers that already handled a
	// re-enqueued event dedupe the extra delivery through their guards.
	for _, ev := range failed {
		if err := w.bus.Enqueue(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "re-enqueue failed, event held uncommitted",
				"event_id", ev.ID, "error", err)
			continue
		}
		handled = append(handled, ev)
	}

	if len(handled) == 0 {
		return
	}

	if err := w.bus.Commit(ctx, handled...); err != nil {
		slog.ErrorContext(ctx, "commit failed, batch will be redelivered", "error", err)
	}
}

func filterByType(batch []Event, types []EventType) []Event {
	wanted := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	var out []Event
	for _, ev := range batch {
		if _, ok := wanted[ev.Type]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// mergeEvents appends the events of more that are not already in base,
// keyed by event ID; two consumers failing on the same event must not
// re-enqueue it twice.
func mergeEvents(base, more []Event) []Event {
	have := make(map[string]struct{}, len(base))
	for _, ev := range base {
		have[ev.ID.String()] = struct{}{}
	}

	for _, ev := range more {
		if _, ok := have[ev.ID.String()]; ok {
			continue
		}
		have[ev.ID.String()] = struct{}{}
		base = append(base, ev)
	}
	return base
}

func excludeEvents(batch, failed []Event) []Event {
	drop := make(map[string]struct{}, len(failed))
	for _, ev := range failed {
		drop[ev.ID.String()] = struct{}{}
	}

	var out []Event
	for _, ev := range batch {
		if _, ok := drop[ev.ID.String()]; !ok {
			out = append(out, ev)
		}
	}
	return out
}
