package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// kafkaBus implements Bus on a Kafka topic. Messages are keyed by order ID
// so all events of one order land on one partition, which gives the
// best-effort per-order ordering the consumers rely on. Cross-order ordering
// is deliberately not promised.
//
// Consumer-group offsets are per-partition watermarks: committing a message
// implicitly commits everything before it on that partition. Commit
// therefore acks events individually but only advances each partition's
// offset through its leading run of acked messages; a message behind an
// unacked one stays uncommitted and is redelivered after a rebalance or
// restart.
type kafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader

	mu      sync.Mutex
	pending map[int][]*pendingMessage
	byID    map[uuid.UUID]*pendingMessage
}

// pendingMessage is one fetched, not-yet-committed message in partition
// fetch order.
type pendingMessage struct {
	id    uuid.UUID
	msg   kafka.Message
	acked bool
}

// NewKafkaBus connects a writer and a consumer-group reader to the given
// topic. The group ID pins redelivery semantics: an event fetched but never
// committed comes back after a rebalance or restart.
func NewKafkaBus(brokers []string, topic, groupID string) Bus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	return &kafkaBus{
		writer:  writer,
		reader:  reader,
		pending: make(map[int][]*pendingMessage),
		byID:    make(map[uuid.UUID]*pendingMessage),
	}
}

func (b *kafkaBus) Enqueue(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.OrderID.String()),
		Value: value,
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writer.WriteMessages: %w", err)
	}

	return nil
}

func (b *kafkaBus) Fetch(ctx context.Context) (Event, error) {
	msg, err := b.reader.FetchMessage(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("reader.FetchMessage: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// A malformed message can never become handleable; mark it acked so
		// the partition's offset can move past it once everything before it
		// has committed.
		b.track(uuid.New(), msg, true)
		_ = b.flush(ctx)
		return Event{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	b.track(ev.ID, msg, false)
	return ev, nil
}

func (b *kafkaBus) track(id uuid.UUID, msg kafka.Message, acked bool) {
	p := &pendingMessage{id: id, msg: msg, acked: acked}

	b.mu.Lock()
	b.pending[msg.Partition] = append(b.pending[msg.Partition], p)
	if !acked {
		b.byID[id] = p
	}
	b.mu.Unlock()
}

func (b *kafkaBus) Commit(ctx context.Context, evs ...Event) error {
	for _, ev := range evs {
		b.markAcked(ev)
	}

	return b.flush(ctx)
}

func (b *kafkaBus) markAcked(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.byID[ev.ID]; ok {
		p.acked = true
		delete(b.byID, ev.ID)
	}
}

// commitReady picks, per partition, the highest message of the leading
// acked run. Anything behind an unacked message stays put: committing it
// would move the watermark past the unacked one.
func commitReady(pending map[int][]*pendingMessage) ([]kafka.Message, map[int]int) {
	var msgs []kafka.Message
	ready := make(map[int]int)

	for part, list := range pending {
		n := 0
		for n < len(list) && list[n].acked {
			n++
		}
		if n > 0 {
			msgs = append(msgs, list[n-1].msg)
			ready[part] = n
		}
	}

	return msgs, ready
}

// flush commits whatever commitReady selects. Acked messages stay pending
// if the broker call fails and are retried on the next flush.
func (b *kafkaBus) flush(ctx context.Context) error {
	b.mu.Lock()
	msgs, ready := commitReady(b.pending)
	b.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}

	if err := b.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("reader.CommitMessages: %w", err)
	}

	b.mu.Lock()
	for part, n := range ready {
		rest := b.pending[part][n:]
		if len(rest) == 0 {
			delete(b.pending, part)
		} else {
			b.pending[part] = rest
		}
	}
	b.mu.Unlock()

	return nil
}

func (b *kafkaBus) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
