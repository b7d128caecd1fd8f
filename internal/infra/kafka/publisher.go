package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"pricebook/internal/domain"
)

const (
	queueSize    = 1024
	batchTimeout = 50 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// SpanMessage is the JSON value of a published message. Payload holds
// the encoded entries, base64 in JSON.
type SpanMessage struct {
	Instrument      string `json:"instrument"`
	FirstEntryIndex int64  `json:"first_entry_index"`
	Count           int    `json:"count"`
	Payload         []byte `json:"payload"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher streams committed log spans to a Kafka topic, keyed by
// instrument so one instrument stays on one partition.
type Publisher struct {
	writer messageWriter
	queue  chan kafka.Message
}

// NewPublisher creates a publisher for brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newPublisher(w)
}

func newPublisher(w messageWriter) *Publisher {
	return &Publisher{
		writer: w,
		queue:  make(chan kafka.Message, queueSize),
	}
}

// Publish is a domain.EntrySubscriber. It never blocks the writer; spans
// are dropped when the queue is full.
func (p *Publisher) Publish(instrument string, first int64, entries []domain.Entry) {
	msg, err := buildMessage(instrument, first, entries)
	if err != nil {
		slog.Error("Failed to encode span", slog.String("instrument", instrument), slog.Any("error", err))
		return
	}
	select {
	case p.queue <- msg:
	default:
		slog.Warn("Kafka queue full, dropping span",
			slog.String("instrument", instrument),
			slog.Int64("first", first))
	}
}

func buildMessage(instrument string, first int64, entries []domain.Entry) (kafka.Message, error) {
	value, err := json.Marshal(SpanMessage{
		Instrument:      instrument,
		FirstEntryIndex: first,
		Count:           len(entries),
		Payload:         domain.EncodeEntries(entries),
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(instrument), Value: value}, nil
}

// Run writes queued messages until ctx is done, then drains what is left
// and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.writer.Close()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case msg := <-p.queue:
			p.write(context.Background(), p.batch(msg))
		}
	}
}

// batch collects msg and whatever else is already queued.
func (p *Publisher) batch(msg kafka.Message) []kafka.Message {
	msgs := []kafka.Message{msg}
	for len(msgs) < cap(p.queue) {
		select {
		case m := <-p.queue:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
	return msgs
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			p.write(context.Background(), p.batch(msg))
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, msgs []kafka.Message) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		var werrs kafka.WriteErrors
		if errors.As(err, &werrs) {
			slog.Warn("Kafka publish partially failed", slog.Int("failed", werrs.Count()), slog.Int("batch", len(msgs)))
			return
		}
		slog.Warn("Kafka publish error", slog.Any("error", err), slog.Int("batch", len(msgs)))
	}
}
