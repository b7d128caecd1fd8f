package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"pricebook/internal/domain"
)

// fakeWriter implements the same methods as *kafka.Writer
type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, m ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) snapshot() ([]kafka.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...), f.closed
}

func TestBuildMessage(t *testing.T) {
	entries := []domain.Entry{
		{IsBuy: true, Price: 100, Volume: 1, Timestamp: 1000},
		{Price: 101, Volume: 2, Timestamp: 1000.5, IsFlush: true},
	}
	msg, err := buildMessage("XBT/USD", 42, entries)
	if err != nil {
		t.Fatalf("buildMessage failed: %v", err)
	}
	if string(msg.Key) != "XBT/USD" {
		t.Errorf("key = %q", msg.Key)
	}

	var span SpanMessage
	if err := json.Unmarshal(msg.Value, &span); err != nil {
		t.Fatalf("value is not json: %v", err)
	}
	if span.FirstEntryIndex != 42 || span.Count != 2 {
		t.Errorf("span = %+v", span)
	}
	decoded, err := domain.DecodeEntries(span.Payload)
	if err != nil {
		t.Fatalf("DecodeEntries failed: %v", err)
	}
	if len(decoded) != 2 || decoded[1] != entries[1] {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestPublisher_RunDeliversAndDrains(t *testing.T) {
	fw := &fakeWriter{}
	p := newPublisher(fw)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		p.Publish("ETH/USD", int64(i), []domain.Entry{{Price: 10, Volume: 1, Timestamp: float64(i)}})
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, _ := fw.snapshot()
		if len(msgs) == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d messages, want 5", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
	if _, closed := fw.snapshot(); !closed {
		t.Error("writer should be closed after Run returns")
	}
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	fw := &fakeWriter{}
	p := newPublisher(fw)
	for i := 0; i < queueSize+10; i++ {
		p.Publish("XBT/USD", int64(i), nil)
	}
	if len(p.queue) != queueSize {
		t.Errorf("queue holds %d, want %d", len(p.queue), queueSize)
	}

	// a cancelled run still drains the queue
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)
	if msgs, _ := fw.snapshot(); len(msgs) != queueSize {
		t.Errorf("drained %d messages, want %d", len(msgs), queueSize)
	}
}
