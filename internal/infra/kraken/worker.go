package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grailbio/base/retry"
	"github.com/shopspring/decimal"

	"pricebook/internal/domain"
	"pricebook/internal/event"
)

const (
	DefaultURL   = "wss://ws.kraken.com"
	baseDelay    = 1 * time.Second
	maxDelay     = 60 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// subscription depths accepted by the book channel
var bookDepths = []int{10, 25, 100, 500, 1000}

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

// statusMessage covers the object frames: heartbeat, systemStatus and
// subscriptionStatus.
type statusMessage struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ChannelID    int64  `json:"channelID"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

var _ domain.FeedWorker = (*Worker)(nil)

// Worker streams Kraken order books into the sequencer inbox.
type Worker struct {
	url         string
	instruments []string
	depth       int
	inbox       chan<- event.Event
	seq         *uint64

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	channels  map[int64]string
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// NewWorker creates a worker for instruments such as "XBT/USD". depth is
// rounded up to a depth the exchange accepts.
func NewWorker(url string, instruments []string, depth int, inbox chan<- event.Event, seq *uint64) *Worker {
	if url == "" {
		url = DefaultURL
	}
	return &Worker{
		url:         url,
		instruments: instruments,
		depth:       subscriptionDepth(depth),
		inbox:       inbox,
		seq:         seq,
		channels:    make(map[int64]string),
		now:         time.Now,
	}
}

func subscriptionDepth(depth int) int {
	for _, d := range bookDepths {
		if depth <= d {
			return d
		}
	}
	return bookDepths[len(bookDepths)-1]
}

// Connect starts the WebSocket connection
func (w *Worker) Connect(ctx context.Context) error {
	if len(w.instruments) == 0 {
		return errors.New("kraken: no instruments configured")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// IsConnected reports whether a subscribed connection is up.
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	policy := retry.Backoff(baseDelay, maxDelay, 2)
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("Kraken connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			if retry.Wait(ctx, policy, retryCount) != nil {
				return
			}
			retryCount++
			continue
		}
		retryCount = 0
		w.readLoop(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	// channel ids are per connection
	w.channels = make(map[int64]string)
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	slog.Info("Kraken Connected",
		slog.Int("subs", len(w.instruments)),
		slog.Int("depth", w.depth))
	return nil
}

func (w *Worker) subscribe() error {
	b, err := json.Marshal(subscribeRequest{
		Event:        "subscribe",
		Pair:         w.instruments,
		Subscription: subscription{Name: "book", Depth: w.depth},
	})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go w.pingLoop(ctx, done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Kraken read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		if err := w.handleMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Kraken message rejected", slog.Any("error", err))
		}
	}
}

// handleMessage blocks while the inbox is full. Sequence numbers are
// taken before the send, so a dropped event would halt the sequencer.
func (w *Worker) handleMessage(ctx context.Context, msg []byte) error {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil
	}
	if msg[0] == '{' {
		return w.handleStatus(msg)
	}

	ev, err := w.parseBook(msg)
	if err != nil || ev == nil {
		return err
	}
	select {
	case w.inbox <- ev:
		return nil
	case <-ctx.Done():
		event.ReleaseBookUpdateEvent(ev)
		return ctx.Err()
	}
}

func (w *Worker) handleStatus(msg []byte) error {
	var st statusMessage
	if err := json.Unmarshal(msg, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	switch st.Event {
	case "subscriptionStatus":
		if st.Status != "subscribed" {
			return fmt.Errorf("subscription %s for %s: %s", st.Status, st.Pair, st.ErrorMessage)
		}
		w.mu.Lock()
		w.channels[st.ChannelID] = st.Pair
		w.mu.Unlock()
		slog.Info("Kraken book subscribed", slog.String("pair", st.Pair), slog.Int64("channel", st.ChannelID))
	case "systemStatus":
		slog.Info("Kraken system status", slog.String("status", st.Status))
	}
	return nil
}

// parseBook decodes a book frame:
//
//	[channelID, {"as": [...], "bs": [...]}, "book-10", "XBT/USD"]
//	[channelID, {"a": [...]}, {"b": [...]}, "book-10", "XBT/USD"]
//
// Two-letter keys are snapshots and reset their side. A nil event means
// the frame carried no levels.
func (w *Worker) parseBook(msg []byte) (*event.BookUpdateEvent, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(msg, &parts); err != nil {
		return nil, fmt.Errorf("decode book frame: %w", err)
	}
	if len(parts) < 4 {
		return nil, fmt.Errorf("book frame has %d parts", len(parts))
	}

	var channelID int64
	if err := json.Unmarshal(parts[0], &channelID); err != nil {
		return nil, fmt.Errorf("decode channel id: %w", err)
	}
	var pair string
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil {
		return nil, fmt.Errorf("decode pair: %w", err)
	}
	w.mu.RLock()
	known, ok := w.channels[channelID]
	w.mu.RUnlock()
	if ok {
		pair = known
	}

	ev := event.AcquireBookUpdateEvent()
	ev.Instrument = pair
	for _, raw := range parts[1 : len(parts)-2] {
		var sides map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sides); err != nil {
			event.ReleaseBookUpdateEvent(ev)
			return nil, fmt.Errorf("decode book payload: %w", err)
		}
		for key, levels := range sides {
			var err error
			switch key {
			case "bs":
				ev.ResetBids = true
				ev.Bids, err = appendLevels(ev.Bids, levels)
			case "b":
				ev.Bids, err = appendLevels(ev.Bids, levels)
			case "as":
				ev.ResetAsks = true
				ev.Asks, err = appendLevels(ev.Asks, levels)
			case "a":
				ev.Asks, err = appendLevels(ev.Asks, levels)
			default: // "c" checksum
			}
			if err != nil {
				event.ReleaseBookUpdateEvent(ev)
				return nil, fmt.Errorf("%s %s: %w", pair, key, err)
			}
		}
	}
	if len(ev.Bids) == 0 && len(ev.Asks) == 0 && !ev.ResetBids && !ev.ResetAsks {
		event.ReleaseBookUpdateEvent(ev)
		return nil, nil
	}

	ev.Seq = event.NextSeq(w.seq)
	ev.Ts = w.now().UnixMicro()
	return ev, nil
}

// appendLevels parses [price, volume, timestamp, ...] string triples.
// Republish markers after the third element are ignored.
func appendLevels(dst []event.PriceLevel, raw json.RawMessage) ([]event.PriceLevel, error) {
	var levels [][]string
	if err := json.Unmarshal(raw, &levels); err != nil {
		return dst, err
	}
	for _, l := range levels {
		if len(l) < 3 {
			return dst, fmt.Errorf("level has %d fields", len(l))
		}
		var vals [3]float64
		for i := 0; i < 3; i++ {
			d, err := decimal.NewFromString(l[i])
			if err != nil {
				return dst, fmt.Errorf("parse %q: %w", l[i], err)
			}
			vals[i] = d.InexactFloat64()
		}
		dst = append(dst, event.PriceLevel{Price: vals[0], Volume: vals[1], Timestamp: vals[2]})
	}
	return dst, nil
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect stops the worker and waits for it to exit.
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
