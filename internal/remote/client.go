package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pricebook/internal/diskcache"
	"pricebook/internal/domain"
	"pricebook/internal/infra"
)

const handshakeTimeout = 10 * time.Second

// ClientConfig configures an Observer.
type ClientConfig struct {
	URL string
	// ReadTimeout bounds each blocking entry read; zero waits for the caller's context.
	ReadTimeout time.Duration
	// CachePath, when set, keeps complete buckets in a disk cache of
	// CacheSize bytes. Records are sized from the server's bucket size.
	CachePath string
	CacheSize int64
}

// bucketRequest is an outstanding get_bucket command.
type bucketRequest struct {
	reader *RemoteReader
	bucket int64
}

// Observer is a client connection to a Server. It exposes one
// RemoteReader per instrument announced in the welcome message.
type Observer struct {
	cfg        ClientConfig
	conn       *websocket.Conn
	writeMu    sync.Mutex
	bucketSize int64
	cache      *diskcache.Cache

	mu      sync.Mutex
	readers map[string]*RemoteReader
	pending map[uint64]chan Message
	fetches map[uint64]bucketRequest
	closed  bool
	err     error

	nextID atomic.Uint64
	done   chan struct{}
}

// Dial connects to the server and waits for its welcome message.
func Dial(ctx context.Context, cfg ClientConfig) (*Observer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, domain.NewNetworkError("dial "+cfg.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var welcome Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, domain.NewNetworkError("read welcome", err)
	}
	conn.SetReadDeadline(time.Time{})
	if welcome.Type != TypeWelcome || welcome.BucketSize <= 0 {
		conn.Close()
		return nil, fmt.Errorf("unexpected first message %q", welcome.Type)
	}

	o := &Observer{
		cfg:        cfg,
		conn:       conn,
		bucketSize: welcome.BucketSize,
		readers:    make(map[string]*RemoteReader, len(welcome.Instruments)),
		pending:    make(map[uint64]chan Message),
		fetches:    make(map[uint64]bucketRequest),
		done:       make(chan struct{}),
	}
	if cfg.CachePath != "" {
		c, err := diskcache.Open(diskcache.Options{
			Path:        cfg.CachePath,
			SizeBytes:   cfg.CacheSize,
			PayloadSize: int(o.bucketSize) * domain.EntrySize,
		})
		if err != nil {
			slog.Warn("Disk cache disabled", slog.String("path", cfg.CachePath), slog.Any("error", err))
		} else {
			o.cache = c
		}
	}
	for name, info := range welcome.Instruments {
		r := &RemoteReader{obs: o, instrument: name}
		r.buckets = NewBucketProvider(name, o.bucketSize, func(bucket int64) { o.fetchBucket(r, bucket) })
		r.buckets.SetPeek(info.EntryCount)
		o.readers[name] = r
	}
	conn.SetPingHandler(func(data string) error {
		return o.write(websocket.PongMessage, []byte(data))
	})

	go o.readLoop()

	slog.Info("Connected to book server",
		slog.String("url", cfg.URL),
		slog.Int("instruments", len(o.readers)))
	return o, nil
}

// Reader returns the remote reader of an instrument.
func (o *Observer) Reader(instrument string) (*RemoteReader, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.readers[instrument]
	return r, ok
}

// Instruments returns the announced instruments, sorted.
func (o *Observer) Instruments() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.readers))
	for name := range o.readers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Done is closed when the connection is lost or closed.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Err returns the reason the connection ended.
func (o *Observer) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// BucketSize is the server's bucket size.
func (o *Observer) BucketSize() int64 {
	return o.bucketSize
}

// Close closes the connection and the disk cache, and releases every
// waiting reader.
func (o *Observer) Close() error {
	o.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	o.fail(domain.ErrClosed)
	err := o.conn.Close()
	if o.cache != nil {
		if cerr := o.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (o *Observer) readLoop() {
	for {
		var msg Message
		if err := o.conn.ReadJSON(&msg); err != nil {
			o.fail(domain.NewNetworkError("read", fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)))
			return
		}
		o.handle(msg)
	}
}

func (o *Observer) handle(msg Message) {
	switch msg.Type {
	case TypeBucket, TypeFeed:
		r, ok := o.Reader(msg.Instrument)
		if !ok {
			return
		}
		entries, err := domain.DecodeEntries(msg.Payload)
		if err != nil {
			slog.Warn("Dropping malformed payload",
				slog.String("instrument", msg.Instrument),
				slog.Any("error", err))
			return
		}
		first := msg.FirstEntryIndex
		if msg.Type == TypeBucket {
			o.takeFetch(msg.ID)
			first = msg.BucketIndex * o.bucketSize
			o.storeBucket(r, msg.BucketIndex, msg.Payload)
		}
		r.buckets.Fill(first, entries)
		o.resolve(msg)

	case TypeError:
		if req, ok := o.takeFetch(msg.ID); ok {
			slog.Warn("Bucket request failed",
				slog.String("instrument", req.reader.instrument),
				slog.Int64("bucket", req.bucket),
				slog.String("error", msg.Error))
			req.reader.buckets.Fail(req.bucket,
				domain.NewNetworkError(fmt.Sprintf("get bucket %d", req.bucket), errors.New(msg.Error)))
			return
		}
		o.resolve(msg)

	case TypeFindStart:
		o.resolve(msg)
	}
}

func (o *Observer) takeFetch(id uint64) (bucketRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, ok := o.fetches[id]
	delete(o.fetches, id)
	return req, ok
}

// resolve hands a response to the command waiting on its id.
func (o *Observer) resolve(msg Message) {
	if msg.ID == 0 {
		return
	}
	o.mu.Lock()
	ch, ok := o.pending[msg.ID]
	delete(o.pending, msg.ID)
	o.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// fail closes every pending command and bucket. The first error wins.
func (o *Observer) fail(err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.err = err
	pending := o.pending
	o.pending = make(map[uint64]chan Message)
	o.fetches = make(map[uint64]bucketRequest)
	readers := make([]*RemoteReader, 0, len(o.readers))
	for _, r := range o.readers {
		readers = append(readers, r)
	}
	o.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, r := range readers {
		r.buckets.Close()
	}
	close(o.done)

	if !errors.Is(err, domain.ErrClosed) {
		slog.Warn("Book server connection lost", slog.String("url", o.cfg.URL), slog.Any("error", err))
	}
}

func (o *Observer) write(msgType int, data []byte) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return o.conn.WriteMessage(msgType, data)
}

func (o *Observer) send(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return o.write(websocket.TextMessage, b)
}

// command sends req and waits for the response with the same id.
func (o *Observer) command(ctx context.Context, req Request) (Message, error) {
	req.ID = o.nextID.Add(1)
	ch := make(chan Message, 1)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Message{}, domain.ErrConnectionLost
	}
	o.pending[req.ID] = ch
	o.mu.Unlock()

	if err := o.send(req); err != nil {
		o.fail(domain.NewNetworkError("send", fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)))
		return Message{}, domain.ErrConnectionLost
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, domain.ErrConnectionLost
		}
		return msg, nil
	case <-ctx.Done():
		o.mu.Lock()
		delete(o.pending, req.ID)
		o.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// fetchBucket fills a bucket from the disk cache, or requests it. The
// response arrives on the read loop.
func (o *Observer) fetchBucket(r *RemoteReader, bucket int64) {
	if c := o.cache; c != nil {
		if payload, ok := c.Get(r.tag(), bucket); ok {
			entries, err := domain.DecodeEntries(payload)
			if err == nil {
				r.buckets.Fill(bucket*o.bucketSize, entries)
				return
			}
		}
	}

	id := o.nextID.Add(1)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.fetches[id] = bucketRequest{reader: r, bucket: bucket}
	o.mu.Unlock()

	infra.GlobalMetrics.RecordBucketFetch()
	err := o.send(Request{
		ID:          id,
		Op:          OpGetBucket,
		Instrument:  r.instrument,
		BucketIndex: bucket,
	})
	if err != nil {
		o.fail(domain.NewNetworkError("send", fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)))
	}
}

// storeBucket keeps complete buckets in the disk cache. The last bucket
// of a live log is partial and is not stored.
func (o *Observer) storeBucket(r *RemoteReader, bucket int64, payload []byte) {
	c := o.cache
	if c == nil || int64(len(payload)) != o.bucketSize*domain.EntrySize {
		return
	}
	c.Set(r.tag(), bucket, payload)
}

// RemoteReader reads one instrument's log through an Observer.
type RemoteReader struct {
	obs        *Observer
	instrument string
	buckets    *BucketProvider
}

func (r *RemoteReader) Instrument() string {
	return r.instrument
}

// tag keys the instrument in the disk cache.
func (r *RemoteReader) tag() string {
	return domain.PairID(r.instrument)
}

// EntryCount returns the number of entries known to exist on the server.
func (r *RemoteReader) EntryCount() int64 {
	return r.buckets.Peek()
}

// Entry returns the entry at index. Entries the server is known to have
// are fetched and waited for; later ones report ok false.
func (r *RemoteReader) Entry(ctx context.Context, index int64) (domain.Entry, bool, error) {
	if t := r.obs.cfg.ReadTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	e, ok, err := r.buckets.Entry(ctx, index)
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Entry{}, false, domain.NewNetworkError("read entry", err)
	}
	return e, ok, err
}

// FindIndexNear asks the server for the bucket to start replaying ts from.
func (r *RemoteReader) FindIndexNear(ctx context.Context, ts float64) (int64, error) {
	msg, err := r.obs.command(ctx, Request{Op: OpFindStart, Instrument: r.instrument, Timestamp: ts})
	if err != nil {
		return 0, err
	}
	if msg.Type == TypeError {
		return 0, domain.NewDataNotAvailable(r.instrument, -1, ts)
	}
	return msg.BucketIndex * r.obs.bucketSize, nil
}
