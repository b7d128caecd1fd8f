package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pricebook/internal/domain"
	"pricebook/internal/infra"
	"pricebook/internal/logstore"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// ServerConfig limits per-connection request rates.
type ServerConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Server answers bucket and find_start requests over websocket and pushes
// newly committed spans to every connection.
type Server struct {
	cfg        ServerConfig
	bucketSize int64
	readers    map[string]*logstore.Reader
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*serverConn
}

type serverConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

// NewServer serves the given readers. All readers must share one layout.
func NewServer(readers []*logstore.Reader, cfg ServerConfig) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 200
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	s := &Server{
		cfg:     cfg,
		readers: make(map[string]*logstore.Reader, len(readers)),
		conns:   make(map[string]*serverConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, r := range readers {
		s.readers[r.Instrument()] = r
		s.bucketSize = r.Layout().BucketSize
	}
	return s
}

// Run follows every reader and broadcasts new spans until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, r := range s.readers {
		r := r // per-iteration copy; go directive is below 1.22
		from, err := r.EntryCount()
		if err != nil {
			return fmt.Errorf("entry count %s: %w", name, err)
		}
		g.Go(func() error {
			return r.Follow(ctx, from, func(first int64, entries []domain.Entry) {
				s.Broadcast(Message{
					Type:            TypeFeed,
					Instrument:      r.Instrument(),
					FirstEntryIndex: first,
					Payload:         domain.EncodeEntries(entries),
				})
			})
		})
	}
	err := g.Wait()
	s.closeAll()
	return err
}

// Broadcast sends msg to every connection.
func (s *Server) Broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Broadcast marshal failed", slog.Any("error", err))
		return
	}
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, b); err != nil {
			slog.Debug("Push failed", slog.String("conn", c.id), slog.Any("error", err))
			c.ws.Close()
		}
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &serverConn{
		id:      uuid.NewString(),
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst),
	}

	// register before the welcome so no push is missed
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	infra.GlobalMetrics.IncrementConnections()
	slog.Info("Client connected", slog.String("conn", c.id), slog.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		ws.Close()
		infra.GlobalMetrics.DecrementConnections()
		slog.Info("Client disconnected", slog.String("conn", c.id))
	}()

	if err := c.send(s.welcome()); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.pingLoop(ctx)

	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Read failed", slog.String("conn", c.id), slog.Any("error", err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongTimeout))

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.send(Message{Type: TypeError, Error: "malformed request"})
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.send(s.handle(ctx, req)); err != nil {
			return
		}
	}
}

func (s *Server) welcome() Message {
	names := make([]string, 0, len(s.readers))
	for name := range s.readers {
		names = append(names, name)
	}
	sort.Strings(names)

	info := make(map[string]InstrumentInfo, len(names))
	for _, name := range names {
		count, err := s.readers[name].EntryCount()
		if err != nil {
			slog.Warn("Entry count failed", slog.String("instrument", name), slog.Any("error", err))
			continue
		}
		info[name] = InstrumentInfo{EntryCount: count}
	}
	return Message{Type: TypeWelcome, BucketSize: s.bucketSize, Instruments: info}
}

func (s *Server) handle(ctx context.Context, req Request) Message {
	r, ok := s.readers[req.Instrument]
	if !ok {
		return Message{ID: req.ID, Type: TypeError, Instrument: req.Instrument, Error: domain.ErrInvalidInstrument.Error()}
	}

	switch req.Op {
	case OpGetBucket:
		infra.GlobalMetrics.RecordBucketFetch()
		payload, err := r.BucketBytes(req.BucketIndex)
		if err != nil {
			return errorMessage(req, err)
		}
		return Message{ID: req.ID, Type: TypeBucket, Instrument: req.Instrument, BucketIndex: req.BucketIndex, Payload: payload}

	case OpFindStart:
		index, err := r.FindIndexNear(ctx, req.Timestamp)
		if err != nil {
			return errorMessage(req, err)
		}
		return Message{ID: req.ID, Type: TypeFindStart, Instrument: req.Instrument, BucketIndex: index / s.bucketSize}

	default:
		return Message{ID: req.ID, Type: TypeError, Instrument: req.Instrument, Error: "unknown op " + req.Op}
	}
}

func errorMessage(req Request, err error) Message {
	if !errors.Is(err, domain.ErrDataNotAvailable) {
		infra.GlobalMetrics.RecordError()
		slog.Warn("Request failed",
			slog.String("op", req.Op),
			slog.String("instrument", req.Instrument),
			slog.Any("error", err))
	}
	return Message{ID: req.ID, Type: TypeError, Instrument: req.Instrument, BucketIndex: req.BucketIndex, Error: err.Error()}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		c.ws.Close()
	}
}

func (c *serverConn) send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

func (c *serverConn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(msgType, data)
}

func (c *serverConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
