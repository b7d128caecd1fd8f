package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"pricebook/internal/book"
	"pricebook/internal/domain"
	"pricebook/internal/event"
	"pricebook/internal/infra"
	"pricebook/internal/logstore"
)

const (
	DefaultDumpPath = "panic_dump.json"
	verifierWindow  = 32
)

// ReportStore persists detected inconsistencies.
type ReportStore interface {
	AddReport(r *domain.InconsistencyReport) error
}

// Sequencer is the core single-threaded event processor. It applies feed
// events to the instrument logs in global sequence order.
type Sequencer struct {
	inbox     chan event.Event
	markets   map[string]*domain.MarketState
	verifiers map[string]*book.Verifier
	nextSeq   uint64
	registry  *logstore.Registry
	reports   ReportStore
	dumpPath  string

	// Boundary: used to notify other systems of state changes
	onStateUpdate func(domain.MarketState)

	mu sync.RWMutex // guards markets for external reads
}

// NewSequencer creates a new sequencer instance. reports and onUpdate may be nil.
func NewSequencer(inboxSize int, registry *logstore.Registry, reports ReportStore, onUpdate func(domain.MarketState)) *Sequencer {
	return &Sequencer{
		inbox:         make(chan event.Event, inboxSize),
		markets:       make(map[string]*domain.MarketState),
		verifiers:     make(map[string]*book.Verifier),
		nextSeq:       1,
		registry:      registry,
		reports:       reports,
		dumpPath:      DefaultDumpPath,
		onStateUpdate: onUpdate,
	}
}

// SetDumpPath changes where the state is dumped on a halt.
func (s *Sequencer) SetDumpPath(path string) {
	s.dumpPath = path
}

// Inbox returns the event channel. External workers send events here.
func (s *Sequencer) Inbox() chan<- event.Event {
	return s.inbox
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started (Single-Thread Hotpath)")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.dumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case ev := <-s.inbox:
			s.processEvent(ev)
		}
	}
}

func (s *Sequencer) processEvent(ev event.Event) {
	// 1. Sequence Gap Check (Halt Policy)
	if ev.GetSeq() != s.nextSeq {
		panic(fmt.Sprintf("SEQUENCE_GAP_DETECTED: expected %d, got %d", s.nextSeq, ev.GetSeq()))
	}

	// 2. Logic Dispatch
	switch e := ev.(type) {
	case *event.BookUpdateEvent:
		s.handleBookUpdate(e)
		infra.GlobalMetrics.RecordEvent(time.Now().UnixMicro()*1000 - e.Ts*1000)
		event.ReleaseBookUpdateEvent(e)
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}

	// 3. Increment Sequence
	s.nextSeq++
}

func (s *Sequencer) handleBookUpdate(e *event.BookUpdateEvent) {
	w, err := s.registry.Writer(e.Instrument)
	if err != nil {
		if !errors.Is(err, domain.ErrClosed) {
			slog.Warn("Dropping book update", slog.String("instrument", e.Instrument), slog.Any("error", err))
			infra.GlobalMetrics.RecordError()
		}
		return
	}

	// the verifier sees the last entry of each event
	last := domain.Entry{Timestamp: float64(e.Ts) / 1e6}
	if e.ResetBids {
		w.Reset(true)
		last = domain.Entry{IsBuy: true, IsReset: true, Timestamp: last.Timestamp}
	}
	if e.ResetAsks {
		w.Reset(false)
		last = domain.Entry{IsReset: true, Timestamp: last.Timestamp}
	}
	s.writeLevels(w, true, e.Bids, &last)
	s.writeLevels(w, false, e.Asks, &last)

	if err := w.Flush(); err != nil {
		if errors.Is(err, domain.ErrClosed) {
			return
		}
		panic(fmt.Sprintf("PERSISTENCE_FAILURE: %v", err))
	}

	var crossed *domain.InconsistencyError
	var snapshot domain.MarketState
	w.Inspect(func(p *book.Processor, next int64) {
		crossed = s.verifier(e.Instrument).Check(p, next-1, last)

		s.mu.Lock()
		state, ok := s.markets[e.Instrument]
		if !ok {
			state = &domain.MarketState{Instrument: e.Instrument}
			s.markets[e.Instrument] = state
		}
		state.Bid, state.Ask, _ = p.BidAsk()
		state.LastUpdate = p.CurrentTime()
		state.EntryCount = next
		state.Ready = p.IsReady()
		snapshot = *state
		s.mu.Unlock()
	})

	if crossed != nil {
		s.report(crossed)
	}
	if s.onStateUpdate != nil {
		s.onStateUpdate(snapshot)
	}
}

func (s *Sequencer) writeLevels(w *logstore.Writer, isBuy bool, levels []event.PriceLevel, last *domain.Entry) {
	for _, l := range levels {
		if err := w.Write(isBuy, l.Price, l.Volume, l.Timestamp); err != nil {
			slog.Warn("Skipping level", slog.String("instrument", w.Instrument()), slog.Any("error", err))
			infra.GlobalMetrics.RecordError()
			continue
		}
		*last = domain.Entry{IsBuy: isBuy, Price: l.Price, Volume: l.Volume, Timestamp: l.Timestamp}
	}
}

func (s *Sequencer) verifier(instrument string) *book.Verifier {
	v, ok := s.verifiers[instrument]
	if !ok {
		v = book.NewVerifier(instrument, verifierWindow)
		s.verifiers[instrument] = v
	}
	return v
}

// report logs a crossed book and stores it. Processing continues.
func (s *Sequencer) report(e *domain.InconsistencyError) {
	slog.Warn("INCONSISTENCY_DETECTED",
		slog.String("instrument", e.Instrument),
		slog.Int64("index", e.Index),
		slog.Float64("bid", e.Bid),
		slog.Float64("ask", e.Ask))
	infra.GlobalMetrics.RecordInconsistency()

	if s.reports == nil {
		return
	}
	if err := s.reports.AddReport(domain.NewInconsistencyReport(e)); err != nil {
		slog.Error("Failed to store inconsistency report", slog.Any("error", err))
	}
}

// GetMarketState returns a snapshot of the market state (external read).
func (s *Sequencer) GetMarketState(instrument string) (domain.MarketState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.markets[instrument]
	if !ok {
		return domain.MarketState{}, false
	}
	return *state, true // Return copy
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	s.mu.RLock()
	recent := make(map[string][]domain.Entry, len(s.verifiers))
	for name, v := range s.verifiers {
		recent[name] = v.Recent()
	}
	data := struct {
		NextSeq uint64                         `json:"next_seq"`
		Markets map[string]*domain.MarketState `json:"markets"`
		Recent  map[string][]domain.Entry      `json:"recent_entries"`
	}{
		NextSeq: s.nextSeq,
		Markets: s.markets,
		Recent:  recent,
	}
	b, err := json.MarshalIndent(data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
