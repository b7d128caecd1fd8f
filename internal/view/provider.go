package view

import (
	"context"
	"log/slog"
	"sync"

	"pricebook/internal/book"
	"pricebook/internal/domain"
	"pricebook/internal/infra"
)

const (
	DefaultCapacity = 20
	DefaultBudget   = 200.0 // seconds of forward replay
)

// ProviderConfig controls the view-state cache.
type ProviderConfig struct {
	Capacity int
	// Budget is the largest time distance replayed from a cached state.
	Budget float64
	Book   book.Config
}

// DefaultProviderConfig returns capacity 20 and a 200s budget.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{Capacity: DefaultCapacity, Budget: DefaultBudget, Book: book.DefaultConfig()}
}

type cachedState struct {
	at    float64
	state book.State
}

// Provider hands out views of one instrument, resuming from cached
// states so nearby queries replay only a short span of the log.
type Provider struct {
	src domain.EntrySource
	cfg ProviderConfig

	mu     sync.Mutex
	states []cachedState // insertion order
}

// NewProvider creates a provider over src.
func NewProvider(src domain.EntrySource, cfg ProviderConfig) *Provider {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	return &Provider{
		src:    src,
		cfg:    cfg,
		states: make([]cachedState, 0, cfg.Capacity),
	}
}

// Instrument returns the instrument name.
func (p *Provider) Instrument() string {
	return p.src.Instrument()
}

// View returns the book as of ts.
func (p *Provider) View(ctx context.Context, ts float64) (*View, error) {
	base, at, hit := p.lookup(ts)
	infra.GlobalMetrics.RecordViewCache(hit)

	if !hit {
		index, err := p.src.FindIndexNear(ctx, ts)
		if err != nil {
			return nil, err
		}
		base = book.State{Version: book.StateVersion, Index: index}
	}

	v := New(p.src, base, p.cfg.Book)
	if _, err := v.FastForwardTo(ctx, ts); err != nil {
		return nil, err
	}

	reached := max(ts, v.Time())
	if !hit || reached-at > p.cfg.Budget/float64(p.cfg.Capacity) {
		p.store(reached, v.State())
	}
	return v, nil
}

// lookup returns a copy of the cached state with the largest time at or
// before ts that lies within the replay budget.
func (p *Provider) lookup(ts float64) (book.State, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, c := range p.states {
		if c.at > ts || ts-c.at > p.cfg.Budget {
			continue
		}
		if best < 0 || c.at > p.states[best].at {
			best = i
		}
	}
	if best < 0 {
		return book.State{}, 0, false
	}
	return p.states[best].state.Clone(), p.states[best].at, true
}

func (p *Provider) store(at float64, st book.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.states) >= p.cfg.Capacity {
		evicted := p.states[0]
		copy(p.states, p.states[1:])
		p.states = p.states[:len(p.states)-1]
		slog.Debug("View state evicted",
			slog.String("instrument", p.src.Instrument()),
			slog.Float64("at", evicted.at))
	}
	p.states = append(p.states, cachedState{at: at, state: st})
}

// Len returns the number of cached states.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// Times returns the cache keys in insertion order.
func (p *Provider) Times() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.states))
	for i, c := range p.states {
		out[i] = c.at
	}
	return out
}
