package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pricebook/internal/domain"
	"pricebook/internal/view"
)

// ErrUnknownInstrument is returned for instruments that were never registered.
var ErrUnknownInstrument = errors.New("unknown instrument")

// Quote is the best bid and ask of one instrument in a view.
type Quote struct {
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Time       float64 `json:"time"`
	Index      int64   `json:"index"`
}

// MarketService hands out historical views for every registered instrument,
// backed by local logs or a remote server alike.
type MarketService struct {
	mu        sync.RWMutex
	providers map[string]*view.Provider
	cfg       view.ProviderConfig
}

// NewMarketService creates a service whose providers use cfg.
func NewMarketService(cfg view.ProviderConfig) *MarketService {
	return &MarketService{
		providers: make(map[string]*view.Provider),
		cfg:       cfg,
	}
}

// Register adds an entry source. Registering an instrument twice keeps
// the first provider.
func (s *MarketService) Register(src domain.EntrySource) *view.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.providers[src.Instrument()]; ok {
		return p
	}
	p := view.NewProvider(src, s.cfg)
	s.providers[src.Instrument()] = p
	return p
}

// Instruments returns the registered instruments sorted by name
func (s *MarketService) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// View returns the book of instrument as of ts.
func (s *MarketService) View(ctx context.Context, instrument string, ts float64) (*view.View, error) {
	s.mu.RLock()
	p, ok := s.providers[instrument]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, instrument)
	}
	return p.View(ctx, ts)
}

// BidAsks returns the quotes of every instrument as of ts, sorted by
// instrument. Instruments without data at ts, or without a two-sided
// book, are left out.
func (s *MarketService) BidAsks(ctx context.Context, ts float64) ([]Quote, error) {
	var quotes []Quote
	for _, name := range s.Instruments() {
		v, err := s.View(ctx, name, ts)
		if errors.Is(err, domain.ErrDataNotAvailable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bid, ask, ok := v.BidAsk()
		if !ok {
			continue
		}
		quotes = append(quotes, Quote{
			Instrument: name,
			Bid:        bid,
			Ask:        ask,
			Time:       v.Time(),
			Index:      v.Index(),
		})
	}
	return quotes, nil
}
