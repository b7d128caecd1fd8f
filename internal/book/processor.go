// Package book reconstructs a two-sided order book from log entries.
//
// Each side keeps two ladders on a two-slot arena: the live ladder that
// queries read and a staging ladder that receives writes after a reset.
// Staging replaces live only once it holds Depth levels, so a reader never
// sees a half-filled book after a resync.
package book

import (
	"pricebook/internal/domain"

	"github.com/tidwall/btree"
)

const (
	DefaultDepth = 10
	DefaultDust  = 1e-9

	btreeDegree = 16
	noSlot      = -1
)

// Config controls ladder depth and the volume below which a level is removed.
type Config struct {
	Depth int
	Dust  float64
}

// DefaultConfig returns depth 10 and dust 1e-9.
func DefaultConfig() Config {
	return Config{Depth: DefaultDepth, Dust: DefaultDust}
}

type quote struct {
	volume    float64
	timestamp float64
}

type ladder = btree.Map[float64, quote]

func newLadder() *ladder {
	return btree.NewMap[float64, quote](btreeDegree)
}

// pendingRun collects the levels of an index run until it is complete.
type pendingRun struct {
	liveLeft    int
	stagingLeft int
	aliased     bool
	live        *ladder
	staging     *ladder
}

type side struct {
	isBuy   bool
	slots   [2]*ladder
	live    int
	staging int
	run     *pendingRun
}

func newSide(isBuy bool) side {
	return side{
		isBuy:   isBuy,
		slots:   [2]*ladder{newLadder(), nil},
		live:    noSlot,
		staging: 0,
	}
}

func (s *side) liveLadder() *ladder {
	if s.live == noSlot {
		return nil
	}
	return s.slots[s.live]
}

func (s *side) stagingLadder() *ladder {
	return s.slots[s.staging]
}

func (s *side) aliased() bool {
	return s.live != noSlot && s.live == s.staging
}

// Processor is a pure state machine over entries. It is not safe for
// concurrent use; callers that share one must synchronize.
type Processor struct {
	cfg         Config
	buy         side
	sell        side
	currentTime float64
}

// New creates an empty processor. Zero config fields take defaults.
func New(cfg Config) *Processor {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Dust <= 0 {
		cfg.Dust = DefaultDust
	}
	return &Processor{
		cfg:  cfg,
		buy:  newSide(true),
		sell: newSide(false),
	}
}

// Config returns the processor configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

func (p *Processor) sideOf(isBuy bool) *side {
	if isBuy {
		return &p.buy
	}
	return &p.sell
}

// Accept applies one entry.
func (p *Processor) Accept(e domain.Entry) {
	s := p.sideOf(e.IsBuy)

	switch {
	case e.IsIndex && e.IsReset:
		p.observe(e.Timestamp)
		p.beginRun(s, e)
	case e.IsIndex && s.run != nil:
		p.appendRun(s, e)
	case e.IsReset:
		p.observe(e.Timestamp)
		p.reset(s)
	default:
		// index level without a marker is applied as a plain write;
		// a regular entry abandons a truncated run
		s.run = nil
		p.observe(e.Timestamp)
		p.write(s, e.Price, e.Volume, e.Timestamp)
	}
}

// Write applies a regular level update.
func (p *Processor) Write(isBuy bool, price, volume, timestamp float64) {
	p.Accept(domain.Entry{IsBuy: isBuy, Price: price, Volume: volume, Timestamp: timestamp})
}

// Reset clears the staging ladder of one side. The live ladder stays
// visible until staging is full again.
func (p *Processor) Reset(isBuy bool, timestamp float64) {
	p.Accept(domain.Entry{IsBuy: isBuy, IsReset: true, Timestamp: timestamp})
}

func (p *Processor) observe(ts float64) {
	if ts > p.currentTime {
		p.currentTime = ts
	}
}

func (p *Processor) reset(s *side) {
	s.run = nil
	if s.live != noSlot {
		s.staging = 1 - s.live
	}
	s.slots[s.staging] = newLadder()
}

func (p *Processor) write(s *side, price, volume, ts float64) {
	l := s.stagingLadder()
	p.upsert(s.isBuy, l, price, volume, ts)

	if s.staging != s.live && l.Len() >= p.cfg.Depth {
		s.live = s.staging
	}
}

func (p *Processor) upsert(isBuy bool, l *ladder, price, volume, ts float64) {
	if volume <= p.cfg.Dust {
		l.Delete(price)
		return
	}
	l.Set(price, quote{volume: volume, timestamp: ts})

	for l.Len() > p.cfg.Depth {
		if isBuy {
			l.PopMin()
		} else {
			l.PopMax()
		}
	}
}

// Marker layout: Volume carries the live level count, Price the staging
// level count or -1 when staging aliases live.
func (p *Processor) beginRun(s *side, marker domain.Entry) {
	liveCount := int(marker.Volume)
	run := &pendingRun{
		liveLeft: max(liveCount, 0),
		aliased:  marker.Price < 0,
		live:     newLadder(),
	}
	if !run.aliased {
		run.stagingLeft = int(marker.Price)
		run.staging = newLadder()
	}
	s.run = run
	p.maybeInstall(s)
}

func (p *Processor) appendRun(s *side, e domain.Entry) {
	run := s.run
	switch {
	case run.liveLeft > 0:
		p.upsert(s.isBuy, run.live, e.Price, e.Volume, e.Timestamp)
		run.liveLeft--
	case run.stagingLeft > 0:
		p.upsert(s.isBuy, run.staging, e.Price, e.Volume, e.Timestamp)
		run.stagingLeft--
	}
	p.maybeInstall(s)
}

func (p *Processor) maybeInstall(s *side) {
	run := s.run
	if run.liveLeft > 0 || run.stagingLeft > 0 {
		return
	}
	s.run = nil

	next := 0
	if s.live == 0 {
		next = 1
	}
	s.slots[next] = run.live
	s.live = next
	if run.aliased {
		s.staging = next
		s.slots[1-next] = nil
		return
	}
	s.slots[1-next] = run.staging
	s.staging = 1 - next
}

// IsReady is true once both sides have a live ladder.
func (p *Processor) IsReady() bool {
	return p.buy.live != noSlot && p.sell.live != noSlot
}

// InRun reports whether an index run is partially applied.
func (p *Processor) InRun() bool {
	return p.buy.run != nil || p.sell.run != nil
}

// CurrentTime is the largest timestamp accepted so far.
func (p *Processor) CurrentTime() float64 {
	return p.currentTime
}

// BuyLevels returns buy levels from the highest price down with cumulative volume.
func (p *Processor) BuyLevels() []domain.Level {
	return levels(p.buy.liveLadder(), true)
}

// SellLevels returns sell levels from the lowest price up with cumulative volume.
func (p *Processor) SellLevels() []domain.Level {
	return levels(p.sell.liveLadder(), false)
}

func levels(l *ladder, descending bool) []domain.Level {
	if l == nil {
		return nil
	}
	out := make([]domain.Level, 0, l.Len())
	acc := 0.0
	iter := func(price float64, q quote) bool {
		acc += q.volume
		out = append(out, domain.Level{Price: price, Volume: q.volume, Cumulative: acc})
		return true
	}
	if descending {
		l.Reverse(iter)
	} else {
		l.Scan(iter)
	}
	return out
}

// BidAsk returns the best live price of each side. ok is false until
// both sides have at least one level. Crossed books are returned as is.
func (p *Processor) BidAsk() (bid, ask float64, ok bool) {
	bl, sl := p.buy.liveLadder(), p.sell.liveLadder()
	if bl == nil || sl == nil {
		return 0, 0, false
	}
	bid, _, okBid := bl.Max()
	ask, _, okAsk := sl.Min()
	return bid, ask, okBid && okAsk
}

// Spread returns ask - bid.
func (p *Processor) Spread() (float64, bool) {
	bid, ask, ok := p.BidAsk()
	return ask - bid, ok
}

// Crossed reports bid >= ask on a ready book.
func (p *Processor) Crossed() bool {
	bid, ask, ok := p.BidAsk()
	return ok && bid >= ask
}

// Depth returns the smaller live level count of the two sides.
func (p *Processor) Depth() int {
	bl, sl := p.buy.liveLadder(), p.sell.liveLadder()
	if bl == nil || sl == nil {
		return 0
	}
	return min(bl.Len(), sl.Len())
}

// Ladder returns a copy of one side's live ladder as price -> volume.
// It is nil when the side has no live ladder.
func (p *Processor) Ladder(isBuy bool) map[float64]float64 {
	return rawLadder(p.sideOf(isBuy).liveLadder())
}

// Staging returns a copy of one side's staging ladder.
func (p *Processor) Staging(isBuy bool) map[float64]float64 {
	return rawLadder(p.sideOf(isBuy).stagingLadder())
}

func rawLadder(l *ladder) map[float64]float64 {
	if l == nil {
		return nil
	}
	out := make(map[float64]float64, l.Len())
	l.Scan(func(price float64, q quote) bool {
		out[price] = q.volume
		return true
	})
	return out
}

// IndexRun returns the entries that reproduce the full state of both
// sides: per side a marker followed by live levels then staging levels.
func (p *Processor) IndexRun() []domain.Entry {
	out := make([]domain.Entry, 0, 4*p.cfg.Depth+2)
	out = p.appendSideRun(out, &p.buy)
	return p.appendSideRun(out, &p.sell)
}

func (p *Processor) appendSideRun(out []domain.Entry, s *side) []domain.Entry {
	live := s.liveLadder()
	marker := domain.Entry{
		IsBuy:     s.isBuy,
		IsReset:   true,
		IsIndex:   true,
		Price:     -1,
		Timestamp: p.currentTime,
	}
	if live != nil {
		marker.Volume = float64(live.Len())
	}
	var staging *ladder
	if !s.aliased() {
		staging = s.stagingLadder()
		marker.Price = float64(staging.Len())
	}
	out = append(out, marker)
	out = appendLevels(out, s.isBuy, live)
	return appendLevels(out, s.isBuy, staging)
}

func appendLevels(out []domain.Entry, isBuy bool, l *ladder) []domain.Entry {
	if l == nil {
		return out
	}
	iter := func(price float64, q quote) bool {
		out = append(out, domain.Entry{
			IsBuy:     isBuy,
			IsIndex:   true,
			Price:     price,
			Volume:    q.volume,
			Timestamp: q.timestamp,
		})
		return true
	}
	if isBuy {
		l.Reverse(iter)
	} else {
		l.Scan(iter)
	}
	return out
}
