package book

import (
	"pricebook/internal/domain"
)

// Verifier watches a processor for crossed books. A crossing is reported
// once per episode and never stops processing; upstream is expected to
// correct itself with the next reset.
type Verifier struct {
	instrument string
	recent     []domain.Entry
	next       int
	filled     bool
	crossed    bool
}

// NewVerifier keeps the last window entries for diagnostics.
func NewVerifier(instrument string, window int) *Verifier {
	if window <= 0 {
		window = 16
	}
	return &Verifier{
		instrument: instrument,
		recent:     make([]domain.Entry, window),
	}
}

// Check records e, which p has just accepted at index, and returns an
// InconsistencyError when the book became crossed.
func (v *Verifier) Check(p *Processor, index int64, e domain.Entry) *domain.InconsistencyError {
	v.recent[v.next] = e
	v.next = (v.next + 1) % len(v.recent)
	if v.next == 0 {
		v.filled = true
	}

	if p.InRun() {
		return nil
	}
	bid, ask, ok := p.BidAsk()
	if !ok || bid < ask {
		v.crossed = false
		return nil
	}
	if v.crossed {
		return nil
	}
	v.crossed = true
	return &domain.InconsistencyError{
		Instrument: v.instrument,
		Index:      index,
		Bid:        bid,
		Ask:        ask,
		Timestamp:  e.Timestamp,
	}
}

// Recent returns the remembered entries, oldest first.
func (v *Verifier) Recent() []domain.Entry {
	if !v.filled {
		return append([]domain.Entry(nil), v.recent[:v.next]...)
	}
	out := make([]domain.Entry, 0, len(v.recent))
	out = append(out, v.recent[v.next:]...)
	return append(out, v.recent[:v.next]...)
}
