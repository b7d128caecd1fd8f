// Package view reconstructs an instrument's book as of a past timestamp.
package view

import (
	"context"

	"pricebook/internal/book"
	"pricebook/internal/domain"
)

// View is a processor positioned in a log. It is not safe for concurrent use.
type View struct {
	src   domain.EntrySource
	proc  *book.Processor
	index int64
}

// New positions a view at st.Index with the book described by st.
func New(src domain.EntrySource, st book.State, cfg book.Config) *View {
	return &View{
		src:   src,
		proc:  book.Restore(cfg, st),
		index: st.Index,
	}
}

// FastForwardTo replays entries until the next one is later than ts.
// It returns false without error when the log ends before ts on a ready
// book, and ErrDataNotAvailable when it ends before the book is ready.
// An index run is always replayed to its end.
func (v *View) FastForwardTo(ctx context.Context, ts float64) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		e, ok, err := v.src.Entry(ctx, v.index)
		if err != nil {
			return false, err
		}
		if !ok {
			if v.proc.IsReady() && !v.proc.InRun() {
				return false, nil
			}
			return false, domain.NewDataNotAvailable(v.src.Instrument(), v.index, ts)
		}
		if !e.IsIndex && e.Timestamp > ts && v.proc.IsReady() {
			return true, nil
		}
		v.proc.Accept(e)
		v.index++
	}
}

// Step applies the next entry. It returns false when none is available.
func (v *View) Step(ctx context.Context) (bool, error) {
	e, ok, err := v.src.Entry(ctx, v.index)
	if err != nil || !ok {
		return false, err
	}
	v.proc.Accept(e)
	v.index++
	return true, nil
}

func (v *View) Instrument() string {
	return v.src.Instrument()
}

// Index is the position of the next entry to replay.
func (v *View) Index() int64 {
	return v.index
}

// Time is the latest timestamp replayed.
func (v *View) Time() float64 {
	return v.proc.CurrentTime()
}

func (v *View) IsReady() bool {
	return v.proc.IsReady()
}

func (v *View) BuyLevels() []domain.Level {
	return v.proc.BuyLevels()
}

func (v *View) SellLevels() []domain.Level {
	return v.proc.SellLevels()
}

func (v *View) BidAsk() (bid, ask float64, ok bool) {
	return v.proc.BidAsk()
}

// State returns a deep copy of the view's resumable state.
func (v *View) State() book.State {
	return v.proc.Snapshot(v.index)
}
