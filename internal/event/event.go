// Package event defines the messages feed workers hand to the sequencer.
package event

import "sync/atomic"

// Type names an event kind.
type Type string

const (
	TypeBookUpdate Type = "BOOK_UPDATE"
)

// Event is anything the sequencer can process.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
}

// BaseEvent carries the global sequence number and the receive time in
// unix microseconds.
type BaseEvent struct {
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() int64   { return e.Ts }

// NextSeq returns the next number from a counter shared by all workers.
// The first call on a zero counter returns 1.
func NextSeq(counter *uint64) uint64 {
	return atomic.AddUint64(counter, 1)
}

// PriceLevel is one exchange level update. Volume 0 deletes the level.
type PriceLevel struct {
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

// BookUpdateEvent is one feed message for an instrument. A reset flag
// means the side's levels are a full snapshot replacing the book side.
type BookUpdateEvent struct {
	BaseEvent
	Instrument string       `json:"instrument"`
	ResetBids  bool         `json:"reset_bids"`
	ResetAsks  bool         `json:"reset_asks"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
}

func (e *BookUpdateEvent) GetType() Type { return TypeBookUpdate }
