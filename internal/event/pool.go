package event

import (
	"sync"
)

// EventPool provides sync.Pool for high-frequency event allocation.
// Use this to reduce GC pressure in the hotpath.
//
// Usage:
//
//	ev := AcquireBookUpdateEvent()
//	ev.Instrument = "XBT/USD"
//	// ... hand to the sequencer ...
//	ReleaseBookUpdateEvent(ev)  // the sequencer returns it after processing
var bookUpdatePool = sync.Pool{
	New: func() interface{} {
		return &BookUpdateEvent{
			Bids: make([]PriceLevel, 0, 16),
			Asks: make([]PriceLevel, 0, 16),
		}
	},
}

// AcquireBookUpdateEvent gets a BookUpdateEvent from the pool.
// The returned event has zero values and empty level slices.
func AcquireBookUpdateEvent() *BookUpdateEvent {
	return bookUpdatePool.Get().(*BookUpdateEvent)
}

// ReleaseBookUpdateEvent returns a BookUpdateEvent to the pool.
// Level slices keep their capacity.
func ReleaseBookUpdateEvent(ev *BookUpdateEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = 0
	ev.Instrument = ""
	ev.ResetBids = false
	ev.ResetAsks = false
	ev.Bids = ev.Bids[:0]
	ev.Asks = ev.Asks[:0]

	bookUpdatePool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
// It acquires and releases a batch of events.
func Warmup() {
	const batchSize = 1000

	evs := make([]*BookUpdateEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireBookUpdateEvent())
	}
	for _, ev := range evs {
		ReleaseBookUpdateEvent(ev)
	}
}
