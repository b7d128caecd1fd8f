package domain

import (
	"context"
)

// FeedWorker defines the interface for exchange WebSocket connectors
type FeedWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// EntrySource gives random access to one instrument's log, local or remote.
type EntrySource interface {
	Instrument() string
	// Entry returns false when index has not been written yet.
	Entry(ctx context.Context, index int64) (Entry, bool, error)
	// FindIndexNear returns the start of the last bucket starting at or before ts.
	FindIndexNear(ctx context.Context, ts float64) (int64, error)
}

// EntrySubscriber receives committed entries starting at logical index first.
type EntrySubscriber func(instrument string, first int64, entries []Entry)
