package remote

import (
	"context"
	"sync"
	"sync/atomic"

	"pricebook/internal/domain"
)

type slotState = uint32

const (
	slotNotRequested slotState = iota
	slotPending
	slotReady
)

// Bucket caches the entries of one remote bucket. Each slot moves from
// not requested to pending to ready; ready slots never change.
type Bucket struct {
	index int64
	fetch func()

	state   []atomic.Uint32
	entries []domain.Entry

	mu        sync.Mutex
	waiters   map[int]chan struct{}
	requested bool
	closed    bool
	failed    error
	filled    int
}

// NewBucket creates an empty bucket of size slots. fetch is called, outside
// the bucket lock, the first time a blocking read finds a missing slot.
func NewBucket(index int64, size int, fetch func()) *Bucket {
	return &Bucket{
		index:   index,
		fetch:   fetch,
		state:   make([]atomic.Uint32, size),
		entries: make([]domain.Entry, size),
		waiters: make(map[int]chan struct{}),
	}
}

// Index returns the bucket number.
func (b *Bucket) Index() int64 {
	return b.index
}

// Read returns the entry at offset. A missing entry is requested and
// waited for only when mayBlock is set; otherwise ok is false. Reads on a
// closed bucket fail with ErrConnectionLost.
func (b *Bucket) Read(ctx context.Context, offset int, mayBlock bool) (domain.Entry, bool, error) {
	if offset < 0 || offset >= len(b.entries) {
		return domain.Entry{}, false, nil
	}
	if b.state[offset].Load() == slotReady {
		return b.entries[offset], true, nil
	}

	b.mu.Lock()
	if b.state[offset].Load() == slotReady {
		b.mu.Unlock()
		return b.entries[offset], true, nil
	}
	if b.closed {
		b.mu.Unlock()
		return domain.Entry{}, false, domain.ErrConnectionLost
	}
	if !mayBlock {
		b.mu.Unlock()
		return domain.Entry{}, false, nil
	}
	b.state[offset].Store(slotPending)
	ch, ok := b.waiters[offset]
	if !ok {
		ch = make(chan struct{})
		b.waiters[offset] = ch
	}
	dispatch := !b.requested
	if dispatch {
		b.failed = nil
	}
	b.requested = true
	b.mu.Unlock()

	if dispatch {
		b.fetch()
	}

	select {
	case <-ch:
	case <-ctx.Done():
		b.mu.Lock()
		// let the next reader ask again
		if b.state[offset].Load() != slotReady {
			b.requested = false
		}
		b.mu.Unlock()
		return domain.Entry{}, false, ctx.Err()
	}

	if b.state[offset].Load() == slotReady {
		return b.entries[offset], true, nil
	}
	b.mu.Lock()
	err := b.failed
	if b.closed || err == nil {
		err = domain.ErrConnectionLost
	}
	b.mu.Unlock()
	return domain.Entry{}, false, err
}

// Write stores the entry at offset and wakes its waiters. A slot is
// written once; later writes are ignored.
func (b *Bucket) Write(offset int, e domain.Entry) {
	if offset < 0 || offset >= len(b.entries) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state[offset].Load() == slotReady {
		return
	}
	b.entries[offset] = e
	b.state[offset].Store(slotReady)
	b.filled++
	if ch, ok := b.waiters[offset]; ok {
		close(ch)
		delete(b.waiters, offset)
	}
}

// Close wakes every waiter. Later reads of missing slots fail.
func (b *Bucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for off, ch := range b.waiters {
		close(ch)
		delete(b.waiters, off)
	}
}

// Fail wakes every waiter with err. The next blocking read requests the
// bucket again.
func (b *Bucket) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.requested = false
	b.failed = err
	for off, ch := range b.waiters {
		close(ch)
		delete(b.waiters, off)
	}
}

// Complete reports whether every slot is ready.
func (b *Bucket) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled == len(b.entries)
}

// Payload returns the encoded bucket, or nil while it is incomplete.
func (b *Bucket) Payload() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled != len(b.entries) {
		return nil
	}
	return domain.EncodeEntries(b.entries)
}
