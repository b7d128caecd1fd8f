package remote

import (
	"context"
	"sync"
	"sync/atomic"

	"pricebook/internal/domain"
)

// BucketProvider holds the buckets of one remote instrument.
type BucketProvider struct {
	instrument string
	size       int64
	fetch      func(bucket int64)

	mu      sync.Mutex
	buckets map[int64]*Bucket
	closed  bool

	// peek is the entry count the server is known to have.
	peek atomic.Int64
}

// NewBucketProvider creates a provider whose buckets call fetch when a
// blocking read misses.
func NewBucketProvider(instrument string, bucketSize int64, fetch func(bucket int64)) *BucketProvider {
	return &BucketProvider{
		instrument: instrument,
		size:       bucketSize,
		fetch:      fetch,
		buckets:    make(map[int64]*Bucket),
	}
}

func (p *BucketProvider) Instrument() string {
	return p.instrument
}

func (p *BucketProvider) BucketSize() int64 {
	return p.size
}

// Bucket returns bucket n, creating it on first use.
func (p *BucketProvider) Bucket(n int64) *Bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[n]
	if !ok {
		b = NewBucket(n, int(p.size), func() { p.fetch(n) })
		if p.closed {
			b.Close()
		}
		p.buckets[n] = b
	}
	return b
}

// Entry reads one entry. Entries below the peek count may block until
// fetched; later ones report ok false.
func (p *BucketProvider) Entry(ctx context.Context, index int64) (domain.Entry, bool, error) {
	if index < 0 {
		return domain.Entry{}, false, domain.NewDataNotAvailable(p.instrument, index, 0)
	}
	b := p.Bucket(index / p.size)
	return b.Read(ctx, int(index%p.size), index < p.peek.Load())
}

// Fill stores entries starting at first and raises the peek count.
func (p *BucketProvider) Fill(first int64, entries []domain.Entry) {
	for i, e := range entries {
		idx := first + int64(i)
		p.Bucket(idx/p.size).Write(int(idx%p.size), e)
	}
	p.SetPeek(first + int64(len(entries)))
}

// Fail fails the pending reads of bucket n.
func (p *BucketProvider) Fail(n int64, err error) {
	p.Bucket(n).Fail(err)
}

// SetPeek raises the known remote entry count to n.
func (p *BucketProvider) SetPeek(n int64) {
	for {
		cur := p.peek.Load()
		if n <= cur || p.peek.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *BucketProvider) Peek() int64 {
	return p.peek.Load()
}

// Close closes every bucket, waking blocked readers.
func (p *BucketProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, b := range p.buckets {
		b.Close()
	}
}
