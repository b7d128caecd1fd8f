package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pricebook/internal/domain"

	"github.com/fsnotify/fsnotify"
)

const followPollInterval = time.Second

// Reader gives random access to a log that may still be growing.
// It is safe for concurrent use and never blocks the writer.
type Reader struct {
	layout     Layout
	instrument string

	mu    sync.Mutex
	files map[int64]*os.File

	// number of files known to be full; they never change again
	fullFiles atomic.Int64
}

// OpenReader opens the log of instrument. The log does not have to exist yet.
func OpenReader(layout Layout, instrument string) (*Reader, error) {
	if !domain.ValidInstrument(instrument) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidInstrument, instrument)
	}
	return &Reader{
		layout:     layout,
		instrument: instrument,
		files:      make(map[int64]*os.File),
	}, nil
}

// Instrument returns the instrument name.
func (r *Reader) Instrument() string {
	return r.instrument
}

// Layout returns the storage layout.
func (r *Reader) Layout() Layout {
	return r.layout
}

func (r *Reader) file(n int64) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[n]; ok {
		return f, nil
	}
	f, err := os.Open(r.layout.FilePath(r.instrument, n))
	if err != nil {
		return nil, err
	}
	r.files[n] = f
	return f, nil
}

// EntryCount returns the number of entries written so far.
func (r *Reader) EntryCount() (int64, error) {
	from := r.fullFiles.Load()
	count, last, lastSize, err := r.layout.scanFiles(r.instrument, from)
	if err != nil {
		return 0, err
	}
	if last >= 0 {
		full := last
		if lastSize >= r.layout.FileCapacity*domain.EntrySize {
			full = last + 1
		}
		if full > from {
			r.fullFiles.Store(full)
		}
	}
	return count, nil
}

// BucketCount returns the number of buckets holding at least one entry.
func (r *Reader) BucketCount() (int64, error) {
	count, err := r.EntryCount()
	if err != nil {
		return 0, err
	}
	return (count + r.layout.BucketSize - 1) / r.layout.BucketSize, nil
}

// Entry returns the entry at index. ok is false when it has not been
// written yet, which is not an error.
func (r *Reader) Entry(_ context.Context, index int64) (domain.Entry, bool, error) {
	if index < 0 {
		return domain.Entry{}, false, domain.NewDataNotAvailable(r.instrument, index, 0)
	}
	fileNo, off := r.layout.Locate(index)
	f, err := r.file(fileNo)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Entry{}, false, nil
	}
	if err != nil {
		return domain.Entry{}, false, err
	}

	var buf [domain.EntrySize]byte
	n, err := f.ReadAt(buf[:], off)
	if n < domain.EntrySize {
		// a record beyond the end, or one the writer is still appending
		if err == nil || errors.Is(err, io.EOF) {
			return domain.Entry{}, false, nil
		}
		return domain.Entry{}, false, &domain.CorruptRecordError{Path: f.Name(), Offset: off, Err: err}
	}
	e, err := domain.DecodeEntry(buf[:])
	if err != nil {
		return domain.Entry{}, false, err
	}
	return e, true, nil
}

// Entries reads up to n entries starting at first. It stops early at the
// end of the written data.
func (r *Reader) Entries(ctx context.Context, first, n int64) ([]domain.Entry, error) {
	out := make([]domain.Entry, 0, min(n, r.layout.BucketSize))
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		bucket := r.layout.BucketOf(first)
		raw, err := r.BucketBytes(bucket)
		if errors.Is(err, domain.ErrDataNotAvailable) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		entries, err := domain.DecodeEntries(raw)
		if err != nil {
			return out, err
		}
		skip := first - bucket*r.layout.BucketSize
		if skip >= int64(len(entries)) {
			return out, nil
		}
		take := min(int64(len(entries))-skip, n)
		out = append(out, entries[skip:skip+take]...)
		first += take
		n -= take
		if int64(len(entries)) < r.layout.BucketSize {
			return out, nil
		}
	}
	return out, nil
}

// BucketBytes returns the raw encoded entries of one bucket. The last
// bucket may be partial.
func (r *Reader) BucketBytes(bucket int64) ([]byte, error) {
	start := bucket * r.layout.BucketSize
	if bucket < 0 {
		return nil, domain.NewDataNotAvailable(r.instrument, start, 0)
	}
	fileNo, off := r.layout.Locate(start)
	f, err := r.file(fileNo)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.NewDataNotAvailable(r.instrument, start, 0)
	}
	if err != nil {
		return nil, err
	}

	buf := make([]byte, r.layout.BucketSize*domain.EntrySize)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.CorruptRecordError{Path: f.Name(), Offset: off, Err: err}
	}
	n -= n % domain.EntrySize
	if n == 0 {
		return nil, domain.NewDataNotAvailable(r.instrument, start, 0)
	}
	return buf[:n], nil
}

func (r *Reader) bucketStart(ctx context.Context, bucket int64) (float64, error) {
	e, ok, err := r.Entry(ctx, bucket*r.layout.BucketSize)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.NewDataNotAvailable(r.instrument, bucket*r.layout.BucketSize, 0)
	}
	return e.Timestamp, nil
}

// FindIndexNear returns the first index of the last bucket whose first
// entry is at or before ts. Only bucket starts are read.
func (r *Reader) FindIndexNear(ctx context.Context, ts float64) (int64, error) {
	buckets, err := r.BucketCount()
	if err != nil {
		return 0, err
	}
	if buckets == 0 {
		return 0, domain.NewDataNotAvailable(r.instrument, -1, ts)
	}
	first, err := r.bucketStart(ctx, 0)
	if err != nil {
		return 0, err
	}
	if ts < first {
		return 0, domain.NewDataNotAvailable(r.instrument, -1, ts)
	}

	lo, hi := int64(0), buckets-1
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		start, err := r.bucketStart(ctx, mid)
		if err != nil {
			return 0, err
		}
		if start <= ts {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo * r.layout.BucketSize, nil
}

// DateRange returns the timestamps of the first and last entries.
func (r *Reader) DateRange(ctx context.Context) (first, last float64, err error) {
	count, err := r.EntryCount()
	if err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, domain.NewDataNotAvailable(r.instrument, 0, 0)
	}
	a, _, err := r.Entry(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	b, _, err := r.Entry(ctx, count-1)
	if err != nil {
		return 0, 0, err
	}
	return a.Timestamp, b.Timestamp, nil
}

// Follow calls fn with every span of entries committed at or after from,
// until ctx is done. File events trigger reads; a slow poll covers
// filesystems without notifications.
func (r *Reader) Follow(ctx context.Context, from int64, fn func(first int64, entries []domain.Entry)) error {
	dir := r.layout.Dir(r.instrument)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	deliver := func() error {
		for {
			count, err := r.EntryCount()
			if err != nil {
				return err
			}
			if count <= from {
				return nil
			}
			// one bucket at a time keeps payloads bounded
			n := min(count-from, r.layout.BucketSize)
			entries, err := r.Entries(ctx, from, n)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			fn(from, entries)
			from += int64(len(entries))
		}
	}

	if err := deliver(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Log watcher error", slog.String("instrument", r.instrument), slog.Any("error", err))
			continue
		case <-ticker.C:
		}
		if err := deliver(); err != nil {
			return err
		}
	}
}

// Close releases open files.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for n, f := range r.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.files, n)
	}
	return errors.Join(errs...)
}
