package logstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"pricebook/internal/book"
	"pricebook/internal/domain"
	"pricebook/internal/infra"
)

// ErrMisaligned is wrapped by the error returned when a log ended with a
// partial record. The record has already been truncated.
var ErrMisaligned = errors.New("log ends with a partial record")

// Writer appends entries for one instrument. Only one writer per
// instrument may exist across all processes.
type Writer struct {
	layout     Layout
	instrument string

	mu      sync.Mutex
	file    *os.File
	fileNo  int64
	next    int64
	pending []domain.Entry
	proc    *book.Processor
	subs    []domain.EntrySubscriber
	err     error
	closed  bool

	now func() time.Time
}

// OpenWriter opens or creates the log of instrument and recovers the next
// logical index and the running book from the files on disk.
func OpenWriter(layout Layout, instrument string, cfg book.Config) (*Writer, error) {
	if !domain.ValidInstrument(instrument) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidInstrument, instrument)
	}
	if err := os.MkdirAll(layout.Dir(instrument), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	count, last, lastSize, err := layout.scanFiles(instrument, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan log files: %w", err)
	}

	if rem := lastSize % domain.EntrySize; rem != 0 {
		path := layout.FilePath(instrument, last)
		keep := lastSize - rem
		if err := os.Truncate(path, keep); err != nil {
			return nil, fmt.Errorf("failed to truncate %s: %w", path, err)
		}
		slog.Error("Truncated partial trailing record",
			slog.String("instrument", instrument),
			slog.String("file", path),
			slog.Int64("offset", keep),
			slog.Int64("dropped_bytes", rem))
		return nil, &domain.CorruptRecordError{Path: path, Offset: keep, Err: ErrMisaligned}
	}

	if last < 0 {
		last = 0
	}
	file, err := os.OpenFile(layout.FilePath(instrument, last), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	w := &Writer{
		layout:     layout,
		instrument: instrument,
		file:       file,
		fileNo:     last,
		next:       count,
		proc:       book.New(cfg),
		now:        time.Now,
	}
	if err := w.recover(cfg); err != nil {
		file.Close()
		return nil, err
	}

	slog.Info("Log writer opened",
		slog.String("instrument", instrument),
		slog.Int64("next_index", w.next),
		slog.Int64("file", w.fileNo))
	return w, nil
}

// recover rebuilds the running book by replaying from the last bucket boundary.
func (w *Writer) recover(cfg book.Config) error {
	if w.next == 0 {
		return nil
	}
	start := w.layout.BucketOf(w.next-1) * w.layout.BucketSize

	r, err := OpenReader(w.layout, w.instrument)
	if err != nil {
		return err
	}
	defer r.Close()

	entries, err := r.Entries(context.Background(), start, w.next-start)
	if err != nil {
		return fmt.Errorf("failed to replay log tail: %w", err)
	}
	for _, e := range entries {
		w.proc.Accept(e)
	}
	return nil
}

// Instrument returns the instrument name.
func (w *Writer) Instrument() string {
	return w.instrument
}

// Write buffers a level update. Non-finite values are rejected.
func (w *Writer) Write(isBuy bool, price, volume, timestamp float64) error {
	for _, v := range [...]float64{price, volume, timestamp} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("write %s: non-finite value in (%v, %v, %v)", w.instrument, price, volume, timestamp)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, domain.Entry{IsBuy: isBuy, Price: price, Volume: volume, Timestamp: timestamp})
	return nil
}

// Reset buffers a reset marker for one side, stamped with wall-clock time.
func (w *Writer) Reset(isBuy bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := float64(w.now().UnixNano()) / 1e9
	w.pending = append(w.pending, domain.Entry{IsBuy: isBuy, IsReset: true, Timestamp: ts})
}

// Flush commits buffered entries. At each bucket boundary the boundary
// entry is folded into an index run written in its place; while the book
// is not ready the boundary entry is held back and the boundary retried.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return domain.ErrClosed
	}
	if w.err != nil {
		w.mu.Unlock()
		return w.err
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}

	first := w.next
	committed := make([]domain.Entry, 0, len(w.pending))
	var heldBack, runs int64

	for _, e := range w.pending {
		w.proc.Accept(e)

		if w.next > 0 && w.next%w.layout.BucketSize == 0 {
			if !w.proc.IsReady() {
				heldBack++
				continue
			}
			run := w.proc.IndexRun()
			committed = append(committed, run...)
			w.next += int64(len(run))
			runs++
			continue
		}
		committed = append(committed, e)
		w.next++
	}
	w.pending = w.pending[:0]

	if len(committed) > 0 {
		committed[len(committed)-1].IsFlush = true
		if err := w.persist(first, committed); err != nil {
			w.err = err
			w.mu.Unlock()
			return err
		}
	}
	subs := w.subs
	w.mu.Unlock()

	infra.GlobalMetrics.RecordEntriesWritten(len(committed))
	if runs > 0 {
		infra.GlobalMetrics.RecordIndexRuns(runs)
	}
	if heldBack > 0 {
		infra.GlobalMetrics.RecordHeldBack(heldBack)
		slog.Debug("Held back entries at cold bucket boundary",
			slog.String("instrument", w.instrument),
			slog.Int64("index", w.next),
			slog.Int64("count", heldBack))
	}

	if len(committed) > 0 {
		for _, fn := range subs {
			fn(w.instrument, first, committed)
		}
	}
	return nil
}

// persist writes entries starting at logical index first, rotating files
// at capacity boundaries. Must be called with lock held.
func (w *Writer) persist(first int64, entries []domain.Entry) error {
	buf := make([]byte, 0, len(entries)*domain.EntrySize)
	for i, e := range entries {
		fileNo, _ := w.layout.Locate(first + int64(i))
		if fileNo != w.fileNo {
			if err := w.writeOut(buf); err != nil {
				return err
			}
			buf = buf[:0]
			if err := w.rotate(fileNo); err != nil {
				return err
			}
		}
		buf = domain.AppendEntry(buf, e)
	}
	return w.writeOut(buf)
}

func (w *Writer) writeOut(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to append to %s: %w", w.file.Name(), err)
	}
	return nil
}

func (w *Writer) rotate(fileNo int64) error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	path := w.layout.FilePath(w.instrument, fileNo)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	w.file = file
	w.fileNo = fileNo
	slog.Info("Log file rotated", slog.String("instrument", w.instrument), slog.String("file", path))
	return nil
}

// Subscribe registers fn to receive every committed span after a flush.
// fn runs on the flushing goroutine and must not block.
func (w *Writer) Subscribe(fn domain.EntrySubscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// NextIndex returns the logical index the next committed entry will get.
func (w *Writer) NextIndex() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// BidAsk returns the running book's best prices.
func (w *Writer) BidAsk() (bid, ask float64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.proc.BidAsk()
}

// Inspect runs fn with the running book under the writer lock.
// fn must not retain p.
func (w *Writer) Inspect(fn func(p *book.Processor, next int64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.proc, w.next)
}

// Close closes the current file. Buffered entries that were not flushed are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if n := len(w.pending); n > 0 {
		slog.Warn("Dropping unflushed entries", slog.String("instrument", w.instrument), slog.Int("count", n))
	}
	return w.file.Close()
}
