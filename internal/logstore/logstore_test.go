package logstore

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"pricebook/internal/book"
	"pricebook/internal/domain"
)

const testPair = "XBT/USD"

func testLayout(t *testing.T, bucket, capacity int64) Layout {
	t.Helper()
	l := Layout{Root: t.TempDir(), BucketSize: bucket, FileCapacity: capacity}
	if err := l.Validate(book.DefaultDepth); err != nil {
		t.Fatalf("invalid test layout: %v", err)
	}
	return l
}

func openTestWriter(t *testing.T, l Layout) *Writer {
	t.Helper()
	w, err := OpenWriter(l, testPair, book.DefaultConfig())
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	w.now = func() time.Time { return time.Unix(1_000_000, 0) }
	t.Cleanup(func() { w.Close() })
	return w
}

func openTestReader(t *testing.T, l Layout) *Reader {
	t.Helper()
	r, err := OpenReader(l, testPair)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustFlush(t *testing.T, w *Writer) {
	t.Helper()
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

// seedBook writes depth levels on both sides so the running book is ready.
func seedBook(t *testing.T, w *Writer, ts float64) {
	t.Helper()
	for i := 0; i < book.DefaultDepth; i++ {
		w.Write(true, 100-float64(i)*0.5, 1, ts)
		w.Write(false, 101+float64(i)*0.5, 1, ts)
	}
	mustFlush(t, w)
}

// writeStream writes n random updates with occasional deletes, resets and flushes.
func writeStream(t *testing.T, w *Writer, rng *rand.Rand, n int, t0 float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts := t0 + float64(i)*0.5
		isBuy := rng.Intn(2) == 0
		price := 101 + float64(rng.Intn(30))*0.5
		if isBuy {
			price = 100 - float64(rng.Intn(30))*0.5
		}
		switch r := rng.Intn(60); {
		case r == 0:
			w.Reset(isBuy)
		case r < 8:
			w.Write(isBuy, price, 0, ts)
		default:
			w.Write(isBuy, price, float64(1+rng.Intn(20)), ts)
		}
		if rng.Intn(7) == 0 {
			mustFlush(t, w)
		}
	}
	mustFlush(t, w)
}

func replay(t *testing.T, r *Reader, from, to int64) *book.Processor {
	t.Helper()
	entries, err := r.Entries(context.Background(), from, to-from)
	if err != nil {
		t.Fatalf("Entries(%d, %d) failed: %v", from, to, err)
	}
	if int64(len(entries)) != to-from {
		t.Fatalf("Entries(%d, %d) returned %d entries", from, to, len(entries))
	}
	p := book.New(book.DefaultConfig())
	for _, e := range entries {
		p.Accept(e)
	}
	return p
}

func assertIndexLocality(t *testing.T, r *Reader) {
	t.Helper()
	ctx := context.Background()
	count, err := r.EntryCount()
	if err != nil {
		t.Fatalf("EntryCount failed: %v", err)
	}
	bucket := r.Layout().BucketSize

	for start := bucket; start < count; start += bucket {
		e, ok, err := r.Entry(ctx, start)
		if err != nil || !ok {
			t.Fatalf("Entry(%d) = %v, %v", start, ok, err)
		}
		if !e.IsIndex || !e.IsReset {
			t.Fatalf("bucket boundary %d holds %v, want index marker", start, e)
		}

		end := min(start+bucket+bucket/2, count)
		fromZero := replay(t, r, 0, end).Snapshot(0)
		fromBoundary := replay(t, r, start, end).Snapshot(0)
		if !reflect.DeepEqual(fromZero, fromBoundary) {
			t.Fatalf("replay from %d to %d differs from replay from 0", start, end)
		}
	}
}

func TestWriter_IndexLocality(t *testing.T) {
	l := testLayout(t, 100, 300)
	w := openTestWriter(t, l)
	seedBook(t, w, 1)
	writeStream(t, w, rand.New(rand.NewSource(42)), 1500, 10)

	r := openTestReader(t, l)
	count, _ := r.EntryCount()
	if count != w.NextIndex() {
		t.Fatalf("reader count %d, writer next %d", count, w.NextIndex())
	}
	if count < 1500 {
		t.Fatalf("expected at least 1500 entries, got %d", count)
	}
	assertIndexLocality(t, r)
}

func TestWriter_HoldsBackColdBoundary(t *testing.T) {
	l := testLayout(t, 100, 1000)
	w := openTestWriter(t, l)

	// buy side only: the book never becomes ready
	for i := 0; i < 150; i++ {
		w.Write(true, 100-float64(i%20), 1, float64(i))
	}
	mustFlush(t, w)
	if got := w.NextIndex(); got != 100 {
		t.Fatalf("NextIndex = %d, want 100 while the boundary is cold", got)
	}

	for i := 0; i < book.DefaultDepth; i++ {
		w.Write(false, 200+float64(i), 1, 200)
		mustFlush(t, w)
	}

	r := openTestReader(t, l)
	e, ok, err := r.Entry(context.Background(), 100)
	if err != nil || !ok {
		t.Fatalf("Entry(100) = %v, %v", ok, err)
	}
	if !e.IsIndex || !e.IsReset || !e.IsBuy || e.Volume != float64(book.DefaultDepth) {
		t.Errorf("boundary entry = %+v, want buy index marker", e)
	}
	// two aliased sides of depth 10: 2 markers + 20 levels
	if got := w.NextIndex(); got != 122 {
		t.Errorf("NextIndex = %d, want 122", got)
	}
	assertIndexLocality(t, r)
}

func TestWriter_FlushMarksLastEntry(t *testing.T) {
	l := testLayout(t, 100, 1000)
	w := openTestWriter(t, l)

	var (
		mu     sync.Mutex
		spans  [][]domain.Entry
		firsts []int64
	)
	w.Subscribe(func(instrument string, first int64, entries []domain.Entry) {
		if instrument != testPair {
			t.Errorf("subscriber got instrument %q", instrument)
		}
		mu.Lock()
		defer mu.Unlock()
		firsts = append(firsts, first)
		spans = append(spans, entries)
	})

	w.Write(true, 10, 1, 1)
	w.Write(false, 11, 1, 1)
	w.Reset(true)
	mustFlush(t, w)
	w.Write(true, 9, 1, 2)
	mustFlush(t, w)
	mustFlush(t, w) // empty flush is a no-op

	if len(spans) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(spans))
	}
	if firsts[0] != 0 || firsts[1] != 3 {
		t.Errorf("first indices = %v, want [0 3]", firsts)
	}
	if spans[0][0].IsFlush || spans[0][1].IsFlush || !spans[0][2].IsFlush {
		t.Errorf("only the last entry of a flush carries the flush bit: %+v", spans[0])
	}
	if !spans[0][2].IsReset || spans[0][2].Timestamp != 1_000_000 {
		t.Errorf("reset entry = %+v", spans[0][2])
	}

	r := openTestReader(t, l)
	e, ok, _ := r.Entry(context.Background(), 2)
	if !ok || !e.IsFlush || !e.IsReset {
		t.Errorf("stored entry 2 = %+v", e)
	}
}

func TestWriter_RejectsNonFinite(t *testing.T) {
	l := testLayout(t, 100, 1000)
	w := openTestWriter(t, l)

	if err := w.Write(true, 1, math.NaN(), 1); err == nil {
		t.Error("expected error for NaN volume")
	}
	if got := w.NextIndex(); got != 0 {
		t.Errorf("NextIndex = %d after rejected write", got)
	}
}

func TestWriter_Rotation(t *testing.T) {
	l := testLayout(t, 100, 300)
	w := openTestWriter(t, l)

	var all []domain.Entry
	w.Subscribe(func(_ string, first int64, entries []domain.Entry) {
		if first != int64(len(all)) {
			t.Errorf("span starts at %d, want %d", first, len(all))
		}
		all = append(all, entries...)
	})

	seedBook(t, w, 1)
	writeStream(t, w, rand.New(rand.NewSource(5)), 800, 2)

	for n := int64(0); n < 2; n++ {
		info, err := os.Stat(l.FilePath(testPair, n))
		if err != nil {
			t.Fatalf("file %d missing: %v", n, err)
		}
		if info.Size() != 300*domain.EntrySize {
			t.Errorf("file %d size = %d, want %d", n, info.Size(), 300*domain.EntrySize)
		}
	}

	r := openTestReader(t, l)
	for i, want := range all {
		got, ok, err := r.Entry(context.Background(), int64(i))
		if err != nil || !ok {
			t.Fatalf("Entry(%d) = %v, %v", i, ok, err)
		}
		if got != want {
			t.Fatalf("Entry(%d) = %+v, want %+v", i, got, want)
		}
	}
	if _, ok, err := r.Entry(context.Background(), int64(len(all))); ok || err != nil {
		t.Errorf("entry past the end should be absent without error, got %v, %v", ok, err)
	}
}

func TestOpenWriter_TruncatesPartialRecord(t *testing.T) {
	l := testLayout(t, 100, 1000)
	w := openTestWriter(t, l)
	seedBook(t, w, 1)
	next := w.NextIndex()
	w.Close()

	path := l.FilePath(testPair, 0)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{1, 2, 3, 4, 5, 6, 7})
	f.Close()

	_, err = OpenWriter(l, testPair, book.DefaultConfig())
	if !errors.Is(err, domain.ErrCorruptRecord) || !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected misalignment error, got %v", err)
	}
	info, _ := os.Stat(path)
	if info.Size() != next*domain.EntrySize {
		t.Errorf("file size after truncation = %d, want %d", info.Size(), next*domain.EntrySize)
	}

	w2, err := OpenWriter(l, testPair, book.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen after truncation failed: %v", err)
	}
	defer w2.Close()
	if w2.NextIndex() != next {
		t.Errorf("NextIndex = %d, want %d", w2.NextIndex(), next)
	}
}

func TestWriter_RestartKeepsIndexRuns(t *testing.T) {
	l := testLayout(t, 100, 300)
	rng := rand.New(rand.NewSource(9))

	w := openTestWriter(t, l)
	seedBook(t, w, 1)
	writeStream(t, w, rng, 250, 2)
	bid, ask, _ := w.BidAsk()
	w.Close()

	w2 := openTestWriter(t, l)
	if b2, a2, ok := w2.BidAsk(); !ok || b2 != bid || a2 != ask {
		t.Errorf("recovered BidAsk = (%v, %v, %v), want (%v, %v)", b2, a2, ok, bid, ask)
	}
	writeStream(t, w2, rng, 600, 500)

	assertIndexLocality(t, openTestReader(t, l))
}

func TestReader_FindIndexNear(t *testing.T) {
	l := testLayout(t, 1000, DefaultFileCapacity)
	r := openTestReader(t, l)
	ctx := context.Background()

	if _, err := r.FindIndexNear(ctx, 5); !errors.Is(err, domain.ErrDataNotAvailable) {
		t.Errorf("empty log: expected data not available, got %v", err)
	}

	w := openTestWriter(t, l)
	for i := 0; i < 2500; i++ {
		isBuy := i%2 == 0
		price := 101 + float64(i%20)
		if isBuy {
			price = 100 - float64(i%20)
		}
		w.Write(isBuy, price, 1, 1000+float64(i))
		if i%10 == 9 {
			mustFlush(t, w)
		}
	}
	mustFlush(t, w)

	target, ok, err := r.Entry(ctx, 2100)
	if err != nil || !ok {
		t.Fatalf("Entry(2100) = %v, %v", ok, err)
	}
	got, err := r.FindIndexNear(ctx, target.Timestamp)
	if err != nil {
		t.Fatalf("FindIndexNear failed: %v", err)
	}
	if got != 2000 {
		t.Errorf("FindIndexNear(ts of 2100) = %d, want 2000", got)
	}

	tests := []struct {
		ts   float64
		want int64
	}{
		{1000, 0},
		{1500, 0},
		{1e12, 2000},
	}
	for _, tt := range tests {
		if got, err := r.FindIndexNear(ctx, tt.ts); err != nil || got != tt.want {
			t.Errorf("FindIndexNear(%v) = %d, %v, want %d", tt.ts, got, err, tt.want)
		}
	}

	if _, err := r.FindIndexNear(ctx, 999); !errors.Is(err, domain.ErrDataNotAvailable) {
		t.Errorf("before first entry: expected data not available, got %v", err)
	}
}

func TestReader_BucketBytes(t *testing.T) {
	l := testLayout(t, 100, 300)
	w := openTestWriter(t, l)
	seedBook(t, w, 1)
	writeStream(t, w, rand.New(rand.NewSource(1)), 230, 2)

	r := openTestReader(t, l)
	count, _ := r.EntryCount()
	buckets, _ := r.BucketCount()

	for b := int64(0); b < buckets; b++ {
		raw, err := r.BucketBytes(b)
		if err != nil {
			t.Fatalf("BucketBytes(%d) failed: %v", b, err)
		}
		want := min(int64(100), count-b*100)
		if int64(len(raw)) != want*domain.EntrySize {
			t.Errorf("bucket %d has %d bytes, want %d entries", b, len(raw), want)
		}
	}
	if _, err := r.BucketBytes(buckets); !errors.Is(err, domain.ErrDataNotAvailable) {
		t.Errorf("bucket past the end: expected data not available, got %v", err)
	}
}

func TestReader_Check(t *testing.T) {
	l := Layout{Root: t.TempDir(), BucketSize: 10, FileCapacity: 100}
	if err := os.MkdirAll(l.Dir(testPair), 0755); err != nil {
		t.Fatal(err)
	}
	entries := make([]domain.Entry, 25)
	for i := range entries {
		entries[i] = domain.Entry{IsBuy: i%2 == 0, Price: float64(i), Volume: 1, Timestamp: float64(i)}
	}
	entries[10] = domain.Entry{IsIndex: true, IsReset: true, IsBuy: true, Price: -1}
	if err := os.WriteFile(l.FilePath(testPair, 0), domain.EncodeEntries(entries), 0644); err != nil {
		t.Fatal(err)
	}

	r := openTestReader(t, l)
	res, err := r.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.OK() || !reflect.DeepEqual(res.BadBuckets, []int64{2}) {
		t.Errorf("BadBuckets = %v, want [2]", res.BadBuckets)
	}
	if res.Entries != 25 || res.Buckets != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReader_Follow(t *testing.T) {
	l := testLayout(t, 100, 300)
	w := openTestWriter(t, l)
	r := openTestReader(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan int64, 64)
	done := make(chan error, 1)
	go func() {
		next := int64(0)
		done <- r.Follow(ctx, 0, func(first int64, entries []domain.Entry) {
			if first != next {
				t.Errorf("span starts at %d, want %d", first, next)
			}
			next = first + int64(len(entries))
			got <- next
		})
	}()

	seedBook(t, w, 1)
	writeStream(t, w, rand.New(rand.NewSource(2)), 400, 2)
	want := w.NextIndex()

	deadline := time.After(10 * time.Second)
	for seen := int64(0); seen < want; {
		select {
		case seen = <-got:
		case <-deadline:
			t.Fatalf("followed %d of %d entries", seen, want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Follow returned %v", err)
	}
}

func TestRegistry(t *testing.T) {
	l := testLayout(t, 100, 300)
	reg := NewRegistry(l, book.DefaultConfig())
	defer reg.Close()

	var mu sync.Mutex
	seen := map[string]int{}
	reg.Subscribe(func(instrument string, _ int64, entries []domain.Entry) {
		mu.Lock()
		seen[instrument] += len(entries)
		mu.Unlock()
	})

	a, err := reg.Writer("XBT/USD")
	if err != nil {
		t.Fatalf("Writer failed: %v", err)
	}
	again, _ := reg.Writer("XBT/USD")
	if a != again {
		t.Error("registry should return the open writer")
	}
	b, err := reg.Writer("ETH/USD")
	if err != nil {
		t.Fatalf("Writer failed: %v", err)
	}

	a.Write(true, 1, 1, 1)
	mustFlush(t, a)
	b.Write(false, 2, 1, 1)
	b.Write(false, 3, 1, 1)
	mustFlush(t, b)

	if got := reg.Instruments(); !reflect.DeepEqual(got, []string{"ETH/USD", "XBT/USD"}) {
		t.Errorf("Instruments = %v", got)
	}
	if seen["XBT/USD"] != 1 || seen["ETH/USD"] != 2 {
		t.Errorf("subscriber saw %v", seen)
	}

	if _, err := reg.Writer("../x"); !errors.Is(err, domain.ErrInvalidInstrument) {
		t.Errorf("expected invalid instrument, got %v", err)
	}

	reg.Close()
	if _, err := reg.Writer("DOT/USD"); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("expected closed registry error, got %v", err)
	}
}

func TestLayout_Validate(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		wantErr bool
	}{
		{"default", DefaultLayout("/tmp/x"), false},
		{"no root", Layout{BucketSize: 100, FileCapacity: 1000}, true},
		{"capacity not multiple", Layout{Root: "x", BucketSize: 100, FileCapacity: 1050}, true},
		{"bucket too small for run", Layout{Root: "x", BucketSize: 40, FileCapacity: 400}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate(book.DefaultDepth)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	l := DefaultLayout("/data")
	if got := l.FilePath("XBT/USD", 3); got != "/data/xbt_usd/pair_xbt_usd_3.book" {
		t.Errorf("FilePath = %q", got)
	}
	if f, off := l.Locate(2_000_010); f != 2 || off != 10*domain.EntrySize {
		t.Errorf("Locate = (%d, %d)", f, off)
	}
}
