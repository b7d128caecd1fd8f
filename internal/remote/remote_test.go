package remote

import (
	"context"
	"errors"
	"math/rand"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"pricebook/internal/book"
	"pricebook/internal/diskcache"
	"pricebook/internal/domain"
	"pricebook/internal/infra"
	"pricebook/internal/logstore"
	"pricebook/internal/view"
)

const testPair = "XBT/USD"

type fixture struct {
	layout logstore.Layout
	writer *logstore.Writer
	reader *logstore.Reader
	url    string
	cancel context.CancelFunc
}

func writeRandom(t *testing.T, w *logstore.Writer, rng *rand.Rand, n int, t0 float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		isBuy := rng.Intn(2) == 0
		price := 101 + float64(rng.Intn(25))*0.5
		if isBuy {
			price = 100 - float64(rng.Intn(25))*0.5
		}
		if err := w.Write(isBuy, price, float64(rng.Intn(6)), t0+float64(i)*0.5); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if rng.Intn(4) == 0 {
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	l := logstore.Layout{Root: t.TempDir(), BucketSize: 100, FileCapacity: 1000}
	w, err := logstore.OpenWriter(l, testPair, book.DefaultConfig())
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	writeRandom(t, w, rand.New(rand.NewSource(3)), n, 1000)

	r, err := logstore.OpenReader(l, testPair)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	srv := NewServer([]*logstore.Reader{r}, ServerConfig{RequestsPerSecond: 10000, Burst: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		cancel()
		<-done
		hs.Close()
	})

	return &fixture{
		layout: l,
		writer: w,
		reader: r,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http"),
		cancel: cancel,
	}
}

func dial(t *testing.T, cfg ClientConfig) *Observer {
	t.Helper()
	o, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestObserver_Welcome(t *testing.T) {
	f := newFixture(t, 500)
	o := dial(t, ClientConfig{URL: f.url})

	if got := o.Instruments(); !reflect.DeepEqual(got, []string{testPair}) {
		t.Fatalf("Instruments() = %v", got)
	}
	r, _ := o.Reader(testPair)
	count, _ := f.reader.EntryCount()
	if r.EntryCount() != count {
		t.Errorf("EntryCount() = %d, want %d", r.EntryCount(), count)
	}
}

func TestRemoteReader_MatchesLocal(t *testing.T) {
	f := newFixture(t, 2500)
	o := dial(t, ClientConfig{URL: f.url, ReadTimeout: 5 * time.Second})
	remote, _ := o.Reader(testPair)
	ctx := context.Background()

	count, _ := f.reader.EntryCount()
	for _, idx := range []int64{0, 1, 99, 100, 101, 777, count - 1} {
		want, _, _ := f.reader.Entry(ctx, idx)
		got, ok, err := remote.Entry(ctx, idx)
		if err != nil || !ok {
			t.Fatalf("remote Entry(%d) = %v, %v", idx, ok, err)
		}
		if got != want {
			t.Errorf("Entry(%d) = %v, want %v", idx, got, want)
		}
	}
	if _, ok, err := remote.Entry(ctx, count); ok || err != nil {
		t.Errorf("Entry past the end = %v, %v, want not available", ok, err)
	}

	for _, ts := range []float64{1000, 1200, 1555.5, 2100} {
		want, err := f.reader.FindIndexNear(ctx, ts)
		if err != nil {
			t.Fatalf("local FindIndexNear(%v) failed: %v", ts, err)
		}
		got, err := remote.FindIndexNear(ctx, ts)
		if err != nil {
			t.Fatalf("remote FindIndexNear(%v) failed: %v", ts, err)
		}
		if got != want {
			t.Errorf("FindIndexNear(%v) = %d, want %d", ts, got, want)
		}
	}
	if _, err := remote.FindIndexNear(ctx, 10); !errors.Is(err, domain.ErrDataNotAvailable) {
		t.Errorf("FindIndexNear before the log: err = %v", err)
	}
}

func TestRemoteView_MatchesLocalView(t *testing.T) {
	f := newFixture(t, 2500)
	o := dial(t, ClientConfig{URL: f.url, ReadTimeout: 5 * time.Second})
	remote, _ := o.Reader(testPair)

	local := view.NewProvider(f.reader, view.DefaultProviderConfig())
	far := view.NewProvider(remote, view.DefaultProviderConfig())
	ctx := context.Background()

	for _, ts := range []float64{1100, 1300, 1301, 1800, 2200} {
		want, err := local.View(ctx, ts)
		if err != nil {
			t.Fatalf("local View(%v) failed: %v", ts, err)
		}
		got, err := far.View(ctx, ts)
		if err != nil {
			t.Fatalf("remote View(%v) failed: %v", ts, err)
		}
		if !reflect.DeepEqual(got.State(), want.State()) {
			t.Errorf("remote view at %v differs from local view", ts)
		}
	}
}

func TestObserver_ReceivesFeed(t *testing.T) {
	f := newFixture(t, 300)
	o := dial(t, ClientConfig{URL: f.url})
	remote, _ := o.Reader(testPair)
	before := remote.EntryCount()

	// give the server's follower time to start from the current end
	time.Sleep(100 * time.Millisecond)
	writeRandom(t, f.writer, rand.New(rand.NewSource(9)), 50, 5000)
	want, _ := f.reader.EntryCount()

	deadline := time.Now().Add(5 * time.Second)
	for remote.EntryCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("EntryCount() = %d after feed, want %d (was %d)", remote.EntryCount(), want, before)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// pushed entries are readable without a fetch
	e, ok, err := remote.Entry(context.Background(), want-1)
	if err != nil || !ok {
		t.Fatalf("Entry(%d) = %v, %v", want-1, ok, err)
	}
	local, _, _ := f.reader.Entry(context.Background(), want-1)
	if e != local {
		t.Errorf("pushed entry = %v, want %v", e, local)
	}
}

func TestObserver_UsesDiskCache(t *testing.T) {
	f := newFixture(t, 1000)
	cfg := ClientConfig{
		URL:         f.url,
		ReadTimeout: 5 * time.Second,
		CachePath:   filepath.Join(t.TempDir(), "buckets.bin"),
		CacheSize:   1 << 20,
	}
	ctx := context.Background()

	o := dial(t, cfg)
	r, _ := o.Reader(testPair)
	want, ok, err := r.Entry(ctx, 250)
	if err != nil || !ok {
		t.Fatalf("Entry(250) = %v, %v", ok, err)
	}
	o.Close()

	infra.GlobalMetrics.Reset()
	o = dial(t, cfg)
	r, _ = o.Reader(testPair)
	got, ok, err := r.Entry(ctx, 250)
	if err != nil || !ok {
		t.Fatalf("Entry(250) after reopen = %v, %v", ok, err)
	}
	if got != want {
		t.Errorf("cached entry = %v, want %v", got, want)
	}
	snap := infra.GlobalMetrics.Snapshot()
	if snap.DiskHits == 0 {
		t.Error("second read should hit the disk cache")
	}
}

func TestObserver_ConnectionLossReleasesReaders(t *testing.T) {
	f := newFixture(t, 500)
	o := dial(t, ClientConfig{URL: f.url})
	r, _ := o.Reader(testPair)

	f.cancel()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not notice the server closing")
	}
	if !errors.Is(o.Err(), domain.ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", o.Err())
	}

	if _, _, err := r.Entry(context.Background(), 10); !errors.Is(err, domain.ErrConnectionLost) {
		t.Errorf("Entry after loss: err = %v, want ErrConnectionLost", err)
	}
	if _, err := r.FindIndexNear(context.Background(), 1200); !errors.Is(err, domain.ErrConnectionLost) {
		t.Errorf("FindIndexNear after loss: err = %v, want ErrConnectionLost", err)
	}
}

func TestObserver_BucketErrorFailsReaders(t *testing.T) {
	f := newFixture(t, 500)
	o := dial(t, ClientConfig{URL: f.url, ReadTimeout: 5 * time.Second})
	r, _ := o.Reader(testPair)

	// Claim entries the server does not have, so its reply is an error.
	r.buckets.SetPeek(5000)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, ok, err := r.Entry(context.Background(), 2050)
		if ok || err == nil {
			t.Fatalf("read %d: ok = %v, err = %v, want an error", i, ok, err)
		}
		if errors.Is(err, domain.ErrConnectionLost) || errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("read %d: err = %v, want the server's error", i, err)
		}
		if !domain.IsRetriable(err) {
			t.Errorf("read %d: err = %v should be retriable", i, err)
		}
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("failed reads took %v, want an immediate answer", d)
	}

	if o.Err() != nil {
		t.Errorf("Err() = %v, connection should stay up", o.Err())
	}
	if _, ok, err := r.Entry(context.Background(), 10); err != nil || !ok {
		t.Errorf("Entry(10) after a failed bucket = %v, %v", ok, err)
	}
}

func TestObserver_SizesDiskCacheFromServer(t *testing.T) {
	f := newFixture(t, 1000)
	path := filepath.Join(t.TempDir(), "buckets.bin")

	// A cache file left by a client that assumed a different bucket size.
	stale, err := diskcache.Open(diskcache.Options{Path: path, SizeBytes: 1 << 20, PayloadSize: 7 * domain.EntrySize})
	if err != nil {
		t.Fatalf("diskcache.Open failed: %v", err)
	}
	stale.Close()

	o := dial(t, ClientConfig{URL: f.url, ReadTimeout: 5 * time.Second, CachePath: path, CacheSize: 1 << 20})
	if o.BucketSize() != f.layout.BucketSize {
		t.Fatalf("BucketSize() = %d, want %d", o.BucketSize(), f.layout.BucketSize)
	}
	r, _ := o.Reader(testPair)
	if _, ok, err := r.Entry(context.Background(), 150); err != nil || !ok {
		t.Fatalf("Entry(150) = %v, %v", ok, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for o.cache.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("complete bucket was not stored in the disk cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := o.cache.Get(domain.PairID(testPair), 1); !ok {
		t.Error("bucket 1 should be cached")
	}
}
