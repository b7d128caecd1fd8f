package app

import (
	"context"
	"path/filepath"
	"testing"

	"pricebook/internal/book"
	"pricebook/internal/infra/storage"
	"pricebook/internal/logstore"
)

func TestSyncCatalog(t *testing.T) {
	dir := t.TempDir()
	layout := logstore.Layout{Root: filepath.Join(dir, "logs"), BucketSize: 100, FileCapacity: 1000}

	w, err := logstore.OpenWriter(layout, "XBT/USD", book.DefaultConfig())
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	for i := 0; i < 250; i++ {
		w.Write(i%2 == 0, 100+float64(i%20), 1, 1000+float64(i))
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	w.Close()

	store, err := storage.NewStorage(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	active := map[string]bool{"XBT/USD": true}
	n, err := SyncCatalog(ctx, store, layout, []string{"XBT/USD", "ETH/USD"}, active)
	if err != nil {
		t.Fatalf("SyncCatalog failed: %v", err)
	}
	if n != 1 {
		t.Errorf("synced %d instruments, want 1", n)
	}

	info, err := store.GetInstrument("XBT/USD")
	if err != nil || info == nil {
		t.Fatalf("GetInstrument = %v, %v", info, err)
	}
	if info.EntryCount < 250 || info.BucketCount != (info.EntryCount+99)/100 || !info.IsActive {
		t.Errorf("info = %+v", info)
	}
	if info.FirstTimestamp != 1000 || info.PairID != "xbt_usd" {
		t.Errorf("info = %+v", info)
	}
	if missing, _ := store.GetInstrument("ETH/USD"); missing != nil {
		t.Error("instrument without a log should not be cataloged")
	}

	// a second sync keeps the row and its creation time
	created := info.CreatedAt
	if _, err := SyncCatalog(ctx, store, layout, []string{"XBT/USD"}, nil); err != nil {
		t.Fatalf("second SyncCatalog failed: %v", err)
	}
	info, _ = store.GetInstrument("XBT/USD")
	if info.IsActive || !info.CreatedAt.Equal(created) {
		t.Errorf("after resync: active=%v created=%v, want false, %v", info.IsActive, info.CreatedAt, created)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := SyncCatalog(cancelled, store, layout, []string{"XBT/USD"}, nil); err == nil {
		t.Error("cancelled sync should fail")
	}
}
