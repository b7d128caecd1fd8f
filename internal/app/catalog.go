package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricebook/internal/domain"
	"pricebook/internal/infra/storage"
	"pricebook/internal/logstore"
)

// SyncCatalog upserts one catalog row per instrument from its log on
// disk. Instruments without entries are skipped. It returns the number
// of rows written.
func SyncCatalog(ctx context.Context, store *storage.Storage, layout logstore.Layout, instruments []string, active map[string]bool) (int, error) {
	var errs []error
	synced := 0
	for _, name := range instruments {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		ok, err := syncInstrument(ctx, store, layout, name, active[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if ok {
			synced++
		}
	}
	return synced, errors.Join(errs...)
}

func syncInstrument(ctx context.Context, store *storage.Storage, layout logstore.Layout, name string, active bool) (bool, error) {
	r, err := logstore.OpenReader(layout, name)
	if err != nil {
		return false, err
	}
	defer r.Close()

	first, last, err := r.DateRange(ctx)
	if errors.Is(err, domain.ErrDataNotAvailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	count, err := r.EntryCount()
	if err != nil {
		return false, err
	}

	info := &domain.InstrumentInfo{
		Instrument:     name,
		PairID:         domain.PairID(name),
		EntryCount:     count,
		BucketCount:    (count + layout.BucketSize - 1) / layout.BucketSize,
		FirstTimestamp: first,
		LastTimestamp:  last,
		IsActive:       active,
		LastSyncedAt:   time.Now(),
	}
	// Check if exists to preserve CreatedAt
	if existing, _ := store.GetInstrument(name); existing != nil {
		info.CreatedAt = existing.CreatedAt
	}
	if err := store.UpsertInstrument(info); err != nil {
		return false, err
	}
	return true, nil
}
