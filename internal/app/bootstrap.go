package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pricebook/internal/infra"
	"pricebook/internal/infra/storage"
	"pricebook/internal/logstore"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config
	Layout     logstore.Layout
	Storage    *storage.Storage
	Registry   *logstore.Registry
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads configuration and opens local storage. Writers are
// opened later, on first use.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping pricebook...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Storage layout
	b.Layout = logstore.Layout{
		Root:         cfg.Storage.Root,
		BucketSize:   cfg.Storage.BucketSize,
		FileCapacity: cfg.Storage.FileCapacity,
	}
	if err := b.Layout.Validate(cfg.Book.Depth); err != nil {
		return err
	}
	b.Registry = logstore.NewRegistry(b.Layout, cfg.BookSettings())
	slog.Info("✅ Log storage ready", slog.String("root", b.Layout.Root))

	// 4. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.CatalogPath)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Catalog initialized", slog.String("path", cfg.Storage.CatalogPath))

	return nil
}

// Instruments returns the configured feed instruments and every
// instrument already in the catalog, without duplicates.
func (b *Bootstrap) Instruments() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range b.Config.Feed.Instruments {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	infos, err := b.Storage.GetAllInstruments()
	if err != nil {
		slog.Warn("Failed to list catalog", slog.Any("error", err))
	}
	for _, info := range infos {
		if !seen[info.Instrument] {
			seen[info.Instrument] = true
			out = append(out, info.Instrument)
		}
	}
	return out
}

// RunCatalogSync refreshes the catalog now and then every interval
// until ctx is done.
func (b *Bootstrap) RunCatalogSync(ctx context.Context, interval time.Duration) {
	active := make(map[string]bool, len(b.Config.Feed.Instruments))
	for _, name := range b.Config.Feed.Instruments {
		active[name] = true
	}

	refresh := func() {
		n, err := SyncCatalog(ctx, b.Storage, b.Layout, b.Instruments(), active)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Catalog sync incomplete", slog.Any("error", err))
		}
		slog.Debug("Catalog synchronized", slog.Int("instruments", n))
	}

	slog.Info("🔄 Starting catalog synchronization...")
	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Close releases writers and the catalog.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Registry != nil {
		errs = append(errs, b.Registry.Close())
	}
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	return errors.Join(errs...)
}
