package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"pricebook/internal/app"
	"pricebook/internal/engine"
	"pricebook/internal/event"
	"pricebook/internal/infra"
	"pricebook/internal/infra/kafka"
	"pricebook/internal/infra/kraken"
	"pricebook/internal/logstore"
	"pricebook/internal/remote"
	"pricebook/internal/service"
	"pricebook/internal/view"

	_ "net/http/pprof" // For pprof profiling
)

const (
	inboxSize           = 4096
	catalogSyncInterval = time.Minute
	shutdownTimeout     = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	mode := flag.String("mode", "record", "record | check | query")
	instrument := flag.String("instrument", "", "instrument for check and query (default: all)")
	ts := flag.Float64("ts", 0, "query time in unix seconds (default: now)")
	flag.Parse()

	if err := run(*configPath, *mode, *instrument, *ts); err != nil {
		slog.Error("❌ Exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, mode, instrument string, ts float64) error {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.Initialize(); err != nil {
		bootstrap.Close()
		return fmt.Errorf("bootstrapping failed: %w", err)
	}
	defer bootstrap.Close()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "record":
		return runRecord(ctx, bootstrap)
	case "check":
		return runCheck(ctx, bootstrap, instrument)
	case "query":
		if ts == 0 {
			ts = float64(time.Now().UnixNano()) / 1e9
		}
		return runQuery(ctx, bootstrap, instrument, ts)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func viewConfig(cfg *infra.Config) view.ProviderConfig {
	return view.ProviderConfig{
		Capacity: cfg.View.CacheCapacity,
		Budget:   cfg.View.FastForwardBudgetSec,
		Book:     cfg.BookSettings(),
	}
}

// runRecord ingests the configured instruments and serves them.
func runRecord(ctx context.Context, b *app.Bootstrap) error {
	cfg := b.Config
	if len(cfg.Feed.Instruments) == 0 {
		return errors.New("record mode needs feed.instruments")
	}

	// Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 3. Writers first: opening recovers each log
	svc := service.NewMarketService(viewConfig(cfg))
	readers := make([]*logstore.Reader, 0, len(cfg.Feed.Instruments))
	for _, name := range cfg.Feed.Instruments {
		if _, err := b.Registry.Writer(name); err != nil {
			return fmt.Errorf("open writer %s: %w", name, err)
		}
		r, err := logstore.OpenReader(b.Layout, name)
		if err != nil {
			return err
		}
		defer r.Close()
		readers = append(readers, r)
		svc.Register(r)
	}

	g, ctx := errgroup.WithContext(ctx)

	// 4. Sequencer (The Hotpath Loop)
	event.Warmup()
	seq := engine.NewSequencer(inboxSize, b.Registry, b.Storage, nil)
	g.Go(func() error {
		seq.Run(ctx)
		return nil
	})
	slog.InfoContext(ctx, "✅ Sequencer (Hotpath) started")

	// 5. Optional Kafka stream
	if len(cfg.Kafka.Brokers) > 0 {
		pub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		b.Registry.Subscribe(pub.Publish)
		g.Go(func() error { return pub.Run(ctx) })
		slog.InfoContext(ctx, "✅ Kafka publisher started", slog.String("topic", cfg.Kafka.Topic))
	}

	// 6. Book server and HTTP endpoints
	srv := remote.NewServer(readers, remote.ServerConfig{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	})
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, cfg.Server.Listen, srv) })

	gin.SetMode(gin.ReleaseMode)
	router := svc.Router(infra.MetricsHandler(infra.GlobalMetrics))
	g.Go(func() error { return serveHTTP(ctx, cfg.Server.HTTPListen, router) })
	slog.InfoContext(ctx, "✅ Servers started",
		slog.String("book_server", cfg.Server.Listen),
		slog.String("http", cfg.Server.HTTPListen))

	// 7. Background Catalog Sync
	g.Go(func() error {
		b.RunCatalogSync(ctx, catalogSyncInterval)
		return nil
	})

	// 8. Kraken Worker
	var nextSeq uint64
	worker := kraken.NewWorker(cfg.Feed.WSURL, cfg.Feed.Instruments, cfg.Book.Depth, seq.Inbox(), &nextSeq)
	if err := worker.Connect(ctx); err != nil {
		return err
	}
	defer worker.Disconnect()
	slog.InfoContext(ctx, "✅ KrakenWorker started", slog.Int("instruments", len(cfg.Feed.Instruments)))

	slog.InfoContext(ctx, "✨ Pricebook recorder fully operational. Press Ctrl+C to exit.")
	err := g.Wait()
	slog.Info("👋 Shutting down gracefully...")
	return err
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// runCheck verifies that every bucket of the recorded logs starts with an index run.
func runCheck(ctx context.Context, b *app.Bootstrap, instrument string) error {
	instruments := b.Instruments()
	if instrument != "" {
		instruments = []string{instrument}
	}

	bad := 0
	for _, name := range instruments {
		r, err := logstore.OpenReader(b.Layout, name)
		if err != nil {
			return err
		}
		res, err := r.Check(ctx)
		r.Close()
		if err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		status := "ok"
		if !res.OK() {
			status = fmt.Sprintf("%d bad buckets %v", len(res.BadBuckets), res.BadBuckets)
			bad++
		}
		fmt.Printf("%-12s entries=%d buckets=%d %s\n", name, res.Entries, res.Buckets, status)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d logs failed the check", bad, len(instruments))
	}
	return nil
}

// runQuery prints the book of one instrument, or the quotes of all, at ts.
// With client.remote_url set the logs are read from a book server.
func runQuery(ctx context.Context, b *app.Bootstrap, instrument string, ts float64) error {
	cfg := b.Config
	svc := service.NewMarketService(viewConfig(cfg))

	if cfg.Client.RemoteURL != "" {
		obs, err := remote.Dial(ctx, remote.ClientConfig{
			URL:         cfg.Client.RemoteURL,
			ReadTimeout: cfg.ReadTimeout(),
			CachePath:   cfg.Client.DiskCachePath,
			CacheSize:   cfg.Client.DiskCacheSize,
		})
		if err != nil {
			return err
		}
		defer obs.Close()
		for _, name := range obs.Instruments() {
			r, _ := obs.Reader(name)
			svc.Register(r)
		}
	} else {
		for _, name := range b.Instruments() {
			r, err := logstore.OpenReader(b.Layout, name)
			if err != nil {
				return err
			}
			defer r.Close()
			svc.Register(r)
		}
	}

	var out any
	if instrument == "" {
		quotes, err := svc.BidAsks(ctx, ts)
		if err != nil {
			return err
		}
		out = quotes
	} else {
		v, err := svc.View(ctx, instrument, ts)
		if err != nil {
			return err
		}
		out = service.NewViewResponse(instrument, ts, v)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
