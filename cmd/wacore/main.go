// Command wacore is the process entry point: it loads configuration,
// constructs every core component in dependency order (leaves first, per
// SPEC_FULL.md's component table), wires the Event Router, connects the
// whatsmeow session, and waits for TERM/INT to drive an ordered shutdown.
//
// Grounded on the teacher's WhatsAppProvider.Init (pkg/providers/whatsapp/
// provider.go: sqlstore container -> device store -> whatsmeow.NewClient)
// and 88lin-divinesense's long-running-process shape (config load, signal
// channel, graceful shutdown) rather than the teacher's own Wails app.go,
// which this rework has no use for (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waEvents "go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaywave/wacore/internal/bot"
	"github.com/relaywave/wacore/internal/cache"
	"github.com/relaywave/wacore/internal/config"
	"github.com/relaywave/wacore/internal/connection"
	"github.com/relaywave/wacore/internal/events"
	"github.com/relaywave/wacore/internal/groupmeta"
	"github.com/relaywave/wacore/internal/identity"
	"github.com/relaywave/wacore/internal/logging"
	"github.com/relaywave/wacore/internal/metrics"
	"github.com/relaywave/wacore/internal/send"
	"github.com/relaywave/wacore/internal/storage"
	"github.com/relaywave/wacore/internal/writequeue"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	root, err := logging.NewRoot(logging.Options{
		Level:  cfg.Process.LogLevel,
		Pretty: cfg.Process.NodeEnv != "production",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	log := logging.For(root, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	if cfg.Observability.MetricsPort > 0 {
		go serveMetrics(cfg.Observability.MetricsHost, cfg.Observability.MetricsPort, cfg.Observability.MetricsPath, m, logging.For(root, "metrics"))
	}

	gw, err := storage.Open(ctx, storage.Config{
		Host:            cfg.Storage.Host,
		Port:            cfg.Storage.Port,
		User:            cfg.Storage.User,
		Password:        cfg.Storage.Password,
		Database:        cfg.DatabaseName(),
		PoolSize:        cfg.Storage.PoolSize,
		MaxIdleConns:    cfg.Storage.PoolSize / 2,
		ConnMaxLifetime: time.Hour,
		SlowQuery:       time.Duration(cfg.Storage.SlowQueryMillis) * time.Millisecond,
	}, logging.For(root, "storage"))
	if err != nil {
		log.Error().Err(err).Msg("failed to open storage gateway")
		return 1
	}
	defer gw.Close()

	queue := writequeue.New(1024, gw, logging.For(root, "writequeue"))

	tier := cache.NewTier(cache.Options{
		DefaultTTL: map[cache.Kind]time.Duration{
			cache.KindMessages: 10 * time.Minute,
			cache.KindEvents:   5 * time.Minute,
			cache.KindGroups:   30 * time.Minute,
			cache.KindContacts: time.Hour,
			cache.KindChats:    30 * time.Minute,
		},
		CheckPeriod: map[cache.Kind]time.Duration{
			cache.KindMessages: time.Minute,
			cache.KindEvents:   time.Minute,
			cache.KindGroups:   5 * time.Minute,
			cache.KindContacts: 10 * time.Minute,
			cache.KindChats:    5 * time.Minute,
		},
		PerEntityMax:   cfg.Cache.PerEntityMaxKeys,
		GlobalMax:      cfg.Cache.GlobalMaxKeys,
		KeepAfterClean: cfg.Cache.KeepAfterCleanup,
	})

	idResolver := identity.New(gw, cfg.Identity.SweepBatch, logging.For(root, "identity"))
	idResolver.BindQueue(queue)
	if cfg.Identity.BackfillOnStart {
		go runBackfill(ctx, gw, idResolver, cfg.Identity.BackfillBatch, logging.For(root, "identity.backfill"))
	}
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := idResolver.ForwardSweep(ctx); err != nil {
					log.Warn().Err(err).Msg("periodic forward sweep failed")
				}
			}
		}
	}()

	groups := groupmeta.New(gw, tier, logging.For(root, "groupmeta"))

	client, err := openWhatsmeowClient(ctx, cfg.Provider.AuthDir, logging.For(root, "whatsmeow"))
	if err != nil {
		log.Error().Err(err).Msg("failed to open whatsmeow device store")
		return 1
	}

	sender := send.New(client, queue, logging.For(root, "send"))

	b := bot.New(
		logging.For(root, "bot"), gw, queue, tier, idResolver, groups, sender, m,
		bot.Options{
			CommandPrefix: cfg.Process.CommandPrefix,
			ReactEmoji:    cfg.Process.ReactEmoji,
			OwnerID:       cfg.Process.OwnerID,
			MediaRoot:     cfg.Process.MediaRoot,
			LoginBaseURL:  cfg.Process.LoginBaseURL,
		},
	)
	b.SeedPremium(ctx)

	router := events.New(logging.For(root, "router"), m)
	b.Register(router)

	sup := connection.New(connection.DefaultConfig(), logging.For(root, "connection"), router, m)

	disconnected := make(chan struct{}, 1)
	client.AddEventHandler(func(evt any) {
		switch evt.(type) {
		case *waEvents.LoggedOut:
			// Hard logout: credentials are gone, never reconnect.
			sup.HandleLogout(cfg.Provider.AuthDir)
		case *waEvents.Disconnected, *waEvents.StreamReplaced, *waEvents.ConnectFailure:
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	})

	if err := sup.Connect(ctx, client); err != nil {
		log.Error().Err(err).Msg("initial connect failed")
		return 1
	}
	b.Rebind(client)
	go func() {
		syncCtx, cancelSync := context.WithTimeout(ctx, 30*time.Second)
		defer cancelSync()
		b.SyncGroups(syncCtx)
	}()
	go sup.RunReconnectLoop(ctx, client, disconnected)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	sup.Shutdown()
	queue.Shutdown(10 * time.Second)
	cancel()
	return 0
}

// openWhatsmeowClient loads (or creates) the single device's auth state
// from the configured auth directory via whatsmeow's own sqlstore
// container, per spec §4.G's "load auth state from the configured auth
// directory (multi-file format)" — sqlstore's single SQLite file is the
// multi-table equivalent whatsmeow actually uses.
func openWhatsmeowClient(ctx context.Context, authDir string, log zerolog.Logger) (*whatsmeow.Client, error) {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}
	dbPath := authDir + "/wacore.db"
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if device.ID != nil {
		log.Debug().Str("jid", device.ID.String()).Msg("loaded paired device store")
	} else {
		log.Debug().Msg("no paired device yet, pairing required")
	}
	store.SetOSInfo("wacore", [3]uint32{1, 0, 0})
	clientLog := waLog.Stdout("Client", "WARN", true)
	return whatsmeow.NewClient(device, clientLog), nil
}

// runBackfill calls the identity resolver's Backfill once per keyset page
// of stored raw message payloads (batchSize rows a page), stopping at an
// empty or short page, or at the first read or pass error.
func runBackfill(ctx context.Context, gw *storage.Gateway, r *identity.Resolver, batchSize int, log zerolog.Logger) {
	after := ""
	for {
		batch, last, err := gw.FindRawMessagesBatch(ctx, after, batchSize)
		if err != nil {
			log.Warn().Err(err).Msg("backfill batch read failed")
			return
		}
		if len(batch) == 0 {
			return
		}
		n, err := r.Backfill(ctx, batch)
		if err != nil {
			log.Warn().Err(err).Msg("backfill pass failed")
			return
		}
		log.Debug().Int("mapped", n).Str("after", last).Msg("backfill page processed")
		after = last
		if len(batch) < batchSize {
			return
		}
	}
}

func serveMetrics(host string, port int, path string, m *metrics.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Info().Str("addr", addr).Str("path", path).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server exited")
	}
}
