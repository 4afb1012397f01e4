// Command sonicared bridges Philips Sonicare toothbrushes to Home Assistant.
//
// It follows each configured handle over Bluetooth LE, keeps sensor
// entities for its readings and publishes them through MQTT discovery and
// a small HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trymwestin/sonicare/internal/config"
	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/entry"
	"github.com/trymwestin/sonicare/internal/core/state"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
	"github.com/trymwestin/sonicare/internal/core/transport"
	"github.com/trymwestin/sonicare/internal/history"
	"github.com/trymwestin/sonicare/internal/httpapi"
	"github.com/trymwestin/sonicare/internal/integration"
	"github.com/trymwestin/sonicare/internal/logging"
	"github.com/trymwestin/sonicare/internal/mqtt"
	"github.com/trymwestin/sonicare/internal/store"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

const (
	defaultConfigPath = "/config/sonicared.yaml"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting sonicared", "version", version, "commit", commit)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output}, version)
	log.Info("configuration loaded", "path", configPath, "entries", len(cfg.Entries))

	// --- Persistence ---

	db, err := store.Open(store.Config{Path: cfg.Store.Path, WALMode: cfg.Store.WALMode, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if err := db.Close(); err != nil {
			log.Error("error closing database", "error", err)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus := state.NewEventBus(log.With("component", "eventbus"))
	states := state.NewStateStore(bus, log.With("component", "state"))

	recorder := store.NewRecorder(db, bus, log.With("component", "recorder"))
	recorder.Start()
	defer recorder.Stop()

	if cfg.History.Enabled {
		influx, err := history.Connect(history.Config{
			Enabled:       true,
			URL:           cfg.History.URL,
			Token:         cfg.History.Token,
			Org:           cfg.History.Org,
			Bucket:        cfg.History.Bucket,
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
		}, log.With("component", "history"))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer influx.Close()
		hist := history.NewRecorder(influx, states, bus, log.With("component", "history"))
		hist.Start()
		defer hist.Stop()
		log.Info("InfluxDB history enabled", "url", cfg.History.URL, "bucket", cfg.History.Bucket)
	}

	// --- Bluetooth ---

	adapter := openAdapter(cfg.Bluetooth.Adapter)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}
	registry := bluetooth.NewRegistry(
		bluetooth.NewAdapterScanner(adapter, log.With("component", "scanner"), toothbrush.ServiceUUID),
		cfg.Bluetooth.StaleAfter,
		log.With("component", "bluetooth"),
	)
	scanCtx, stopScan := context.WithCancel(context.Background())
	defer stopScan()
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		if err := registry.Run(scanCtx); err != nil {
			log.Error("bluetooth scan stopped", "error", err)
		}
	}()
	dialer := transport.NewAdapterDialer(adapter, log.With("component", "transport"))

	// --- Entries ---

	integ := integration.New(registry, dialer, states, db, entry.NewRegistry[*integration.Data](), integration.Options{
		DeviceTimeout:    cfg.Bluetooth.DeviceTimeout,
		UnavailableAfter: cfg.Bluetooth.UnavailableAfter,
		Client:           toothbrush.Options{},
	}, log.With("component", "integration"))
	manager := entry.NewManager(integ, states, db, entry.ManagerOptions{}, log.With("component", "entries"))

	stored, err := db.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading stored entries: %w", err)
	}
	for _, e := range store.ApplyOverrides(cfg.Entries, stored) {
		if _, err := manager.Add(e); err != nil {
			return fmt.Errorf("adding entry: %w", err)
		}
	}

	// --- Outer surfaces ---

	var publisher mqtt.Publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			NodeID:          cfg.MQTT.NodeID,
		}, states, bus, log.With("component", "mqtt"))
	}
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("starting MQTT publisher: %w", err)
	}

	api := httpapi.NewServer(manager, registry, states, bus, version, cfg.HTTP.CORSAll, log.With("component", "httpapi"))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
		}
	}()

	go manager.SetupAll(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, log, api, httpServer, manager, publisher)

	stopScan()
	<-scanDone

	log.Info("sonicared stopped")
	return nil
}

// shutdown stops the outer surfaces, then every entry. The database is
// closed by run's deferred calls afterwards.
func shutdown(ctx context.Context, log *slog.Logger, api *httpapi.Server, srv *http.Server, manager *entry.Manager, publisher mqtt.Publisher) {
	api.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		log.Warn("entry shutdown reported errors", "error", err)
	}
	if err := publisher.Stop(ctx); err != nil {
		log.Warn("MQTT shutdown failed", "error", err)
	}
}

// getConfigPath returns SONICARE_CONFIG when set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("SONICARE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
