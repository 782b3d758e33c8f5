// ISH is a mock smart-home server.
//
// It keeps an in-memory entity registry and serves it over a Home Assistant
// style REST API and WebSocket protocol. State history, MQTT mirroring and
// InfluxDB telemetry are optional and attach to the registry as listeners.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/ish-core/internal/api"
	"github.com/nerrad567/ish-core/internal/auth"
	"github.com/nerrad567/ish-core/internal/bridges/mqttbridge"
	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/event"
	"github.com/nerrad567/ish-core/internal/history"
	"github.com/nerrad567/ish-core/internal/infrastructure/config"
	"github.com/nerrad567/ish-core/internal/infrastructure/database"
	"github.com/nerrad567/ish-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/ish-core/internal/infrastructure/logging"
	"github.com/nerrad567/ish-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/ish-core/internal/metrics"
	"github.com/nerrad567/ish-core/internal/service"
	"github.com/nerrad567/ish-core/internal/telemetry"
	"github.com/nerrad567/ish-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is read when present; otherwise built-in defaults apply.
	defaultConfigPath = "configs/ish.yaml"

	pruneInterval      = time.Hour
	healthCheckTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled. Components
// are torn down in reverse order of construction.
func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("ish", flag.ContinueOnError)
	configFlag := flags.String("config", "", "path to the YAML config file (overrides ISH_CONFIG)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting ISH", "version", version, "commit", commit, "build_date", date)

	configPath := resolveConfigPath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	if configPath == "" {
		log.Info("no config file, using defaults")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

	store := entity.NewStore()
	store.SetLogger(log.Component("entity"))

	dispatcher := service.NewDispatcher(store)
	dispatcher.SetLogger(log.Component("service"))

	bus := event.NewBus()
	bus.SetLogger(log.Component("event"))
	store.AddListener(bus)

	m := metrics.New()
	if err := m.RegisterEntityStats(store.Domains); err != nil {
		return fmt.Errorf("registering entity metrics: %w", err)
	}
	dispatcher.AddRecorder(m)

	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database ready", "path", cfg.Database.Path)
	} else {
		log.Info("history recording disabled")
	}

	// Background workers stop after the API server, so nothing they consume
	// is still being produced.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers, wctx := errgroup.WithContext(workerCtx)
	defer func() {
		stopWorkers()
		if waitErr := workers.Wait(); waitErr != nil {
			log.Error("background worker failed", "error", waitErr)
		}
	}()

	var historyReader api.HistoryReader
	if db != nil {
		repo := history.NewSQLiteRepository(db.DB)
		recorder := history.NewRecorder(repo, 0)
		recorder.SetLogger(log.Component("history"))
		store.AddListener(recorder)
		dispatcher.AddRecorder(recorder)
		workers.Go(func() error {
			recorder.Run(wctx)
			if n := recorder.Dropped(); n > 0 {
				log.Warn("history items dropped", "count", n)
			}
			return nil
		})
		if days := cfg.Database.RetentionDays; days > 0 {
			retention := time.Duration(days) * 24 * time.Hour
			workers.Go(func() error {
				pruneHistory(wctx, repo, retention, log.Component("history"))
				return nil
			})
		}
		historyReader = repo
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, bridgeErr := mqttbridge.New(mqttbridge.Options{
			Client:     mqttClient,
			Topics:     mqttClient.Topics(),
			Dispatcher: dispatcher,
			QoS:        byte(cfg.MQTT.QoS),
			Logger:     log.Component("mqttbridge"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if err := bridge.Start(workerCtx); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer bridge.Stop()
		store.AddListener(bridge)
		unsubscribe := bus.Subscribe(event.MatchAll, bridge.HandleEvent)
		defer unsubscribe()
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		store.AddListener(telemetry.NewRecorder(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	srv, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		HomeAssistant: cfg.HomeAssistant,
		Logger:        log,
		Store:         store,
		Dispatcher:    dispatcher,
		Bus:           bus,
		Verifier:      auth.FromConfig(cfg.Security),
		History:       historyReader,
		Metrics:       m,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient, srv); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("ISH ready", "address", srv.Addr(), "websocket_path", cfg.WebSocket.Path)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-wctx.Done():
		log.Error("background worker stopped unexpectedly, shutting down")
	}
	return nil
}

// resolveConfigPath picks the -config flag, then ISH_CONFIG, then the
// default path if that file exists. An empty result means built-in defaults.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("ISH_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck checks every enabled component concurrently.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, srv *api.Server) error {
	checks := map[string]healthChecker{"api": srv}
	if db != nil {
		checks["database"] = db
	}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, c := range checks {
		g.Go(func() error {
			if err := c.HealthCheck(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// pruneHistory deletes history older than retention once at start and then
// every pruneInterval until ctx is cancelled.
func pruneHistory(ctx context.Context, repo history.Repository, retention time.Duration, log *logging.Logger) {
	prune := func() {
		n, err := repo.Prune(ctx, retention)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Error("history prune failed", "error", err)
		case n > 0:
			log.Info("history pruned", "rows", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
