// Command telemetryd runs the fleet telemetry service: HTTP and WebSocket
// APIs, the Kafka pipeline workers and the Postgres retention maintenance.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleetpulse/telemetryd/internal/archive"
	"github.com/fleetpulse/telemetryd/internal/auth"
	"github.com/fleetpulse/telemetryd/internal/broker"
	"github.com/fleetpulse/telemetryd/internal/bus"
	"github.com/fleetpulse/telemetryd/internal/cache"
	"github.com/fleetpulse/telemetryd/internal/config"
	"github.com/fleetpulse/telemetryd/internal/db"
	"github.com/fleetpulse/telemetryd/internal/fanout"
	"github.com/fleetpulse/telemetryd/internal/gate"
	"github.com/fleetpulse/telemetryd/internal/http"
	"github.com/fleetpulse/telemetryd/internal/ingest"
	"github.com/fleetpulse/telemetryd/internal/maintenance"
	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/persist"
	"github.com/fleetpulse/telemetryd/internal/query"
	"github.com/fleetpulse/telemetryd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "maintenance":
		runMaintenance(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `telemetryd - fleet telemetry ingestion and live tracking service

Usage:
  telemetryd <command> [flags]

Commands:
  serve        Run the API server and pipeline workers
  migrate      Apply database migrations and exit
  maintenance  Run one retention pass and exit
  help         Show this help

Flags:
  --config <path>      Path to YAML config file
  --log-level <level>  Log level: debug, info, warn, error
`)
}

func parseFlags(args []string) (configPath, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return configPath, logLevel
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevel := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel == "" {
		logLevel = cfg.Service.LogLevel
	}

	logger, err := initLogger(logLevel, cfg.Service.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger
}

func initLogger(level, env string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if env == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}

func runServe(args []string) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting telemetryd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("listen_addr", cfg.Service.ListenAddr),
		zap.String("env", cfg.Service.Env),
		zap.String("postgres", redactDSN(cfg.Postgres.DSN)),
		zap.Bool("kafka_enabled", cfg.BusEnabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to create database pool", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, logger.Named("store"))

	hot := buildCache(ctx, cfg, logger)
	defer hot.Close()

	gateSvc := gate.New(hot, gate.Config{
		RateMax:      cfg.Gate.RateMax,
		Window:       time.Duration(cfg.Gate.RateWindowMs) * time.Millisecond,
		MinMoveM:     cfg.Gate.MinMoveM,
		RetryAfterMS: cfg.Gate.RetryAfterMs,
		NextPingMS:   cfg.Gate.NextPingMs,
	}, logger.Named("gate"))

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build kafka TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	publisher, err := bus.NewPublisher(bus.PublisherConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Topics: bus.Topics{
			Locations: cfg.Kafka.Locations.Topic,
			Events:    cfg.Kafka.Events.Topic,
			Alerts:    cfg.Kafka.Alerts.Topic,
		},
		TLS:  tlsCfg,
		SASL: saslMech,
	}, logger.Named("bus.publisher"))
	if err != nil {
		logger.Fatal("failed to create kafka publisher", zap.Error(err))
	}
	defer publisher.Close()

	if cfg.BusEnabled() {
		if err := ensureTopics(ctx, cfg, tlsCfg, saslMech, logger); err != nil {
			logger.Fatal("failed to ensure kafka topics", zap.Error(err))
		}
	}

	hub := broker.NewHub(broker.Config{
		SendBufferSize: cfg.Broker.SendBufferSize,
		SweepInterval:  time.Duration(cfg.Broker.SweepIntervalSeconds) * time.Second,
		NearbyRadiusKM: cfg.Broker.NearbyRadiusKM,
		ClientURL:      cfg.Service.ClientURL,
	}, logger.Named("broker"))

	ingestSvc := ingest.New(hot, gateSvc, publisher, st, hub, ingest.Config{
		BatchMax:   cfg.Ingest.BatchMax,
		SOSIPLimit: cfg.SOS.IPLimit24h,
	}, logger.Named("ingest"))
	querySvc := query.New(hot, st, logger.Named("query"))
	hub.SetIngester(ingestSvc)
	hub.SetQuerier(querySvc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	consumers := make(map[string]http.ConsumerStatus)
	if cfg.BusEnabled() {
		type worker struct {
			name    string
			groupID string
			topics  []string
			pipe    interface {
				Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record)
			}
		}

		writer := persist.NewWriter(st, logger.Named("persist.writer"))
		workers := []worker{
			{
				name:    "persist",
				groupID: cfg.Kafka.Groups.Persist,
				topics:  []string{cfg.Kafka.Locations.Topic},
				pipe:    persist.NewPipeline(writer, cfg.Persist.BatchSize, cfg.Persist.MaxBatchBytes, cfg.Persist.FlushIntervalMs, logger.Named("persist")),
			},
			{
				name:    "fanout",
				groupID: cfg.Kafka.Groups.Fanout,
				topics:  []string{cfg.Kafka.Locations.Topic},
				pipe:    fanout.NewPipeline(hub, logger.Named("fanout")),
			},
			{
				name:    "alerts",
				groupID: cfg.Kafka.Groups.Alerts,
				topics:  []string{cfg.Kafka.Alerts.Topic, cfg.Kafka.Events.Topic},
				pipe:    fanout.NewAlertsPipeline(hub, cfg.Kafka.Alerts.Topic, cfg.Kafka.Events.Topic, logger.Named("alerts")),
			},
			{
				name:    "archiver",
				groupID: cfg.Kafka.Groups.Archiver,
				topics:  []string{cfg.Kafka.Events.Topic},
				pipe:    archive.NewPipeline(st, cfg.Persist.BatchSize, cfg.Persist.FlushIntervalMs, logger.Named("archiver")),
			},
		}

		for _, w := range workers {
			consumer, err := bus.NewConsumer(bus.ConsumerConfig{
				Name:          w.name,
				Brokers:       cfg.Kafka.Brokers,
				GroupID:       w.groupID,
				Topics:        w.topics,
				ClientID:      cfg.Kafka.ClientID + "-" + w.name,
				FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
				TLS:           tlsCfg,
				SASL:          saslMech,
			}, logger.Named("bus."+w.name))
			if err != nil {
				logger.Fatal("failed to create kafka consumer",
					zap.String("worker", w.name),
					zap.Error(err),
				)
			}
			defer consumer.Close()

			records := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
			flushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

			wg.Add(2)
			go func() {
				defer wg.Done()
				consumer.Run(ctx, records, flushed)
			}()
			go func() {
				defer wg.Done()
				w.pipe.Run(ctx, records, flushed)
				close(flushed)
			}()

			consumers[w.name] = consumer
			logger.Info("worker started",
				zap.String("worker", w.name),
				zap.String("group_id", w.groupID),
				zap.Strings("topics", w.topics),
			)
		}
	}

	var maintPub maintenance.Publisher
	if publisher.Enabled() {
		maintPub = publisher
	}
	maint := maintenance.NewManager(pool, st, maintPub, maintenance.Config{
		RetentionDays: cfg.Retention.PositionsDays,
		Timezone:      cfg.Retention.Timezone,
		StaleAfter:    time.Duration(cfg.Maintenance.StaleAfterMinutes) * time.Minute,
		Interval:      time.Duration(cfg.Maintenance.IntervalMinutes) * time.Minute,
	}, logger.Named("maintenance"))
	if err := maint.Run(ctx); err != nil {
		logger.Fatal("maintenance boot pass failed", zap.Error(err))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		maint.RunLoop(ctx)
	}()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	httpServer := http.NewServer(http.Config{
		Addr:             cfg.Service.ListenAddr,
		ClientURL:        cfg.Service.ClientURL,
		RequestTimeoutMS: cfg.Ingest.RequestTimeoutMs,
	}, http.Deps{
		Ingester:  ingestSvc,
		Querier:   querySvc,
		Verifier:  verifier,
		DB:        pool,
		Cache:     hot,
		Bus:       publisher,
		Broker:    hub,
		Consumers: consumers,
		WSHandler: hub.ServeWS(verifier),
	}, logger.Named("http"))

	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("telemetryd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second,
	)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped cleanly")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, exiting with workers still running")
	}
}

// buildCache picks the hot-cache backend. A configured Redis that cannot
// be reached at boot degrades to the in-process cache instead of blocking
// startup; the fallback gauge records the degradation.
func buildCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Cache {
	ttl := time.Duration(cfg.Ingest.CacheTTLSeconds) * time.Second
	if cfg.Redis.URL == "" {
		logger.Info("using in-process position cache")
		return cache.NewMemory(ttl)
	}

	c, err := cache.NewRedis(ctx, cfg.Redis.URL, ttl)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-process cache", zap.Error(err))
		metrics.CacheFallback.Set(1)
		return cache.NewMemory(ttl)
	}
	logger.Info("using redis position cache")
	return c
}

// ensureTopics creates the three pipeline topics with a short-lived admin
// client so the publisher and consumers never race topic auto-creation.
func ensureTopics(ctx context.Context, cfg *config.Config, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID(cfg.Kafka.ClientID + "-admin"),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("creating admin client: %w", err)
	}
	defer client.Close()

	specs := []bus.TopicSpec{
		{Topic: cfg.Kafka.Locations.Topic, Partitions: cfg.Kafka.Locations.Partitions, RetentionHours: cfg.Kafka.Locations.RetentionHours},
		{Topic: cfg.Kafka.Events.Topic, Partitions: cfg.Kafka.Events.Partitions, RetentionHours: cfg.Kafka.Events.RetentionHours},
		{Topic: cfg.Kafka.Alerts.Topic, Partitions: cfg.Kafka.Alerts.Partitions, RetentionHours: cfg.Kafka.Alerts.RetentionHours},
	}
	return bus.EnsureTopics(ctx, client, specs, logger.Named("bus.admin"))
}

func runMigrate(args []string) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	logger.Info("running migrations", zap.String("postgres", redactDSN(cfg.Postgres.DSN)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to create database pool", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, db.MigrationsFS, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migrations complete")
}

func runMaintenance(args []string) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to create database pool", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, logger.Named("store"))

	var maintPub maintenance.Publisher
	if cfg.BusEnabled() {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build kafka TLS config", zap.Error(err))
		}
		publisher, err := bus.NewPublisher(bus.PublisherConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID + "-maintenance",
			Topics: bus.Topics{
				Locations: cfg.Kafka.Locations.Topic,
				Events:    cfg.Kafka.Events.Topic,
				Alerts:    cfg.Kafka.Alerts.Topic,
			},
			TLS:  tlsCfg,
			SASL: cfg.Kafka.BuildSASLMechanism(),
		}, logger.Named("bus.publisher"))
		if err != nil {
			logger.Fatal("failed to create kafka publisher", zap.Error(err))
		}
		defer publisher.Close()
		maintPub = publisher
	}

	maint := maintenance.NewManager(pool, st, maintPub, maintenance.Config{
		RetentionDays: cfg.Retention.PositionsDays,
		Timezone:      cfg.Retention.Timezone,
		StaleAfter:    time.Duration(cfg.Maintenance.StaleAfterMinutes) * time.Minute,
		Interval:      time.Duration(cfg.Maintenance.IntervalMinutes) * time.Minute,
	}, logger.Named("maintenance"))

	if err := maint.Run(ctx); err != nil {
		logger.Fatal("maintenance pass failed", zap.Error(err))
	}
	logger.Info("maintenance pass complete")
}

var dsnPasswordRe = regexp.MustCompile(`password\s*=\s*\S+`)

// redactDSN masks credentials so the DSN can be logged at startup.
func redactDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "(unparseable DSN)"
		}
		if u.User != nil {
			if name := u.User.Username(); name != "" {
				u.User = url.UserPassword(name, "***")
			}
		}
		return u.String()
	}
	return dsnPasswordRe.ReplaceAllString(dsn, "password=***")
}
