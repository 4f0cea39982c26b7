package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/api"
	"github.com/lumenprima/echofabric/internal/broker"
	"github.com/lumenprima/echofabric/internal/cache"
	"github.com/lumenprima/echofabric/internal/calls"
	"github.com/lumenprima/echofabric/internal/config"
	"github.com/lumenprima/echofabric/internal/conversation"
	"github.com/lumenprima/echofabric/internal/database"
	"github.com/lumenprima/echofabric/internal/delivery"
	"github.com/lumenprima/echofabric/internal/groups"
	"github.com/lumenprima/echofabric/internal/keys"
	"github.com/lumenprima/echofabric/internal/mqttclient"
	"github.com/lumenprima/echofabric/internal/presence"
	"github.com/lumenprima/echofabric/internal/queue"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.CacheDir, "cache-dir", "", "Badger cache directory (overrides CACHE_DIR)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("echofabric starting")

	if cfg.AdminTokenGenerated {
		log.Warn().Str("admin_token", cfg.AdminToken).Msg("ADMIN_TOKEN not set, generated one for this run — set it explicitly to persist across restarts")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database (schema init/migration runs as part of Connect; see the wrapped error for which step failed)")
	}
	defer db.Close()

	cacheStore, err := cache.Open(cfg.CacheDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache store")
	}
	defer cacheStore.Close()

	var embeddedBroker *broker.Broker
	if cfg.EmbeddedBroker {
		embeddedBroker, err = broker.Listen(cfg.BrokerListenAddr, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start embedded mqtt broker")
		}
		defer embeddedBroker.Close()
	}

	mqttLog := log.With().Str("component", "mqtt").Logger()
	mqttClient, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Topics:    delivery.SubscribeTopics(),
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer mqttClient.Close()
	log.Info().Str("broker", cfg.MQTTBrokerURL).Str("client_id", cfg.MQTTClientID).Msg("mqtt connected")

	keysSvc := keys.NewService(db.Pool, log)
	deliverySvc := delivery.NewService(db.Pool, mqttClient, log)
	queueSvc := queue.NewService(cacheStore, cfg.OfflineQueueTTL, log)
	conversationSvc := conversation.NewService(db.Pool, keysSvc, queueSvc, deliverySvc, log)
	groupsSvc := groups.NewService(db.Pool, cacheStore, conversationSvc, cfg.EpochCASRetries, log)
	callsSvc := calls.NewService(db.Pool, deliverySvc, cfg.CallRingTimeout, log)
	presenceSvc := presence.NewService(db.Pool, cacheStore, deliverySvc, cfg.PresenceTTL, cfg.TypingTTL, log)

	sweeper := conversation.NewSweeper(conversationSvc, cfg.SweepInterval, cfg.SweepBatchSize)
	go sweeper.Run(ctx)

	callSweeper := calls.NewSweeper(callsSvc, cfg.SweepInterval, cfg.SweepBatchSize)
	go callSweeper.Run(ctx)

	srv := api.NewServer(api.ServerOptions{
		Config:       cfg,
		DB:           db,
		Cache:        cacheStore,
		MQTT:         mqttClient,
		Keys:         keysSvc,
		Conversation: conversationSvc,
		Groups:       groupsSvc,
		Queue:        queueSvc,
		Delivery:     deliverySvc,
		Calls:        callsSvc,
		Presence:     presenceSvc,
		Version:      version,
		StartTime:    startTime,
		Log:          log,
	})

	if cfg.UpdateCheck {
		updateLog := log.With().Str("component", "update_checker").Logger()
		srv.ConfigureUpdateChecker(cfg.UpdateCheckURL, cfg.RunningInDocker, updateLog)
		srv.StartUpdateChecker(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
}
