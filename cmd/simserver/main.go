package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/params"
	"github.com/uhyunpark/simutrador/pkg/api"
	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/ledger"
	"github.com/uhyunpark/simutrador/pkg/metrics"
	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/publish"
	"github.com/uhyunpark/simutrador/pkg/session"
	"github.com/uhyunpark/simutrador/pkg/storage"
	"github.com/uhyunpark/simutrador/pkg/timeframe"
	"github.com/uhyunpark/simutrador/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Auth: keys, tokens, usage ----
	keys, err := auth.NewKeyRegistry(cfg.Auth.APIKeys, cfg.Auth.BcryptCost)
	if err != nil {
		sugar.Fatalw("api_keys_invalid", "err", err)
	}
	var (
		tokens auth.TokenStore
		usage  auth.UsageStore
	)
	if cfg.Auth.RedisURL != "" {
		rdb, err := auth.NewRedisClient(ctx, cfg.Auth.RedisURL)
		if err != nil {
			sugar.Fatalw("redis_connect_failed", "err", err)
		}
		defer rdb.Close()
		tokens = auth.NewRedisTokenStore(rdb)
		usage = auth.NewRedisUsage(rdb)
		sugar.Infow("auth_store", "backend", "redis")
	} else {
		tokens = auth.NewMemoryTokenStore(time.Now)
		usage = auth.NewMemoryUsage(time.Now)
		sugar.Infow("auth_store", "backend", "memory")
	}
	authSvc := auth.NewService(auth.ServiceConfig{
		Keys:     keys,
		Tokens:   tokens,
		Usage:    usage,
		TokenTTL: cfg.Auth.TokenTTL,
		Logger:   logger.Named("auth"),
	})
	sugar.Infow("api_keys_loaded", "count", keys.Len())

	// ---- Journal ----
	var journal storage.Journal
	switch cfg.Storage.Journal {
	case "pebble":
		pj, err := storage.NewPebbleJournal(filepath.Join(cfg.Storage.DataDir, "journal"))
		if err != nil {
			sugar.Fatalw("journal_open_failed", "err", err)
		}
		journal = pj
	case "file":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			sugar.Fatalw("data_dir_failed", "err", err)
		}
		fj, err := storage.NewFileJournal(filepath.Join(cfg.Storage.DataDir, "journal.jsonl"))
		if err != nil {
			sugar.Fatalw("journal_open_failed", "err", err)
		}
		journal = fj
	default:
		journal = storage.NewNopJournal()
	}
	defer journal.Close()
	sugar.Infow("journal_ready", "backend", cfg.Storage.Journal, "data_dir", cfg.Storage.DataDir)

	// ---- Publisher ----
	var publisher publish.Publisher = publish.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := publish.NewKafka(cfg.Kafka.Brokers, publish.Topics{
			Executions: cfg.Kafka.ExecutionsTopic,
			Results:    cfg.Kafka.ResultsTopic,
		}, logger.Named("kafka"))
		if err != nil {
			sugar.Fatalw("kafka_init_failed", "err", err)
		}
		publisher = kp
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers)
	}
	defer publisher.Close()

	// ---- Sessions ----
	m := metrics.New()
	tf := timeframe.Default()
	sessions := session.NewManager(session.ManagerConfig{
		Template: session.Config{
			Ledger:             ledger.Config{AllowNegativeCash: cfg.Ledger.AllowNegativeCash},
			DisableFlowControl: !cfg.Flow.Enabled,
			MaxPendingTicks:    cfg.Flow.MaxPendingTicks,
			MaxWait:            cfg.Flow.DefaultMaxWait,
			Commission:         cfg.Ledger.Commission,
			SlippageBps:        cfg.Ledger.SlippageBps,
			Timeframes:         tf,
			DefaultTimeframe:   cfg.Flow.DefaultTimeframe,
		},
		Runner:      session.RunnerConfig{TickBurst: cfg.Server.TickBurst},
		MaxSessions: cfg.Server.MaxSessions,
		MaxDuration: func(plan protocol.UserPlan) time.Duration {
			return time.Duration(authSvc.PlanLimits(plan).MaxSimulationDurationSec) * time.Second
		},
	}, session.Deps{
		Clock:     util.RealClock{},
		Logger:    logger.Named("session"),
		Journal:   journal,
		Publisher: publisher,
		Metrics:   m,
	}, authSvc)
	defer sessions.Shutdown()

	// ---- API Server ----
	apiServer := api.NewServer(api.Config{
		Addr:                  cfg.Server.Addr,
		CORSOrigins:           cfg.Server.CORSOrigins,
		Version:               cfg.Server.Version,
		IdleTimeout:           cfg.Server.IdleTimeout,
		MessagesPerSecond:     cfg.Server.MessagesPerSecond,
		MaxConnectionDuration: cfg.Server.MaxConnectionDuration,
	}, api.Deps{
		Auth:     authSvc,
		Sessions: sessions,
		Metrics:  m,
		Logger:   logger.Named("api"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sugar.Infow("simserver_started",
		"addr", cfg.Server.Addr,
		"version", cfg.Server.Version,
		"flow_control", cfg.Flow.Enabled,
		"max_sessions", cfg.Server.MaxSessions)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}

	sugar.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
}
