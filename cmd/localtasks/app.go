package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"localtasks/internal/config"
	"localtasks/internal/deadletter"
	"localtasks/internal/logging"
	"localtasks/internal/metrics"
	"localtasks/internal/queue"
	"localtasks/internal/remote"
	"localtasks/internal/store"
	"localtasks/internal/sync"
	"localtasks/internal/tasks"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *sql.DB
	queue    queue.Repository
	tasks    *tasks.Repository
	engine   *sync.Engine
	reporter *sync.Reporter

	redis     *redis.Client
	logCloser io.Closer
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db, logCloser: closer}

	a.queue = queue.NewSQLiteRepo(db)
	outbox := sync.NewOutbox(a.queue)
	a.tasks = tasks.NewRepository(db, outbox)

	client := remote.NewClient(remote.Options{
		BaseURL:             cfg.Remote.BaseURL,
		APIKey:              cfg.Remote.APIKey,
		ConnectivityTimeout: cfg.Remote.ConnectivityTimeout,
		BatchTimeout:        cfg.Remote.BatchTimeout,
	})

	ec := sync.EngineConfig{
		Config:    cfg.SyncOptions(),
		Queue:     a.queue,
		Outbox:    outbox,
		Tasks:     a.tasks,
		Transport: client,
		Logger:    &a.logger,
	}

	if cfg.Redis.Address != "" {
		rc, err := deadletter.NewClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("redis unavailable, dead letters stay local")
		} else {
			a.redis = rc
			ec.DeadLetter = deadletter.NewRedisSink(rc, cfg.Redis.DeadLetterKey)
		}
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		ec.Metrics = metrics.Recorder{}
	}

	a.engine = sync.NewEngine(ec)
	a.reporter = sync.NewReporter(a.queue, client, cfg.Sync.MaxRetries)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("close database")
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
