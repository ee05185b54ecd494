package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"kiteflow/internal/automation"
	"kiteflow/internal/config"
	"kiteflow/internal/domain"
	"kiteflow/internal/notify"
	"kiteflow/internal/scheduler"
	"kiteflow/internal/seo"
	"kiteflow/internal/store"
)

func setupLogging(c config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

type changeQueue interface {
	AddChange(ctx context.Context, c domain.Change, priority int) error
	ListQueued(ctx context.Context, limit int) ([]domain.QueuedChange, error)
	LeaseNext(ctx context.Context) (domain.QueuedChange, error)
}

type app struct {
	repo     *store.SQLiteRepo
	queue    changeQueue
	notifier *notify.Dispatcher
	rules    *automation.Engine
	sched    *scheduler.Service
	closers  []func() error
}

func (a *app) Close() {
	a.sched.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

func buildApp(cfg config.Config) (*app, error) {
	a := &app{}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	a.closers = append(a.closers, db.Close)
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.repo = store.NewSQLiteRepo(db)
	a.queue = a.repo

	if cfg.Queue.Backend == "redis" {
		rq, err := store.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.RedisKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis queue: %w", err)
		}
		a.queue = rq
		a.closers = append(a.closers, rq.Close)
		log.Info().Str("key", cfg.Queue.RedisKey).Msg("using redis change queue")
	}

	var email notify.EmailSender = notify.LogEmail{}
	if cfg.Notifications.SendGridAPIKey != "" {
		email = notify.NewSendGridEmail(cfg.Notifications.SendGridAPIKey, cfg.Notifications.FromEmail)
	}
	a.notifier = notify.NewDispatcher(notify.Config{
		Settings:   cfg.Notifications.NotificationSettings,
		Email:      email,
		RatePerSec: cfg.Notifications.RatePerSec,
	})

	a.rules = automation.New(a.notifier, automation.WithQueue(a.queue), automation.WithActionLog(a.repo))
	for _, r := range automation.DefaultRules() {
		a.rules.AddRule(r)
	}

	work := seo.Work(
		&seo.Auditor{Dir: cfg.Content.Dir},
		&seo.Monitor{Dir: cfg.Content.Dir, Targets: cfg.Keywords.TargetMap()},
		&seo.Reporter{Stats: a.repo},
	)
	a.sched = scheduler.NewService(scheduler.Config{
		Work:               work,
		Notifier:           a.notifier,
		Rules:              a.rules,
		Runs:               a.repo,
		LegacyCronFallback: cfg.Scheduler.LegacyCronFallback,
	})
	return a, nil
}
