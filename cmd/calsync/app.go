package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"calsync/internal/config"
	"calsync/internal/etag"
	"calsync/internal/kv"
	"calsync/internal/lock"
	appLog "calsync/internal/log"
	"calsync/internal/notify"
	"calsync/internal/provider"
	"calsync/internal/provider/memory"
	"calsync/internal/service"
	"calsync/internal/store"
	"calsync/internal/syncer"
	"calsync/internal/task"
)

// app holds the wired runtime shared by every subcommand.
type app struct {
	cfg        *config.Config
	db         *store.DB
	kv         kv.Store
	metrics    *task.Metrics
	dispatcher *task.Dispatcher
	syncer     *syncer.Syncer
	service    *service.Service

	closers []io.Closer
}

// newProvider resolves the Provider client named on the command line. Only
// the in-process sandbox is linked into this binary; deployments embed
// calsync as a library and pass their own provider.Client.
func newProvider(name string) (provider.Client, error) {
	switch name {
	case "memory":
		appLog.Warn("using the in-memory Provider sandbox; nothing leaves this process")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func newApp(ctx context.Context, cfg *config.Config, client provider.Client) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	appLog.SetLevel(appLog.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		a.closers = append(a.closers, appLog.SetFile(cfg.Log.File, 50, 5))
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db

	if a.kv, err = openKV(ctx, cfg.KV, db); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = task.NewMetrics()
	a.dispatcher = task.NewDispatcher(task.Options{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		Metrics:     a.metrics,
	})

	pub := notify.LogPublisher{}
	a.syncer = syncer.New(syncer.Deps{
		Events:    db.Events(),
		Calendars: db.Calendars(),
		Accounts:  db.Accounts(),
		Provider:  client,
		Etags:     etag.NewCache(a.kv, cfg.EtagTTL),
		Lock:      lock.New(a.kv),
		Notify:    pub,
		Scheduler: a.dispatcher,
	}, syncer.Config{
		ActivePeriod:         cfg.Period(),
		LockTTL:              cfg.LockTTL,
		VirtualAccountDomain: cfg.VirtualAccountDomain,
	})
	a.service = service.New(db.Events(), db.Calendars(), a.dispatcher, pub, cfg.Period())

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"database", cfg.Database.Path,
		"kv_driver", cfg.KV.Driver,
		"past_days", cfg.ActivePeriod.PastDays,
		"future_days", cfg.ActivePeriod.FutureDays,
		"workers", cfg.Workers,
		"poll_cron", cfg.PollCron,
	)
	return a, nil
}

// openKV picks the lock and etag backend. The sqlite driver shares the
// local database file.
func openKV(ctx context.Context, cfg config.KVConfig, db *store.DB) (kv.Store, error) {
	if cfg.Driver == "postgres" {
		pg, err := kv.NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := kv.NewSQLite(db.Raw())
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// runOnce executes t and everything it fans out, then stops the workers.
func (a *app) runOnce(ctx context.Context, t task.Task) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.dispatcher.Run(ctx, a.syncer)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := a.dispatcher.Schedule(ctx, t); err != nil {
		return err
	}
	return a.dispatcher.WaitIdle(ctx)
}

func (a *app) Close() error {
	var errs []error
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
