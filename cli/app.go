package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/warp/pharma-ledger/config"
	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/notify"
	"github.com/warp/pharma-ledger/pharma"
	"github.com/warp/pharma-ledger/store/mysql"
	"github.com/warp/pharma-ledger/store/redislock"
	"github.com/warp/pharma-ledger/store/sqlite"
	"github.com/warp/pharma-ledger/store/sqlstore"
)

// app is one wired process: config, logger, storage, ledger and service.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *sqlstore.Store
	redis      *redis.Client
	dispatcher *notify.Dispatcher
	service    *pharma.Service
}

// openApp loads configuration and wires every component. Notifications are
// only started for commands that append (serve, append, seed).
func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer, withNotify bool) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DBDriver != "" {
		cfg.DB.Driver = opts.DBDriver
	}
	if opts.DBDSN != "" {
		cfg.DB.DSN = opts.DBDSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid flags", err)
	}

	logger := newLogger(stderr, cfg.Log, opts.Verbose)
	a := &app{cfg: cfg, logger: logger}

	a.store, err = openStore(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	notifyEnabled := withNotify && cfg.Notify.Enabled
	if cfg.Ledger.LockBackend == "redis" || (notifyEnabled && cfg.Notify.RedisChannel != "") {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
	}

	var locker ledger.Locker = ledger.NewKeyedMutex()
	if cfg.Ledger.LockBackend == "redis" {
		locker = redislock.New(a.redis,
			redislock.WithTTL(cfg.Ledger.LockTTL),
			redislock.WithLogger(logger),
		)
	}

	projectorOpts := []ledger.ProjectorOption{
		ledger.WithProjectorLogger(logger),
		ledger.WithItemLocker(locker),
		ledger.WithItemLockTimeout(cfg.Ledger.LockTimeout),
	}
	// A shared lock means other processes append to the same items, and one
	// of them may rebuild between another's append and its apply.
	if cfg.Ledger.ReplayOnApply || cfg.Ledger.LockBackend == "redis" {
		projectorOpts = append(projectorOpts, ledger.WithReplayOnApply())
	}
	projector := ledger.NewProjector(a.store, a.store, projectorOpts...)

	builderOpts := []ledger.Option{
		ledger.WithLocker(locker),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
		ledger.WithProjector(projector),
		ledger.WithLogger(logger),
	}
	if notifyEnabled {
		a.dispatcher = a.newDispatcher()
		builderOpts = append(builderOpts, ledger.WithNotifier(a.dispatcher))
	}
	builder := ledger.NewBuilder(a.store, a.store, builderOpts...)

	a.service = pharma.NewService(a.store, a.store, builder,
		pharma.WithLogger(logger),
		pharma.WithExpiryWindow(cfg.Alerts.ExpiryDays),
	)
	return a, nil
}

func (a *app) newDispatcher() *notify.Dispatcher {
	n := a.cfg.Notify
	senders := []notify.Sender{notify.LogSender{Logger: a.logger}}
	if n.SMTP.Host != "" {
		senders = append(senders, notify.NewSMTPSender(n.SMTP.Host, n.SMTP.Port, n.SMTP.Username, n.SMTP.Password, n.SMTP.From))
	}
	if a.redis != nil && n.RedisChannel != "" {
		senders = append(senders, notify.NewRedisPublisher(a.redis, n.RedisChannel))
	}

	lookup := func(ctx context.Context, ref ledger.ItemRef) (string, error) {
		d, err := a.store.GetDrug(ctx, string(ref))
		if err != nil {
			return "", err
		}
		if d == nil {
			return "", &ledger.NotFoundError{Kind: "drug", Ref: string(ref)}
		}
		return d.Supplier, nil
	}

	return notify.NewDispatcher(senders,
		notify.WithQueueSize(n.QueueSize),
		notify.WithWorkers(n.Workers),
		notify.WithStakeholders(n.Stakeholders),
		notify.WithSuppliers(lookup, notify.Directory{Suppliers: n.Suppliers, Fallback: n.DefaultSupplier}),
		notify.WithReorderQuantity(n.ReorderQuantity),
		notify.WithLogger(a.logger),
	)
}

// Close drains notifications before closing connections.
func (a *app) Close() error {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func openStore(db config.DBConfig) (*sqlstore.Store, error) {
	switch db.Driver {
	case "mysql":
		return mysql.New(db.DSN)
	case "memory":
		return sqlite.New(":memory:")
	default:
		return sqlite.New(db.DSN)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
