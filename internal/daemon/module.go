package daemon

import (
	"context"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/ledger"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/presence"
	"github.com/matheus3301/msgsync/internal/rest"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/matheus3301/msgsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	NoConnect   bool   // start disconnected; clients call Connect
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideTransport,
			provideREST,
			provideLedger,
			provideTracker,
			provideTyper,
			provideSyncEngine,
			provideReconciler,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so that two daemons never migrate the
// same database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied",
			zap.Uint("from", result.Previous),
			zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(p Params, logger *zap.Logger) (*session.Identity, error) {
	id, err := session.LoadIdentity(p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("identity loaded", zap.Int64("user_id", id.UserID()))
	return id, nil
}

func provideTransport(cfg *config.Config, id *session.Identity, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.New(transport.Options{
		URL:               cfg.Server.WSURL,
		BaseDelay:         cfg.Reconnect.BaseDelay.Duration,
		MaxDelay:          cfg.Reconnect.MaxDelay.Duration,
		Jitter:            cfg.Reconnect.Jitter,
		MaxAttempts:       cfg.Reconnect.MaxAttempts,
		HeartbeatInterval: cfg.Heartbeat.Interval.Duration,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout.Duration,
	}, transport.WebsocketDialer{}, id, m, b, logger)
}

func provideREST(cfg *config.Config, id *session.Identity, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.Server.APIURL, id, nil, logger)
}

func provideLedger(tc *transport.Client, rc *rest.Client, id *session.Identity, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(tc, rc, id, b, ledger.Options{AckTimeout: cfg.Ledger.AckTimeout.Duration}, logger)
}

func provideTracker(b *bus.Bus, m *status.Machine, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, m, nil, cfg.Typing.Window.Duration, logger)
}

func provideTyper(tc *transport.Client, cfg *config.Config, logger *zap.Logger) *presence.Typer {
	return presence.NewTyper(tc, nil, cfg.Typing.Window.Duration, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, l *ledger.Ledger, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, l, logger)
}

func provideReconciler(db *store.DB, rc *rest.Client, l *ledger.Ledger, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, rc, l, b, 0, logger)
}

func provideService(p Params, tc *transport.Client, l *ledger.Ledger, tracker *presence.Tracker, typer *presence.Typer, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		SessionName: p.SessionName,
		Conn:        tc,
		Ledger:      l,
		Tracker:     tracker,
		Typer:       typer,
		DB:          db,
		Bus:         b,
		Logger:      logger,
	})
}

type components struct {
	fx.In

	Params     Params
	Service    *api.Service
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Transport  *transport.Client
	Ledger     *ledger.Ledger
	Tracker    *presence.Tracker
	Typer      *presence.Typer
	Engine     *intsync.Engine
	Reconciler *intsync.Reconciler
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Projections subscribe before anything can publish.
			c.Ledger.Start()
			c.Tracker.Start()
			c.Engine.Start(context.Background())

			if _, err := c.Reconciler.Restore(); err != nil {
				logger.Warn("restore from cache failed", zap.Error(err))
			}
			c.Reconciler.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if c.Params.NoConnect {
				logger.Info("auto-connect disabled")
				return nil
			}
			if err := c.Transport.Connect(context.Background()); err != nil {
				logger.Error("auto-connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := c.Transport.Disconnect(); err != nil {
				logger.Warn("error disconnecting", zap.Error(err))
			}
			c.Typer.Close()
			c.Reconciler.Stop()
			c.Engine.Stop()
			c.Tracker.Stop()
			c.Ledger.Stop()
			c.Service.Close()
			c.Server.Stop(ctx)
			if err := c.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
