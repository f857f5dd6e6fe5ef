// Package daemon composes the application: storage, connection manager,
// sync engine, reconnection coordinator, stream reader and the control API,
// wired together with fx.
package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/opencode-nexus/nexusd/internal/api"
	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/config"
	"github.com/opencode-nexus/nexusd/internal/conn"
	"github.com/opencode-nexus/nexusd/internal/lock"
	"github.com/opencode-nexus/nexusd/internal/logging"
	"github.com/opencode-nexus/nexusd/internal/paths"
	"github.com/opencode-nexus/nexusd/internal/reconnect"
	"github.com/opencode-nexus/nexusd/internal/store"
	"github.com/opencode-nexus/nexusd/internal/stream"
	syncengine "github.com/opencode-nexus/nexusd/internal/sync"
)

// Params holds resolved startup options passed to the fx module.
type Params struct {
	SocketPath string // optional override for testing; empty = use default
	NoRestore  bool   // skip reconnecting the last-used profile on start
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideAPIClient,
			provideConnManager,
			provideSyncEngine,
			provideCoordinator,
			provideStreamReader,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger() (*zap.Logger, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath())
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", paths.ConfigPath()))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("path", paths.LockPath()))
	l, err := lock.Acquire(paths.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath()
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if n, err := db.RecoverInFlight(); err != nil {
		_ = db.Close()
		return nil, err
	} else if n > 0 {
		logger.Info("recovered in-flight messages from previous run", zap.Int("count", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.SendTimeout())
}

func provideConnManager(db *store.DB, client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(db, client, b, cfg, logger)
}

func provideSyncEngine(db *store.DB, client *api.Client, conns *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *syncengine.Engine {
	return syncengine.NewEngine(db, client, conns, b, cfg, logger)
}

func provideCoordinator(conns *conn.Manager, engine *syncengine.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *reconnect.Coordinator {
	return reconnect.New(conns, engine, b, cfg, logger)
}

func provideStreamReader(client *api.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *stream.Reader {
	return stream.NewReader(client, db, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	conns *conn.Manager,
	engine *syncengine.Engine,
	coord *reconnect.Coordinator,
	reader *stream.Reader,
	logger *zap.Logger,
) {
	runCtx, cancelRun := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go coord.Run(runCtx)
			go reader.Run(runCtx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if !p.NoRestore {
				go restoreLastUsed(runCtx, db, conns, logger)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			// Let the in-flight send settle before the DB goes away;
			// everything behind it stays pending for the next run.
			engine.Cancel()
			engine.Wait()
			conns.Disconnect()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// restoreLastUsed reconnects the most recently used profile on startup, so
// a daemon restart resumes where the previous run left off.
func restoreLastUsed(ctx context.Context, db *store.DB, conns *conn.Manager, logger *zap.Logger) {
	prof, err := db.LastUsedProfile()
	if err != nil {
		logger.Warn("failed to load last-used profile", zap.Error(err))
		return
	}
	if prof == nil {
		logger.Info("no saved profile, waiting for connect request")
		return
	}
	logger.Info("restoring last-used profile", zap.String("profile", prof.ID))
	if err := conns.Connect(ctx, prof.ID); err != nil &&
		!errors.Is(err, conn.ErrAlreadyInProgress) && !errors.Is(err, conn.ErrAlreadyConnected) {
		logger.Warn("restore connect failed, reconnection will retry", zap.Error(err))
	}
}
