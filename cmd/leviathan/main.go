// Command leviathan runs the code execution engine: the HTTP API, both
// WebSocket channels, the NATS request handlers and the background sweeps.
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"leviathan/catalog"
	"leviathan/config"
	"leviathan/engine"
	"leviathan/executor"
	"leviathan/interactive"
	"leviathan/logger"
	"leviathan/natshandler"
	"leviathan/pkg"
	"leviathan/routes"
	"leviathan/service"
	"leviathan/store"
	"leviathan/terminal"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			logger.NewFromConfig,
			newStreamer,
			newCatalog,
			newContainerManager,
			newRegistry,
			executor.NewLimiter,
			newStore,
			newLocker,
			newNats,
			newEvents,
			newEngine,
			newInteractive,
			newTerminal,
			newService,
			newRateLimiter,
			newHandler,
		),
		fx.Invoke(startBackground, startHTTP, startNats),
		fx.StopTimeout(time.Minute),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	app.Run()
}

func newStreamer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *logger.Streamer {
	s := logger.NewStreamer(logger.StreamerConfig{
		Environment: cfg.Environment,
		SourceToken: cfg.BetterStack.SourceToken,
		UploadURL:   cfg.BetterStack.UploadURL,
		FilePath:    cfg.Logging.AuditLog,
	}, log.Named("audit"))
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		s.Flush()
		return nil
	}})
	return s
}

func newCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path != "" {
		return catalog.Load(cfg.Catalog.Path)
	}
	return catalog.Default()
}

func newContainerManager(lc fx.Lifecycle, cfg *config.Config, cat *catalog.Catalog, log *zap.Logger) *executor.ContainerManager {
	cm := executor.Connect(context.Background(), executor.ManagerConfig{
		Hosts:        cfg.Docker.Hosts,
		LogPath:      cfg.Logging.ContainerLog,
		PingTimeout:  cfg.Docker.PingTimeout,
		SetupTimeout: cfg.Docker.SetupTimeout,
		StopTimeout:  cfg.Docker.StopTimeout,
		PidsLimit:    cfg.Docker.PidsLimit,
	})
	if !cm.Connected() {
		log.Warn("container daemon unreachable, starting degraded", zap.String("host", cm.Host()))
	}

	prepCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cm.Connected() {
				return nil
			}
			if orphans, err := cm.ListManaged(ctx, true); err == nil && len(orphans) > 0 {
				log.Warn("found managed containers from a previous run",
					zap.Int("count", len(orphans)))
			}
			if cfg.Docker.PrepareImages {
				go cm.Images().Prepare(prepCtx, cat.Active())
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return cm.Close()
		},
	})
	return cm
}

// newRegistry destroys through the daemon until engine.New routes it
// through the engine's shared destroy.
func newRegistry(cm *executor.ContainerManager) *executor.Registry {
	return executor.NewRegistry(cm.Destroy, cm.Logger())
}

func newStore(lc fx.Lifecycle, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(store.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	})
	if err != nil {
		return nil, err
	}
	st, err := store.New(db)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}})
	return st, nil
}

func newLocker(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) store.Locker {
	if cfg.Redis.Addr == "" {
		return store.NewLocalLocker()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable, sweep lock will fail open", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	log.Info("using redis sweep lock", zap.String("addr", cfg.Redis.Addr))
	return store.NewRedisLocker(rdb, cfg.Redis.LockPrefix)
}

// newNats returns nil when NATS is disabled or unreachable.
func newNats(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *nats.Conn {
	if !cfg.Nats.Enabled {
		return nil
	}
	nc, err := nats.Connect(cfg.Nats.URL, nats.Name("leviathan"), nats.MaxReconnects(-1))
	if err != nil {
		log.Warn("Failed to connect to NATS, events disabled", zap.String("url", cfg.Nats.URL), zap.Error(err))
		return nil
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return nc.Drain() }})
	return nc
}

func newEvents(nc *nats.Conn, cfg *config.Config, log *zap.Logger) engine.Events {
	if nc == nil {
		return natshandler.NopPublisher{}
	}
	return natshandler.NewPublisher(nc, cfg.Nats.EventPrefix, log.Named("events"))
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		SoloExpiry:        engine.TierDurations(c.SoloExpiry),
		RoomExpiry:        engine.TierDurations(c.RoomExpiry),
		DefaultMaxUsers:   c.DefaultMaxUsers,
		SoloNetwork:       c.SoloNetwork,
		RoomNetwork:       c.RoomNetwork,
		RoomPorts:         c.RoomPorts,
		CleanupGrace:      c.CleanupGrace,
		SweepInterval:     c.SweepInterval,
		SoloSweepInterval: c.SoloSweepInterval,
		SoloSweepWindow:   c.SoloSweepWindow,
		ReapInterval:      c.ReapInterval,
		RegistryInterval:  c.RegistryInterval,
		RegistryIdle:      c.RegistryIdle,
		SweepLockTTL:      c.SweepLockTTL,
	}
}

type engineParams struct {
	fx.In

	Config   *config.Config
	Catalog  *catalog.Catalog
	Docker   *executor.ContainerManager
	Store    *store.Store
	Registry *executor.Registry
	Limiter  *executor.Limiter
	Locker   store.Locker
	Events   engine.Events
	Audit    *logger.Streamer
	Logger   *zap.Logger
}

func newEngine(p engineParams) (*engine.Engine, error) {
	return engine.New(engine.Deps{
		Config:   engineConfig(p.Config.Engine),
		Catalog:  p.Catalog,
		Runtime:  p.Docker,
		Store:    p.Store,
		Registry: p.Registry,
		Limiter:  p.Limiter,
		Locker:   p.Locker,
		Events:   p.Events,
		Audit:    p.Audit,
		Logger:   p.Logger,
	})
}

func newInteractive(cfg *config.Config, cat *catalog.Catalog, cm *executor.ContainerManager, registry *executor.Registry, log *zap.Logger) (*interactive.Channel, error) {
	return interactive.NewChannel(interactive.Config{
		WorkspaceRoot:  cfg.Interactive.WorkspaceRoot,
		MaxSessionAge:  cfg.Interactive.MaxSessionAge,
		SweepInterval:  cfg.Interactive.SweepInterval,
		OutputLimit:    cfg.Interactive.OutputLimit,
		InputLimit:     cfg.Interactive.InputLimit,
		MemoryLimit:    cfg.Interactive.MemoryLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, cat, interactive.Docker{ContainerManager: cm}, registry, log)
}

func newTerminal(cfg *config.Config, cm *executor.ContainerManager, st *store.Store, log *zap.Logger) (*terminal.Channel, error) {
	t := cfg.Terminal
	return terminal.NewChannel(terminal.Config{
		Image:          t.Image,
		Network:        t.Network,
		MemoryLimit:    t.MemoryLimit,
		MemorySwap:     t.MemorySwap,
		CPUs:           t.CPUs,
		OutputLimit:    t.OutputLimit,
		SessionMaxAge:  t.SessionMaxAge,
		SessionSweep:   t.SessionSweep,
		RoomIdle:       t.RoomIdle,
		RoomSweep:      t.RoomSweep,
		CommandTimeout: t.CommandTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, terminal.Docker{ContainerManager: cm}, st, log)
}

func newService(eng *engine.Engine, cat *catalog.Catalog, cfg *config.Config) *service.ExecutionService {
	return service.NewExecutionService(eng, cat, cfg.Engine.MaxCodeLength)
}

func newRateLimiter(cfg *config.Config, log *zap.Logger) *pkg.RateLimiter {
	return pkg.NewRateLimiter(cfg.Server.RateLimit, log.Named("ratelimit"))
}

func newHandler(svc *service.ExecutionService, cm *executor.ContainerManager, ic *interactive.Channel, tc *terminal.Channel, limiter *pkg.RateLimiter, log *zap.Logger) *routes.Handler {
	return routes.NewHandler(svc, cm, ic, tc, limiter, log)
}

// startBackground runs the engine sweeps and both channel sweepers for the
// life of the app.
func startBackground(lc fx.Lifecycle, eng *engine.Engine, ic *interactive.Channel, tc *terminal.Channel, limiter *pkg.RateLimiter) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			eng.Start(ctx)
			go ic.Run(ctx)
			go tc.Run(ctx)
			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						limiter.Prune()
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			ic.Close()
			tc.Close(stopCtx)
			return nil
		},
	})
}

func startHTTP(lc fx.Lifecycle, cfg *config.Config, h *routes.Handler, log *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("HTTP server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("HTTP server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}

func startNats(lc fx.Lifecycle, nc *nats.Conn, cfg *config.Config, svc *service.ExecutionService, log *zap.Logger) {
	if nc == nil {
		return
	}
	var subs []*nats.Subscription
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			subs, err = natshandler.Subscribe(nc, cfg.Nats.SubjectPrefix, svc, log.Named("nats"))
			return err
		},
		OnStop: func(context.Context) error {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil
		},
	})
}
