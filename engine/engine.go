// Package engine owns session and room lifecycles: it provisions primed
// containers, routes executions to them, recreates them when they go
// stale and sweeps them when sessions expire.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"leviathan/catalog"
	"leviathan/executor"
	"leviathan/logger"
	"leviathan/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Deps struct {
	Config   Config
	Catalog  *catalog.Catalog
	Runtime  Runtime
	Store    Store
	Registry *executor.Registry
	Limiter  *executor.Limiter
	Locker   store.Locker
	Events   Events
	Audit    Auditor
	Logger   *zap.Logger
}

// Engine is the single owner of session, room and container state.
type Engine struct {
	cfg      Config
	catalog  *catalog.Catalog
	runtime  Runtime
	store    Store
	registry *executor.Registry
	limiter  *executor.Limiter
	locker   store.Locker
	events   Events
	audit    Auditor
	logger   *zap.Logger
	now      func() time.Time

	locks *keyedMutex

	// destroys collapses concurrent destroys of one container into a
	// single daemon call.
	destroys singleflight.Group
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Catalog == nil:
		return nil, errors.New("engine: catalog is required")
	case d.Runtime == nil:
		return nil, errors.New("engine: runtime is required")
	case d.Store == nil:
		return nil, errors.New("engine: store is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = executor.NewRegistry(d.Runtime.Destroy, nil)
	}
	if d.Limiter == nil {
		d.Limiter = executor.NewLimiter()
	}
	if d.Locker == nil {
		d.Locker = store.NewLocalLocker()
	}
	if d.Events == nil {
		d.Events = nopEvents{}
	}
	e := &Engine{
		cfg:      d.Config.withDefaults(),
		catalog:  d.Catalog,
		runtime:  d.Runtime,
		store:    d.Store,
		registry: d.Registry,
		limiter:  d.Limiter,
		locker:   d.Locker,
		events:   d.Events,
		audit:    d.Audit,
		logger:   d.Logger.Named("engine"),
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
	d.Registry.SetDestroy(e.destroyShared)
	return e, nil
}

// Registry exposes the container registry for health reporting.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// Catalog returns the language catalog the engine validates against.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

type nopEvents struct{}

func (nopEvents) Publish(context.Context, Event) {}

func (e *Engine) publish(ctx context.Context, ev Event) {
	ev.Time = e.now().UTC()
	e.events.Publish(ctx, ev)
	if e.audit != nil {
		trace := ev.SessionID
		if trace == "" {
			trace = ev.RoomID
		}
		e.audit.Log(logger.NoticeLevel, trace, ev.Type, map[string]any{
			"session":   ev.SessionID,
			"room":      ev.RoomID,
			"user":      ev.UserID,
			"language":  ev.Language,
			"container": shortID(ev.ContainerID),
		}, "engine", nil)
	}
}

// binding says where a provisioned container belongs.
type binding struct {
	kind      executor.Kind
	sessionID string
	roomID    string
	network   string
}

// provision creates, sets up, primes and registers a persistent container.
func (e *Engine) provision(ctx context.Context, p catalog.Profile, b binding) (*executor.ContainerHandle, error) {
	opts := executor.CreateOptions{
		Kind:       b.kind,
		Persistent: true,
		RoomID:     b.roomID,
		SessionID:  b.sessionID,
		Network:    b.network,
	}
	if b.network == "bridge" {
		opts.Ports = e.cfg.RoomPorts
	}

	start := e.now()
	h, err := e.runtime.Create(ctx, p, opts)
	if err != nil {
		var pe *executor.ProvisioningError
		if !errors.As(err, &pe) {
			err = &executor.ProvisioningError{Op: "create", Err: err}
		}
		e.logger.Error("container provisioning failed", zap.String("language", p.ID), zap.Error(err))
		return nil, err
	}
	e.runtime.RunSetup(ctx, h, p, nil)
	e.runtime.Prime(ctx, h, p)
	e.registry.Register(h)

	e.logger.Info("container ready",
		zap.String("container", shortID(h.ContainerID)),
		zap.String("language", p.ID),
		zap.String("kind", string(b.kind)),
		zap.Duration("duration", e.now().Sub(start)),
	)
	return h, nil
}

// destroy removes a container and then its registry handles. It reports
// true only when this call ran the daemon destroy and it succeeded. On
// failure the handles stay registered so the idle sweep retries them.
func (e *Engine) destroy(ctx context.Context, containerID string) bool {
	if containerID == "" {
		return false
	}
	ran, err := e.destroyOnce(ctx, containerID)
	if err != nil {
		e.logger.Warn("failed to destroy container", zap.String("container", shortID(containerID)), zap.Error(err))
		return false
	}
	e.registry.DeregisterContainer(containerID)
	return ran
}

// destroyShared is the registry's destroy hook.
func (e *Engine) destroyShared(ctx context.Context, containerID string) error {
	_, err := e.destroyOnce(ctx, containerID)
	return err
}

// destroyOnce calls the daemon destroy, or joins the call already in flight
// for containerID and shares its result. ran is false for joiners.
func (e *Engine) destroyOnce(ctx context.Context, containerID string) (ran bool, err error) {
	_, err, _ = e.destroys.Do(containerID, func() (any, error) {
		ran = true
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DestroyTimeout)
		defer cancel()
		return nil, e.runtime.Destroy(ctx, containerID)
	})
	return ran, err
}

// Start launches the background sweeps. They stop when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.ReapPending(ctx)

	go e.every(ctx, e.cfg.SweepInterval, func(ctx context.Context) { e.SweepExpired(ctx) })
	go e.every(ctx, e.cfg.SoloSweepInterval, func(ctx context.Context) { e.SweepSolo(ctx) })
	go e.every(ctx, e.cfg.ReapInterval, func(ctx context.Context) { e.ReapPending(ctx) })
	go e.registry.Run(ctx, e.cfg.RegistryInterval, e.cfg.RegistryIdle, func(roomID string) bool {
		active, err := e.store.IsRoomActive(ctx, roomID, e.now())
		return err != nil || active
	})
	e.logger.Info("background sweeps started",
		zap.Duration("sweep_interval", e.cfg.SweepInterval),
		zap.Duration("solo_sweep_interval", e.cfg.SoloSweepInterval),
		zap.Duration("reap_interval", e.cfg.ReapInterval),
	)
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Health reports counts for the health endpoint.
func (e *Engine) Health(ctx context.Context) (Health, error) {
	sessions, err := e.store.CountActiveSessions(ctx)
	if err != nil {
		return Health{}, err
	}
	rooms, err := e.store.CountActiveRooms(ctx)
	if err != nil {
		return Health{}, err
	}
	return Health{ActiveSessions: sessions, ActiveRooms: rooms, Containers: e.registry.Len()}, nil
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
