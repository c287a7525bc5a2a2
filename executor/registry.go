package executor

import (
	"context"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"
)

// DestroyFunc removes a daemon container.
type DestroyFunc func(ctx context.Context, containerID string) error

// Registry tracks live containers under a single lock. Lookups return
// copies so callers never hold references into the map.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*ContainerHandle
	destroy DestroyFunc
	logger  *logrus.Logger
	now     func() time.Time
}

func NewRegistry(destroy DestroyFunc, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		handles: make(map[string]*ContainerHandle),
		destroy: destroy,
		logger:  logger,
		now:     time.Now,
	}
}

// SetDestroy replaces the function the idle sweep destroys containers with.
func (r *Registry) SetDestroy(destroy DestroyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroy = destroy
}

// Register adds or replaces a handle.
func (r *Registry) Register(h *ContainerHandle) {
	if h == nil || h.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.LastActivity.IsZero() {
		h.LastActivity = r.now()
	}
	h.Active = true
	r.handles[h.ID] = h
}

func (r *Registry) Lookup(id string) (ContainerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return ContainerHandle{}, false
	}
	return *h, true
}

func (r *Registry) LookupContainer(containerID string) (ContainerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.ContainerID == containerID {
			return *h, true
		}
	}
	return ContainerHandle{}, false
}

// FindRoomLanguage returns the handle serving a language inside a room.
func (r *Registry) FindRoomLanguage(roomID, language string) (ContainerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.RoomID == roomID && h.Language == language {
			return *h, true
		}
	}
	return ContainerHandle{}, false
}

func (r *Registry) List() []ContainerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ContainerHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Touch refreshes a handle's activity time.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if ok {
		h.LastActivity = r.now()
	}
	return ok
}

func (r *Registry) TouchContainer(containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.ContainerID == containerID {
			h.LastActivity = r.now()
			return true
		}
	}
	return false
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.Active = false
		delete(r.handles, id)
	}
}

// DeregisterContainer drops every handle pointing at containerID.
func (r *Registry) DeregisterContainer(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.handles {
		if h.ContainerID == containerID {
			h.Active = false
			delete(r.handles, id)
		}
	}
}

// Sweep destroys containers idle longer than idle whose room, if any, is
// no longer active. It returns the number destroyed.
func (r *Registry) Sweep(ctx context.Context, idle time.Duration, isRoomActive func(roomID string) bool) int {
	cutoff := r.now().Add(-idle)

	r.mu.RLock()
	var candidates []ContainerHandle
	for _, h := range r.handles {
		if h.LastActivity.Before(cutoff) {
			candidates = append(candidates, *h)
		}
	}
	r.mu.RUnlock()

	destroyed := 0
	for _, c := range candidates {
		if c.RoomID != "" && isRoomActive != nil && isRoomActive(c.RoomID) {
			continue
		}

		// Claim the handle so concurrent lookups stop seeing it, unless it
		// was used since the snapshot.
		r.mu.Lock()
		h, ok := r.handles[c.ID]
		if !ok || !h.LastActivity.Before(cutoff) {
			r.mu.Unlock()
			continue
		}
		delete(r.handles, c.ID)
		destroy := r.destroy
		r.mu.Unlock()

		if err := destroy(ctx, c.ContainerID); err != nil {
			r.logger.WithField("container", shortID(c.ContainerID)).Warnf("idle sweep failed to destroy: %v", err)
			r.mu.Lock()
			r.handles[c.ID] = h
			r.mu.Unlock()
			continue
		}
		h.Active = false
		destroyed++
		r.logger.WithFields(logrus.Fields{
			"container": shortID(c.ContainerID),
			"language":  c.Language,
			"idle":      r.now().Sub(c.LastActivity).Round(time.Second),
		}).Info("Removed idle container")
	}
	return destroyed
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, idle time.Duration, isRoomActive func(roomID string) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, idle, isRoomActive)
		}
	}
}
