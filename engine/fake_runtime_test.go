package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leviathan/catalog"
	"leviathan/executor"

	"github.com/google/uuid"
)

type execCall struct {
	ContainerID string
	Cmd         []string
}

// fakeRuntime stands in for the docker driver.
type fakeRuntime struct {
	mu        sync.Mutex
	seq       int
	running   map[string]bool
	created   map[string]executor.CreateOptions
	destroyed map[string]int
	files     map[string]map[string][]byte
	removed   map[string][]string
	execs     []execCall
	setups    int
	primes    int

	createErr error
	// staleOnce makes the next Exec fail as if the container vanished.
	staleOnce bool
	execFn    func(containerID string, cmd []string) executor.ExecResult

	// destroyStarted and destroyGate let tests hold a destroy in flight.
	destroyStarted chan string
	destroyGate    chan struct{}
	destroyErr     error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running:   make(map[string]bool),
		created:   make(map[string]executor.CreateOptions),
		destroyed: make(map[string]int),
		files:     make(map[string]map[string][]byte),
		removed:   make(map[string][]string),
	}
}

func (f *fakeRuntime) Create(_ context.Context, p catalog.Profile, opts executor.CreateOptions) (*executor.ContainerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, &executor.ProvisioningError{Op: "create", Err: f.createErr}
	}
	f.seq++
	id := fmt.Sprintf("container-%03d-%s", f.seq, p.ID)
	f.running[id] = true
	f.created[id] = opts
	now := time.Now()
	return &executor.ContainerHandle{
		ID:           uuid.NewString(),
		ContainerID:  id,
		Language:     p.ID,
		Kind:         opts.Kind,
		Persistent:   opts.Persistent,
		RoomID:       opts.RoomID,
		SessionID:    opts.SessionID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}, nil
}

func (f *fakeRuntime) RunSetup(context.Context, *executor.ContainerHandle, catalog.Profile, []string) {
	f.mu.Lock()
	f.setups++
	f.mu.Unlock()
}

func (f *fakeRuntime) Prime(context.Context, *executor.ContainerHandle, catalog.Profile) {
	f.mu.Lock()
	f.primes++
	f.mu.Unlock()
}

func (f *fakeRuntime) Exec(_ context.Context, containerID string, cmd []string, _ executor.ExecOptions) (executor.ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{ContainerID: containerID, Cmd: cmd})
	if f.staleOnce {
		f.staleOnce = false
		delete(f.running, containerID)
		f.mu.Unlock()
		return executor.ExecResult{}, &executor.StaleContainerError{ContainerID: containerID, Op: "exec create", Kind: executor.StaleNotRunning, Err: fmt.Errorf("container is not running")}
	}
	if !f.running[containerID] {
		f.mu.Unlock()
		return executor.ExecResult{}, &executor.StaleContainerError{ContainerID: containerID, Op: "exec create", Kind: executor.StaleNotFound, Err: fmt.Errorf("no such container")}
	}
	fn := f.execFn
	f.mu.Unlock()

	if fn != nil {
		res := fn(containerID, cmd)
		res.ContainerID = containerID
		return res, nil
	}
	return executor.ExecResult{ContainerID: containerID, Duration: 5 * time.Millisecond}, nil
}

func (f *fakeRuntime) WriteFiles(_ context.Context, containerID, dir string, files map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[containerID] {
		return &executor.StaleContainerError{ContainerID: containerID, Op: "copy", Kind: executor.StaleNotFound, Err: fmt.Errorf("no such container")}
	}
	if f.files[containerID] == nil {
		f.files[containerID] = make(map[string][]byte)
	}
	for name, data := range files {
		f.files[containerID][dir+"/"+name] = data
	}
	return nil
}

func (f *fakeRuntime) RemoveFiles(_ context.Context, containerID, _ string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[containerID] = append(f.removed[containerID], names...)
}

func (f *fakeRuntime) VerifyRunning(_ context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID]
}

func (f *fakeRuntime) Destroy(_ context.Context, containerID string) error {
	if f.destroyStarted != nil {
		f.destroyStarted <- containerID
	}
	if f.destroyGate != nil {
		<-f.destroyGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed[containerID]++
	delete(f.running, containerID)
	return nil
}

func (f *fakeRuntime) failDestroy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
}

// stop simulates a container dying outside the engine.
func (f *fakeRuntime) stop(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) destroyCount(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[containerID]
}

func (f *fakeRuntime) lastExec() execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[len(f.execs)-1]
}

func (f *fakeRuntime) optsFor(containerID string) executor.CreateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[containerID]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
