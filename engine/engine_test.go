package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"leviathan/catalog"
	"leviathan/executor"
	"leviathan/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	engine  *Engine
	runtime *fakeRuntime
	store   *store.Store
	events  *eventRecorder
	limiter *executor.Limiter
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat, err := catalog.Default()
	require.NoError(t, err)

	h := &harness{
		runtime: newFakeRuntime(),
		store:   st,
		events:  &eventRecorder{},
		limiter: executor.NewLimiter(),
		clock:   time.Now().UTC(),
	}
	e, err := New(Deps{
		Catalog: cat,
		Runtime: h.runtime,
		Store:   st,
		Limiter: h.limiter,
		Events:  h.events,
	})
	require.NoError(t, err)
	e.now = func() time.Time { return h.clock }
	h.engine = e
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func hello(string, []string) executor.ExecResult {
	return executor.ExecResult{Stdout: "Hello\n", Duration: 40 * time.Millisecond}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestSoloPythonSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.execFn = hello

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python", Tier: "free"})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, sess.Status)
	assert.Equal(t, "low", sess.ResourceTier)
	assert.Equal(t, store.SessionSolo, sess.SessionType)
	assert.WithinDuration(t, h.clock.Add(30*time.Minute), sess.ExpiresAt, time.Second)
	require.NotEmpty(t, sess.ContainerID)

	opts := h.runtime.optsFor(sess.ContainerID)
	assert.Equal(t, "none", opts.Network)
	assert.True(t, opts.Persistent)
	assert.Equal(t, executor.KindSolo, opts.Kind)
	assert.Equal(t, 1, h.runtime.setups)
	assert.Equal(t, 1, h.runtime.primes)

	res, err := h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: `print("Hello")`})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Recreated)
	assert.Equal(t, sess.ContainerID, res.ContainerID)

	call := h.runtime.lastExec()
	assert.Equal(t, []string{"sh", "-c", "cd /workspace && python -u main.py"}, call.Cmd)
	assert.Equal(t, []byte(`print("Hello")`), h.runtime.files[sess.ContainerID]["/workspace/main.py"])
	assert.Contains(t, h.runtime.removed[sess.ContainerID], "main.py")

	// The solo container is torn down once the grace period passes.
	assert.Zero(t, h.engine.ReapPending(ctx))
	h.advance(3 * time.Second)
	assert.Equal(t, 1, h.engine.ReapPending(ctx))
	assert.Equal(t, 1, h.runtime.destroyCount(sess.ContainerID))

	got, err := h.engine.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)

	_, err = h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: "print(1)"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Subset(t, h.events.types(), []string{EventSessionCreated, EventExecutionCompleted, EventSessionTerminated})
}

func TestExecuteWithInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: "print(input())", Input: "42"})
	require.NoError(t, err)

	script := h.runtime.lastExec().Cmd[2]
	assert.True(t, strings.HasPrefix(script, "cd /workspace && python -u main.py < input_"), script)

	var input []byte
	for name, data := range h.runtime.files[sess.ContainerID] {
		if strings.HasPrefix(name, "/workspace/input_") {
			input = data
		}
	}
	assert.Equal(t, []byte("42"), input)
}

func TestTierGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "cpp", Tier: "free"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTierDenied)
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonTierDenied, pe.Reason)

	_, err = h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "cobol"})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonUnsupportedLanguage, pe.Reason)

	_, err = h.engine.InitRoom(ctx, RoomRequest{UserID: "u1", RoomName: "r", Languages: []string{"python", "java"}, Tier: "free"})
	assert.ErrorIs(t, err, ErrTierDenied)

	rooms, err := h.store.CountActiveRooms(ctx)
	require.NoError(t, err)
	assert.Zero(t, rooms, "nothing is written before the tier check passes")
	assert.Zero(t, h.runtime.createdCount())

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "CPP", Tier: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "cpp", sess.Language)
	assert.Equal(t, "medium", sess.ResourceTier)
	assert.WithinDuration(t, h.clock.Add(60*time.Minute), sess.ExpiresAt, time.Second)
}

func TestInitRoomValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RoomRequest
	}{
		{"missing name", RoomRequest{UserID: "u1", Languages: []string{"python"}}},
		{"missing languages", RoomRequest{UserID: "u1", RoomName: "r", Languages: []string{" "}}},
		{"missing user", RoomRequest{RoomName: "r", Languages: []string{"python"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.InitRoom(ctx, tt.req)
			var pe *PolicyError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, ReasonInvalidRequest, pe.Reason)
		})
	}
}

func TestEnterpriseRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner, err := h.engine.InitRoom(ctx, RoomRequest{
		UserID:    "owner",
		RoomName:  "Interview",
		Languages: []string{"Python", "java", "cpp", "python"},
		Tier:      "enterprise",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, owner.Status)
	assert.Equal(t, "python", owner.Language)
	assert.WithinDuration(t, h.clock.Add(480*time.Minute), owner.ExpiresAt, time.Second)
	primary := owner.ContainerID
	assert.Equal(t, "bridge", h.runtime.optsFor(primary).Network)
	assert.Equal(t, executor.KindRoom, h.runtime.optsFor(primary).Kind)

	info, err := h.engine.RoomInfo(ctx, owner.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "java", "cpp"}, info.Languages)
	assert.Equal(t, 10, info.MaxUsers)
	assert.Equal(t, primary, info.ContainerID)

	guest, err := h.engine.JoinRoom(ctx, owner.RoomID, "guest", "free")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, guest.Status)
	assert.Equal(t, primary, guest.ContainerID)
	assert.Equal(t, owner.ExpiresAt.Unix(), guest.ExpiresAt.Unix())

	res, err := h.engine.Execute(ctx, guest.SessionID, ExecuteRequest{Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, primary, res.ContainerID)

	javaCode := "public class Solution { public static void main(String[] a) {} }"
	res, err = h.engine.Execute(ctx, guest.SessionID, ExecuteRequest{Code: javaCode, Language: "Java"})
	require.NoError(t, err)
	javaContainer := res.ContainerID
	assert.NotEqual(t, primary, javaContainer)
	assert.Equal(t, "bridge", h.runtime.optsFor(javaContainer).Network)
	assert.Equal(t, "cd /workspace && javac Solution.java && java Solution", h.runtime.lastExec().Cmd[2])

	langs, err := h.store.RoomLanguages(ctx, owner.RoomID)
	require.NoError(t, err)
	assert.Equal(t, javaContainer, store.Deref(langs[1].ContainerID))

	res, err = h.engine.Execute(ctx, owner.SessionID, ExecuteRequest{Code: javaCode, Language: "java"})
	require.NoError(t, err)
	assert.Equal(t, javaContainer, res.ContainerID, "language containers are shared by the room")
	assert.Equal(t, 2, h.runtime.createdCount())

	_, err = h.engine.Execute(ctx, guest.SessionID, ExecuteRequest{Code: "package main", Language: "go"})
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonLanguageNotInRoom, pe.Reason)

	// Room sessions never schedule the solo cleanup.
	h.advance(time.Minute)
	assert.Zero(t, h.engine.ReapPending(ctx))

	require.NoError(t, h.engine.Terminate(ctx, owner.SessionID))
	assert.Zero(t, h.runtime.destroyCount(primary), "the room stays while a participant remains")
	active, err := h.store.IsRoomActive(ctx, owner.RoomID, h.clock)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, h.engine.Terminate(ctx, guest.SessionID))
	assert.Equal(t, 1, h.runtime.destroyCount(primary))
	assert.Equal(t, 1, h.runtime.destroyCount(javaContainer))
	active, err = h.store.IsRoomActive(ctx, owner.RoomID, h.clock)
	require.NoError(t, err)
	assert.False(t, active)
	assert.Contains(t, h.events.types(), EventRoomClosed)
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner, err := h.engine.InitRoom(ctx, RoomRequest{UserID: "owner", RoomName: "r", Languages: []string{"python"}, MaxUsers: 3})
	require.NoError(t, err)

	first, err := h.engine.JoinRoom(ctx, owner.RoomID, "u1", "")
	require.NoError(t, err)
	second, err := h.engine.JoinRoom(ctx, owner.RoomID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	again, err := h.engine.JoinRoom(ctx, owner.RoomID, "owner", "")
	require.NoError(t, err)
	assert.Equal(t, owner.SessionID, again.SessionID)

	n, err := h.store.CountParticipants(ctx, owner.RoomID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	participants, err := h.engine.RoomParticipants(ctx, owner.RoomID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, owner.SessionID, participants[0].SessionID)
	assert.Equal(t, store.RoleOwner, participants[0].Role)
}

func TestJoinRoomCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner, err := h.engine.InitRoom(ctx, RoomRequest{UserID: "owner", RoomName: "pair", Languages: []string{"python"}, MaxUsers: 2})
	require.NoError(t, err)

	_, err = h.engine.JoinRoom(ctx, owner.RoomID, "u1", "")
	require.NoError(t, err)

	_, err = h.engine.JoinRoom(ctx, owner.RoomID, "u2", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRoomFull)

	// Existing members can come back even when the room is full.
	_, err = h.engine.JoinRoom(ctx, owner.RoomID, "u1", "")
	require.NoError(t, err)

	_, err = h.engine.JoinRoom(ctx, "missing", "u1", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	h.advance(2 * time.Hour)
	_, err = h.engine.JoinRoom(ctx, owner.RoomID, "u3", "")
	assert.ErrorIs(t, err, ErrRoomNotFound, "expired rooms cannot be joined")
}

func TestExecuteRecreatesMissingContainer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)
	old := sess.ContainerID
	h.runtime.stop(old)

	res, err := h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: "print(1)"})
	require.NoError(t, err)
	assert.True(t, res.Recreated)
	assert.NotEqual(t, old, res.ContainerID)

	stored, err := h.store.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.ContainerID, store.Deref(stored.ContainerID), "the recreated container is persisted")
	assert.Equal(t, 1, h.runtime.destroyCount(old))
	assert.Contains(t, h.events.types(), EventContainerRecreated)
}

func TestExecuteRecreatesAfterStaleExec(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.execFn = hello

	owner, err := h.engine.InitRoom(ctx, RoomRequest{UserID: "owner", RoomName: "r", Languages: []string{"python"}})
	require.NoError(t, err)
	h.runtime.staleOnce = true

	res, err := h.engine.Execute(ctx, owner.SessionID, ExecuteRequest{Code: "print(1)"})
	require.NoError(t, err)
	assert.True(t, res.Recreated)
	assert.Equal(t, "Hello", res.Output)

	room, err := h.store.GetRoom(ctx, owner.RoomID)
	require.NoError(t, err)
	assert.Equal(t, res.ContainerID, store.Deref(room.ContainerID), "the room binding follows the new container")
}

func TestExecuteRecreationFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)
	h.runtime.stop(sess.ContainerID)
	h.runtime.createErr = errors.New("daemon unavailable")

	_, err = h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: "print(1)"})
	var pe *executor.ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "container unavailable and recreation failed")
}

func TestInitSoloProvisioningFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.createErr = errors.New("no daemon")

	_, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	var pe *executor.ProvisioningError
	require.ErrorAs(t, err, &pe)

	sessions, err := h.store.UserActiveSessions(ctx, "u1", h.clock)
	require.NoError(t, err)
	assert.Empty(t, sessions, "a failed init leaves no active session")
}

func TestExecuteTimeoutIsAResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.execFn = func(string, []string) executor.ExecResult {
		return executor.ExecResult{Stdout: "partial", Stderr: "Execution timed out", ExitCode: -1, TimedOut: true, Duration: 10 * time.Second}
	}

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)

	res, err := h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: "while True: pass"})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "partial", res.Output)
	assert.Equal(t, "Execution timed out", res.Error)
}

func TestExecuteBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := h.limiter.Acquire("python", 20)
		require.NoError(t, err)
	}
	_, err = h.engine.Execute(ctx, sess.SessionID, ExecuteRequest{Code: "print(1)"})
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonBusy, pe.Reason)
}

func TestSweepExpiredDestroysOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	solo, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)
	room, err := h.engine.InitRoom(ctx, RoomRequest{UserID: "owner", RoomName: "r", Languages: []string{"python"}})
	require.NoError(t, err)
	_, err = h.engine.JoinRoom(ctx, room.RoomID, "guest", "")
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	h.runtime.destroyStarted = make(chan string, 4)
	h.runtime.destroyGate = make(chan struct{})

	var (
		wg    sync.WaitGroup
		first SweepReport
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.engine.SweepExpired(ctx)
	}()

	<-h.runtime.destroyStarted
	second := h.engine.SweepExpired(ctx)
	assert.True(t, second.Skipped, "an overlapping sweep is skipped")

	close(h.runtime.destroyGate)
	wg.Wait()

	assert.Equal(t, 2, first.Containers)
	assert.Equal(t, 3, first.Sessions)
	assert.Equal(t, 1, first.Rooms)
	assert.Equal(t, 1, h.runtime.destroyCount(solo.ContainerID))
	assert.Equal(t, 1, h.runtime.destroyCount(room.ContainerID))

	third := h.engine.SweepExpired(ctx)
	assert.False(t, third.Skipped)
	assert.Zero(t, third.Containers)
	assert.Equal(t, 1, h.runtime.destroyCount(room.ContainerID))
	assert.Contains(t, h.events.types(), EventSessionExpired)
}

func TestSweepSoloNearExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)

	assert.Zero(t, h.engine.SweepSolo(ctx))
	h.advance(27 * time.Minute)
	assert.Equal(t, 1, h.engine.SweepSolo(ctx))
	assert.Equal(t, 1, h.runtime.destroyCount(sess.ContainerID))

	got, err := h.engine.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
}

func TestTriggerCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)
	h.advance(time.Hour)

	report := h.engine.TriggerCleanup(ctx)
	assert.Equal(t, 1, report.Expired.Sessions)
	assert.Equal(t, 1, report.Expired.Containers)
	assert.Zero(t, report.Solo)
}

func TestTerminate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Terminate(ctx, "missing"))

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "go"})
	require.NoError(t, err)
	require.NoError(t, h.engine.Terminate(ctx, sess.SessionID))
	assert.Equal(t, 1, h.runtime.destroyCount(sess.ContainerID))
	assert.Zero(t, h.engine.Registry().Len())

	require.NoError(t, h.engine.Terminate(ctx, sess.SessionID))
}

func TestTerminateKeepsHandleWhenDestroyFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)

	h.runtime.failDestroy(errors.New("daemon timed out"))
	require.NoError(t, h.engine.Terminate(ctx, sess.SessionID))
	assert.True(t, h.runtime.VerifyRunning(ctx, sess.ContainerID))
	handle, ok := h.engine.Registry().LookupContainer(sess.ContainerID)
	require.True(t, ok, "a container that failed to destroy stays tracked")

	h.runtime.failDestroy(nil)
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 1, h.engine.Registry().Sweep(ctx, time.Millisecond, nil))
	assert.False(t, h.runtime.VerifyRunning(ctx, sess.ContainerID))
	assert.Equal(t, 1, h.runtime.destroyCount(sess.ContainerID))
	_, ok = h.engine.Registry().Lookup(handle.ID)
	assert.False(t, ok)
}

func TestIdleAndExpirySweepsShareDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	time.Sleep(2 * time.Millisecond)
	h.runtime.destroyStarted = make(chan string, 4)
	h.runtime.destroyGate = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.engine.Registry().Sweep(ctx, time.Millisecond, nil)
	}()
	<-h.runtime.destroyStarted
	go func() {
		defer wg.Done()
		h.engine.SweepExpired(ctx)
	}()

	select {
	case id := <-h.runtime.destroyStarted:
		t.Fatalf("container %s destroyed again while the first destroy was in flight", id)
	case <-time.After(200 * time.Millisecond):
	}
	close(h.runtime.destroyGate)
	wg.Wait()

	assert.Equal(t, 1, h.runtime.destroyCount(sess.ContainerID))
	assert.Zero(t, h.engine.Registry().Len())
}

// sessionlessStore fails every session insert and room deactivation.
type sessionlessStore struct {
	*store.Store
}

func (sessionlessStore) CreateSession(context.Context, *store.Session) error {
	return errors.New("disk full")
}

func (sessionlessStore) DeactivateRoom(context.Context, string) error {
	return errors.New("disk full")
}

func TestInitRoomLogsFailedCompensation(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.WarnLevel)
	cat, err := catalog.Default()
	require.NoError(t, err)
	e, err := New(Deps{
		Catalog: cat,
		Runtime: h.runtime,
		Store:   sessionlessStore{h.store},
		Logger:  zap.New(core),
	})
	require.NoError(t, err)

	_, err = e.InitRoom(context.Background(), RoomRequest{UserID: "owner", RoomName: "r", Languages: []string{"python"}})
	require.Error(t, err)
	assert.Zero(t, h.runtime.createdCount())

	warned := logs.FilterMessageSnippet("failed to deactivate room").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "disk full", warned[0].ContextMap()["error"])
}

func TestQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.InitSolo(ctx, SoloRequest{UserID: "u1", Language: "python"})
	require.NoError(t, err)
	room, err := h.engine.InitRoom(ctx, RoomRequest{UserID: "u1", RoomName: "Graph Theory", Languages: []string{"go", "python"}})
	require.NoError(t, err)
	_, err = h.engine.JoinRoom(ctx, room.RoomID, "u2", "")
	require.NoError(t, err)

	sessions, err := h.engine.UserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	listing, err := h.engine.ListRooms(ctx, 0, 0, "graph")
	require.NoError(t, err)
	assert.EqualValues(t, 1, listing.Total)
	assert.Equal(t, 1, listing.Page)
	assert.Equal(t, 20, listing.Limit)
	require.Len(t, listing.Rooms, 1)
	assert.EqualValues(t, 2, listing.Rooms[0].Participants)
	assert.Equal(t, []string{"go", "python"}, listing.Rooms[0].Languages)

	info, err := h.engine.RoomInfo(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.CurrentUsers)
	assert.Equal(t, "go", info.Language)

	_, err = h.engine.RoomInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = h.engine.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	health, err := h.engine.Health(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, health.ActiveSessions)
	assert.EqualValues(t, 1, health.ActiveRooms)
	assert.Equal(t, 2, health.Containers)
}

func TestTierDurations(t *testing.T) {
	d := DefaultConfig().RoomExpiry
	assert.Equal(t, 60*time.Minute, d.For("free"))
	assert.Equal(t, 240*time.Minute, d.For(catalog.TierPro))
	assert.Equal(t, 480*time.Minute, d.For("ENTERPRISE"))
	assert.Equal(t, 60*time.Minute, d.For("platinum"))
}
