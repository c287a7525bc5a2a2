package terminal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"leviathan/executor"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsOutput = `total 12
drwxr-xr-x 2 root root 4096 Oct 14 09:12 .
drwxr-xr-x 1 root root 4096 Oct 14 09:10 ..
-rw-r--r-- 1 root root   42 Oct 14 09:12 main.py
-rw-r--r-- 1 root root    7 Oct 14 09:12 my notes.txt
`

// echoShell writes every input back as output, the way a tty does.
type echoShell struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newEchoShell() *echoShell {
	r, w := io.Pipe()
	return &echoShell{r: r, w: w}
}

func (s *echoShell) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *echoShell) Write(p []byte) (int, error) { return s.w.Write([]byte("\x1b[1m" + string(p) + "\x1b[0m")) }
func (s *echoShell) Close() error                { return s.w.Close() }

type fakeRuntime struct {
	mu        sync.Mutex
	shells    []executor.ShellOptions
	execs     [][]string
	destroyed []string
	opened    int
}

func (f *fakeRuntime) CreateShell(_ context.Context, opts executor.ShellOptions) (string, error) {
	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shells = append(f.shells, opts)
	return fmt.Sprintf("terminal-%d-%s", len(f.shells), opts.RoomID), nil
}

func (f *fakeRuntime) ExecShell(context.Context, string, []string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return newEchoShell(), nil
}

func (f *fakeRuntime) Exec(_ context.Context, _ string, cmd []string, _ executor.ExecOptions) (executor.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, cmd)
	if cmd[0] == "ls" {
		return executor.ExecResult{Stdout: lsOutput}, nil
	}
	return executor.ExecResult{Stdout: "\x1b[32mhello\x1b[0m\n"}, nil
}

func (f *fakeRuntime) Destroy(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

func (f *fakeRuntime) shellCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shells)
}

type fakeRooms struct {
	mu        sync.Mutex
	members   map[string]bool
	terminals map[string][]string
}

func newFakeRooms(members ...string) *fakeRooms {
	r := &fakeRooms{members: make(map[string]bool), terminals: make(map[string][]string)}
	for _, m := range members {
		r.members[m] = true
	}
	return r
}

func (r *fakeRooms) IsParticipant(_ context.Context, roomID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[roomID+"/"+userID], nil
}

func (r *fakeRooms) UpdateRoomTerminal(_ context.Context, roomID, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals[roomID] = append(r.terminals[roomID], containerID)
	return nil
}

func (r *fakeRooms) recorded(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.terminals[roomID]...)
}

type event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func newTestChannel(t *testing.T, rooms *fakeRooms) (*Channel, *fakeRuntime, string) {
	t.Helper()
	rt := &fakeRuntime{}
	ch, err := NewChannel(Config{}, rt, rooms, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(ch.ServeWS))
	t.Cleanup(srv.Close)
	return ch, rt, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, name string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"event": name, "data": data}))
}

func expect(t *testing.T, ws *websocket.Conn, name string) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev event
		require.NoError(t, ws.ReadJSON(&ev))
		if ev.Event == name {
			return ev.Data
		}
	}
}

// expectFrom waits for terminal output produced by a given user.
func expectFrom(t *testing.T, ws *websocket.Conn, userID string) map[string]any {
	t.Helper()
	for {
		data := expect(t, ws, EventOutput)
		if data["userId"] == userID {
			return data
		}
	}
}

func join(t *testing.T, ws *websocket.Conn, roomID, userID string) string {
	t.Helper()
	send(t, ws, EventJoin, map[string]string{"roomId": roomID, "userId": userID})
	ready := expect(t, ws, EventReady)
	welcome := expect(t, ws, EventOutput)
	assert.Contains(t, welcome["data"], "Welcome to shared coding environment!")
	return ready["sessionId"].(string)
}

func TestParseFileList(t *testing.T) {
	files := parseFileList(lsOutput)
	require.Len(t, files, 4)
	assert.Equal(t, FileEntry{Permissions: "drwxr-xr-x", Size: "4096", Date: "Oct 14 09:12", Name: ".", IsDirectory: true}, files[0])
	assert.Equal(t, "main.py", files[2].Name)
	assert.Equal(t, "42", files[2].Size)
	assert.False(t, files[2].IsDirectory)
	assert.Equal(t, "my notes.txt", files[3].Name)

	assert.Empty(t, parseFileList("total 0\n"))
	assert.NotNil(t, parseFileList(""))
}

func TestJoinRequiresMembership(t *testing.T) {
	_, rt, url := newTestChannel(t, newFakeRooms("r1/alice"))
	ws := dial(t, url)

	tests := []struct {
		name string
		data map[string]string
		want string
	}{
		{"missing user", map[string]string{"roomId": "r1"}, "Room ID and User ID are required"},
		{"not a member", map[string]string{"roomId": "r1", "userId": "mallory"}, "Access denied to room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, ws, EventJoin, tt.data)
			got := expect(t, ws, EventError)
			assert.Equal(t, tt.want, got["message"])
		})
	}

	send(t, ws, EventInput, map[string]string{"input": "ls\n"})
	got := expect(t, ws, EventError)
	assert.Equal(t, "No active terminal session", got["message"])
	assert.Zero(t, rt.shellCount())
}

func TestSharedTerminal(t *testing.T) {
	rooms := newFakeRooms("r1/alice", "r1/bob")
	ch, rt, url := newTestChannel(t, rooms)
	alice := dial(t, url)
	bob := dial(t, url)

	var (
		wg         sync.WaitGroup
		aliceID    string
		bobSession string
	)
	wg.Add(2)
	go func() { defer wg.Done(); aliceID = join(t, alice, "r1", "alice") }()
	go func() { defer wg.Done(); bobSession = join(t, bob, "r1", "bob") }()
	wg.Wait()
	assert.NotEqual(t, aliceID, bobSession)

	require.Equal(t, 1, rt.shellCount(), "concurrent joiners share one container")
	assert.Equal(t, "none", rt.shells[0].Network)
	assert.EqualValues(t, 1<<30, rt.shells[0].Memory)
	assert.Equal(t, []string{"terminal-1-r1"}, rooms.recorded("r1"))
	assert.Equal(t, []string{"r1"}, ch.ActiveRoomTerminals())

	info, ok := ch.RoomTerminalInfo("r1")
	require.True(t, ok)
	assert.Equal(t, 2, info.ActiveSessions)

	send(t, alice, EventInput, map[string]string{"sessionId": aliceID, "input": "ls\n"})
	for _, ws := range []*websocket.Conn{alice, bob} {
		out := expectFrom(t, ws, "alice")
		assert.Equal(t, "ls\n", out["data"])
		assert.Equal(t, aliceID, out["sessionId"])
	}

	send(t, bob, EventListFiles, map[string]string{})
	list := expect(t, bob, EventFileList)
	assert.Equal(t, "/workspace", list["path"])
	assert.Len(t, list["files"], 4)

	alice.Close()
	require.Eventually(t, func() bool {
		info, ok := ch.RoomTerminalInfo("r1")
		return ok && info.ActiveSessions == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepRoomsRemovesIdleTerminals(t *testing.T) {
	rooms := newFakeRooms("r1/alice")
	ch, rt, url := newTestChannel(t, rooms)
	ws := dial(t, url)
	join(t, ws, "r1", "alice")

	ch.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Zero(t, ch.SweepRooms(context.Background()), "terminals with sessions stay")

	ws.Close()
	require.Eventually(t, func() bool {
		info, _ := ch.RoomTerminalInfo("r1")
		return info.ActiveSessions == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, ch.SweepRooms(context.Background()))
	assert.Equal(t, []string{"terminal-1-r1"}, rt.destroyed)
	assert.Equal(t, []string{"terminal-1-r1", ""}, rooms.recorded("r1"))
	assert.Empty(t, ch.ActiveRoomTerminals())
}

func TestSweepSessions(t *testing.T) {
	ch, _, url := newTestChannel(t, newFakeRooms("r1/alice"))
	ws := dial(t, url)
	join(t, ws, "r1", "alice")

	assert.Zero(t, ch.SweepSessions())
	ch.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	assert.Equal(t, 1, ch.SweepSessions())

	got := expect(t, ws, EventError)
	assert.Equal(t, "Terminal session expired", got["message"])

	send(t, ws, EventInput, map[string]string{"input": "ls\n"})
	got = expect(t, ws, EventError)
	assert.Equal(t, "No active terminal session", got["message"])
}

func TestExecuteCommand(t *testing.T) {
	ch, rt, url := newTestChannel(t, newFakeRooms("r1/alice"))

	_, err := ch.ExecuteCommand(context.Background(), "r1", "echo hello")
	assert.ErrorIs(t, err, ErrTerminalNotFound)

	ws := dial(t, url)
	join(t, ws, "r1", "alice")

	out, err := ch.ExecuteCommand(context.Background(), "r1", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, []string{"/bin/bash", "-c", "echo hello"}, rt.execs[len(rt.execs)-1])
}
