package socket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list", nil, "https://evil.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"listed", []string{"https://app.example"}, "https://APP.example", true},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			up := Upgrader(tt.allowed)
			assert.Equal(t, tt.want, up.CheckOrigin(r))
		})
	}
}

func TestBind(t *testing.T) {
	var v struct {
		SessionID string `json:"sessionId"`
	}
	v.SessionID = "kept"
	require.NoError(t, Message{Event: "input"}.Bind(&v))
	assert.Equal(t, "kept", v.SessionID)

	require.NoError(t, Message{Data: []byte(`{"sessionId":"s1"}`)}.Bind(&v))
	assert.Equal(t, "s1", v.SessionID)
	assert.Error(t, Message{Data: []byte(`[1]`)}.Bind(&v))
}

func TestConnRoundTrip(t *testing.T) {
	up := Upgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, "c1")
		defer conn.Close()
		for {
			msg, err := conn.Read()
			if err != nil {
				return
			}
			conn.Emit("echo", map[string]string{"event": msg.Event, "data": string(msg.Data)})
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	var got struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"input","data":{"input":"x"}}`)))
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, "echo", got.Event)
	assert.Equal(t, "input", got.Data["event"])
	assert.JSONEq(t, `{"input":"x"}`, got.Data["data"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, "", got.Data["event"])
}
