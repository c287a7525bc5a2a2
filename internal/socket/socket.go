// Package socket carries the JSON event envelope shared by the WebSocket
// channels.
package socket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Message is a decoded inbound envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Bind decodes the payload into v. An empty payload leaves v unchanged.
func (m Message) Bind(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn serializes writes to a websocket connection.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
	id string
}

func NewConn(ws *websocket.Conn, id string) *Conn {
	return &Conn{ws: ws, id: id}
}

func (c *Conn) ID() string { return c.id }

// Emit writes one event. Errors mean the peer is gone.
func (c *Conn) Emit(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(outbound{Event: event, Data: data})
}

// Read blocks for the next envelope. Frames that are not valid JSON are
// returned as a Message with an empty event.
func (c *Conn) Read() (Message, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, nil
	}
	return m, nil
}

func (c *Conn) Close() error { return c.ws.Close() }

// Upgrader accepts the listed origins, or any origin when the list is
// empty or contains "*".
func Upgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}
