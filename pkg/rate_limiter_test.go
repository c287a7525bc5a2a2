package pkg

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestClientKey(t *testing.T) {
	assert.Equal(t, "localhost", clientKey("127.0.0.1:5000"))
	assert.Equal(t, "localhost", clientKey("[::1]:5000"))
	assert.Equal(t, "10.0.0.7", clientKey("10.0.0.7:41000"))
	assert.Equal(t, "10.0.0.7", clientKey("10.0.0.7"))
}

func TestAllow(t *testing.T) {
	rl := NewRateLimiter(time.Second, nil)
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1:1"))
	assert.False(t, rl.Allow("10.0.0.1:2"), "same host, new port")
	assert.True(t, rl.Allow("10.0.0.2:1"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1:3"))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, rl.Prune())
	assert.Empty(t, rl.lastRequest)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(time.Hour, nil)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")
}
