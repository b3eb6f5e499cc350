package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/config"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	cfg := config.ChatServer{Host: "localhost", Port: "8001", BalancerURL: "ws://127.0.0.1:1/link"}
	cfg.Sanitize()
	return NewInstance(cfg, zerolog.Nop())
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "GoChat server is running!", rec.Body.String())
}

func TestChatPageHandler(t *testing.T) {
	srv := httptest.NewServer(newTestInstance(t).Routes())
	defer srv.Close()

	t.Run("GET serves the page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "GoChat on localhost:8001")
	})

	t.Run("HEAD answers the probe", func(t *testing.T) {
		resp, err := http.Head(srv.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/nope")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("other methods", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/", "text/plain", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestWebSocketHandlerRejectsNonGET(t *testing.T) {
	inst := newTestInstance(t)

	rec := httptest.NewRecorder()
	inst.WebSocketHandler(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebSocketHandlerRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(newTestInstance(t).Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Origin", "http://evil.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
