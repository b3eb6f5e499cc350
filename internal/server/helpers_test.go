package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/transport"
)

const testHome = "localhost:8001"

// recordingForwarder collects private messages handed to the balancer.
type recordingForwarder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *recordingForwarder) Forward(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *recordingForwarder) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// startHub runs a hub behind a websocket endpoint that serves every
// connection as a session.
func startHub(t *testing.T, fwd Forwarder) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(testHome, fwd, zerolog.Nop())
	go hub.Run()

	upgrader := transport.NewUpgrader(nil)
	limits := config.RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		peer := transport.NewPeer(conn, r.RemoteAddr, transport.Options{}, zerolog.Nop())
		NewSession(peer, hub, limits, zerolog.Nop()).Serve()
	}))

	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })
	return hub, srv
}

// testClient is the browser side of a session.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := transport.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) emit(event, data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(transport.Frame{Event: event, Data: data}))
}

func (c *testClient) next() transport.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame transport.Frame
	require.NoError(c.t, c.conn.ReadJSON(&frame))
	return frame
}

// expectSilence asserts that nothing arrives within d. The connection cannot
// be read from afterwards.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	var frame transport.Frame
	err := c.conn.ReadJSON(&frame)
	require.Error(c.t, err, "unexpected frame %+v", frame)
}

// login logs in and consumes the login announcement sent back to c.
func (c *testClient) login(nick string) {
	c.t.Helper()
	c.emit(EventLogin, nick)
	frame := c.next()
	require.Equal(c.t, transport.Frame{Event: EventLogin, Data: nick + "@" + testHome}, frame)
}
