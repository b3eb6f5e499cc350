// Package testhelpers provides common utilities for the end-to-end tests:
// starting a balancer and chat servers in-process, and driving user
// websocket connections with event frames.
package testhelpers

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/balancer"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/transport"
)

// TestOrigin is the browser origin used by test clients.
const TestOrigin = "http://localhost:8080"

// Balancer is a running in-process balancer.
type Balancer struct {
	Service *balancer.Service
	Server  *httptest.Server
}

// LinkURL is the websocket URL chat servers connect to.
func (b *Balancer) LinkURL() string {
	return WebSocketURL(b.Server.URL) + "/link"
}

// StartBalancer runs a balancer with a short probe timeout. It is stopped
// when the test ends.
func StartBalancer(t *testing.T) *Balancer {
	t.Helper()

	const probeTimeout = 500 * time.Millisecond
	reg := registry.New(registry.DefaultFailureThreshold, zerolog.Nop())
	svc := balancer.NewService(reg, nil, balancer.NewHTTPProber(probeTimeout), balancer.Options{
		ProbeTimeout:   probeTimeout,
		RedirectScheme: "http",
	}, zerolog.Nop())

	ts := httptest.NewServer(svc.Routes())
	t.Cleanup(func() {
		_ = svc.Shutdown(2 * time.Second)
		ts.Close()
	})
	return &Balancer{Service: svc, Server: ts}
}

// ChatServer is a running in-process chat server instance.
type ChatServer struct {
	Instance *server.Instance
	Server   *httptest.Server

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// Address is the public address the instance announced.
func (c *ChatServer) Address() string {
	return c.Instance.PublicAddress()
}

// UserURL is the websocket URL users connect to.
func (c *ChatServer) UserURL() string {
	return WebSocketURL(c.Server.URL) + "/ws"
}

// Stop cancels the instance and waits for it to finish. Later calls do
// nothing.
func (c *ChatServer) Stop(t *testing.T) {
	t.Helper()
	c.stopOnce.Do(func() {
		c.cancel()
		select {
		case err := <-c.done:
			if err != nil {
				t.Errorf("Instance stopped with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Instance did not stop")
		}
		c.Server.Close()
	})
}

// StartChatServer runs a chat server linked to b and waits until the
// balancer has registered it.
func StartChatServer(t *testing.T, b *Balancer) *ChatServer {
	t.Helper()

	ts := httptest.NewUnstartedServer(nil)
	host, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to read listener address: %v", err)
	}

	cfg := config.ChatServer{
		Host:           host,
		Port:           port,
		BalancerURL:    b.LinkURL(),
		AllowedOrigins: []string{TestOrigin},
		RateLimit:      config.RateLimitConfig{Burst: 50, RefillInterval: time.Second},
	}
	cfg.Sanitize()

	inst := server.NewInstance(cfg, zerolog.Nop())
	ts.Config.Handler = inst.Routes()
	ts.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cs := &ChatServer{Instance: inst, Server: ts, cancel: cancel, done: make(chan error, 1)}
	go func() { cs.done <- inst.Run(ctx) }()

	t.Cleanup(func() { cs.Stop(t) })

	WaitFor(t, "chat server registration", func() bool {
		_, ok := b.Service.Registry().Lookup(cs.Address())
		return ok
	})
	return cs
}

// WaitFor polls cond until it holds or five seconds pass.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// WebSocketURL turns an http(s) base URL into its ws(s) equivalent.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// NoRedirectClient returns a client that reports redirects instead of
// following them.
func NoRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ConnectUser opens a user websocket with the test origin.
func ConnectUser(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, err := transport.Dial(context.Background(), url, headers)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes one event frame.
func SendFrame(t *testing.T, conn *websocket.Conn, event, data string) {
	t.Helper()
	if err := conn.WriteJSON(transport.Frame{Event: event, Data: data}); err != nil {
		t.Fatalf("Failed to send %q frame: %v", event, err)
	}
}

// ReadFrame reads one event frame, failing the test after two seconds.
func ReadFrame(t *testing.T, conn *websocket.Conn) transport.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var frame transport.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

// ExpectNoFrame fails the test if a frame arrives within timeout. The
// connection cannot be read from afterwards.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var frame transport.Frame
	if err := conn.ReadJSON(&frame); err == nil {
		t.Errorf("Expected no frame, got %+v", frame)
	}
}

// Login logs nick in on conn and returns the routable login the server
// announced back.
func Login(t *testing.T, conn *websocket.Conn, nick string) string {
	t.Helper()
	SendFrame(t, conn, server.EventLogin, nick)
	frame := ReadFrame(t, conn)
	if frame.Event != server.EventLogin {
		t.Fatalf("Expected login announcement, got %+v", frame)
	}
	return frame.Data
}
