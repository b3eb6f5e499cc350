package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/transport"
	"github.com/Tyrowin/gochat-relay/test/testhelpers"
)

// TestHealthEndpoints checks both processes' health checks.
func TestHealthEndpoints(t *testing.T) {
	b := testhelpers.StartBalancer(t)
	cs := testhelpers.StartChatServer(t, b)

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"balancer", b.Server.URL + "/health", "GoChat balancer is running!"},
		{"chat server", cs.Server.URL + "/health", "GoChat server is running!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			testhelpers.AssertStatusCode(t, resp, http.StatusOK)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

// TestUserConnectionRequiresAllowedOrigin verifies that the chat server
// refuses websocket upgrades from foreign origins.
func TestUserConnectionRequiresAllowedOrigin(t *testing.T) {
	b := testhelpers.StartBalancer(t)
	cs := testhelpers.StartChatServer(t, b)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(cs.UserURL(), headers)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
}

// TestOversizedMessageClosesConnection verifies that a frame above the
// configured maximum size ends the session.
func TestOversizedMessageClosesConnection(t *testing.T) {
	b := testhelpers.StartBalancer(t)
	cs := testhelpers.StartChatServer(t, b)

	conn := testhelpers.ConnectUser(t, cs.UserURL())
	testhelpers.Login(t, conn, "alice")

	huge := strings.Repeat("x", 2048)
	require.NoError(t, conn.WriteJSON(transport.Frame{Event: server.EventChatMessage, Data: huge}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should be closed after an oversized frame")

	testhelpers.WaitFor(t, "session removal", func() bool {
		return cs.Instance.Hub().SessionCount() == 0
	})
}

// TestLoginErrorsReachTheUser verifies duplicate and invalid nicknames.
func TestLoginErrorsReachTheUser(t *testing.T) {
	b := testhelpers.StartBalancer(t)
	cs := testhelpers.StartChatServer(t, b)

	first := testhelpers.ConnectUser(t, cs.UserURL())
	testhelpers.Login(t, first, "alice")

	second := testhelpers.ConnectUser(t, cs.UserURL())
	for _, nick := range []string{"alice", "bad nick", "a@b"} {
		testhelpers.SendFrame(t, second, server.EventLogin, nick)
		frame := testhelpers.ReadFrame(t, second)
		assert.Equal(t, server.EventLoginError, frame.Event, "nick %q", nick)
	}
}
