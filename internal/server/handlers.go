// Package server exposes HTTP handlers: the chat page, the user websocket
// endpoint and a health check.
package server

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/Tyrowin/gochat-relay/internal/transport"
)

// WebSocketHandler upgrades a user's connection and serves the session until
// the user disconnects.
func (i *Instance) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := i.upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	peer := transport.NewPeer(conn, r.RemoteAddr, i.userOpts, i.log)
	NewSession(peer, i.hub, i.cfg.RateLimit, i.log).Serve()
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "GoChat server is running!")
}

// ChatPageHandler serves the chat page. It also answers the balancer's HEAD
// probe, so it must stay cheap.
func (i *Instance) ChatPageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		return
	}

	data := struct{ Server string }{Server: i.PublicAddress()}
	if err := chatPage.Execute(w, data); err != nil {
		i.log.Error().Err(err).Msg("writing chat page")
	}
}

var chatPage = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>GoChat</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        #status { color: gray; font-style: italic; min-height: 1em; }
    </style>
</head>
<body>
    <h1>GoChat on {{.Server}}</h1>
    <p>Send <code>login@server message</code> to talk privately to someone on any server.</p>

    <div id="login">
        <input type="text" id="nick" placeholder="Nickname (no spaces or @)">
        <button onclick="login()">Enter</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div id="status"></div>
    <div id="messages"></div>

    <script>
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDiv = document.getElementById('status');
        let statusTimer = null;
        let lastTyping = 0;

        function emit(event, data) {
            ws.send(JSON.stringify({event: event, data: data}));
        }

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'black';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function login() {
            const nick = document.getElementById('nick').value.trim();
            if (nick) {
                emit('login', nick);
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text) {
                emit('chat msg', text);
                addMessage('You: ' + text, 'blue');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            } else if (Date.now() - lastTyping > 1000) {
                lastTyping = Date.now();
                emit('status', 'someone is typing...');
            }
        });

        ws.onmessage = function(event) {
            const frame = JSON.parse(event.data);
            switch (frame.event) {
            case 'login':
                addMessage('Logged in: ' + frame.data, 'gray');
                messageInput.disabled = false;
                sendButton.disabled = false;
                break;
            case 'login error':
                addMessage('Login failed: ' + frame.data, 'red');
                break;
            case 'chat msg':
                addMessage(frame.data, 'green');
                break;
            case 'status':
                statusDiv.textContent = frame.data;
                clearTimeout(statusTimer);
                statusTimer = setTimeout(function() { statusDiv.textContent = ''; }, 1500);
                break;
            }
        };

        ws.onclose = function() {
            addMessage('Connection closed', 'gray');
            messageInput.disabled = true;
            sendButton.disabled = true;
        };
    </script>
</body>
</html>`))
