// Package server coordinates session registration, login, local broadcast
// and private-message delivery for a chat server instance via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/address"
)

var errUnknownSession = errors.New("session is not registered")

// Hub owns the instance's user sessions. Every mutation and lookup of the
// session set happens on the Run goroutine, so sessions need no locking.
type Hub struct {
	home      string
	forwarder Forwarder
	log       zerolog.Logger

	sessions   map[*Session]struct{}
	register   chan *Session
	unregister chan *Session
	login      chan loginRequest
	chat       chan chatRequest
	broadcast  chan BroadcastMessage
	deliver    chan string
	count      chan chan int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub for the instance reachable at home. Private messages
// are handed to forwarder.
func NewHub(home string, forwarder Forwarder, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		home:       home,
		forwarder:  forwarder,
		log:        log.With().Str("component", "hub").Str("server", home).Logger(),
		sessions:   make(map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		login:      make(chan loginRequest),
		chat:       make(chan chatRequest),
		broadcast:  make(chan BroadcastMessage),
		deliver:    make(chan string),
		count:      make(chan chan int),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Home returns the public address of this instance.
func (h *Hub) Home() string {
	return h.home
}

// Register adds a session. It returns false once the hub is shutting down.
// A registered session must call release when its handler returns.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// release marks a registered session's handler as finished.
func (h *Hub) release() {
	h.wg.Done()
}

// Unregister removes a session and destroys its login.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// Login binds nick to a session, replacing any earlier login of the same
// session.
func (h *Hub) Login(s *Session, nick string) error {
	req := loginRequest{session: s, nick: nick, reply: make(chan error, 1)}
	select {
	case h.login <- req:
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// Chat classifies a message from a local user: private messages go to the
// balancer, everything else to the other local sessions.
func (h *Hub) Chat(s *Session, text string) {
	select {
	case h.chat <- chatRequest{session: s, text: text}:
	case <-h.ctx.Done():
	}
}

// Broadcast sends an event to every local session except msg.Sender.
func (h *Hub) Broadcast(msg BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

// Deliver hands a private message relayed by the balancer to the local
// session it is addressed to.
func (h *Hub) Deliver(text string) {
	select {
	case h.deliver <- text:
	case <-h.ctx.Done():
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.ctx.Done():
		return 0
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case s := <-h.register:
			h.sessions[s] = struct{}{}
			// Added on the Run goroutine so every Add precedes Shutdown's Wait.
			h.wg.Add(1)
			h.log.Info().Str("remote", s.remote).Int("sessions", len(h.sessions)).Msg("session connected")

		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				h.log.Info().Str("remote", s.remote).Str("login", s.login).
					Int("sessions", len(h.sessions)).Msg("session disconnected")
			}

		case req := <-h.login:
			req.reply <- h.handleLogin(req.session, req.nick)

		case req := <-h.chat:
			if err := h.handleChat(req.session, req.text); err != nil {
				h.log.Debug().Err(err).Str("remote", req.session.remote).Msg("chat message dropped")
			}

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)

		case text := <-h.deliver:
			if err := h.handleDeliver(text); err != nil {
				h.log.Debug().Err(err).Msg("private message dropped")
			}

		case reply := <-h.count:
			reply <- len(h.sessions)
		}
	}
}

func (h *Hub) handleLogin(s *Session, nick string) error {
	if _, ok := h.sessions[s]; !ok {
		return errUnknownSession
	}
	if err := address.ValidateLogin(nick); err != nil {
		return err
	}

	full := nick + "@" + h.home
	for other := range h.sessions {
		if other != s && other.login == full {
			return fmt.Errorf("%w: %s", ErrLoginTaken, nick)
		}
	}

	s.login = full
	h.log.Info().Str("login", full).Msg("user logged in")

	// Everyone, the new user included, learns the routable login.
	h.handleBroadcast(BroadcastMessage{Event: EventLogin, Data: full})
	return nil
}

func (h *Hub) handleChat(s *Session, text string) error {
	if _, ok := h.sessions[s]; !ok {
		return errUnknownSession
	}
	if s.login == "" {
		h.log.Warn().Str("remote", s.remote).Msg("chat message before login; dropped")
		return ErrNotLoggedIn
	}

	env, err := address.Parse(text)
	if err != nil {
		h.log.Debug().Str("login", s.login).Msg("broadcasting message")
		h.handleBroadcast(BroadcastMessage{Sender: s, Event: EventChatMessage, Data: text})
		return nil
	}

	h.log.Info().
		Str("login", s.login).
		Str("destination", env.DestinationLogin()).
		Msg("sending private message to balancer for relay")
	if err := h.forwarder.Forward(env.Raw); err != nil {
		h.log.Warn().Err(err).Str("destination", env.Server).Msg("could not forward private message")
		return err
	}
	return nil
}

func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	for s := range h.sessions {
		if msg.Sender != nil && s == msg.Sender {
			continue
		}
		if err := s.peer.Emit(msg.Event, msg.Data); err != nil {
			h.log.Warn().Err(err).Str("remote", s.remote).Msg("dropping event for session")
		}
	}
}

func (h *Hub) handleDeliver(text string) error {
	env, err := address.Parse(text)
	if err != nil {
		h.log.Warn().Str("text", text).Msg("relayed message is not private; dropped")
		return err
	}

	destination := env.DestinationLogin()
	h.log.Info().Str("destination", destination).Msg("private message received from balancer")

	for s := range h.sessions {
		if s.login == destination {
			if err := s.peer.Emit(EventChatMessage, env.Raw); err != nil {
				h.log.Warn().Err(err).Str("destination", destination).Msg("private message not delivered")
				return err
			}
			h.log.Info().Str("destination", destination).Msg("private message delivered")
			return nil
		}
	}

	h.log.Warn().Str("destination", destination).Msg("destination user not found; dropped")
	return fmt.Errorf("destination user %s not found", destination)
}

// shutdownSessions closes every session's connection.
func (h *Hub) shutdownSessions() {
	h.log.Info().Msg("shutting down all sessions")

	for s := range h.sessions {
		s.peer.Close()
	}
	h.log.Info().Int("sessions", len(h.sessions)).Msg("closed session connections")
}

// Shutdown stops the hub and waits for session handlers to return, or until
// the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
