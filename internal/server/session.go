// Package server manages individual user sessions: the websocket peer, the
// rate limiter and the events a user may send.
package server

import (
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/transport"
)

// Session is one connected user. The login field is owned by the hub's Run
// goroutine and holds the full `nick@server` once the user has logged in.
type Session struct {
	peer    *transport.Peer
	hub     *Hub
	remote  string
	limiter *rateLimiter
	typing  *rateLimiter
	log     zerolog.Logger

	login string
}

// NewSession wraps a user's peer.
func NewSession(peer *transport.Peer, hub *Hub, limit config.RateLimitConfig, log zerolog.Logger) *Session {
	return &Session{
		peer:    peer,
		hub:     hub,
		remote:  peer.Addr(),
		limiter: newRateLimiter(limit.Burst, limit.RefillInterval),
		typing:  newRateLimiter(limit.Burst, limit.RefillInterval),
		log:     log.With().Str("component", "session").Str("remote", peer.Addr()).Logger(),
	}
}

// Serve registers the session, handles its events until the user
// disconnects, then destroys the session.
func (s *Session) Serve() {
	if !s.hub.Register(s) {
		s.peer.Close()
		return
	}
	defer s.hub.release()
	defer s.hub.Unregister(s)

	s.peer.Serve(s.handle)
}

func (s *Session) handle(event, data string) {
	switch event {
	case EventLogin:
		if err := s.hub.Login(s, data); err != nil {
			s.log.Info().Err(err).Str("nick", data).Msg("login rejected")
			_ = s.peer.Emit(EventLoginError, err.Error())
		}

	case EventChatMessage:
		if !s.allow() {
			return
		}
		s.hub.Chat(s, data)

	case EventStatus:
		// Typing indicators are best effort and never cost chat tokens.
		if !s.typing.allow() {
			return
		}
		s.hub.Broadcast(BroadcastMessage{Sender: s, Event: EventStatus, Data: data})

	default:
		s.log.Debug().Str("event", event).Msg("ignoring unknown event")
	}
}

func (s *Session) allow() bool {
	if s.limiter != nil && !s.limiter.allow() {
		s.log.Warn().
			Float64("burst", s.limiter.capacity).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}
