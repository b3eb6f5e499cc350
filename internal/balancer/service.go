// Package balancer assigns arriving clients to chat-server instances and
// relays private messages between instances that share no connection.
//
// Servers hold a persistent link to the balancer and announce their public
// address on it. Browsers hit the balancer's root page and are redirected to
// a reachable server picked round-robin. From then on chat traffic stays on
// that server, except private messages addressed to a user elsewhere, which
// travel server -> balancer -> destination server.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/address"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/transport"
)

// Event names on the server link.
const (
	EventServerAddress = "serverAddress"
	EventChatMessage   = "chat msg"
)

var (
	// ErrNoServersAvailable means no registered server answered a probe.
	ErrNoServersAvailable = errors.New("no servers available")

	// ErrDestinationServerNotFound means a private message targets a server
	// that is not registered.
	ErrDestinationServerNotFound = errors.New("destination server not found")
)

const unavailableBody = "<b>No servers available. Please try again later.</b>"

// Options configures a Service.
type Options struct {
	ProbeTimeout   time.Duration
	RedirectScheme string
	Link           transport.Options

	// SelectTimeout bounds one request's whole selection, however many
	// servers are probed. It must stay below the HTTP server's write timeout.
	SelectTimeout time.Duration
}

// DefaultSelectTimeout keeps a redirect inside the 15s write timeout of
// servers built by CreateServer.
const DefaultSelectTimeout = 10 * time.Second

// Service is the load balancer: registry, selector and prober composed
// behind an HTTP entry point and a server link endpoint.
type Service struct {
	registry     *registry.Registry
	selector     *Selector
	prober       Prober
	probeTimeout time.Duration
	selectLimit  time.Duration
	scheme       string
	linkOpts     transport.Options
	upgrader     *websocket.Upgrader
	log          zerolog.Logger
	relayLog     zerolog.Logger

	mu    sync.Mutex
	links map[*transport.Peer]struct{}
	wg    sync.WaitGroup
}

// NewService wires a balancer around reg. A nil selector starts a fresh
// rotation.
func NewService(reg *registry.Registry, selector *Selector, prober Prober, opts Options, log zerolog.Logger) *Service {
	if selector == nil {
		selector = NewSelector()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.RedirectScheme == "" {
		opts.RedirectScheme = "http"
	}
	if opts.SelectTimeout <= 0 {
		opts.SelectTimeout = DefaultSelectTimeout
	}

	return &Service{
		registry:     reg,
		selector:     selector,
		prober:       prober,
		probeTimeout: opts.ProbeTimeout,
		selectLimit:  opts.SelectTimeout,
		scheme:       opts.RedirectScheme,
		linkOpts:     opts.Link,
		// Chat servers are not browsers and send no Origin header.
		upgrader: transport.NewUpgrader(nil),
		log:      log.With().Str("component", "balancer").Logger(),
		relayLog: log.With().Str("component", "relay").Logger(),
		links:    make(map[*transport.Peer]struct{}),
	}
}

// Registry returns the registry the service owns.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// ServerURL turns an announced address into the URL clients are sent to.
// Addresses announced with a scheme are used verbatim.
func (s *Service) ServerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return s.scheme + "://" + addr
}

// Pick takes one snapshot of the registry and tries each address at most
// once, in rotation, until one answers its probe. Concurrent requests share
// the rotation but never repeat an address within one request. Every failed probe counts
// against the server and may evict it.
func (s *Service) Pick(ctx context.Context) (string, error) {
	snapshot := s.registry.Snapshot()
	if len(snapshot) == 0 {
		return "", ErrNoServersAvailable
	}

	tried := make(map[string]struct{}, len(snapshot))
	for range snapshot {
		addr, err := s.selector.NextUntried(snapshot, tried)
		if err != nil {
			return "", ErrNoServersAvailable
		}
		tried[addr] = struct{}{}

		result := s.awaitProbe(ctx, addr)
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if result.Reachable() {
			s.registry.RecordSuccess(addr)
			return addr, nil
		}

		switch s.registry.RecordFailure(addr) {
		case registry.Offline:
			s.log.Warn().Str("address", addr).Err(result.Err).Msg("server offline")
		default:
			s.log.Info().Str("address", addr).Err(result.Err).
				Msg("server did not respond; it will be tried again on a later request")
		}
	}

	return "", ErrNoServersAvailable
}

// awaitProbe waits for an asynchronous probe, so a slow server only holds up
// the request that is probing it.
func (s *Service) awaitProbe(ctx context.Context, addr string) Result {
	timer := time.NewTimer(s.probeTimeout)
	defer timer.Stop()

	select {
	case result := <-probeAsync(ctx, s.prober, addr, s.ServerURL(addr), s.probeTimeout):
		return result
	case <-timer.C:
		return Result{Address: addr, Err: fmt.Errorf("%w: probe timed out after %s", ErrUnreachable, s.probeTimeout)}
	case <-ctx.Done():
		return Result{Address: addr, Err: ctx.Err()}
	}
}

// RootHandler redirects the client to a reachable chat server, or answers
// 503 when there is none.
func (s *Service) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.selectLimit)
	defer cancel()

	addr, err := s.Pick(ctx)
	if err != nil {
		if r.Context().Err() != nil {
			s.log.Debug().Err(err).Msg("client went away during selection")
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn().Dur("limit", s.selectLimit).Msg("selection took too long")
		}
		s.log.Warn().Int("servers", s.registry.Len()).Msg("no servers available")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, unavailableBody)
		return
	}

	target := s.ServerURL(addr)
	s.log.Info().Str("address", addr).Str("client", r.RemoteAddr).Msg("redirecting client")
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// LinkHandler upgrades a chat server's persistent connection and serves its
// events until the connection is lost.
func (s *Service) LinkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Link endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("link upgrade failed")
		return
	}

	peer := transport.NewPeer(conn, r.RemoteAddr, s.linkOpts, s.log)
	if !s.track(peer) {
		peer.Close()
		return
	}
	defer s.untrack(peer)

	s.serveLink(peer)
}

// serveLink handles one server link. The announced address is only touched
// from the link's read loop.
func (s *Service) serveLink(peer *transport.Peer) {
	var announced string

	peer.Serve(func(event, data string) {
		switch event {
		case EventServerAddress:
			addr := strings.TrimSpace(data)
			if addr == "" {
				s.log.Warn().Str("peer", peer.Addr()).Msg("empty server address announced")
				return
			}
			if announced != "" && announced != addr {
				s.registry.UnregisterConn(announced, peer)
			}
			announced = addr
			s.registry.Register(addr, peer)
			s.log.Info().Str("address", addr).Msg("server connected to balancer")

		case EventChatMessage:
			if announced == "" {
				s.relayLog.Warn().Str("peer", peer.Addr()).Msg("message on a link that has not announced its address; dropped")
				return
			}
			if err := s.Relay(announced, data); err != nil {
				s.relayLog.Debug().Err(err).Msg("message dropped")
			}

		default:
			s.log.Debug().Str("event", event).Str("peer", peer.Addr()).Msg("ignoring unknown link event")
		}
	})

	if announced != "" && s.registry.UnregisterConn(announced, peer) {
		s.log.Info().Str("address", announced).Msg("server went offline")
	}
}

// Relay forwards a private message verbatim to the server it is addressed
// to. Messages for unknown servers are dropped; the sender is not told.
func (s *Service) Relay(source, text string) error {
	env, err := address.Parse(text)
	if err != nil {
		s.relayLog.Warn().Str("source", source).Str("text", text).Msg("non-private message on server link; dropped")
		return err
	}

	s.relayLog.Info().
		Str("source", source).
		Str("destination", env.Server).
		Str("login", env.DestinationLogin()).
		Msg("private message received for relay")

	record, ok := s.registry.Lookup(env.Server)
	if !ok {
		s.relayLog.Warn().
			Str("source", source).
			Str("destination", env.Server).
			Msg("destination server not found; message dropped")
		return fmt.Errorf("%w: %s", ErrDestinationServerNotFound, env.Server)
	}

	if err := record.Conn.Emit(EventChatMessage, env.Raw); err != nil {
		s.relayLog.Warn().Err(err).
			Str("source", source).
			Str("destination", env.Server).
			Msg("forwarding failed; message dropped")
		return fmt.Errorf("forward to %s: %w", env.Server, err)
	}

	s.relayLog.Info().
		Str("source", source).
		Str("destination", env.Server).
		Msg("private message forwarded")
	return nil
}

func (s *Service) track(peer *transport.Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links == nil {
		return false
	}
	s.links[peer] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Service) untrack(peer *transport.Peer) {
	s.mu.Lock()
	if s.links != nil {
		delete(s.links, peer)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every server link and waits for their handlers to return,
// or until the timeout is reached.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.log.Info().Msg("closing server links")

	s.mu.Lock()
	peers := make([]*transport.Peer, 0, len(s.links))
	for peer := range s.links {
		peers = append(peers, peer)
	}
	s.links = nil
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Int("links", len(peers)).Msg("server links closed")
		return nil
	case <-time.After(timeout):
		s.log.Warn().Msg("link shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
