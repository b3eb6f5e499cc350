package server

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/transport"
)

// Uplink is the instance's persistent connection to the balancer. It
// announces the instance's public address after every (re)connect and hands
// relayed private messages to a delivery function.
type Uplink struct {
	url         string
	public      string
	opts        transport.Options
	maxInterval time.Duration
	log         zerolog.Logger

	mu   sync.RWMutex
	peer *transport.Peer

	connected chan struct{}
	once      sync.Once
}

// NewUplink prepares a connection to the balancer link endpoint at url for
// the instance reachable at public.
func NewUplink(url, public string, maxInterval time.Duration, opts transport.Options, log zerolog.Logger) *Uplink {
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	return &Uplink{
		url:         url,
		public:      public,
		opts:        opts,
		maxInterval: maxInterval,
		log:         log.With().Str("component", "uplink").Str("balancer", url).Logger(),
		connected:   make(chan struct{}),
	}
}

// Connected is closed after the first successful announcement.
func (u *Uplink) Connected() <-chan struct{} {
	return u.connected
}

// Forward sends a private message to the balancer for relay.
func (u *Uplink) Forward(text string) error {
	u.mu.RLock()
	peer := u.peer
	u.mu.RUnlock()

	if peer == nil {
		return ErrUplinkDown
	}
	return peer.Emit(EventChatMessage, text)
}

// Run keeps the uplink connected until ctx is canceled, backing off
// exponentially between failed attempts.
func (u *Uplink) Run(ctx context.Context, deliver func(text string)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = u.maxInterval

	for {
		err := u.connectAndServe(ctx, deliver, b.Reset)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		if err != nil {
			u.log.Warn().Err(err).Dur("retry_in", wait).Msg("balancer unreachable")
		} else {
			u.log.Warn().Dur("retry_in", wait).Msg("balancer connection lost")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectAndServe dials once and serves the link until it drops. onConnect
// runs after a successful announcement.
func (u *Uplink) connectAndServe(ctx context.Context, deliver func(text string), onConnect func()) error {
	conn, err := transport.Dial(ctx, u.url, nil)
	if err != nil {
		return err
	}

	peer := transport.NewPeer(conn, u.url, u.opts, u.log)
	if err := peer.Emit(EventServerAddress, u.public); err != nil {
		peer.Close()
		return err
	}

	u.setPeer(peer)
	defer u.setPeer(nil)

	onConnect()
	u.once.Do(func() { close(u.connected) })
	u.log.Info().Str("address", u.public).Msg("connected to balancer")

	stop := context.AfterFunc(ctx, peer.Close)
	defer stop()

	peer.Serve(func(event, data string) {
		switch event {
		case EventChatMessage:
			deliver(data)
		default:
			u.log.Debug().Str("event", event).Msg("ignoring unknown balancer event")
		}
	})
	return nil
}

func (u *Uplink) setPeer(peer *transport.Peer) {
	u.mu.Lock()
	u.peer = peer
	u.mu.Unlock()
}
