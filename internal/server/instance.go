package server

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/transport"
)

// Instance is one chat server: the hub owning local sessions, the uplink to
// the balancer and the HTTP surface users connect to.
type Instance struct {
	cfg      config.ChatServer
	hub      *Hub
	uplink   *Uplink
	origins  *OriginPolicy
	upgrader *websocket.Upgrader
	userOpts transport.Options
	log      zerolog.Logger
}

// NewInstance wires an instance from cfg. Call Run to start it.
func NewInstance(cfg config.ChatServer, log zerolog.Logger) *Instance {
	public := cfg.PublicAddress()
	log = log.With().Str("server", public).Logger()

	userOpts := transport.DefaultOptions()
	userOpts.MaxMessageSize = cfg.MaxMessageSize

	uplink := NewUplink(cfg.BalancerURL, public, cfg.ReconnectMaxInterval, transport.Options{}, log)
	origins := NewOriginPolicy(cfg.AllowedOrigins, log)

	return &Instance{
		cfg:      cfg,
		hub:      NewHub(public, uplink, log),
		uplink:   uplink,
		origins:  origins,
		upgrader: transport.NewUpgrader(origins.CheckOrigin),
		userOpts: userOpts,
		log:      log,
	}
}

// Hub returns the instance's session hub.
func (i *Instance) Hub() *Hub {
	return i.hub
}

// Uplink returns the instance's balancer connection.
func (i *Instance) Uplink() *Uplink {
	return i.uplink
}

// PublicAddress is the address announced to the balancer.
func (i *Instance) PublicAddress() string {
	return i.hub.Home()
}

// Run starts the hub and keeps the balancer uplink alive until ctx is
// canceled, then shuts the hub down.
func (i *Instance) Run(ctx context.Context) error {
	go i.hub.Run()
	i.log.Info().Msg("hub started and ready to manage sessions")

	err := i.uplink.Run(ctx, i.hub.Deliver)

	if shutdownErr := i.hub.Shutdown(i.cfg.ShutdownTimeout); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
