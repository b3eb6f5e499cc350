// Package config loads runtime settings for the balancer and chat server
// processes from environment variables, with defaults for every value.
package config

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultBalancerPort     = ":8000"
	defaultProbeTimeout     = 2 * time.Second
	defaultSelectTimeout    = 10 * time.Second
	defaultFailureThreshold = 4
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxMessageSize   = 512
	defaultRateLimitBurst   = 5
	defaultRefillInterval   = time.Second
	defaultReconnectMax     = 30 * time.Second

	// Chat servers started without a port pick one in this range.
	randomPortMin = 8001
	randomPortMax = 10000
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Balancer holds the load balancer settings.
type Balancer struct {
	Port             string        `env:"PORT" envDefault:":8000"`
	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT" envDefault:"2s"`
	SelectTimeout    time.Duration `env:"SELECT_TIMEOUT" envDefault:"10s"`
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"4"`
	RedirectScheme   string        `env:"REDIRECT_SCHEME" envDefault:"http"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Log              LogConfig
}

// ChatServer holds the chat server instance settings.
type ChatServer struct {
	Host                 string        `env:"HOST" envDefault:"localhost"`
	Port                 string        `env:"PORT"`
	BalancerURL          string        `env:"BALANCER_URL" envDefault:"ws://localhost:8000/link"`
	AllowedOrigins       []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE" envDefault:"512"`
	ReconnectMaxInterval time.Duration `env:"RECONNECT_MAX_INTERVAL" envDefault:"30s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RateLimit            RateLimitConfig
	Log                  LogConfig
}

// LoadBalancer reads BALANCER_* variables.
func LoadBalancer() (*Balancer, error) {
	var cfg Balancer
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "BALANCER_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// LoadChatServer reads CHAT_* variables.
func LoadChatServer() (*ChatServer, error) {
	var cfg ChatServer
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CHAT_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize restores defaults for empty or out-of-range values.
func (c *Balancer) Sanitize() {
	c.Port = normalizeListenPort(c.Port, defaultBalancerPort)
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.SelectTimeout <= 0 {
		c.SelectTimeout = defaultSelectTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RedirectScheme == "" {
		c.RedirectScheme = "http"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	c.Log.sanitize()
}

// Sanitize restores defaults for empty or out-of-range values. An empty
// port is replaced by a random one.
func (c *ChatServer) Sanitize() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	c.Port = strings.TrimPrefix(strings.TrimSpace(c.Port), ":")
	if c.Port == "" {
		c.Port = RandomPort()
	}
	if c.BalancerURL == "" {
		c.BalancerURL = "ws://localhost:8000/link"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateLimitBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefillInterval
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = defaultReconnectMax
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	c.AllowedOrigins = cleanOrigins(c.AllowedOrigins)
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://" + c.PublicAddress()}
	}
	c.Log.sanitize()
}

// PublicAddress is the `host:port` this instance announces to the balancer
// and embeds in its users' routable logins.
func (c *ChatServer) PublicAddress() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// ListenAddr is the address the HTTP server binds to.
func (c *ChatServer) ListenAddr() string {
	return ":" + c.Port
}

func (l *LogConfig) sanitize() {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	if l.Level == "" {
		l.Level = "info"
	}
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	if l.Format != "console" {
		l.Format = "json"
	}
}

// RandomPort returns a port in the range reserved for chat servers.
func RandomPort() string {
	return strconv.Itoa(randomPortMin + rand.IntN(randomPortMax-randomPortMin+1))
}

// ParseOrigins splits a comma-separated origin list.
func ParseOrigins(origins string) []string {
	return cleanOrigins(strings.Split(origins, ","))
}

func cleanOrigins(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func normalizeListenPort(port, fallback string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return fallback
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// BalancerHTTPURL derives the balancer's HTTP base URL from its websocket
// link URL, for log messages pointing users at the entry point.
func (c *ChatServer) BalancerHTTPURL() string {
	u, err := url.Parse(c.BalancerURL)
	if err != nil {
		return c.BalancerURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/"
	return u.String()
}
