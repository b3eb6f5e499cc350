// Package transport carries named events over websocket connections. Every
// persistent link in the system (user to chat server, chat server to
// balancer) is a Peer exchanging Frames.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned when emitting on a peer whose connection is gone.
	ErrClosed = errors.New("transport: peer closed")

	// ErrSendQueueFull is returned when a slow peer cannot keep up. The peer
	// is closed when this happens.
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// Frame is the JSON wire form of one event.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Options tunes a Peer. Zero values fall back to DefaultOptions.
type Options struct {
	MaxMessageSize int64
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

// DefaultOptions returns the keepalive and buffering defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 4096,
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
	}
}

func (o Options) sanitize() Options {
	d := DefaultOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	return o
}

// Handler receives every event read from a peer, in arrival order.
type Handler func(event, data string)

// Peer wraps one websocket connection.
type Peer struct {
	conn *websocket.Conn
	addr string
	opts Options
	log  zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewPeer wraps conn. addr identifies the remote end in log lines.
func NewPeer(conn *websocket.Conn, addr string, opts Options, log zerolog.Logger) *Peer {
	opts = opts.sanitize()
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return &Peer{
		conn: conn,
		addr: addr,
		opts: opts,
		log:  log.With().Str("peer", addr).Logger(),
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// Addr returns the remote address the peer was created with.
func (p *Peer) Addr() string {
	return p.addr
}

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Emit queues an event for delivery without blocking.
func (p *Peer) Emit(event, data string) error {
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.send <- payload:
		return nil
	case <-p.done:
		return ErrClosed
	default:
		p.log.Warn().Str("event", event).Msg("send queue full; closing peer")
		p.Close()
		return ErrSendQueueFull
	}
}

// Close stops both pumps and closes the connection. It is safe to call more
// than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Serve runs the write pump in the background and the read pump in the
// calling goroutine, handing each decoded frame to handle. It returns when
// the connection is lost or the peer is closed. The write pump owns closing
// the connection, which is also what unblocks the read pump after Close.
func (p *Peer) Serve(handle Handler) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writePump()
	}()

	p.readPump(handle)
	p.Close()
	<-writerDone
}

func (p *Peer) readPump(handle Handler) {
	p.setupReadConnection()

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			p.logReadError(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			p.log.Warn().Err(err).Msg("invalid frame")
			continue
		}
		if frame.Event == "" {
			p.log.Warn().Msg("frame without event name")
			continue
		}

		p.log.Debug().Str("event", frame.Event).Msg("frame received")
		handle(frame.Event, frame.Data)
	}
}

func (p *Peer) setupReadConnection() {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait)); err != nil {
		p.log.Error().Err(err).Msg("setting initial read deadline")
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))
	})
}

// logReadError reports why the read loop ended at a level that matches how
// surprising the cause is.
func (p *Peer) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		p.log.Warn().Int64("limit", p.opts.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		p.log.Info().Err(err).Msg("peer disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		p.log.Info().Err(err).Msg("peer connection closed")
	default:
		p.log.Error().Err(err).Msg("websocket read error")
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(p.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-p.send:
			if !p.write(websocket.TextMessage, message) {
				p.Close()
				return
			}
		case <-ticker.C:
			if !p.write(websocket.PingMessage, nil) {
				p.Close()
				return
			}
		case <-p.done:
			p.drain()
			p.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			p.closeConnection()
			return
		}
	}
}

// drain flushes frames queued before Close so that a final event is not lost.
func (p *Peer) drain() {
	for {
		select {
		case message := <-p.send:
			if !p.write(websocket.TextMessage, message) {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) write(messageType int, payload []byte) bool {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			p.log.Error().Err(err).Msg("setting write deadline")
		}
		return false
	}
	if err := p.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			p.log.Error().Err(err).Int("type", messageType).Msg("writing message")
		}
		return false
	}
	return true
}

func (p *Peer) closeConnection() {
	if err := p.conn.Close(); err != nil && !isExpectedCloseError(err) {
		p.log.Error().Err(err).Msg("closing connection")
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
