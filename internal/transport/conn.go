// Package transport carries wire messages over websockets and hosts the communication
// groups document sessions multicast through.
package transport

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	"github.com/charlesng35/collabd/pkg/logger"
	"github.com/charlesng35/collabd/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultMaxMessageSize = 1 << 20 // 1 MiB
	DefaultMaxQueued      = 1 << 16
)

// Poster schedules work on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Options tune websocket connections.
type Options struct {
	MaxMessageSize int64
	// MaxQueued is the number of unwritten messages after which the peer is
	// considered stuck and the connection is closed.
	MaxQueued int
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.MaxQueued <= 0 {
		o.MaxQueued = DefaultMaxQueued
	}
	return o
}

// Upgrader turns HTTP requests into websocket connections.
type Upgrader struct {
	upgrader websocket.Upgrader
	opts     Options
}

// NewUpgrader constructs an upgrader accepting same-origin and loopback origins.
func NewUpgrader(opts Options) *Upgrader {
	return &Upgrader{
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Upgrade upgrades the request. The returned connection is idle until StartWriting
// or Run is called.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, claims *auth.Claims) (*Conn, error) {
	socket, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(socket, claims, u.opts), nil
}

type envelope struct {
	msg  *wire.Message
	sent func()
}

// Conn is a websocket connection speaking wire messages.
type Conn struct {
	id     string
	socket *websocket.Conn
	remote string
	claims *auth.Claims
	opts   Options
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  []envelope
	wake   chan struct{}
	done   chan struct{}

	// order is held from the start of a write carrying a notification until the
	// notification is posted, and while posting inbound messages. A frame the peer
	// sends in reaction to a write is therefore posted after that write's notification.
	order sync.Mutex

	writing sync.Once
	once    sync.Once
	err     error
}

var (
	_ session.Connection = (*Conn)(nil)
	_ auth.Identified    = (*Conn)(nil)
)

func newConn(socket *websocket.Conn, claims *auth.Claims, opts Options) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:     id,
		socket: socket,
		remote: socket.RemoteAddr().String(),
		claims: claims,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    logger.WithModule("transport").With(zap.String("conn", id)),
	}
	metrics.WebsocketConnections.Inc()
	return c
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) RemoteAddr() string   { return c.remote }
func (c *Conn) Claims() *auth.Claims { return c.claims }

// Send queues msg without blocking. Messages are written in the order they were
// queued. A connection with more than MaxQueued unwritten messages is closed.
func (c *Conn) Send(msg *wire.Message, sent func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if len(c.queue) >= c.opts.MaxQueued {
		c.log.Warn("dropping stuck connection",
			zap.String("remote_addr", c.remote),
			zap.Int("queued", len(c.queue)),
		)
		go c.Close()
		return false
	}

	c.queue = append(c.queue, envelope{msg: msg, sent: sent})
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Queued returns the number of messages waiting to be written.
func (c *Conn) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) next() (envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.queue) == 0 {
		return envelope{}, false
	}
	env := c.queue[0]
	c.queue[0] = envelope{}
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return env, true
}

// StartWriting launches the write pump. Messages queued before are flushed right away.
// Calling it again has no effect.
func (c *Conn) StartWriting(loop Poster) {
	c.writing.Do(func() { go c.writeLoop(loop) })
}

// Run pumps messages until the connection ends. Inbound messages and write
// notifications are posted to loop; onClose is posted once the connection ended.
func (c *Conn) Run(loop Poster, onMessage func(*Conn, *wire.Message), onClose func(*Conn)) {
	c.StartWriting(loop)
	c.readLoop(loop, onMessage)

	loop.Post(func() { onClose(c) })
}

func (c *Conn) readLoop(loop Poster, onMessage func(*Conn, *wire.Message)) {
	defer c.Close()

	c.socket.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("unexpected close", zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			c.log.Debug("invalid payload", zap.Error(err))
			continue
		}

		c.order.Lock()
		posted := loop.Post(func() { onMessage(c, msg) })
		c.order.Unlock()
		if !posted {
			return
		}
	}
}

func (c *Conn) writeLoop(loop Poster) {
	defer c.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			for {
				env, ok := c.next()
				if !ok {
					break
				}
				if err := c.write(loop, env); err != nil {
					c.log.Debug("write failed", zap.Error(err))
					return
				}
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(loop Poster, env envelope) error {
	payload, err := wire.Encode(env.msg)
	if err != nil {
		c.log.Error("encode message", zap.String("message", env.msg.Name), zap.Error(err))
		return nil
	}

	if env.sent != nil {
		c.order.Lock()
		defer c.order.Unlock()
	}

	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	if env.sent != nil {
		loop.Post(env.sent)
	}
	return nil
}

// Close shuts the connection down. It is safe to call more than once and from any
// goroutine.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		close(c.done)
		c.mu.Unlock()

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.err = multierr.Append(
			ignoreClosed(c.socket.WriteControl(websocket.CloseMessage, msg, deadline)),
			ignoreClosed(c.socket.Close()),
		)
		metrics.WebsocketConnections.Dec()
	})
	return c.err
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
