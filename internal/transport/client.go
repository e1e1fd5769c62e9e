package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/pkg/logger"

	"github.com/gorilla/websocket"
)

type Options struct {
	// URL is the websocket base, e.g. ws://localhost:8080/ws.
	URL       string
	Namespace string
	Query     url.Values
	Header    http.Header

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	SendBuffer       int
}

func (o *Options) setDefaults() {
	if o.Namespace == "" {
		o.Namespace = "chat"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Endpoint is the full URL dialled for these options.
func (o Options) Endpoint() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("invalid transport url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(o.Namespace, "/")
	if len(o.Query) > 0 {
		q := u.Query()
		for k, vs := range o.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Client is a reconnecting websocket Socket. It raises connect after every
// successful dial and disconnect after every lost connection.
type Client struct {
	opts     Options
	endpoint string
	dialer   *websocket.Dialer
	log      *logger.Logger

	mu       sync.Mutex
	handlers map[models.EventName][]Handler
	conn     *websocket.Conn
	send     chan []byte
	closed   bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(opts Options) (*Client, error) {
	opts.setDefaults()
	endpoint, err := opts.Endpoint()
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:     opts,
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		log:      logger.GlobalLogger.With("transport"),
		handlers: make(map[models.EventName][]Handler),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the connect loop until ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

func (c *Client) On(event models.EventName, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *Client) Emit(event models.EventName, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops reconnecting, closes the live connection and drops all
// handlers. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.handlers = make(map[models.EventName][]Handler)
		started := c.cancel != nil
		if started {
			c.cancel()
		}
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()

		if !started {
			close(c.done)
			return
		}
		<-c.done
	})
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := c.backoff(attempt)
			attempt++
			c.log.Zerolog().Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("dial failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, c.backoff(0)) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.send = make(chan []byte, c.opts.SendBuffer)
	return conn, nil
}

// serve runs one connection's lifetime and returns once it is gone.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send, stop)
	}()

	c.log.Info("connected to %s", c.endpoint)
	c.fire(models.EventConnect, nil)

	err := c.readPump(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	c.send = nil
	c.mu.Unlock()
	close(stop)
	<-writerDone
	conn.Close()

	if err != nil && ctx.Err() == nil {
		c.log.Warn("connection lost: %v", err)
	}
	c.fire(models.EventDisconnect, nil)
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			c.log.Warn("discarding undecodable frame (%d bytes)", len(frame))
			continue
		}
		c.fire(env.Event, env.Data)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Error("Write error: %v", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) fire(event models.EventName, data json.RawMessage) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// backoff doubles from ReconnectMin up to ReconnectMax with up to 20% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectMin
	for i := 0; i < attempt && d < c.opts.ReconnectMax; i++ {
		d *= 2
	}
	if d > c.opts.ReconnectMax {
		d = c.opts.ReconnectMax
	}
	if d <= 0 {
		d = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ Socket = (*Client)(nil)

// IsTransient reports whether err only means the socket is down right now.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrBufferFull)
}
