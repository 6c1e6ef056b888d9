// Package connector implements the network connectors for the game server:
// the websocket transport carrying the line protocol and the HTTP login
// service that turns a challenge into a signed assertion.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/energizer-project/ladderbot/internal/util"
)

const (
	DefaultServerURL = "wss://sim3.psim.us/showdown/websocket"

	keepAliveInterval  = 30 * time.Second
	readTimeout        = 3 * keepAliveInterval
	writeTimeout       = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
	lineBuffer         = 64
)

var (
	// ErrNotConnected is returned by Send before Dial succeeded.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connection closed")
)

// ShowdownConn is the websocket connection to the game server. Each inbound
// websocket message is one frame of protocol lines, delivered unmodified on
// Lines. Writes are serialized.
type ShowdownConn struct {
	url         string
	dialTimeout time.Duration
	dialer      *websocket.Dialer
	logger      zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	lines     chan string
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.RWMutex
	err   error
}

// NewShowdownConn creates an unconnected transport for url.
func NewShowdownConn(url string, dialTimeout time.Duration) *ShowdownConn {
	if url == "" {
		url = DefaultServerURL
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &ShowdownConn{
		url:         url,
		dialTimeout: dialTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		logger: util.ComponentLogger("showdown"),
		lines:  make(chan string, lineBuffer),
		done:   make(chan struct{}),
	}
}

// Dial opens the websocket and starts the read and keepalive loops.
func (c *ShowdownConn) Dial(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	c.logger.Info().Str("url", c.url).Msg("connecting to game server")
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("connected to game server")

	go c.readLoop(conn)
	go c.keepAlive(conn)
	return nil
}

// Lines returns the inbound frame stream. It is closed when the connection
// ends; Err then reports the cause.
func (c *ShowdownConn) Lines() <-chan string {
	return c.lines
}

// Done is closed once Close has been called.
func (c *ShowdownConn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, or nil after a
// local Close.
func (c *ShowdownConn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Send writes one protocol line as a text message.
func (c *ShowdownConn) Send(line string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close sends a close frame and tears down the socket. Safe to call more
// than once.
func (c *ShowdownConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			close(c.lines)
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
		c.logger.Info().Msg("disconnected from game server")
	})
	return err
}

// readLoop forwards frames until the socket fails or is closed. It owns
// closing the lines channel.
func (c *ShowdownConn) readLoop(conn *websocket.Conn) {
	defer close(c.lines)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close; not a transport fault.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Error().Err(err).Msg("error reading from game server")
				} else {
					c.logger.Warn().Err(err).Msg("game server closed connection")
				}
				c.setErr(fmt.Errorf("read failed: %w", err))
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.logger.Trace().Int("bytes", len(data)).Msg("frame received")

		select {
		case c.lines <- string(data):
		case <-c.done:
			return
		}
	}
}

// keepAlive pings the server so idle periods between battles do not trip
// the read deadline.
func (c *ShowdownConn) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()

			if err != nil {
				c.logger.Warn().Err(err).Msg("failed to send keepalive")
				return
			}
			c.logger.Trace().Msg("keepalive sent")
		}
	}
}

func (c *ShowdownConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
