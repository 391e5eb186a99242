// Package websocket carries the persistent-connection protocol over
// gorilla/websocket. Each upgraded socket gets a Conn, which implements the
// dispatcher's outbound Transport, and a read loop feeding the dispatcher.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/envelope"
)

const (
	writeWait     = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	sendQueueSize = 64
)

// ErrConnClosed is returned by Send once the socket is shutting down.
var ErrConnClosed = errors.New("websocket: connection closed")

// Conn owns the write side of one socket. A single writer goroutine drains
// the send queue and sends pings; nothing else writes to the socket until
// it has exited.
type Conn struct {
	id      string
	ws      *websocket.Conn
	codec   envelope.Codec
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.WebSocketMetrics

	queue    chan envelope.Envelope
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newConn(id string, ws *websocket.Conn, codec envelope.Codec, clock clockwork.Clock, logger *slog.Logger, m *metrics.WebSocketMetrics) *Conn {
	c := &Conn{
		id:      id,
		ws:      ws,
		codec:   codec,
		clock:   clock,
		logger:  logger,
		metrics: m,
		queue:   make(chan envelope.Envelope, sendQueueSize),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues env, waiting while the queue is full.
func (c *Conn) Send(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues env only if there is room. A full queue counts as a slow
// client and the envelope is dropped.
func (c *Conn) TrySend(env envelope.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.queue <- env:
		return true
	default:
		if c.metrics != nil {
			c.metrics.SlowClients.Inc()
		}
		return false
	}
}

func (c *Conn) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case env := <-c.queue:
			if err := c.write(env); err != nil {
				c.logger.Debug("WebSocket write failed", "connection_id", c.id, "error", err)
				_ = c.ws.Close()
				return
			}
			if env.Close {
				c.writeClose(websocket.CloseNormalClosure, env.Reason)
				_ = c.ws.Close()
				return
			}
		case <-ticker.Chan():
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				// Ping failed - client likely disconnected
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(env envelope.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		// An unencodable envelope is dropped, the socket stays up.
		c.logger.Error("Failed to encode envelope", "connection_id", c.id, "type", env.Type, "error", err)
		return nil
	}

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	c.setWriteDeadline()
	return c.ws.WriteMessage(messageType, data)
}

// stop ends the writer, then sends a close frame with code and reason and
// closes the socket.
func (c *Conn) stop(code int, reason string) {
	c.stopOnce.Do(func() {
		close(c.done)
		// Wait for the writer before touching the socket.
		c.wg.Wait()
		c.writeClose(code, reason)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// Deadlines are wall-clock times handed to the network stack.
func (c *Conn) setWriteDeadline() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
}
