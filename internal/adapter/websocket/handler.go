package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/dispatch"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/pscheid92/opwire/internal/platform/correlation"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/ratelimit"
)

const defaultReadLimit = 64 << 10

// Handler upgrades HTTP requests and serves each socket until it closes.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	admission  *ratelimit.Admission
	upgrader   websocket.Upgrader
	readLimit  int64
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.WebSocketMetrics

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

type Option func(*Handler)

// WithAdmission applies connection limits before upgrading.
func WithAdmission(a *ratelimit.Admission) Option {
	return func(h *Handler) { h.admission = a }
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// WithReadLimit caps the size of an inbound message in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(h *Handler) { h.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *metrics.WebSocketMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(d *dispatch.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    envelope.Subprotocols(),
		},
		readLimit: defaultReadLimit,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		conns:     make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP serves a socket, taking the client address from RemoteAddr.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Serve(w, r, remoteIP(r))
}

// Serve admits, upgrades and serves one socket for the client at clientIP.
// It returns when the socket has closed.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, clientIP string) {
	if h.admission != nil {
		ok, reason := h.admission.Acquire(clientIP)
		if !ok {
			if h.metrics != nil {
				h.metrics.Rejected.WithLabelValues(string(reason)).Inc()
			}
			h.logger.WarnContext(r.Context(), "WebSocket connection rejected", "ip", clientIP, "reason", reason)
			writeError(w, apperrors.Throttled("too many connections").WithContext("reason", string(reason)))
			return
		}
		defer h.admission.Release(clientIP)
	}

	if !h.track() {
		writeError(w, apperrors.Throttled("server shutting down"))
		return
	}
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.DebugContext(r.Context(), "WebSocket upgrade failed", "ip", clientIP, "error", err)
		return
	}

	subprotocol := ws.Subprotocol()
	id := uuid.NewString()
	conn := newConn(id, ws, envelope.ForSubprotocol(subprotocol), h.clock, h.logger, h.metrics)
	if !h.add(conn) {
		conn.stop(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.remove(conn)

	// The socket outlives the upgrade request; its logs correlate by connection id.
	ctx := correlation.WithID(context.WithoutCancel(r.Context()), id)
	dc := h.dispatcher.Open(ctx, conn, domain.ConnectionInfo{
		ID:         id,
		RemoteAddr: clientIP,
		UserAgent:  r.UserAgent(),
	})

	h.logger.DebugContext(ctx, "WebSocket connected", "connection_id", id, "subprotocol", subprotocol)
	h.readLoop(ctx, ws, dc)

	dc.Close()
	conn.stop(websocket.CloseNormalClosure, "")
}

// readLoop decodes inbound messages until the socket fails or the
// connection actor has shut down. Text messages are JSON, binary are CBOR.
// Malformed messages are dropped.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, dc *dispatch.Connection) {
	ws.SetReadLimit(h.readLimit)
	extendReadDeadline(ws)
	ws.SetPongHandler(func(string) error {
		extendReadDeadline(ws)
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.DebugContext(ctx, "WebSocket read failed", "connection_id", dc.ID(), "error", err)
			}
			return
		}
		extendReadDeadline(ws)

		var codec envelope.Codec = envelope.JSON{}
		if messageType == websocket.BinaryMessage {
			codec = envelope.CBOR{}
		}
		env, err := codec.Decode(data)
		if err != nil {
			h.logger.DebugContext(ctx, "Dropping malformed envelope", "connection_id", dc.ID(), "error", err)
			continue
		}

		if err := dc.Handle(ctx, env); err != nil {
			if !errors.Is(err, dispatch.ErrClosed) {
				h.logger.WarnContext(ctx, "Failed to handle envelope", "connection_id", dc.ID(), "error", err)
			}
			return
		}
		if env.Close {
			return
		}
	}
}

// Shutdown closes every socket with a going-away frame and waits for their
// handlers to return or ctx to end. New upgrades are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.stop(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of open sockets.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func extendReadDeadline(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, e *apperrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}
