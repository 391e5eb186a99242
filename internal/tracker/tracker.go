// Package tracker observes persistent connection lifecycles.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/domain"
)

// Observer logs lifecycle events and records connection metrics.
// Either the logger or the metrics may be nil.
type Observer struct {
	logger  *slog.Logger
	metrics *metrics.WebSocketMetrics
}

func New(logger *slog.Logger, m *metrics.WebSocketMetrics) *Observer {
	return &Observer{logger: logger, metrics: m}
}

func (o *Observer) OnOpened(ctx context.Context, info domain.ConnectionInfo) {
	if o.metrics != nil {
		o.metrics.ActiveConnections.Inc()
	}
	if o.logger != nil {
		o.logger.InfoContext(ctx, "Connection opened", "remote_addr", info.RemoteAddr, "user_agent", info.UserAgent)
	}
}

func (o *Observer) OnReceived(ctx context.Context, _ string, messageType string) {
	if o.metrics != nil {
		o.metrics.MessagesReceived.WithLabelValues(messageType).Inc()
	}
	if o.logger != nil {
		o.logger.DebugContext(ctx, "Message received", "type", messageType)
	}
}

func (o *Observer) OnSent(ctx context.Context, _ string, messageType string) {
	if o.metrics != nil {
		o.metrics.MessagesSent.WithLabelValues(messageType).Inc()
	}
	if o.logger != nil {
		o.logger.DebugContext(ctx, "Message sent", "type", messageType)
	}
}

func (o *Observer) OnClosed(ctx context.Context, _ string, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.ActiveConnections.Dec()
	}
	if o.logger != nil {
		o.logger.InfoContext(ctx, "Connection closed", "duration", duration)
	}
}

func (o *Observer) OnError(ctx context.Context, _ string, err error) {
	if o.metrics != nil {
		o.metrics.Errors.Inc()
	}
	if o.logger != nil {
		o.logger.WarnContext(ctx, "Connection error", "error", err)
	}
}

// Multi fans every event out to each tracker in order.
type Multi []domain.ConnectionTracker

func (m Multi) OnOpened(ctx context.Context, info domain.ConnectionInfo) {
	for _, t := range m {
		t.OnOpened(ctx, info)
	}
}

func (m Multi) OnReceived(ctx context.Context, connID, messageType string) {
	for _, t := range m {
		t.OnReceived(ctx, connID, messageType)
	}
}

func (m Multi) OnSent(ctx context.Context, connID, messageType string) {
	for _, t := range m {
		t.OnSent(ctx, connID, messageType)
	}
}

func (m Multi) OnClosed(ctx context.Context, connID string, duration time.Duration) {
	for _, t := range m {
		t.OnClosed(ctx, connID, duration)
	}
}

func (m Multi) OnError(ctx context.Context, connID string, err error) {
	for _, t := range m {
		t.OnError(ctx, connID, err)
	}
}

// Nop ignores every event.
type Nop struct{}

func (Nop) OnOpened(context.Context, domain.ConnectionInfo) {}
func (Nop) OnReceived(context.Context, string, string)      {}
func (Nop) OnSent(context.Context, string, string)          {}
func (Nop) OnClosed(context.Context, string, time.Duration) {}
func (Nop) OnError(context.Context, string, error)          {}
