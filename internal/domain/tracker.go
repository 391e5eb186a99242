package domain

import (
	"context"
	"time"
)

// ConnectionInfo describes a persistent connection when it opens.
type ConnectionInfo struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	OpenedAt   time.Time
}

// ConnectionTracker observes persistent connection lifecycles.
// Implementations must not block.
type ConnectionTracker interface {
	OnOpened(ctx context.Context, info ConnectionInfo)
	OnReceived(ctx context.Context, connID string, messageType string)
	OnSent(ctx context.Context, connID string, messageType string)
	OnClosed(ctx context.Context, connID string, duration time.Duration)
	OnError(ctx context.Context, connID string, err error)
}
