// Package nats relays broadcast group publications between instances over
// NATS core subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Connect dials url with reconnects enabled and lifecycle logging.
func Connect(url, name string, logger *slog.Logger) (*natsgo.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.Timeout(10*time.Second),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.MaxReconnects(60),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		natsgo.ClosedHandler(func(*natsgo.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}

// Checker reports NATS connectivity for readiness probes.
type Checker struct {
	nc *natsgo.Conn
}

func NewChecker(nc *natsgo.Conn) *Checker {
	return &Checker{nc: nc}
}

func (c *Checker) Name() string { return "nats" }

func (c *Checker) Check(context.Context) error {
	if status := c.nc.Status(); status != natsgo.CONNECTED {
		return errors.New("nats connection " + status.String())
	}
	return nil
}
