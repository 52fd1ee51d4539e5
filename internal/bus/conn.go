// Package bus relays JSON documents from a local NATS subject to HTTP sinks
// and publishes host telemetry onto that subject.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"pricerelay/config"
	"pricerelay/logger"
)

// Connect dials the local NATS server. A broker that is down at startup is
// not an error: the returned connection keeps retrying in the background,
// buffering subscriptions and publishes until it is up. Disconnects and
// reconnects are only logged.
func Connect(cfg config.BusConfig, component string) (*nats.Conn, error) {
	log := logger.GetLogger().WithComponent(component).WithField("url", cfg.URL)

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.WithField("server", nc.ConnectedUrl()).Info("connected to bus")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from bus")
				return
			}
			log.Info("disconnected from bus")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("server", nc.ConnectedUrl()).Info("reconnected to bus")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("bus connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("bus error")
		}),
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", cfg.URL, err)
	}
	if !conn.IsConnected() {
		log.Warn("bus unavailable, connecting in background")
	}
	return conn, nil
}

// WaitConnected blocks until conn is connected, ctx ends or timeout elapses.
func WaitConnected(ctx context.Context, conn *nats.Conn, timeout time.Duration) error {
	if conn.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("bus not connected: %w", ctx.Err())
		case <-ticker.C:
			if conn.IsConnected() {
				return nil
			}
		}
	}
}
