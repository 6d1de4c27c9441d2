// Package natsrelay forwards bus events to a NATS server.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cronie/internal/eventbus"

	"github.com/nats-io/nats.go"
)

const forwardBuffer = 512

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder publishes every bus event as JSON on <prefix>.<event type>.
type Forwarder struct {
	bus    eventbus.Bus
	pub    Publisher
	prefix string
	logger *slog.Logger
}

func NewForwarder(bus eventbus.Bus, pub Publisher, prefix string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		bus:    bus,
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Connect dials the server and keeps reconnecting for the life of the daemon.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("cronie"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func (f *Forwarder) Subject(eventType string) string {
	if f.prefix == "" {
		return eventType
	}
	return f.prefix + "." + eventType
}

// Run forwards events until ctx is done. Publish errors are logged and the
// event is dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	events, unsubscribe := f.bus.Subscribe(forwardBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				f.logger.Error("encode event", "type", e.Type, "err", err)
				continue
			}
			if err := f.pub.Publish(f.Subject(e.Type), data); err != nil {
				f.logger.Warn("publish event", "type", e.Type, "err", err)
			}
		}
	}
}
