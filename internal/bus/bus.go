// Package bus decouples webhook ingestion from event processing over
// NATS. The server can run against an external broker or an in-process
// embedded one; without either, callers dispatch inline.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// SubjectPrefix is the root of all event subjects.
const SubjectPrefix = "devloop.events"

const embeddedReadyTimeout = 5 * time.Second

// Envelope is the wire form of a published event.
type Envelope struct {
	EventID string          `json:"event_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Bus is a thin NATS wrapper for event fan-out.
type Bus struct {
	conn     *nats.Conn
	embedded *natsserver.Server
	log      *logging.Logger
}

// Connect builds a Bus from configuration. An explicit URL wins over the
// embedded server. Returns (nil, nil) when the bus is disabled.
func Connect(cfg config.NATSConfig, log *logging.Logger) (*Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	log = log.Named("bus")

	var embedded *natsserver.Server
	url := cfg.URL
	if url == "" {
		if !cfg.Embedded {
			return nil, nil
		}
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(embeddedReadyTimeout) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded nats not ready after %s", embeddedReadyTimeout)
		}
		embedded = srv
		url = srv.ClientURL()
	}

	conn, err := nats.Connect(url,
		nats.Name("devloop"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	log.Info(context.Background(), "connected to event bus",
		zap.String("url", url), zap.Bool("embedded", embedded != nil))
	return &Bus{conn: conn, embedded: embedded, log: log}, nil
}

// PublishEvent publishes an envelope under SubjectPrefix.<kind>.
// Delivery is fire-and-forget.
func (b *Bus) PublishEvent(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	subject := SubjectPrefix + "." + env.Kind
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.log.Debug(ctx, "published event",
		zap.String("subject", subject), zap.String("event_id", env.EventID))
	return nil
}

// SubscribeEvents subscribes to every event subject. Handler errors are
// logged, never redelivered.
func (b *Bus) SubscribeEvents(ctx context.Context, handler func(context.Context, Envelope)) (*nats.Subscription, error) {
	subject := SubjectPrefix + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn(ctx, "dropping malformed bus message",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ctx, env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.log.Info(ctx, "subscribed to events", zap.String("subject", subject))
	return sub, nil
}

// Close drains the connection and stops the embedded server, if any.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}
