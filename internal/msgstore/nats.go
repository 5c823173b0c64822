// Package msgstore publishes accepted messages to the durable message
// bus for downstream persistence.
package msgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/telemetry"
)

// Publisher hands accepted chat messages to the bus. Delivery is fire
// and forget: the session layer never blocks on persistence, and a bus
// outage costs durability, not chat.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	sink   telemetry.Sink
	logger zerolog.Logger
}

// Connect dials the bus with reconnect behavior tuned for a long-lived
// server process: unlimited retries with jittered backoff.
func Connect(url, subjectPrefix string, sink telemetry.Sink, logger zerolog.Logger) (*Publisher, error) {
	log := logger.With().Str("component", "msgstore").Logger()

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("message bus disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("message bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("message bus async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("msgstore: connect %s: %w", url, err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject_prefix", subjectPrefix).
		Msg("message bus connected")
	return &Publisher{nc: nc, prefix: subjectPrefix, sink: sink, logger: log}, nil
}

// Subject returns the bus subject for one conversation's messages.
func (p *Publisher) Subject(conversationID string) string {
	if conversationID == "" {
		conversationID = "unrouted"
	}
	return p.prefix + "." + conversationID
}

// Persist publishes msg for durable storage downstream. Publishing is
// buffered client-side; a returned error means the message never left
// the process.
func (p *Publisher) Persist(_ context.Context, msg protocol.ChatMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("msgstore: encode %s: %w", msg.ID, err)
	}
	if err := p.nc.Publish(p.Subject(msg.ConversationID), data); err != nil {
		p.sink.Count("msgstore_publish_failures_total", 1)
		return fmt.Errorf("msgstore: publish %s: %w", msg.ID, err)
	}
	p.sink.Count("msgstore_published_total", 1)
	return nil
}

// Ping reports bus liveness for health checks.
func (p *Publisher) Ping(context.Context) error {
	if status := p.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("msgstore: bus status %s", status)
	}
	return nil
}

// Close flushes buffered publishes and drops the connection.
func (p *Publisher) Close() {
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn().Err(err).Msg("flush on close failed")
	}
	p.nc.Close()
}
