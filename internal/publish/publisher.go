// Package publish pushes committed engine events to NATS JetStream for
// downstream consumers. Publishing sits outside the engine's critical
// section: events arrive over a buffered channel and a full buffer drops the
// event rather than stalling trading — consumers needing a complete record
// read the Postgres history instead.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpEngine/internal/engine"
	"PerpEngine/internal/observability"
)

// Publisher drains engine events to perp.engine.events.{type}.{market_id}.
type Publisher struct {
	js      jetstream.JetStream
	input   chan engine.Event
	metrics *observability.Metrics
	log     zerolog.Logger
}

// New creates a publisher with the given buffer capacity.
func New(js jetstream.JetStream, buffer int, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		input:   make(chan engine.Event, buffer),
		metrics: metrics,
		log:     log,
	}
}

// Sink returns the callback to install on the engine. It never blocks.
func (p *Publisher) Sink() func(engine.Event) {
	return func(evt engine.Event) {
		select {
		case p.input <- evt:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
			p.log.Warn().Str("type", string(evt.Type)).Msg("publish buffer full, event dropped")
		}
	}
}

// Run drains the buffer until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.input:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: the Postgres history is the durable record.
				p.log.Warn().Err(err).Str("type", string(evt.Type)).Msg("outbound publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.PublishedEvents.WithLabelValues(string(evt.Type)).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt engine.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("perp.engine.events.%s", evt.Type)
	if evt.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.MarketID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_ENGINE_EVENTS",
		Subjects:  []string{"perp.engine.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
