package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyborgflashtime/MusareNode/pkg/otelhelper"
)

// NATS is a Bus over core NATS subjects. Topics map directly to subjects
// ("station.pause" is published on station.pause), which lets historyd bind
// a JetStream stream over station.> without any translation layer.
type NATS struct {
	nc *nats.Conn

	published metric.Int64Counter
	received  metric.Int64Counter
}

func NewNATS(nc *nats.Conn) *NATS {
	meter := otel.Meter("fanout")
	published, _ := meter.Int64Counter("fanout_events_published_total",
		metric.WithDescription("Total station events published"))
	received, _ := meter.Int64Counter("fanout_events_received_total",
		metric.WithDescription("Total station events received"))
	return &NATS{nc: nc, published: published, received: received}
}

func (b *NATS) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if err := otelhelper.TracedPublish(ctx, b.nc, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	return nil
}

func (b *NATS) Subscribe(topic string, h Handler) error {
	// No queue group: every process needs every state change.
	_, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout "+topic)
		defer span.End()
		b.received.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		h(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}
