package transport

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

// NATS delivers broadcasts over per-connection subjects (deliver.{connID})
// so a gateway process subscribed for its own connections forwards them to
// the sockets it owns. Membership is tracked
// locally: each gateway owns its connections, and broadcasts from other
// processes arrive via the fanout bridge running in every process.
type NATS struct {
	*Memory
	nc *nats.Conn

	delivered metric.Int64Counter
}

func NewNATS(nc *nats.Conn) *NATS {
	meter := otel.Meter("transport")
	delivered, _ := meter.Int64Counter("room_deliveries_total",
		metric.WithDescription("Total per-connection deliveries published"))
	return &NATS{Memory: NewMemory(), nc: nc, delivered: delivered}
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (r *NATS) Broadcast(ctx context.Context, room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(envelope{Event: event, Payload: data})
	if err != nil {
		return err
	}

	members := r.Members(room)
	for _, connID := range members {
		if err := otelhelper.TracedPublish(ctx, r.nc, "deliver."+connID, msg); err != nil {
			return fmt.Errorf("deliver to %s: %w", connID, err)
		}
	}
	r.delivered.Add(ctx, int64(len(members)), metric.WithAttributes(
		attribute.String("room", room),
	))
	return nil
}
