// Package history records every committed station mutation into Postgres.
// The fanout topics double as NATS subjects, so a JetStream stream over
// station.> (plus the playlist selection subject) captures the full event
// log without the state machine knowing history exists.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyborgflashtime/MusareNode/pkg/otelhelper"
)

const (
	StreamName   = "STATION_EVENTS"
	ConsumerName = "historyd"
)

// Subjects the stream captures.
var streamSubjects = []string{"station.>", "privatePlaylist.>"}

const schema = `CREATE TABLE IF NOT EXISTS station_events (
	id          BIGSERIAL PRIMARY KEY,
	subject     TEXT NOT NULL,
	station_id  TEXT,
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Recorder consumes station events from JetStream and inserts them into
// Postgres. Inserts that fail are Nak'd so JetStream redelivers them.
type Recorder struct {
	insert *sql.Stmt

	recorded metric.Int64Counter
	failed   metric.Int64Counter
}

func NewRecorder(ctx context.Context, db *sql.DB) (*Recorder, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure station_events table: %w", err)
	}
	insert, err := db.PrepareContext(ctx,
		"INSERT INTO station_events (subject, station_id, payload) VALUES ($1, $2, $3)")
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	meter := otel.Meter("history")
	recorded, _ := meter.Int64Counter("station_events_recorded_total")
	failed, _ := meter.Int64Counter("station_events_failed_total")

	return &Recorder{insert: insert, recorded: recorded, failed: failed}, nil
}

// Close releases the prepared statement. The caller owns the db handle.
func (r *Recorder) Close() error {
	return r.insert.Close()
}

// EnsureStream creates or updates the capture stream and the durable
// consumer. Multiple historyd replicas share the consumer, so each event is
// recorded once.
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Consumer, error) {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  streamSubjects,
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   100000,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", StreamName, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", ConsumerName, err)
	}
	return cons, nil
}

// Handle records one event. Malformed payloads are logged and Ack'd: they
// will never parse better on redelivery.
func (r *Recorder) Handle(msg jetstream.Msg) {
	natsMsg := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  msg.Headers(),
	}
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), natsMsg, "record station event")
	defer span.End()

	stationID := extractStationID(msg.Data())
	span.SetAttributes(
		attribute.String("station.subject", msg.Subject()),
		attribute.String("station.id", stationID),
	)

	if !json.Valid(msg.Data()) {
		slog.WarnContext(ctx, "Dropping non-JSON station event", "subject", msg.Subject())
		span.RecordError(fmt.Errorf("invalid JSON payload"))
		msg.Ack()
		return
	}

	if _, err := r.insert.ExecContext(ctx, msg.Subject(), nullable(stationID), msg.Data()); err != nil {
		slog.ErrorContext(ctx, "Failed to record station event", "subject", msg.Subject(), "error", err)
		span.RecordError(err)
		r.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", msg.Subject())))
		msg.Nak()
		return
	}

	r.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", msg.Subject())))
	msg.Ack()
}

func extractStationID(payload []byte) string {
	var evt struct {
		StationID string `json:"stationId"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return ""
	}
	return evt.StationID
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
