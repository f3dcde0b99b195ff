package keyexpiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyborgflashtime/MusareNode/internal/clock"
)

// firedSubject carries the key of every expired deadline to all processes.
const firedSubject = "deadline.fired"

// NATS is a multi-process Bus over a JetStream KV bucket. A key's value is
// its fire time in unix milliseconds. Arming uses KV Create, which fails if
// the key exists, giving first-writer-wins across processes. Every process
// sweeps the bucket for due keys and removes them with a revision-checked
// delete, so exactly one process wins each key and publishes the expiry
// broadcast; all processes receive the broadcast and dispatch locally.
type NATS struct {
	kv    nats.KeyValue
	nc    *nats.Conn
	clk   clock.Clock
	sweep time.Duration

	mu       sync.RWMutex
	handlers []ExpiryHandler

	armed metric.Int64Counter
	fired metric.Int64Counter
}

// NewNATS binds (creating if needed) the deadline bucket and subscribes to
// the expiry broadcast.
func NewNATS(nc *nats.Conn, js nats.JetStreamContext, bucket string, sweep time.Duration, clk clock.Clock) (*NATS, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create deadline bucket %s: %w", bucket, err)
	}

	meter := otel.Meter("keyexpiry")
	armed, _ := meter.Int64Counter("deadline_keys_armed_total",
		metric.WithDescription("Total deadline keys armed"))
	fired, _ := meter.Int64Counter("deadline_keys_fired_total",
		metric.WithDescription("Total deadline keys fired by this process's sweep"))

	b := &NATS{kv: kv, nc: nc, clk: clk, sweep: sweep, armed: armed, fired: fired}

	// No queue group: every process dispatches every expiry, as with
	// keyspace notifications.
	if _, err := nc.Subscribe(firedSubject, func(msg *nats.Msg) {
		b.dispatch(string(msg.Data))
	}); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", firedSubject, err)
	}

	return b, nil
}

func (b *NATS) ScheduleOnce(ctx context.Context, key string, ttl time.Duration) error {
	fireAt := b.clk.Now().Add(ttl).UnixMilli()
	_, err := b.kv.Create(key, []byte(strconv.FormatInt(fireAt, 10)))
	if err == nil {
		b.armed.Add(ctx, 1)
		return nil
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return ErrAlreadyScheduled
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (b *NATS) Cancel(_ context.Context, key string) error {
	err := b.kv.Delete(key)
	if err == nil || errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (b *NATS) OnExpiry(h ExpiryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Run sweeps the bucket until ctx is cancelled. Sweep failures are logged
// and retried on the next tick.
func (b *NATS) Run(ctx context.Context) {
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.sweepOnce(ctx); err != nil {
				slog.Warn("Deadline sweep failed", "error", err)
			}
		}
	}
}

func (b *NATS) sweepOnce(ctx context.Context) error {
	keys, err := b.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return err
	}

	now := b.clk.Now().UnixMilli()
	for _, key := range keys {
		entry, err := b.kv.Get(key)
		if err != nil {
			continue // deleted since listing, or transient
		}
		fireAt, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil || fireAt > now {
			continue
		}
		// Revision-checked delete: the winner across processes publishes
		// the broadcast exactly once.
		if err := b.kv.Delete(key, nats.LastRevision(entry.Revision())); err != nil {
			continue
		}
		b.fired.Add(ctx, 1)
		if err := b.nc.Publish(firedSubject, []byte(key)); err != nil {
			slog.Warn("Failed to publish deadline expiry", "key", key, "error", err)
		}
	}
	return nil
}

func (b *NATS) dispatch(key string) {
	b.mu.RLock()
	handlers := make([]ExpiryHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(key)
	}
}
