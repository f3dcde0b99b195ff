// Package fanout is the publish/subscribe channel that propagates every
// station state change to all subscribers, within a process and across
// processes sharing the same NATS backbone. The state machine publishes only
// after a mutation has durably committed, so events for one station arrive
// in commit order.
package fanout

import "context"

// Handler receives the JSON-encoded payload published on a topic.
type Handler func(ctx context.Context, payload []byte)

// Bus is the fanout contract. Implementations must deliver each published
// message to every handler subscribed to its topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, h Handler) error
}
