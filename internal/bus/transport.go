// Package bus provides the typed publish/subscribe façade and its
// pluggable delivery transports.
package bus

import (
	"context"
	"errors"

	"orchestration-core/internal/envelope"
)

// Handler consumes a delivered envelope. A non-nil error tells a durable
// transport not to acknowledge the message; it is never propagated past
// the delivery loop.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// ErrNotConnected is returned by transport operations before Connect or
// after Disconnect.
var ErrNotConnected = errors.New("bus: transport not connected")

// Transport is a delivery backend. Implementations must support exactly
// one subscription per topic; fan-out across handlers is the bus's job.
type Transport interface {
	Connect(ctx context.Context) error
	// Disconnect stops all subscription loops, waiting for in-flight
	// deliveries, then releases the connection.
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	IsConnected() bool
}

// streamKey maps a topic to its durable stream name.
func streamKey(topic string) string {
	return "events:" + topic
}
