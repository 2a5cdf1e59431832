package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"orchestration-core/internal/envelope"
	"orchestration-core/internal/telemetry"
)

// PubSubTransport delivers envelopes over Redis pub/sub. Fire-and-forget:
// no acknowledgement, no replay — a consumer connected before publish
// receives the message, one connected after does not.
type PubSubTransport struct {
	client *redis.Client
	log    *slog.Logger

	mu        sync.Mutex
	connected bool
	subs      map[string]*pubsubSub
}

type pubsubSub struct {
	ps   *redis.PubSub
	done chan struct{}
}

// NewPubSubTransport wraps an existing Redis client.
func NewPubSubTransport(client *redis.Client, log *slog.Logger) *PubSubTransport {
	if log == nil {
		log = slog.Default()
	}
	return &PubSubTransport{
		client: client,
		log:    log,
		subs:   make(map[string]*pubsubSub),
	}
}

func (t *PubSubTransport) Connect(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect pubsub transport: %w", err)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Disconnect closes every subscription, waits for its receive loop to
// drain, then marks the transport unusable. The Redis client itself is
// owned by the caller.
func (t *PubSubTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*pubsubSub)
	t.connected = false
	t.mu.Unlock()

	for topic, sub := range subs {
		if err := sub.ps.Close(); err != nil {
			t.log.Warn("close subscription", "topic", topic, "error", err)
		}
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *PubSubTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *PubSubTransport) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a permanent receive loop for topic. A second call for
// the same topic is rejected; the bus fans out to multiple handlers.
func (t *PubSubTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, dup := t.subs[topic]; dup {
		t.mu.Unlock()
		return fmt.Errorf("bus: already subscribed to %q", topic)
	}
	ps := t.client.Subscribe(ctx, topic)
	sub := &pubsubSub{ps: ps, done: make(chan struct{})}
	t.subs[topic] = sub
	t.mu.Unlock()

	// Wait for the subscription to be confirmed so a publish immediately
	// after Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		t.removeSub(topic)
		_ = ps.Close()
		close(sub.done)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go t.receiveLoop(topic, sub, h)
	return nil
}

func (t *PubSubTransport) receiveLoop(topic string, sub *pubsubSub, h Handler) {
	defer close(sub.done)
	ctx := context.Background()
	for msg := range sub.ps.Channel() {
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.log.Warn("drop undecodable message", "topic", topic, "error", err)
			continue
		}
		if err := h(ctx, &env); err != nil {
			telemetry.HandlerErrors.Inc()
			t.log.Error("handler failed", "topic", topic, "envelope_id", env.ID, "error", err)
		}
	}
}

func (t *PubSubTransport) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.ps.Close(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *PubSubTransport) removeSub(topic string) {
	t.mu.Lock()
	delete(t.subs, topic)
	t.mu.Unlock()
}
