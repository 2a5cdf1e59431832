package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"orchestration-core/internal/envelope"
	"orchestration-core/internal/telemetry"
)

// StreamConfig tunes the durable-log transport.
type StreamConfig struct {
	Group          string        // consumer group name, shared by replicas
	Consumer       string        // this process's consumer name within the group
	BatchSize      int64         // max messages claimed per blocking read
	Block          time.Duration // blocking-read timeout; the loop yields between batches
	BackoffInitial time.Duration // first retry delay after a read error
	BackoffMax     time.Duration // retry delay ceiling
}

func (c *StreamConfig) applyDefaults() {
	if c.Group == "" {
		c.Group = "orchestrator"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// StreamTransport delivers envelopes through Redis streams with consumer
// group semantics: publish appends to events:<topic>, subscribers claim
// batches and acknowledge only after the handler succeeds. Unacked
// messages stay in the pending list and are replayed when the consumer
// re-subscribes, giving at-least-once delivery.
type StreamTransport struct {
	client *redis.Client
	cfg    StreamConfig
	log    *slog.Logger

	mu        sync.Mutex
	connected bool
	subs      map[string]*streamSub
}

type streamSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamTransport wraps an existing Redis client.
func NewStreamTransport(client *redis.Client, cfg StreamConfig, log *slog.Logger) *StreamTransport {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &StreamTransport{
		client: client,
		cfg:    cfg,
		log:    log,
		subs:   make(map[string]*streamSub),
	}
}

func (t *StreamTransport) Connect(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect stream transport: %w", err)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Disconnect cancels every read loop, waits for in-flight batches to
// finish, then marks the transport unusable.
func (t *StreamTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*streamSub)
	t.connected = false
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for topic, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			t.log.Warn("read loop did not stop in time", "topic", topic)
			return ctx.Err()
		}
	}
	return nil
}

func (t *StreamTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *StreamTransport) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{"envelope": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("append %s: %w", topic, err)
	}
	return nil
}

// Subscribe idempotently creates the consumer group for the topic's
// stream, then starts the claim/ack loop. The loop first replays this
// consumer's unacknowledged backlog, then follows new entries.
func (t *StreamTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, dup := t.subs[topic]; dup {
		t.mu.Unlock()
		return fmt.Errorf("bus: already subscribed to %q", topic)
	}
	t.mu.Unlock()

	err := t.client.XGroupCreateMkStream(ctx, streamKey(topic), t.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s/%s: %w", topic, t.cfg.Group, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &streamSub{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	if _, dup := t.subs[topic]; dup {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("bus: already subscribed to %q", topic)
	}
	t.subs[topic] = sub
	t.mu.Unlock()

	go t.readLoop(loopCtx, topic, sub, h)
	return nil
}

func (t *StreamTransport) readLoop(ctx context.Context, topic string, sub *streamSub, h Handler) {
	defer close(sub.done)

	key := streamKey(topic)
	cursor := "0" // replay own pending backlog before switching to new entries
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{key, cursor},
			Count:    t.cfg.BatchSize,
			Block:    t.cfg.Block,
		}).Result()
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			if cursor == "0" {
				cursor = ">"
			}
			continue
		}
		if err != nil {
			failures++
			wait := backoffWithJitter(t.cfg.BackoffInitial, t.cfg.BackoffMax, failures)
			t.log.Warn("stream read failed, backing off", "topic", topic, "attempt", failures, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		delivered := 0
		for _, stream := range res {
			for _, msg := range stream.Messages {
				delivered++
				t.handleMessage(ctx, topic, key, msg, h)
			}
		}
		if cursor == "0" && delivered == 0 {
			// Backlog drained; follow new entries from here on.
			cursor = ">"
		}
	}
}

// handleMessage invokes the handler and acknowledges only on success, so
// a failed delivery stays pending for replay.
func (t *StreamTransport) handleMessage(ctx context.Context, topic, key string, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		// Malformed entry: ack it so it cannot wedge the group forever.
		t.log.Warn("drop malformed stream entry", "topic", topic, "stream_id", msg.ID)
		_ = t.client.XAck(ctx, key, t.cfg.Group, msg.ID).Err()
		return
	}
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.log.Warn("drop undecodable stream entry", "topic", topic, "stream_id", msg.ID, "error", err)
		_ = t.client.XAck(ctx, key, t.cfg.Group, msg.ID).Err()
		return
	}

	if err := h(ctx, &env); err != nil {
		telemetry.HandlerErrors.Inc()
		t.log.Error("handler failed, leaving message pending", "topic", topic, "envelope_id", env.ID, "stream_id", msg.ID, "error", err)
		return
	}
	if err := t.client.XAck(ctx, key, t.cfg.Group, msg.ID).Err(); err != nil {
		t.log.Warn("ack failed", "topic", topic, "stream_id", msg.ID, "error", err)
	}
}

func (t *StreamTransport) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
