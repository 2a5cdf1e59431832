package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"orchestration-core/internal/envelope"
	"orchestration-core/internal/telemetry"
)

// PublishOption adjusts a single Publish call.
type PublishOption func(*publishOpts)

type publishOpts struct {
	traceID        string
	skipValidation bool
}

// WithTraceID propagates the causal chain of the triggering event.
func WithTraceID(traceID string) PublishOption {
	return func(o *publishOpts) { o.traceID = traceID }
}

// SkipValidation bypasses the schema check for this publish. The envelope
// is still signed.
func SkipValidation() PublishOption {
	return func(o *publishOpts) { o.skipValidation = true }
}

// Bus is the process-wide publish/subscribe façade. It signs and
// validates outgoing payloads, delegates delivery to the configured
// transport, and keeps a local handler registry so same-process
// subscribers are served without a wire round trip.
//
// Construct one per process and pass it explicitly; nothing here is a
// package-level singleton.
type Bus struct {
	transport Transport
	signer    *envelope.Signer
	schemas   *envelope.Registry
	producer  string
	log       *slog.Logger
	clock     func() time.Time

	mu       sync.Mutex
	handlers map[string][]registration
	nextReg  uint64
	seen     *recentIDs
}

// registration is one handler entry for a topic. key is the handler's
// code pointer and drives Subscribe's set semantics; key 0 marks an
// internal one-shot registration addressed only by id.
type registration struct {
	key uintptr
	id  uint64
	h   Handler
}

// New builds a bus over the given transport. The registry may be empty;
// topics acquire validation as schemas are registered.
func New(transport Transport, signer *envelope.Signer, schemas *envelope.Registry, producer string, log *slog.Logger) *Bus {
	if schemas == nil {
		schemas = envelope.NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		transport: transport,
		signer:    signer,
		schemas:   schemas,
		producer:  producer,
		log:       log,
		clock:     time.Now,
		handlers:  make(map[string][]registration),
		seen:      newRecentIDs(4096),
	}
}

// Schemas exposes the registry so bootstrap code can register topic shapes.
func (b *Bus) Schemas() *envelope.Registry { return b.schemas }

// Connect establishes the underlying transport connection.
func (b *Bus) Connect(ctx context.Context) error {
	return b.transport.Connect(ctx)
}

// Disconnect drains all transport subscriptions, then clears the local
// handler registry. The bus must be re-Connected before reuse.
func (b *Bus) Disconnect(ctx context.Context) error {
	err := b.transport.Disconnect(ctx)
	b.mu.Lock()
	b.handlers = make(map[string][]registration)
	b.mu.Unlock()
	return err
}

// IsConnected reports transport liveness.
func (b *Bus) IsConnected() bool { return b.transport.IsConnected() }

// Publish validates, signs, and sends payload on topic. Local handlers
// already registered for the topic are invoked in-process before the
// envelope goes to the transport; delivery back over the wire is deduped
// by envelope ID so they see it exactly once. Publish returns when the
// transport send completes — it does not wait for downstream consumers.
// Transport errors are surfaced, not retried; the caller decides.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) (*envelope.Envelope, error) {
	var o publishOpts
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := asRawMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	if !o.skipValidation {
		if err := b.schemas.Validate(topic, raw); err != nil {
			return nil, err
		}
	}

	env, err := envelope.New(b.signer, topic, b.producer, o.traceID, raw, b.clock())
	if err != nil {
		return nil, fmt.Errorf("build envelope for %s: %w", topic, err)
	}

	// Mark before local fan-out so the wire echo is recognized as a
	// duplicate even if it races the transport call.
	b.seen.add(env.ID)
	b.fanOut(ctx, topic, env)

	if err := b.transport.Publish(ctx, topic, env); err != nil {
		return nil, err
	}
	telemetry.EventsPublished.Inc()
	return env, nil
}

// Subscribe registers handler for topic. Handlers form a set: adding the
// same function twice is a no-op. The first handler for a topic opens the
// single transport-level subscription; later ones only fan out locally.
func (b *Bus) Subscribe(ctx context.Context, topic string, h Handler) error {
	if h == nil {
		return fmt.Errorf("bus: nil handler for %q", topic)
	}
	key := handlerKey(h)
	b.mu.Lock()
	for _, cur := range b.handlers[topic] {
		if cur.key != 0 && cur.key == key {
			b.mu.Unlock()
			return nil
		}
	}
	b.nextReg++
	reg := registration{key: key, id: b.nextReg, h: h}
	b.mu.Unlock()
	return b.addRegistration(ctx, topic, reg)
}

// subscribeOnce registers a non-deduped handler and returns a token for
// removal. Used by WaitForEvent, where two waiters may share a closure
// code pointer yet must be tracked independently.
func (b *Bus) subscribeOnce(ctx context.Context, topic string, h Handler) (uint64, error) {
	b.mu.Lock()
	b.nextReg++
	reg := registration{id: b.nextReg, h: h}
	b.mu.Unlock()
	if err := b.addRegistration(ctx, topic, reg); err != nil {
		return 0, err
	}
	return reg.id, nil
}

func (b *Bus) addRegistration(ctx context.Context, topic string, reg registration) error {
	b.mu.Lock()
	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], reg)
	b.mu.Unlock()

	if first {
		if err := b.transport.Subscribe(ctx, topic, b.dispatch); err != nil {
			b.mu.Lock()
			b.handlers[topic] = removeByID(b.handlers[topic], reg.id)
			if len(b.handlers[topic]) == 0 {
				delete(b.handlers, topic)
			}
			b.mu.Unlock()
			return err
		}
	}
	return nil
}

// Unsubscribe removes one handler from topic; pass a nil handler to
// remove them all. The transport subscription is dropped when the last
// handler goes.
func (b *Bus) Unsubscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	if h == nil {
		delete(b.handlers, topic)
	} else {
		key := handlerKey(h)
		out := b.handlers[topic][:0]
		for _, cur := range b.handlers[topic] {
			if cur.key == 0 || cur.key != key {
				out = append(out, cur)
			}
		}
		b.handlers[topic] = out
		if len(out) == 0 {
			delete(b.handlers, topic)
		}
	}
	_, remaining := b.handlers[topic]
	b.mu.Unlock()

	if !remaining {
		return b.transport.Unsubscribe(ctx, topic)
	}
	return nil
}

// unsubscribeID removes a token-addressed registration.
func (b *Bus) unsubscribeID(ctx context.Context, topic string, id uint64) error {
	b.mu.Lock()
	b.handlers[topic] = removeByID(b.handlers[topic], id)
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
	_, remaining := b.handlers[topic]
	b.mu.Unlock()

	if !remaining {
		return b.transport.Unsubscribe(ctx, topic)
	}
	return nil
}

// WaitForEvent resolves with the next envelope published on topic, or an
// error when timeout elapses first. The temporary handler is removed on
// both outcomes; a timed-out wait never leaks a subscription.
func (b *Bus) WaitForEvent(ctx context.Context, topic string, timeout time.Duration) (*envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 1)
	h := func(_ context.Context, env *envelope.Envelope) error {
		select {
		case ch <- env:
		default:
		}
		return nil
	}
	token, err := b.subscribeOnce(ctx, topic, h)
	if err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.unsubscribeID(cleanupCtx, topic, token)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		return nil, fmt.Errorf("bus: timed out after %s waiting for %q", timeout, topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// VerifySignature re-checks an envelope payload against its signature in
// constant time, for consumers that do not fully trust the transport.
func (b *Bus) VerifySignature(payload json.RawMessage, signature string) error {
	return b.signer.Verify(payload, signature)
}

// dispatch is the single transport-level callback per topic. Envelopes
// the bus already fanned out at publish time are skipped.
func (b *Bus) dispatch(ctx context.Context, env *envelope.Envelope) error {
	if b.seen.has(env.ID) {
		return nil
	}
	b.seen.add(env.ID)
	b.fanOut(ctx, env.Topic, env)
	return nil
}

// fanOut invokes local handlers synchronously in registration order. A
// failing or panicking handler is logged and never affects the others.
func (b *Bus) fanOut(ctx context.Context, topic string, env *envelope.Envelope) {
	b.mu.Lock()
	regs := make([]registration, len(b.handlers[topic]))
	copy(regs, b.handlers[topic])
	b.mu.Unlock()

	for _, reg := range regs {
		b.invoke(ctx, topic, env, reg.h)
	}
	if len(regs) > 0 {
		telemetry.EventsDelivered.Add(float64(len(regs)))
	}
}

func (b *Bus) invoke(ctx context.Context, topic string, env *envelope.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.HandlerErrors.Inc()
			b.log.Error("handler panicked", "topic", topic, "envelope_id", env.ID, "panic", r)
		}
	}()
	if err := h(ctx, env); err != nil {
		telemetry.HandlerErrors.Inc()
		b.log.Error("handler failed", "topic", topic, "envelope_id", env.ID, "error", err)
	}
}

func handlerKey(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

func removeByID(regs []registration, id uint64) []registration {
	out := regs[:0]
	for _, cur := range regs {
		if cur.id != id {
			out = append(out, cur)
		}
	}
	return out
}

func asRawMessage(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

// recentIDs is a fixed-size set of recently seen envelope IDs, used to
// collapse the wire echo of a local publish into a single delivery.
type recentIDs struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	next  int
}

func newRecentIDs(capacity int) *recentIDs {
	return &recentIDs{
		set:   make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

func (r *recentIDs) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return
	}
	if old := r.order[r.next]; old != "" {
		delete(r.set, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.set[id] = struct{}{}
}

func (r *recentIDs) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}
