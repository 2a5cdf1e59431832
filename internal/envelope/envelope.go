// Package envelope defines the signed wire format for bus events and the
// per-topic payload schema registry.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Version is the envelope schema version tag stamped on every publish.
// Consumers branch on it for payload shape changes; the signature covers
// payload only, so version bumps never break verification.
const Version = "v1"

// ErrBadSignature is returned when an envelope's signature does not match
// its payload under the shared secret.
var ErrBadSignature = errors.New("envelope: signature verification failed")

// Envelope wraps a published message. Immutable once published.
type Envelope struct {
	Topic     string          `json:"topic"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id"`
	Producer  string          `json:"producer"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature"`
	Payload   json.RawMessage `json:"payload"`
}

// NewID returns a globally unique, time-ordered envelope ID: the
// millisecond tick in hex followed by a random suffix. IDs are never
// reused, even when the same payload is redelivered.
func NewID(now time.Time) string {
	return fmt.Sprintf("%012x-%s", now.UnixMilli(), strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// Signer computes and checks HMAC-SHA256 signatures over the RFC 8785
// canonical form of a payload, so two JSON encodings of the same value
// always verify against each other.
type Signer struct {
	secret []byte
}

// NewSigner builds a signer from the shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of the canonical payload bytes.
func (s *Signer) Sign(payload json.RawMessage) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature against a freshly computed HMAC in constant
// time. It returns ErrBadSignature on mismatch.
func (s *Signer) Verify(payload json.RawMessage, signature string) error {
	want, err := s.Sign(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// New builds a signed envelope for topic. An empty traceID starts a new
// causal chain; a non-empty one propagates correlation from the
// triggering event.
func New(s *Signer, topic, producer, traceID string, payload json.RawMessage, now time.Time) (*Envelope, error) {
	sig, err := s.Sign(payload)
	if err != nil {
		return nil, err
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Envelope{
		Topic:     topic,
		Version:   Version,
		ID:        NewID(now),
		TraceID:   traceID,
		Producer:  producer,
		Timestamp: now.UTC(),
		Signature: sig,
		Payload:   payload,
	}, nil
}
