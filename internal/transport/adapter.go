package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshward/internal/model"
)

// Payload is the wire envelope carried by a queued message. The router
// encodes one per send intent; the adapter for the target channel decodes it.
type Payload struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`

	// Format selects the webhook body shape (slack, discord, generic).
	Format string `json:"format,omitempty"`

	// MeshFallback marks a message that must be re-issued on the mesh channel
	// if this delivery fails permanently.
	MeshFallback bool `json:"mesh_fallback,omitempty"`
}

func EncodePayload(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	return p, nil
}

// Outcome is an adapter's verdict on one delivery attempt. Transient failures
// go back to the queue with backoff; permanent ones terminate the message.
type Outcome struct {
	Delivered bool
	Permanent bool
	Reason    string
}

func Delivered() Outcome { return Outcome{Delivered: true} }

func Transient(reason string) Outcome { return Outcome{Reason: reason} }

func Permanent(reason string) Outcome { return Outcome{Permanent: true, Reason: reason} }

// Adapter delivers one payload to one destination on a single channel.
// Implementations classify their own failures; they never return Go errors
// upward because the queue only cares about the retry decision.
type Adapter interface {
	Send(ctx context.Context, destination string, p Payload) Outcome
}

// Registry maps channels to adapters. Extension channels register here; the
// queue refuses (permanently) messages for channels nobody claims.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Channel]Adapter)}
}

func (r *Registry) Register(ch model.Channel, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[ch] = a
}

func (r *Registry) Lookup(ch model.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}
