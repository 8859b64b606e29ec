// Package messenger provides the origin-checked, topic-multiplexed
// channel the relay uses to talk to a remote authorization surface.
// Every inbound envelope is checked against the expected peer origin
// before any handler sees it; mismatches are dropped, never delivered.
package messenger

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Topic multiplexes independent streams over one channel.
type Topic string

const (
	// TopicRPCRequest carries relayed wallet requests toward the surface.
	TopicRPCRequest Topic = "rpc-request"
	// TopicRPCResponse carries replies keyed by request id.
	TopicRPCResponse Topic = "rpc-response"
	// TopicInternal carries control messages (init, resize, set-theme).
	TopicInternal Topic = "__internal"
	// TopicSuccess signals a user-approved completion for a request id.
	TopicSuccess Topic = "success"
)

// Envelope is the wire frame. Origin names the sending context and is
// verified by the receiver before dispatch.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives envelopes for one topic, in per-direction send order.
type Handler func(Envelope)

// Messenger is a bidirectional, topic-multiplexed channel between two
// execution contexts.
type Messenger interface {
	// Send publishes a payload on a topic toward the peer.
	Send(ctx context.Context, topic Topic, payload interface{}) error
	// On registers a handler for a topic and returns its unsubscribe.
	On(topic Topic, handler Handler) func()
	// Close tears down the channel. Safe to call more than once.
	Close() error
}

// InternalPayload is the body of TopicInternal envelopes.
type InternalPayload struct {
	Type     string `json:"type"` // "init", "resize" or "set-theme"
	Mode     string `json:"mode,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Theme    string `json:"theme,omitempty"`
	Width    int    `json:"width,omitempty"`
}

// OriginAny disables the origin check. Only for tests and trusted
// in-process wiring.
const OriginAny = "*"

// dispatcher fans inbound envelopes out to per-topic handler lists.
// Handlers for one topic run in registration order on the single reader
// goroutine, which preserves per-topic FIFO.
type dispatcher struct {
	mu       sync.Mutex
	handlers map[Topic][]handlerEntry
	nextID   int
}

type handlerEntry struct {
	id int
	fn Handler
}

func (d *dispatcher) on(topic Topic, h Handler) func() {
	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[Topic][]handlerEntry)
	}
	id := d.nextID
	d.nextID++
	d.handlers[topic] = append(d.handlers[topic], handlerEntry{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				d.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	entries := append([]handlerEntry(nil), d.handlers[env.Topic]...)
	d.mu.Unlock()
	for _, e := range entries {
		e.fn(env)
	}
}

// checkOrigin applies the fail-closed origin policy: a message from an
// unexpected origin is dropped before any handler runs.
func checkOrigin(log *zap.Logger, expected string, env Envelope) bool {
	if expected == OriginAny || env.Origin == expected {
		return true
	}
	log.Warn("messenger: dropping envelope from unexpected origin",
		zap.String("origin", env.Origin),
		zap.String("expected", expected),
		zap.String("topic", string(env.Topic)))
	return false
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
