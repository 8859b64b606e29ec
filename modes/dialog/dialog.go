// Package dialog implements the Mode that forwards every request to a
// remote authorization surface over a messenger and awaits a reply
// keyed by request id. It renders nothing: init/resize/theme control
// messages are surfaced as hooks for the embedding host.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	wallet "github.com/wjorgensen/porto-zkEmail-sub001"
	"github.com/wjorgensen/porto-zkEmail-sub001/messenger"
	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// responsePayload is the body of rpc-response and success envelopes.
type responsePayload struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorPayload   `json:"error,omitempty"`
}

type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Hooks receive the dialog surface's control messages. All optional.
type Hooks struct {
	OnInit     func(mode, referrer, theme string)
	OnResize   func(width int)
	OnSetTheme func(theme string)
}

type settled struct {
	result json.RawMessage
	err    error
}

// Mode relays requests over a messenger. It owns the messenger's
// lifecycle: teardown closes it and fails every in-flight request.
type Mode struct {
	msgr  messenger.Messenger
	hooks Hooks

	mu      sync.Mutex
	pending map[string]chan settled
	active  bool
	torn    bool
	unsubs  []func()
	tearOne sync.Once

	log *zap.Logger
}

// Option configures a dialog mode.
type Option func(*Mode)

// WithHooks registers control-message hooks.
func WithHooks(h Hooks) Option {
	return func(m *Mode) { m.hooks = h }
}

// New creates a dialog mode speaking over msgr.
func New(msgr messenger.Messenger, opts ...Option) *Mode {
	m := &Mode{
		msgr:    msgr,
		pending: make(map[string]chan settled),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements wallet.Mode.
func (m *Mode) Name() string { return "dialog" }

// Setup implements wallet.Mode.
func (m *Mode) Setup(internal *wallet.Internal) (func(), error) {
	if internal.Logger != nil {
		m.log = internal.Logger
	}
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return nil, wallet.NewProviderError(wallet.CodeDisconnected,
			"dialog torn down, the messenger is closed; create a new mode")
	}
	m.active = true
	m.unsubs = []func(){
		m.msgr.On(messenger.TopicRPCResponse, m.handleReply),
		m.msgr.On(messenger.TopicSuccess, m.handleReply),
		m.msgr.On(messenger.TopicInternal, m.handleInternal),
	}
	m.mu.Unlock()
	return m.teardown, nil
}

// teardown is idempotent: the second call finds nothing to do.
func (m *Mode) teardown() {
	m.tearOne.Do(func() {
		m.mu.Lock()
		m.active = false
		m.torn = true
		unsubs := m.unsubs
		m.unsubs = nil
		pending := m.pending
		m.pending = make(map[string]chan settled)
		m.mu.Unlock()

		for _, u := range unsubs {
			u()
		}
		for _, ch := range pending {
			ch <- settled{err: wallet.NewProviderError(wallet.CodeDisconnected, "dialog torn down")}
		}
		m.msgr.Close()
		m.log.Debug("dialog: torn down")
	})
}

// Request implements wallet.Mode. The reply may arrive on either the
// rpc-response or the success topic; correlation is solely by id, so
// concurrent requests may settle in any order.
func (m *Mode) Request(ctx context.Context, req types.Request) (json.RawMessage, error) {
	ch := make(chan settled, 1)
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil, wallet.NewProviderError(wallet.CodeDisconnected, "dialog not set up")
	}
	m.pending[req.ID] = ch
	m.mu.Unlock()
	defer m.forget(req.ID)

	if err := m.msgr.Send(ctx, messenger.TopicRPCRequest, req); err != nil {
		return nil, fmt.Errorf("dialog: send failed: %w", err)
	}

	select {
	case s := <-ch:
		return s.result, s.err
	case <-ctx.Done():
		return nil, fmt.Errorf("dialog: awaiting reply for %s: %w", req.Method, ctx.Err())
	}
}

func (m *Mode) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// CancelRequest settles an in-flight request early (user closed the
// dialog, host abandoned the call). Implements wallet.RequestCanceler.
func (m *Mode) CancelRequest(id string, reason error) bool {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- settled{err: reason}
	return true
}

// handleReply resolves the pending request named by the envelope. A
// reply for an unknown id is dropped: it must never surface as some
// other request's settlement.
func (m *Mode) handleReply(env messenger.Envelope) {
	var payload responsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		m.log.Warn("dialog: malformed reply payload", zap.Error(err))
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[payload.ID]
	if ok {
		delete(m.pending, payload.ID)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debug("dialog: dropping reply for unknown id", zap.String("id", payload.ID))
		return
	}
	if payload.Error != nil {
		ch <- settled{err: &wallet.ProviderError{Code: payload.Error.Code, Message: payload.Error.Message}}
		return
	}
	ch <- settled{result: payload.Result}
}

func (m *Mode) handleInternal(env messenger.Envelope) {
	var payload messenger.InternalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		m.log.Warn("dialog: malformed internal payload", zap.Error(err))
		return
	}
	switch payload.Type {
	case "init":
		if m.hooks.OnInit != nil {
			m.hooks.OnInit(payload.Mode, payload.Referrer, payload.Theme)
		}
	case "resize":
		if m.hooks.OnResize != nil {
			m.hooks.OnResize(payload.Width)
		}
	case "set-theme":
		if m.hooks.OnSetTheme != nil {
			m.hooks.OnSetTheme(payload.Theme)
		}
	default:
		m.log.Debug("dialog: unknown internal message", zap.String("type", payload.Type))
	}
}
