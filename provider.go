// Package wallet is the request/permission relay core of the SDK: an
// EIP-1193-shaped Provider that correlates host-page requests with a
// pluggable signing surface (Mode), tracks them in an observable store,
// and resolves abstract permission grants into concrete spend limits.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wjorgensen/porto-zkEmail-sub001/rpc"
	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Events emitted to the host page.
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
)

// Provider is the façade the host page calls. Concurrent Request calls
// are independent; each correlates to exactly one queued entry keyed by
// a generated request id.
type Provider struct {
	mu       sync.Mutex
	store    StateContainer
	mode     Mode
	teardown func()

	events  eventEmitter
	unsubs  []func()
	log     *zap.Logger
	timeout time.Duration
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) ProviderOption {
	return func(p *Provider) { p.log = log }
}

// WithRequestTimeout bounds how long a request may stay pending before
// it settles with an error. Zero keeps the source behavior of waiting
// forever on an unanswered surface.
func WithRequestTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.timeout = d }
}

// New creates a Provider bound to a store. Call SetMode before issuing
// requests.
func New(store StateContainer, opts ...ProviderOption) *Provider {
	p := &Provider{
		store: store,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Reactive events: derived from store changes rather than from the
	// settling call, so mode-side mutations surface too.
	p.unsubs = append(p.unsubs,
		store.Subscribe(
			func(s types.State) interface{} { return accountAddresses(s) },
			func(curr, _ interface{}) { p.events.emit(EventAccountsChanged, curr) },
		),
		store.Subscribe(
			func(s types.State) interface{} { return s.ChainID },
			func(curr, _ interface{}) {
				p.events.emit(EventChainChanged, rpc.EncodeUint64(curr.(uint64)))
			},
		),
	)
	return p
}

func accountAddresses(s types.State) []string {
	out := make([]string, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		out = append(out, a.Address.Hex())
	}
	return out
}

// SetMode activates a mode, tearing down the previous one first. At most
// one mode is active at a time.
func (p *Provider) SetMode(m Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.teardown != nil {
		p.teardown()
		p.teardown = nil
	}
	p.mode = m
	if m == nil {
		return nil
	}
	teardown, err := m.Setup(&Internal{
		Store:  p.store,
		Chains: p.store.Chains(),
		Logger: p.log,
	})
	if err != nil {
		p.mode = nil
		return err
	}
	p.teardown = once(teardown)
	p.log.Debug("provider: mode activated", zap.String("mode", m.Name()))
	return nil
}

// Close tears down the active mode and the store subscriptions.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.teardown != nil {
		p.teardown()
		p.teardown = nil
	}
	p.mode = nil
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Request validates, enqueues, and executes one request against the
// active mode, settling the queued entry when the mode replies.
func (p *Provider) Request(ctx context.Context, req types.Request) (json.RawMessage, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Schema and method errors return synchronously, before anything is
	// queued.
	if _, err := rpc.Decode(req); err != nil {
		var mns *rpc.MethodNotSupportedError
		if errors.As(err, &mns) {
			return nil, &ProviderError{Code: CodeUnsupportedMethod, Message: mns.Error()}
		}
		return nil, err
	}

	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()
	if mode == nil {
		return nil, NewProviderError(CodeDisconnected, "no active mode")
	}

	queued := p.enqueue(req)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result, err := mode.Request(ctx, req)
	if err != nil {
		p.store.SettleRequest(req.ID, types.StatusError, nil, err.Error())
		return nil, err
	}
	p.store.SettleRequest(req.ID, types.StatusSuccess, result, "")

	p.resync(ctx, mode, queued)
	p.emitLifecycle(req.Method)
	return result, nil
}

// enqueue records the request with the account context it was issued
// under, so settlement can detect that the surface authenticated a
// different account than the host believed was active.
func (p *Provider) enqueue(req types.Request) types.QueuedRequest {
	entry := types.QueuedRequest{Request: req, Status: types.StatusPending}
	if active, ok := p.store.Get().ActiveAccount(); ok {
		qa := &types.QueuedAccount{Address: active.Address}
		if key, ok := active.AdminKey(); ok {
			qa.KeyFingerprint = key.Fingerprint()
		} else if len(active.Keys) > 0 {
			qa.KeyFingerprint = active.Keys[0].Fingerprint()
		}
		entry.Account = qa
	}
	p.store.EnqueueRequest(entry)
	return entry
}

// resync reconnects with the queued account when the store's active
// account drifted while the request was in flight. Failure is logged,
// not surfaced: the settled result stands either way.
func (p *Provider) resync(ctx context.Context, mode Mode, queued types.QueuedRequest) {
	if queued.Account == nil {
		return
	}
	active, ok := p.store.Get().ActiveAccount()
	if ok && active.Address == queued.Account.Address {
		if queued.Account.KeyFingerprint == "" {
			return
		}
		key, found := active.AdminKey()
		if !found && len(active.Keys) > 0 {
			key, found = active.Keys[0], true
		}
		if found && key.Fingerprint() == queued.Account.KeyFingerprint {
			return
		}
	}
	params, err := json.Marshal([]map[string]string{{"address": queued.Account.Address.Hex()}})
	if err != nil {
		return
	}
	reconnect := types.Request{
		ID:     uuid.NewString(),
		Method: rpc.MethodConnect,
		Params: params,
	}
	if _, err := mode.Request(ctx, reconnect); err != nil {
		p.log.Warn("provider: resync reconnect failed",
			zap.String("address", queued.Account.Address.Hex()), zap.Error(err))
	}
}

func (p *Provider) emitLifecycle(method string) {
	switch method {
	case rpc.MethodConnect:
		p.events.emit(EventConnect, rpc.EncodeUint64(p.store.Get().ChainID))
	case rpc.MethodDisconnect:
		p.events.emit(EventDisconnect, nil)
	}
}

// CancelRequest settles a pending request early with a user-rejection
// error and removes its queue entry. Returns false when the active mode
// does not track in-flight requests or the id is unknown.
func (p *Provider) CancelRequest(id string) bool {
	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()
	canceler, ok := mode.(RequestCanceler)
	if !ok {
		return false
	}
	if !canceler.CancelRequest(id, ErrUserRejected()) {
		return false
	}
	p.store.RemoveRequest(id)
	return true
}

// On registers an event handler; the returned function removes it.
func (p *Provider) On(event string, handler func(payload interface{})) func() {
	return p.events.on(event, handler)
}

// RemoveAllListeners drops every handler for an event.
func (p *Provider) RemoveAllListeners(event string) {
	p.events.removeAll(event)
}

// once wraps a teardown so double-invocation is harmless regardless of
// how the mode implemented it.
func once(fn func()) func() {
	var o sync.Once
	return func() {
		if fn != nil {
			o.Do(fn)
		}
	}
}

// ---------------------------------------------------------------------------
// Event emitter
// ---------------------------------------------------------------------------

type eventEmitter struct {
	mu       sync.Mutex
	handlers map[string][]eventEntry
	nextID   int
}

type eventEntry struct {
	id int
	fn func(payload interface{})
}

func (e *eventEmitter) on(event string, handler func(payload interface{})) func() {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[string][]eventEntry)
	}
	id := e.nextID
	e.nextID++
	e.handlers[event] = append(e.handlers[event], eventEntry{id: id, fn: handler})
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.handlers[event]
		for i, entry := range entries {
			if entry.id == id {
				e.handlers[event] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (e *eventEmitter) removeAll(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

func (e *eventEmitter) emit(event string, payload interface{}) {
	e.mu.Lock()
	entries := append([]eventEntry(nil), e.handlers[event]...)
	e.mu.Unlock()
	for _, entry := range entries {
		entry.fn(payload)
	}
}
