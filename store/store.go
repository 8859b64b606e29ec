// Package store owns the wallet's single mutable State record. All
// mutation goes through Set; every change synchronously notifies
// subscribers whose selector output changed and schedules a best-effort
// write of the persisted projection.
package store

import (
	"encoding/json"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Selector projects the slice of State a subscriber cares about.
type Selector = func(types.State) interface{}

// Listener receives the new and previous selector output. Listeners run
// synchronously after the mutation completes; they must not call Set on
// the same store from within the callback.
type Listener = func(curr, prev interface{})

type subscription struct {
	selector Selector
	listener Listener
	last     interface{}
}

// Store is the observable state container. The zero value is not usable;
// use New.
type Store struct {
	mu      sync.Mutex
	state   types.State
	subs    map[int]*subscription
	nextSub int

	storage Storage
	chains  []uint64
	log     *zap.Logger

	// persistWG lets tests wait for fire-and-forget writes.
	persistWG sync.WaitGroup

	// persistGen orders snapshots handed to persist goroutines. saveMu
	// serializes backend writes and saveGen drops any snapshot a newer
	// one already beat to the backend.
	persistGen uint64
	saveMu     sync.Mutex
	saveGen    uint64
}

// Option configures a store.
type Option func(*Store)

// WithStorage sets the persistence backend. Without one, state is
// in-memory only.
func WithStorage(storage Storage) Option {
	return func(s *Store) { s.storage = storage }
}

// WithChains sets the configured chain list. The first entry is the
// default chain.
func WithChains(ids ...uint64) Option {
	return func(s *Store) { s.chains = ids }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithFeeToken sets the default fee token symbol.
func WithFeeToken(symbol string) Option {
	return func(s *Store) { s.state.FeeToken = symbol }
}

// New creates a store, rehydrating persisted state over fresh defaults
// when a storage backend is configured.
func New(opts ...Option) *Store {
	s := &Store{
		subs: make(map[int]*subscription),
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.chains) == 0 {
		s.chains = []uint64{1}
	}
	s.state.ChainID = s.chains[0]
	if s.storage != nil {
		s.rehydrate()
	}
	return s
}

// Get returns a snapshot of the current state. The snapshot's slices are
// copied at the top level; callers must not reach into shared entries.
func (s *Store) Get() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.state)
}

func snapshot(st types.State) types.State {
	out := st
	out.Accounts = append([]types.Account(nil), st.Accounts...)
	out.RequestQueue = append([]types.QueuedRequest(nil), st.RequestQueue...)
	return out
}

// Set applies a mutation and then, in order: notifies subscribers whose
// selector output changed, and schedules a persistence write. Set calls
// are strictly sequential; the mutation function must not block.
func (s *Store) Set(update func(*types.State)) {
	type notification struct {
		listener   Listener
		curr, prev interface{}
	}

	s.mu.Lock()
	update(&s.state)
	curr := snapshot(s.state)
	var pending []notification
	for _, sub := range s.subs {
		cv := sub.selector(curr)
		if !shallowEqual(cv, sub.last) {
			pending = append(pending, notification{sub.listener, cv, sub.last})
			sub.last = cv
		}
	}
	s.persistGen++
	gen := s.persistGen
	s.mu.Unlock()

	// Snapshot-then-notify: listeners run outside the lock so a listener
	// reading the store does not deadlock.
	for _, n := range pending {
		n.listener(n.curr, n.prev)
	}

	if s.storage != nil {
		s.persistWG.Add(1)
		go func() {
			defer s.persistWG.Done()
			s.persist(curr, gen)
		}()
	}
}

// Subscribe registers a listener fired whenever the selector's output
// changes (shallow compare). Returns the unsubscribe function.
func (s *Store) Subscribe(selector Selector, listener Listener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscription{
		selector: selector,
		listener: listener,
		last:     selector(snapshot(s.state)),
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Chains returns the configured chain ids.
func (s *Store) Chains() []uint64 {
	return append([]uint64(nil), s.chains...)
}

// Flush blocks until all scheduled persistence writes finished. Test
// helper; production callers rely on fire-and-forget semantics.
func (s *Store) Flush() {
	s.persistWG.Wait()
}

// shallowEqual compares selector outputs: == for comparable values,
// reflect.DeepEqual otherwise (slices, maps).
func shallowEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// ---------------------------------------------------------------------------
// Request queue helpers
// ---------------------------------------------------------------------------

// EnqueueRequest appends a pending entry to the request queue.
func (s *Store) EnqueueRequest(q types.QueuedRequest) {
	q.Status = types.StatusPending
	s.Set(func(st *types.State) {
		st.RequestQueue = append(st.RequestQueue, q)
	})
}

// SettleRequest transitions the queued request with the given id to a
// terminal status. Returns false if the entry is missing or already
// settled: a queued request settles exactly once.
func (s *Store) SettleRequest(id string, status types.RequestStatus, result json.RawMessage, errMsg string) bool {
	if !status.Terminal() {
		return false
	}
	settled := false
	s.Set(func(st *types.State) {
		for i := range st.RequestQueue {
			entry := &st.RequestQueue[i]
			if entry.Request.ID != id || entry.Status != types.StatusPending {
				continue
			}
			entry.Status = status
			entry.Result = result
			entry.Error = errMsg
			settled = true
			return
		}
	})
	return settled
}

// RemoveRequest drops a queue entry. Consumers call this after reading a
// terminal status; a cancellation flow may also remove a pending entry.
func (s *Store) RemoveRequest(id string) bool {
	removed := false
	s.Set(func(st *types.State) {
		for i := range st.RequestQueue {
			if st.RequestQueue[i].Request.ID == id {
				st.RequestQueue = append(st.RequestQueue[:i], st.RequestQueue[i+1:]...)
				removed = true
				return
			}
		}
	})
	return removed
}

// PendingRequests returns the in-flight entries.
func (s *Store) PendingRequests() []types.QueuedRequest {
	st := s.Get()
	var out []types.QueuedRequest
	for _, q := range st.RequestQueue {
		if q.Status == types.StatusPending {
			out = append(out, q)
		}
	}
	return out
}
