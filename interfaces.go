package wallet

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// StateContainer is the store surface the relay core depends on. The
// State record is owned exclusively by the implementation; no component
// mutates it except through Set.
type StateContainer interface {
	// Get returns a snapshot of the current state.
	Get() types.State
	// Set applies a mutation and synchronously notifies changed
	// subscribers before returning.
	Set(update func(*types.State))
	// Subscribe fires listener whenever selector output changes (shallow
	// compare). Returns the unsubscribe function.
	Subscribe(selector func(types.State) interface{}, listener func(curr, prev interface{})) func()
	// Chains returns the configured chain ids; index 0 is the default.
	Chains() []uint64

	// EnqueueRequest appends a pending entry to the request queue.
	EnqueueRequest(q types.QueuedRequest)
	// SettleRequest transitions a pending entry to a terminal status.
	// Returns false if the entry is missing or already settled.
	SettleRequest(id string, status types.RequestStatus, result json.RawMessage, errMsg string) bool
	// RemoveRequest drops a queue entry.
	RemoveRequest(id string) bool
}

// Internal is the shared context handed to a Mode at setup: the store,
// chain configuration and logger owned by the Provider's host.
type Internal struct {
	Store  StateContainer
	Chains []uint64
	Logger *zap.Logger
}

// Mode binds a Provider to a signing surface: either a remote
// authorization dialog reached through a messenger, or a direct
// RPC-server-backed signer. At most one Mode is active per Provider.
type Mode interface {
	// Name identifies the mode ("dialog", "rpc-server").
	Name() string
	// Setup wires the mode to the shared context and returns its
	// teardown. Teardown must be safe to call more than once.
	Setup(internal *Internal) (teardown func(), err error)
	// Request executes one wallet request and returns its raw result.
	Request(ctx context.Context, req types.Request) (json.RawMessage, error)
}

// RequestCanceler is implemented by modes that track in-flight requests
// and can settle one early (user closed the dialog, host abandoned the
// call).
type RequestCanceler interface {
	CancelRequest(id string, reason error) bool
}
