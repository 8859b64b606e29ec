package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjorgensen/porto-zkEmail-sub001/rpc"
	"github.com/wjorgensen/porto-zkEmail-sub001/store"
	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

type fakeMode struct {
	name    string
	handler func(ctx context.Context, req types.Request) (json.RawMessage, error)

	mu        sync.Mutex
	requests  []types.Request
	teardowns int
	setupErr  error
}

func (f *fakeMode) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeMode) Setup(*Internal) (func(), error) {
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return func() {
		f.mu.Lock()
		f.teardowns++
		f.mu.Unlock()
	}, nil
}

func (f *fakeMode) Request(ctx context.Context, req types.Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(ctx, req)
	}
	return json.Marshal("ok")
}

func (f *fakeMode) recorded() []types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Request(nil), f.requests...)
}

func (f *fakeMode) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func newTestAccount(addr common.Address) types.Account {
	return types.Account{
		Address: addr,
		Keys: []types.Key{{
			PublicKey: addr.Bytes(),
			Role:      types.KeyRoleAdmin,
			Type:      types.KeyTypeAddress,
		}},
	}
}

func TestRequestUnsupportedMethod(t *testing.T) {
	st := store.New()
	p := New(st)
	require.NoError(t, p.SetMode(&fakeMode{}))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: "eth_getBalance"})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, CodeUnsupportedMethod, perr.Code)
	// Validation failures never reach the queue.
	assert.Empty(t, st.Get().RequestQueue)
}

func TestRequestMalformedParams(t *testing.T) {
	st := store.New()
	p := New(st)
	require.NoError(t, p.SetMode(&fakeMode{}))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{
		Method: rpc.MethodPersonalSign,
		Params: json.RawMessage(`["0xdeadbeef", "bogus"]`),
	})
	var cerr *rpc.CoderError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "address", cerr.PathString())
	assert.Empty(t, st.Get().RequestQueue)
}

func TestRequestWithoutMode(t *testing.T) {
	p := New(store.New())
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, CodeDisconnected, perr.Code)
}

func TestRequestSettlesQueueEntry(t *testing.T) {
	st := store.New()
	p := New(st)
	mode := &fakeMode{}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	result, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(result))

	queue := st.Get().RequestQueue
	require.Len(t, queue, 1)
	assert.Equal(t, types.StatusSuccess, queue[0].Status)
	assert.NotEmpty(t, queue[0].Request.ID, "an id is assigned when the caller omits one")

	// Settled means settled: a second transition must not take.
	assert.False(t, st.SettleRequest(queue[0].Request.ID, types.StatusError, nil, "late"))
}

func TestRequestErrorSettlesAsError(t *testing.T) {
	st := store.New()
	p := New(st)
	mode := &fakeMode{handler: func(context.Context, types.Request) (json.RawMessage, error) {
		return nil, ErrUserRejected()
	}}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, CodeUserRejected, perr.Code)

	queue := st.Get().RequestQueue
	require.Len(t, queue, 1)
	assert.Equal(t, types.StatusError, queue[0].Status)
	assert.NotEmpty(t, queue[0].Error)
}

func TestConcurrentRequestsCorrelateById(t *testing.T) {
	st := store.New()
	p := New(st)

	// Replies settle in reverse submission order; each caller must still
	// get its own result back.
	var mu sync.Mutex
	waiting := make(map[string]chan struct{})
	mode := &fakeMode{handler: func(ctx context.Context, req types.Request) (json.RawMessage, error) {
		mu.Lock()
		ch := waiting[req.ID]
		mu.Unlock()
		if ch != nil {
			<-ch
		}
		return json.Marshal(req.ID)
	}}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	const n = 8
	ids := make([]string, n)
	gates := make([]chan struct{}, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("req-%d", i)
		gates[i] = make(chan struct{})
		mu.Lock()
		waiting[ids[i]] = gates[i]
		mu.Unlock()
	}

	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Request(context.Background(), types.Request{
				ID: ids[i], Method: rpc.MethodPing,
			})
		}(i)
	}

	// Release in reverse order once all are in flight.
	require.Eventually(t, func() bool {
		return len(mode.recorded()) == n
	}, time.Second, 5*time.Millisecond)
	for i := n - 1; i >= 0; i-- {
		close(gates[i])
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf(`"req-%d"`, i), string(results[i]))
	}
}

func TestResyncReconnectsWhenActiveAccountDrifts(t *testing.T) {
	addrA := common.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB := common.HexToAddress("0x000000000000000000000000000000000000000b")

	st := store.New()
	st.Set(func(s *types.State) { s.Accounts = []types.Account{newTestAccount(addrA)} })

	p := New(st)
	mode := &fakeMode{handler: func(_ context.Context, req types.Request) (json.RawMessage, error) {
		// The surface settled under a different account.
		if req.Method == rpc.MethodPing {
			st.Set(func(s *types.State) { s.Accounts = []types.Account{newTestAccount(addrB)} })
		}
		return json.Marshal("ok")
	}}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	require.NoError(t, err)

	recorded := mode.recorded()
	require.Len(t, recorded, 2)
	assert.Equal(t, rpc.MethodConnect, recorded[1].Method)
	assert.Contains(t, string(recorded[1].Params), addrA.Hex())
}

func TestNoResyncWhenAccountUnchanged(t *testing.T) {
	addrA := common.HexToAddress("0x000000000000000000000000000000000000000a")
	st := store.New()
	st.Set(func(s *types.State) { s.Accounts = []types.Account{newTestAccount(addrA)} })

	p := New(st)
	mode := &fakeMode{}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	require.NoError(t, err)
	assert.Len(t, mode.recorded(), 1)
}

func TestNoResyncForSessionOnlyAccount(t *testing.T) {
	addrA := common.HexToAddress("0x000000000000000000000000000000000000000a")
	st := store.New()
	st.Set(func(s *types.State) {
		s.Accounts = []types.Account{{
			Address: addrA,
			Keys: []types.Key{{
				PublicKey:   addrA.Bytes(),
				Role:        types.KeyRoleSession,
				Type:        types.KeyTypeSecp256k1,
				Permissions: &types.Permissions{Calls: []types.CallPermission{{Signature: "transfer(address,uint256)"}}},
			}},
		}}
	})

	p := New(st)
	mode := &fakeMode{}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	require.NoError(t, err)
	assert.Len(t, mode.recorded(), 1, "no reconnect when the account did not drift")
}

func TestSetModeTearsDownPrevious(t *testing.T) {
	p := New(store.New())
	first := &fakeMode{name: "first"}
	second := &fakeMode{name: "second"}

	require.NoError(t, p.SetMode(first))
	require.NoError(t, p.SetMode(second))
	assert.Equal(t, 1, first.teardownCount())
	assert.Equal(t, 0, second.teardownCount())

	p.Close()
	p.Close()
	assert.Equal(t, 1, second.teardownCount(), "teardown runs once no matter how often Close is called")
}

func TestSetModeSetupFailure(t *testing.T) {
	p := New(store.New())
	defer p.Close()
	bad := &fakeMode{setupErr: errors.New("no messenger")}
	require.Error(t, p.SetMode(bad))

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, CodeDisconnected, perr.Code)
}

func TestRequestTimeout(t *testing.T) {
	st := store.New()
	p := New(st, WithRequestTimeout(20*time.Millisecond))
	mode := &fakeMode{handler: func(ctx context.Context, _ types.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	require.NoError(t, p.SetMode(mode))
	defer p.Close()

	_, err := p.Request(context.Background(), types.Request{Method: rpc.MethodPing})
	require.Error(t, err)
	queue := st.Get().RequestQueue
	require.Len(t, queue, 1)
	assert.Equal(t, types.StatusError, queue[0].Status)
}

func TestProviderEvents(t *testing.T) {
	st := store.New(store.WithChains(1, 8453))
	p := New(st)
	defer p.Close()

	var mu sync.Mutex
	var accountEvents []interface{}
	var chainEvents []interface{}
	off := p.On(EventAccountsChanged, func(payload interface{}) {
		mu.Lock()
		accountEvents = append(accountEvents, payload)
		mu.Unlock()
	})
	p.On(EventChainChanged, func(payload interface{}) {
		mu.Lock()
		chainEvents = append(chainEvents, payload)
		mu.Unlock()
	})

	addr := common.HexToAddress("0x000000000000000000000000000000000000000a")
	st.Set(func(s *types.State) { s.Accounts = []types.Account{newTestAccount(addr)} })
	st.Set(func(s *types.State) { s.ChainID = 8453 })

	mu.Lock()
	require.Len(t, accountEvents, 1)
	assert.Equal(t, []string{addr.Hex()}, accountEvents[0])
	require.Len(t, chainEvents, 1)
	assert.Equal(t, "0x2105", chainEvents[0])
	mu.Unlock()

	// Unsubscribed handlers stay quiet.
	off()
	st.Set(func(s *types.State) { s.Accounts = nil })
	mu.Lock()
	assert.Len(t, accountEvents, 1)
	mu.Unlock()
}

func TestCancelRequestWithoutCanceler(t *testing.T) {
	p := New(store.New())
	require.NoError(t, p.SetMode(&fakeMode{}))
	defer p.Close()
	assert.False(t, p.CancelRequest("nope"))
}
