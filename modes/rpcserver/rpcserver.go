// Package rpcserver implements the headless Mode: it signs locally with
// a secp256k1 key and relays everything else straight to a chain RPC
// endpoint, with no remote authorization surface. Used for server-side
// and testing contexts.
package rpcserver

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	wallet "github.com/wjorgensen/porto-zkEmail-sub001"
	"github.com/wjorgensen/porto-zkEmail-sub001/feetokens"
	"github.com/wjorgensen/porto-zkEmail-sub001/rpc"
	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Caller is the chain RPC surface the mode relays through. Satisfied by
// *rpc.Client from go-ethereum.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Config configures the headless mode.
type Config struct {
	// URL of the chain RPC endpoint. Ignored when Caller is set.
	URL string
	// Caller overrides dialing, for tests and custom transports.
	Caller Caller
	// PrivateKey is the hex-encoded secp256k1 signing key, with or
	// without the 0x prefix.
	PrivateKey string
}

// Mode signs and relays directly against a chain RPC endpoint.
type Mode struct {
	caller  Caller
	key     *ecdsa.PrivateKey
	address common.Address

	mu       sync.Mutex
	internal *wallet.Internal
	torn     bool
	tearOne  sync.Once

	log *zap.Logger
}

// New creates the mode, dialing the endpoint unless a Caller was given.
func New(ctx context.Context, cfg Config) (*Mode, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("rpcserver: invalid private key: %w", err)
	}
	caller := cfg.Caller
	if caller == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("rpcserver: either URL or Caller is required")
		}
		client, err := gethrpc.DialContext(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: dial %s: %w", cfg.URL, err)
		}
		caller = client
	}
	return &Mode{
		caller:  caller,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		log:     zap.NewNop(),
	}, nil
}

// Name implements wallet.Mode.
func (m *Mode) Name() string { return "rpc-server" }

// Address returns the signer address.
func (m *Mode) Address() common.Address { return m.address }

// Setup implements wallet.Mode.
func (m *Mode) Setup(internal *wallet.Internal) (func(), error) {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return nil, wallet.NewProviderError(wallet.CodeDisconnected,
			"rpcserver mode torn down, the endpoint connection is closed; create a new mode")
	}
	m.internal = internal
	m.mu.Unlock()
	if internal.Logger != nil {
		m.log = internal.Logger
	}
	return m.teardown, nil
}

func (m *Mode) teardown() {
	m.tearOne.Do(func() {
		m.mu.Lock()
		m.internal = nil
		m.torn = true
		m.mu.Unlock()
		m.caller.Close()
		m.log.Debug("rpcserver: torn down")
	})
}

func (m *Mode) store() (wallet.StateContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.internal == nil {
		return nil, wallet.NewProviderError(wallet.CodeDisconnected, "rpcserver mode not set up")
	}
	return m.internal.Store, nil
}

// Request implements wallet.Mode.
func (m *Mode) Request(ctx context.Context, req types.Request) (json.RawMessage, error) {
	decoded, err := rpc.Decode(req)
	if err != nil {
		return nil, err
	}
	store, err := m.store()
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case rpc.MethodPing:
		return marshal("pong")

	case rpc.MethodEthChainID:
		return marshal(rpc.EncodeUint64(store.Get().ChainID))

	case rpc.MethodEthAccounts:
		return marshal(addresses(store.Get()))

	case rpc.MethodEthRequestAccounts:
		if len(store.Get().Accounts) == 0 {
			if _, err := m.connect(ctx, store, rpc.ConnectParams{}); err != nil {
				return nil, err
			}
		}
		return marshal(addresses(store.Get()))

	case rpc.MethodConnect:
		return m.connect(ctx, store, decoded.(rpc.ConnectParams))

	case rpc.MethodDisconnect:
		store.Set(func(s *types.State) { s.Accounts = nil })
		return marshal(nil)

	case rpc.MethodPersonalSign:
		p := decoded.(rpc.PersonalSignParams)
		if p.Address != m.address {
			return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "unknown signing address")
		}
		return m.sign(accounts.TextHash(p.Data))

	case rpc.MethodEthSignTypedDataV4:
		p := decoded.(rpc.SignTypedDataParams)
		if p.Address != m.address {
			return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "unknown signing address")
		}
		var typedData apitypes.TypedData
		if err := json.Unmarshal([]byte(p.TypedData), &typedData); err != nil {
			return nil, rpc.NewCoderError([]string{"typedData"}, "malformed typed data: %v", err)
		}
		digest, _, err := apitypes.TypedDataAndHash(typedData)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: hashing typed data: %w", err)
		}
		return m.sign(digest)

	case rpc.MethodGrantPermissions:
		return m.grantPermissions(ctx, store, decoded.(rpc.GrantPermissionsParams))

	case rpc.MethodRevokePermissions:
		return m.removeKey(store, decoded.(rpc.KeyScopedParams), types.KeyRoleSession)

	case rpc.MethodGetPermissions:
		return m.getPermissions(store)

	case rpc.MethodGrantAdmin:
		p := decoded.(rpc.GrantAdminParams)
		return m.addKey(store, p.Address, p.Key)

	case rpc.MethodRevokeAdmin:
		return m.removeKey(store, decoded.(rpc.KeyScopedParams), types.KeyRoleAdmin)

	case rpc.MethodGetKeys:
		return m.listKeys(store, "")

	case rpc.MethodGetAdmins:
		return m.listKeys(store, types.KeyRoleAdmin)

	case rpc.MethodVerifySignature:
		return m.verifySignature(decoded.(rpc.VerifySignatureParams))

	default:
		// Everything else is the chain's business: prepared calls,
		// upgrades, capability queries, email registration.
		return m.relay(ctx, req)
	}
}

func addresses(s types.State) []string {
	out := make([]string, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		out = append(out, a.Address.Hex())
	}
	return out
}

func marshal(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

// sign produces a 65-byte [R || S || V] signature with the legacy v
// offset the eth_sign family expects.
func (m *Mode) sign(digest []byte) (json.RawMessage, error) {
	sig, err := crypto.Sign(digest, m.key)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: signing: %w", err)
	}
	sig[64] += 27
	return marshal(hexutil.Encode(sig))
}

// connect materializes the signer as a smart account with one admin key
// and optionally resolves a permission grant in the same step.
func (m *Mode) connect(ctx context.Context, store wallet.StateContainer, params rpc.ConnectParams) (json.RawMessage, error) {
	account := types.Account{
		Address: m.address,
		Keys: []types.Key{{
			PublicKey: crypto.FromECDSAPub(&m.key.PublicKey),
			Role:      types.KeyRoleAdmin,
			Type:      types.KeyTypeSecp256k1,
		}},
	}

	if params.Capabilities != nil && params.Capabilities.GrantPermissions != nil {
		key, err := m.resolveGrant(ctx, store, *params.Capabilities.GrantPermissions)
		if err != nil {
			return nil, err
		}
		account.Keys = append(account.Keys, key)
	}

	store.Set(func(s *types.State) {
		rest := make([]types.Account, 0, len(s.Accounts))
		for _, a := range s.Accounts {
			if a.Address != account.Address {
				rest = append(rest, a)
			}
		}
		s.Accounts = append([]types.Account{account}, rest...)
	})
	return marshal(map[string]interface{}{
		"accounts": []map[string]string{{"address": account.Address.Hex()}},
	})
}

// resolveGrant turns an abstract permissions request into a session key
// with concrete, fee-priced spend limits.
func (m *Mode) resolveGrant(ctx context.Context, store wallet.StateContainer, req types.PermissionsRequest) (types.Key, error) {
	tokens, err := feetokens.Fetch(ctx, m.caller, store.Get().ChainID, feetokens.Options{
		DefaultSymbol: store.Get().FeeToken,
		Logger:        m.log,
	})
	if err != nil {
		m.log.Warn("rpcserver: fee token fetch failed, granting without fee limit", zap.Error(err))
		tokens = nil
	}
	resolved, err := wallet.ResolvePermissions(req, tokens)
	if err != nil {
		return types.Key{}, err
	}
	key := types.Key{
		Role:   types.KeyRoleSession,
		Type:   types.KeyTypeSecp256k1,
		Expiry: req.Expiry,
	}
	if req.Key != nil {
		key.PublicKey = req.Key.PublicKey
		key.Type = req.Key.Type
	} else {
		generated, err := crypto.GenerateKey()
		if err != nil {
			return types.Key{}, fmt.Errorf("rpcserver: generating session key: %w", err)
		}
		key.PublicKey = crypto.FromECDSAPub(&generated.PublicKey)
	}
	key.Permissions = &resolved
	return key, nil
}

func (m *Mode) grantPermissions(ctx context.Context, store wallet.StateContainer, params rpc.GrantPermissionsParams) (json.RawMessage, error) {
	key, err := m.resolveGrant(ctx, store, params.Request)
	if err != nil {
		return nil, err
	}
	if _, err := m.addKey(store, params.Address, key); err != nil {
		return nil, err
	}
	encoded, err := rpc.EncodePermissions(*key.Permissions)
	if err != nil {
		return nil, err
	}
	return marshal(map[string]interface{}{
		"address":     m.targetAddress(store, params.Address).Hex(),
		"key":         map[string]string{"publicKey": hexutil.Encode(key.PublicKey), "type": string(key.Type)},
		"expiry":      key.Expiry,
		"permissions": json.RawMessage(encoded),
	})
}

func (m *Mode) targetAddress(store wallet.StateContainer, explicit *common.Address) common.Address {
	if explicit != nil {
		return *explicit
	}
	if active, ok := store.Get().ActiveAccount(); ok {
		return active.Address
	}
	return m.address
}

func (m *Mode) addKey(store wallet.StateContainer, explicit *common.Address, key types.Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	target := m.targetAddress(store, explicit)
	found := false
	store.Set(func(s *types.State) {
		for i := range s.Accounts {
			if s.Accounts[i].Address == target {
				s.Accounts[i].Keys = append(s.Accounts[i].Keys, key)
				found = true
				return
			}
		}
	})
	if !found {
		return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "account not connected")
	}
	return marshal(map[string]string{"id": hexutil.Encode(key.PublicKey)})
}

func (m *Mode) removeKey(store wallet.StateContainer, params rpc.KeyScopedParams, role types.KeyRole) (json.RawMessage, error) {
	target := m.targetAddress(store, params.Address)
	removed := false
	store.Set(func(s *types.State) {
		for i := range s.Accounts {
			if s.Accounts[i].Address != target {
				continue
			}
			keys := s.Accounts[i].Keys[:0]
			for _, k := range s.Accounts[i].Keys {
				if k.Role == role && hexutil.Encode(k.PublicKey) == hexutil.Encode(params.ID) {
					removed = true
					continue
				}
				keys = append(keys, k)
			}
			s.Accounts[i].Keys = keys
			return
		}
	})
	if !removed {
		return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "key not found")
	}
	return marshal(nil)
}

func (m *Mode) listKeys(store wallet.StateContainer, role types.KeyRole) (json.RawMessage, error) {
	active, ok := store.Get().ActiveAccount()
	if !ok {
		return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "account not connected")
	}
	out := make([]map[string]interface{}, 0, len(active.Keys))
	for _, k := range active.Keys {
		if role != "" && k.Role != role {
			continue
		}
		out = append(out, map[string]interface{}{
			"publicKey": hexutil.Encode(k.PublicKey),
			"role":      string(k.Role),
			"type":      string(k.Type),
			"expiry":    k.Expiry,
		})
	}
	return marshal(out)
}

func (m *Mode) getPermissions(store wallet.StateContainer) (json.RawMessage, error) {
	active, ok := store.Get().ActiveAccount()
	if !ok {
		return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "account not connected")
	}
	out := make([]json.RawMessage, 0)
	for _, k := range active.Keys {
		if k.Role != types.KeyRoleSession || k.Permissions == nil {
			continue
		}
		encoded, err := rpc.EncodePermissions(*k.Permissions)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return marshal(out)
}

func (m *Mode) verifySignature(params rpc.VerifySignatureParams) (json.RawMessage, error) {
	sig := append([]byte(nil), params.Signature...)
	if len(sig) == 65 && sig[64] >= 27 {
		sig[64] -= 27
	}
	valid := false
	if len(sig) == 65 {
		if pub, err := crypto.SigToPub(params.Digest[:], sig); err == nil {
			valid = crypto.PubkeyToAddress(*pub) == params.Address
		}
	}
	return marshal(map[string]bool{"valid": valid})
}

// relay forwards a request to the chain endpoint unchanged, wrapping
// failures in an ExecutionError with the decoded ABI revert when the
// endpoint returned revert data.
func (m *Mode) relay(ctx context.Context, req types.Request) (json.RawMessage, error) {
	var args []interface{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			// Single-object params relay as a one-element arg list.
			var obj interface{}
			if err := json.Unmarshal(req.Params, &obj); err != nil {
				return nil, rpc.NewCoderError([]string{"params"}, "malformed params: %v", err)
			}
			args = []interface{}{obj}
		}
	}
	var result json.RawMessage
	if err := m.caller.CallContext(ctx, &result, req.Method, args...); err != nil {
		return nil, m.wrapExecutionError(err)
	}
	return result, nil
}

type dataError interface {
	ErrorData() interface{}
}

func (m *Mode) wrapExecutionError(err error) error {
	execErr := &wallet.ExecutionError{Err: err}
	var de dataError
	if ok := asDataError(err, &de); ok {
		if s, ok := de.ErrorData().(string); ok {
			if revert, decodeErr := hexutil.Decode(s); decodeErr == nil {
				execErr.Revert = revert
				if name, ok := wallet.DecodeRevert(revert); ok {
					execErr.AbiError = name
				}
			}
		}
	}
	return execErr
}

func asDataError(err error, target *dataError) bool {
	for err != nil {
		if de, ok := err.(dataError); ok {
			*target = de
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
