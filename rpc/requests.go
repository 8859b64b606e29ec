package rpc

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Typed params returned by Decode. One struct per method (or method
// family); every numeric wire value arrives 0x-hex-encoded and is decoded
// here into native types.

// EmptyParams is returned for methods that take no params.
type EmptyParams struct{}

// TransactionCall is a single call in eth_sendTransaction or a
// wallet_prepareCalls/wallet_sendCalls bundle.
type TransactionCall struct {
	From  *common.Address
	To    *common.Address
	Value *hexutil.Big
	Data  hexutil.Bytes
}

// SendTransactionParams carries the first (and only) transaction object.
type SendTransactionParams struct {
	Tx TransactionCall
}

// SignTypedDataParams carries [address, typedDataJSON].
type SignTypedDataParams struct {
	Address   common.Address
	TypedData string
}

// PersonalSignParams carries [data, address].
type PersonalSignParams struct {
	Data    hexutil.Bytes
	Address common.Address
}

// ConnectCapabilities is the capability object of wallet_connect.
type ConnectCapabilities struct {
	CreateAccount    bool
	GrantPermissions *types.PermissionsRequest
}

// ConnectParams carries the optional wallet_connect capability request.
// Address is set on reconnects to select a specific account.
type ConnectParams struct {
	Address      *common.Address
	Capabilities *ConnectCapabilities
}

// GetCapabilitiesParams optionally restricts the queried chains.
type GetCapabilitiesParams struct {
	ChainIDs []uint64
}

// CallsStatusParams identifies a previously sent call bundle.
type CallsStatusParams struct {
	ID hexutil.Bytes
}

// AccountScopedParams addresses an account-scoped read
// (wallet_getKeys, wallet_getAdmins, wallet_getPermissions,
// wallet_getAccountVersion, wallet_updateAccount). A nil address means
// the active account.
type AccountScopedParams struct {
	Address *common.Address
}

// CallBundleParams is the shared shape of wallet_prepareCalls and
// wallet_sendCalls.
type CallBundleParams struct {
	From         *common.Address
	ChainID      uint64
	Calls        []TransactionCall
	Key          *types.Key
	Capabilities json.RawMessage
}

// SendPreparedCallsParams submits a previously prepared bundle with its
// signature.
type SendPreparedCallsParams struct {
	Context   json.RawMessage
	Signature hexutil.Bytes
}

// GrantPermissionsParams wraps the decoded permissions request.
type GrantPermissionsParams struct {
	Address *common.Address
	Request types.PermissionsRequest
}

// KeyScopedParams identifies a key by id for revocation
// (wallet_revokePermissions, wallet_revokeAdmin, wallet_revokePasskey).
type KeyScopedParams struct {
	ID      hexutil.Bytes
	Address *common.Address
}

// GrantAdminParams authorizes a new admin key.
type GrantAdminParams struct {
	Address *common.Address
	Key     types.Key
}

// UpgradeAccountParams finalizes an account upgrade prepared earlier.
type UpgradeAccountParams struct {
	Context    json.RawMessage
	Signatures []hexutil.Bytes
}

// PrepareUpgradeAccountParams starts an EOA upgrade.
type PrepareUpgradeAccountParams struct {
	Address      common.Address
	Capabilities json.RawMessage
}

// VerifySignatureParams carries a signature verification request.
type VerifySignatureParams struct {
	Address   common.Address
	Digest    common.Hash
	Signature hexutil.Bytes
}

// EmailParams carries wallet_setEmailAndRegister / wallet_getEmailHash
// input.
type EmailParams struct {
	Email   string
	Address *common.Address
}

// KeyIDParams identifies a key for wallet_getKeyId.
type KeyIDParams struct {
	PublicKey hexutil.Bytes
	KeyType   types.KeyType
}

// ---------------------------------------------------------------------------
// Wire shapes. Decoding goes through intermediate structs with string
// fields so that validation can attach the exact failing path.
// ---------------------------------------------------------------------------

type callWire struct {
	To        string `json:"to,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type spendWire struct {
	Limit  string `json:"limit"`
	Period string `json:"period"`
	Token  string `json:"token,omitempty"`
}

type sigVerificationWire struct {
	Addresses []string `json:"addresses"`
}

type permissionsWire struct {
	Calls                 []callWire           `json:"calls"`
	Spend                 []spendWire          `json:"spend,omitempty"`
	SignatureVerification *sigVerificationWire `json:"signatureVerification,omitempty"`
}

type keyWire struct {
	PublicKey string `json:"publicKey"`
	Type      string `json:"type"`
}

type feeLimitWire struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type permissionsRequestWire struct {
	Address     string          `json:"address,omitempty"`
	ChainID     string          `json:"chainId,omitempty"`
	Expiry      uint64          `json:"expiry"`
	FeeLimit    *feeLimitWire   `json:"feeLimit,omitempty"`
	Key         *keyWire        `json:"key,omitempty"`
	Permissions permissionsWire `json:"permissions"`
}

type txWire struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

func pathOf(segments ...string) []string { return segments }

func indexed(base []string, i int, rest ...string) []string {
	out := append(append([]string(nil), base...), strconv.Itoa(i))
	return append(out, rest...)
}

func decodeOptionalAddress(path []string, s string) (*common.Address, *CoderError) {
	if s == "" {
		return nil, nil
	}
	a, err := DecodeAddress(path, s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeTxWire(base []string, w txWire) (TransactionCall, *CoderError) {
	var out TransactionCall
	from, err := decodeOptionalAddress(append(base, "from"), w.From)
	if err != nil {
		return out, err
	}
	out.From = from
	to, err := decodeOptionalAddress(append(base, "to"), w.To)
	if err != nil {
		return out, err
	}
	out.To = to
	if w.Value != "" {
		v, err := DecodeQuantity(append(base, "value"), w.Value)
		if err != nil {
			return out, err
		}
		out.Value = (*hexutil.Big)(v)
	}
	if w.Data != "" {
		d, err := DecodeBytes(append(base, "data"), w.Data)
		if err != nil {
			return out, err
		}
		out.Data = d
	}
	return out, nil
}

func decodeKeyWire(base []string, w keyWire, role types.KeyRole, perms *types.Permissions) (types.Key, *CoderError) {
	pk, err := DecodeBytes(append(base, "publicKey"), w.PublicKey)
	if err != nil {
		return types.Key{}, err
	}
	kt := types.KeyType(w.Type)
	switch kt {
	case types.KeyTypeSecp256k1, types.KeyTypeP256, types.KeyTypeWebAuthnP256, types.KeyTypeAddress:
	default:
		return types.Key{}, NewCoderError(append(base, "type"), "unknown key type %q", w.Type)
	}
	return types.Key{PublicKey: pk, Role: role, Type: kt, Permissions: perms}, nil
}

func decodePermissionsWire(base []string, w permissionsWire) (types.Permissions, *CoderError) {
	var out types.Permissions
	if len(w.Calls) == 0 {
		return out, NewCoderError(append(base, "calls"), "at least one call permission is required")
	}
	for i, c := range w.Calls {
		if c.To == "" && c.Signature == "" {
			return out, NewCoderError(indexed(append(base, "calls"), i), "call permission requires to and/or signature")
		}
		to, err := decodeOptionalAddress(indexed(append(base, "calls"), i, "to"), c.To)
		if err != nil {
			return out, err
		}
		out.Calls = append(out.Calls, types.CallPermission{To: to, Signature: c.Signature})
	}
	seen := make(map[string]bool)
	for i, s := range w.Spend {
		limit, err := DecodeQuantity(indexed(append(base, "spend"), i, "limit"), s.Limit)
		if err != nil {
			return out, err
		}
		period := types.SpendPeriod(s.Period)
		if !period.Valid() {
			return out, NewCoderError(indexed(append(base, "spend"), i, "period"), "unknown spend period %q", s.Period)
		}
		token, err := decodeOptionalAddress(indexed(append(base, "spend"), i, "token"), s.Token)
		if err != nil {
			return out, err
		}
		key := strings.ToLower(s.Token) + "/" + s.Period
		if seen[key] {
			return out, NewCoderError(indexed(append(base, "spend"), i), "duplicate spend entry for token %q period %q", s.Token, s.Period)
		}
		seen[key] = true
		out.Spend = append(out.Spend, types.SpendPermission{Limit: limit, Period: period, Token: token})
	}
	if w.SignatureVerification != nil {
		var sv types.SignatureVerificationPermission
		for i, a := range w.SignatureVerification.Addresses {
			addr, err := DecodeAddress(indexed(append(base, "signatureVerification", "addresses"), i), a)
			if err != nil {
				return out, err
			}
			sv.Addresses = append(sv.Addresses, addr)
		}
		out.SignatureVerification = &sv
	}
	return out, nil
}

// isDecimal accepts unsigned decimal strings like "2", "1.50", ".5".
func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	dots, digits := 0, 0
	for _, r := range s {
		switch {
		case r == '.':
			dots++
			if dots > 1 {
				return false
			}
		case r >= '0' && r <= '9':
			digits++
		default:
			return false
		}
	}
	return digits > 0
}

func decodePermissionsRequestWire(base []string, w permissionsRequestWire) (types.PermissionsRequest, *CoderError) {
	var out types.PermissionsRequest
	if w.Expiry == 0 {
		return out, NewCoderError(append(base, "expiry"), "expiry is required")
	}
	out.Expiry = w.Expiry
	if w.FeeLimit != nil {
		if w.FeeLimit.Currency == "" {
			return out, NewCoderError(append(base, "feeLimit", "currency"), "currency is required")
		}
		if !isDecimal(w.FeeLimit.Value) {
			return out, NewCoderError(append(base, "feeLimit", "value"), "invalid decimal value %q", w.FeeLimit.Value)
		}
		out.FeeLimit = &types.FeeLimit{Currency: w.FeeLimit.Currency, Value: w.FeeLimit.Value}
	}
	perms, err := decodePermissionsWire(append(base, "permissions"), w.Permissions)
	if err != nil {
		return out, err
	}
	out.Permissions = perms
	if w.Key != nil {
		key, err := decodeKeyWire(append(base, "key"), *w.Key, types.KeyRoleSession, &perms)
		if err != nil {
			return out, err
		}
		out.Key = &key
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Encoding. The wire form of everything numeric is 0x-hex; decoding the
// encoded form yields the original value (round-trip property).
// ---------------------------------------------------------------------------

// EncodePermissionsRequest renders a permissions request in its wire form.
func EncodePermissionsRequest(req types.PermissionsRequest) (json.RawMessage, error) {
	w := permissionsRequestWire{Expiry: req.Expiry}
	if req.FeeLimit != nil {
		w.FeeLimit = &feeLimitWire{Currency: req.FeeLimit.Currency, Value: req.FeeLimit.Value}
	}
	if req.Key != nil {
		w.Key = &keyWire{PublicKey: hexutil.Encode(req.Key.PublicKey), Type: string(req.Key.Type)}
	}
	pw, err := encodePermissionsWire(req.Permissions)
	if err != nil {
		return nil, err
	}
	w.Permissions = pw
	return json.Marshal(w)
}

// EncodePermissions renders a resolved permission set in its wire form.
func EncodePermissions(p types.Permissions) (json.RawMessage, error) {
	w, err := encodePermissionsWire(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func encodePermissionsWire(p types.Permissions) (permissionsWire, error) {
	var w permissionsWire
	for _, c := range p.Calls {
		cw := callWire{Signature: c.Signature}
		if c.To != nil {
			cw.To = c.To.Hex()
		}
		w.Calls = append(w.Calls, cw)
	}
	for _, s := range p.Spend {
		limit, err := EncodeQuantity(s.Limit)
		if err != nil {
			return w, err
		}
		sw := spendWire{Limit: limit, Period: string(s.Period)}
		if s.Token != nil {
			sw.Token = s.Token.Hex()
		}
		w.Spend = append(w.Spend, sw)
	}
	if p.SignatureVerification != nil {
		sv := &sigVerificationWire{}
		for _, a := range p.SignatureVerification.Addresses {
			sv.Addresses = append(sv.Addresses, a.Hex())
		}
		w.SignatureVerification = sv
	}
	return w, nil
}

// DecodePermissions parses a wire-form permission set (the inverse of
// EncodePermissions).
func DecodePermissions(raw json.RawMessage) (types.Permissions, error) {
	var w permissionsWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.Permissions{}, NewCoderError(pathOf("permissions"), "malformed permissions: %v", err)
	}
	p, cerr := decodePermissionsWire(pathOf("permissions"), w)
	if cerr != nil {
		return types.Permissions{}, cerr
	}
	return p, nil
}
