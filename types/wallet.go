package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyRole classifies a key's authority over an account.
type KeyRole string

const (
	// KeyRoleAdmin keys can perform any operation on the account.
	KeyRoleAdmin KeyRole = "admin"
	// KeyRoleSession keys are restricted by an attached Permissions value.
	KeyRoleSession KeyRole = "session"
)

// KeyType identifies the signature scheme of a key.
type KeyType string

const (
	KeyTypeSecp256k1    KeyType = "secp256k1"
	KeyTypeP256         KeyType = "p256"
	KeyTypeWebAuthnP256 KeyType = "webauthn-p256"
	KeyTypeAddress      KeyType = "address"
)

// Key is a signing key registered on a smart account.
//
// Admin keys carry no permission restriction. Session keys must carry a
// Permissions value; a session key without one is invalid and is rejected
// by Validate.
type Key struct {
	PublicKey   hexutil.Bytes `json:"publicKey"`
	Role        KeyRole       `json:"role"`
	Type        KeyType       `json:"type"`
	Expiry      uint64        `json:"expiry"`
	Permissions *Permissions  `json:"permissions,omitempty"`
}

// Validate checks the role/permission invariant.
func (k Key) Validate() error {
	switch k.Role {
	case KeyRoleAdmin:
		return nil
	case KeyRoleSession:
		if k.Permissions == nil {
			return errSessionKeyWithoutPermissions
		}
		return nil
	default:
		return errUnknownKeyRole
	}
}

// Fingerprint returns a stable identifier for the key, derived from its
// type and public key. Used to detect that a settled request was signed
// by a different key than the one the host believed was active.
func (k Key) Fingerprint() string {
	h := crypto.Keccak256(append([]byte(k.Type), k.PublicKey...))
	return hexutil.Encode(h[:8])
}

// SpendPeriod is the rolling window a spend limit applies to.
type SpendPeriod string

const (
	PeriodMinute SpendPeriod = "minute"
	PeriodHour   SpendPeriod = "hour"
	PeriodDay    SpendPeriod = "day"
	PeriodWeek   SpendPeriod = "week"
	PeriodMonth  SpendPeriod = "month"
	PeriodYear   SpendPeriod = "year"
)

var periodRank = map[SpendPeriod]int{
	PeriodMinute: 0,
	PeriodHour:   1,
	PeriodDay:    2,
	PeriodWeek:   3,
	PeriodMonth:  4,
	PeriodYear:   5,
}

// Valid reports whether p is one of the known periods.
func (p SpendPeriod) Valid() bool {
	_, ok := periodRank[p]
	return ok
}

// Shorter reports whether p is a strictly shorter window than other.
// Unknown periods compare as longest.
func (p SpendPeriod) Shorter(other SpendPeriod) bool {
	pr, ok := periodRank[p]
	if !ok {
		return false
	}
	or, ok := periodRank[other]
	if !ok {
		return true
	}
	return pr < or
}

// CallPermission restricts a session key to calling a specific target
// and/or function selector. At least one of the two fields must be set.
type CallPermission struct {
	To        *common.Address `json:"to,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// SpendPermission caps the cumulative value of a token transferable
// within a rolling period. A nil Token means the native asset.
type SpendPermission struct {
	Limit  *big.Int        `json:"limit"`
	Period SpendPeriod     `json:"period"`
	Token  *common.Address `json:"token,omitempty"`
}

// Clone returns a deep copy. Resolver code clones before merging so the
// caller's request is never mutated.
func (s SpendPermission) Clone() SpendPermission {
	out := s
	if s.Limit != nil {
		out.Limit = new(big.Int).Set(s.Limit)
	}
	if s.Token != nil {
		t := *s.Token
		out.Token = &t
	}
	return out
}

// SignatureVerificationPermission allows a session key to be used for
// signature verification by the listed contracts.
type SignatureVerificationPermission struct {
	Addresses []common.Address `json:"addresses"`
}

// Permissions restricts what a session key may do.
type Permissions struct {
	Calls                 []CallPermission                 `json:"calls"`
	Spend                 []SpendPermission                `json:"spend,omitempty"`
	SignatureVerification *SignatureVerificationPermission `json:"signatureVerification,omitempty"`
}

// FeeTokenKind groups fee tokens by what they are pegged to, e.g. "USDC",
// "USDT" (kinds starting with "USD" are treated as dollar-denominated).
type FeeTokenKind = string

// FeeToken describes an asset accepted for paying transaction fees.
// NativeRate expresses the token's price in native-asset base units;
// a nil rate means 1:1 with the native asset.
type FeeToken struct {
	Address    common.Address `json:"address"`
	Symbol     string         `json:"symbol"`
	Kind       FeeTokenKind   `json:"kind"`
	Decimals   uint8          `json:"decimals"`
	NativeRate *big.Int       `json:"nativeRate,omitempty"`
}

// IsNative reports whether the token entry stands for the native asset.
func (t FeeToken) IsNative() bool {
	return t.Address == (common.Address{})
}

// FeeLimit is a dApp-authored fee allowance in an abstract currency:
// "USD", a token kind, or a token symbol. Value is a decimal string.
type FeeLimit struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

// PermissionsRequest is the wallet_grantPermissions input before fee-token
// resolution: the fee limit has not yet been converted into a concrete
// spend permission.
type PermissionsRequest struct {
	Expiry      uint64      `json:"expiry"`
	FeeLimit    *FeeLimit   `json:"feeLimit,omitempty"`
	Permissions Permissions `json:"permissions"`
	Key         *Key        `json:"key,omitempty"`
}

// ResolvedFeeLimit is a fee allowance converted into concrete base units
// of a specific fee token.
type ResolvedFeeLimit struct {
	Token FeeToken
	Value *big.Int
}

// Account is a smart account plus its ordered key set.
type Account struct {
	Address common.Address `json:"address"`
	Keys    []Key          `json:"keys"`
}

// AdminKey returns the first admin key, or false if the account has none.
func (a Account) AdminKey() (Key, bool) {
	for _, k := range a.Keys {
		if k.Role == KeyRoleAdmin {
			return k, true
		}
	}
	return Key{}, false
}

// Request is a JSON-RPC-shaped request entering the relay. ID correlates
// the eventual reply; the Provider assigns one when the caller left it
// empty.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RequestStatus is the lifecycle state of a queued request.
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusSuccess RequestStatus = "success"
	StatusError   RequestStatus = "error"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// QueuedAccount pins the account context a request was issued under.
type QueuedAccount struct {
	Address        common.Address `json:"address"`
	KeyFingerprint string         `json:"keyFingerprint,omitempty"`
}

// QueuedRequest tracks an in-flight request in State.RequestQueue. It
// transitions exactly once from pending to a terminal status and is then
// eligible for removal by the consumer.
type QueuedRequest struct {
	Account *QueuedAccount  `json:"account,omitempty"`
	Request Request         `json:"request"`
	Status  RequestStatus   `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// State is the single observable record shared by every component.
// It is owned by the store and mutated only through its API.
type State struct {
	Accounts     []Account       `json:"accounts"`
	ChainID      uint64          `json:"chainId"`
	FeeToken     string          `json:"feeToken,omitempty"`
	RequestQueue []QueuedRequest `json:"requestQueue"`
}

// ActiveAccount returns the account a new request binds to (index 0).
func (s State) ActiveAccount() (Account, bool) {
	if len(s.Accounts) == 0 {
		return Account{}, false
	}
	return s.Accounts[0], true
}
