package rpc

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Method names accepted by the relay. Anything else fails with
// MethodNotSupportedError.
const (
	MethodEthAccounts           = "eth_accounts"
	MethodEthChainID            = "eth_chainId"
	MethodEthRequestAccounts    = "eth_requestAccounts"
	MethodEthSendTransaction    = "eth_sendTransaction"
	MethodEthSignTypedDataV4    = "eth_signTypedData_v4"
	MethodPersonalSign          = "personal_sign"
	MethodConnect               = "wallet_connect"
	MethodDisconnect            = "wallet_disconnect"
	MethodGetCapabilities       = "wallet_getCapabilities"
	MethodGetCallsStatus        = "wallet_getCallsStatus"
	MethodGetKeys               = "wallet_getKeys"
	MethodPrepareCalls          = "wallet_prepareCalls"
	MethodSendCalls             = "wallet_sendCalls"
	MethodSendPreparedCalls     = "wallet_sendPreparedCalls"
	MethodGrantPermissions      = "wallet_grantPermissions"
	MethodRevokePermissions     = "wallet_revokePermissions"
	MethodGetPermissions        = "wallet_getPermissions"
	MethodGrantAdmin            = "wallet_grantAdmin"
	MethodRevokeAdmin           = "wallet_revokeAdmin"
	MethodGetAdmins             = "wallet_getAdmins"
	MethodUpgradeAccount        = "wallet_upgradeAccount"
	MethodPrepareUpgradeAccount = "wallet_prepareUpgradeAccount"
	MethodUpdateAccount         = "wallet_updateAccount"
	MethodGetAccountVersion     = "wallet_getAccountVersion"
	MethodVerifySignature       = "wallet_verifySignature"
	MethodSetEmailAndRegister   = "wallet_setEmailAndRegister"
	MethodRevokePasskey         = "wallet_revokePasskey"
	MethodGetEmailHash          = "wallet_getEmailHash"
	MethodGetKeyID              = "wallet_getKeyId"
	MethodPing                  = "ping"
)

type decoder func(raw json.RawMessage) (interface{}, error)

var methods = map[string]decoder{
	MethodEthAccounts:           decodeEmpty,
	MethodEthChainID:            decodeEmpty,
	MethodEthRequestAccounts:    decodeEmpty,
	MethodEthSendTransaction:    decodeSendTransaction,
	MethodEthSignTypedDataV4:    decodeSignTypedData,
	MethodPersonalSign:          decodePersonalSign,
	MethodConnect:               decodeConnect,
	MethodDisconnect:            decodeEmpty,
	MethodGetCapabilities:       decodeGetCapabilities,
	MethodGetCallsStatus:        decodeCallsStatus,
	MethodGetKeys:               decodeAccountScoped,
	MethodPrepareCalls:          decodeCallBundle,
	MethodSendCalls:             decodeCallBundle,
	MethodSendPreparedCalls:     decodeSendPreparedCalls,
	MethodGrantPermissions:      decodeGrantPermissions,
	MethodRevokePermissions:     decodeKeyScoped,
	MethodGetPermissions:        decodeAccountScoped,
	MethodGrantAdmin:            decodeGrantAdmin,
	MethodRevokeAdmin:           decodeKeyScoped,
	MethodGetAdmins:             decodeAccountScoped,
	MethodUpgradeAccount:        decodeUpgradeAccount,
	MethodPrepareUpgradeAccount: decodePrepareUpgradeAccount,
	MethodUpdateAccount:         decodeAccountScoped,
	MethodGetAccountVersion:     decodeAccountScoped,
	MethodVerifySignature:       decodeVerifySignature,
	MethodSetEmailAndRegister:   decodeEmail,
	MethodRevokePasskey:         decodeKeyScoped,
	MethodGetEmailHash:          decodeEmail,
	MethodGetKeyID:              decodeKeyID,
	MethodPing:                  decodeEmpty,
}

// Supported reports whether method is in the catalogue.
func Supported(method string) bool {
	_, ok := methods[method]
	return ok
}

// Methods returns the catalogue in sorted order.
func Methods() []string {
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Decode validates a request against the catalogue and returns its typed
// params. Unknown methods yield MethodNotSupportedError; malformed params
// yield a CoderError carrying the failing field path.
func Decode(req types.Request) (interface{}, error) {
	d, ok := methods[req.Method]
	if !ok {
		return nil, &MethodNotSupportedError{Method: req.Method}
	}
	return d(req.Params)
}

// ---------------------------------------------------------------------------
// Per-method decoders
// ---------------------------------------------------------------------------

func decodeEmpty(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch trimmed {
	case "", "null", "[]":
		return EmptyParams{}, nil
	}
	return nil, NewCoderError(pathOf("params"), "unexpected params %s", trimmed)
}

// singleObject accepts either a bare object or a one-element array
// wrapping it, the two forms seen from EIP-1193 hosts.
func singleObject(raw json.RawMessage, dst interface{}) *CoderError {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return NewCoderError(pathOf("params"), "missing params")
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return NewCoderError(pathOf("params"), "malformed params: %v", err)
		}
		if len(list) == 0 {
			return NewCoderError(pathOf("params"), "missing params")
		}
		trimmed = list[0]
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return NewCoderError(pathOf("params"), "malformed params: %v", err)
	}
	return nil
}

func decodeSendTransaction(raw json.RawMessage) (interface{}, error) {
	var w txWire
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	tx, err := decodeTxWire(nil, w)
	if err != nil {
		return nil, err
	}
	if tx.From == nil {
		return nil, NewCoderError(pathOf("from"), "from is required")
	}
	return SendTransactionParams{Tx: tx}, nil
}

func decodeSignTypedData(raw json.RawMessage) (interface{}, error) {
	var list []string
	if err := unmarshalParams(raw, &list); err != nil {
		return nil, err
	}
	if len(list) != 2 {
		return nil, NewCoderError(pathOf("params"), "expected [address, typedData], got %d params", len(list))
	}
	addr, cerr := DecodeAddress(pathOf("address"), list[0])
	if cerr != nil {
		return nil, cerr
	}
	if !json.Valid([]byte(list[1])) {
		return nil, NewCoderError(pathOf("typedData"), "typed data is not valid JSON")
	}
	return SignTypedDataParams{Address: addr, TypedData: list[1]}, nil
}

func decodePersonalSign(raw json.RawMessage) (interface{}, error) {
	var list []string
	if err := unmarshalParams(raw, &list); err != nil {
		return nil, err
	}
	if len(list) != 2 {
		return nil, NewCoderError(pathOf("params"), "expected [data, address], got %d params", len(list))
	}
	data, cerr := DecodeBytes(pathOf("data"), list[0])
	if cerr != nil {
		return nil, cerr
	}
	addr, cerr := DecodeAddress(pathOf("address"), list[1])
	if cerr != nil {
		return nil, cerr
	}
	return PersonalSignParams{Data: data, Address: addr}, nil
}

func decodeConnect(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "[]" {
		return ConnectParams{}, nil
	}
	var w struct {
		Address      string `json:"address,omitempty"`
		Capabilities *struct {
			CreateAccount    bool                    `json:"createAccount,omitempty"`
			GrantPermissions *permissionsRequestWire `json:"grantPermissions,omitempty"`
		} `json:"capabilities,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	out := ConnectParams{}
	addr, cerr := decodeOptionalAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	out.Address = addr
	if w.Capabilities != nil {
		caps := &ConnectCapabilities{CreateAccount: w.Capabilities.CreateAccount}
		if w.Capabilities.GrantPermissions != nil {
			req, err := decodePermissionsRequestWire(pathOf("capabilities", "grantPermissions"), *w.Capabilities.GrantPermissions)
			if err != nil {
				return nil, err
			}
			caps.GrantPermissions = &req
		}
		out.Capabilities = caps
	}
	return out, nil
}

func decodeGetCapabilities(raw json.RawMessage) (interface{}, error) {
	var list [][]string
	ok, cerr := optionalParams(raw, &list)
	if cerr != nil {
		return nil, cerr
	}
	if !ok || len(list) == 0 {
		return GetCapabilitiesParams{}, nil
	}
	out := GetCapabilitiesParams{}
	for i, s := range list[0] {
		id, cerr := DecodeUint64(indexed(pathOf("chainIds"), i), s)
		if cerr != nil {
			return nil, cerr
		}
		out.ChainIDs = append(out.ChainIDs, id)
	}
	return out, nil
}

func decodeCallsStatus(raw json.RawMessage) (interface{}, error) {
	var list []string
	if err := unmarshalParams(raw, &list); err != nil {
		return nil, err
	}
	if len(list) != 1 {
		return nil, NewCoderError(pathOf("params"), "expected [id], got %d params", len(list))
	}
	id, cerr := DecodeBytes(pathOf("id"), list[0])
	if cerr != nil {
		return nil, cerr
	}
	return CallsStatusParams{ID: id}, nil
}

func decodeAccountScoped(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "[]" {
		return AccountScopedParams{}, nil
	}
	var w struct {
		Address string `json:"address,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	addr, cerr := decodeOptionalAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	return AccountScopedParams{Address: addr}, nil
}

func decodeCallBundle(raw json.RawMessage) (interface{}, error) {
	var w struct {
		From         string          `json:"from,omitempty"`
		ChainID      string          `json:"chainId,omitempty"`
		Calls        []txWire        `json:"calls"`
		Key          *keyWire        `json:"key,omitempty"`
		Capabilities json.RawMessage `json:"capabilities,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	out := CallBundleParams{Capabilities: w.Capabilities}
	from, cerr := decodeOptionalAddress(pathOf("from"), w.From)
	if cerr != nil {
		return nil, cerr
	}
	out.From = from
	if w.ChainID != "" {
		id, cerr := DecodeUint64(pathOf("chainId"), w.ChainID)
		if cerr != nil {
			return nil, cerr
		}
		out.ChainID = id
	}
	if len(w.Calls) == 0 {
		return nil, NewCoderError(pathOf("calls"), "at least one call is required")
	}
	for i, c := range w.Calls {
		tx, cerr := decodeTxWire(indexed(pathOf("calls"), i), c)
		if cerr != nil {
			return nil, cerr
		}
		out.Calls = append(out.Calls, tx)
	}
	if w.Key != nil {
		key, cerr := decodeKeyWire(pathOf("key"), *w.Key, types.KeyRoleSession, nil)
		if cerr != nil {
			return nil, cerr
		}
		out.Key = &key
	}
	return out, nil
}

func decodeSendPreparedCalls(raw json.RawMessage) (interface{}, error) {
	var w struct {
		Context   json.RawMessage `json:"context"`
		Signature string          `json:"signature"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Context) == 0 {
		return nil, NewCoderError(pathOf("context"), "context is required")
	}
	sig, cerr := DecodeBytes(pathOf("signature"), w.Signature)
	if cerr != nil {
		return nil, cerr
	}
	return SendPreparedCallsParams{Context: w.Context, Signature: sig}, nil
}

func decodeGrantPermissions(raw json.RawMessage) (interface{}, error) {
	var w permissionsRequestWire
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	addr, cerr := decodeOptionalAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	req, cerr := decodePermissionsRequestWire(nil, w)
	if cerr != nil {
		return nil, cerr
	}
	return GrantPermissionsParams{Address: addr, Request: req}, nil
}

func decodeKeyScoped(raw json.RawMessage) (interface{}, error) {
	var w struct {
		ID        string `json:"id,omitempty"`
		PublicKey string `json:"publicKey,omitempty"`
		Address   string `json:"address,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	idHex := w.ID
	field := "id"
	if idHex == "" {
		idHex = w.PublicKey
		field = "publicKey"
	}
	if idHex == "" {
		return nil, NewCoderError(pathOf("id"), "key id is required")
	}
	id, cerr := DecodeBytes(pathOf(field), idHex)
	if cerr != nil {
		return nil, cerr
	}
	addr, cerr := decodeOptionalAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	return KeyScopedParams{ID: id, Address: addr}, nil
}

func decodeGrantAdmin(raw json.RawMessage) (interface{}, error) {
	var w struct {
		Address string   `json:"address,omitempty"`
		Key     *keyWire `json:"key"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	if w.Key == nil {
		return nil, NewCoderError(pathOf("key"), "key is required")
	}
	key, cerr := decodeKeyWire(pathOf("key"), *w.Key, types.KeyRoleAdmin, nil)
	if cerr != nil {
		return nil, cerr
	}
	addr, cerr := decodeOptionalAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	return GrantAdminParams{Address: addr, Key: key}, nil
}

func decodeUpgradeAccount(raw json.RawMessage) (interface{}, error) {
	var w struct {
		Context    json.RawMessage `json:"context"`
		Signatures []string        `json:"signatures"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Context) == 0 {
		return nil, NewCoderError(pathOf("context"), "context is required")
	}
	if len(w.Signatures) == 0 {
		return nil, NewCoderError(pathOf("signatures"), "at least one signature is required")
	}
	out := UpgradeAccountParams{Context: w.Context}
	for i, s := range w.Signatures {
		sig, cerr := DecodeBytes(indexed(pathOf("signatures"), i), s)
		if cerr != nil {
			return nil, cerr
		}
		out.Signatures = append(out.Signatures, sig)
	}
	return out, nil
}

func decodePrepareUpgradeAccount(raw json.RawMessage) (interface{}, error) {
	var w struct {
		Address      string          `json:"address"`
		Capabilities json.RawMessage `json:"capabilities,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	addr, cerr := DecodeAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	return PrepareUpgradeAccountParams{Address: addr, Capabilities: w.Capabilities}, nil
}

func decodeVerifySignature(raw json.RawMessage) (interface{}, error) {
	var w struct {
		Address   string `json:"address"`
		Digest    string `json:"digest"`
		Signature string `json:"signature"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	addr, cerr := DecodeAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	digest, cerr := DecodeBytes(pathOf("digest"), w.Digest)
	if cerr != nil {
		return nil, cerr
	}
	if len(digest) != 32 {
		return nil, NewCoderError(pathOf("digest"), "digest must be 32 bytes, got %d", len(digest))
	}
	sig, cerr := DecodeBytes(pathOf("signature"), w.Signature)
	if cerr != nil {
		return nil, cerr
	}
	var out VerifySignatureParams
	out.Address = addr
	copy(out.Digest[:], digest)
	out.Signature = sig
	return out, nil
}

func decodeEmail(raw json.RawMessage) (interface{}, error) {
	var w struct {
		Email   string `json:"email"`
		Address string `json:"address,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	if !strings.Contains(w.Email, "@") {
		return nil, NewCoderError(pathOf("email"), "invalid email %q", w.Email)
	}
	addr, cerr := decodeOptionalAddress(pathOf("address"), w.Address)
	if cerr != nil {
		return nil, cerr
	}
	return EmailParams{Email: w.Email, Address: addr}, nil
}

func decodeKeyID(raw json.RawMessage) (interface{}, error) {
	var w struct {
		PublicKey string `json:"publicKey"`
		Type      string `json:"type,omitempty"`
	}
	if err := singleObject(raw, &w); err != nil {
		return nil, err
	}
	pk, cerr := DecodeBytes(pathOf("publicKey"), w.PublicKey)
	if cerr != nil {
		return nil, cerr
	}
	out := KeyIDParams{PublicKey: pk}
	if w.Type != "" {
		out.KeyType = types.KeyType(w.Type)
	}
	return out, nil
}
