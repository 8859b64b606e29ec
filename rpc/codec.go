package rpc

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DecodeQuantity parses a 0x-prefixed hex quantity into a big integer.
// Anything failing the canonical hex-quantity shape (missing prefix, empty
// digits, leading zeros) is rejected with a CoderError naming path.
func DecodeQuantity(path []string, s string) (*big.Int, *CoderError) {
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, NewCoderError(path, "invalid hex quantity %q: %v", s, err)
	}
	return v, nil
}

// EncodeQuantity renders a big integer as a canonical 0x-hex quantity.
// Negative values are not representable on the wire.
func EncodeQuantity(v *big.Int) (string, error) {
	if v == nil {
		return "", NewCoderError(nil, "nil quantity")
	}
	if v.Sign() < 0 {
		return "", NewCoderError(nil, "negative quantity %s", v)
	}
	return hexutil.EncodeBig(v), nil
}

// DecodeUint64 parses a 0x-hex quantity that must fit a uint64
// (chain ids, expiries).
func DecodeUint64(path []string, s string) (uint64, *CoderError) {
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, NewCoderError(path, "invalid hex quantity %q: %v", s, err)
	}
	return v, nil
}

// EncodeUint64 renders a uint64 as a 0x-hex quantity.
func EncodeUint64(v uint64) string {
	return hexutil.EncodeUint64(v)
}

// DecodeAddress parses a 0x-prefixed 20-byte address.
func DecodeAddress(path []string, s string) (common.Address, *CoderError) {
	if !common.IsHexAddress(s) {
		return common.Address{}, NewCoderError(path, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// DecodeBytes parses 0x-prefixed hex data of any length.
func DecodeBytes(path []string, s string) (hexutil.Bytes, *CoderError) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, NewCoderError(path, "invalid hex data %q: %v", s, err)
	}
	return b, nil
}

// unmarshalParams decodes raw params into dst, mapping structural JSON
// failures onto a CoderError rooted at the method's params.
func unmarshalParams(raw json.RawMessage, dst interface{}) *CoderError {
	if len(raw) == 0 {
		return NewCoderError([]string{"params"}, "missing params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewCoderError([]string{"params"}, "malformed params: %v", err)
	}
	return nil
}

// optionalParams is unmarshalParams for methods whose params may be
// absent entirely. Returns false when there was nothing to decode.
func optionalParams(raw json.RawMessage, dst interface{}) (bool, *CoderError) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, NewCoderError([]string{"params"}, "malformed params: %v", err)
	}
	return true, nil
}
