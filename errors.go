package wallet

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EIP-1193 provider error codes, plus the JSON-RPC internal error code.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeInternal          = -32603
)

// ProviderError is the error shape surfaced to the host page.
type ProviderError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// NewProviderError creates a provider error.
func NewProviderError(code int, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message}
}

// ErrUserRejected is the error for a user closing or declining the
// authorization surface.
func ErrUserRejected() *ProviderError {
	return &ProviderError{Code: CodeUserRejected, Message: "user rejected the request"}
}

// ExecutionError reports a failed on-chain execution or a transport
// failure while executing a prepared call bundle. When the revert data
// was decodable, AbiError names the structured error.
type ExecutionError struct {
	AbiError string
	Revert   hexutil.Bytes
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.AbiError != "" {
		return fmt.Sprintf("execution reverted: %s", e.AbiError)
	}
	if e.Err != nil {
		return fmt.Sprintf("execution failed: %v", e.Err)
	}
	return "execution failed"
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Solidity revert selectors: Error(string) and Panic(uint256).
var (
	errorStringSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector       = [4]byte{0x4e, 0x48, 0x7b, 0x71}
)

// DecodeRevert extracts a human-readable error name from standard revert
// data. Returns false when the data does not match a known encoding.
func DecodeRevert(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	body := data[4:]
	switch sel {
	case errorStringSelector:
		// abi: offset(32) | length(32) | bytes
		if len(body) < 64 {
			return "", false
		}
		length := binary.BigEndian.Uint64(body[56:64])
		if uint64(len(body)) < 64+length {
			return "", false
		}
		return string(body[64 : 64+length]), true
	case panicSelector:
		if len(body) < 32 {
			return "", false
		}
		return fmt.Sprintf("Panic(0x%x)", body[31]), true
	}
	return "", false
}
