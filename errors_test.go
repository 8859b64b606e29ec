package wallet

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRevertErrorString(t *testing.T) {
	// Error("boom")
	data, err := hexutil.Decode("0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"626f6f6d00000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	name, ok := DecodeRevert(data)
	require.True(t, ok)
	assert.Equal(t, "boom", name)
}

func TestDecodeRevertPanic(t *testing.T) {
	// Panic(0x11): arithmetic overflow.
	data, err := hexutil.Decode("0x4e487b71" +
		"0000000000000000000000000000000000000000000000000000000000000011")
	require.NoError(t, err)

	name, ok := DecodeRevert(data)
	require.True(t, ok)
	assert.Equal(t, "Panic(0x11)", name)
}

func TestDecodeRevertUnknown(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{0x01},
		{0xde, 0xad, 0xbe, 0xef},
		{0x08, 0xc3, 0x79, 0xa0, 0x00}, // truncated Error(string)
	} {
		_, ok := DecodeRevert(data)
		assert.False(t, ok)
	}
}

func TestExecutionErrorMessage(t *testing.T) {
	e := &ExecutionError{AbiError: "InsufficientBalance()"}
	assert.Contains(t, e.Error(), "InsufficientBalance()")

	wrapped := errors.New("rpc: connection refused")
	e = &ExecutionError{Err: wrapped}
	assert.ErrorIs(t, e, wrapped)
	assert.Contains(t, e.Error(), "connection refused")
}

func TestProviderErrors(t *testing.T) {
	assert.Equal(t, CodeUserRejected, ErrUserRejected().Code)
	perr := NewProviderError(CodeDisconnected, "no active mode")
	assert.Contains(t, perr.Error(), "4900")
}
