package rpc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 255, 1_000_000} {
		encoded, err := EncodeQuantity(big.NewInt(v))
		require.NoError(t, err)
		decoded, cerr := DecodeQuantity([]string{"value"}, encoded)
		require.Nil(t, cerr)
		assert.Equal(t, v, decoded.Int64())
	}
}

func TestDecodeQuantityRejectsNonCanonical(t *testing.T) {
	for _, s := range []string{"", "12", "0x", "0x01", "0xzz"} {
		_, cerr := DecodeQuantity([]string{"value"}, s)
		require.NotNil(t, cerr, "input %q", s)
		assert.Equal(t, "value", cerr.PathString())
	}
}

func TestEncodeQuantityRejectsNegativeAndNil(t *testing.T) {
	_, err := EncodeQuantity(nil)
	assert.Error(t, err)
	_, err = EncodeQuantity(big.NewInt(-1))
	assert.Error(t, err)
}

func TestDecodeUint64(t *testing.T) {
	v, cerr := DecodeUint64([]string{"chainId"}, "0x2105")
	require.Nil(t, cerr)
	assert.Equal(t, uint64(8453), v)

	_, cerr = DecodeUint64([]string{"chainId"}, "8453")
	require.NotNil(t, cerr)
	assert.Equal(t, "chainId", cerr.PathString())
}

func TestDecodeAddress(t *testing.T) {
	addr, cerr := DecodeAddress([]string{"to"}, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	require.Nil(t, cerr)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", addr.Hex())

	_, cerr = DecodeAddress([]string{"to"}, "0x1234")
	require.NotNil(t, cerr)
	assert.Equal(t, "to", cerr.PathString())
}

func TestDecodeBytes(t *testing.T) {
	b, cerr := DecodeBytes([]string{"data"}, "0xdeadbeef")
	require.Nil(t, cerr)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, []byte(b))

	_, cerr = DecodeBytes([]string{"data"}, "deadbeef")
	require.NotNil(t, cerr)
}
