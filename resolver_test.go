package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

var (
	usdcAddr = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	wethAddr = common.HexToAddress("0x4200000000000000000000000000000000000006")

	usdcToken = types.FeeToken{
		Address:    usdcAddr,
		Symbol:     "USDC",
		Kind:       "USDC",
		Decimals:   6,
		NativeRate: big.NewInt(10),
	}
	ethToken = types.FeeToken{
		Symbol:     "ETH",
		Kind:       "ETH",
		Decimals:   18,
		NativeRate: big.NewInt(1),
	}
)

func feeRequest(value string, spend ...types.SpendPermission) types.PermissionsRequest {
	return types.PermissionsRequest{
		Expiry:   1767225600,
		FeeLimit: &types.FeeLimit{Currency: "USD", Value: value},
		Permissions: types.Permissions{
			Calls: []types.CallPermission{{Signature: "transfer(address,uint256)"}},
			Spend: spend,
		},
	}
}

func TestGetFeeLimitSameTokenExactScaling(t *testing.T) {
	limit, err := GetFeeLimit(feeRequest("1.50"), []types.FeeToken{usdcToken, ethToken})
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, usdcAddr, limit.Token.Address)
	assert.Equal(t, "1500000", limit.Value.String())
}

func TestGetFeeLimitCrossRateConversion(t *testing.T) {
	// The USD limit matches USDC but the selected fee token at index 0
	// is a different asset, so the value converts through the rates.
	limit, err := GetFeeLimit(feeRequest("2"), []types.FeeToken{
		{Symbol: "ETHX", Kind: "ETH", Decimals: 6, NativeRate: big.NewInt(1),
			Address: wethAddr},
		usdcToken,
	})
	require.NoError(t, err)
	require.NotNil(t, limit)
	// 2 * (10/1) * 10^6, rounded half up.
	assert.Equal(t, "20000000", limit.Value.String())
	assert.Equal(t, wethAddr, limit.Token.Address)
}

func TestGetFeeLimitNoMatchIsNil(t *testing.T) {
	req := feeRequest("2")
	req.FeeLimit.Currency = "JPY"
	limit, err := GetFeeLimit(req, []types.FeeToken{usdcToken})
	require.NoError(t, err)
	assert.Nil(t, limit)
}

func TestGetFeeLimitAbsent(t *testing.T) {
	req := feeRequest("2")
	req.FeeLimit = nil
	limit, err := GetFeeLimit(req, []types.FeeToken{usdcToken})
	require.NoError(t, err)
	assert.Nil(t, limit)

	limit, err = GetFeeLimit(feeRequest("2"), nil)
	require.NoError(t, err)
	assert.Nil(t, limit)
}

func TestGetFeeLimitExcessPrecisionRejected(t *testing.T) {
	_, err := GetFeeLimit(feeRequest("1.0000001"), []types.FeeToken{usdcToken})
	assert.Error(t, err)
}

func TestResolvePermissionsMergesIntoMatchingToken(t *testing.T) {
	existing := types.SpendPermission{
		Limit:  big.NewInt(1_000_000),
		Period: types.PeriodDay,
		Token:  &usdcAddr,
	}
	req := feeRequest("1.50", existing)

	resolved, err := ResolvePermissions(req, []types.FeeToken{usdcToken})
	require.NoError(t, err)
	require.Len(t, resolved.Spend, 1)
	// 1000000 existing + 1500000 fee allowance.
	assert.Equal(t, "2500000", resolved.Spend[0].Limit.String())
	assert.Equal(t, types.PeriodDay, resolved.Spend[0].Period)

	// The caller's request must not have been mutated.
	assert.Equal(t, "1000000", req.Permissions.Spend[0].Limit.String())
}

func TestResolvePermissionsNilLimitTreatedAsZero(t *testing.T) {
	// Hand-built requests can carry an unset limit; the fee allowance
	// still merges instead of panicking.
	req := feeRequest("1.50",
		types.SpendPermission{Period: types.PeriodDay, Token: &usdcAddr})

	resolved, err := ResolvePermissions(req, []types.FeeToken{usdcToken})
	require.NoError(t, err)
	require.Len(t, resolved.Spend, 1)
	assert.Equal(t, "1500000", resolved.Spend[0].Limit.String())
}

func TestResolvePermissionsAppendsWithShortestPeriod(t *testing.T) {
	req := feeRequest("1.50",
		types.SpendPermission{Limit: big.NewInt(5), Period: types.PeriodMonth, Token: &wethAddr},
		types.SpendPermission{Limit: big.NewInt(5), Period: types.PeriodHour, Token: &wethAddr},
	)
	resolved, err := ResolvePermissions(req, []types.FeeToken{usdcToken})
	require.NoError(t, err)
	require.Len(t, resolved.Spend, 3)
	appended := resolved.Spend[2]
	assert.Equal(t, types.PeriodHour, appended.Period)
	require.NotNil(t, appended.Token)
	assert.Equal(t, usdcAddr, *appended.Token)
	assert.Equal(t, "1500000", appended.Limit.String())
}

func TestResolvePermissionsDefaultsToYear(t *testing.T) {
	resolved, err := ResolvePermissions(feeRequest("1"), []types.FeeToken{usdcToken})
	require.NoError(t, err)
	require.Len(t, resolved.Spend, 1)
	assert.Equal(t, types.PeriodYear, resolved.Spend[0].Period)
}

func TestResolvePermissionsNativeFeeToken(t *testing.T) {
	req := feeRequest("1")
	req.FeeLimit.Currency = "ETH"
	resolved, err := ResolvePermissions(req, []types.FeeToken{ethToken})
	require.NoError(t, err)
	require.Len(t, resolved.Spend, 1)
	// Native token entries carry no address.
	assert.Nil(t, resolved.Spend[0].Token)
	assert.Equal(t, "1000000000000000000", resolved.Spend[0].Limit.String())
}

func TestResolvePermissionsNoFeeTokensPassesThrough(t *testing.T) {
	req := feeRequest("1", types.SpendPermission{Limit: big.NewInt(7), Period: types.PeriodWeek})
	resolved, err := ResolvePermissions(req, nil)
	require.NoError(t, err)
	require.Len(t, resolved.Spend, 1)
	assert.Equal(t, "7", resolved.Spend[0].Limit.String())
}

func TestScaleDecimal(t *testing.T) {
	tests := []struct {
		value    string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 6, "1000000", false},
		{"1.5", 6, "1500000", false},
		{".5", 2, "50", false},
		{"0.000001", 6, "1", false},
		{"2", 0, "2", false},
		{"1.2345678", 6, "", true},
		{"-1", 6, "", true},
		{"", 6, "", true},
		{"abc", 6, "", true},
	}
	for _, tc := range tests {
		got, err := ScaleDecimal(tc.value, tc.decimals)
		if tc.wantErr {
			assert.Error(t, err, "value %q", tc.value)
			continue
		}
		require.NoError(t, err, "value %q", tc.value)
		assert.Equal(t, tc.want, got.String(), "value %q", tc.value)
	}
}
