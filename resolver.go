package wallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Permission and fee-limit resolution. Pure functions over already
// fetched data; fetching the fee token list is the feetokens package's
// job.

// ResolvePermissions merges a requested permission set with the wallet's
// fee token table, folding the abstract fee limit into a concrete spend
// permission on the primary fee token (feeTokens[0]). The fee allowance
// stacks on top of whatever spend the caller already authorized for that
// token; when no entry for the token exists, a new one is appended with
// the shortest period among the existing entries, or year when there are
// none to infer from. All other permission fields pass through unchanged.
func ResolvePermissions(req types.PermissionsRequest, feeTokens []types.FeeToken) (types.Permissions, error) {
	perms := req.Permissions
	spend := make([]types.SpendPermission, 0, len(perms.Spend)+1)
	for _, s := range perms.Spend {
		spend = append(spend, s.Clone())
	}

	if len(feeTokens) > 0 {
		feeLimit, err := GetFeeLimit(req, feeTokens)
		if err != nil {
			return types.Permissions{}, err
		}
		if feeLimit != nil {
			merged := false
			for i := range spend {
				if spendTokenMatches(spend[i].Token, feeLimit.Token) {
					base := spend[i].Limit
					if base == nil {
						// Callers constructing requests by hand may
						// leave the limit unset; treat it as zero.
						base = new(big.Int)
					}
					spend[i].Limit = new(big.Int).Add(base, feeLimit.Value)
					merged = true
					break
				}
			}
			if !merged {
				period := types.PeriodYear
				for _, s := range spend {
					if s.Period.Shorter(period) {
						period = s.Period
					}
				}
				entry := types.SpendPermission{
					Limit:  new(big.Int).Set(feeLimit.Value),
					Period: period,
				}
				if !feeLimit.Token.IsNative() {
					addr := feeLimit.Token.Address
					entry.Token = &addr
				}
				spend = append(spend, entry)
			}
		}
	}

	perms.Spend = spend
	return perms, nil
}

// spendTokenMatches treats an absent or zero token address as the native
// asset.
func spendTokenMatches(token *common.Address, fee types.FeeToken) bool {
	if token == nil || *token == (common.Address{}) {
		return fee.IsNative()
	}
	return *token == fee.Address
}

// GetFeeLimit converts the request's abstract fee limit into base units
// of the primary fee token (feeTokens[0]; callers order the list with
// the desired default first). Returns (nil, nil) when the request has no
// fee limit, the token list is empty, or no token matches the limit
// currency.
func GetFeeLimit(req types.PermissionsRequest, feeTokens []types.FeeToken) (*types.ResolvedFeeLimit, error) {
	if req.FeeLimit == nil || len(feeTokens) == 0 {
		return nil, nil
	}
	feeToken := feeTokens[0]

	limitToken, ok := findLimitToken(req.FeeLimit.Currency, feeTokens)
	if !ok {
		return nil, nil
	}

	if limitToken.Address == feeToken.Address {
		// Same token: exact decimal scaling, no cross-rate conversion to
		// avoid introducing float error where none is needed.
		value, err := ScaleDecimal(req.FeeLimit.Value, feeToken.Decimals)
		if err != nil {
			return nil, fmt.Errorf("fee limit value: %w", err)
		}
		return &types.ResolvedFeeLimit{Token: feeToken, Value: value}, nil
	}

	// Cross-rate conversion. The result only sizes an allowance
	// ceiling, not an amount charged, so float math is acceptable.
	value, ok := new(big.Float).SetString(req.FeeLimit.Value)
	if !ok {
		return nil, fmt.Errorf("fee limit value: invalid decimal %q", req.FeeLimit.Value)
	}
	f := new(big.Float).Mul(value, new(big.Float).SetInt(rateOrOne(limitToken.NativeRate)))
	f.Quo(f, new(big.Float).SetInt(rateOrOne(feeToken.NativeRate)))
	f.Mul(f, new(big.Float).SetInt(pow10(feeToken.Decimals)))
	f.Add(f, big.NewFloat(0.5))
	scaled, _ := f.Int(nil)
	return &types.ResolvedFeeLimit{Token: feeToken, Value: scaled}, nil
}

// findLimitToken locates the fee token the limit currency denominates:
// any USD-kind token for "USD", otherwise a symbol or kind match.
func findLimitToken(currency string, feeTokens []types.FeeToken) (types.FeeToken, bool) {
	for _, t := range feeTokens {
		if currency == "USD" {
			if strings.HasPrefix(t.Kind, "USD") {
				return t, true
			}
			continue
		}
		if strings.EqualFold(t.Symbol, currency) || strings.EqualFold(t.Kind, currency) {
			return t, true
		}
	}
	return types.FeeToken{}, false
}

func rateOrOne(rate *big.Int) *big.Int {
	if rate == nil {
		return big.NewInt(1)
	}
	return rate
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ScaleDecimal parses an unsigned decimal string into base units of a
// token with the given decimals, exactly. Values with more fractional
// digits than the token carries are rejected rather than silently
// truncated.
func ScaleDecimal(value string, decimals uint8) (*big.Int, error) {
	intPart, fracPart, _ := strings.Cut(value, ".")
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(decimals) {
		return nil, fmt.Errorf("decimal %q exceeds token precision of %d", value, decimals)
	}
	digits := intPart + fracPart + strings.Repeat("0", int(decimals)-len(fracPart))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok || strings.ContainsAny(value, "-+") {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	return out, nil
}
