// Package feetokens fetches the fee tokens a wallet endpoint supports
// and orders them so the selected token is always first.
package feetokens

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/wjorgensen/porto-zkEmail-sub001/rpc"
	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// DefaultSymbol is assumed when neither the caller nor the persisted
// state selects a fee token.
const DefaultSymbol = "ETH"

// Caller is the RPC surface needed to query capabilities. Satisfied by
// *rpc.Client from go-ethereum.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Options selects which token ends up at index zero.
type Options struct {
	// AddressOrSymbol is an explicit per-request selector. It wins over
	// DefaultSymbol.
	AddressOrSymbol string
	// DefaultSymbol is the persisted preference, usually State.FeeToken.
	DefaultSymbol string
	Logger        *zap.Logger
}

type capabilitiesResult map[string]struct {
	FeeToken struct {
		Supported []struct {
			Address    common.Address `json:"address"`
			Symbol     string         `json:"symbol"`
			Kind       string         `json:"kind"`
			Decimals   uint8          `json:"decimals"`
			NativeRate *hexutil.Big   `json:"nativeRate"`
		} `json:"supported"`
	} `json:"feeToken"`
}

// Fetch queries wallet_getCapabilities for the chain's supported fee
// tokens and returns them with the selected token moved to index zero.
// A selector that matches nothing is not an error: the endpoint's
// ordering is kept and a warning is logged.
func Fetch(ctx context.Context, caller Caller, chainID uint64, opts Options) ([]types.FeeToken, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var result capabilitiesResult
	if err := caller.CallContext(ctx, &result, rpc.MethodGetCapabilities, []string{rpc.EncodeUint64(chainID)}); err != nil {
		return nil, fmt.Errorf("feetokens: querying capabilities: %w", err)
	}
	chain, ok := result[rpc.EncodeUint64(chainID)]
	if !ok {
		return nil, fmt.Errorf("feetokens: chain %d not in capabilities", chainID)
	}

	tokens := make([]types.FeeToken, 0, len(chain.FeeToken.Supported))
	for _, t := range chain.FeeToken.Supported {
		token := types.FeeToken{
			Address:  t.Address,
			Symbol:   t.Symbol,
			Kind:     t.Kind,
			Decimals: t.Decimals,
		}
		if t.NativeRate != nil {
			token.NativeRate = new(big.Int).Set((*big.Int)(t.NativeRate))
		}
		tokens = append(tokens, token)
	}
	return Reorder(tokens, opts, log), nil
}

// Reorder moves the token matching the strongest selector to index
// zero. Precedence: explicit AddressOrSymbol, then DefaultSymbol, then
// the package default. A selector that matches nothing falls through
// to the next stage; only when every stage misses is the endpoint
// order kept.
func Reorder(tokens []types.FeeToken, opts Options, log *zap.Logger) []types.FeeToken {
	if len(tokens) == 0 {
		return tokens
	}
	idx := -1
	for _, selector := range []string{opts.AddressOrSymbol, opts.DefaultSymbol, DefaultSymbol} {
		if selector == "" {
			continue
		}
		if idx = indexOf(tokens, selector); idx >= 0 {
			break
		}
		if log != nil {
			log.Warn("fee token selector matched nothing",
				zap.String("selector", selector))
		}
	}
	if idx < 0 {
		return tokens
	}
	out := make([]types.FeeToken, 0, len(tokens))
	out = append(out, tokens[idx])
	out = append(out, tokens[:idx]...)
	out = append(out, tokens[idx+1:]...)
	return out
}

func indexOf(tokens []types.FeeToken, selector string) int {
	if common.IsHexAddress(selector) {
		addr := common.HexToAddress(selector)
		for i, t := range tokens {
			if t.Address == addr {
				return i
			}
		}
		return -1
	}
	for i, t := range tokens {
		if strings.EqualFold(t.Symbol, selector) {
			return i
		}
	}
	return -1
}
