// Package venue encodes calls against the Avantis trading contract.
package venue

import (
	_ "embed"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed trading_calls.json
var callABI string

// Encoder packs trade calldata. One instance is shared by all workers.
type Encoder struct {
	abi abi.ABI
}

// NewEncoder parses the embedded call ABI.
func NewEncoder() (*Encoder, error) {
	parsed, err := abi.JSON(strings.NewReader(callABI))
	if err != nil {
		return nil, fmt.Errorf("parse trading call abi: %w", err)
	}
	for _, name := range []string{"openTrade", "closeTrade"} {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, fmt.Errorf("trading call abi missing %s", name)
		}
	}
	return &Encoder{abi: parsed}, nil
}

// OpenTrade packs an opening order. Collateral is USD 1e6, leverage in bps,
// slippage in bps.
func (e *Encoder) OpenTrade(pairID uint16, isLong bool, collateralUSD uint64, leverageBps uint32, maxSlippageBps uint16) ([]byte, error) {
	return e.abi.Pack("openTrade",
		pairID,
		isLong,
		new(big.Int).SetUint64(collateralUSD),
		new(big.Int).SetUint64(uint64(leverageBps)),
		new(big.Int).SetUint64(uint64(maxSlippageBps)),
	)
}

// CloseTrade packs a (partial) close of sizeUSD notional.
func (e *Encoder) CloseTrade(pairID uint16, isLong bool, sizeUSD uint64) ([]byte, error) {
	return e.abi.Pack("closeTrade",
		pairID,
		isLong,
		new(big.Int).SetUint64(sizeUSD),
	)
}
