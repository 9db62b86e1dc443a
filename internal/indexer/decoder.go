package indexer

import (
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// The default trading ABI ships embedded; operators can point ABIPath at a
// newer contract version. Boot fails if any of the three trade events is
// missing from whichever schema loads — there is no silent fallback.
//
//go:embed avantis_trading.json
var defaultABI string

var eventSides = map[string]types.FillSide{
	"TradeOpened": types.FillOpen,
	"TradeClosed": types.FillClose,
	"Liquidated":  types.FillLiquidation,
}

// Decoder converts trading contract logs into normalized fills.
type Decoder struct {
	abi    abi.ABI
	byID   map[common.Hash]string // topic0 → event name
	topics []common.Hash
}

// NewDecoder loads the event schema, from abiPath when set, otherwise the
// embedded default, and locates the TradeOpened / TradeClosed / Liquidated
// signatures.
func NewDecoder(abiPath string) (*Decoder, error) {
	raw := defaultABI
	if abiPath != "" {
		data, err := os.ReadFile(abiPath)
		if err != nil {
			return nil, fmt.Errorf("read abi %s: %w", abiPath, err)
		}
		raw = string(data)
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse trading abi: %w", err)
	}

	d := &Decoder{abi: parsed, byID: make(map[common.Hash]string)}
	for name := range eventSides {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("trading abi is missing event %s", name)
		}
		d.byID[ev.ID] = name
		d.topics = append(d.topics, ev.ID)
	}
	return d, nil
}

// Topics returns the topic0 filter for eth_getLogs.
func (d *Decoder) Topics() [][]common.Hash {
	return [][]common.Hash{d.topics}
}

// Decode converts one log into a Fill. Errors mark the log unprocessable;
// the caller quarantines it rather than dropping it silently.
func (d *Decoder) Decode(lg gtypes.Log, blockTS int64) (types.Fill, error) {
	if len(lg.Topics) < 3 {
		return types.Fill{}, fmt.Errorf("log %s:%d: expected 3 topics, got %d", lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}
	name, ok := d.byID[lg.Topics[0]]
	if !ok {
		return types.Fill{}, fmt.Errorf("log %s:%d: unknown event signature %s", lg.TxHash.Hex(), lg.Index, lg.Topics[0].Hex())
	}

	values := make(map[string]any)
	if err := d.abi.UnpackIntoMap(values, name, lg.Data); err != nil {
		return types.Fill{}, fmt.Errorf("unpack %s: %w", name, err)
	}

	long, ok := values["long"].(bool)
	if !ok {
		return types.Fill{}, fmt.Errorf("%s: missing bool field long", name)
	}
	sizeUSD, err := uintField(values, "sizeUsd")
	if err != nil {
		return types.Fill{}, fmt.Errorf("%s: %w", name, err)
	}
	price, err := uintField(values, "price")
	if err != nil {
		return types.Fill{}, fmt.Errorf("%s: %w", name, err)
	}
	fee, err := uintField(values, "fee")
	if err != nil {
		return types.Fill{}, fmt.Errorf("%s: %w", name, err)
	}
	leverage, err := uintField(values, "leverage")
	if err != nil {
		return types.Fill{}, fmt.Errorf("%s: %w", name, err)
	}

	return types.Fill{
		TxHash:         lg.TxHash,
		LogIndex:       uint32(lg.Index),
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: blockTS,
		Trader:         common.BytesToAddress(lg.Topics[1].Bytes()),
		PairID:         uint16(new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64()),
		IsLong:         long,
		Side:           eventSides[name],
		SizeUSD:        sizeUSD,
		Price:          price,
		FeeUSD:         fee,
		LeverageBps:    uint32(leverage),
	}, nil
}

func uintField(values map[string]any, name string) (uint64, error) {
	v, ok := values[name]
	if !ok {
		return 0, fmt.Errorf("missing field %s", name)
	}
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("field %s: expected uint256", name)
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("field %s: value out of range", name)
	}
	return b.Uint64(), nil
}
