package venue

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"testing"
)

func TestOpenTradeCalldata(t *testing.T) {
	t.Parallel()
	e, err := NewEncoder()
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}

	data, err := e.OpenTrade(3, true, 500_000000, 100000, 50)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	// 4-byte selector + 5 words.
	if len(data) != 4+5*32 {
		t.Fatalf("calldata length = %d", len(data))
	}

	method := e.abi.Methods["openTrade"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Errorf("selector = %x, want %x", data[:4], method.ID)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got := args[0].(uint16); got != 3 {
		t.Errorf("pair = %d", got)
	}
	if got := args[1].(bool); !got {
		t.Error("long flag lost")
	}
	if got := args[2].(*big.Int); got.Uint64() != 500_000000 {
		t.Errorf("collateral = %s", got)
	}
	if got := args[3].(*big.Int); got.Uint64() != 100000 {
		t.Errorf("leverage = %s", got)
	}
	if got := args[4].(*big.Int); got.Uint64() != 50 {
		t.Errorf("slippage = %s", got)
	}
}

func TestCloseTradeCalldata(t *testing.T) {
	t.Parallel()
	e, err := NewEncoder()
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}

	data, err := e.CloseTrade(7, false, 1234_000000)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(data) != 4+3*32 {
		t.Fatalf("calldata length = %d", len(data))
	}

	method := e.abi.Methods["closeTrade"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Errorf("selector = %x, want %x", data[:4], method.ID)
	}
	// Size is the last word.
	size := binary.BigEndian.Uint64(data[len(data)-8:])
	if size != 1234_000000 {
		t.Errorf("size word = %d", size)
	}
}
