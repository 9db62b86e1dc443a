package indexer

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testIndexerConfig() config.IndexerConfig {
	return config.IndexerConfig{
		BackfillRange:  100,
		Page:           50,
		FinalityDepth:  12,
		AlarmThreshold: 50,
		AlarmWindow:    time.Minute,
	}
}

var (
	contract   = common.HexToAddress("0xc0ffee")
	testTrader = common.HexToAddress("0x7ead")
)

// fakeChain serves scripted logs and deterministic block hashes keyed by a
// fork ID, so a reorg is simulated by changing the fork.
type fakeChain struct {
	head uint64
	fork byte
	logs []gtypes.Log
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) Logs(_ context.Context, from, to uint64, _ common.Address, _ [][]common.Hash) ([]gtypes.Log, error) {
	var out []gtypes.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockHash(_ context.Context, number uint64) (common.Hash, error) {
	return common.BytesToHash([]byte{f.fork, byte(number >> 8), byte(number)}), nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, number uint64) (int64, error) {
	return int64(number) * 2, nil
}

func (f *fakeChain) Heads(ctx context.Context, _ time.Duration) <-chan uint64 {
	ch := make(chan uint64)
	go func() { <-ctx.Done(); close(ch) }()
	return ch
}

func (f *fakeChain) HasWS() bool { return false }

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "indexer.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// tradeLog builds a TradeOpened/TradeClosed/Liquidated log with ABI-packed
// data, exactly as the contract emits it.
func tradeLog(t *testing.T, dec *Decoder, event string, block uint64, logIdx uint, long bool, sizeUSD, price, fee, leverage uint64) gtypes.Log {
	t.Helper()
	ev := dec.abi.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(
		long,
		new(big.Int).SetUint64(sizeUSD),
		new(big.Int).SetUint64(price),
		new(big.Int).SetUint64(fee),
		new(big.Int).SetUint64(leverage),
	)
	if err != nil {
		t.Fatalf("pack %s: %v", event, err)
	}
	return gtypes.Log{
		Address: contract,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(testTrader.Bytes()),
			common.BigToHash(big.NewInt(3)), // pairIndex
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{0xf1, byte(block), byte(logIdx)}),
		Index:       logIdx,
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	t.Parallel()
	dec, err := NewDecoder("")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	lg := tradeLog(t, dec, "TradeOpened", 500, 2, true, 1000_000000, 50000_00000000, 1_000000, 100000)
	fill, err := dec.Decode(lg, 999)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fill.Trader != testTrader || fill.PairID != 3 || !fill.IsLong {
		t.Errorf("identity fields wrong: %+v", fill)
	}
	if fill.Side != types.FillOpen || fill.SizeUSD != 1000_000000 ||
		fill.Price != 50000_00000000 || fill.FeeUSD != 1_000000 || fill.LeverageBps != 100000 {
		t.Errorf("value fields wrong: %+v", fill)
	}
	if fill.BlockNumber != 500 || fill.LogIndex != 2 || fill.BlockTimestamp != 999 {
		t.Errorf("position fields wrong: %+v", fill)
	}

	closed := tradeLog(t, dec, "TradeClosed", 501, 0, false, 1, 1, 0, 10000)
	if f, err := dec.Decode(closed, 0); err != nil || f.Side != types.FillClose {
		t.Errorf("TradeClosed: side=%v err=%v", f.Side, err)
	}
	liq := tradeLog(t, dec, "Liquidated", 502, 0, false, 1, 1, 0, 10000)
	if f, err := dec.Decode(liq, 0); err != nil || f.Side != types.FillLiquidation {
		t.Errorf("Liquidated: side=%v err=%v", f.Side, err)
	}
}

func TestDecoderRejectsMalformedLogs(t *testing.T) {
	t.Parallel()
	dec, err := NewDecoder("")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	// Unknown event signature.
	lg := tradeLog(t, dec, "TradeOpened", 1, 0, true, 1, 1, 0, 10000)
	lg.Topics[0] = common.HexToHash("0xdead")
	if _, err := dec.Decode(lg, 0); err == nil {
		t.Error("unknown signature accepted")
	}

	// Missing indexed topics.
	lg = tradeLog(t, dec, "TradeOpened", 1, 0, true, 1, 1, 0, 10000)
	lg.Topics = lg.Topics[:1]
	if _, err := dec.Decode(lg, 0); err == nil {
		t.Error("short topic list accepted")
	}

	// Truncated data.
	lg = tradeLog(t, dec, "TradeOpened", 1, 0, true, 1, 1, 0, 10000)
	lg.Data = lg.Data[:8]
	if _, err := dec.Decode(lg, 0); err == nil {
		t.Error("truncated data accepted")
	}
}

func TestProcessRangeCommitsFillsAndCursor(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	dec, _ := NewDecoder("")
	fc := &fakeChain{head: 1000, fork: 1}
	fc.logs = []gtypes.Log{
		tradeLog(t, dec, "TradeOpened", 950, 0, true, 1000_000000, 50000_00000000, 0, 50000),
		tradeLog(t, dec, "TradeClosed", 960, 1, true, 1000_000000, 51000_00000000, 0, 50000),
	}
	ix := New(fc, db, dec, testIndexerConfig(), contract, testLogger())

	if err := ix.processRange(context.Background(), 940, 990, 1000); err != nil {
		t.Fatalf("process: %v", err)
	}

	if n, _ := db.CountFills(); n != 2 {
		t.Errorf("fills = %d, want 2", n)
	}
	cursor, ok, _ := db.GetCursor()
	if !ok {
		t.Fatal("cursor missing")
	}
	if cursor.LastSeenBlock != 990 {
		t.Errorf("last seen = %d, want 990", cursor.LastSeenBlock)
	}
	// Safe cursor trails head by the finality depth.
	if cursor.LastSafeBlock != 1000-12 {
		t.Errorf("last safe = %d, want 988", cursor.LastSafeBlock)
	}
}

// An undecodable log is quarantined and pins the safe cursor below its
// block until acknowledged.
func TestProcessRangeQuarantinePinsSafeCursor(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	dec, _ := NewDecoder("")
	fc := &fakeChain{head: 1000, fork: 1}

	bad := tradeLog(t, dec, "TradeOpened", 950, 0, true, 1, 1, 0, 10000)
	bad.Data = bad.Data[:4]
	fc.logs = []gtypes.Log{bad}
	ix := New(fc, db, dec, testIndexerConfig(), contract, testLogger())

	if err := ix.processRange(context.Background(), 940, 990, 1000); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n, _ := db.CountFills(); n != 0 {
		t.Errorf("bad log stored as fill")
	}
	cursor, _, _ := db.GetCursor()
	if cursor.LastSafeBlock != 949 {
		t.Errorf("last safe = %d, must hold below the quarantined block 950", cursor.LastSafeBlock)
	}

	// Operator ack releases the cursor on the next commit.
	if err := db.AckQuarantine(bad.TxHash, uint32(bad.Index)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := ix.processRange(context.Background(), 991, 995, 1007); err != nil {
		t.Fatalf("process after ack: %v", err)
	}
	cursor, _, _ = db.GetCursor()
	if cursor.LastSafeBlock != 1007-12 {
		t.Errorf("last safe = %d after ack, want 995", cursor.LastSafeBlock)
	}
}

func TestReconcileReorgRollsBack(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	dec, _ := NewDecoder("")
	fc := &fakeChain{head: 1000, fork: 1}
	fc.logs = []gtypes.Log{
		tradeLog(t, dec, "TradeOpened", 994, 0, true, 1000_000000, 50000_00000000, 0, 50000),
		tradeLog(t, dec, "TradeOpened", 997, 0, true, 2000_000000, 50000_00000000, 0, 50000),
	}
	ix := New(fc, db, dec, testIndexerConfig(), contract, testLogger())
	if err := ix.processRange(context.Background(), 990, 998, 1000); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n, _ := db.CountFills(); n != 2 {
		t.Fatalf("fills = %d", n)
	}

	// The chain reorgs: every block above 995 now has different hashes.
	fc.fork = 2
	reorged, point, err := ix.reconcileReorg(context.Background(), 998)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !reorged {
		t.Fatal("reorg not detected")
	}
	if point >= 998 {
		t.Errorf("reorg point = %d, must be below last seen", point)
	}

	// The fill on the orphaned branch is gone; derived state is wiped for
	// rebuild.
	fills, _ := db.AllFills()
	for _, f := range fills {
		if f.BlockNumber > point {
			t.Errorf("fill above reorg point survived: block %d", f.BlockNumber)
		}
	}
	if _, _, ok, _ := db.GetPnLCursor(); ok {
		t.Error("pnl cursor survived reorg rollback")
	}
}

func TestReconcileNoReorgIsNoop(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	dec, _ := NewDecoder("")
	fc := &fakeChain{head: 1000, fork: 1}
	ix := New(fc, db, dec, testIndexerConfig(), contract, testLogger())

	if err := ix.processRange(context.Background(), 990, 998, 1000); err != nil {
		t.Fatalf("process: %v", err)
	}
	reorged, _, err := ix.reconcileReorg(context.Background(), 998)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reorged {
		t.Error("phantom reorg on matching hashes")
	}
}

func TestStartBlockFirstBootUsesBackfillRange(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	dec, _ := NewDecoder("")
	fc := &fakeChain{head: 5000, fork: 1}
	ix := New(fc, db, dec, testIndexerConfig(), contract, testLogger())

	start, err := ix.startBlock(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start != 5000-100 {
		t.Errorf("start = %d, want 4900", start)
	}

	// With a cursor, resume from it.
	if err := db.CommitBatch(store.FillBatch{
		Cursor: store.Cursor{LastSeenBlock: 4321, SchemaVersion: 1},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	start, _ = ix.startBlock(context.Background())
	if start != 4321 {
		t.Errorf("resume start = %d, want 4321", start)
	}
}
