// Package fanout turns finalized leader fills into per-follower copy
// intents and drives each intent to a terminal state.
//
// The dispatcher tails the finalized fill stream behind the indexer's safe
// cursor, filters for traders with at least one follower and routes each
// (signal, follower) pair to a worker keyed by user ID, so one user's
// intents execute in fill order while different users proceed in parallel.
// (user, source fill) is unique in the store: redelivery after a crash is
// absorbed by the insert, never duplicated.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/execgate"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/risk"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/txmgr"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/venue"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

const (
	cursorKey      = "fanout:cursor"
	notifyDedupTTL = 5 * time.Minute
	pollInterval   = 2 * time.Second
)

// Executor submits one transaction request; nil in DRY-only deployments.
type Executor interface {
	Execute(ctx context.Context, req txmgr.Request) (txmgr.Result, error)
}

// EventSink receives user-facing events; the chat bridge implements it.
type EventSink interface {
	Publish(ev types.BridgeEvent)
}

// task is one (signal, follower) unit of work.
type task struct {
	sig types.TraderSignal
	cfg types.FollowConfig
}

// Dispatcher owns the fanout pipeline.
type Dispatcher struct {
	db       *store.DB
	shared   *shared.Store
	gate     *execgate.Gate
	risk     *risk.Validator
	equity   risk.EquitySource
	exec     Executor
	encoder  *venue.Encoder
	sink     EventSink
	contract common.Address
	cfg      config.ExecConfig
	logger   *slog.Logger

	queues []chan task
	wg     sync.WaitGroup
}

// New creates the dispatcher. exec may be nil; every intent then terminates
// as a DRY skip regardless of mode.
func New(db *store.DB, sh *shared.Store, gate *execgate.Gate, rv *risk.Validator,
	equity risk.EquitySource, exec Executor, encoder *venue.Encoder, sink EventSink,
	contract common.Address, cfg config.ExecConfig, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		db:       db,
		shared:   sh,
		gate:     gate,
		risk:     rv,
		equity:   equity,
		exec:     exec,
		encoder:  encoder,
		sink:     sink,
		contract: contract,
		cfg:      cfg,
		logger:   logger.With("component", "fanout"),
	}
	d.queues = make([]chan task, cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan task, cfg.QueueSize/cfg.Workers)
	}
	return d
}

// Run starts the workers and tails the finalized fill stream. On ctx cancel
// the queues are closed and drained before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, d.queues[i])
	}

	err := d.tail(ctx)

	for _, q := range d.queues {
		close(q)
	}
	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(d.cfg.DrainTimeout):
		d.logger.Error("fanout drain timed out, intents remain PENDING for restart replay")
	}
	return err
}

// tail polls the store for fills behind the safe cursor and enqueues work.
func (d *Dispatcher) tail(ctx context.Context) error {
	block, logIdx, err := d.loadCursor()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cursor, ok, err := d.db.GetCursor()
		if err != nil {
			d.logger.Error("cursor read failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		for {
			fills, err := d.db.FinalizedFillsAfter(block, logIdx, cursor.LastSafeBlock, 200)
			if err != nil {
				d.logger.Error("fill read failed", "error", err)
				break
			}
			if len(fills) == 0 {
				break
			}
			followed, err := d.db.FollowedTraders()
			if err != nil {
				d.logger.Error("followed traders read failed", "error", err)
				break
			}
			for _, f := range fills {
				if followed[f.Trader] {
					d.dispatch(f)
				}
				block, logIdx = f.BlockNumber, f.LogIndex
			}
			if err := d.saveCursor(block, logIdx); err != nil {
				return err
			}
		}
	}
}

// dispatch fans one fill out to every follower of its trader.
func (d *Dispatcher) dispatch(f types.Fill) {
	sig := types.TraderSignal{
		Trader:       f.Trader,
		PairID:       f.PairID,
		IsLong:       f.IsLong,
		Side:         f.Side,
		SizeUSD:      f.SizeUSD,
		Price:        f.Price,
		LeverageBps:  f.LeverageBps,
		SourceFillID: f.FillID(),
		BlockNumber:  f.BlockNumber,
	}
	metrics.SignalsFanned.Inc()

	users, err := d.db.UsersByTrader(f.Trader)
	if err != nil {
		d.logger.Error("follower lookup failed", "trader", f.Trader.Hex(), "error", err)
		return
	}
	for _, userID := range users {
		cfg, ok, err := d.db.GetFollow(userID, f.Trader)
		if err != nil || !ok {
			continue
		}
		d.notify(sig, cfg)
		if !cfg.AutoCopy {
			continue
		}
		q := d.queues[int(uint64(userID)%uint64(len(d.queues)))]
		select {
		case q <- task{sig: sig, cfg: cfg}:
		default:
			// Queue full: never block the tail loop. The intent is recorded
			// as SKIPPED so the drop is visible to the user.
			metrics.SignalsDropped.Inc()
			d.recordSkip(sig, cfg, types.ReasonOverload)
		}
	}
}

// notify emits the signal event once per identity within the dedup window.
func (d *Dispatcher) notify(sig types.TraderSignal, cfg types.FollowConfig) {
	if !cfg.Notify || d.sink == nil {
		return
	}
	if !d.shared.SetIfAbsent("notify:"+strconv.FormatInt(cfg.UserID, 10)+":"+sig.Identity(), "1", notifyDedupTTL) {
		return
	}
	d.sink.Publish(types.BridgeEvent{
		Type:      "signal",
		Timestamp: time.Now(),
		UserID:    cfg.UserID,
		Trader:    sig.Trader.Hex(),
		Pair:      sig.PairID,
		Side:      sideLabel(sig),
		SizeUSD:   sig.SizeUSD,
		Leverage:  sig.LeverageBps,
	})
}

func (d *Dispatcher) worker(ctx context.Context, q <-chan task) {
	defer d.wg.Done()
	for t := range q {
		d.process(ctx, t)
	}
}

// process drives one (signal, follower) pair to a terminal intent state.
func (d *Dispatcher) process(ctx context.Context, t task) {
	equityUSD, equityKnown, err := d.equity.Equity(ctx, t.cfg.UserID)
	if err != nil {
		d.logger.Error("equity lookup failed", "user", t.cfg.UserID, "error", err)
		equityKnown = false
	}

	in := types.CopyIntent{
		IntentID:     ulid.Make().String(),
		UserID:       t.cfg.UserID,
		SourceFillID: t.sig.SourceFillID,
		Trader:       t.sig.Trader,
		PairID:       t.sig.PairID,
		IsLong:       t.sig.IsLong,
		Side:         t.sig.Side,
		Price:        t.sig.Price,
		Status:       types.IntentPending,
		CreatedAt:    time.Now().Unix(),
	}

	reason := types.ReasonCode("")
	switch {
	case !t.cfg.AllowsPair(t.sig.PairID):
		reason = types.ReasonPairBlocked
	default:
		in.CollateralUSD, in.LeverageBps, reason = sizeIntent(t.sig, t.cfg, equityUSD, equityKnown)
		if reason == "" && in.CollateralUSD == 0 {
			reason = types.ReasonNoEquity
		}
	}

	inserted, err := d.db.InsertCopyIntent(in)
	if err != nil {
		d.logger.Error("intent insert failed", "user", t.cfg.UserID, "fill", t.sig.SourceFillID, "error", err)
		return
	}
	if !inserted {
		// Already processed this (user, fill); redelivery after restart.
		return
	}

	if reason != "" {
		d.terminate(in, types.IntentSkipped, reason, nil)
		return
	}
	if r := d.gate.Blocked(); r != "" {
		d.terminate(in, types.IntentSkipped, r, nil)
		return
	}
	if r, err := d.risk.Validate(ctx, in, t.cfg); err != nil {
		d.logger.Error("risk validation failed", "intent", in.IntentID, "error", err)
		d.terminate(in, types.IntentSkipped, types.ReasonNoEquity, nil)
		return
	} else if r != "" {
		d.terminate(in, types.IntentSkipped, r, nil)
		return
	}
	if err := d.db.UpdateCopyIntent(in.IntentID, types.IntentValidated, "", nil); err != nil {
		d.logger.Error("intent update failed", "intent", in.IntentID, "error", err)
		return
	}
	in.Status = types.IntentValidated

	if d.gate.Mode() == types.ModeDry || d.exec == nil {
		// DRY records the full intent (what would have been sent) and stops.
		d.terminate(in, types.IntentSkipped, types.ReasonDryRun, nil)
		return
	}
	d.execute(ctx, in, t.cfg)
}

// execute encodes and submits the live transaction.
func (d *Dispatcher) execute(ctx context.Context, in types.CopyIntent, cfg types.FollowConfig) {
	var (
		data []byte
		err  error
	)
	switch in.Side {
	case types.FillOpen:
		data, err = d.encoder.OpenTrade(in.PairID, in.IsLong, in.CollateralUSD, in.LeverageBps, cfg.MaxSlippage)
	default:
		size := in.CollateralUSD * uint64(in.LeverageBps) / 10000
		data, err = d.encoder.CloseTrade(in.PairID, in.IsLong, size)
	}
	if err != nil {
		d.logger.Error("calldata encode failed", "intent", in.IntentID, "error", err)
		d.terminate(in, types.IntentFailed, types.ReasonReverted, nil)
		return
	}

	if err := d.db.UpdateCopyIntent(in.IntentID, types.IntentSubmitted, "", nil); err != nil {
		d.logger.Error("intent update failed", "intent", in.IntentID, "error", err)
		return
	}
	in.Status = types.IntentSubmitted

	res, err := d.exec.Execute(ctx, txmgr.Request{
		IntentID: in.IntentID,
		To:       d.contract,
		Data:     data,
		Value:    big.NewInt(0),
	})
	if err != nil {
		d.logger.Error("tx execution failed", "intent", in.IntentID, "error", err)
		d.terminate(in, types.IntentFailed, types.ReasonStuck, nil)
		return
	}
	if !res.OK {
		d.terminate(in, types.IntentFailed, res.Reason, hashOrNil(res.TxHash))
		return
	}
	d.terminate(in, types.IntentConfirmed, "", &res.TxHash)
	d.settle(in)
}

// settle applies a confirmed fill to the follower's average-entry position
// record in the shared store. Confirmed closes realize PnL against that
// record; realized losses feed the daily loss cap.
func (d *Dispatcher) settle(in types.CopyIntent) {
	if in.Price == 0 {
		return
	}
	key := posKey(in.UserID, in.PairID, in.IsLong)
	notional := in.CollateralUSD * uint64(in.LeverageBps) / 10000
	cur, _, err := d.shared.GetDurable(key)
	if err != nil {
		d.logger.Error("position read failed", "intent", in.IntentID, "error", err)
		return
	}
	held, entry := parsePosition(cur)

	if in.Side == types.FillOpen {
		total := held + notional
		if total == 0 {
			return
		}
		// Volume-weighted average entry across the merged position.
		weighted := decimal.NewFromInt(int64(entry)).Mul(decimal.NewFromInt(int64(held))).
			Add(decimal.NewFromInt(int64(in.Price)).Mul(decimal.NewFromInt(int64(notional))))
		entry = uint64(weighted.Div(decimal.NewFromInt(int64(total))).IntPart())
		held = total
	} else {
		if held == 0 || entry == 0 {
			return
		}
		matched := notional
		if matched > held {
			matched = held
		}
		exit := decimal.NewFromInt(int64(in.Price))
		avg := decimal.NewFromInt(int64(entry))
		pnl := decimal.NewFromInt(int64(matched)).Mul(exit.Sub(avg)).Div(avg)
		if !in.IsLong {
			pnl = pnl.Neg()
		}
		if pnl.IsNegative() {
			d.risk.RecordLoss(in.UserID, pnl.Neg().IntPart())
		}
		held -= matched
	}

	value := strconv.FormatUint(held, 10) + ":" + strconv.FormatUint(entry, 10)
	if err := d.shared.SetDurable(key, value); err != nil {
		d.logger.Error("position write failed", "intent", in.IntentID, "error", err)
	}
}

func posKey(userID int64, pairID uint16, isLong bool) string {
	dir := "S"
	if isLong {
		dir = "L"
	}
	return "pos:" + strconv.FormatInt(userID, 10) + ":" + strconv.FormatUint(uint64(pairID), 10) + ":" + dir
}

func parsePosition(v string) (held, entry uint64) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	held, _ = strconv.ParseUint(parts[0], 10, 64)
	entry, _ = strconv.ParseUint(parts[1], 10, 64)
	return held, entry
}

// terminate records the terminal state and publishes the intent update.
func (d *Dispatcher) terminate(in types.CopyIntent, status types.IntentStatus, reason types.ReasonCode, txHash *common.Hash) {
	if err := d.db.UpdateCopyIntent(in.IntentID, status, reason, txHash); err != nil {
		d.logger.Error("terminal intent update failed", "intent", in.IntentID, "error", err)
		return
	}
	metrics.IntentTerminal(string(status), string(reason))
	if d.sink != nil {
		ev := types.BridgeEvent{
			Type:      "intent_update",
			Timestamp: time.Now(),
			UserID:    in.UserID,
			Trader:    in.Trader.Hex(),
			Pair:      in.PairID,
			IntentID:  in.IntentID,
			Status:    string(status),
			Reason:    string(reason),
		}
		if txHash != nil {
			ev.TxHash = txHash.Hex()
		}
		d.sink.Publish(ev)
	}
}

// recordSkip persists a SKIPPED intent for a dropped signal without routing
// through a worker.
func (d *Dispatcher) recordSkip(sig types.TraderSignal, cfg types.FollowConfig, reason types.ReasonCode) {
	in := types.CopyIntent{
		IntentID:     ulid.Make().String(),
		UserID:       cfg.UserID,
		SourceFillID: sig.SourceFillID,
		Trader:       sig.Trader,
		PairID:       sig.PairID,
		IsLong:       sig.IsLong,
		Side:         sig.Side,
		Price:        sig.Price,
		Status:       types.IntentPending,
		CreatedAt:    time.Now().Unix(),
	}
	inserted, err := d.db.InsertCopyIntent(in)
	if err != nil || !inserted {
		return
	}
	d.terminate(in, types.IntentSkipped, reason, nil)
}

func (d *Dispatcher) loadCursor() (uint64, uint32, error) {
	v, ok, err := d.shared.GetDurable(cursorKey)
	if err != nil || !ok {
		return 0, 0, err
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, nil
	}
	block, _ := strconv.ParseUint(parts[0], 10, 64)
	logIdx, _ := strconv.ParseUint(parts[1], 10, 32)
	return block, uint32(logIdx), nil
}

func (d *Dispatcher) saveCursor(block uint64, logIdx uint32) error {
	return d.shared.SetDurable(cursorKey, fmt.Sprintf("%d:%d", block, logIdx))
}

func sideLabel(sig types.TraderSignal) string {
	dir := "SHORT"
	if sig.IsLong {
		dir = "LONG"
	}
	return string(sig.Side) + " " + dir
}

func hashOrNil(h common.Hash) *common.Hash {
	if h == (common.Hash{}) {
		return nil
	}
	return &h
}
