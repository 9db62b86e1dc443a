// Package txmgr owns the lifecycle of every transaction the platform
// broadcasts: BUILT → SIGNED → BROADCAST → (MINED_OK | MINED_FAIL |
// DROPPED).
//
// Fee policy is EIP-1559: maxFee = 2·baseFee + priorityFee, giving headroom
// for base-fee growth while the tx is pending. A tx unseen for the stuck
// timeout is replaced at the same nonce with both fees bumped by the
// configured percentage, at most maxReplacements times; after that it is
// declared stuck. Every state change is persisted before the next action so
// a crash resumes receipt polling instead of double-spending a nonce.
package txmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/oklog/ulid/v2"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/signer"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// Chain is the slice of the chain client the orchestrator uses.
type Chain interface {
	SuggestFees(ctx context.Context) (baseFee, tipCap *big.Int, err error)
	SendRaw(ctx context.Context, signed []byte) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// Request is one transaction the caller wants on chain.
type Request struct {
	IntentID string
	To       common.Address
	Data     []byte
	Value    *big.Int
}

// Result is the terminal outcome of one request.
type Result struct {
	OK     bool
	Reason types.ReasonCode // set when !OK
	TxHash common.Hash
	Block  uint64
}

// Orchestrator submits, replaces and confirms transactions.
type Orchestrator struct {
	chain    Chain
	db       *store.DB
	signer   signer.Signer
	nonces   *NonceManager
	cfg      config.TxConfig
	chainID  *big.Int
	finality uint64
	logger   *slog.Logger
}

// New creates an orchestrator. finality is the confirmation depth a mined
// receipt must reach before a result is reported.
func New(ch Chain, db *store.DB, sg signer.Signer, nonces *NonceManager, cfg config.TxConfig, chainID int64, finality uint64, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		chain:    ch,
		db:       db,
		signer:   sg,
		nonces:   nonces,
		cfg:      cfg,
		chainID:  big.NewInt(chainID),
		finality: finality,
		logger:   logger.With("component", "txmgr"),
	}
}

// Execute drives one request to a terminal state. Blocking; the fanout runs
// it from a worker goroutine.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	res, err := o.submit(ctx, req, o.nonces.Next())
	if err == nil || !isNonceConflict(err) {
		return res, err
	}

	// Someone else used our nonce (external wallet activity or a lost
	// counter). Resync once and retry with a fresh nonce.
	o.logger.Warn("nonce conflict, resyncing", "intent", req.IntentID, "error", err)
	if syncErr := o.nonces.Sync(ctx, o.chain); syncErr != nil {
		return Result{Reason: types.ReasonNonceConflict}, syncErr
	}
	res, err = o.submit(ctx, req, o.nonces.Next())
	if err != nil && isNonceConflict(err) {
		return Result{Reason: types.ReasonNonceConflict}, nil
	}
	return res, err
}

// submit builds, signs, broadcasts and confirms one attempt chain at a
// fixed nonce.
func (o *Orchestrator) submit(ctx context.Context, req Request, nonce uint64) (Result, error) {
	baseFee, tip, err := o.chain.SuggestFees(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("suggest fees: %w", err)
	}
	if floor := big.NewInt(o.cfg.PriorityFeeFloorWei); tip.Cmp(floor) < 0 {
		tip = floor
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	ti := types.TxIntent{
		ID:             ulid.Make().String(),
		IntentID:       req.IntentID,
		Nonce:          nonce,
		To:             req.To,
		Data:           req.Data,
		Value:          req.Value.String(),
		GasLimit:       o.cfg.GasLimit,
		MaxFeePerGas:   maxFee.String(),
		MaxPriorityFee: tip.String(),
		Status:         types.TxBuilt,
	}
	if err := o.db.SaveTxIntent(ti); err != nil {
		return Result{}, err
	}
	return o.broadcastAndConfirm(ctx, &ti, req.Value)
}

// broadcastAndConfirm signs and sends the intent, then polls for the
// receipt, bumping fees on stuck-timeout until confirmed or exhausted.
func (o *Orchestrator) broadcastAndConfirm(ctx context.Context, ti *types.TxIntent, value *big.Int) (Result, error) {
	for {
		maxFee, _ := new(big.Int).SetString(ti.MaxFeePerGas, 10)
		tip, _ := new(big.Int).SetString(ti.MaxPriorityFee, 10)
		tx := gtypes.NewTx(&gtypes.DynamicFeeTx{
			ChainID:   o.chainID,
			Nonce:     ti.Nonce,
			GasTipCap: tip,
			GasFeeCap: maxFee,
			Gas:       ti.GasLimit,
			To:        &ti.To,
			Value:     value,
			Data:      ti.Data,
		})
		signed, err := o.signer.SignTx(tx)
		if err != nil {
			return Result{}, fmt.Errorf("sign tx: %w", err)
		}
		ti.Status = types.TxSigned
		if err := o.db.SaveTxIntent(*ti); err != nil {
			return Result{}, err
		}

		raw, err := signed.MarshalBinary()
		if err != nil {
			return Result{}, fmt.Errorf("encode tx: %w", err)
		}
		hash, err := o.chain.SendRaw(ctx, raw)
		if err != nil {
			if !isNonceConflict(err) && ti.Attempts == 0 {
				// The tx never reached the mempool, so the consumed nonce
				// would become a permanent gap blocking every later tx.
				// Resync the counter from the pending nonce before bailing.
				if syncErr := o.nonces.Sync(ctx, o.chain); syncErr != nil {
					o.logger.Error("nonce resync after failed broadcast",
						"intent", ti.IntentID, "error", syncErr)
				}
			}
			return Result{}, fmt.Errorf("broadcast nonce %d: %w", ti.Nonce, err)
		}
		ti.Status = types.TxBroadcast
		ti.TxHash = &hash
		ti.Attempts++
		if err := o.db.SaveTxIntent(*ti); err != nil {
			return Result{}, err
		}
		metrics.TxAttempts.Inc()
		sentAt := time.Now()
		o.logger.Info("tx broadcast",
			"intent", ti.IntentID, "tx", hash.Hex(), "nonce", ti.Nonce, "attempt", ti.Attempts)

		receipt, err := o.confirmFinal(ctx, hash, sentAt)
		if err == nil {
			return o.finish(ti, receipt, sentAt)
		}
		if !errors.Is(err, errStuck) {
			return Result{}, err
		}

		// Stuck: replace at the same nonce with bumped fees, or give up.
		if ti.Attempts > o.cfg.MaxReplacements {
			ti.Status = types.TxDropped
			if err := o.db.SaveTxIntent(*ti); err != nil {
				return Result{}, err
			}
			o.logger.Error("tx stuck after max replacements",
				"intent", ti.IntentID, "nonce", ti.Nonce, "attempts", ti.Attempts)
			return Result{Reason: types.ReasonStuck, TxHash: hash}, nil
		}
		ti.MaxFeePerGas = bump(maxFee, o.cfg.BumpPct).String()
		ti.MaxPriorityFee = bump(tip, o.cfg.BumpPct).String()
		metrics.TxReplacements.Inc()
		o.logger.Warn("tx stuck, bumping fees",
			"intent", ti.IntentID, "nonce", ti.Nonce,
			"max_fee", ti.MaxFeePerGas, "priority_fee", ti.MaxPriorityFee)
	}
}

var errStuck = errors.New("tx unseen past stuck timeout")

// confirmFinal waits for a receipt and then for the head to move the
// confirmation depth past the receipt's block, re-checking the receipt so a
// tx reorged out of its block is never reported confirmed.
func (o *Orchestrator) confirmFinal(ctx context.Context, hash common.Hash, sentAt time.Time) (*gtypes.Receipt, error) {
	receipt, err := o.pollReceipt(ctx, hash, sentAt)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(o.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		head, err := o.chain.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		if head >= receipt.BlockNumber.Uint64()+o.finality {
			cur, err := o.chain.Receipt(ctx, hash)
			switch {
			case err == nil && cur.BlockNumber != nil && cur.BlockNumber.Cmp(receipt.BlockNumber) == 0:
				return cur, nil
			case err == nil:
				// Re-mined in a different block; the finality clock restarts.
				receipt = cur
				continue
			case errors.Is(err, chain.ErrReceiptNotYet):
				// Reorged out entirely; wait for it to mine again.
				receipt, err = o.pollReceipt(ctx, hash, sentAt)
				if err != nil {
					return nil, err
				}
				continue
			default:
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollReceipt polls until the tx mines, the stuck timeout elapses, or the
// overall confirm timeout expires.
func (o *Orchestrator) pollReceipt(ctx context.Context, hash common.Hash, sentAt time.Time) (*gtypes.Receipt, error) {
	deadline := time.NewTimer(o.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := o.chain.Receipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, chain.ErrReceiptNotYet) {
			return nil, err
		}
		if time.Since(sentAt) > o.cfg.StuckTimeout {
			return nil, errStuck
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errStuck
		case <-ticker.C:
		}
	}
}

// finish records the mined terminal state.
func (o *Orchestrator) finish(ti *types.TxIntent, receipt *gtypes.Receipt, sentAt time.Time) (Result, error) {
	ti.ReceiptBlock = receipt.BlockNumber.Uint64()
	ti.ReceiptGasUsed = receipt.GasUsed
	if receipt.Status == gtypes.ReceiptStatusSuccessful {
		ti.Status = types.TxMinedOK
	} else {
		ti.Status = types.TxMinedFail
	}
	if err := o.db.SaveTxIntent(*ti); err != nil {
		return Result{}, err
	}
	metrics.TxConfirmSeconds.Observe(time.Since(sentAt).Seconds())

	if ti.Status == types.TxMinedFail {
		o.logger.Warn("tx reverted", "intent", ti.IntentID, "tx", ti.TxHash.Hex(),
			"block", ti.ReceiptBlock)
		return Result{Reason: types.ReasonReverted, TxHash: *ti.TxHash, Block: ti.ReceiptBlock}, nil
	}
	o.logger.Info("tx confirmed", "intent", ti.IntentID, "tx", ti.TxHash.Hex(),
		"block", ti.ReceiptBlock, "gas_used", ti.ReceiptGasUsed)
	return Result{OK: true, TxHash: *ti.TxHash, Block: ti.ReceiptBlock}, nil
}

// Recover resumes receipt polling for transactions left in BROADCAST by a
// crash, without rebroadcasting. Returns the terminal results keyed by
// owning intent ID.
func (o *Orchestrator) Recover(ctx context.Context) (map[string]Result, error) {
	pending, err := o.db.TxIntentsByStatus(types.TxBroadcast)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Result, len(pending))
	for _, ti := range pending {
		if ti.TxHash == nil {
			continue
		}
		o.logger.Info("resuming receipt poll", "intent", ti.IntentID, "tx", ti.TxHash.Hex())
		receipt, err := o.confirmFinal(ctx, *ti.TxHash, time.Unix(ti.UpdatedAt, 0))
		if errors.Is(err, errStuck) {
			ti.Status = types.TxDropped
			if err := o.db.SaveTxIntent(ti); err != nil {
				return nil, err
			}
			out[ti.IntentID] = Result{Reason: types.ReasonStuck, TxHash: *ti.TxHash}
			continue
		}
		if err != nil {
			return nil, err
		}
		res, err := o.finish(&ti, receipt, time.Unix(ti.UpdatedAt, 0))
		if err != nil {
			return nil, err
		}
		out[ti.IntentID] = res
	}
	return out, nil
}

// bump raises a fee by pct percent, rounding up so a 1 wei fee still moves.
func bump(fee *big.Int, pct int) *big.Int {
	n := new(big.Int).Mul(fee, big.NewInt(int64(100+pct)))
	n.Add(n, big.NewInt(99))
	return n.Div(n, big.NewInt(100))
}

// isNonceConflict classifies broadcast failures caused by a nonce already
// spent on chain.
func isNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
