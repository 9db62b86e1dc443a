// Package engine assembles the copy-trading core and runs its components
// under one lifecycle: the indexer, the PnL engine, the leaderboard, the
// fanout, the chat bridge and the health server all stop together on
// context cancellation, and in-flight intents drain before exit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/bridge"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/execgate"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/fanout"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/follow"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/health"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/indexer"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/leaderboard"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/pnl"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/price"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/risk"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/signer"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/txmgr"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/venue"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

const (
	pnlInterval         = 3 * time.Second
	leaderboardPushTick = 5 * time.Minute
	leaderboardPushSize = 10
	headStaleness       = 30 * time.Second
)

// Engine owns every component of the running system.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *store.DB
	shared  *shared.Store
	chain   *chain.Client
	gate    *execgate.Gate
	indexer *indexer.Indexer
	pnl     *pnl.Engine
	board   *leaderboard.Service
	follows *follow.Service
	fanout  *fanout.Dispatcher
	orch    *txmgr.Orchestrator
	bridge  *bridge.Bridge
	health  *health.Server
}

// New wires the full system from config. LIVE mode requires a signer key;
// DRY mode runs without one and never broadcasts.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.db = db
	e.shared = shared.New(db)

	e.gate, err = execgate.New(e.shared, types.ExecMode(cfg.Exec.Mode), cfg.Exec.EmergencyStop, logger)
	if err != nil {
		return nil, fmt.Errorf("init execution gate: %w", err)
	}

	e.chain, err = chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.WSURL, cfg.Indexer.Page, logger)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}

	dec, err := indexer.NewDecoder(cfg.Chain.ABIPath)
	if err != nil {
		return nil, fmt.Errorf("load trading abi: %w", err)
	}
	contract := common.HexToAddress(cfg.Chain.TradingContract)
	e.indexer = indexer.New(e.chain, db, dec, cfg.Indexer, contract, logger)
	e.pnl = pnl.New(db, pnlInterval, logger)
	e.board = leaderboard.New(db, cfg.Leaderboard, logger)
	e.follows = follow.New(db, follow.Limits{
		MaxLeverage:    uint16(cfg.Risk.MaxLeverage),
		MaxPerTradeUSD: cfg.Risk.MaxPositionSizeUSD * 1_000_000,
		MaxSlippageBps: 1000,
	}, logger)

	var primary, secondary price.Provider
	if cfg.Price.PrimaryURL != "" {
		primary = price.NewHTTPProvider("primary", cfg.Price.PrimaryURL)
	}
	if cfg.Price.SecondaryURL != "" {
		secondary = price.NewHTTPProvider("secondary", cfg.Price.SecondaryURL)
	}
	prices := price.New(primary, secondary, cfg.Risk.PriceMaxAge, cfg.Risk.PriceDivergencePct, logger)

	equity := risk.NewStoreEquity(e.shared)
	validator := risk.New(cfg.Risk, e.shared, equity, prices, logger)

	var exec fanout.Executor
	if cfg.Chain.SignerKey != "" {
		sg, err := signer.NewLocal(cfg.Chain.SignerKey, cfg.Chain.ChainID)
		if err != nil {
			return nil, fmt.Errorf("load signer: %w", err)
		}
		nonces := txmgr.NewNonceManager(e.shared, sg.Address())
		if err := nonces.Sync(ctx, e.chain); err != nil {
			return nil, err
		}
		e.orch = txmgr.New(e.chain, db, sg, nonces, cfg.Tx, cfg.Chain.ChainID, cfg.Indexer.FinalityDepth, logger)
		exec = e.orch
	}

	encoder, err := venue.NewEncoder()
	if err != nil {
		return nil, err
	}

	if cfg.Bridge.Enabled {
		e.bridge = bridge.New(cfg.Bridge, bridge.Handlers{
			SetMode:          e.gate.SetMode,
			SetEmergencyStop: e.gate.SetEmergencyStop,
			UpsertFollow:     e.follows.Upsert,
			Unfollow:         e.follows.Unfollow,
			Leaderboard:      e.board.Top,
			Follows:          e.follows.List,
		}, cfg.Risk.MaxChatPerMinute, logger)
	}

	var sink fanout.EventSink
	if e.bridge != nil {
		sink = e.bridge
	}
	e.fanout = fanout.New(db, e.shared, e.gate, validator, equity, exec, encoder, sink,
		contract, cfg.Exec, logger)

	e.health = health.New(cfg.Health.Port, map[string]health.Check{
		"store":  db.Ping,
		"shared": e.shared.Ping,
		"indexer": func() error {
			if time.Since(e.indexer.LastHeadSeen()) > headStaleness {
				return fmt.Errorf("no chain head for %s", time.Since(e.indexer.LastHeadSeen()).Round(time.Second))
			}
			return nil
		},
		"indexer_lag": func() error {
			if lag := e.indexer.Lag(); lag > cfg.Indexer.AlarmThreshold {
				return fmt.Errorf("indexer %d blocks behind", lag)
			}
			return nil
		},
		"price": prices.Healthy,
	}, logger)

	return e, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	if e.orch != nil {
		e.recoverBroadcasts(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.indexer.Run(ctx) })
	g.Go(func() error { return e.pnl.Run(ctx) })
	g.Go(func() error { return e.board.Run(ctx) })
	g.Go(func() error { return e.fanout.Run(ctx) })
	g.Go(func() error { return e.health.Run(ctx) })
	if e.bridge != nil {
		g.Go(func() error { return e.bridge.Run(ctx) })
		g.Go(func() error { return e.pushLeaderboard(ctx) })
	}

	e.logger.Info("engine running",
		"mode", e.gate.Mode(), "live_capable", e.orch != nil,
		"bridge", e.bridge != nil)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close releases held resources after Run returns.
func (e *Engine) Close() {
	e.chain.Close()
	if err := e.db.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
}

// recoverBroadcasts resolves transactions left mid-flight by the previous
// process and applies their outcomes to the owning intents.
func (e *Engine) recoverBroadcasts(ctx context.Context) {
	results, err := e.orch.Recover(ctx)
	if err != nil {
		e.logger.Error("broadcast recovery failed", "error", err)
		return
	}
	for intentID, res := range results {
		status, reason := types.IntentConfirmed, types.ReasonCode("")
		if !res.OK {
			status, reason = types.IntentFailed, res.Reason
		}
		var h *common.Hash
		if res.TxHash != (common.Hash{}) {
			hash := res.TxHash
			h = &hash
		}
		if err := e.db.UpdateCopyIntent(intentID, status, reason, h); err != nil {
			e.logger.Error("recovered intent update failed", "intent", intentID, "error", err)
		}
	}
	if len(results) > 0 {
		e.logger.Info("recovered in-flight transactions", "count", len(results))
	}
}

// pushLeaderboard periodically broadcasts the top of the board to chat.
func (e *Engine) pushLeaderboard(ctx context.Context) error {
	ticker := time.NewTicker(leaderboardPushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		entries, err := e.board.Top(leaderboardPushSize)
		if err != nil {
			e.logger.Error("leaderboard push failed", "error", err)
			continue
		}
		e.bridge.Publish(types.BridgeEvent{
			Type:      "leaderboard",
			Timestamp: time.Now(),
			Entries:   entries,
		})
	}
}
