// Package execgate holds the global execution gate: the DRY/LIVE mode
// singleton and the emergency stop flag, both living in the shared store so
// every worker observes flips immediately, and both written through to the
// durable layer so a restart keeps the operator's last decision.
package execgate

import (
	"fmt"
	"log/slog"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

const (
	modeKey  = "exec:mode"
	estopKey = "exec:emergency_stop"
)

// Gate is the single source of truth for whether transactions may be
// broadcast. Safe for concurrent use.
type Gate struct {
	store  *shared.Store
	logger *slog.Logger
}

// New creates the gate and seeds the shared store from config on first boot
// only: a value already persisted by a previous operator action wins over
// the config default.
func New(store *shared.Store, bootMode types.ExecMode, bootEstop bool, logger *slog.Logger) (*Gate, error) {
	g := &Gate{store: store, logger: logger.With("component", "execgate")}

	if _, ok, err := store.GetDurable(modeKey); err != nil {
		return nil, err
	} else if !ok {
		if err := store.SetDurable(modeKey, string(bootMode)); err != nil {
			return nil, err
		}
	}
	if _, ok, err := store.GetDurable(estopKey); err != nil {
		return nil, err
	} else if !ok {
		if err := store.SetDurable(estopKey, boolStr(bootEstop)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Mode returns the current execution mode. An unreadable or corrupt value
// fails closed to DRY.
func (g *Gate) Mode() types.ExecMode {
	v, ok, err := g.store.GetDurable(modeKey)
	if err != nil || !ok {
		return types.ModeDry
	}
	if types.ExecMode(v) == types.ModeLive {
		return types.ModeLive
	}
	return types.ModeDry
}

// SetMode flips the execution mode with compare-and-set so two concurrent
// admin commands cannot both win.
func (g *Gate) SetMode(from, to types.ExecMode) error {
	switch to {
	case types.ModeDry, types.ModeLive:
	default:
		return fmt.Errorf("invalid execution mode %q", to)
	}
	if !g.store.CompareAndSwap(modeKey, string(from), string(to)) {
		return fmt.Errorf("mode changed concurrently, expected %s", from)
	}
	if err := g.store.SetDurable(modeKey, string(to)); err != nil {
		return err
	}
	g.logger.Warn("execution mode changed", "from", from, "to", to)
	return nil
}

// EmergencyStopped reports whether the kill switch is engaged. Fails open to
// stopped on read errors: when in doubt, halt.
func (g *Gate) EmergencyStopped() bool {
	v, ok, err := g.store.GetDurable(estopKey)
	if err != nil {
		return true
	}
	return ok && v == "1"
}

// SetEmergencyStop engages or releases the kill switch.
func (g *Gate) SetEmergencyStop(on bool) error {
	if err := g.store.SetDurable(estopKey, boolStr(on)); err != nil {
		return err
	}
	g.logger.Warn("emergency stop changed", "engaged", on)
	return nil
}

// Blocked returns the reason new executions must be refused, or "" when
// execution may proceed to validation. DRY mode does not block — DRY intents
// still flow through sizing and risk, they just never broadcast.
func (g *Gate) Blocked() types.ReasonCode {
	if g.EmergencyStopped() {
		return types.ReasonEmergencyStop
	}
	return ""
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
