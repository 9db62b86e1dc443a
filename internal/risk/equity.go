package risk

import (
	"context"
	"fmt"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
)

// StoreEquity serves equity from the shared store under user:equity:{id},
// written by the wallet sync when a user links an account. An absent key
// means equity is unknown and percentage sizing must be refused.
type StoreEquity struct {
	store *shared.Store
}

// NewStoreEquity creates the shared-store equity source.
func NewStoreEquity(store *shared.Store) *StoreEquity {
	return &StoreEquity{store: store}
}

// Equity returns the user's equity in USD 1e6; ok false when unknown.
func (e *StoreEquity) Equity(_ context.Context, userID int64) (uint64, bool, error) {
	v, ok, err := e.store.GetDurable(equityKey(userID))
	if err != nil || !ok {
		return 0, false, err
	}
	var amount uint64
	if _, err := fmt.Sscanf(v, "%d", &amount); err != nil {
		return 0, false, nil
	}
	return amount, true, nil
}

// SetEquity records a user's equity, USD 1e6.
func (e *StoreEquity) SetEquity(userID int64, equityUSD uint64) error {
	return e.store.SetDurable(equityKey(userID), fmt.Sprintf("%d", equityUSD))
}

func equityKey(userID int64) string {
	return fmt.Sprintf("user:equity:%d", userID)
}
