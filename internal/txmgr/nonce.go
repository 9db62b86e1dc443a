package txmgr

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
)

// NonceManager allocates strictly increasing nonces for one signer via an
// atomic counter in the shared store, so concurrent workers never collide.
// The counter holds the last allocated nonce; Next returns counter+1.
type NonceManager struct {
	store   *shared.Store
	address common.Address
}

// NewNonceManager creates the allocator for one signer address.
func NewNonceManager(store *shared.Store, address common.Address) *NonceManager {
	return &NonceManager{store: store, address: address}
}

type pendingNoncer interface {
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
}

// Sync seeds the counter from the chain's pending nonce. Called on boot and
// after any nonce conflict.
func (m *NonceManager) Sync(ctx context.Context, chain pendingNoncer) error {
	pending, err := chain.PendingNonce(ctx, m.address)
	if err != nil {
		return fmt.Errorf("sync nonce: %w", err)
	}
	// Counter holds last-allocated, so pending-1 makes the next allocation
	// equal the chain's pending nonce. Signed so a fresh account (pending 0)
	// seeds to -1 instead of wrapping.
	m.store.Set(m.key(), fmt.Sprintf("%d", int64(pending)-1), 0)
	return nil
}

// Next allocates the next nonce.
func (m *NonceManager) Next() uint64 {
	return uint64(m.store.Incr(m.key(), 1))
}

func (m *NonceManager) key() string {
	return "nonce:" + m.address.Hex()
}
