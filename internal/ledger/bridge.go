package ledger

import (
	"errors"
	"math/big"

	"github.com/google/uuid"
)

// ErrBridgeInsufficient is returned by MemoryBridge when a transfer-in
// exceeds the holder's external balance.
var ErrBridgeInsufficient = errors.New("ledger: insufficient external balance")

// MemoryBridge is an in-process AssetBridge backed by a map of external
// balances. It stands in for the real settlement-asset transfer capability
// in tests and single-node deployments.
type MemoryBridge struct {
	external map[uuid.UUID]*big.Int
	// unlimited skips balance checks on TransferIn; deposits mint.
	unlimited bool
}

// NewMemoryBridge creates a bridge with no external balances. When unlimited
// is true, TransferIn always succeeds.
func NewMemoryBridge(unlimited bool) *MemoryBridge {
	return &MemoryBridge{
		external:  make(map[uuid.UUID]*big.Int),
		unlimited: unlimited,
	}
}

// Mint credits an external balance, funding future transfers in.
func (b *MemoryBridge) Mint(holder uuid.UUID, amount *big.Int) {
	bal, ok := b.external[holder]
	if !ok {
		bal = new(big.Int)
		b.external[holder] = bal
	}
	bal.Add(bal, amount)
}

// ExternalBalance returns a copy of the holder's external balance.
func (b *MemoryBridge) ExternalBalance(holder uuid.UUID) *big.Int {
	if bal, ok := b.external[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TransferIn moves amount from the holder's external balance into the system.
func (b *MemoryBridge) TransferIn(from uuid.UUID, amount *big.Int) error {
	if b.unlimited {
		return nil
	}
	bal, ok := b.external[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrBridgeInsufficient
	}
	bal.Sub(bal, amount)
	return nil
}

// TransferOut moves amount from the system back to the holder.
func (b *MemoryBridge) TransferOut(to uuid.UUID, amount *big.Int) error {
	bal, ok := b.external[to]
	if !ok {
		bal = new(big.Int)
		b.external[to] = bal
	}
	bal.Add(bal, amount)
	return nil
}
