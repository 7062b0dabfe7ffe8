// Package verifier tracks externally verified bank-transfer references for
// the FPS (no-custody) remittance path. References are keccak hashes of the
// human-entered string; only the oracle may mark one verified, marking is
// idempotent, and there is no unverify path.
package verifier

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNotOracle = errors.New("caller is not the oracle")
	ErrZeroRef   = errors.New("zero payment reference")
)

// Verifier is the payment-reference registry.
type Verifier struct {
	oracle common.Address

	mu       sync.RWMutex
	verified map[common.Hash]bool
}

// New creates a registry accepting marks from the given oracle address.
func New(oracle common.Address) *Verifier {
	return &Verifier{
		oracle:   oracle,
		verified: make(map[common.Hash]bool),
	}
}

// HashReference maps a human-entered reference string to its opaque on-ledger
// identifier.
func HashReference(ref string) common.Hash {
	return crypto.Keccak256Hash([]byte(ref))
}

// IsPaymentVerified reports whether ref has been marked. Unknown references
// are unverified.
func (v *Verifier) IsPaymentVerified(ref common.Hash) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.verified[ref]
}

// MarkVerified records ref as verified. Oracle only; re-marking an already
// verified reference is a no-op.
func (v *Verifier) MarkVerified(caller common.Address, ref common.Hash) error {
	if caller != v.oracle {
		return ErrNotOracle
	}
	if ref == (common.Hash{}) {
		return ErrZeroRef
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified[ref] = true
	return nil
}
