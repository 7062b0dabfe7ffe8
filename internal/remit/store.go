package remit

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the remittance lifecycle. Pending is the only non-terminal state.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Kind distinguishes escrow-backed remittances from reference-only (FPS)
// claims that never take custody of funds.
type Kind uint8

const (
	KindCustodied Kind = iota
	KindReferenceOnly
)

func (k Kind) String() string {
	if k == KindReferenceOnly {
		return "reference-only"
	}
	return "custodied"
}

// Remittance is one point-in-time transfer record. Amounts, fee and rate are
// frozen at creation and never change afterwards.
type Remittance struct {
	ID         uint64
	Kind       Kind
	Sender     common.Address
	Recipient  common.Address
	HKDAmount  *big.Int
	PHPAmount  *big.Int
	Fee        *big.Int
	LockedRate uint64
	PaymentRef common.Hash
	CreatedAt  time.Time
	Status     Status
}

func (r *Remittance) clone() *Remittance {
	cp := *r
	cp.HKDAmount = new(big.Int).Set(r.HKDAmount)
	cp.PHPAmount = new(big.Int).Set(r.PHPAmount)
	cp.Fee = new(big.Int).Set(r.Fee)
	return &cp
}

// Store persists remittance records. Create assigns the next dense id
// starting at 0. Get returns (nil, nil) for ids that were never created.
type Store interface {
	Create(ctx context.Context, rec *Remittance) (uint64, error)
	Get(ctx context.Context, id uint64) (*Remittance, error)
	Update(ctx context.Context, rec *Remittance) error
	// PendingIDs lists ids still in StatusPending, ascending.
	PendingIDs(ctx context.Context) ([]uint64, error)
	// NextID reports the id the next Create will assign.
	NextID(ctx context.Context) (uint64, error)
}

// MemoryStore keeps records in process. The default for local deployments
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Remittance
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Create(_ context.Context, rec *Remittance) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uint64(len(m.records))
	m.records = append(m.records, rec.clone())
	return rec.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Remittance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id >= uint64(len(m.records)) {
		return nil, nil
	}
	return m.records[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rec *Remittance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID >= uint64(len(m.records)) {
		return ErrRemittanceNotFound
	}
	m.records[rec.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) PendingIDs(_ context.Context) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uint64
	for _, rec := range m.records {
		if rec.Status == StatusPending {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}
