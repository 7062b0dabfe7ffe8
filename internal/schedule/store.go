package schedule

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the schedule lifecycle. Scheduled is the only non-terminal state.
type Status uint8

const (
	StatusScheduled Status = iota
	StatusExecuted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Schedule is one future-dated (optionally recurring) transfer. VaultShares
// is the schedule's sole claim on vault assets and is redeemed exactly once,
// by execution or cancellation.
type Schedule struct {
	ID            uint64
	Sender        common.Address
	Recipient     common.Address
	HKDAmount     *big.Int
	VaultShares   *big.Int
	ScheduledDate time.Time
	CreatedAt     time.Time
	IsRecurring   bool
	RecurringDay  uint8
	Status        Status
}

func (s *Schedule) clone() *Schedule {
	cp := *s
	cp.HKDAmount = new(big.Int).Set(s.HKDAmount)
	cp.VaultShares = new(big.Int).Set(s.VaultShares)
	return &cp
}

// Store persists schedule records; ids are dense from 0. Get returns
// (nil, nil) for ids never created.
type Store interface {
	Create(ctx context.Context, s *Schedule) (uint64, error)
	Get(ctx context.Context, id uint64) (*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	// DueIDs lists schedules still Scheduled with scheduledDate <= now.
	DueIDs(ctx context.Context, now time.Time) ([]uint64, error)
	NextID(ctx context.Context) (uint64, error)
}

// MemoryStore keeps schedules in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Schedule
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Create(_ context.Context, s *Schedule) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uint64(len(m.records))
	m.records = append(m.records, s.clone())
	return s.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id >= uint64(len(m.records)) {
		return nil, nil
	}
	return m.records[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID >= uint64(len(m.records)) {
		return ErrScheduleNotFound
	}
	m.records[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) DueIDs(_ context.Context, now time.Time) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uint64
	for _, s := range m.records {
		if s.Status == StatusScheduled && !s.ScheduledDate.After(now) {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}
