// Package events defines the append-only event log the engines emit for
// external indexers. Field sets are part of the public contract and must not
// change shape.
package events

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a single ledger event.
type Event interface {
	Name() string
}

// Sink consumes emitted events.
type Sink interface {
	Emit(e Event)
}

type RemittanceCreated struct {
	ID        uint64         `json:"id"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	HKDAmount *big.Int       `json:"hkdAmount"`
	PHPAmount *big.Int       `json:"phpAmount"`
	Fee       *big.Int       `json:"fee"`
	Rate      uint64         `json:"rate"`
}

func (RemittanceCreated) Name() string { return "RemittanceCreated" }

type RemittanceCompleted struct {
	ID        uint64         `json:"id"`
	Recipient common.Address `json:"recipient"`
	PHPAmount *big.Int       `json:"phpAmount"`
}

func (RemittanceCompleted) Name() string { return "RemittanceCompleted" }

type RemittanceRefunded struct {
	ID        uint64         `json:"id"`
	Sender    common.Address `json:"sender"`
	HKDAmount *big.Int       `json:"hkdAmount"`
}

func (RemittanceRefunded) Name() string { return "RemittanceRefunded" }

type ExchangeRateUpdated struct {
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

func (ExchangeRateUpdated) Name() string { return "ExchangeRateUpdated" }

type FeeBpsUpdated struct {
	Old uint32 `json:"old"`
	New uint32 `json:"new"`
}

func (FeeBpsUpdated) Name() string { return "FeeBpsUpdated" }

type ScheduleCreated struct {
	ID            uint64         `json:"id"`
	Sender        common.Address `json:"sender"`
	Recipient     common.Address `json:"recipient"`
	HKDAmount     *big.Int       `json:"hkdAmount"`
	VaultShares   *big.Int       `json:"vaultShares"`
	ScheduledDate time.Time      `json:"scheduledDate"`
	IsRecurring   bool           `json:"isRecurring"`
}

func (ScheduleCreated) Name() string { return "ScheduleCreated" }

type ScheduleExecuted struct {
	ID           uint64         `json:"id"`
	Recipient    common.Address `json:"recipient"`
	PHPAmount    *big.Int       `json:"phpAmount"`
	EffectiveFee *big.Int       `json:"effectiveFee"`
	Yield        *big.Int       `json:"yield"`
}

func (ScheduleExecuted) Name() string { return "ScheduleExecuted" }

type ScheduleCancelled struct {
	ID     uint64         `json:"id"`
	Sender common.Address `json:"sender"`
	Amount *big.Int       `json:"amount"`
}

func (ScheduleCancelled) Name() string { return "ScheduleCancelled" }

// SlogSink writes every event to a structured logger.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) Emit(e Event) {
	if s.Log == nil {
		return
	}
	s.Log.Info("ledger event", slog.String("event", e.Name()), slog.Any("fields", e))
}

// Cap on events a MemorySink retains before the oldest are dropped.
const memorySinkCap = 1024

// MemorySink retains the most recent events in order, for tests and the
// read endpoint. A zero cap means unbounded.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

func NewMemorySink() *MemorySink { return &MemorySink{cap: memorySinkCap} }

func (m *MemorySink) Emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if m.cap > 0 && len(m.events) > m.cap {
		m.events = append(m.events[:0], m.events[len(m.events)-m.cap:]...)
	}
}

// All returns a snapshot of the retained events.
func (m *MemorySink) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Tail returns at most n of the most recent events.
func (m *MemorySink) Tail(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	out := make([]Event, n)
	copy(out, m.events[len(m.events)-n:])
	return out
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
