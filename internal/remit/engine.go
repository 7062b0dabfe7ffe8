// Package remit implements the point-in-time remittance engine: quotes,
// escrow-backed and reference-only (FPS) remittances, owner-gated settlement
// and refunds.
package remit

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/strongfatTo/RemicoPay/internal/events"
	"github.com/strongfatTo/RemicoPay/internal/money"
	"github.com/strongfatTo/RemicoPay/internal/token"
)

// PaymentVerifier gates completion of reference-only remittances.
type PaymentVerifier interface {
	IsPaymentVerified(ref common.Hash) bool
}

// Quote is the frozen pricing of a prospective remittance.
type Quote struct {
	PHPAmount *big.Int
	Fee       *big.Int
	Rate      uint64
}

// Config wires an Engine.
type Config struct {
	HKDR     token.Token
	PHPC     token.Token
	Verifier PaymentVerifier
	Store    Store
	Events   events.Sink
	Log      *slog.Logger

	// Address is the engine's escrow account on the source-token ledger.
	Address common.Address
	// Owner may complete, refund and reconfigure.
	Owner common.Address

	ExchangeRate uint64
	FeeBps       uint32

	Now func() time.Time
}

// Engine holds remittance records and the engine-local pricing config. All
// state-mutating operations are serialized; each either fully applies or
// leaves no trace.
type Engine struct {
	mu sync.Mutex

	hkdr     token.Token
	phpc     token.Token
	verifier PaymentVerifier
	store    Store
	sink     events.Sink
	log      *slog.Logger

	addr  common.Address
	owner common.Address

	rate   uint64
	feeBps uint32

	now func() time.Time
}

// New validates the wiring the way the ledger constructor does: nil tokens,
// a zero rate or an out-of-range fee are rejected up front.
func New(cfg Config) (*Engine, error) {
	if cfg.HKDR == nil || cfg.PHPC == nil {
		return nil, ErrZeroAddress
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if cfg.ExchangeRate == 0 {
		return nil, ErrInvalidRate
	}
	if cfg.FeeBps > money.MaxFeeBps {
		return nil, ErrInvalidFee
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		hkdr:     cfg.HKDR,
		phpc:     cfg.PHPC,
		verifier: cfg.Verifier,
		store:    cfg.Store,
		sink:     cfg.Events,
		log:      cfg.Log,
		addr:     cfg.Address,
		owner:    cfg.Owner,
		rate:     cfg.ExchangeRate,
		feeBps:   cfg.FeeBps,
		now:      cfg.Now,
	}, nil
}

// Address returns the engine's escrow account.
func (e *Engine) Address() common.Address { return e.addr }

// ExchangeRate returns the rate applied to new remittances.
func (e *Engine) ExchangeRate() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// FeeBps returns the fee applied to new remittances.
func (e *Engine) FeeBps() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// GetQuote prices hkdAmount at the current config without touching state.
func (e *Engine) GetQuote(hkdAmount *big.Int) (Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quote(hkdAmount)
}

func (e *Engine) quote(hkdAmount *big.Int) (Quote, error) {
	if hkdAmount == nil || hkdAmount.Sign() == 0 {
		return Quote{}, ErrZeroAmount
	}
	fee := money.Fee(hkdAmount, e.feeBps)
	net := new(big.Int).Sub(hkdAmount, fee)
	return Quote{
		PHPAmount: money.Convert(net, e.rate),
		Fee:       fee,
		Rate:      e.rate,
	}, nil
}

// CreateRemittance pulls hkdAmount from sender into escrow and records a
// Pending remittance with the quote frozen in.
func (e *Engine) CreateRemittance(ctx context.Context, sender, recipient common.Address, hkdAmount *big.Int) (*Remittance, error) {
	return e.create(ctx, sender, recipient, hkdAmount, KindCustodied, common.Hash{})
}

// CreateRemittanceWithFPS records a remittance backed by an out-of-band bank
// transfer tagged with paymentRef. No funds are pulled; completion is gated
// on the payment verifier instead.
func (e *Engine) CreateRemittanceWithFPS(ctx context.Context, sender, recipient common.Address, hkdAmount *big.Int, paymentRef common.Hash) (*Remittance, error) {
	if paymentRef == (common.Hash{}) {
		return nil, ErrZeroReference
	}
	return e.create(ctx, sender, recipient, hkdAmount, KindReferenceOnly, paymentRef)
}

func (e *Engine) create(ctx context.Context, sender, recipient common.Address, hkdAmount *big.Int, kind Kind, ref common.Hash) (*Remittance, error) {
	if sender == (common.Address{}) || recipient == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.quote(hkdAmount)
	if err != nil {
		return nil, err
	}

	if kind == KindCustodied {
		if err := e.hkdr.TransferFrom(e.addr, sender, e.addr, hkdAmount); err != nil {
			return nil, fmt.Errorf("escrow pull: %w", err)
		}
	}

	rec := &Remittance{
		Kind:       kind,
		Sender:     sender,
		Recipient:  recipient,
		HKDAmount:  new(big.Int).Set(hkdAmount),
		PHPAmount:  q.PHPAmount,
		Fee:        q.Fee,
		LockedRate: q.Rate,
		PaymentRef: ref,
		CreatedAt:  e.now(),
		Status:     StatusPending,
	}
	id, err := e.store.Create(ctx, rec)
	if err != nil {
		if kind == KindCustodied {
			if rerr := e.hkdr.Transfer(e.addr, sender, hkdAmount); rerr != nil {
				e.log.Error("escrow rollback failed", slog.String("sender", sender.Hex()), slog.String("error", rerr.Error()))
			}
		}
		return nil, fmt.Errorf("store remittance: %w", err)
	}
	rec.ID = id

	e.emit(events.RemittanceCreated{
		ID:        rec.ID,
		Sender:    rec.Sender,
		Recipient: rec.Recipient,
		HKDAmount: rec.HKDAmount,
		PHPAmount: rec.PHPAmount,
		Fee:       rec.Fee,
		Rate:      rec.LockedRate,
	})
	e.log.Info("remittance created",
		slog.Uint64("id", rec.ID),
		slog.String("kind", rec.Kind.String()),
		slog.String("hkd", money.Format(rec.HKDAmount)),
		slog.String("php", money.Format(rec.PHPAmount)))
	return rec, nil
}

// GetRemittance loads a record by id.
func (e *Engine) GetRemittance(ctx context.Context, id uint64) (*Remittance, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRemittanceNotFound
	}
	return rec, nil
}

// CompleteRemittance settles a Pending remittance by minting the frozen
// target amount to the recipient. Owner only. Reference-only records
// additionally require their payment reference to be verified.
func (e *Engine) CompleteRemittance(ctx context.Context, caller common.Address, id uint64) (*Remittance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return nil, ErrNotOwner
	}
	return e.complete(ctx, id)
}

func (e *Engine) complete(ctx context.Context, id uint64) (*Remittance, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRemittanceNotFound
	}
	if rec.Status != StatusPending {
		return nil, ErrRemittanceNotPending
	}
	if rec.Kind == KindReferenceOnly {
		if e.verifier == nil || !e.verifier.IsPaymentVerified(rec.PaymentRef) {
			return nil, ErrPaymentNotVerified
		}
	}

	rec.Status = StatusCompleted
	if err := e.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update remittance: %w", err)
	}
	if err := e.phpc.Mint(e.addr, rec.Recipient, rec.PHPAmount); err != nil {
		rec.Status = StatusPending
		if uerr := e.store.Update(ctx, rec); uerr != nil {
			e.log.Error("status rollback failed", slog.Uint64("id", id), slog.String("error", uerr.Error()))
		}
		return nil, fmt.Errorf("mint target token: %w", err)
	}

	e.emit(events.RemittanceCompleted{ID: rec.ID, Recipient: rec.Recipient, PHPAmount: rec.PHPAmount})
	e.log.Info("remittance completed", slog.Uint64("id", rec.ID), slog.String("php", money.Format(rec.PHPAmount)))
	return rec, nil
}

// RefundRemittance returns escrowed funds to the sender. Owner only.
// Reference-only records never escrowed anything and are rejected.
func (e *Engine) RefundRemittance(ctx context.Context, caller common.Address, id uint64) (*Remittance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return nil, ErrNotOwner
	}
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRemittanceNotFound
	}
	if rec.Status != StatusPending {
		return nil, ErrRemittanceNotPending
	}
	if rec.Kind == KindReferenceOnly {
		return nil, ErrNotCustodied
	}

	rec.Status = StatusRefunded
	if err := e.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update remittance: %w", err)
	}
	if err := e.hkdr.Transfer(e.addr, rec.Sender, rec.HKDAmount); err != nil {
		rec.Status = StatusPending
		if uerr := e.store.Update(ctx, rec); uerr != nil {
			e.log.Error("status rollback failed", slog.Uint64("id", id), slog.String("error", uerr.Error()))
		}
		return nil, fmt.Errorf("return escrow: %w", err)
	}

	e.emit(events.RemittanceRefunded{ID: rec.ID, Sender: rec.Sender, HKDAmount: rec.HKDAmount})
	e.log.Info("remittance refunded", slog.Uint64("id", rec.ID), slog.String("hkd", money.Format(rec.HKDAmount)))
	return rec, nil
}

// CompleteAllPending sweeps every Pending remittance in id order and attempts
// completion. Records that cannot settle (unverified references) are skipped
// and reported. Owner only.
func (e *Engine) CompleteAllPending(ctx context.Context, caller common.Address) (completed, skipped []uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return nil, nil, ErrNotOwner
	}
	ids, err := e.store.PendingIDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if _, cerr := e.complete(ctx, id); cerr != nil {
			skipped = append(skipped, id)
			e.log.Warn("sweep skipped remittance", slog.Uint64("id", id), slog.String("reason", cerr.Error()))
			continue
		}
		completed = append(completed, id)
	}
	return completed, skipped, nil
}

// SetExchangeRate updates the rate for subsequent remittances. Owner only.
// Existing records keep their locked rate.
func (e *Engine) SetExchangeRate(caller common.Address, rate uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrNotOwner
	}
	if rate == 0 {
		return ErrInvalidRate
	}
	old := e.rate
	e.rate = rate
	e.emit(events.ExchangeRateUpdated{Old: old, New: rate})
	return nil
}

// SetFeeBps updates the fee for subsequent remittances. Owner only.
func (e *Engine) SetFeeBps(caller common.Address, bps uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrNotOwner
	}
	if bps > money.MaxFeeBps {
		return ErrInvalidFee
	}
	old := e.feeBps
	e.feeBps = bps
	e.emit(events.FeeBpsUpdated{Old: old, New: bps})
	return nil
}

// SetPaymentVerifier swaps the registry consulted for reference-only
// completions. Owner only; nil detaches the gate entirely, blocking all
// reference-only completions.
func (e *Engine) SetPaymentVerifier(caller common.Address, v PaymentVerifier) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrNotOwner
	}
	e.verifier = v
	return nil
}

// NextRemitID reports how many remittances have been created.
func (e *Engine) NextRemitID(ctx context.Context) (uint64, error) {
	return e.store.NextID(ctx)
}

func (e *Engine) emit(ev events.Event) {
	if e.sink != nil {
		e.sink.Emit(ev)
	}
}
