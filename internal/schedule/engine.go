// Package schedule implements the scheduled-remittance engine: future-dated
// transfers whose principal sits in the yield vault until execution, with
// accrued yield offsetting the fee.
package schedule

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
	"github.com/strongfatTo/RemicoPay/internal/vault"
)

// Quote is the live valuation of an active schedule. The conversion rate is
// NOT locked at creation; EstimatedPHP uses the rate in effect right now.
type Quote struct {
	CurrentValue   *big.Int
	EstimatedYield *big.Int
	BaseFee        *big.Int
	EffectiveFee   *big.Int
	EstimatedPHP   *big.Int
}

// Config wires an Engine.
type Config struct {
	HKDR  token.Token
	PHPC  token.Token
	Vault *vault.Vault
	Store Store

	Events events.Sink
	Log    *slog.Logger

	// Address is the engine's account on the source-token ledger; it holds
	// custody only transiently while moving funds in and out of the vault.
	Address  common.Address
	Owner    common.Address
	Treasury common.Address

	ExchangeRate uint64
	FeeBps       uint32

	// AutoRearm makes executing a recurring schedule create the next
	// occurrence by pulling the same principal from the sender, provided
	// allowance and balance permit. When off, re-arming is left to an
	// external scheduler calling ScheduleRemittance again.
	AutoRearm bool

	Now func() time.Time
}

// Engine manages schedules. All state-mutating operations are serialized.
type Engine struct {
	mu sync.Mutex

	hkdr  token.Token
	phpc  token.Token
	vault *vault.Vault
	store Store
	sink  events.Sink
	log   *slog.Logger

	addr     common.Address
	owner    common.Address
	treasury common.Address

	rate      uint64
	feeBps    uint32
	autoRearm bool

	now func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.HKDR == nil || cfg.PHPC == nil || cfg.Vault == nil {
		return nil, ErrZeroAddress
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) || cfg.Treasury == (common.Address{}) {
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
		hkdr:      cfg.HKDR,
		phpc:      cfg.PHPC,
		vault:     cfg.Vault,
		store:     cfg.Store,
		sink:      cfg.Events,
		log:       cfg.Log,
		addr:      cfg.Address,
		owner:     cfg.Owner,
		treasury:  cfg.Treasury,
		rate:      cfg.ExchangeRate,
		feeBps:    cfg.FeeBps,
		autoRearm: cfg.AutoRearm,
		now:       cfg.Now,
	}, nil
}

// Address returns the engine's token-ledger account.
func (e *Engine) Address() common.Address { return e.addr }

// ExchangeRate returns the rate applied at execution time.
func (e *Engine) ExchangeRate() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// FeeBps returns the base fee applied at execution time.
func (e *Engine) FeeBps() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// ScheduleRemittance pulls hkdAmount from sender, deposits it into the vault
// and records a Scheduled transfer for scheduledDate.
func (e *Engine) ScheduleRemittance(ctx context.Context, sender, recipient common.Address, hkdAmount *big.Int, scheduledDate time.Time, isRecurring bool, recurringDay uint8) (*Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schedule(ctx, sender, recipient, hkdAmount, scheduledDate, isRecurring, recurringDay)
}

func (e *Engine) schedule(ctx context.Context, sender, recipient common.Address, hkdAmount *big.Int, scheduledDate time.Time, isRecurring bool, recurringDay uint8) (*Schedule, error) {
	if sender == (common.Address{}) || recipient == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if hkdAmount == nil || hkdAmount.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	now := e.now()
	if !scheduledDate.After(now) {
		return nil, ErrInvalidDate
	}
	if isRecurring && (recurringDay < 1 || recurringDay > 28) {
		return nil, ErrInvalidDay
	}

	if err := e.hkdr.TransferFrom(e.addr, sender, e.addr, hkdAmount); err != nil {
		return nil, fmt.Errorf("pull principal: %w", err)
	}
	if err := e.hkdr.Approve(e.addr, e.vault.Address(), hkdAmount); err != nil {
		return nil, fmt.Errorf("approve vault: %w", err)
	}
	shares, err := e.vault.Deposit(e.addr, hkdAmount)
	if err != nil {
		if rerr := e.hkdr.Transfer(e.addr, sender, hkdAmount); rerr != nil {
			e.log.Error("principal rollback failed", slog.String("sender", sender.Hex()), slog.String("error", rerr.Error()))
		}
		return nil, fmt.Errorf("vault deposit: %w", err)
	}

	rec := &Schedule{
		Sender:        sender,
		Recipient:     recipient,
		HKDAmount:     new(big.Int).Set(hkdAmount),
		VaultShares:   shares,
		ScheduledDate: scheduledDate,
		CreatedAt:     now,
		IsRecurring:   isRecurring,
		RecurringDay:  recurringDay,
		Status:        StatusScheduled,
	}
	id, err := e.store.Create(ctx, rec)
	if err != nil {
		if assets, rerr := e.vault.Redeem(e.addr, shares); rerr == nil {
			if terr := e.hkdr.Transfer(e.addr, sender, assets); terr != nil {
				e.log.Error("principal rollback failed", slog.String("sender", sender.Hex()), slog.String("error", terr.Error()))
			}
		}
		return nil, fmt.Errorf("store schedule: %w", err)
	}
	rec.ID = id

	e.emit(events.ScheduleCreated{
		ID:            rec.ID,
		Sender:        rec.Sender,
		Recipient:     rec.Recipient,
		HKDAmount:     rec.HKDAmount,
		VaultShares:   rec.VaultShares,
		ScheduledDate: rec.ScheduledDate,
		IsRecurring:   rec.IsRecurring,
	})
	e.log.Info("schedule created",
		slog.Uint64("id", rec.ID),
		slog.String("hkd", money.Format(rec.HKDAmount)),
		slog.Time("scheduled_date", rec.ScheduledDate),
		slog.Bool("recurring", rec.IsRecurring))
	return rec, nil
}

// GetSchedule loads a record by id.
func (e *Engine) GetSchedule(ctx context.Context, id uint64) (*Schedule, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrScheduleNotFound
	}
	return rec, nil
}

// GetScheduleQuote values an active schedule at the live share price.
// Accrued yield offsets the base fee, floored at zero; it never pays out
// beyond the fee.
func (e *Engine) GetScheduleQuote(ctx context.Context, id uint64) (Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	if rec == nil {
		return Quote{}, ErrScheduleNotFound
	}
	if rec.Status != StatusScheduled {
		return Quote{}, ErrAlreadyExecutedOrCancelled
	}
	return e.valueSchedule(rec, e.vault.ValueOf(rec.VaultShares)), nil
}

func (e *Engine) valueSchedule(rec *Schedule, currentValue *big.Int) Quote {
	yield := new(big.Int).Sub(currentValue, rec.HKDAmount)
	if yield.Sign() < 0 {
		yield.SetInt64(0)
	}
	baseFee := money.Fee(rec.HKDAmount, e.feeBps)
	effectiveFee := new(big.Int).Sub(baseFee, yield)
	if effectiveFee.Sign() < 0 {
		effectiveFee.SetInt64(0)
	}
	net := new(big.Int).Sub(currentValue, effectiveFee)
	return Quote{
		CurrentValue:   currentValue,
		EstimatedYield: yield,
		BaseFee:        baseFee,
		EffectiveFee:   effectiveFee,
		EstimatedPHP:   money.Convert(net, e.rate),
	}
}

// ExecuteRemittance settles a due schedule: redeems all vault shares, routes
// the yield-offset fee to the treasury and mints target currency to the
// recipient at the rate in effect now. Open to any caller (keeper pattern).
func (e *Engine) ExecuteRemittance(ctx context.Context, id uint64) (*Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrScheduleNotFound
	}
	if rec.Status != StatusScheduled {
		return nil, ErrAlreadyExecutedOrCancelled
	}
	now := e.now()
	if now.Before(rec.ScheduledDate) {
		return nil, ErrTooEarly
	}

	rec.Status = StatusExecuted
	if err := e.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	assets, err := e.vault.Redeem(e.addr, rec.VaultShares)
	if err != nil {
		e.rollbackStatus(ctx, rec, StatusScheduled)
		return nil, fmt.Errorf("redeem shares: %w", err)
	}

	q := e.valueSchedule(rec, assets)
	if q.EffectiveFee.Sign() > 0 {
		if err := e.hkdr.Transfer(e.addr, e.treasury, q.EffectiveFee); err != nil {
			e.compensateRedeem(rec, assets)
			e.rollbackStatus(ctx, rec, StatusScheduled)
			return nil, fmt.Errorf("route fee: %w", err)
		}
	}
	if err := e.phpc.Mint(e.addr, rec.Recipient, q.EstimatedPHP); err != nil {
		if q.EffectiveFee.Sign() > 0 {
			if terr := e.hkdr.Transfer(e.treasury, e.addr, q.EffectiveFee); terr != nil {
				e.log.Error("fee compensation failed", slog.Uint64("id", id), slog.String("error", terr.Error()))
			}
		}
		e.compensateRedeem(rec, assets)
		e.rollbackStatus(ctx, rec, StatusScheduled)
		return nil, fmt.Errorf("mint target token: %w", err)
	}

	e.emit(events.ScheduleExecuted{
		ID:           rec.ID,
		Recipient:    rec.Recipient,
		PHPAmount:    q.EstimatedPHP,
		EffectiveFee: q.EffectiveFee,
		Yield:        q.EstimatedYield,
	})
	e.log.Info("schedule executed",
		slog.Uint64("id", rec.ID),
		slog.String("php", money.Format(q.EstimatedPHP)),
		slog.String("yield", money.Format(q.EstimatedYield)),
		slog.String("effective_fee", money.Format(q.EffectiveFee)))

	if rec.IsRecurring && e.autoRearm {
		e.rearm(ctx, rec, now)
	}
	return rec, nil
}

// rearm attempts to create the next occurrence of a recurring schedule by
// pulling the same principal from the sender. Missing allowance or balance
// is not an error: the occurrence is skipped and left to an external
// scheduler.
func (e *Engine) rearm(ctx context.Context, prev *Schedule, now time.Time) {
	next := nextOccurrence(prev.RecurringDay, now)
	rec, err := e.schedule(ctx, prev.Sender, prev.Recipient, prev.HKDAmount, next, true, prev.RecurringDay)
	if err != nil {
		e.log.Warn("recurring re-arm skipped",
			slog.Uint64("id", prev.ID),
			slog.String("reason", err.Error()))
		return
	}
	e.log.Info("recurring schedule re-armed",
		slog.Uint64("prev_id", prev.ID),
		slog.Uint64("id", rec.ID),
		slog.Time("scheduled_date", next))
}

// nextOccurrence finds the first day-of-month occurrence strictly after now.
// Days are capped at 28, so every month qualifies.
func nextOccurrence(day uint8, now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), int(day), 0, 0, 0, 0, time.UTC)
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}

// CancelSchedule redeems the shares and returns the original principal to
// the sender; any redeemed surplus beyond the principal goes to the
// treasury. Sender only.
func (e *Engine) CancelSchedule(ctx context.Context, caller common.Address, id uint64) (*Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrScheduleNotFound
	}
	if caller != rec.Sender {
		return nil, ErrNotSender
	}
	if rec.Status != StatusScheduled {
		return nil, ErrAlreadyExecutedOrCancelled
	}

	rec.Status = StatusCancelled
	if err := e.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	assets, err := e.vault.Redeem(e.addr, rec.VaultShares)
	if err != nil {
		e.rollbackStatus(ctx, rec, StatusScheduled)
		return nil, fmt.Errorf("redeem shares: %w", err)
	}

	refund := new(big.Int).Set(rec.HKDAmount)
	if assets.Cmp(refund) < 0 {
		refund.Set(assets)
	}
	surplus := new(big.Int).Sub(assets, refund)

	if err := e.hkdr.Transfer(e.addr, rec.Sender, refund); err != nil {
		e.compensateRedeem(rec, assets)
		e.rollbackStatus(ctx, rec, StatusScheduled)
		return nil, fmt.Errorf("return principal: %w", err)
	}
	if surplus.Sign() > 0 {
		if err := e.hkdr.Transfer(e.addr, e.treasury, surplus); err != nil {
			e.log.Error("surplus routing failed", slog.Uint64("id", id), slog.String("error", err.Error()))
		}
	}

	e.emit(events.ScheduleCancelled{ID: rec.ID, Sender: rec.Sender, Amount: refund})
	e.log.Info("schedule cancelled", slog.Uint64("id", rec.ID), slog.String("refund", money.Format(refund)))
	return rec, nil
}

// DueIDs lists schedules ready for execution, for keepers.
func (e *Engine) DueIDs(ctx context.Context) ([]uint64, error) {
	return e.store.DueIDs(ctx, e.now())
}

// SetExchangeRate updates the execution-time rate. Owner only; this engine's
// pricing is deliberately independent from the immediate engine's.
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

// SetFeeBps updates the execution-time base fee. Owner only.
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

func (e *Engine) rollbackStatus(ctx context.Context, rec *Schedule, st Status) {
	rec.Status = st
	if err := e.store.Update(ctx, rec); err != nil {
		e.log.Error("status rollback failed", slog.Uint64("id", rec.ID), slog.String("error", err.Error()))
	}
}

// compensateRedeem re-deposits redeemed assets after a downstream failure so
// the schedule's claim on the vault is restored. Share rounding may shift by
// a unit; the updated share count is written back to the record.
func (e *Engine) compensateRedeem(rec *Schedule, assets *big.Int) {
	if err := e.hkdr.Approve(e.addr, e.vault.Address(), assets); err != nil {
		e.log.Error("redeem compensation failed", slog.Uint64("id", rec.ID), slog.String("error", err.Error()))
		return
	}
	shares, err := e.vault.Deposit(e.addr, assets)
	if err != nil {
		e.log.Error("redeem compensation failed", slog.Uint64("id", rec.ID), slog.String("error", err.Error()))
		return
	}
	rec.VaultShares = shares
}

func (e *Engine) emit(ev events.Event) {
	if e.sink != nil {
		e.sink.Emit(ev)
	}
}
