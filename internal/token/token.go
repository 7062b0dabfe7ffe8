// Package token provides the two unit-of-account tokens the engines settle
// against. The engines only depend on the Token capability; Ledger is the
// in-process implementation used for local deployments and tests.
package token

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/strongfatTo/RemicoPay/internal/money"
)

var (
	ErrZeroAddress           = errors.New("zero address")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNotMinter             = errors.New("caller is not a minter")
	ErrNegativeAmount        = errors.New("negative amount")
	ErrFaucetCooldown        = errors.New("faucet cooldown active")
)

// Token is the fungible-value capability the engines require.
type Token interface {
	BalanceOf(addr common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	// TransferFrom moves from's funds on behalf of spender, consuming allowance.
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
	Approve(owner, spender common.Address, amount *big.Int) error
	Allowance(owner, spender common.Address) *big.Int
	// Mint creates new supply; only the authorized minter may call it.
	Mint(caller, to common.Address, amount *big.Int) error
}

const (
	// FaucetAmount matches the source-token faucet: 10,000 whole tokens.
	faucetUnits    = 10_000
	FaucetCooldown = time.Hour
)

// Ledger is an in-process fungible-value registry with allowances, a single
// authorized minter, and an optional faucet.
type Ledger struct {
	symbol string

	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	minters    map[common.Address]bool
	faucetLast map[common.Address]time.Time

	now func() time.Time
}

// NewLedger creates an empty ledger for the given symbol.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:     symbol,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		minters:    make(map[common.Address]bool),
		faucetLast: make(map[common.Address]time.Time),
		now:        time.Now,
	}
}

// AddMinter grants minting rights to addr. Both remittance engines hold the
// role on the target token.
func (l *Ledger) AddMinter(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minters[addr] = true
}

// SetNow overrides the clock, for cooldown tests.
func (l *Ledger) SetNow(now func() time.Time) { l.now = now }

func (l *Ledger) Symbol() string { return l.symbol }

func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender != from {
		allowed := l.allowance(from, spender)
		if allowed.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		if err := l.transfer(from, to, amount); err != nil {
			return err
		}
		l.allowances[from][spender] = allowed.Sub(allowed, amount)
		return nil
	}
	return l.transfer(from, to, amount)
}

func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.allowance(owner, spender))
}

func (l *Ledger) Mint(caller, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if !l.minters[caller] {
		return ErrNotMinter
	}
	l.credit(to, amount)
	return nil
}

// Faucet mints the faucet amount to the caller, at most once per cooldown.
func (l *Ledger) Faucet(caller common.Address) (*big.Int, error) {
	if caller == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.faucetLast[caller]; ok && now.Sub(last) < FaucetCooldown {
		return nil, ErrFaucetCooldown
	}
	amount := money.FromUnits(faucetUnits)
	l.credit(caller, amount)
	l.faucetLast[caller] = now
	return amount, nil
}

func (l *Ledger) allowance(owner, spender common.Address) *big.Int {
	if m := l.allowances[owner]; m != nil {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}

func (l *Ledger) transfer(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(to common.Address, amount *big.Int) {
	if b, ok := l.balances[to]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[to] = new(big.Int).Set(amount)
}

// AddressFor derives a stable synthetic address for an in-process actor
// (engine, vault, treasury) from its name.
func AddressFor(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(name))[12:])
}
