// Package vault implements a deposit/redeem yield vault over the
// source-currency token. Depositors receive proportional shares; injected
// yield raises totalAssets without minting shares, so the share price only
// moves up absent withdrawals.
package vault

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/strongfatTo/RemicoPay/internal/token"
)

var (
	ErrZeroAssets         = errors.New("zero assets")
	ErrZeroShares         = errors.New("zero shares")
	ErrInsufficientShares = errors.New("insufficient shares")
)

// Vault pools source-token deposits and tracks per-holder share balances.
type Vault struct {
	asset token.Token
	addr  common.Address

	mu          sync.Mutex
	totalShares *big.Int
	totalAssets *big.Int
	shares      map[common.Address]*big.Int
}

// New creates an empty vault over the given asset token. addr is the vault's
// account on that token's ledger.
func New(asset token.Token, addr common.Address) *Vault {
	return &Vault{
		asset:       asset,
		addr:        addr,
		totalShares: new(big.Int),
		totalAssets: new(big.Int),
		shares:      make(map[common.Address]*big.Int),
	}
}

// Address returns the vault's token-ledger account.
func (v *Vault) Address() common.Address { return v.addr }

// Deposit pulls assets from the caller (requires prior approval) and issues
// shares. The first deposit prices shares 1:1; later deposits are priced at
// shares = assets * totalShares / totalAssets, rounded down in the vault's
// favor.
func (v *Vault) Deposit(caller common.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAssets
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	minted := new(big.Int).Set(assets)
	if v.totalShares.Sign() > 0 {
		minted.Mul(assets, v.totalShares)
		minted.Div(minted, v.totalAssets)
	}
	if minted.Sign() == 0 {
		return nil, ErrZeroShares
	}

	if err := v.asset.TransferFrom(v.addr, caller, v.addr, assets); err != nil {
		return nil, err
	}

	v.totalShares.Add(v.totalShares, minted)
	v.totalAssets.Add(v.totalAssets, assets)
	v.creditShares(caller, minted)
	return minted, nil
}

// Redeem burns the caller's shares and pays out the proportional assets.
func (v *Vault) Redeem(caller common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroShares
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.shares[caller]
	if held == nil || held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	assets := new(big.Int).Mul(shares, v.totalAssets)
	assets.Div(assets, v.totalShares)

	held.Sub(held, shares)
	v.totalShares.Sub(v.totalShares, shares)
	v.totalAssets.Sub(v.totalAssets, assets)

	if err := v.asset.Transfer(v.addr, caller, assets); err != nil {
		// Roll the burn back so a failed payout never strands value.
		held.Add(held, shares)
		v.totalShares.Add(v.totalShares, shares)
		v.totalAssets.Add(v.totalAssets, assets)
		return nil, err
	}
	return assets, nil
}

// AddYield pulls assets from the caller into the pool without minting shares.
// Every outstanding share becomes worth proportionally more.
func (v *Vault) AddYield(caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAssets
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.asset.TransferFrom(v.addr, caller, v.addr, amount); err != nil {
		return err
	}
	v.totalAssets.Add(v.totalAssets, amount)
	return nil
}

// ValueOf prices a share count at the current share price without redeeming.
func (v *Vault) ValueOf(shares *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if shares == nil || v.totalShares.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(shares, v.totalAssets)
	return out.Div(out, v.totalShares)
}

// SharesOf reports a holder's share balance.
func (v *Vault) SharesOf(holder common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.shares[holder]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Totals reports (totalShares, totalAssets).
func (v *Vault) Totals() (*big.Int, *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalShares), new(big.Int).Set(v.totalAssets)
}

func (v *Vault) creditShares(holder common.Address, amount *big.Int) {
	if s, ok := v.shares[holder]; ok {
		s.Add(s, amount)
		return
	}
	v.shares[holder] = new(big.Int).Set(amount)
}
