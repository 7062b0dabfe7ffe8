package token

import (
	"errors"
	"testing"
	"time"

	"github.com/strongfatTo/RemicoPay/internal/money"
)

func TestTransferAndBalance(t *testing.T) {
	l := NewLedger("HKDR")
	alice := AddressFor("alice")
	bob := AddressFor("bobby")

	if _, err := l.Faucet(alice); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if err := l.Transfer(alice, bob, money.FromUnits(300)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf(bob); got.Cmp(money.FromUnits(300)) != 0 {
		t.Fatalf("bob balance: %s", got)
	}
	if got := l.BalanceOf(alice); got.Cmp(money.FromUnits(9700)) != 0 {
		t.Fatalf("alice balance: %s", got)
	}

	err := l.Transfer(alice, bob, money.FromUnits(1_000_000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance got %v", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := NewLedger("HKDR")
	alice := AddressFor("alice")
	spender := AddressFor("engine")
	sink := AddressFor("sink")

	if _, err := l.Faucet(alice); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if err := l.Approve(alice, spender, money.FromUnits(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := l.TransferFrom(spender, alice, sink, money.FromUnits(60)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance(alice, spender); got.Cmp(money.FromUnits(40)) != 0 {
		t.Fatalf("remaining allowance: %s", got)
	}

	err := l.TransferFrom(spender, alice, sink, money.FromUnits(41))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance got %v", err)
	}

	// self-spend needs no allowance
	if err := l.TransferFrom(alice, alice, sink, money.FromUnits(1)); err != nil {
		t.Fatalf("self transferFrom: %v", err)
	}
}

func TestMintRequiresRole(t *testing.T) {
	l := NewLedger("PHPC")
	engine := AddressFor("engine")
	other := AddressFor("other")
	to := AddressFor("recipient")

	err := l.Mint(engine, to, money.FromUnits(10))
	if !errors.Is(err, ErrNotMinter) {
		t.Fatalf("expected ErrNotMinter got %v", err)
	}

	l.AddMinter(engine)
	if err := l.Mint(engine, to, money.FromUnits(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := l.BalanceOf(to); got.Cmp(money.FromUnits(10)) != 0 {
		t.Fatalf("balance after mint: %s", got)
	}

	err = l.Mint(other, to, money.FromUnits(10))
	if !errors.Is(err, ErrNotMinter) {
		t.Fatalf("expected ErrNotMinter for unauthorized caller got %v", err)
	}
}

func TestFaucetCooldown(t *testing.T) {
	l := NewLedger("HKDR")
	alice := AddressFor("alice")

	now := time.Unix(1_700_000_000, 0)
	l.SetNow(func() time.Time { return now })

	amount, err := l.Faucet(alice)
	if err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if amount.Cmp(money.FromUnits(10_000)) != 0 {
		t.Fatalf("faucet amount: %s", amount)
	}

	if _, err := l.Faucet(alice); !errors.Is(err, ErrFaucetCooldown) {
		t.Fatalf("expected ErrFaucetCooldown got %v", err)
	}

	now = now.Add(FaucetCooldown)
	if _, err := l.Faucet(alice); err != nil {
		t.Fatalf("faucet after cooldown: %v", err)
	}
	if got := l.BalanceOf(alice); got.Cmp(money.FromUnits(20_000)) != 0 {
		t.Fatalf("balance after two faucets: %s", got)
	}
}

func TestAddressForIsDeterministic(t *testing.T) {
	a := AddressFor("alice")
	b := AddressFor("alice")
	if a != b {
		t.Fatalf("expected stable derivation")
	}
	if a == AddressFor("bobby") {
		t.Fatalf("expected distinct accounts for distinct names")
	}
	if a == (AddressFor("")) {
		t.Fatalf("expected named account to differ from empty name")
	}
}
