package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"VaultLedger/internal/fixedpoint"

	"github.com/google/uuid"
)

var (
	// ErrTransferFailed is the umbrella for every value-movement failure;
	// the specific sentinels below all match it under errors.Is.
	ErrTransferFailed = errors.New("transfer failed")

	ErrInsufficientAllowance       = fmt.Errorf("%w: insufficient allowance", ErrTransferFailed)
	ErrInsufficientBalance         = fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	ErrInsufficientContractBalance = fmt.Errorf("%w: insufficient contract balance", ErrTransferFailed)
	ErrInvalidAmount               = errors.New("invalid amount")
)

// Transfer is the ValueTransfer collaborator: it moves one token
// denomination between an account and the system's custody, and reports
// balances. The engine never holds token logic itself — it only sequences
// calls against this interface and aborts the enclosing operation on any
// failure.
type Transfer interface {
	// Pull moves amount from the holder's balance into system custody.
	Pull(from uuid.UUID, amount *big.Int) error

	// Push moves amount out of system custody to the holder.
	Push(to uuid.UUID, amount *big.Int) error

	// BalanceOf returns the holder's free balance.
	BalanceOf(holder uuid.UUID) *big.Int

	// Held returns the amount currently custodied by the system.
	Held() *big.Int
}

// Vault is an in-memory Transfer implementation for one token denomination.
// Balances are WAD-scaled big integers keyed by account identity, mirroring
// an ERC20 with a single spender (the system): Approve grants the system a
// pull allowance, Pull consumes it.
type Vault struct {
	mu         sync.Mutex
	symbol     string
	balances   map[uuid.UUID]*big.Int
	allowances map[uuid.UUID]*big.Int
	held       *big.Int
}

func NewVault(symbol string) *Vault {
	return &Vault{
		symbol:     symbol,
		balances:   make(map[uuid.UUID]*big.Int),
		allowances: make(map[uuid.UUID]*big.Int),
		held:       new(big.Int),
	}
}

func (v *Vault) Symbol() string { return v.symbol }

// Mint credits freshly created tokens to an account.
func (v *Vault) Mint(to uuid.UUID, amount *big.Int) error {
	if !fixedpoint.IsPositive(amount) {
		return fmt.Errorf("%w: mint %s", ErrInvalidAmount, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(to, amount)
	return nil
}

// Approve grants the system permission to pull up to amount from the holder.
// A new approval overwrites any previous one.
func (v *Vault) Approve(from uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: approve %s", ErrInvalidAmount, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowances[from] = fixedpoint.Clone(amount)
	return nil
}

// Allowance returns the holder's remaining pull allowance.
func (v *Vault) Allowance(from uuid.UUID) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := v.allowances[from]; ok {
		return fixedpoint.Clone(a)
	}
	return new(big.Int)
}

func (v *Vault) Pull(from uuid.UUID, amount *big.Int) error {
	if !fixedpoint.IsPositive(amount) {
		return fmt.Errorf("%w: pull %s", ErrInvalidAmount, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	allowance := v.allowances[from]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has allowance %s, need %s",
			ErrInsufficientAllowance, from, allowance, amount)
	}
	balance := v.balances[from]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, need %s",
			ErrInsufficientBalance, from, balance, v.symbol, amount)
	}

	allowance.Sub(allowance, amount)
	balance.Sub(balance, amount)
	v.held.Add(v.held, amount)
	return nil
}

func (v *Vault) Push(to uuid.UUID, amount *big.Int) error {
	if !fixedpoint.IsPositive(amount) {
		return fmt.Errorf("%w: push %s", ErrInvalidAmount, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: system holds %s %s, need %s",
			ErrInsufficientContractBalance, v.held, v.symbol, amount)
	}
	v.held.Sub(v.held, amount)
	v.credit(to, amount)
	return nil
}

func (v *Vault) BalanceOf(holder uuid.UUID) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[holder]; ok {
		return fixedpoint.Clone(b)
	}
	return new(big.Int)
}

func (v *Vault) Held() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.Clone(v.held)
}

// credit must be called with the lock held.
func (v *Vault) credit(to uuid.UUID, amount *big.Int) {
	if b, ok := v.balances[to]; ok {
		b.Add(b, amount)
		return
	}
	v.balances[to] = fixedpoint.Clone(amount)
}
