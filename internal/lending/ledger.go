package lending

import (
	"fmt"
	"math/big"

	"VaultLedger/internal/access"
	"VaultLedger/internal/event"
	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/token"

	"github.com/google/uuid"
)

// HealthInfinity is the sentinel returned by AccountHealth for debt-free
// positions: max uint256, the value an EVM contract would report.
var HealthInfinity = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Position tracks one account's collateral and debt. Positions are created
// implicitly on first deposit and never destroyed — zero balances persist
// as tombstones.
type Position struct {
	Account    uuid.UUID
	Collateral *big.Int
	Debt       *big.Int
}

// Ledger is the CollateralLedger: per-account collateral and debt
// bookkeeping, loan-to-value enforcement, solvency computation and
// liquidation. It is not safe for concurrent use — the engine loop
// serializes all access.
//
// Every operation is atomic: checks run first, then at most one token
// movement, then the state commit. A failed check or transfer leaves state
// exactly as it was.
type Ledger struct {
	collateral token.Transfer
	debt       token.Transfer
	gate       access.Gate

	market    Market
	positions map[uuid.UUID]*Position

	// seized accumulates collateral retained from liquidations. It stays
	// custodied by the ledger with no payout path — a recorded MVP
	// simplification, not an oversight.
	seized *big.Int
}

func NewLedger(
	collateral, debt token.Transfer,
	gate access.Gate,
	initialPrice *big.Int,
	ltvPercent int64,
) (*Ledger, error) {
	if err := validatePrice(initialPrice); err != nil {
		return nil, err
	}
	if err := validateLTV(ltvPercent); err != nil {
		return nil, err
	}
	return &Ledger{
		collateral: collateral,
		debt:       debt,
		gate:       gate,
		market: Market{
			Price:      fixedpoint.Clone(initialPrice),
			LTVPercent: ltvPercent,
		},
		positions: make(map[uuid.UUID]*Position),
		seized:    new(big.Int),
	}, nil
}

func (l *Ledger) position(account uuid.UUID) *Position {
	pos, ok := l.positions[account]
	if !ok {
		pos = &Position{
			Account:    account,
			Collateral: new(big.Int),
			Debt:       new(big.Int),
		}
		l.positions[account] = pos
	}
	return pos
}

// DepositCollateral pulls amount of collateral token from the account and
// credits its position. Deposits need no risk check — they only increase
// safety.
func (l *Ledger) DepositCollateral(account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}

	if err := l.collateral.Pull(account, amount); err != nil {
		return nil, fmt.Errorf("pull collateral: %w", err)
	}

	pos := l.position(account)
	pos.Collateral.Add(pos.Collateral, amount)

	return &event.Notification{
		Type:    event.TypeCollateralDeposited,
		Account: account,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// Borrow issues amount of debt token against the account's collateral.
// The position must stay within maxBorrowable = collateralValue * ltv / 100
// and the ledger must actually hold the liquidity being lent out.
func (l *Ledger) Borrow(account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: borrow %s", ErrInvalidAmount, amount)
	}

	pos, ok := l.positions[account]
	if !ok || pos.Collateral.Sign() == 0 {
		return nil, fmt.Errorf("%w: no collateral deposited", ErrInsufficientCollateral)
	}

	maxBorrowable := l.market.maxBorrowable(pos.Collateral)
	newDebt := new(big.Int).Add(pos.Debt, amount)
	if newDebt.Cmp(maxBorrowable) > 0 {
		return nil, fmt.Errorf("%w: debt %s would exceed limit %s",
			ErrExceedsBorrowLimit, newDebt, maxBorrowable)
	}

	if l.debt.Held().Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: pool holds %s, need %s",
			ErrInsufficientPoolLiquidity, l.debt.Held(), amount)
	}

	pos.Debt.Set(newDebt)

	if err := l.debt.Push(account, amount); err != nil {
		// Liquidity was pre-checked; if the push still fails, restore the
		// prior debt so the operation has no partial effect.
		pos.Debt.Sub(pos.Debt, amount)
		return nil, fmt.Errorf("push debt token: %w", err)
	}

	return &event.Notification{
		Type:    event.TypeLoanTaken,
		Account: account,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// Repay pulls amount of debt token from the account and reduces its debt.
// Repayment is pure principal reduction — no interest is modeled.
func (l *Ledger) Repay(account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: repay %s", ErrInvalidAmount, amount)
	}

	pos, ok := l.positions[account]
	if !ok || amount.Cmp(pos.Debt) > 0 {
		return nil, fmt.Errorf("%w: repay %s exceeds outstanding debt",
			ErrInsufficientDebtToRepay, amount)
	}

	if err := l.debt.Pull(account, amount); err != nil {
		return nil, fmt.Errorf("pull repayment: %w", err)
	}

	pos.Debt.Sub(pos.Debt, amount)

	return &event.Notification{
		Type:    event.TypeLoanRepaid,
		Account: account,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// WithdrawCollateral releases amount of collateral back to the account.
// If debt is outstanding, the remaining collateral must still cover it at
// the current ratio: remaining * price / 1e18 >= debt * 100 / ltv.
func (l *Ledger) WithdrawCollateral(account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: withdraw %s", ErrInvalidAmount, amount)
	}

	pos, ok := l.positions[account]
	if !ok || amount.Cmp(pos.Collateral) > 0 {
		return nil, fmt.Errorf("%w: withdraw %s exceeds collateral balance",
			ErrInsufficientCollateral, amount)
	}

	remaining := new(big.Int).Sub(pos.Collateral, amount)
	if pos.Debt.Sign() > 0 {
		remainingValue := l.market.collateralValue(remaining)
		required := fixedpoint.MulDiv(pos.Debt, hundred, big.NewInt(l.market.LTVPercent))
		if remainingValue.Cmp(required) < 0 {
			return nil, fmt.Errorf("%w: remaining value %s < required %s",
				ErrInsufficientCollateralAfterWithdrawal, remainingValue, required)
		}
	}

	prev := fixedpoint.Clone(pos.Collateral)
	pos.Collateral.Set(remaining)

	if err := l.collateral.Push(account, amount); err != nil {
		pos.Collateral.Set(prev)
		return nil, fmt.Errorf("push collateral: %w", err)
	}

	return &event.Notification{
		Type:    event.TypeCollateralWithdrawn,
		Account: account,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// Liquidate seizes a strictly undercollateralized position. LTV headroom is
// not sufficient grounds — only outright insolvency (collateral value below
// debt) is. Both balances are zeroed; the seized collateral is retained by
// the ledger. Privileged.
func (l *Ledger) Liquidate(caller, borrower uuid.UUID) (*event.Notification, error) {
	if err := l.gate.RequirePrivileged(caller); err != nil {
		return nil, err
	}

	pos, ok := l.positions[borrower]
	if !ok || pos.Collateral.Sign() == 0 || pos.Debt.Sign() == 0 {
		return nil, fmt.Errorf("%w: no active loan for %s", ErrNotUndercollateralized, borrower)
	}

	collateralValue := l.market.collateralValue(pos.Collateral)
	if collateralValue.Cmp(pos.Debt) >= 0 {
		return nil, fmt.Errorf("%w: collateral value %s covers debt %s",
			ErrNotUndercollateralized, collateralValue, pos.Debt)
	}

	seizedAmount := fixedpoint.Clone(pos.Collateral)
	clearedDebt := fixedpoint.Clone(pos.Debt)

	l.seized.Add(l.seized, pos.Collateral)
	pos.Collateral.SetInt64(0)
	pos.Debt.SetInt64(0)

	return &event.Notification{
		Type:         event.TypeLiquidated,
		Account:      borrower,
		Counterparty: &caller,
		Amount:       seizedAmount,
		DebtCleared:  clearedDebt,
	}, nil
}

// SetPrice updates the oracle price. Privileged.
func (l *Ledger) SetPrice(caller uuid.UUID, price *big.Int) (*event.Notification, error) {
	if err := l.gate.RequirePrivileged(caller); err != nil {
		return nil, err
	}
	if err := validatePrice(price); err != nil {
		return nil, err
	}

	l.market.Price = fixedpoint.Clone(price)

	return &event.Notification{
		Type:    event.TypePriceUpdated,
		Account: caller,
		Amount:  fixedpoint.Clone(price),
	}, nil
}

// SetLTV updates the loan-to-value ceiling. Privileged. Existing positions
// are not re-checked — the invariant binds at the moment debt increases or
// collateral decreases.
func (l *Ledger) SetLTV(caller uuid.UUID, ltvPercent int64) (*event.Notification, error) {
	if err := l.gate.RequirePrivileged(caller); err != nil {
		return nil, err
	}
	if err := validateLTV(ltvPercent); err != nil {
		return nil, err
	}

	l.market.LTVPercent = ltvPercent

	return &event.Notification{
		Type:    event.TypeLTVUpdated,
		Account: caller,
		Amount:  big.NewInt(ltvPercent),
	}, nil
}

// FundPool pulls debt-token liquidity from the caller into ledger custody
// so it can be lent out. Privileged.
func (l *Ledger) FundPool(caller uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if err := l.gate.RequirePrivileged(caller); err != nil {
		return nil, err
	}
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: fund %s", ErrInvalidAmount, amount)
	}

	if err := l.debt.Pull(caller, amount); err != nil {
		return nil, fmt.Errorf("pull funding: %w", err)
	}

	return &event.Notification{
		Type:    event.TypePoolFunded,
		Account: caller,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// AccountHealth returns the position's risk-adjusted health factor:
// collateralValue * ltv * 1e18 / (100 * debt). A result below 1e18 signals
// a liquidatable position. Debt-free positions report HealthInfinity.
func (l *Ledger) AccountHealth(account uuid.UUID) *big.Int {
	pos, ok := l.positions[account]
	if !ok || pos.Debt.Sign() == 0 {
		return fixedpoint.Clone(HealthInfinity)
	}

	num := l.market.collateralValue(pos.Collateral)
	num.Mul(num, big.NewInt(l.market.LTVPercent))
	num.Mul(num, fixedpoint.WAD)
	den := new(big.Int).Mul(hundred, pos.Debt)
	return num.Quo(num, den)
}

// PositionOf returns a copy of the account's position.
func (l *Ledger) PositionOf(account uuid.UUID) Position {
	pos, ok := l.positions[account]
	if !ok {
		return Position{Account: account, Collateral: new(big.Int), Debt: new(big.Int)}
	}
	return Position{
		Account:    account,
		Collateral: fixedpoint.Clone(pos.Collateral),
		Debt:       fixedpoint.Clone(pos.Debt),
	}
}

// MarketState returns a copy of the current market configuration.
func (l *Ledger) MarketState() Market {
	return Market{
		Price:      fixedpoint.Clone(l.market.Price),
		LTVPercent: l.market.LTVPercent,
	}
}

// PoolLiquidity returns the debt token currently held and lendable.
func (l *Ledger) PoolLiquidity() *big.Int {
	return l.debt.Held()
}

// TotalCollateral sums collateral across all positions.
func (l *Ledger) TotalCollateral() *big.Int {
	total := new(big.Int)
	for _, pos := range l.positions {
		total.Add(total, pos.Collateral)
	}
	return total
}

// TotalDebt sums outstanding debt across all positions.
func (l *Ledger) TotalDebt() *big.Int {
	total := new(big.Int)
	for _, pos := range l.positions {
		total.Add(total, pos.Debt)
	}
	return total
}

// SeizedCollateral returns the liquidation remainder custodied by the ledger.
func (l *Ledger) SeizedCollateral() *big.Int {
	return fixedpoint.Clone(l.seized)
}

// CheckConservation verifies that the collateral token held by the vault
// equals the sum of all position balances plus the seized remainder.
func (l *Ledger) CheckConservation() error {
	expected := l.TotalCollateral()
	expected.Add(expected, l.seized)
	held := l.collateral.Held()
	if held.Cmp(expected) != 0 {
		return fmt.Errorf("collateral conservation violated: vault holds %s, ledger accounts for %s",
			held, expected)
	}
	return nil
}
