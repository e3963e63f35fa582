package lending

import (
	"errors"
	"fmt"
	"math/big"

	"VaultLedger/internal/fixedpoint"
)

var (
	ErrInvalidAmount                         = errors.New("invalid amount")
	ErrInvalidConfiguration                  = errors.New("invalid configuration")
	ErrInsufficientCollateral                = errors.New("insufficient collateral")
	ErrExceedsBorrowLimit                    = errors.New("borrow exceeds LTV limit")
	ErrInsufficientPoolLiquidity             = errors.New("insufficient pool liquidity")
	ErrInsufficientDebtToRepay               = errors.New("repay exceeds outstanding debt")
	ErrInsufficientCollateralAfterWithdrawal = errors.New("remaining collateral would not cover debt")
	ErrNotUndercollateralized                = errors.New("position is not undercollateralized")
)

// LTV bounds, percent. The loan-to-value ratio must stay in (0, 80].
const (
	MinLTVPercent int64 = 1
	MaxLTVPercent int64 = 80
)

var hundred = big.NewInt(100)

// Market is the singleton configuration of the collateral ledger: the oracle
// price of one collateral unit in debt units (WAD-scaled) and the
// loan-to-value ceiling. Both are read fresh on every operation — there is
// no snapshotting across calls.
type Market struct {
	Price      *big.Int
	LTVPercent int64
}

func validatePrice(price *big.Int) error {
	if !fixedpoint.IsPositive(price) {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidConfiguration, price)
	}
	return nil
}

func validateLTV(ltv int64) error {
	if ltv < MinLTVPercent || ltv > MaxLTVPercent {
		return fmt.Errorf("%w: ltv must be in [%d, %d], got %d",
			ErrInvalidConfiguration, MinLTVPercent, MaxLTVPercent, ltv)
	}
	return nil
}

// collateralValue returns amount * price / 1e18 in debt units.
func (m Market) collateralValue(amount *big.Int) *big.Int {
	return fixedpoint.WadMul(amount, m.Price)
}

// maxBorrowable returns collateralValue * ltv / 100.
func (m Market) maxBorrowable(collateral *big.Int) *big.Int {
	return fixedpoint.MulDiv(m.collateralValue(collateral), big.NewInt(m.LTVPercent), hundred)
}
