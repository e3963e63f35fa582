package staking

import (
	"errors"
	"math/big"
	"time"

	"VaultLedger/internal/fixedpoint"

	"github.com/google/uuid"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInsufficientStake    = errors.New("insufficient stake")
	ErrNotInCooldown        = errors.New("cooldown not started")
	ErrCooldownNotFinished  = errors.New("cooldown not finished")
	ErrUnstakeWindowExpired = errors.New("unstake window expired")
	ErrNoRewardsToClaim     = errors.New("no rewards to claim")
)

const (
	// SecondsPerYear uses a 365-day year for rate derivation.
	SecondsPerYear int64 = 365 * 24 * 3600

	// CooldownPeriod is the mandatory wait between arming an unstake intent
	// and being allowed to withdraw principal.
	CooldownPeriod = 7 * 24 * time.Hour

	// UnstakeWindow is the grace period after the cooldown during which the
	// withdrawal must happen; past it the cooldown must be re-armed.
	UnstakeWindow = 24 * time.Hour

	DefaultAPYPercent int64 = 10
	MinAPYPercent     int64 = 1
	MaxAPYPercent     int64 = 100
)

// RatePerSecond derives the per-second per-staked-unit reward rate from a
// whole-percent annual yield: apy * 1e18 / secondsPerYear / 100.
func RatePerSecond(apyPercent int64) *big.Int {
	r := new(big.Int).Mul(big.NewInt(apyPercent), fixedpoint.WAD)
	r.Quo(r, big.NewInt(SecondsPerYear))
	r.Quo(r, big.NewInt(100))
	return r
}

// Pool is the singleton accumulator state shared by all stakers.
type Pool struct {
	TotalStaked *big.Int

	// AccRewardPerShare is the monotonic reward-per-share accumulator,
	// WAD-scaled. It lets each account settle its yield in O(1) without
	// iterating stakers.
	AccRewardPerShare *big.Int

	LastUpdate    time.Time
	RatePerSecond *big.Int
	APYPercent    int64
}

// accNow folds elapsed time into the accumulator without mutating it.
// With nothing staked the stored value is returned unchanged — no rewards
// can accrue against an empty pool.
func (p *Pool) accNow(now time.Time) *big.Int {
	acc := fixedpoint.Clone(p.AccRewardPerShare)
	if p.TotalStaked.Sign() == 0 {
		return acc
	}
	elapsed := now.Unix() - p.LastUpdate.Unix()
	if elapsed <= 0 {
		return acc
	}
	// The rate is per staked unit, so the accumulator advances by
	// elapsed * rate independent of pool size: each staker's share of the
	// emission scales with its stake by construction.
	delta := new(big.Int).Mul(big.NewInt(elapsed), p.RatePerSecond)
	return acc.Add(acc, delta)
}

// Account is one staker's bookkeeping record. Created on first stake,
// never deleted.
type Account struct {
	Account uuid.UUID

	Staked *big.Int

	// RewardDebt snapshots staked * accRewardPerShare / 1e18 at the last
	// settlement; the difference against the live accumulator is the
	// yield accrued since.
	RewardDebt *big.Int

	// PendingRewards is settled, claimable yield.
	PendingRewards *big.Int

	CooldownActive bool
	CooldownStart  time.Time
	LastStakeTime  time.Time
}

// pendingAt returns the account's claimable rewards at the given
// accumulator reading, without mutating anything.
func (a *Account) pendingAt(acc *big.Int) *big.Int {
	pending := fixedpoint.Clone(a.PendingRewards)
	if a.Staked.Sign() == 0 {
		return pending
	}
	accrued := fixedpoint.WadMul(a.Staked, acc)
	accrued.Sub(accrued, a.RewardDebt)
	return pending.Add(pending, accrued)
}
