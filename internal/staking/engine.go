package staking

import (
	"fmt"
	"math/big"
	"time"

	"VaultLedger/internal/access"
	"VaultLedger/internal/clock"
	"VaultLedger/internal/event"
	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/token"

	"github.com/google/uuid"
)

// Engine is the RewardAccrualEngine: per-account staked balances,
// continuous yield via the reward-per-share accumulator, and the
// cooldown/unstake-window state machine guarding principal withdrawal.
// Not safe for concurrent use — the engine loop serializes all access.
//
// Settlement (folding the accumulator and the account's pending rewards)
// happens strictly before any balance-changing effect, and both commit as
// one indivisible step: an aborted operation leaves neither applied.
type Engine struct {
	stake  token.Transfer
	reward token.Transfer
	gate   access.Gate
	clock  clock.Clock

	pool     Pool
	accounts map[uuid.UUID]*Account
}

func NewEngine(
	stake, reward token.Transfer,
	gate access.Gate,
	clk clock.Clock,
	apyPercent int64,
) (*Engine, error) {
	if apyPercent < MinAPYPercent || apyPercent > MaxAPYPercent {
		return nil, fmt.Errorf("%w: apy must be in [%d, %d], got %d",
			ErrInvalidConfiguration, MinAPYPercent, MaxAPYPercent, apyPercent)
	}
	return &Engine{
		stake:  stake,
		reward: reward,
		gate:   gate,
		clock:  clk,
		pool: Pool{
			TotalStaked:       new(big.Int),
			AccRewardPerShare: new(big.Int),
			LastUpdate:        clk.Now(),
			RatePerSecond:     RatePerSecond(apyPercent),
			APYPercent:        apyPercent,
		},
		accounts: make(map[uuid.UUID]*Account),
	}, nil
}

func (e *Engine) account(id uuid.UUID) *Account {
	acc, ok := e.accounts[id]
	if !ok {
		acc = &Account{
			Account:        id,
			Staked:         new(big.Int),
			RewardDebt:     new(big.Int),
			PendingRewards: new(big.Int),
		}
		e.accounts[id] = acc
	}
	return acc
}

// settlement is the precomputed result of folding the accumulator and one
// account's pending rewards at a clock reading. It is applied only after
// every check and token movement of the surrounding operation succeeded,
// so an aborted operation observes no half-settled state.
type settlement struct {
	now     time.Time
	acc     *big.Int
	pending *big.Int
}

func (e *Engine) settle(a *Account) settlement {
	now := e.clock.Now()
	acc := e.pool.accNow(now)
	return settlement{
		now:     now,
		acc:     acc,
		pending: a.pendingAt(acc),
	}
}

// commit applies a settlement plus the account's new staked balance.
func (e *Engine) commit(a *Account, s settlement, newStaked *big.Int) {
	e.pool.AccRewardPerShare = s.acc
	e.pool.LastUpdate = s.now

	a.PendingRewards = s.pending
	a.Staked = newStaked
	a.RewardDebt = fixedpoint.WadMul(newStaked, s.acc)
}

// Stake pulls amount of staking token and credits the account. Staking
// cancels any in-flight unstake intent.
func (e *Engine) Stake(account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: stake %s", ErrInvalidAmount, amount)
	}

	a := e.account(account)
	s := e.settle(a)

	if err := e.stake.Pull(account, amount); err != nil {
		return nil, fmt.Errorf("pull stake: %w", err)
	}

	e.commit(a, s, new(big.Int).Add(a.Staked, amount))
	e.pool.TotalStaked.Add(e.pool.TotalStaked, amount)
	a.LastStakeTime = s.now
	a.CooldownActive = false
	a.CooldownStart = time.Time{}

	return &event.Notification{
		Type:    event.TypeStaked,
		Account: account,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// StartCooldown arms the unstake intent. Principal becomes withdrawable
// after CooldownPeriod, for the duration of UnstakeWindow.
func (e *Engine) StartCooldown(account uuid.UUID) (*event.Notification, error) {
	a := e.account(account)
	s := e.settle(a)

	if a.Staked.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing staked", ErrInsufficientStake)
	}

	e.commit(a, s, a.Staked)
	a.CooldownActive = true
	a.CooldownStart = s.now

	return &event.Notification{
		Type:    event.TypeCooldownStarted,
		Account: account,
		Amount:  fixedpoint.Clone(a.Staked),
	}, nil
}

// Unstake withdraws principal inside the unstake window. amount == 0 means
// "everything". The cooldown is cleared after any successful unstake, full
// or partial — a second withdrawal requires re-arming.
func (e *Engine) Unstake(account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: unstake %s", ErrInvalidAmount, amount)
	}

	a := e.account(account)
	s := e.settle(a)

	if !a.CooldownActive {
		return nil, ErrNotInCooldown
	}
	windowOpen := a.CooldownStart.Add(CooldownPeriod)
	windowClose := windowOpen.Add(UnstakeWindow)
	if s.now.Before(windowOpen) {
		return nil, fmt.Errorf("%w: withdrawable at %s", ErrCooldownNotFinished, windowOpen)
	}
	if s.now.After(windowClose) {
		return nil, fmt.Errorf("%w: window closed at %s, restart cooldown", ErrUnstakeWindowExpired, windowClose)
	}

	if amount.Sign() == 0 {
		amount = fixedpoint.Clone(a.Staked)
	}
	if amount.Sign() == 0 || amount.Cmp(a.Staked) > 0 {
		return nil, fmt.Errorf("%w: unstake %s against staked %s",
			ErrInsufficientStake, amount, a.Staked)
	}

	armedAt := a.CooldownStart
	e.commit(a, s, new(big.Int).Sub(a.Staked, amount))
	e.pool.TotalStaked.Sub(e.pool.TotalStaked, amount)
	a.CooldownActive = false
	a.CooldownStart = time.Time{}

	if err := e.stake.Push(account, amount); err != nil {
		// The vault holds exactly TotalStaked, so this cannot fail for a
		// consistent ledger; restore the prior balances if it does.
		e.pool.TotalStaked.Add(e.pool.TotalStaked, amount)
		e.commit(a, s, new(big.Int).Add(a.Staked, amount))
		a.CooldownActive = true
		a.CooldownStart = armedAt
		return nil, fmt.Errorf("push stake: %w", err)
	}

	return &event.Notification{
		Type:    event.TypeUnstaked,
		Account: account,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// ClaimRewards pays out the account's settled yield.
func (e *Engine) ClaimRewards(account uuid.UUID) (*event.Notification, error) {
	a := e.account(account)
	s := e.settle(a)

	if s.pending.Sign() == 0 {
		return nil, ErrNoRewardsToClaim
	}
	claimed := fixedpoint.Clone(s.pending)

	s.pending = new(big.Int)
	e.commit(a, s, a.Staked)

	if err := e.reward.Push(account, claimed); err != nil {
		a.PendingRewards = claimed
		return nil, fmt.Errorf("push rewards: %w", err)
	}

	return &event.Notification{
		Type:    event.TypeRewardsClaimed,
		Account: account,
		Amount:  claimed,
	}, nil
}

// UpdateRewardRate swaps the global APY. The accumulator is folded at the
// old rate first so past accrual is untouched. Privileged.
func (e *Engine) UpdateRewardRate(caller uuid.UUID, apyPercent int64) (*event.Notification, error) {
	if err := e.gate.RequirePrivileged(caller); err != nil {
		return nil, err
	}
	if apyPercent < MinAPYPercent || apyPercent > MaxAPYPercent {
		return nil, fmt.Errorf("%w: apy must be in [%d, %d], got %d",
			ErrInvalidConfiguration, MinAPYPercent, MaxAPYPercent, apyPercent)
	}

	now := e.clock.Now()
	e.pool.AccRewardPerShare = e.pool.accNow(now)
	e.pool.LastUpdate = now
	e.pool.RatePerSecond = RatePerSecond(apyPercent)
	e.pool.APYPercent = apyPercent

	return &event.Notification{
		Type:    event.TypeRewardRateUpdated,
		Account: caller,
		Amount:  big.NewInt(apyPercent),
	}, nil
}

// FundRewards pulls reward tokens from the caller into the reserve that
// ClaimRewards pays from. Privileged.
func (e *Engine) FundRewards(caller uuid.UUID, amount *big.Int) (*event.Notification, error) {
	if err := e.gate.RequirePrivileged(caller); err != nil {
		return nil, err
	}
	if !fixedpoint.IsPositive(amount) {
		return nil, fmt.Errorf("%w: fund %s", ErrInvalidAmount, amount)
	}

	if err := e.reward.Pull(caller, amount); err != nil {
		return nil, fmt.Errorf("pull reward funding: %w", err)
	}

	return &event.Notification{
		Type:    event.TypeRewardsFunded,
		Account: caller,
		Amount:  fixedpoint.Clone(amount),
	}, nil
}

// --- Read-only queries ---

// PendingRewards returns the account's claimable yield at the current
// clock reading. Pure: repeated calls without a clock advance or an
// intervening mutation return identical values.
func (e *Engine) PendingRewards(account uuid.UUID) *big.Int {
	a, ok := e.accounts[account]
	if !ok {
		return new(big.Int)
	}
	return a.pendingAt(e.pool.accNow(e.clock.Now()))
}

// AccRewardPerShare returns the live accumulator reading.
func (e *Engine) AccRewardPerShare() *big.Int {
	return e.pool.accNow(e.clock.Now())
}

// UserInfo aggregates one account's staking state.
type UserInfo struct {
	Account        uuid.UUID `json:"account"`
	Staked         *big.Int  `json:"staked"`
	PendingRewards *big.Int  `json:"pending_rewards"`
	CooldownActive bool      `json:"cooldown_active"`
	CooldownStart  time.Time `json:"cooldown_start,omitzero"`
	WindowOpen     time.Time `json:"window_open,omitzero"`
	WindowClose    time.Time `json:"window_close,omitzero"`
	CanUnstake     bool      `json:"can_unstake"`
}

func (e *Engine) UserInfoOf(account uuid.UUID) UserInfo {
	now := e.clock.Now()
	a, ok := e.accounts[account]
	if !ok {
		return UserInfo{
			Account:        account,
			Staked:         new(big.Int),
			PendingRewards: new(big.Int),
		}
	}

	info := UserInfo{
		Account:        account,
		Staked:         fixedpoint.Clone(a.Staked),
		PendingRewards: a.pendingAt(e.pool.accNow(now)),
		CooldownActive: a.CooldownActive,
	}
	if a.CooldownActive {
		info.CooldownStart = a.CooldownStart
		info.WindowOpen = a.CooldownStart.Add(CooldownPeriod)
		info.WindowClose = info.WindowOpen.Add(UnstakeWindow)
		info.CanUnstake = !now.Before(info.WindowOpen) && !now.After(info.WindowClose)
	}
	return info
}

// PoolStats is the aggregate pool view.
type PoolStats struct {
	TotalStaked       *big.Int  `json:"total_staked"`
	AccRewardPerShare *big.Int  `json:"acc_reward_per_share"`
	RatePerSecond     *big.Int  `json:"rate_per_second"`
	APYPercent        int64     `json:"apy_percent"`
	RewardReserve     *big.Int  `json:"reward_reserve"`
	LastUpdate        time.Time `json:"last_update"`
}

func (e *Engine) Stats() PoolStats {
	return PoolStats{
		TotalStaked:       fixedpoint.Clone(e.pool.TotalStaked),
		AccRewardPerShare: e.pool.accNow(e.clock.Now()),
		RatePerSecond:     fixedpoint.Clone(e.pool.RatePerSecond),
		APYPercent:        e.pool.APYPercent,
		RewardReserve:     e.reward.Held(),
		LastUpdate:        e.pool.LastUpdate,
	}
}

// YearlyRewards projects a year of yield on amount at the current rate:
// amount * rate * secondsPerYear / 1e18.
func (e *Engine) YearlyRewards(amount *big.Int) *big.Int {
	if !fixedpoint.IsPositive(amount) {
		return new(big.Int)
	}
	r := new(big.Int).Mul(amount, e.pool.RatePerSecond)
	r.Mul(r, big.NewInt(SecondsPerYear))
	return r.Quo(r, fixedpoint.WAD)
}

// CurrentAPR returns the annualized rate as a WAD-scaled percentage
// (10e18 ≈ 10%). Truncation in the rate derivation makes this land just
// below the configured whole-percent APY.
func (e *Engine) CurrentAPR() *big.Int {
	r := new(big.Int).Mul(e.pool.RatePerSecond, big.NewInt(SecondsPerYear))
	return r.Mul(r, big.NewInt(100))
}

// TotalStaked returns the pool-wide staked principal.
func (e *Engine) TotalStaked() *big.Int {
	return fixedpoint.Clone(e.pool.TotalStaked)
}

// CheckConservation verifies the stake vault holds exactly the pool's
// staked principal.
func (e *Engine) CheckConservation() error {
	held := e.stake.Held()
	if held.Cmp(e.pool.TotalStaked) != 0 {
		return fmt.Errorf("stake conservation violated: vault holds %s, pool records %s",
			held, e.pool.TotalStaked)
	}
	return nil
}
