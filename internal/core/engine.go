package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"VaultLedger/internal/access"
	"VaultLedger/internal/clock"
	"VaultLedger/internal/event"
	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/staking"
	"VaultLedger/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrReentrantCall rejects a mutating operation for an account that
	// already has one in flight. Callers retry; the engine never queues a
	// second mutation for the same account.
	ErrReentrantCall = errors.New("reentrant call")

	ErrInvalidAmount  = errors.New("invalid amount")
	ErrUnknownReserve = errors.New("unknown reserve")
)

// Reserve names accepted by EmergencyWithdraw. The collateral and stake
// vaults are excluded: draining them would break the conservation
// invariants the engine enforces after every operation.
const (
	ReserveDebt   = "debt"
	ReserveReward = "reward"
)

// Engine is the single-writer loop owning all ledger state. Every mutation
// and every read is a command executed on the loop goroutine, so the
// lending ledger and the staking engine never see concurrent access.
type Engine struct {
	lending *lending.Ledger
	staking *staking.Engine
	clock   clock.Clock
	gate    access.Gate

	reserves map[string]token.Transfer

	metrics *observability.Metrics
	log     zerolog.Logger

	sequence int64
	commands chan command

	persistChan chan<- *event.Notification
	publishChan chan<- *event.Notification

	// Admission guard: at most one in-flight mutating operation per
	// account. Guarded by mu because admission happens on caller
	// goroutines, before the command reaches the loop.
	mu       sync.Mutex
	inFlight map[uuid.UUID]bool

	conservationEvery time.Duration
}

// Config wires an Engine.
type Config struct {
	Lending *lending.Ledger
	Staking *staking.Engine
	Clock   clock.Clock
	Gate    access.Gate

	// DebtReserve and RewardReserve are the vaults EmergencyWithdraw may
	// drain.
	DebtReserve   token.Transfer
	RewardReserve token.Transfer

	// StartSequence seeds the notification sequence, normally the highest
	// durable sequence plus one.
	StartSequence int64

	// PersistChan receives every applied notification with a blocking
	// send: the loop stalls rather than lose an audit row. PublishChan is
	// best-effort, full buffers drop. Either may be nil.
	PersistChan chan<- *event.Notification
	PublishChan chan<- *event.Notification

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// ConservationEvery sets the periodic invariant sweep. Zero defaults
	// to one minute. Every mutation is checked inline regardless.
	ConservationEvery time.Duration
}

func NewEngine(cfg Config) *Engine {
	every := cfg.ConservationEvery
	if every <= 0 {
		every = time.Minute
	}
	return &Engine{
		lending: cfg.Lending,
		staking: cfg.Staking,
		clock:   cfg.Clock,
		gate:    cfg.Gate,
		reserves: map[string]token.Transfer{
			ReserveDebt:   cfg.DebtReserve,
			ReserveReward: cfg.RewardReserve,
		},
		metrics:           cfg.Metrics,
		log:               cfg.Logger,
		sequence:          cfg.StartSequence,
		commands:          make(chan command, 256),
		persistChan:       cfg.PersistChan,
		publishChan:       cfg.PublishChan,
		inFlight:          make(map[uuid.UUID]bool),
		conservationEvery: every,
	}
}

type result struct {
	value any
	err   error
}

type command struct {
	op     string
	mutate bool
	fn     func() (any, error)
	reply  chan result
}

// Run executes commands until ctx is cancelled. It must be running for any
// engine method to return.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.conservationEvery)
	defer ticker.Stop()

	e.log.Info().Int64("start_sequence", e.sequence).Msg("engine loop started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Int64("sequence", e.sequence).Msg("engine loop stopped")
			return ctx.Err()
		case cmd := <-e.commands:
			e.execute(cmd)
		case <-ticker.C:
			e.checkInvariants()
		}
	}
}

func (e *Engine) execute(cmd command) {
	start := time.Now()
	value, err := cmd.fn()
	cmd.reply <- result{value: value, err: err}

	if !cmd.mutate {
		return
	}

	if err != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(cmd.op, reasonFor(err)).Inc()
		}
		e.log.Warn().Str("op", cmd.op).Err(err).Msg("operation rejected")
		return
	}

	e.checkInvariants()
	e.refreshGauges()

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(cmd.op).Inc()
		e.metrics.OpDuration.WithLabelValues(cmd.op).Observe(time.Since(start).Seconds())
		e.metrics.Sequence.Set(float64(e.sequence))
	}
}

// stamp assigns identity, sequence and time to a freshly applied
// notification and hands it to the output channels. Called from op
// closures on the loop goroutine, after the ledger committed.
func (e *Engine) stamp(note *event.Notification) *event.Notification {
	note.ID = uuid.New()
	note.Sequence = e.sequence
	note.Timestamp = e.clock.Now()
	e.sequence++

	if e.persistChan != nil {
		// Blocking send: the audit trail takes backpressure over loss.
		select {
		case e.persistChan <- note:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- note
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- note:
		default:
			// Subscribers can rebuild from the audit log.
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	e.log.Info().
		Str("op", note.Type.String()).
		Int64("sequence", note.Sequence).
		Str("account", note.Account.String()).
		Str("amount", note.Amount.String()).
		Msg("operation applied")

	return note
}

func (e *Engine) checkInvariants() {
	if err := e.lending.CheckConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	if err := e.staking.CheckConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
}

func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.TotalCollateral.Set(fixedpoint.ToFloat(e.lending.TotalCollateral()))
	e.metrics.TotalDebt.Set(fixedpoint.ToFloat(e.lending.TotalDebt()))
	e.metrics.PoolLiquidity.Set(fixedpoint.ToFloat(e.lending.PoolLiquidity()))
	e.metrics.SeizedCollateral.Set(fixedpoint.ToFloat(e.lending.SeizedCollateral()))
	e.metrics.TotalStaked.Set(fixedpoint.ToFloat(e.staking.TotalStaked()))
}

// submit runs fn on the loop goroutine and waits for the result.
func (e *Engine) submit(ctx context.Context, op string, mutate bool, fn func() (any, error)) (any, error) {
	cmd := command{op: op, mutate: mutate, fn: fn, reply: make(chan result, 1)}
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// mutateOp admits at most one concurrent mutation per account, then runs
// the operation on the loop.
func (e *Engine) mutateOp(ctx context.Context, op string, account uuid.UUID, fn func() (*event.Notification, error)) (*event.Notification, error) {
	e.mu.Lock()
	if e.inFlight[account] {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: account %s", ErrReentrantCall, account)
	}
	e.inFlight[account] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, account)
		e.mu.Unlock()
	}()

	value, err := e.submit(ctx, op, true, func() (any, error) {
		note, err := fn()
		if err != nil {
			return nil, err
		}
		return e.stamp(note), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*event.Notification), nil
}

// --- Lending operations ---

func (e *Engine) DepositCollateral(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "deposit_collateral", account, func() (*event.Notification, error) {
		return e.lending.DepositCollateral(account, amount)
	})
}

func (e *Engine) Borrow(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "borrow", account, func() (*event.Notification, error) {
		return e.lending.Borrow(account, amount)
	})
}

func (e *Engine) Repay(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "repay", account, func() (*event.Notification, error) {
		return e.lending.Repay(account, amount)
	})
}

func (e *Engine) WithdrawCollateral(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "withdraw_collateral", account, func() (*event.Notification, error) {
		return e.lending.WithdrawCollateral(account, amount)
	})
}

func (e *Engine) Liquidate(ctx context.Context, caller, borrower uuid.UUID) (*event.Notification, error) {
	return e.mutateOp(ctx, "liquidate", borrower, func() (*event.Notification, error) {
		return e.lending.Liquidate(caller, borrower)
	})
}

func (e *Engine) SetPrice(ctx context.Context, caller uuid.UUID, price *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "set_price", caller, func() (*event.Notification, error) {
		return e.lending.SetPrice(caller, price)
	})
}

func (e *Engine) SetLTV(ctx context.Context, caller uuid.UUID, ltvPercent int64) (*event.Notification, error) {
	return e.mutateOp(ctx, "set_ltv", caller, func() (*event.Notification, error) {
		return e.lending.SetLTV(caller, ltvPercent)
	})
}

func (e *Engine) FundPool(ctx context.Context, caller uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "fund_pool", caller, func() (*event.Notification, error) {
		return e.lending.FundPool(caller, amount)
	})
}

// --- Staking operations ---

func (e *Engine) Stake(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "stake", account, func() (*event.Notification, error) {
		return e.staking.Stake(account, amount)
	})
}

func (e *Engine) StartCooldown(ctx context.Context, account uuid.UUID) (*event.Notification, error) {
	return e.mutateOp(ctx, "start_cooldown", account, func() (*event.Notification, error) {
		return e.staking.StartCooldown(account)
	})
}

func (e *Engine) Unstake(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "unstake", account, func() (*event.Notification, error) {
		return e.staking.Unstake(account, amount)
	})
}

func (e *Engine) ClaimRewards(ctx context.Context, account uuid.UUID) (*event.Notification, error) {
	note, err := e.mutateOp(ctx, "claim_rewards", account, func() (*event.Notification, error) {
		return e.staking.ClaimRewards(account)
	})
	if err == nil && e.metrics != nil {
		e.metrics.RewardsPaid.Inc()
	}
	return note, err
}

func (e *Engine) UpdateRewardRate(ctx context.Context, caller uuid.UUID, apyPercent int64) (*event.Notification, error) {
	return e.mutateOp(ctx, "update_reward_rate", caller, func() (*event.Notification, error) {
		return e.staking.UpdateRewardRate(caller, apyPercent)
	})
}

func (e *Engine) FundRewards(ctx context.Context, caller uuid.UUID, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "fund_rewards", caller, func() (*event.Notification, error) {
		return e.staking.FundRewards(caller, amount)
	})
}

// EmergencyWithdraw drains from a named reserve to the caller. Privileged,
// and limited to the debt and reward vaults.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller uuid.UUID, reserve string, amount *big.Int) (*event.Notification, error) {
	return e.mutateOp(ctx, "emergency_withdraw", caller, func() (*event.Notification, error) {
		if err := e.gate.RequirePrivileged(caller); err != nil {
			return nil, err
		}
		vault, ok := e.reserves[reserve]
		if !ok || vault == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownReserve, reserve)
		}
		if !fixedpoint.IsPositive(amount) {
			return nil, fmt.Errorf("%w: withdraw %s", ErrInvalidAmount, amount)
		}
		if err := vault.Push(caller, amount); err != nil {
			return nil, fmt.Errorf("push from %s reserve: %w", reserve, err)
		}
		return &event.Notification{
			Type:    event.TypeEmergencyWithdrawal,
			Account: caller,
			Amount:  fixedpoint.Clone(amount),
		}, nil
	})
}

// --- Read-only queries ---
//
// Reads run on the loop too: a query observes either all of an operation's
// effects or none of them.

func (e *Engine) AccountHealth(ctx context.Context, account uuid.UUID) (*big.Int, error) {
	v, err := e.submit(ctx, "account_health", false, func() (any, error) {
		return e.lending.AccountHealth(account), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (e *Engine) Position(ctx context.Context, account uuid.UUID) (lending.Position, error) {
	v, err := e.submit(ctx, "position", false, func() (any, error) {
		return e.lending.PositionOf(account), nil
	})
	if err != nil {
		return lending.Position{}, err
	}
	return v.(lending.Position), nil
}

func (e *Engine) Market(ctx context.Context) (lending.Market, error) {
	v, err := e.submit(ctx, "market", false, func() (any, error) {
		return e.lending.MarketState(), nil
	})
	if err != nil {
		return lending.Market{}, err
	}
	return v.(lending.Market), nil
}

func (e *Engine) StakerInfo(ctx context.Context, account uuid.UUID) (staking.UserInfo, error) {
	v, err := e.submit(ctx, "staker_info", false, func() (any, error) {
		return e.staking.UserInfoOf(account), nil
	})
	if err != nil {
		return staking.UserInfo{}, err
	}
	return v.(staking.UserInfo), nil
}

func (e *Engine) PendingRewards(ctx context.Context, account uuid.UUID) (*big.Int, error) {
	v, err := e.submit(ctx, "pending_rewards", false, func() (any, error) {
		return e.staking.PendingRewards(account), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (e *Engine) CurrentAPR(ctx context.Context) (*big.Int, error) {
	v, err := e.submit(ctx, "current_apr", false, func() (any, error) {
		return e.staking.CurrentAPR(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

// YearlyRewards estimates the reward payout for holding amount staked for a
// full year at the current rate.
func (e *Engine) YearlyRewards(ctx context.Context, amount *big.Int) (*big.Int, error) {
	v, err := e.submit(ctx, "yearly_rewards", false, func() (any, error) {
		return e.staking.YearlyRewards(amount), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

// LendingStats is the aggregate lending-side view.
type LendingStats struct {
	Price            *big.Int `json:"price"`
	LTVPercent       int64    `json:"ltv_percent"`
	TotalCollateral  *big.Int `json:"total_collateral"`
	TotalDebt        *big.Int `json:"total_debt"`
	PoolLiquidity    *big.Int `json:"pool_liquidity"`
	SeizedCollateral *big.Int `json:"seized_collateral"`
}

// ContractStats aggregates both subsystems in one consistent snapshot.
type ContractStats struct {
	Sequence int64             `json:"sequence"`
	Lending  LendingStats      `json:"lending"`
	Staking  staking.PoolStats `json:"staking"`
}

func (e *Engine) Stats(ctx context.Context) (ContractStats, error) {
	v, err := e.submit(ctx, "stats", false, func() (any, error) {
		market := e.lending.MarketState()
		return ContractStats{
			Sequence: e.sequence,
			Lending: LendingStats{
				Price:            market.Price,
				LTVPercent:       market.LTVPercent,
				TotalCollateral:  e.lending.TotalCollateral(),
				TotalDebt:        e.lending.TotalDebt(),
				PoolLiquidity:    e.lending.PoolLiquidity(),
				SeizedCollateral: e.lending.SeizedCollateral(),
			},
			Staking: e.staking.Stats(),
		}, nil
	})
	if err != nil {
		return ContractStats{}, err
	}
	return v.(ContractStats), nil
}

// reasonFor maps an operation error onto a low-cardinality metrics label.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, ErrUnknownReserve):
		return "unknown_reserve"
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, lending.ErrExceedsBorrowLimit):
		return "exceeds_borrow_limit"
	case errors.Is(err, lending.ErrInsufficientPoolLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, lending.ErrInsufficientDebtToRepay):
		return "insufficient_debt"
	case errors.Is(err, lending.ErrInsufficientCollateralAfterWithdrawal):
		return "withdrawal_breaks_ltv"
	case errors.Is(err, lending.ErrNotUndercollateralized):
		return "not_undercollateralized"
	case errors.Is(err, staking.ErrInsufficientStake):
		return "insufficient_stake"
	case errors.Is(err, staking.ErrNotInCooldown):
		return "not_in_cooldown"
	case errors.Is(err, staking.ErrCooldownNotFinished):
		return "cooldown_not_finished"
	case errors.Is(err, staking.ErrUnstakeWindowExpired):
		return "window_expired"
	case errors.Is(err, staking.ErrNoRewardsToClaim):
		return "no_rewards"
	case errors.Is(err, token.ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, token.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, token.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "invalid"
	}
}
