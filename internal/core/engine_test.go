package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"VaultLedger/internal/access"
	"VaultLedger/internal/clock"
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/staking"
	"VaultLedger/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fixture wires a running engine with all four vaults and drains the
// persistence channel into a slice for assertions.
type fixture struct {
	collateral *token.Vault
	debt       *token.Vault
	stake      *token.Vault
	reward     *token.Vault
	owner      uuid.UUID
	clk        *clock.Manual
	engine     *core.Engine
	persisted  chan *event.Notification
	ctx        context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	collateral := token.NewVault("BTC")
	debt := token.NewVault("USD")
	stake := token.NewVault("STK")
	reward := token.NewVault("RWD")
	owner := uuid.New()
	gate := access.NewOwnerGate(owner)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	ledger, err := lending.NewLedger(collateral, debt, gate, fixedpoint.FromUnits(50_000), 50)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	staker, err := staking.NewEngine(stake, reward, gate, clk, staking.DefaultAPYPercent)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	persisted := make(chan *event.Notification, 1024)

	engine := core.NewEngine(core.Config{
		Lending:       ledger,
		Staking:       staker,
		Clock:         clk,
		Gate:          gate,
		DebtReserve:   debt,
		RewardReserve: reward,
		PersistChan:   persisted,
		Logger:        zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	f := &fixture{
		collateral: collateral,
		debt:       debt,
		stake:      stake,
		reward:     reward,
		owner:      owner,
		clk:        clk,
		engine:     engine,
		persisted:  persisted,
		ctx:        ctx,
	}

	// Seed the lending pool and the reward reserve.
	poolFunds := fixedpoint.FromUnits(1_000_000)
	if err := debt.Mint(owner, poolFunds); err != nil {
		t.Fatal(err)
	}
	if err := debt.Approve(owner, poolFunds); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.FundPool(ctx, owner, poolFunds); err != nil {
		t.Fatalf("FundPool: %v", err)
	}
	reserve := fixedpoint.FromUnits(100_000)
	if err := reward.Mint(owner, reserve); err != nil {
		t.Fatal(err)
	}
	if err := reward.Approve(owner, reserve); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.FundRewards(ctx, owner, reserve); err != nil {
		t.Fatalf("FundRewards: %v", err)
	}

	return f
}

func TestEngine_LendingRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	ctx := f.ctx

	collateral := fixedpoint.FromUnits(1)
	if err := f.collateral.Mint(alice, collateral); err != nil {
		t.Fatal(err)
	}
	if err := f.collateral.Approve(alice, collateral); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.DepositCollateral(ctx, alice, collateral); err != nil {
		t.Fatalf("DepositCollateral: %v", err)
	}

	borrow := fixedpoint.FromUnits(20_000)
	if _, err := f.engine.Borrow(ctx, alice, borrow); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if got := f.debt.BalanceOf(alice); got.Cmp(borrow) != 0 {
		t.Errorf("borrowed balance = %s, want %s", got, borrow)
	}

	if err := f.debt.Approve(alice, borrow); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Repay(ctx, alice, borrow); err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if _, err := f.engine.WithdrawCollateral(ctx, alice, collateral); err != nil {
		t.Fatalf("WithdrawCollateral: %v", err)
	}
	if got := f.collateral.BalanceOf(alice); got.Cmp(collateral) != 0 {
		t.Errorf("returned collateral = %s, want %s", got, collateral)
	}
}

func TestEngine_StampsMonotonicSequence(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	ctx := f.ctx

	amount := fixedpoint.FromUnits(10)
	if err := f.stake.Mint(alice, amount); err != nil {
		t.Fatal(err)
	}
	if err := f.stake.Approve(alice, amount); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Stake(ctx, alice, amount); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	var notes []*event.Notification
	for len(f.persisted) > 0 {
		notes = append(notes, <-f.persisted)
	}
	if len(notes) < 3 {
		t.Fatalf("persisted %d notifications, want at least 3 (fund pool, fund rewards, stake)", len(notes))
	}
	for i, n := range notes {
		if n.Sequence != int64(i) {
			t.Errorf("notification %d has sequence %d", i, n.Sequence)
		}
		if n.ID == uuid.Nil {
			t.Errorf("notification %d has no ID", i)
		}
		if n.Timestamp.IsZero() {
			t.Errorf("notification %d has no timestamp", i)
		}
	}
	last := notes[len(notes)-1]
	if last.Type != event.TypeStaked {
		t.Errorf("last notification type = %v, want %v", last.Type, event.TypeStaked)
	}
}

func TestEngine_RejectedOpEmitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := f.ctx
	drain(f.persisted)

	_, err := f.engine.Borrow(ctx, uuid.New(), fixedpoint.FromUnits(100))
	if !errors.Is(err, lending.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if n := len(f.persisted); n != 0 {
		t.Errorf("rejected op persisted %d notifications", n)
	}
}

func TestEngine_ReentrantCallRejected(t *testing.T) {
	// An engine whose loop is not running admits a first command (it
	// queues) and must reject a second for the same account.
	collateral := token.NewVault("BTC")
	debt := token.NewVault("USD")
	stakeVault := token.NewVault("STK")
	reward := token.NewVault("RWD")
	owner := uuid.New()
	gate := access.NewOwnerGate(owner)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	ledger, err := lending.NewLedger(collateral, debt, gate, fixedpoint.FromUnits(50_000), 50)
	if err != nil {
		t.Fatal(err)
	}
	staker, err := staking.NewEngine(stakeVault, reward, gate, clk, staking.DefaultAPYPercent)
	if err != nil {
		t.Fatal(err)
	}
	engine := core.NewEngine(core.Config{
		Lending: ledger, Staking: staker, Clock: clk, Gate: gate,
		DebtReserve: debt, RewardReserve: reward, Logger: zerolog.Nop(),
	})

	alice := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.DepositCollateral(ctx, alice, fixedpoint.FromUnits(1))
		firstDone <- err
	}()

	// Wait until the first call is admitted and parked on its reply.
	deadline := time.After(2 * time.Second)
	for {
		_, err := engine.DepositCollateral(ctx, alice, fixedpoint.FromUnits(1))
		if errors.Is(err, core.ErrReentrantCall) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second call never saw ErrReentrantCall")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Errorf("parked call returned %v, want context.Canceled", err)
	}
}

func TestEngine_EmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := f.ctx

	amount := fixedpoint.FromUnits(500)
	note, err := f.engine.EmergencyWithdraw(ctx, f.owner, core.ReserveReward, amount)
	if err != nil {
		t.Fatalf("EmergencyWithdraw: %v", err)
	}
	if note.Type != event.TypeEmergencyWithdrawal {
		t.Errorf("type = %v, want %v", note.Type, event.TypeEmergencyWithdrawal)
	}
	if got := f.reward.BalanceOf(f.owner); got.Cmp(amount) != 0 {
		t.Errorf("owner reward balance = %s, want %s", got, amount)
	}
}

func TestEngine_EmergencyWithdraw_UnknownReserve(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.EmergencyWithdraw(f.ctx, f.owner, "collateral", fixedpoint.FromUnits(1))
	if !errors.Is(err, core.ErrUnknownReserve) {
		t.Errorf("expected ErrUnknownReserve, got %v", err)
	}
}

func TestEngine_EmergencyWithdraw_Unprivileged(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.EmergencyWithdraw(f.ctx, uuid.New(), core.ReserveDebt, fixedpoint.FromUnits(1))
	if !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestEngine_StatsAggregatesBothSides(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	ctx := f.ctx

	collateral := fixedpoint.FromUnits(2)
	if err := f.collateral.Mint(alice, collateral); err != nil {
		t.Fatal(err)
	}
	if err := f.collateral.Approve(alice, collateral); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.DepositCollateral(ctx, alice, collateral); err != nil {
		t.Fatal(err)
	}

	staked := fixedpoint.FromUnits(25)
	if err := f.stake.Mint(alice, staked); err != nil {
		t.Fatal(err)
	}
	if err := f.stake.Approve(alice, staked); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Stake(ctx, alice, staked); err != nil {
		t.Fatal(err)
	}

	stats, err := f.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Lending.TotalCollateral.Cmp(collateral) != 0 {
		t.Errorf("TotalCollateral = %s, want %s", stats.Lending.TotalCollateral, collateral)
	}
	if stats.Lending.PoolLiquidity.Cmp(fixedpoint.FromUnits(1_000_000)) != 0 {
		t.Errorf("PoolLiquidity = %s, want 1Me18", stats.Lending.PoolLiquidity)
	}
	if stats.Staking.TotalStaked.Cmp(staked) != 0 {
		t.Errorf("TotalStaked = %s, want %s", stats.Staking.TotalStaked, staked)
	}
	if stats.Lending.LTVPercent != 50 {
		t.Errorf("LTVPercent = %d, want 50", stats.Lending.LTVPercent)
	}
}

func TestEngine_HealthQueryThroughLoop(t *testing.T) {
	f := newFixture(t)
	h, err := f.engine.AccountHealth(f.ctx, uuid.New())
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	if h.Cmp(lending.HealthInfinity) != 0 {
		t.Errorf("health for debt-free account = %s, want HealthInfinity", h)
	}
}

func drain(ch chan *event.Notification) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
