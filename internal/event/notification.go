package event

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Type discriminates notification payloads.
type Type int32

const (
	TypeUnknown Type = iota

	// CollateralLedger
	TypeCollateralDeposited
	TypeCollateralWithdrawn
	TypeLoanTaken
	TypeLoanRepaid
	TypePriceUpdated
	TypeLTVUpdated
	TypeLiquidated
	TypePoolFunded

	// RewardAccrualEngine
	TypeStaked
	TypeUnstaked
	TypeRewardsClaimed
	TypeCooldownStarted
	TypeRewardRateUpdated
	TypeRewardsFunded

	TypeEmergencyWithdrawal
)

func (t Type) String() string {
	switch t {
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case TypeLoanTaken:
		return "LoanTaken"
	case TypeLoanRepaid:
		return "LoanRepaid"
	case TypePriceUpdated:
		return "PriceUpdated"
	case TypeLTVUpdated:
		return "LTVUpdated"
	case TypeLiquidated:
		return "Liquidated"
	case TypePoolFunded:
		return "PoolFunded"
	case TypeStaked:
		return "Staked"
	case TypeUnstaked:
		return "Unstaked"
	case TypeRewardsClaimed:
		return "RewardsClaimed"
	case TypeCooldownStarted:
		return "CooldownStarted"
	case TypeRewardRateUpdated:
		return "RewardRateUpdated"
	case TypeRewardsFunded:
		return "RewardsFunded"
	case TypeEmergencyWithdrawal:
		return "EmergencyWithdrawal"
	default:
		return "Unknown"
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Notification is the observable side effect of a successful operation.
// Notifications fire only on success, strictly after all state mutation,
// and form an append-only audit log — consumers must not treat them as a
// queryable index.
type Notification struct {
	// ID is a unique identifier assigned at emission.
	ID uuid.UUID `json:"id"`

	// Sequence is the global monotonic number assigned by the engine loop.
	Sequence int64 `json:"sequence"`

	Type Type `json:"type"`

	// Account is the identity the operation acted on.
	Account uuid.UUID `json:"account"`

	// Counterparty is set for Liquidated (the liquidator) and privileged
	// operations performed on behalf of another account.
	Counterparty *uuid.UUID `json:"counterparty,omitempty"`

	// Amount is the primary quantity: tokens moved, or the new value for
	// PriceUpdated / LTVUpdated / RewardRateUpdated.
	Amount *big.Int `json:"amount,omitempty"`

	// DebtCleared is set for Liquidated: the debt balance zeroed alongside
	// the seized collateral carried in Amount.
	DebtCleared *big.Int `json:"debt_cleared,omitempty"`

	// Timestamp is the engine clock reading at commit.
	Timestamp time.Time `json:"timestamp"`
}
