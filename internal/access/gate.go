package access

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// Gate restricts privileged operations (price/LTV updates, pool funding,
// liquidation, reward-rate updates) to a trusted identity. The check runs
// as the first statement of every privileged operation.
type Gate interface {
	RequirePrivileged(caller uuid.UUID) error
}

// OwnerGate authorizes a single fixed owner identity.
type OwnerGate struct {
	owner uuid.UUID
}

func NewOwnerGate(owner uuid.UUID) *OwnerGate {
	return &OwnerGate{owner: owner}
}

func (g *OwnerGate) Owner() uuid.UUID { return g.owner }

func (g *OwnerGate) RequirePrivileged(caller uuid.UUID) error {
	if caller != g.owner {
		return fmt.Errorf("%w: caller %s is not the owner", ErrUnauthorized, caller)
	}
	return nil
}
