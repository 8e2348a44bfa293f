package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account statuses. Only ACTIVE accounts may withdraw or transfer out.
const (
	AccountStatusActive = "ACTIVE"
	AccountStatusFrozen = "FROZEN"
	AccountStatusClosed = "CLOSED"
)

type Account struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   int             `json:"owner_id" db:"owner_id"`
	Name      string          `json:"name" db:"account_name"`
	Number    string          `json:"number" db:"number"`
	Currency  string          `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Status    string          `json:"status" db:"status"`
	Version   int             `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CanTransition reports whether the account may move to the given status.
// FROZEN is reversible, CLOSED is terminal.
func (a *Account) CanTransition(to string) bool {
	switch a.Status {
	case AccountStatusActive:
		return to == AccountStatusFrozen || to == AccountStatusClosed
	case AccountStatusFrozen:
		return to == AccountStatusActive || to == AccountStatusClosed
	default:
		return false
	}
}
