package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry types. Direction is encoded by the type, never by the sign of
// the amount: amounts are always strictly positive.
const (
	TxTypeDeposit     = "DEPOSIT"
	TxTypeWithdraw    = "WITHDRAW"
	TxTypeTransferOut = "TRANSFER_OUT"
	TxTypeTransferIn  = "TRANSFER_IN"
	TxTypeFee         = "FEE"
	TxTypeReversal    = "REVERSAL"
)

// Metadata is a free-form JSON document attached to a ledger entry.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
}

// TransactionHistory is one immutable row of the account ledger. Rows are
// append-only: corrections are compensating REVERSAL entries, never edits.
type TransactionHistory struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	TxType         string          `json:"tx_type" db:"tx_type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	RunningBalance decimal.Decimal `json:"running_balance" db:"running_balance"`
	Currency       string          `json:"currency" db:"currency"`
	Description    string          `json:"description" db:"description"`
	OccurredAt     time.Time       `json:"occurred_at" db:"occurred_at"`
	PostedAt       time.Time       `json:"posted_at" db:"posted_at"`
	TransferID     *string         `json:"transfer_id,omitempty" db:"transfer_id"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ExternalRef    string          `json:"external_ref" db:"external_ref"`
	CounterpartyID *string         `json:"counterparty_id,omitempty" db:"counterparty_id"`
	Metadata       Metadata        `json:"metadata" db:"metadata"`
}
