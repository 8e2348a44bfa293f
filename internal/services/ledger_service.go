package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/finbridge/backend/internal/audit"
	"github.com/finbridge/backend/internal/config"
	"github.com/finbridge/backend/internal/models"
	"github.com/finbridge/backend/internal/money"
)

// LedgerService owns every balance-mutating operation. Each call runs inside
// a single database transaction: row lock, ledger append and balance update
// commit together or not at all.
type LedgerService struct {
	db    *sql.DB
	redis *redis.Client
	cfg   *config.LedgerConfig
	audit *audit.Logger
}

func NewLedgerService(db *sql.DB, redisClient *redis.Client, cfg *config.LedgerConfig) *LedgerService {
	if cfg == nil {
		cfg = config.LoadLedgerConfig()
	}
	return &LedgerService{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
		audit: audit.NewLogger(),
	}
}

// Deposit credits an account and appends a DEPOSIT entry carrying the new
// running balance. When idempotencyKey is non-empty and an entry with that
// key already exists for the account, the existing entry is returned verbatim
// and no state changes.
func (s *LedgerService) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, currency, description, idempotencyKey string, metadata models.Metadata) (*models.TransactionHistory, error) {
	amount = money.Normalize(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !s.cfg.SupportsCurrency(currency) {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrCurrencyMismatch, currency)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acc, err := s.lockAccount(tx, accountID)
	if err != nil {
		return nil, err
	}

	if acc.Currency != currency {
		return nil, fmt.Errorf("%w: account=%s tx=%s", ErrCurrencyMismatch, acc.Currency, currency)
	}

	if idempotencyKey != "" {
		existing, err := s.findEntryByIdempotencyKey(tx, acc.ID, idempotencyKey)
		if err == nil {
			log.Printf("[LEDGER] Idempotency replay for account %s key %s", acc.ID, idempotencyKey)
			return existing, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	newBalance := money.Normalize(acc.Balance.Add(amount))

	entry := s.newEntry(acc.ID, models.TxTypeDeposit, amount, newBalance, currency, description, metadata)
	entry.IdempotencyKey = optional(idempotencyKey)

	if err := s.insertEntry(tx, entry); err != nil {
		if idempotencyKey != "" && isIdempotencyConflict(err) {
			tx.Rollback()
			return s.replayEntry(acc.ID, idempotencyKey)
		}
		return nil, err
	}

	if err := s.updateAccountBalance(tx, acc.ID, newBalance, acc.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogPosted(entry.ID, acc.ID, entry.TxType, amount)
	s.queueNotification(ctx, acc.OwnerID, fmt.Sprintf("Deposit of %s %s posted to account %s", amount.StringFixed(2), currency, acc.Number))
	return entry, nil
}

// Withdraw debits an account and appends a WITHDRAW entry. The idempotency
// replay check runs before the status and balance checks, so a replayed call
// never re-validates against state that changed since the original call.
func (s *LedgerService) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, currency, description, idempotencyKey string, metadata models.Metadata) (*models.TransactionHistory, error) {
	amount = money.Normalize(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !s.cfg.SupportsCurrency(currency) {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrCurrencyMismatch, currency)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acc, err := s.lockAccount(tx, accountID)
	if err != nil {
		return nil, err
	}

	if acc.Currency != currency {
		return nil, fmt.Errorf("%w: account=%s tx=%s", ErrCurrencyMismatch, acc.Currency, currency)
	}

	if idempotencyKey != "" {
		existing, err := s.findEntryByIdempotencyKey(tx, acc.ID, idempotencyKey)
		if err == nil {
			log.Printf("[LEDGER] Idempotency replay for account %s key %s", acc.ID, idempotencyKey)
			return existing, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	if acc.Status != models.AccountStatusActive {
		return nil, fmt.Errorf("%w: status=%s", ErrAccountNotActive, acc.Status)
	}

	if acc.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	newBalance := money.Normalize(acc.Balance.Sub(amount))

	entry := s.newEntry(acc.ID, models.TxTypeWithdraw, amount, newBalance, currency, description, metadata)
	entry.IdempotencyKey = optional(idempotencyKey)

	if err := s.insertEntry(tx, entry); err != nil {
		if idempotencyKey != "" && isIdempotencyConflict(err) {
			tx.Rollback()
			return s.replayEntry(acc.ID, idempotencyKey)
		}
		return nil, err
	}

	if err := s.updateAccountBalance(tx, acc.ID, newBalance, acc.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogPosted(entry.ID, acc.ID, entry.TxType, amount)
	s.queueNotification(ctx, acc.OwnerID, fmt.Sprintf("Withdrawal of %s %s posted to account %s", amount.StringFixed(2), currency, acc.Number))
	return entry, nil
}

// Transfer moves amount between two accounts, appending a TRANSFER_OUT and a
// TRANSFER_IN leg that share one transfer id and reference each other as
// counterparty. Row locks are taken in sorted-id order regardless of
// direction so that overlapping concurrent transfers cannot deadlock.
func (s *LedgerService) Transfer(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal, currency, description, idempotencyKey string) (*models.TransactionHistory, *models.TransactionHistory, error) {
	if fromAccountID == toAccountID {
		return nil, nil, ErrSameAccountTransfer
	}

	amount = money.Normalize(amount)
	if !amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}
	if !s.cfg.SupportsCurrency(currency) {
		return nil, nil, fmt.Errorf("%w: unsupported currency %s", ErrCurrencyMismatch, currency)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// Lock accounts in consistent order to prevent deadlocks.
	firstLock, secondLock := fromAccountID, toAccountID
	if fromAccountID > toAccountID {
		firstLock, secondLock = toAccountID, fromAccountID
	}

	fromAcc, err := s.lockAccount(tx, firstLock)
	if err != nil {
		return nil, nil, err
	}

	toAcc, err := s.lockAccount(tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	// Map the locked rows back to sender/receiver.
	if firstLock != fromAccountID {
		fromAcc, toAcc = toAcc, fromAcc
	}

	if fromAcc.Currency != currency || toAcc.Currency != currency {
		return nil, nil, fmt.Errorf("%w: from=%s to=%s tx=%s", ErrCurrencyMismatch, fromAcc.Currency, toAcc.Currency, currency)
	}

	if idempotencyKey != "" {
		existing, err := s.findEntryByIdempotencyKey(tx, fromAcc.ID, idempotencyKey)
		if err == nil {
			log.Printf("[LEDGER] Idempotency replay for transfer from %s key %s", fromAcc.ID, idempotencyKey)
			inLeg, err := s.findTransferLeg(tx, derefString(existing.TransferID), models.TxTypeTransferIn)
			if err != nil {
				return nil, nil, err
			}
			return existing, inLeg, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return nil, nil, err
		}
	}

	if fromAcc.Status != models.AccountStatusActive || toAcc.Status != models.AccountStatusActive {
		return nil, nil, fmt.Errorf("%w: from=%s to=%s", ErrAccountNotActive, fromAcc.Status, toAcc.Status)
	}

	if fromAcc.Balance.LessThan(amount) {
		return nil, nil, ErrInsufficientFunds
	}

	transferID := uuid.NewString()
	occurredAt := time.Now().UTC()

	fromNewBal := money.Normalize(fromAcc.Balance.Sub(amount))
	outEntry := s.newEntry(fromAcc.ID, models.TxTypeTransferOut, amount, fromNewBal, currency, description, models.Metadata{"side": "out"})
	outEntry.OccurredAt = occurredAt
	outEntry.TransferID = &transferID
	outEntry.CounterpartyID = &toAcc.ID
	outEntry.IdempotencyKey = optional(idempotencyKey)

	toNewBal := money.Normalize(toAcc.Balance.Add(amount))
	inEntry := s.newEntry(toAcc.ID, models.TxTypeTransferIn, amount, toNewBal, currency, description, models.Metadata{"side": "in"})
	inEntry.OccurredAt = occurredAt
	inEntry.TransferID = &transferID
	inEntry.CounterpartyID = &fromAcc.ID

	if err := s.insertEntry(tx, outEntry); err != nil {
		if idempotencyKey != "" && isIdempotencyConflict(err) {
			tx.Rollback()
			return s.replayTransfer(fromAcc.ID, idempotencyKey)
		}
		s.audit.LogError(transferID, fromAcc.ID, err)
		return nil, nil, err
	}

	if err := s.insertEntry(tx, inEntry); err != nil {
		s.audit.LogError(transferID, toAcc.ID, err)
		return nil, nil, err
	}

	if err := s.updateAccountBalance(tx, fromAcc.ID, fromNewBal, fromAcc.Version); err != nil {
		return nil, nil, err
	}

	if err := s.updateAccountBalance(tx, toAcc.ID, toNewBal, toAcc.Version); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	s.audit.LogTransfer(transferID, fromAcc.ID, toAcc.ID, amount, "SUCCESS")
	s.queueNotification(ctx, fromAcc.OwnerID, fmt.Sprintf("Transfer of %s %s sent from account %s", amount.StringFixed(2), currency, fromAcc.Number))
	s.queueNotification(ctx, toAcc.OwnerID, fmt.Sprintf("Transfer of %s %s received on account %s", amount.StringFixed(2), currency, toAcc.Number))
	return outEntry, inEntry, nil
}

func (s *LedgerService) newEntry(accountID, txType string, amount, runningBalance decimal.Decimal, currency, description string, metadata models.Metadata) *models.TransactionHistory {
	if metadata == nil {
		metadata = models.Metadata{}
	}
	now := time.Now().UTC()
	return &models.TransactionHistory{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		TxType:         txType,
		Amount:         amount,
		RunningBalance: runningBalance,
		Currency:       currency,
		Description:    description,
		OccurredAt:     now,
		PostedAt:       now,
		ExternalRef:    uuid.NewString(),
		Metadata:       metadata,
	}
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var acc models.Account
	err := tx.QueryRow(`
		SELECT id, owner_id, account_name, number, currency, balance, status, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&acc.ID, &acc.OwnerID, &acc.Name, &acc.Number, &acc.Currency,
		&acc.Balance, &acc.Status, &acc.Version)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

const entryColumns = `id, account_id, tx_type, amount, running_balance, currency, description,
		       occurred_at, posted_at, transfer_id, idempotency_key, external_ref,
		       counterparty_id, metadata`

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *LedgerService) findEntryByIdempotencyKey(q rowQuerier, accountID, key string) (*models.TransactionHistory, error) {
	row := q.QueryRow(`
		SELECT `+entryColumns+`
		FROM transaction_history
		WHERE account_id = $1 AND idempotency_key = $2`, accountID, key)
	return scanEntry(row)
}

func (s *LedgerService) findTransferLeg(q rowQuerier, transferID, txType string) (*models.TransactionHistory, error) {
	row := q.QueryRow(`
		SELECT `+entryColumns+`
		FROM transaction_history
		WHERE transfer_id = $1 AND tx_type = $2`, transferID, txType)
	return scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.TransactionHistory, error) {
	var entry models.TransactionHistory
	var transferID, idempotencyKey, counterpartyID sql.NullString
	err := row.Scan(
		&entry.ID, &entry.AccountID, &entry.TxType, &entry.Amount, &entry.RunningBalance,
		&entry.Currency, &entry.Description, &entry.OccurredAt, &entry.PostedAt,
		&transferID, &idempotencyKey, &entry.ExternalRef, &counterpartyID, &entry.Metadata)
	if err != nil {
		return nil, err
	}
	if transferID.Valid {
		entry.TransferID = &transferID.String
	}
	if idempotencyKey.Valid {
		entry.IdempotencyKey = &idempotencyKey.String
	}
	if counterpartyID.Valid {
		entry.CounterpartyID = &counterpartyID.String
	}
	return &entry, nil
}

// AccountOwnedBy reports whether the account belongs to the given user.
func (s *LedgerService) AccountOwnedBy(ctx context.Context, accountID, userID string) (bool, error) {
	var owned bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1 AND owner_id = $2)`,
		accountID, userID).Scan(&owned)
	return owned, err
}

// ListEntries returns an account's ledger newest-first by posting order.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit int) ([]models.TransactionHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transaction_history
		WHERE account_id = $1
		ORDER BY posted_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.TransactionHistory{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// GetEntry returns one ledger entry by id.
func (s *LedgerService) GetEntry(ctx context.Context, entryID string) (*models.TransactionHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM transaction_history
		WHERE id = $1`, entryID)
	return scanEntry(row)
}

func (s *LedgerService) insertEntry(tx *sql.Tx, entry *models.TransactionHistory) error {
	_, err := tx.Exec(`
		INSERT INTO transaction_history
		(id, account_id, tx_type, amount, running_balance, currency, description,
		 occurred_at, posted_at, transfer_id, idempotency_key, external_ref,
		 counterparty_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.AccountID, entry.TxType, entry.Amount, entry.RunningBalance,
		entry.Currency, entry.Description, entry.OccurredAt, entry.PostedAt,
		nullable(entry.TransferID), nullable(entry.IdempotencyKey), entry.ExternalRef,
		nullable(entry.CounterpartyID), entry.Metadata)
	return err
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}

	return nil
}

// replayEntry serves the race where a concurrent request with the same key
// committed between our lookup and insert. The unique index rejected our
// insert; the committed entry is the result of this call.
func (s *LedgerService) replayEntry(accountID, key string) (*models.TransactionHistory, error) {
	log.Printf("[LEDGER] Idempotency conflict for account %s key %s, returning existing entry", accountID, key)
	return s.findEntryByIdempotencyKey(s.db, accountID, key)
}

func (s *LedgerService) replayTransfer(fromAccountID, key string) (*models.TransactionHistory, *models.TransactionHistory, error) {
	outLeg, err := s.replayEntry(fromAccountID, key)
	if err != nil {
		return nil, nil, err
	}
	inLeg, err := s.findTransferLeg(s.db, derefString(outLeg.TransferID), models.TxTypeTransferIn)
	if err != nil {
		return nil, nil, err
	}
	return outLeg, inLeg, nil
}

func (s *LedgerService) queueNotification(ctx context.Context, userID int, message string) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"user_id": userID,
		"message": message,
	})
	if err != nil {
		return
	}
	if err := s.redis.RPush(ctx, s.cfg.NotificationQueue, payload).Err(); err != nil {
		log.Printf("[LEDGER] Failed to queue notification for user %d: %v", userID, err)
	}
}

func isIdempotencyConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
