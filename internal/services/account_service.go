package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/finbridge/backend/internal/config"
	"github.com/finbridge/backend/internal/models"
	"github.com/finbridge/backend/internal/money"
)

type AccountService struct {
	db        *sql.DB
	cfg       *config.LedgerConfig
	validator *ValidationHelper
}

// CreateAccountRequest represents the account creation payload
// @Description Account creation request structure
type CreateAccountRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100" example:"Salary account"`
	Currency string `json:"currency" validate:"required,len=3" example:"KRW"`
}

// UpdateStatusRequest represents the status transition payload
// @Description Account status transition request
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE FROZEN CLOSED" example:"FROZEN"`
}

func NewAccountService(db *sql.DB, cfg *config.LedgerConfig) *AccountService {
	if cfg == nil {
		cfg = config.LoadLedgerConfig()
	}
	return &AccountService{
		db:        db,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// CreateAccount opens a new account for the authenticated user
// @Summary Create account
// @Description Open a new account with zero balance for the authenticated user
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body CreateAccountRequest true "Account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /accounts [post]
func (s *AccountService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateAccountRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !s.cfg.SupportsCurrency(req.Currency) {
		SendErrorResponse(w, fmt.Sprintf("Unsupported currency: %s", req.Currency), http.StatusBadRequest, nil)
		return
	}

	acc := models.Account{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Number:   generateAccountNumber(),
		Currency: req.Currency,
		Balance:  money.Zero(),
		Status:   models.AccountStatusActive,
	}

	err := s.db.QueryRow(`
		INSERT INTO accounts (id, owner_id, account_name, number, currency, balance, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		RETURNING owner_id, version, created_at, updated_at`,
		acc.ID, userID, acc.Name, acc.Number, acc.Currency, acc.Balance, acc.Status).
		Scan(&acc.OwnerID, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		log.Printf("[ACCOUNT] Account creation failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] Account %s (%s) created for user %s", acc.ID, acc.Number, userID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acc)
}

// ListAccounts returns the authenticated user's accounts
// @Summary List accounts
// @Description List all accounts owned by the authenticated user
// @Tags accounts
// @Produce json
// @Success 200 {object} object{accounts=[]models.Account,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /accounts [get]
func (s *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list accounts for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var acc models.Account
		if err := rows.Scan(&acc.ID, &acc.OwnerID, &acc.Name, &acc.Number, &acc.Currency,
			&acc.Balance, &acc.Status, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, acc)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// GetAccount returns one account owned by the authenticated user
// @Summary Get account
// @Description Retrieve a single account by id
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId} [get]
func (s *AccountService) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	accountID := chi.URLParam(r, "accountId")

	acc, err := s.fetchOwnedAccount(userID, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acc)
}

// UpdateStatus applies an account status transition
// @Summary Update account status
// @Description Freeze, unfreeze or close an account. CLOSED is terminal.
// @Tags accounts
// @Accept json
// @Produce json
// @Param accountId path string true "Account ID"
// @Param request body UpdateStatusRequest true "Target status"
// @Success 200 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /accounts/{accountId}/status [put]
func (s *AccountService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	accountID := chi.URLParam(r, "accountId")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	acc, err := s.fetchOwnedAccount(userID, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	if !acc.CanTransition(req.Status) {
		log.Printf("[ACCOUNT] Invalid transition %s -> %s for account %s", acc.Status, req.Status, acc.ID)
		err := fmt.Errorf("%w: %s to %s", ErrInvalidTransition, acc.Status, req.Status)
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		return
	}

	err = s.db.QueryRow(`
		UPDATE accounts SET status = $1, updated_at = $2 WHERE id = $3
		RETURNING status, updated_at`,
		req.Status, time.Now(), acc.ID).Scan(&acc.Status, &acc.UpdatedAt)
	if err != nil {
		log.Printf("[ACCOUNT] Status update failed for account %s: %v", acc.ID, err)
		SendErrorResponse(w, "Failed to update status", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] Account %s status changed to %s", acc.ID, acc.Status)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acc)
}

// DeleteAccount removes an account without ledger history
// @Summary Delete account
// @Description Delete an account. Blocked while ledger entries reference it.
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /accounts/{accountId} [delete]
func (s *AccountService) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	accountID := chi.URLParam(r, "accountId")

	acc, err := s.fetchOwnedAccount(userID, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	var hasHistory bool
	err = s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM transaction_history
			WHERE account_id = $1 OR counterparty_id = $1
		)`, acc.ID).Scan(&hasHistory)
	if err != nil {
		SendErrorResponse(w, "Failed to delete account", http.StatusInternalServerError, nil)
		return
	}

	if hasHistory {
		log.Printf("[ACCOUNT] Delete blocked for account %s: ledger history exists", acc.ID)
		SendErrorResponse(w, ErrAccountHasHistory.Error(), http.StatusConflict, nil)
		return
	}

	if _, err := s.db.Exec(`DELETE FROM accounts WHERE id = $1`, acc.ID); err != nil {
		log.Printf("[ACCOUNT] Delete failed for account %s: %v", acc.ID, err)
		SendErrorResponse(w, "Failed to delete account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] Account %s deleted", acc.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Account deleted"})
}

// BalanceEnquiry retrieves an account balance
// @Summary Get account balance
// @Description Retrieve the current balance for an owned account
// @Tags accounts
// @Produce json
// @Param accountId query string true "Account ID"
// @Success 200 {object} object{responseCode=string,accountId=string,availableBalance=string,currency=string,status=string}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance-enquiry [get]
func (s *AccountService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	log.Printf("[ACCOUNT] Balance enquiry for account %s from IP: %s", accountID, r.RemoteAddr)

	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	var balance decimal.Decimal
	var currency, status string
	err := s.db.QueryRow(`
		SELECT balance, currency, status FROM accounts
		WHERE id = $1 AND owner_id = $2`, accountID, userID).
		Scan(&balance, &currency, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		}
		return
	}

	if status == models.AccountStatusClosed {
		SendErrorResponse(w, "Account closed", http.StatusForbidden, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"responseCode":     "00",
		"accountId":        accountID,
		"availableBalance": balance.StringFixed(2),
		"currency":         currency,
		"status":           status,
	})
}

// AccountQR renders the account number as a QR code for receive-money sharing
// @Summary Account QR code
// @Description PNG QR code encoding the account number
// @Tags accounts
// @Produce png
// @Param accountId path string true "Account ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/qr [get]
func (s *AccountService) AccountQR(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	accountID := chi.URLParam(r, "accountId")

	acc, err := s.fetchOwnedAccount(userID, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	png, err := qrcode.Encode(acc.Number, qrcode.Medium, 256)
	if err != nil {
		log.Printf("[ACCOUNT] QR generation failed for account %s: %v", acc.ID, err)
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *AccountService) fetchOwnedAccount(userID, accountID string) (*models.Account, error) {
	var acc models.Account
	err := s.db.QueryRow(`
		SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at
		FROM accounts
		WHERE id = $1 AND owner_id = $2`, accountID, userID).
		Scan(&acc.ID, &acc.OwnerID, &acc.Name, &acc.Number, &acc.Currency,
			&acc.Balance, &acc.Status, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func generateAccountNumber() string {
	const digits = "0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = digits[rand.Intn(len(digits))]
	}
	return string(b)
}
