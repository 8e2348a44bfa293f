package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finbridge/backend/internal/models"
	"github.com/finbridge/backend/internal/services"
)

// LedgerHandler is the HTTP boundary in front of the ledger core. It decodes
// and validates requests, checks account ownership and translates the typed
// ledger errors into transport status codes.
type LedgerHandler struct {
	service   *services.LedgerService
	validator *services.ValidationHelper
}

func NewLedgerHandler(service *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// MovementRequest is the deposit/withdraw payload
// @Description Deposit or withdrawal request
type MovementRequest struct {
	AccountID      string          `json:"accountId" validate:"required,uuid4"`
	Amount         string          `json:"amount" validate:"required"`
	Currency       string          `json:"currency" validate:"required,len=3"`
	Description    string          `json:"description" validate:"max=255"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=64"`
	Metadata       models.Metadata `json:"metadata"`
}

// TransferRequest is the transfer payload
// @Description Transfer request between two accounts
type TransferRequest struct {
	FromAccountID  string `json:"fromAccountId" validate:"required,uuid4"`
	ToAccountID    string `json:"toAccountId" validate:"required,uuid4"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3"`
	Description    string `json:"description" validate:"max=255"`
	IdempotencyKey string `json:"idempotencyKey" validate:"max=64"`
}

// Deposit credits an account
// @Summary Deposit funds
// @Description Credit an account and append a DEPOSIT ledger entry
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body MovementRequest true "Deposit request"
// @Success 201 {object} models.TransactionHistory
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/deposit [post]
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	if !h.ownsAccount(w, r, req.AccountID) {
		return
	}

	entry, err := h.service.Deposit(r.Context(), req.AccountID, amount, req.Currency, req.Description, req.IdempotencyKey, req.Metadata)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// Withdraw debits an account
// @Summary Withdraw funds
// @Description Debit an account and append a WITHDRAW ledger entry
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body MovementRequest true "Withdrawal request"
// @Success 201 {object} models.TransactionHistory
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/withdraw [post]
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	if !h.ownsAccount(w, r, req.AccountID) {
		return
	}

	entry, err := h.service.Withdraw(r.Context(), req.AccountID, amount, req.Currency, req.Description, req.IdempotencyKey, req.Metadata)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// Transfer moves funds between two accounts
// @Summary Transfer funds
// @Description Move funds between accounts, producing paired OUT/IN ledger entries
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TransferRequest true "Transfer request"
// @Success 201 {object} object{out=models.TransactionHistory,in=models.TransactionHistory}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/transfer [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	// only the source account must belong to the caller
	if !h.ownsAccount(w, r, req.FromAccountID) {
		return
	}

	out, in, err := h.service.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, amount, req.Currency, req.Description, req.IdempotencyKey)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"out": out,
		"in":  in,
	})
}

// ListEntries lists an account's ledger history
// @Summary List ledger entries
// @Description List an account's ledger entries, newest first
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Param limit query int false "Number of entries (default 50, max 200)"
// @Success 200 {object} object{entries=[]models.TransactionHistory,count=int}
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{accountId}/transactions [get]
func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	if !h.ownsAccount(w, r, accountID) {
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := h.service.ListEntries(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to list entries for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to fetch entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetEntry fetches a single ledger entry
// @Summary Get ledger entry
// @Description Retrieve one ledger entry by id
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Param entryId path string true "Entry ID"
// @Success 200 {object} models.TransactionHistory
// @Failure 404 {object} services.ErrorResponse
// @Router /ledger/entries/{entryId} [get]
func (h *LedgerHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryId")

	entry, err := h.service.GetEntry(r.Context(), entryID)
	if err != nil {
		services.SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		return
	}

	userID, _ := r.Context().Value("userID").(string)
	owned, err := h.service.AccountOwnedBy(r.Context(), entry.AccountID, userID)
	if err != nil || !owned {
		services.SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

func (h *LedgerHandler) decodeMovement(w http.ResponseWriter, r *http.Request) (*MovementRequest, bool) {
	var req MovementRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return nil, false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return nil, false
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return nil, false
	}

	return &req, true
}

func (h *LedgerHandler) ownsAccount(w http.ResponseWriter, r *http.Request, accountID string) bool {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return false
	}

	owned, err := h.service.AccountOwnedBy(r.Context(), accountID, userID)
	if err != nil {
		log.Printf("[LEDGER] Ownership check failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to verify account", http.StatusInternalServerError, nil)
		return false
	}

	if !owned {
		services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return false
	}

	return true
}

func (h *LedgerHandler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrSameAccountTransfer),
		errors.Is(err, services.ErrCurrencyMismatch):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrAccountNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, services.ErrAccountNotActive),
		errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		log.Printf("[LEDGER] Operation failed: %v", err)
		services.SendErrorResponse(w, "Failed to process operation", http.StatusInternalServerError, nil)
	}
}
