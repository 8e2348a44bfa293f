package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbridge/backend/internal/models"
)

func authedRequest(method, target string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewBuffer(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	return r.WithContext(context.WithValue(r.Context(), "userID", "1"))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func ownedAccountRows(id, name, number, currency, balance, status string, version int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "owner_id", "account_name", "number", "currency", "balance", "status", "version", "created_at", "updated_at"}).
		AddRow(id, 1, name, number, currency, balance, status, version, now, now)
}

func TestAccountService_CreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, testLedgerConfig())

	t.Run("successful creation", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs(sqlmock.AnyArg(), "1", "Salary account", sqlmock.AnyArg(), "KRW", sqlmock.AnyArg(), models.AccountStatusActive).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id", "version", "created_at", "updated_at"}).
				AddRow(1, 0, now, now))

		body, _ := json.Marshal(CreateAccountRequest{Name: "Salary account", Currency: "KRW"})
		w := httptest.NewRecorder()
		service.CreateAccount(w, authedRequest("POST", "/accounts", body))

		assert.Equal(t, http.StatusCreated, w.Code)

		var acc models.Account
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
		assert.Equal(t, "Salary account", acc.Name)
		assert.Equal(t, models.AccountStatusActive, acc.Status)
		assert.True(t, acc.Balance.IsZero())
		assert.Len(t, acc.Number, 12)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unsupported currency", func(t *testing.T) {
		body, _ := json.Marshal(CreateAccountRequest{Name: "Travel", Currency: "XXX"})
		w := httptest.NewRecorder()
		service.CreateAccount(w, authedRequest("POST", "/accounts", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation failure", func(t *testing.T) {
		body, _ := json.Marshal(CreateAccountRequest{Name: "", Currency: "KRW"})
		w := httptest.NewRecorder()
		service.CreateAccount(w, authedRequest("POST", "/accounts", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing auth context", func(t *testing.T) {
		body, _ := json.Marshal(CreateAccountRequest{Name: "Salary", Currency: "KRW"})
		r := httptest.NewRequest("POST", "/accounts", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		service.CreateAccount(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAccountService_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, testLedgerConfig())
	accountID := "11111111-1111-1111-1111-111111111111"

	t.Run("freeze active account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at FROM accounts").
			WithArgs(accountID, "1").
			WillReturnRows(ownedAccountRows(accountID, "Main", "123456789012", "KRW", "1000.00", models.AccountStatusActive, 3))
		mock.ExpectQuery("UPDATE accounts SET status").
			WithArgs(models.AccountStatusFrozen, sqlmock.AnyArg(), accountID).
			WillReturnRows(sqlmock.NewRows([]string{"status", "updated_at"}).
				AddRow(models.AccountStatusFrozen, time.Now()))

		body, _ := json.Marshal(UpdateStatusRequest{Status: models.AccountStatusFrozen})
		r := withURLParam(authedRequest("PUT", "/accounts/"+accountID+"/status", body), "accountId", accountID)
		w := httptest.NewRecorder()
		service.UpdateStatus(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var acc models.Account
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
		assert.Equal(t, models.AccountStatusFrozen, acc.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closed account is terminal", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at FROM accounts").
			WithArgs(accountID, "1").
			WillReturnRows(ownedAccountRows(accountID, "Main", "123456789012", "KRW", "0.00", models.AccountStatusClosed, 3))

		body, _ := json.Marshal(UpdateStatusRequest{Status: models.AccountStatusActive})
		r := withURLParam(authedRequest("PUT", "/accounts/"+accountID+"/status", body), "accountId", accountID)
		w := httptest.NewRecorder()
		service.UpdateStatus(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), ErrInvalidTransition.Error())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid status value", func(t *testing.T) {
		body, _ := json.Marshal(UpdateStatusRequest{Status: "SUSPENDED"})
		r := withURLParam(authedRequest("PUT", "/accounts/"+accountID+"/status", body), "accountId", accountID)
		w := httptest.NewRecorder()
		service.UpdateStatus(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("account not found", func(t *testing.T) {
		missing := "99999999-9999-9999-9999-999999999999"
		mock.ExpectQuery("SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at FROM accounts").
			WithArgs(missing, "1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		body, _ := json.Marshal(UpdateStatusRequest{Status: models.AccountStatusFrozen})
		r := withURLParam(authedRequest("PUT", "/accounts/"+missing+"/status", body), "accountId", missing)
		w := httptest.NewRecorder()
		service.UpdateStatus(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_DeleteAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, testLedgerConfig())
	accountID := "11111111-1111-1111-1111-111111111111"

	t.Run("delete blocked by ledger history", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at FROM accounts").
			WithArgs(accountID, "1").
			WillReturnRows(ownedAccountRows(accountID, "Main", "123456789012", "KRW", "0.00", models.AccountStatusActive, 1))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		r := withURLParam(authedRequest("DELETE", "/accounts/"+accountID, nil), "accountId", accountID)
		w := httptest.NewRecorder()
		service.DeleteAccount(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), ErrAccountHasHistory.Error())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete succeeds without history", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at FROM accounts").
			WithArgs(accountID, "1").
			WillReturnRows(ownedAccountRows(accountID, "Main", "123456789012", "KRW", "0.00", models.AccountStatusActive, 1))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("DELETE FROM accounts").
			WithArgs(accountID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := withURLParam(authedRequest("DELETE", "/accounts/"+accountID, nil), "accountId", accountID)
		w := httptest.NewRecorder()
		service.DeleteAccount(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_BalanceEnquiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, testLedgerConfig())
	accountID := "11111111-1111-1111-1111-111111111111"

	t.Run("returns current balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, currency, status FROM accounts").
			WithArgs(accountID, "1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "currency", "status"}).
				AddRow("1234.50", "KRW", models.AccountStatusActive))

		w := httptest.NewRecorder()
		service.BalanceEnquiry(w, authedRequest("GET", "/accounts/balance-enquiry?accountId="+accountID, nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "00", response["responseCode"])
		assert.Equal(t, "1234.50", response["availableBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closed account rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, currency, status FROM accounts").
			WithArgs(accountID, "1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "currency", "status"}).
				AddRow("0.00", "KRW", models.AccountStatusClosed))

		w := httptest.NewRecorder()
		service.BalanceEnquiry(w, authedRequest("GET", "/accounts/balance-enquiry?accountId="+accountID, nil))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing accountId", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.BalanceEnquiry(w, authedRequest("GET", "/accounts/balance-enquiry", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountService_AccountQR(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, testLedgerConfig())
	accountID := "11111111-1111-1111-1111-111111111111"

	mock.ExpectQuery("SELECT id, owner_id, account_name, number, currency, balance, status, version, created_at, updated_at FROM accounts").
		WithArgs(accountID, "1").
		WillReturnRows(ownedAccountRows(accountID, "Main", "123456789012", "KRW", "0.00", models.AccountStatusActive, 1))

	r := withURLParam(authedRequest("GET", "/accounts/"+accountID+"/qr", nil), "accountId", accountID)
	w := httptest.NewRecorder()
	service.AccountQR(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet())
}
