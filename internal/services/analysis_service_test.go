package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisService_GetAnalysis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAnalysisService(db)

	t.Run("monthly income buckets", func(t *testing.T) {
		jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery("SELECT date_trunc").
			WithArgs("1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"period", "total_amount", "transaction_count"}).
				AddRow(jan, "1500.00", 3).
				AddRow(feb, "250.50", 1))

		w := httptest.NewRecorder()
		service.GetAnalysis(w, authedRequest("GET",
			"/analysis?target=INCOME&period=MONTHLY&start=2026-01-01&end=2026-02-28", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var result AnalysisResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, AnalysisTargetIncome, result.Target)
		assert.Equal(t, "MONTHLY", result.PeriodType)
		assert.Equal(t, "1750.5", result.TotalAmount.String())
		assert.Equal(t, 4, result.TransactionCount)
		assert.Len(t, result.PeriodData, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty range returns zero totals", func(t *testing.T) {
		mock.ExpectQuery("SELECT date_trunc").
			WithArgs("1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"period", "total_amount", "transaction_count"}))

		w := httptest.NewRecorder()
		service.GetAnalysis(w, authedRequest("GET",
			"/analysis?target=EXPENSE&period=DAILY&start=2026-03-01&end=2026-03-02", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var result AnalysisResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.TotalAmount.IsZero())
		assert.Equal(t, 0, result.TransactionCount)
		assert.Empty(t, result.PeriodData)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("account filter adds argument", func(t *testing.T) {
		accountID := "11111111-1111-1111-1111-111111111111"
		mock.ExpectQuery("SELECT date_trunc").
			WithArgs("1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), accountID).
			WillReturnRows(sqlmock.NewRows([]string{"period", "total_amount", "transaction_count"}))

		w := httptest.NewRecorder()
		service.GetAnalysis(w, authedRequest("GET",
			"/analysis?target=EXPENSE&period=WEEKLY&start=2026-01-01&end=2026-01-31&accountId="+accountID, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid target", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.GetAnalysis(w, authedRequest("GET",
			"/analysis?target=SAVINGS&period=MONTHLY&start=2026-01-01&end=2026-01-31", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid period", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.GetAnalysis(w, authedRequest("GET",
			"/analysis?target=INCOME&period=HOURLY&start=2026-01-01&end=2026-01-31", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed dates", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.GetAnalysis(w, authedRequest("GET",
			"/analysis?target=INCOME&period=MONTHLY&start=January&end=2026-01-31", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
