package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationService_Deliver(t *testing.T) {
	t.Run("valid payload is stored", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		service := NewNotificationService(db, nil, testLedgerConfig())

		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(1, "Deposit of 1000.00 KRW posted to account 123456789012").
			WillReturnResult(sqlmock.NewResult(1, 1))

		service.deliver(context.Background(), `{"user_id":1,"message":"Deposit of 1000.00 KRW posted to account 123456789012"}`)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		service := NewNotificationService(db, nil, testLedgerConfig())
		service.deliver(context.Background(), "not json")

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure re-queues the payload", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		cfg := testLedgerConfig()
		service := NewNotificationService(db, redisClient, cfg)

		payload := `{"user_id":1,"message":"hello"}`
		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(1, "hello").
			WillReturnError(assert.AnError)
		redisMock.ExpectRPush(cfg.NotificationQueue, payload).SetVal(1)

		service.deliver(context.Background(), payload)

		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestNotificationService_ListNotifications(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewNotificationService(db, nil, testLedgerConfig())

	t.Run("returns notifications newest first", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, user_id, message, is_read, created_at FROM notifications").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "message", "is_read", "created_at"}).
				AddRow(2, 1, "Withdrawal of 50.00 KRW posted", false, now).
				AddRow(1, 1, "Deposit of 100.00 KRW posted", true, now.Add(-time.Hour)))

		w := httptest.NewRecorder()
		service.ListNotifications(w, authedRequest("GET", "/notifications", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Withdrawal of 50.00 KRW posted")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing auth context", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/notifications", nil)
		w := httptest.NewRecorder()
		service.ListNotifications(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestNotificationService_MarkNotificationRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewNotificationService(db, nil, testLedgerConfig())

	t.Run("marks owned notification", func(t *testing.T) {
		mock.ExpectExec("UPDATE notifications").
			WithArgs("7", "1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := withURLParam(authedRequest("PUT", "/notifications/7/read", nil), "notificationId", "7")
		w := httptest.NewRecorder()
		service.MarkNotificationRead(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown notification", func(t *testing.T) {
		mock.ExpectExec("UPDATE notifications").
			WithArgs("99", "1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		r := withURLParam(authedRequest("PUT", "/notifications/99/read", nil), "notificationId", "99")
		w := httptest.NewRecorder()
		service.MarkNotificationRead(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
