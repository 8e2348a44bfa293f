package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"

	"github.com/finbridge/backend/internal/config"
	"github.com/finbridge/backend/internal/models"
)

// NotificationService drains the ledger's notification queue from Redis into
// Postgres and serves the stored notifications over HTTP. Queueing and
// delivery are decoupled so a slow or failing insert never blocks posting.
type NotificationService struct {
	db    *sql.DB
	redis *redis.Client
	cfg   *config.LedgerConfig
}

type queuedNotification struct {
	UserID  int    `json:"user_id"`
	Message string `json:"message"`
}

func NewNotificationService(db *sql.DB, redisClient *redis.Client, cfg *config.LedgerConfig) *NotificationService {
	return &NotificationService{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
	}
}

// StartWorker consumes the queue until ctx is cancelled. Malformed payloads
// are logged and dropped; insert failures re-queue the payload so it is not
// lost across restarts.
func (s *NotificationService) StartWorker(ctx context.Context) {
	log.Printf("[NOTIFY] Worker draining queue %q", s.cfg.NotificationQueue)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[NOTIFY] Worker stopped: %v", ctx.Err())
			return
		default:
		}

		result, err := s.redis.BLPop(ctx, s.cfg.NotificationTimeout, s.cfg.NotificationQueue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[NOTIFY] Worker stopped: %v", ctx.Err())
				return
			}
			log.Printf("[NOTIFY] Queue read failed: %v", err)
			continue
		}

		// BLPop returns [key, value].
		if len(result) < 2 {
			continue
		}
		s.deliver(ctx, result[1])
	}
}

func (s *NotificationService) deliver(ctx context.Context, payload string) {
	var n queuedNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		log.Printf("[NOTIFY] Dropping malformed payload %q: %v", payload, err)
		return
	}

	_, err := s.db.Exec(`
		INSERT INTO notifications (user_id, message)
		VALUES ($1, $2)`, n.UserID, n.Message)
	if err != nil {
		log.Printf("[NOTIFY] Insert failed for user %d, re-queueing: %v", n.UserID, err)
		if pushErr := s.redis.RPush(ctx, s.cfg.NotificationQueue, payload).Err(); pushErr != nil {
			log.Printf("[NOTIFY] Re-queue failed, notification lost: %v", pushErr)
		}
		return
	}
	log.Printf("[NOTIFY] Delivered notification to user %d", n.UserID)
}

// ListNotifications returns the caller's notifications, newest first
// @Summary List notifications
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Notification
// @Failure 401 {object} ErrorResponse
// @Router /notifications [get]
func (s *NotificationService) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 100`, userID)
	if err != nil {
		log.Printf("[NOTIFY] Failed to list notifications for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
			return
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notifications)
}

// MarkNotificationRead marks one of the caller's notifications as read
// @Summary Mark notification read
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Param notificationId path int true "Notification ID"
// @Success 204 "No Content"
// @Failure 404 {object} ErrorResponse
// @Router /notifications/{notificationId}/read [put]
func (s *NotificationService) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	notificationID := chi.URLParam(r, "notificationId")

	result, err := s.db.Exec(`
		UPDATE notifications
		SET is_read = TRUE
		WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		log.Printf("[NOTIFY] Failed to mark notification %s read: %v", notificationID, err)
		SendErrorResponse(w, "Failed to update notification", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Notification not found", http.StatusNotFound, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
