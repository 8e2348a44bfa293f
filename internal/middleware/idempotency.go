package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// responseRecorder buffers the downstream response so it can be replayed for
// duplicate requests.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays cached responses for unsafe requests that repeat an
// Idempotency-Key header. The ledger also deduplicates in the database, so
// this layer only short-circuits exact HTTP replays. Requests without the
// header pass through untouched.
func Idempotency(cache *redis.Client, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" || cache == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			cacheKey := idempotencyPrefix + key

			cached, err := cache.Get(ctx, cacheKey).Result()
			if err == nil {
				if cached == inProgressMarker {
					http.Error(w, "Duplicate request currently processing", http.StatusConflict)
					return
				}

				var stored storedResponse
				if err := json.Unmarshal([]byte(cached), &stored); err != nil {
					log.Printf("[IDEMPOTENCY] Failed to decode stored response for key %s: %v", key, err)
					http.Error(w, "Duplicate request", http.StatusConflict)
					return
				}

				for header, value := range stored.Headers {
					if strings.EqualFold(header, "Content-Length") {
						continue
					}
					w.Header().Set(header, value)
				}
				w.WriteHeader(stored.Status)
				w.Write([]byte(stored.Body))
				return
			}
			if err != redis.Nil {
				log.Printf("[IDEMPOTENCY] Lookup failed for key %s: %v", key, err)
				next.ServeHTTP(w, r)
				return
			}

			if err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Err(); err != nil {
				log.Printf("[IDEMPOTENCY] Reservation failed for key %s: %v", key, err)
				next.ServeHTTP(w, r)
				return
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// Failed requests are not cached so the client can retry.
			if rec.status >= http.StatusInternalServerError {
				cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cleanupCancel()
				cache.Del(cleanupCtx, cacheKey)
				return
			}

			stored := storedResponse{
				Status:  rec.status,
				Body:    rec.body.String(),
				Headers: map[string]string{},
			}
			for header := range w.Header() {
				stored.Headers[header] = w.Header().Get(header)
			}

			payload, err := json.Marshal(stored)
			if err != nil {
				log.Printf("[IDEMPOTENCY] Failed to encode response for key %s: %v", key, err)
				return
			}

			persistCtx, persistCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer persistCancel()
			if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
				log.Printf("[IDEMPOTENCY] Failed to persist response for key %s: %v", key, err)
			}
		})
	}
}
