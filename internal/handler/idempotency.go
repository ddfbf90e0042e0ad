package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/store"
)

const (
	// IdempotencyKeyHeader names the client-chosen key of a mutating request
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency store
	ReplayedHeader = "Idempotent-Replayed"
)

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// idempotent replays the stored response of a request whose Idempotency-Key
// was seen before, and stores the response of a new one
func (h *AdminHandler) idempotent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" || h.idempotency == nil {
			next(w, r)
			return
		}
		scoped := "ecs:" + r.Method + ":" + r.URL.Path + ":" + key

		data, err := h.idempotency.Get(r.Context(), scoped)
		switch {
		case err == nil:
			var cached cachedResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				h.logger.Info("Replaying idempotent response", zap.String("idempotency_key", key))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}
			h.logger.Warn("Discarding unreadable idempotency record", zap.String("idempotency_key", key))
		case !errors.Is(err, store.ErrNotFound):
			h.logger.Warn("Idempotency lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		// only settled outcomes are remembered; server errors may be retried
		if rec.status >= http.StatusInternalServerError {
			return
		}
		record, err := json.Marshal(cachedResponse{Status: rec.status, Body: bytes.TrimSpace(rec.body.Bytes())})
		if err != nil {
			return
		}
		if err := h.idempotency.Set(r.Context(), scoped, record, h.idempotencyTTL); err != nil {
			h.logger.Warn("Failed to store idempotent response", zap.String("idempotency_key", key), zap.Error(err))
		}
	})
}

// capturingWriter forwards the response while keeping a copy of it
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
