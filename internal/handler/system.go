package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger covers the health probe of a ledger backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SystemHandler struct {
	store     Pinger
	redis     *redis.Client
	logger    Logger
	startTime time.Time
}

// NewSystemHandler builds the health surface. redis may be nil when the
// deployment runs the in-memory broker.
func NewSystemHandler(store Pinger, redisClient *redis.Client, log Logger) *SystemHandler {
	return &SystemHandler{store: store, redis: redisClient, logger: log, startTime: time.Now()}
}

// Health reports liveness only.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready reports readiness: the ledger backend and, when configured, redis
// must both answer.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if err := h.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		healthy = false
		h.logger.Error("Store ping failed", map[string]interface{}{"error": err.Error()})
	} else {
		checks["store"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
			h.logger.Error("Redis ping failed", map[string]interface{}{"error": err.Error()})
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	respondJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

// Snapshotter is implemented by backends that can dump their state to disk.
type Snapshotter interface {
	Snapshot() (string, error)
}

// Snapshot writes an on-demand snapshot of the ledger when the backend
// supports it (the file backend does; the database backends have their own
// durability and answer 422).
func (h *SystemHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.store.(Snapshotter)
	if !ok {
		respondError(w, http.StatusUnprocessableEntity, "Snapshot not supported by this backend")
		return
	}

	path, err := snap.Snapshot()
	if err != nil {
		h.logger.Error("Snapshot failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Snapshot failed")
		return
	}

	h.logger.Info("Snapshot written", map[string]interface{}{"path": path})
	respondJSON(w, http.StatusOK, map[string]string{"path": path})
}
