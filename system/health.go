// Package system provides the operational routes: health and metrics.
package system

import (
	"context"
	"net/http"
	"time"

	"ride/api"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether the persistent store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness reports the broker connection state.
type Readiness interface {
	Ready() bool
}

// Handler serves GET /health and GET /metrics.
type Handler struct {
	store  Pinger
	broker Readiness
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewHandler(store Pinger, broker Readiness, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{store: store, broker: broker, logger: logger, now: time.Now}
}

// Routes implements api.RouteSet.
func (h *Handler) Routes() []api.Route {
	return []api.Route{
		{Name: "health", Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(h.health)},
		{Name: "metrics", Method: http.MethodGet, Path: "/metrics", Handler: promhttp.Handler()},
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Time   string            `json:"time"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status: "healthy",
		Checks: map[string]string{"store": "ok", "broker": "ok"},
		Time:   h.now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if h.store == nil {
		resp.Checks["store"] = "missing"
	} else if err := h.store.Ping(ctx); err != nil {
		h.logger.Warnw("Store health check failed", "error", err)
		resp.Checks["store"] = "unreachable"
	}
	if h.broker == nil {
		resp.Checks["broker"] = "missing"
	} else if !h.broker.Ready() {
		resp.Checks["broker"] = "unavailable"
	}

	for _, v := range resp.Checks {
		if v != "ok" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	api.WriteJSON(w, status, resp, h.logger)
}
