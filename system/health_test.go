package system

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ride/api"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubStore struct{ err error }

func (s stubStore) Ping(context.Context) error { return s.err }

type stubBroker bool

func (b stubBroker) Ready() bool { return bool(b) }

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	require.NoError(t, api.Mount(router, h))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		store      Pinger
		broker     Readiness
		wantStatus int
		wantChecks map[string]string
	}{
		{"all ok", stubStore{}, stubBroker(true), http.StatusOK,
			map[string]string{"store": "ok", "broker": "ok"}},
		{"store down", stubStore{err: errors.New("no primary")}, stubBroker(true), http.StatusServiceUnavailable,
			map[string]string{"store": "unreachable", "broker": "ok"}},
		{"broker reconnecting", stubStore{}, stubBroker(false), http.StatusServiceUnavailable,
			map[string]string{"store": "ok", "broker": "unavailable"}},
		{"nothing wired", nil, nil, http.StatusServiceUnavailable,
			map[string]string{"store": "missing", "broker": "missing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.store, tt.broker, zaptest.NewLogger(t).Sugar())
			h.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

			rec := serve(t, h, "/health")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantChecks, resp.Checks)
			assert.Equal(t, "2024-05-01T12:00:00Z", resp.Time)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(t, NewHandler(stubStore{}, stubBroker(true), nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
