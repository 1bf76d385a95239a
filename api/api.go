// Package api assembles the HTTP side of the ride service: the request
// parsing pipeline, the outer middleware and the router that domain route
// sets are mounted on.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"ride/config"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// API holds the assembled handler chain. It never binds a listener on its
// own; Serve does that for a caller-provided listener.
type API struct {
	router   *mux.Router
	pipeline *Pipeline
	handler  http.Handler
	config   *config.Config
	logger   *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex

	serverMu sync.Mutex
	server   *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAPI mounts sets on a fresh router and wraps it in the pipeline and the
// outer middleware. Mount errors are returned unchanged.
func NewAPI(cfg *config.Config, logger *zap.SugaredLogger, pipeline *Pipeline, sets ...RouteSet) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api: config is nil")
	}
	if pipeline == nil {
		return nil, errors.New("api: pipeline is nil")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	a := &API{
		router:       mux.NewRouter(),
		pipeline:     pipeline,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil, nil)
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil, nil)
	})

	if err := Mount(a.router, sets...); err != nil {
		return nil, err
	}
	a.setupMiddleware()
	return a, nil
}

// setupMiddleware builds, outermost first: recovery, request ID and access
// log, rate limiting, the parsing pipeline, then the router.
func (a *API) setupMiddleware() {
	var h http.Handler = a.router
	h = a.pipeline.Middleware(h)
	if a.config.API.RateLimit.Enabled {
		h = a.rateLimitMiddleware(h)
		go a.cleanupRateLimiters(rateLimiterIdleTTL)
	}
	h = a.requestIDMiddleware(h)
	h = a.recoverMiddleware(h)
	a.handler = h
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Stages lists the pipeline stages in execution order.
func (a *API) Stages() []string {
	return a.pipeline.Stages()
}

// Router exposes the mux for route inspection.
func (a *API) Router() *mux.Router {
	return a.router
}

// Serve serves on ln until Shutdown. It returns nil after a graceful
// shutdown.
func (a *API) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      a,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}
	a.serverMu.Lock()
	select {
	case <-a.stopCh:
		a.serverMu.Unlock()
		_ = ln.Close()
		return nil
	default:
	}
	a.server = srv
	a.serverMu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops background work and, if Serve was called, drains the server.
func (a *API) Shutdown(ctx context.Context) error {
	a.serverMu.Lock()
	a.stopOnce.Do(func() { close(a.stopCh) })
	srv := a.server
	a.serverMu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
