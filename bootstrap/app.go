package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ride/api"
	"ride/broker"
	"ride/config"
	"ride/rides"
	"ride/storage"
	"ride/system"

	"go.uber.org/zap"
)

// releaseTimeout bounds cleanup when Build aborts.
const releaseTimeout = 5 * time.Second

// Dependencies are the handles route sets are built from.
type Dependencies struct {
	Config *config.Config
	Logger *zap.SugaredLogger
	Store  *storage.Store
	Broker *broker.Broker
}

// RouteSetFactory builds one route set once the dependencies exist.
type RouteSetFactory func(deps Dependencies) (api.RouteSet, error)

// SystemRoutes mounts GET /health and GET /metrics.
func SystemRoutes(deps Dependencies) (api.RouteSet, error) {
	return system.NewHandler(deps.Store, deps.Broker, deps.Logger), nil
}

// RideRoutes mounts the ride request routes over the rides collection.
func RideRoutes(deps Dependencies) (api.RouteSet, error) {
	return rides.NewHandler(storage.NewRideStorage(deps.Store, deps.Logger), deps.Broker, deps.Logger), nil
}

// Option customizes an Assembler.
type Option func(*Assembler)

// WithConfigLoader replaces config.LoadConfig.
func WithConfigLoader(load func() (*config.Config, error)) Option {
	return func(a *Assembler) { a.loadConfig = load }
}

// WithConfig skips loading and uses cfg as is.
func WithConfig(cfg *config.Config) Option {
	return func(a *Assembler) {
		a.loadConfig = func() (*config.Config, error) { return cfg, nil }
	}
}

// WithLogger replaces the logger built from the log settings.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// WithStoreConnector replaces the MongoDB connector.
func WithStoreConnector(c StoreConnector) Option {
	return func(a *Assembler) { a.connector = c }
}

// WithTransportFactory replaces broker.NewTransport.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *Assembler) { a.newTransport = f }
}

// WithRouteSets replaces the default system and ride route sets.
func WithRouteSets(factories ...RouteSetFactory) Option {
	return func(a *Assembler) { a.routeSets = factories }
}

// WithStages replaces the default pipeline stages.
func WithStages(stages ...api.Stage) Option {
	return func(a *Assembler) { a.stages = stages }
}

// Assembler wires the application in a fixed order: configuration, logger,
// store, broker, pipeline, routes.
type Assembler struct {
	loadConfig   func() (*config.Config, error)
	logger       *zap.Logger
	connector    StoreConnector
	newTransport TransportFactory
	routeSets    []RouteSetFactory
	stages       []api.Stage
}

// New returns an Assembler with production defaults.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		loadConfig:   config.LoadConfig,
		newTransport: broker.NewTransport,
		routeSets:    []RouteSetFactory{SystemRoutes, RideRoutes},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build acquires every dependency and returns the servable application. The
// first failure aborts the chain; whatever was already opened is released,
// broker before store, and no App is returned. No listener is bound.
func (a *Assembler) Build(ctx context.Context) (_ *App, err error) {
	cfg, err := InitConfig(a.loadConfig)
	if err != nil {
		return nil, err
	}

	logger := a.logger
	if logger == nil {
		logger, _, err = InitLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}
	sugar := logger.Sugar()
	logConfig(cfg, sugar)

	app := &App{
		config: cfg,
		logger: logger,
		sugar:  sugar,
		fatal:  make(chan error, 1),
	}
	defer func() {
		if err != nil {
			sugar.Errorw("Startup aborted", "error", err)
			app.release()
		}
	}()

	connector := a.connector
	if connector == nil {
		connector = storage.NewConnector(sugar)
	}
	store, err := InitStore(ctx, connector, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.connector = connector

	b, err := InitBroker(ctx, a.newTransport, cfg, sugar, app.reportFatal)
	if err != nil {
		return nil, err
	}
	app.broker = b

	stages := a.stages
	if stages == nil {
		stages = api.DefaultStages(cfg)
	}
	pipeline, err := api.NewPipeline(sugar, stages...)
	if err != nil {
		return nil, fmt.Errorf("failed to build middleware pipeline: %w", err)
	}

	deps := Dependencies{Config: cfg, Logger: sugar, Store: store, Broker: b}
	sets := make([]api.RouteSet, 0, len(a.routeSets))
	for _, factory := range a.routeSets {
		set, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build route set: %w", err)
		}
		sets = append(sets, set)
	}

	server, err := api.NewAPI(cfg, sugar, pipeline, sets...)
	if err != nil {
		return nil, fmt.Errorf("failed to mount routes: %w", err)
	}
	app.server = server

	sugar.Infow("Application assembled", "stages", pipeline.Stages())
	return app, nil
}

// App is the assembled application. It serves HTTP in-process through
// ServeHTTP; binding a listener is left to the caller.
type App struct {
	config    *config.Config
	logger    *zap.Logger
	sugar     *zap.SugaredLogger
	connector StoreConnector
	broker    *broker.Broker
	server    *api.API

	fatal        chan error
	shutdownOnce sync.Once
	shutdownErr  error
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.server.ServeHTTP(w, r)
}

// Stages lists the middleware pipeline stages in execution order.
func (a *App) Stages() []string {
	return a.server.Stages()
}

func (a *App) Config() *config.Config {
	return a.config
}

func (a *App) Logger() *zap.SugaredLogger {
	return a.sugar
}

// API exposes the HTTP side, used by the serve command to bind a listener.
func (a *App) API() *api.API {
	return a.server
}

// Fatal delivers at most one error that should end the process, such as a
// broker connection lost beyond its reconnect budget.
func (a *App) Fatal() <-chan error {
	return a.fatal
}

func (a *App) reportFatal(err error) {
	a.sugar.Errorw("Fatal dependency failure", "error", err)
	select {
	case a.fatal <- err:
	default:
	}
}

// Shutdown stops the HTTP side, then closes the broker, then the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.sugar.Info("Shutting down...")
		var errs []error
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if a.broker != nil {
			if err := a.broker.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("broker: %w", err))
			}
		}
		if a.connector != nil {
			if err := a.connector.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("store: %w", err))
			}
		}
		a.shutdownErr = errors.Join(errs...)
		a.sugar.Info("Shutdown complete")
		_ = a.logger.Sync()
	})
	return a.shutdownErr
}

// release undoes a partial Build with its own deadline, since the build
// context may be the reason it failed.
func (a *App) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		a.sugar.Warnw("Failed to release startup resources", "error", err)
	}
}
