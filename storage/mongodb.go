package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ride/config"
	"ride/metrics"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Store holds the MongoDB client and database
type Store struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// DialMongo opens a MongoDB session and verifies it with a ping.
// The context bounds both the connect and the ping.
func DialMongo(ctx context.Context, uri, dbName string, maxPoolSize uint64) (*Store, error) {
	clientOptions := options.Client().ApplyURI(uri).SetMaxPoolSize(maxPoolSize)
	if deadline, ok := ctx.Deadline(); ok {
		clientOptions.SetServerSelectionTimeout(time.Until(deadline))
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Store{
		Client:   client,
		Database: client.Database(dbName),
	}, nil
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.Client == nil {
		return ErrStoreClosed
	}
	return s.Client.Ping(ctx, readpref.Primary())
}

// Collection returns a handle to the named collection.
func (s *Store) Collection(name string) *mongo.Collection {
	return s.Database.Collection(name)
}

// Close disconnects the client. Safe on a nil store.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Disconnect(ctx)
}

// Dialer opens a new store session.
type Dialer func(ctx context.Context, uri, dbName string, maxPoolSize uint64) (*Store, error)

// Connector owns the single store handle of the process.
type Connector struct {
	logger      *zap.SugaredLogger
	dial        Dialer
	retryDelays []time.Duration

	mu    sync.Mutex
	store *Store
	uri   string
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithDialer replaces the MongoDB dialer, mainly for tests.
func WithDialer(d Dialer) ConnectorOption {
	return func(c *Connector) { c.dial = d }
}

// WithRetryDelays sets the waits between connection attempts. The last
// delay repeats when more retries are configured than delays given.
func WithRetryDelays(delays ...time.Duration) ConnectorOption {
	return func(c *Connector) { c.retryDelays = delays }
}

// NewConnector creates a store connector with no open session.
func NewConnector(logger *zap.SugaredLogger, opts ...ConnectorOption) *Connector {
	c := &Connector{
		logger:      logger,
		dial:        DialMongo,
		retryDelays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect returns the process store handle, dialing on first use. Each attempt
// is bounded by mongodb.connect_timeout; mongodb.connect_retries extra attempts
// are made before giving up with a *ConnectionError.
func (c *Connector) Connect(ctx context.Context, cfg *config.Config) (*Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		if c.uri != cfg.MongoDB.URI {
			c.logger.Warnw("Store already connected, ignoring different URI",
				"connected", config.RedactURI(c.uri),
				"requested", config.RedactURI(cfg.MongoDB.URI))
		}
		return c.store, nil
	}

	redacted := config.RedactURI(cfg.MongoDB.URI)
	maxRetries := cfg.MongoDB.ConnectRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt)
			c.logger.Infow("Retrying MongoDB connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay)
			select {
			case <-ctx.Done():
				return nil, &ConnectionError{URI: redacted, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.MongoDB.ConnectTimeout)
		store, err := c.dial(attemptCtx, cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.MaxPoolSize)
		cancel()
		if err == nil {
			metrics.StoreConnectAttempts.WithLabelValues("success").Inc()
			c.store = store
			c.uri = cfg.MongoDB.URI
			c.logger.Infow("Connected to MongoDB successfully",
				"uri", redacted,
				"database", cfg.MongoDB.Database)
			return store, nil
		}

		metrics.StoreConnectAttempts.WithLabelValues("failure").Inc()
		lastErr = err
		c.logger.Warnw("MongoDB connection attempt failed",
			"attempt", attempt+1,
			"error", err)
	}

	return nil, &ConnectionError{URI: redacted, Attempts: maxRetries + 1, Err: lastErr}
}

func (c *Connector) retryDelay(attempt int) time.Duration {
	if len(c.retryDelays) == 0 {
		return 0
	}
	if attempt > len(c.retryDelays) {
		return c.retryDelays[len(c.retryDelays)-1]
	}
	return c.retryDelays[attempt-1]
}

// Connected reports whether a store handle is cached.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store != nil
}

// Close disconnects the cached handle. A later Connect dials again.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	err := c.store.Close(ctx)
	c.store = nil
	c.uri = ""
	if err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	c.logger.Info("MongoDB connection closed")
	return nil
}
