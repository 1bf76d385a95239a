package bootstrap

import (
	"context"
	"fmt"

	"ride/broker"
	"ride/config"
	"ride/storage"

	"go.uber.org/zap"
)

// StoreConnector acquires and releases the process-wide store handle.
// *storage.Connector implements it.
type StoreConnector interface {
	Connect(ctx context.Context, cfg *config.Config) (*storage.Store, error)
	Close(ctx context.Context) error
}

// TransportFactory picks the broker transport for a configuration.
type TransportFactory func(cfg *config.Config, logger *zap.SugaredLogger) (broker.Transport, error)

// InitStore connects the store, printing a classified banner on failure.
func InitStore(ctx context.Context, connector StoreConnector, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.Store, error) {
	store, err := connector.Connect(ctx, cfg)
	if err != nil {
		printFatal("MongoDB Connection Failed",
			ClassifyConnectionError(err, "MongoDB", config.RedactURI(cfg.MongoDB.URI)))
		return nil, err
	}
	sugar.Infow("Connected to MongoDB", "database", cfg.MongoDB.Database)
	return store, nil
}

// InitBroker dials the broker. reporter receives the fatal error if the
// connection is later lost for good.
func InitBroker(ctx context.Context, newTransport TransportFactory, cfg *config.Config, sugar *zap.SugaredLogger, reporter func(error)) (*broker.Broker, error) {
	transport, err := newTransport(cfg, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker transport: %w", err)
	}
	opts, err := broker.OptionsFromConfig(cfg, sugar, reporter)
	if err != nil {
		return nil, fmt.Errorf("invalid broker options: %w", err)
	}

	b, err := broker.Connect(ctx, transport, opts)
	if err != nil {
		printFatal("Broker Connection Failed",
			ClassifyConnectionError(err, "broker", transport.Endpoint()))
		return nil, err
	}
	sugar.Infow("Connected to message broker", "endpoint", b.Endpoint(), "codec", b.Codec().Name())
	return b, nil
}
