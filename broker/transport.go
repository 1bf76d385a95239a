package broker

import (
	"context"
	"fmt"
	"net/url"

	"ride/config"

	"go.uber.org/zap"
)

// Message is a payload delivered on a subject.
type Message struct {
	Subject string
	Data    []byte
}

// Handler consumes messages of a subscription. It runs on a transport
// goroutine and must not block for long.
type Handler func(Message)

// Subscription is an active transport-level subscription.
type Subscription interface {
	Unsubscribe() error
}

// Session is one live connection to the broker. A session never reconnects
// on its own; it signals Lost and the Broker dials a replacement.
type Session interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// Lost yields at most one value, when the connection is gone.
	Lost() <-chan error
	Close() error
}

// Transport dials sessions to one broker endpoint.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
	// Endpoint names the broker for logs, with credentials removed.
	Endpoint() string
}

// NewTransport picks a transport from the scheme of broker.url:
// nats:// and tls:// use NATS, redis:// and rediss:// use Redis pub/sub.
func NewTransport(cfg *config.Config, logger *zap.SugaredLogger) (Transport, error) {
	u, err := url.Parse(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	switch u.Scheme {
	case "nats", "tls":
		return NewNATSTransport(cfg.Broker.URL, cfg.Broker.ClientName, cfg.Broker.HealthInterval, logger), nil
	case "redis", "rediss":
		return NewRedisTransport(cfg.Broker.URL, cfg.Broker.ClientName, cfg.Broker.HealthInterval, logger)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
