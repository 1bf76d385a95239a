package broker

import (
	"context"
	"sync"
	"time"

	"ride/config"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultFlushTimeout = 2 * time.Second

// NATSTransport dials NATS core connections. Client-side reconnection is
// disabled; the Broker owns the reconnect policy.
type NATSTransport struct {
	url          string
	name         string
	pingInterval time.Duration
	logger       *zap.SugaredLogger
}

// NewNATSTransport creates a transport for a nats:// or tls:// URL.
func NewNATSTransport(url, name string, pingInterval time.Duration, logger *zap.SugaredLogger) *NATSTransport {
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}
	return &NATSTransport{url: url, name: name, pingInterval: pingInterval, logger: logger}
}

// Endpoint returns the redacted server URL.
func (t *NATSTransport) Endpoint() string {
	return config.RedactURI(t.url)
}

// Dial connects to the server, giving up when ctx is done.
func (t *NATSTransport) Dial(ctx context.Context) (Session, error) {
	s := &natsSession{lost: make(chan error, 1)}

	timeout := nats.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	opts := []nats.Option{
		nats.Name(t.name),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.PingInterval(t.pingInterval),
		nats.MaxPingsOutstanding(2),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			s.signal(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.signal(nats.ErrConnectionClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Warnw("NATS async error", "subject", subject, "error", err)
		}),
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(t.url, opts...)
		ch <- result{nc: nc, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we stopped waiting
		go func() {
			if r := <-ch; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		s.nc = r.nc
		return s, nil
	}
}

type natsSession struct {
	nc       *nats.Conn
	lost     chan error
	lostOnce sync.Once
}

func (s *natsSession) signal(err error) {
	s.lostOnce.Do(func() {
		s.lost <- err
	})
}

func (s *natsSession) Lost() <-chan error {
	return s.lost
}

func (s *natsSession) Publish(ctx context.Context, subject string, data []byte) error {
	if err := s.nc.Publish(subject, data); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return s.nc.FlushWithContext(ctx)
	}
	return s.nc.FlushTimeout(defaultFlushTimeout)
}

func (s *natsSession) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *natsSession) Close() error {
	s.nc.Close()
	return nil
}
