// Package broker keeps one message-broker connection alive for the process.
//
// Connect dials once and fails with *ConnectionError if the broker cannot be
// reached within the connect timeout. After that, a lost session is replaced
// in the background with exponential backoff; subscriptions are re-attached
// before the new session becomes visible. While no session is live, Publish
// and Subscribe fail fast with an error matching ErrUnavailable. When the
// reconnect budget is spent the broker moves to StateFailed and hands a
// *ConnectionError to Options.Reporter.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ride/config"
	"ride/metrics"
	"ride/util/goroutine"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is the connection state of a Broker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Broker.
type Options struct {
	ConnectTimeout   time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration
	Codec            Codec
	// Reporter receives the fatal error once reconnection is exhausted.
	Reporter func(error)
	Logger   *zap.SugaredLogger
}

// OptionsFromConfig builds broker options from the broker config section.
func OptionsFromConfig(cfg *config.Config, logger *zap.SugaredLogger, reporter func(error)) (Options, error) {
	codec, err := CodecByName(cfg.Broker.Codec)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ConnectTimeout:   cfg.Broker.ConnectTimeout,
		MaxReconnects:    cfg.Broker.MaxReconnects,
		ReconnectWait:    cfg.Broker.ReconnectWait,
		MaxReconnectWait: cfg.Broker.MaxReconnectWait,
		Codec:            codec,
		Reporter:         reporter,
		Logger:           logger,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxReconnects < 0 {
		o.MaxReconnects = 0
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 500 * time.Millisecond
	}
	if o.MaxReconnectWait < o.ReconnectWait {
		o.MaxReconnectWait = o.ReconnectWait
	}
	if o.Codec == nil {
		o.Codec = JSON
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Broker is the shared broker handle.
type Broker struct {
	transport Transport
	opts      Options
	logger    *zap.SugaredLogger

	mu      sync.RWMutex
	session Session
	state   State
	subs    map[uint64]*Sub
	nextID  uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials the transport and returns a connected Broker.
func Connect(ctx context.Context, transport Transport, opts Options) (*Broker, error) {
	opts = opts.withDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
		subs:      make(map[uint64]*Sub),
		ctx:       baseCtx,
		cancel:    cancel,
	}

	b.mu.Lock()
	b.setStateLocked(StateConnecting)
	b.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer dialCancel()

	session, err := transport.Dial(dialCtx)
	if err != nil {
		cancel()
		b.mu.Lock()
		b.setStateLocked(StateDisconnected)
		b.mu.Unlock()
		return nil, &ConnectionError{URL: transport.Endpoint(), Phase: "connect", Attempts: 1, Err: err}
	}

	b.mu.Lock()
	b.session = session
	b.setStateLocked(StateConnected)
	b.mu.Unlock()

	b.logger.Infow("Connected to broker", "endpoint", transport.Endpoint())
	b.watch(session)
	return b, nil
}

// setStateLocked requires b.mu held for writing.
func (b *Broker) setStateLocked(s State) {
	b.state = s
	metrics.BrokerState.Set(float64(s))
}

// State returns the current connection state.
func (b *Broker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Ready reports whether publishes can currently be attempted.
func (b *Broker) Ready() bool {
	return b.State() == StateConnected
}

// Endpoint returns the redacted broker address.
func (b *Broker) Endpoint() string {
	return b.transport.Endpoint()
}

// Codec returns the payload codec used by PublishEvent and Decode.
func (b *Broker) Codec() Codec {
	return b.opts.Codec
}

func (b *Broker) watch(s Session) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer goroutine.Recover("broker-watch", b.logger)

		select {
		case <-b.ctx.Done():
		case err := <-s.Lost():
			b.handleLost(s, err)
		}
	}()
}

func (b *Broker) handleLost(s Session, cause error) {
	b.mu.Lock()
	if b.session != s || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.session = nil
	for _, sub := range b.subs {
		sub.active = nil
	}
	b.setStateLocked(StateReconnecting)
	b.mu.Unlock()

	_ = s.Close()
	b.logger.Warnw("Broker connection lost, reconnecting",
		"endpoint", b.transport.Endpoint(),
		"error", cause,
		"max_reconnects", b.opts.MaxReconnects)

	b.reconnect(cause)
}

func (b *Broker) reconnect(cause error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.ReconnectWait
	bo.MaxInterval = b.opts.MaxReconnectWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	bo.Reset()

	lastErr := cause
	for attempt := 1; attempt <= b.opts.MaxReconnects; attempt++ {
		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		session, err := b.dial()
		if err == nil {
			err = b.attach(session)
			if errors.Is(err, ErrClosed) {
				return
			}
		}
		if err == nil {
			metrics.BrokerReconnectAttempts.WithLabelValues("success").Inc()
			b.logger.Infow("Reconnected to broker",
				"endpoint", b.transport.Endpoint(),
				"attempt", attempt)
			b.watch(session)
			return
		}

		metrics.BrokerReconnectAttempts.WithLabelValues("failure").Inc()
		lastErr = err
		b.logger.Warnw("Broker reconnect attempt failed",
			"attempt", attempt,
			"max_reconnects", b.opts.MaxReconnects,
			"delay", delay,
			"error", err)
	}

	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.setStateLocked(StateFailed)
	b.mu.Unlock()

	connErr := &ConnectionError{
		URL:      b.transport.Endpoint(),
		Phase:    "reconnect",
		Attempts: b.opts.MaxReconnects,
		Err:      lastErr,
	}
	b.logger.Errorw("Broker reconnection exhausted", "error", connErr)
	if b.opts.Reporter != nil {
		b.opts.Reporter(connErr)
	}
}

func (b *Broker) dial() (Session, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.ConnectTimeout)
	defer cancel()
	return b.transport.Dial(ctx)
}

// attach re-subscribes every registered subscription on session and then
// publishes it as the live session, all under the write lock. On failure the
// session is closed after the lock is released, since closing may wait for
// handlers that are blocked on the lock.
func (b *Broker) attach(session Session) error {
	err := b.attachLocked(session)
	if err != nil {
		_ = session.Close()
	}
	return err
}

func (b *Broker) attachLocked(session Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return ErrClosed
	}

	for _, sub := range b.subs {
		active, err := session.Subscribe(sub.subject, sub.dispatch)
		if err != nil {
			for _, s := range b.subs {
				s.active = nil
			}
			return fmt.Errorf("resubscribe %q: %w", sub.subject, err)
		}
		sub.active = active
	}

	b.session = session
	b.setStateLocked(StateConnected)
	return nil
}

// Publish sends raw data on subject.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	session, state := b.session, b.state
	b.mu.RUnlock()

	if session == nil {
		metrics.BrokerPublishes.WithLabelValues(subject, "unavailable").Inc()
		return &UnavailableError{Op: "publish", Subject: subject, State: state}
	}

	if err := session.Publish(ctx, subject, data); err != nil {
		metrics.BrokerPublishes.WithLabelValues(subject, "error").Inc()
		return &UnavailableError{Op: "publish", Subject: subject, State: b.State(), Err: err}
	}

	metrics.BrokerPublishes.WithLabelValues(subject, "ok").Inc()
	return nil
}

// PublishEvent encodes v with the broker codec and publishes it.
func (b *Broker) PublishEvent(ctx context.Context, subject string, v interface{}) error {
	data, err := b.opts.Codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	return b.Publish(ctx, subject, data)
}

// Decode decodes a message payload with the broker codec.
func (b *Broker) Decode(msg Message, v interface{}) error {
	if err := b.opts.Codec.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", msg.Subject, err)
	}
	return nil
}

// Sub is a subscription registered with the Broker. It survives reconnects.
type Sub struct {
	broker  *Broker
	id      uint64
	subject string
	handler Handler
	active  Subscription // guarded by broker.mu
}

// Subject returns the subscribed subject.
func (s *Sub) Subject() string {
	return s.subject
}

func (s *Sub) dispatch(msg Message) {
	metrics.BrokerMessagesReceived.WithLabelValues(s.subject).Inc()
	_ = goroutine.Safe("broker-handler:"+s.subject, s.broker.logger, func() {
		s.handler(msg)
	})
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Sub) Unsubscribe() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; !ok {
		return nil
	}
	delete(b.subs, s.id)
	if s.active == nil {
		return nil
	}
	err := s.active.Unsubscribe()
	s.active = nil
	return err
}

// Subscribe registers handler for subject. It fails with ErrUnavailable when
// no session is live; once registered it is re-attached after reconnects.
func (b *Broker) Subscribe(subject string, handler Handler) (*Sub, error) {
	if subject == "" {
		return nil, errors.New("subscribe: empty subject")
	}
	if handler == nil {
		return nil, errors.New("subscribe: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, &UnavailableError{Op: "subscribe", Subject: subject, State: b.state}
	}

	b.nextID++
	sub := &Sub{broker: b, id: b.nextID, subject: subject, handler: handler}
	active, err := b.session.Subscribe(subject, sub.dispatch)
	if err != nil {
		return nil, &UnavailableError{Op: "subscribe", Subject: subject, State: b.state, Err: err}
	}
	sub.active = active
	b.subs[sub.id] = sub
	return sub, nil
}

// Close stops reconnection, closes the live session and waits for background
// goroutines until ctx is done.
func (b *Broker) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.cancel()

		b.mu.Lock()
		session := b.session
		b.session = nil
		b.subs = make(map[uint64]*Sub)
		b.setStateLocked(StateClosed)
		b.mu.Unlock()

		if session != nil {
			closeErr = session.Close()
		}
		b.logger.Infow("Broker connection closed", "endpoint", b.transport.Endpoint())
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
