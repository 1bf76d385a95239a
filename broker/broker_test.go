package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ride/config"
	"ride/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSession struct {
	mu         sync.Mutex
	lost       chan error
	subs       map[string][]Handler
	published  []Message
	closed     bool
	publishErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{lost: make(chan error, 1), subs: map[string][]Handler{}}
}

func (s *fakeSession) Publish(ctx context.Context, subject string, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.publishErr != nil {
		s.mu.Unlock()
		return s.publishErr
	}
	s.published = append(s.published, Message{Subject: subject, Data: data})
	handlers := append([]Handler(nil), s.subs[subject]...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(Message{Subject: subject, Data: data})
	}
	return nil
}

type fakeSubscription struct {
	session *fakeSession
	subject string
}

func (f *fakeSubscription) Unsubscribe() error {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	delete(f.session.subs, f.subject)
	return nil
}

func (s *fakeSession) Subscribe(subject string, handler Handler) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	s.subs[subject] = append(s.subs[subject], handler)
	return &fakeSubscription{session: s, subject: subject}, nil
}

func (s *fakeSession) Lost() <-chan error { return s.lost }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) drop(err error) { s.lost <- err }

func (s *fakeSession) subscribed(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[subject]) > 0
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakeSession
	down     bool
	block    bool
	dials    int
}

func (t *fakeTransport) Endpoint() string { return "fake://broker" }

func (t *fakeTransport) Dial(ctx context.Context) (Session, error) {
	t.mu.Lock()
	t.dials++
	down, block := t.down, t.block
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if down {
		return nil, errors.New("connection refused")
	}

	s := newFakeSession()
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) setDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

func (t *fakeTransport) current() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[len(t.sessions)-1]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func testOptions(t *testing.T) Options {
	return Options{
		ConnectTimeout:   time.Second,
		MaxReconnects:    5,
		ReconnectWait:    5 * time.Millisecond,
		MaxReconnectWait: 20 * time.Millisecond,
		Logger:           zaptest.NewLogger(t).Sugar(),
	}
}

func closeBroker(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestConnect(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	transport := &fakeTransport{}

	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	assert.True(t, b.Ready())
	assert.Equal(t, StateConnected, b.State())
	assert.Equal(t, "fake://broker", b.Endpoint())
}

func TestConnect_Failure(t *testing.T) {
	transport := &fakeTransport{down: true}

	b, err := Connect(context.Background(), transport, testOptions(t))
	require.Error(t, err)
	assert.Nil(t, b)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "connect", connErr.Phase)
	assert.Equal(t, "fake://broker", connErr.URL)
}

func TestConnect_BoundedByTimeout(t *testing.T) {
	transport := &fakeTransport{block: true}
	opts := testOptions(t)
	opts.ConnectTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := Connect(context.Background(), transport, opts)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBroker_PublishAndSubscribe(t *testing.T) {
	transport := &fakeTransport{}
	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	received := make(chan Message, 1)
	sub, err := b.Subscribe("new-ride", func(m Message) { received <- m })
	require.NoError(t, err)
	assert.Equal(t, "new-ride", sub.Subject())

	require.NoError(t, b.Publish(context.Background(), "new-ride", []byte(`{"id":"r1"}`)))

	select {
	case m := <-received:
		assert.Equal(t, `{"id":"r1"}`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBroker_OutageAndRecovery(t *testing.T) {
	transport := &fakeTransport{}
	opts := testOptions(t)
	opts.MaxReconnects = 1000
	b, err := Connect(context.Background(), transport, opts)
	require.NoError(t, err)
	defer closeBroker(t, b)

	var mu sync.Mutex
	var got []string
	_, err = b.Subscribe("ride-accepted", func(m Message) {
		mu.Lock()
		got = append(got, string(m.Data))
		mu.Unlock()
	})
	require.NoError(t, err)

	// Lose the connection while the broker stays down
	transport.setDown(true)
	first := transport.current()
	first.drop(errors.New("connection reset"))

	require.Eventually(t, func() bool { return b.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	err = b.Publish(context.Background(), "ride-accepted", []byte("during-outage"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "publish", unavailable.Op)

	_, err = b.Subscribe("other", func(Message) {})
	assert.ErrorIs(t, err, ErrUnavailable)

	// Bring the broker back
	transport.setDown(false)
	require.Eventually(t, b.Ready, 2*time.Second, 5*time.Millisecond)

	second := transport.current()
	assert.NotSame(t, first, second)
	assert.True(t, second.subscribed("ride-accepted"), "subscription re-attached")

	require.NoError(t, b.Publish(context.Background(), "ride-accepted", []byte("after")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"after"}, got)
}

func TestBroker_ReconnectExhausted(t *testing.T) {
	transport := &fakeTransport{}
	reported := make(chan error, 1)
	opts := testOptions(t)
	opts.MaxReconnects = 3
	opts.Reporter = func(err error) { reported <- err }

	b, err := Connect(context.Background(), transport, opts)
	require.NoError(t, err)
	defer closeBroker(t, b)

	transport.setDown(true)
	transport.current().drop(errors.New("server gone"))

	select {
	case err := <-reported:
		var connErr *ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, "reconnect", connErr.Phase)
		assert.Equal(t, 3, connErr.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal error not reported")
	}

	assert.Equal(t, StateFailed, b.State())
	assert.Equal(t, 4, transport.dialCount())
	assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrUnavailable)
}

func TestBroker_NoReconnectBudget(t *testing.T) {
	transport := &fakeTransport{}
	reported := make(chan error, 1)
	opts := testOptions(t)
	opts.MaxReconnects = 0
	opts.Reporter = func(err error) { reported <- err }

	b, err := Connect(context.Background(), transport, opts)
	require.NoError(t, err)
	defer closeBroker(t, b)

	cause := errors.New("eof")
	transport.current().drop(cause)

	select {
	case err := <-reported:
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("fatal error not reported")
	}
	assert.Equal(t, 1, transport.dialCount())
}

func TestBroker_CloseStopsReconnect(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	transport := &fakeTransport{}
	reported := make(chan error, 1)
	opts := testOptions(t)
	opts.MaxReconnects = 1000
	opts.Reporter = func(err error) { reported <- err }

	b, err := Connect(context.Background(), transport, opts)
	require.NoError(t, err)

	transport.setDown(true)
	transport.current().drop(errors.New("gone"))
	require.Eventually(t, func() bool { return transport.dialCount() > 2 }, time.Second, 5*time.Millisecond)

	closeBroker(t, b)
	assert.Equal(t, StateClosed, b.State())

	select {
	case err := <-reported:
		t.Fatalf("unexpected fatal report after close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Close is idempotent
	require.NoError(t, b.Close(context.Background()))
	assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrUnavailable)
}

func TestBroker_PublishErrorIsUnavailable(t *testing.T) {
	transport := &fakeTransport{}
	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	cause := errors.New("write: broken pipe")
	s := transport.current()
	s.mu.Lock()
	s.publishErr = cause
	s.mu.Unlock()

	err = b.Publish(context.Background(), "new-ride", []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestBroker_HandlerPanicIsContained(t *testing.T) {
	transport := &fakeTransport{}
	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	calls := 0
	_, err = b.Subscribe("new-ride", func(m Message) {
		calls++
		if string(m.Data) == "bad" {
			panic("cannot handle")
		}
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, b.Publish(context.Background(), "new-ride", []byte("bad")))
		require.NoError(t, b.Publish(context.Background(), "new-ride", []byte("good")))
	})
	assert.Equal(t, 2, calls)
}

func TestBroker_UnsubscribeIsNotReattached(t *testing.T) {
	transport := &fakeTransport{}
	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	sub, err := b.Subscribe("new-ride", func(Message) {})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	transport.current().drop(errors.New("reset"))
	require.Eventually(t, func() bool { return transport.dialCount() == 2 && b.Ready() }, time.Second, 5*time.Millisecond)
	assert.False(t, transport.current().subscribed("new-ride"))
}

type rideEvent struct {
	RideID string `json:"ride_id" msgpack:"ride_id"`
	Status string `json:"status" msgpack:"status"`
}

func TestBroker_PublishEventCodecs(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			transport := &fakeTransport{}
			opts := testOptions(t)
			opts.Codec = codec
			b, err := Connect(context.Background(), transport, opts)
			require.NoError(t, err)
			defer closeBroker(t, b)

			received := make(chan Message, 1)
			_, err = b.Subscribe("new-ride", func(m Message) { received <- m })
			require.NoError(t, err)

			require.NoError(t, b.PublishEvent(context.Background(), "new-ride", rideEvent{RideID: "r-1", Status: "requested"}))

			var got rideEvent
			require.NoError(t, b.Decode(<-received, &got))
			assert.Equal(t, rideEvent{RideID: "r-1", Status: "requested"}, got)
		})
	}
}

func TestBroker_PublishEventEncodeError(t *testing.T) {
	transport := &fakeTransport{}
	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	err = b.PublishEvent(context.Background(), "new-ride", make(chan int))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestBroker_SubscribeValidation(t *testing.T) {
	transport := &fakeTransport{}
	b, err := Connect(context.Background(), transport, testOptions(t))
	require.NoError(t, err)
	defer closeBroker(t, b)

	_, err = b.Subscribe("", func(Message) {})
	assert.Error(t, err)
	_, err = b.Subscribe("x", nil)
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Codec = "msgpack"
	cfg.Broker.MaxReconnects = 7
	cfg.Broker.ReconnectWait = time.Second

	opts, err := OptionsFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", opts.Codec.Name())
	assert.Equal(t, 7, opts.MaxReconnects)

	cfg.Broker.Codec = "xml"
	_, err = OptionsFromConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestUnavailableError(t *testing.T) {
	err := &UnavailableError{Op: "publish", Subject: "new-ride", State: StateReconnecting}
	assert.Equal(t, `publish "new-ride": broker unavailable (reconnecting)`, err.Error())
	assert.ErrorIs(t, err, ErrUnavailable)
}
