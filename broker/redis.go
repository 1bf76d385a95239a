package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ride/config"
	"ride/util/goroutine"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport carries broker traffic over Redis pub/sub. Loss is detected
// by a periodic ping since pub/sub connections reconnect silently.
type RedisTransport struct {
	url            string
	options        *redis.Options
	healthInterval time.Duration
	logger         *zap.SugaredLogger
}

// NewRedisTransport creates a transport for a redis:// or rediss:// URL.
func NewRedisTransport(url, name string, healthInterval time.Duration, logger *zap.SugaredLogger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis broker url: %w", err)
	}
	opts.ClientName = name
	// Fail fast so the Broker sees outages instead of client retries
	opts.MaxRetries = -1
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &RedisTransport{url: url, options: opts, healthInterval: healthInterval, logger: logger}, nil
}

// Endpoint returns the redacted server URL.
func (t *RedisTransport) Endpoint() string {
	return config.RedactURI(t.url)
}

// Dial opens a client and verifies it with PING.
func (t *RedisTransport) Dial(ctx context.Context) (Session, error) {
	opts := *t.options
	if deadline, ok := ctx.Deadline(); ok {
		opts.DialTimeout = time.Until(deadline)
	}

	client := redis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	s := &redisSession{
		client: client,
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: t.logger,
	}
	s.wg.Add(1)
	goroutine.Go("redis-health", t.logger, func() {
		defer s.wg.Done()
		s.monitor(t.healthInterval)
	})
	return s, nil
}

type redisSession struct {
	client *redis.Client
	logger *zap.SugaredLogger

	lost     chan error
	lostOnce sync.Once

	mu      sync.Mutex
	pubsubs map[*redisSubscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *redisSession) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				s.signal(err)
				return
			}
		}
	}
}

func (s *redisSession) signal(err error) {
	s.lostOnce.Do(func() {
		s.lost <- err
	})
}

func (s *redisSession) Lost() <-chan error {
	return s.lost
}

func (s *redisSession) Publish(ctx context.Context, subject string, data []byte) error {
	return s.client.Publish(ctx, subject, data).Err()
}

func (s *redisSession) Subscribe(subject string, handler Handler) (Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := s.client.Subscribe(ctx, subject)
	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &redisSubscription{session: s, pubsub: pubsub}
	s.mu.Lock()
	if s.pubsubs == nil {
		s.pubsubs = make(map[*redisSubscription]struct{})
	}
	s.pubsubs[sub] = struct{}{}
	s.mu.Unlock()

	ch := pubsub.Channel()
	s.wg.Add(1)
	goroutine.Go("redis-subscription:"+subject, s.logger, func() {
		defer s.wg.Done()
		for msg := range ch {
			handler(Message{Subject: msg.Channel, Data: []byte(msg.Payload)})
		}
	})
	return sub, nil
}

func (s *redisSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		subs := s.pubsubs
		s.pubsubs = nil
		s.mu.Unlock()
		for sub := range subs {
			_ = sub.pubsub.Close()
		}

		err = s.client.Close()
		s.wg.Wait()
	})
	return err
}

type redisSubscription struct {
	session *redisSession
	pubsub  *redis.PubSub
}

func (r *redisSubscription) Unsubscribe() error {
	r.session.mu.Lock()
	delete(r.session.pubsubs, r)
	r.session.mu.Unlock()
	return r.pubsub.Close()
}
