// Package redis mirrors bus events over Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

// Config describes the Redis connection.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Buffer sizes each subscription channel.
	Buffer int
}

// Validate ensures the connection settings are usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errs.New("transport/redis", errs.CodeConfig, errs.WithMessage("redis addr required"))
	}
	if c.DB < 0 {
		return errs.New("transport/redis", errs.CodeConfig, errs.WithMessage("redis db must be >= 0"))
	}
	return nil
}

func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// Transport publishes and subscribes through a Redis client.
type Transport struct {
	client *redis.Client
	owned  bool
	buffer int

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(cfg.options())
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New("transport/redis", errs.CodeUnavailable,
			errs.WithMessage("connect to "+cfg.Addr),
			errs.WithCause(err))
	}
	t := NewWithClient(client, cfg.Buffer)
	t.owned = true
	return t, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *redis.Client, buffer int) *Transport {
	if buffer <= 0 {
		buffer = 256
	}
	return &Transport{client: client, buffer: buffer, subs: make(map[*subscription]struct{})}
}

// Client exposes the underlying client for collaborators sharing the connection.
func (t *Transport) Client() *redis.Client {
	return t.client
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport. It waits for the subscription
// confirmation before returning.
func (t *Transport) Subscribe(ctx context.Context, topic string) (transport.Subscription, error) {
	pubsub := t.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	sub := &subscription{
		pubsub: pubsub,
		out:    make(chan transport.Message, t.buffer),
		done:   make(chan struct{}),
		parent: t,
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	go sub.pump(pubsub.Channel())
	return sub, nil
}

// Close ends every subscription and, when the transport dialled it, the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()
	for sub := range subs {
		_ = sub.Close()
	}
	if t.owned {
		return t.client.Close()
	}
	return nil
}

type subscription struct {
	pubsub *redis.PubSub
	out    chan transport.Message
	done   chan struct{}
	once   sync.Once
	parent *Transport
}

func (s *subscription) C() <-chan transport.Message { return s.out }

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- transport.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
	})
	return err
}

var _ transport.Transport = (*Transport)(nil)
