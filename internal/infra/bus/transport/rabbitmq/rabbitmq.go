// Package rabbitmq mirrors bus events through a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

// DefaultExchange receives every mirrored event; the topic is the routing key.
const DefaultExchange = "coreflow.events"

// Config describes the broker connection.
type Config struct {
	URL      string
	Exchange string
	Username string
	Password string
	TLS      bool
	Prefetch int
	Buffer   int
}

// Validate ensures a broker URL is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errs.New("transport/rabbitmq", errs.CodeConfig, errs.WithMessage("rabbitmq url required"))
	}
	if c.Prefetch < 0 {
		return errs.New("transport/rabbitmq", errs.CodeConfig, errs.WithMessage("rabbitmq prefetch must be >= 0"))
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Prefetch == 0 {
		c.Prefetch = 64
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c Config) dialConfig() amqp091.Config {
	cfg := amqp091.Config{Heartbeat: 10 * time.Second, Locale: "en_US"}
	if c.Username != "" {
		cfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: c.Username, Password: c.Password}}
	}
	if c.TLS {
		cfg.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// RoutingKey maps a bus topic onto an AMQP routing key. Dots separate words in
// topic exchanges, so colons become dots.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Transport publishes on a shared channel and consumes through one exclusive,
// auto-deleted queue per subscription.
type Transport struct {
	cfg  Config
	conn *amqp091.Connection

	pubMu sync.Mutex
	pubCh *amqp091.Channel

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Dial connects, opens the publishing channel and declares the exchange.
func Dial(cfg Config) (*Transport, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cfg.URL, cfg.dialConfig())
	if err != nil {
		return nil, errs.New("transport/rabbitmq", errs.CodeUnavailable, errs.WithMessage("dial rabbitmq"), errs.WithCause(err))
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Transport{cfg: cfg, conn: conn, pubCh: ch, subs: make(map[*subscription]struct{})}, nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	err := t.pubCh.PublishWithContext(ctx, t.cfg.Exchange, RoutingKey(topic), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(_ context.Context, topic string) (transport.Subscription, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(step string, err error) (transport.Subscription, error) {
		_ = ch.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(queue.Name, RoutingKey(topic), t.cfg.Exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail("consume queue", err)
	}
	sub := &subscription{
		topic:  topic,
		ch:     ch,
		out:    make(chan transport.Message, t.cfg.Buffer),
		done:   make(chan struct{}),
		parent: t,
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	go sub.pump(deliveries)
	return sub, nil
}

// Close ends every subscription and the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()
	for sub := range subs {
		_ = sub.Close()
	}
	var errList []error
	t.pubMu.Lock()
	if t.pubCh != nil {
		if err := t.pubCh.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errList = append(errList, err)
		}
	}
	t.pubMu.Unlock()
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

type subscription struct {
	topic  string
	ch     *amqp091.Channel
	out    chan transport.Message
	done   chan struct{}
	once   sync.Once
	parent *Transport
}

func (s *subscription) C() <-chan transport.Message { return s.out }

func (s *subscription) pump(deliveries <-chan amqp091.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case s.out <- transport.Message{Topic: s.topic, Payload: d.Body}:
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
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp091.ErrClosed) {
			err = cerr
		}
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
	})
	return err
}

var _ transport.Transport = (*Transport)(nil)
