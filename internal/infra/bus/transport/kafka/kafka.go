// Package kafka mirrors bus events over Kafka topics using franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

// Config describes the Kafka cluster.
type Config struct {
	Brokers  []string
	ClientID string
	TLS      bool
	// AutoCreateTopics lets the producer create missing topics.
	AutoCreateTopics bool
	FetchMaxWait     time.Duration
	Buffer           int
}

// Validate ensures the broker list is present.
func (c Config) Validate() error {
	for _, broker := range c.Brokers {
		if strings.TrimSpace(broker) != "" {
			return nil
		}
	}
	return errs.New("transport/kafka", errs.CodeConfig, errs.WithMessage("kafka brokers required"))
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "coreflow"
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 500 * time.Millisecond
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
	}
	if c.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	return opts
}

// TopicName maps a bus topic onto the characters Kafka accepts.
func TopicName(topic string) string {
	var b strings.Builder
	b.Grow(len(topic))
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('.')
		}
	}
	return b.String()
}

// Transport produces through one shared client and consumes with one client per
// subscription. Consumers start at the log end, so each process sees every event
// published after it subscribed.
type Transport struct {
	cfg      Config
	extra    []kgo.Opt
	producer *kgo.Client
	logger   *log.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New constructs the transport. Clients connect lazily.
func New(cfg Config, opts ...kgo.Opt) (*Transport, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	producerOpts := cfg.baseOpts()
	if cfg.AutoCreateTopics {
		producerOpts = append(producerOpts, kgo.AllowAutoTopicCreation())
	}
	producerOpts = append(producerOpts, opts...)
	producer, err := kgo.NewClient(producerOpts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &Transport{
		cfg:      cfg,
		extra:    opts,
		producer: producer,
		logger:   log.New(os.Stdout, "coreflow/kafka ", log.LstdFlags|log.Lmicroseconds),
		subs:     make(map[*subscription]struct{}),
	}, nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	record := &kgo.Record{Topic: TopicName(topic), Value: payload}
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", record.Topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(_ context.Context, topic string) (transport.Subscription, error) {
	name := TopicName(topic)
	opts := append(t.cfg.baseOpts(),
		kgo.ConsumeTopics(name),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(t.cfg.FetchMaxWait),
	)
	opts = append(opts, t.extra...)
	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer %s: %w", name, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		topic:    topic,
		consumer: consumer,
		out:      make(chan transport.Message, t.cfg.Buffer),
		cancel:   cancel,
		stopped:  make(chan struct{}),
		parent:   t,
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	go sub.poll(ctx)
	return sub, nil
}

// Close ends every subscription and closes the producer.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()
	for sub := range subs {
		_ = sub.Close()
	}
	t.producer.Close()
	return nil
}

type subscription struct {
	topic    string
	consumer *kgo.Client
	out      chan transport.Message
	cancel   context.CancelFunc
	stopped  chan struct{}
	once     sync.Once
	parent   *Transport
}

func (s *subscription) C() <-chan transport.Message { return s.out }

func (s *subscription) poll(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.out)
	for {
		fetches := s.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.parent.logger.Printf("fetch %s/%d: %v", topic, partition, err)
		})
		delivered := true
		fetches.EachRecord(func(record *kgo.Record) {
			if !delivered {
				return
			}
			select {
			case s.out <- transport.Message{Topic: s.topic, Payload: record.Value}:
			case <-ctx.Done():
				delivered = false
			}
		})
		if !delivered {
			return
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.stopped
		s.consumer.Close()
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
	})
	return nil
}

var _ transport.Transport = (*Transport)(nil)
