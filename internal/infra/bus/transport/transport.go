// Package transport defines the cross-process pub/sub contract used to mirror
// events between bus instances.
package transport

import (
	"context"
	"strings"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// DefaultTopicPrefix is prepended to the channel name to build a topic.
const DefaultTopicPrefix = "coreflow:events:"

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription streams messages for one topic until closed. C is closed when the
// underlying connection ends.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Transport publishes payloads to topics and subscribes to them.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Topic builds the topic name for a channel.
func Topic(prefix string, channel schema.Channel) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + string(channel)
}
