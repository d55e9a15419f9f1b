// ABOUTME: In-memory topic broadcaster for real-time dashboard notifications
// ABOUTME: Subscribers pick topics (or all of them) and receive non-blocking deliveries

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by the core.
const (
	TopicCallNew      = "call:new"
	TopicCallTurn     = "call:turn"
	TopicCallEnded    = "call:ended"
	TopicMessageNew   = "message:new"
	TopicAgentStatus  = "agent:status"
	TopicAgentStream  = "agent:stream"
	TopicTaskProgress = "task:progress"
	TopicTaskUpdated  = "task:updated"
	TopicUsageDaily   = "usage:daily"
)

const subscriberBufferSize = 64

// Notification is one published payload.
type Notification struct {
	Topic   string
	Payload any
	At      time.Time
}

type subscriber struct {
	ch     chan Notification
	topics map[string]bool // empty means every topic
}

func (s *subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Broadcaster is a pub/sub hub. The zero value is not usable; call New.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	logger *slog.Logger
}

// New creates a Broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "notify"),
	}
}

// Subscribe registers for the given topics, or every topic when none are
// given. The subscription ends when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topics ...string) (<-chan Notification, string) {
	id := uuid.New().String()
	sub := &subscriber{ch: make(chan Notification, subscriberBufferSize), topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, id
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id, "topics", topics)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return sub.ch, id
}

// Publish delivers payload to every interested subscriber. Full subscriber
// buffers drop the notification.
func (b *Broadcaster) Publish(topic string, payload any) {
	n := Notification{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.logger.Debug("dropped notification for slow subscriber", "sub_id", id, "topic", topic)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.closed = true
}
