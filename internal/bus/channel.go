// Package bus carries visit and billing events between kasan components.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencare-jp/kasan/internal/domain"
)

// defaultRequestTimeout bounds Request when the caller's context has no deadline.
const defaultRequestTimeout = 30 * time.Second

// ChannelBus is the Community tier bus: in-process fan-out over Go
// channels, one goroutine per subscription. Delivery is best-effort;
// a subscriber with a full buffer misses the message rather than
// blocking the publisher (billing evaluation must never stall on a
// slow diagnostics consumer).
type ChannelBus struct {
	mu      sync.RWMutex
	bufSize int
	routes  map[string][]*chanSub
	closed  bool
}

type chanSub struct {
	id     string
	tenant string
	topic  string
	inbox  chan *domain.Message
	cancel context.CancelFunc
}

// NewChannelBus creates an in-process bus. bufferSize is the per-subscriber
// inbox depth; zero or negative selects a sensible default.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufSize: bufferSize,
		routes:  make(map[string][]*chanSub),
	}
}

func routeKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

func envelope(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// Publish fans a message out to every subscriber of (tenantID, topic).
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := b.routes[routeKey(tenantID, topic)]
	b.mu.RUnlock()

	msg := envelope(tenantID, topic, payload)
	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			// inbox full, drop for this subscriber
		}
	}
	return nil
}

// Subscribe registers a handler for (tenantID, topic) and starts its
// delivery goroutine. The handler runs until Unsubscribe or Close.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &chanSub{
		id:     uuid.New().String(),
		tenant: tenantID,
		topic:  topic,
		inbox:  make(chan *domain.Message, b.bufSize),
		cancel: cancel,
	}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.inbox:
				if msg != nil {
					_ = handler(subCtx, msg)
				}
			}
		}
	}()

	key := routeKey(tenantID, topic)
	b.routes[key] = append(b.routes[key], sub)
	return sub, nil
}

// Request publishes to topic and waits for one reply on an ephemeral
// reply topic. The responder must echo to msg.Topic + ".reply." suffixes
// it learns out of band; with no responder the call times out.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(defaultRequestTimeout):
		return nil, fmt.Errorf("request timeout")
	}
}

// Ping reports whether the bus accepts traffic.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops all subscriptions. Idempotent.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	// Cancel only; never close the inboxes. A Publish that snapshotted
	// the routes before Close could still be sending, and a send to a
	// closed channel panics. Cancelled delivery goroutines exit and the
	// abandoned channels are collected once the last sender is done.
	for _, subs := range b.routes {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.routes = make(map[string][]*chanSub)
	return nil
}

func (s *chanSub) Unsubscribe() error {
	s.cancel()
	return nil
}

func (s *chanSub) Topic() string {
	return s.topic
}
