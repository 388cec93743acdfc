// Package eventbus provides the orchestrator's in-process publish/subscribe
// fabric. Delivery to live subscribers is at-least-once and best-effort;
// the durable Event row written by callers alongside Publish is the source
// of truth for anything that must survive a restart or be replayed.
package eventbus

import (
	"strings"
	"sync"

	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/shared/logging"
	"go.uber.org/zap"
)

const defaultBufferSize = 256

// Bus is a bounded-buffer, prefix-routed pub/sub fabric. A slow subscriber
// never blocks a publisher: once its buffer is full, the oldest queued
// event is dropped to make room for the new one.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	bufferSize  int
	logger      *zap.Logger
}

type subscription struct {
	prefix string
	ch     chan domain.Event
	mu     sync.Mutex
}

// New creates a Bus with the default per-subscriber buffer size.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[*subscription]struct{}),
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// Subscribe returns a channel that receives every published Event whose
// Type starts with prefix. An empty prefix matches all events. Callers
// must eventually call the returned cancel function to stop delivery;
// cancel unregisters the subscription but does not close the channel.
func (b *Bus) Subscribe(prefix string) (<-chan domain.Event, func()) {
	sub := &subscription{
		prefix: prefix,
		ch:     make(chan domain.Event, b.bufferSize),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}

	return sub.ch, cancel
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !strings.HasPrefix(string(event.Type), sub.prefix) {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event domain.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Buffer full: drop the oldest queued event to make room, logging the
	// backpressure so it shows up in metrics/alerts rather than silently
	// losing data.
	select {
	case dropped := <-sub.ch:
		if b.logger != nil {
			b.logger.Warn("eventbus dropping oldest queued event under backpressure",
				zap.String("dropped_type", string(dropped.Type)),
				zap.String("prefix", sub.prefix))
		}
	default:
	}

	select {
	case sub.ch <- event:
	default:
		if b.logger != nil {
			b.logger.Warn("eventbus dropped event, subscriber buffer still full",
				zap.Any("fields", logging.NewFields().Component("eventbus").Custom("event_type", string(event.Type))))
		}
	}
}
