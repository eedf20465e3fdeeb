// Package eventbus is the in-process typed publish-subscribe fan-out for
// lifecycle, quality and error events. Subscribers poll bounded channels;
// slow subscribers lose the oldest events, with same-type coalescing for
// the high-frequency telemetry kinds. Delivery is best-effort: session
// state is the source of truth.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/pkg/utils"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 64

// Bus fans events out to subscribers. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	buffer int
	logger *zap.SugaredLogger
	closed bool
}

type subscription struct {
	id string
	ch chan domain.Event
	mu sync.Mutex // serializes the drop-oldest dance on overflow
}

// New creates a bus with the given per-subscriber buffer (0 uses the
// default).
func New(buffer int, logger *zap.SugaredLogger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		subs:   make(map[string]*subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel and an
// unsubscribe func. The channel closes on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id: utils.GenerateSubscriberID(),
		ch: make(chan domain.Event, b.buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub

	return sub.ch, func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish stamps and delivers an event to every subscriber without
// blocking. On a full channel the oldest event is discarded; when both the
// incoming and the discarded event are coalescable telemetry of the same
// type the drop is silent, otherwise it is logged at debug.
func (b *Bus) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		sub.mu.Lock()
		select {
		case sub.ch <- ev:
		default:
			select {
			case old := <-sub.ch:
				if !(old.Type == ev.Type && ev.Type.Coalescable()) {
					b.logger.Debugw("slow subscriber dropped event",
						"subscriber", sub.id,
						"dropped", old.Type,
					)
				}
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
		sub.mu.Unlock()
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
