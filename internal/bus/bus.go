// Package bus provides the in-process publish/subscribe channel that
// decouples the reconciliation core from whatever transport forwards change
// notifications to external subscribers.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type tags a change notification.
type Type string

const (
	TypeNewEvent        Type = "newEvent"
	TypeAttackerUpdated Type = "attackerUpdated"
	TypeSyncComplete    Type = "syncComplete"
	TypeSyncError       Type = "syncError"
)

// Message is the envelope for data transmitted over the bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      Type
	Payload   any
}

// Bus fans messages out to subscriber channels. Delivery is best effort: a
// subscriber whose buffer is full misses the message rather than blocking
// the sync cycle that produced it.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[Type][]chan Message
	closed      bool

	dropped atomic.Uint64
}

// New initializes a Bus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		logger:      logger.Named("bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[Type][]chan Message),
	}
}

// Publish sends a message to every subscriber of msgType. It never blocks.
func (b *Bus) Publish(msgType Type, payload any) {
	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subscribers[msgType] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Subscriber buffer full, dropping notification",
				zap.String("type", string(msgType)),
				zap.String("id", msg.ID))
		}
	}
}

// Subscribe returns a channel receiving the given message types and an
// unsubscribe function. The channel is closed on unsubscribe or bus Close.
func (b *Bus) Subscribe(msgTypes ...Type) (<-chan Message, func()) {
	if len(msgTypes) == 0 {
		msgTypes = []Type{TypeNewEvent, TypeAttackerUpdated, TypeSyncComplete, TypeSyncError}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := make([]Type, len(msgTypes))
	copy(subscribed, msgTypes)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range subscribed {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Dropped reports how many notifications were discarded because a subscriber
// could not keep up.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Message]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	b.subscribers = nil
}
