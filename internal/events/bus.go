// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies what an event announces.
type Type string

const (
	// TypePatternReload carries a schemas.ReloadSignal received from the reload channel.
	TypePatternReload Type = "pattern_reload"
	// TypeStateTransition carries the schemas.OrchestrationState version just persisted.
	TypeStateTransition Type = "state_transition"
	// TypeDeadLetter carries the report of a dead letter sweep that moved at
	// least one message.
	TypeDeadLetter Type = "dead_letter"
)

// ErrBusClosed is returned by Post after Shutdown started.
var ErrBusClosed = errors.New("event bus is shut down")

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      Type
	Payload   any
}

// Bus is the in-process publish/subscribe fan-out between components. Every
// delivered event must be acknowledged so Shutdown can wait for consumers.
type Bus struct {
	logger *zap.Logger

	subscribers map[Type][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	// inFlight counts events delivered but not yet acknowledged.
	inFlight sync.WaitGroup
	// posting counts active Post calls.
	posting sync.WaitGroup

	done       chan struct{}
	closeOnce  sync.Once
	closed     bool
	closedLock sync.Mutex
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
	}
}

// Post delivers payload to every subscriber of t. It blocks while a
// subscriber's buffer is full, until ctx is done or the bus shuts down.
func (b *Bus) Post(ctx context.Context, t Type, payload any) error {
	b.closedLock.Lock()
	if b.closed {
		b.closedLock.Unlock()
		return ErrBusClosed
	}
	b.posting.Add(1)
	b.closedLock.Unlock()
	defer b.posting.Done()

	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   payload,
	}

	b.mu.RLock()
	subs := append([]chan Event(nil), b.subscribers[t]...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	b.logger.Debug("Posting event", zap.String("type", string(t)), zap.String("id", ev.ID), zap.Int("subscribers", len(subs)))

	for _, ch := range subs {
		b.inFlight.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.inFlight.Done()
			return ctx.Err()
		case <-b.done:
			b.inFlight.Done()
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe returns a channel of events of the given types and a function
// that stops delivery and releases anything left in the buffer. The channel
// is closed by Shutdown.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	if len(types) == 0 {
		panic("events: must subscribe to at least one event type")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.closedLock.Lock()
	closed := b.closed
	b.closedLock.Unlock()
	if closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, b.bufferSize)
	subscribed := append([]Type(nil), types...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range subscribed {
			subs := b.subscribers[t]
			for i, c := range subs {
				if c == ch {
					b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[t]) == 0 {
				delete(b.subscribers, t)
			}
		}
		// Events still buffered will never be read.
		for {
			select {
			case _, open := <-ch:
				if !open {
					return
				}
				b.inFlight.Done()
			default:
				return
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge marks a received event as processed.
func (b *Bus) Acknowledge(Event) {
	b.inFlight.Done()
}

// Shutdown stops new posts, closes every subscriber channel, drops buffered
// events and waits for events already handed to consumers.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(func() {
		b.closedLock.Lock()
		b.closed = true
		b.closedLock.Unlock()

		close(b.done)
		b.posting.Wait()

		b.mu.Lock()
		unique := make(map[chan Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		dropped := 0
		for ch := range unique {
			for range ch {
				dropped++
				b.inFlight.Done()
			}
		}
		b.subscribers = make(map[Type][]chan Event)
		b.mu.Unlock()

		if dropped > 0 {
			b.logger.Debug("Dropped buffered events during shutdown.", zap.Int("count", dropped))
		}
		b.inFlight.Wait()
		b.logger.Info("Event bus shut down.")
	})
}
