// Package events carries runner notifications (dispatches, completions,
// health transitions) to in-process subscribers such as the IPC broadcaster.
package events

import (
	"sync"
	"time"

	"github.com/ashleyhindle/fuel/internal/logging"
)

type Type string

const (
	TaskDispatched Type = "task_dispatched"
	TaskCompleted  Type = "task_completed"
	HealthChanged  Type = "health_changed"
	RunnerPaused   Type = "runner_paused"
	RunnerResumed  Type = "runner_resumed"
)

// Event is one notification. Payload is owned by the publisher and must not be
// mutated after Publish.
type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   any
}

type Handler func(Event)

// Bus delivers events asynchronously through a buffered channel per
// subscriber. A full channel drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
	closed      bool
	logger      *logging.Logger
}

func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger.With("events"),
	}
}

// Subscribe registers fn for each of the given types and returns a function
// that removes every registration.
func (b *Bus) Subscribe(fn Handler, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for ev := range ch {
			b.deliver(fn, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic on %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}

// Publish never blocks.
func (b *Bus) Publish(t Type, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	ev := Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber buffer full, dropped %s", t)
		}
	}
}

// Close stops all delivery goroutines. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, t)
	}
}
