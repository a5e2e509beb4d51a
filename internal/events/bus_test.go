package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashleyhindle/fuel/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10, logging.Discard())
	defer bus.Close()

	rec := &recorder{}
	unsub := bus.Subscribe(rec.handle, TaskCompleted)
	defer unsub()

	bus.Publish(TaskCompleted, "f-abc123")

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()[0]
	assert.Equal(t, TaskCompleted, got.Type)
	assert.Equal(t, "f-abc123", got.Payload)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_MultipleTypesOneSubscription(t *testing.T) {
	bus := NewBus(10, logging.Discard())
	defer bus.Close()

	rec := &recorder{}
	unsub := bus.Subscribe(rec.handle, TaskCompleted, HealthChanged)
	defer unsub()

	bus.Publish(TaskCompleted, nil)
	bus.Publish(HealthChanged, nil)
	bus.Publish(TaskDispatched, nil)

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.len())
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1, logging.Discard())
	defer bus.Close()

	unsub := bus.Subscribe(func(Event) { time.Sleep(100 * time.Millisecond) }, TaskDispatched)
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(TaskDispatched, i)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10, logging.Discard())
	defer bus.Close()

	rec := &recorder{}
	unsub := bus.Subscribe(rec.handle, TaskCompleted)

	bus.Publish(TaskCompleted, nil)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()

	bus.Publish(TaskCompleted, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10, logging.Discard())
	defer bus.Close()

	bus.Subscribe(func(Event) { panic("boom") }, HealthChanged)
	rec := &recorder{}
	bus.Subscribe(rec.handle, HealthChanged)

	bus.Publish(HealthChanged, nil)
	bus.Publish(HealthChanged, nil)

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(10, logging.Discard())
	rec := &recorder{}
	unsub := bus.Subscribe(rec.handle, TaskCompleted)

	bus.Close()
	bus.Close()
	unsub()

	assert.NotPanics(t, func() { bus.Publish(TaskCompleted, nil) })
	assert.Equal(t, 0, rec.len())
}
