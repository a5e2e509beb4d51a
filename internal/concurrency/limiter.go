// Package concurrency caps in-flight agent runs per agent name.
package concurrency

import (
	"sort"
	"sync"
)

const DefaultLimit = 2

// LimitSource supplies the configured max_concurrent for an agent.
type LimitSource interface {
	GetAgentLimit(agent string) int
}

// LimitFunc adapts a function to LimitSource.
type LimitFunc func(agent string) int

func (f LimitFunc) GetAgentLimit(agent string) int { return f(agent) }

// Slot is one agent's bookkeeping as reported by Snapshot.
type Slot struct {
	Agent    string `json:"agent"`
	InFlight int    `json:"in_flight"`
	Limit    int    `json:"limit"`
}

type Limiter struct {
	mu       sync.Mutex
	inFlight map[string]int
	limits   LimitSource
}

func NewLimiter(limits LimitSource) *Limiter {
	return &Limiter{
		inFlight: make(map[string]int),
		limits:   limits,
	}
}

func (l *Limiter) limit(agent string) int {
	if l.limits == nil {
		return DefaultLimit
	}
	n := l.limits.GetAgentLimit(agent)
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

func (l *Limiter) CanSchedule(agent string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[agent] < l.limit(agent)
}

// Acquire takes a slot if one is free.
func (l *Limiter) Acquire(agent string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[agent] >= l.limit(agent) {
		return false
	}
	l.inFlight[agent]++
	return true
}

// TryAcquire is Acquire returning a release func that is safe to call more
// than once.
func (l *Limiter) TryAcquire(agent string) (release func(), ok bool) {
	if !l.Acquire(agent) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { l.Release(agent) }) }, true
}

// Release frees a slot. Releasing an agent with nothing in flight is a no-op.
func (l *Limiter) Release(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[agent] <= 0 {
		return
	}
	l.inFlight[agent]--
	if l.inFlight[agent] == 0 {
		delete(l.inFlight, agent)
	}
}

func (l *Limiter) InFlight(agent string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[agent]
}

// Snapshot reports in-flight agents plus any extra names, sorted by agent.
func (l *Limiter) Snapshot(agents ...string) []Slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []Slot
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, Slot{Agent: name, InFlight: l.inFlight[name], Limit: l.limit(name)})
	}
	for name := range l.inFlight {
		add(name)
	}
	for _, name := range agents {
		add(name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
