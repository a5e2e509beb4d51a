package health

import (
	"math"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateInBackoff State = "in_backoff"
	StateDead      State = "dead"
)

// Labels exposed in summaries.
const (
	LabelHealthy   = "healthy"
	LabelDegraded  = "degraded"
	LabelUnhealthy = "unhealthy"
)

// ResetAll is the agent name that clears every tracked agent.
const ResetAll = "all"

// AgentHealth is a copy of one agent's counters. Trackers never hand out
// pointers into their own state.
type AgentHealth struct {
	Agent               string     `json:"agent"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
	TotalRuns           int        `json:"total_runs"`
	TotalSuccesses      int        `json:"total_successes"`
}

// Summary is the IPC projection of an agent's health.
type Summary struct {
	Agent               string `json:"agent"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	InBackoff           bool   `json:"in_backoff"`
	IsDead              bool   `json:"is_dead"`
	BackoffSeconds      int    `json:"backoff_seconds"`
	TotalRuns           int    `json:"total_runs"`
	TotalSuccesses      int    `json:"total_successes"`
}

type Tracker struct {
	mu         sync.Mutex
	agents     map[string]*AgentHealth
	maxRetries int
	backoff    Backoff
	now        func() time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithBackoff(b Backoff) Option {
	return func(t *Tracker) { t.backoff = b }
}

func NewTracker(maxRetries int, opts ...Option) *Tracker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	t := &Tracker{
		agents:     make(map[string]*AgentHealth),
		maxRetries: maxRetries,
		backoff:    DefaultBackoff(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetMaxRetries applies a reloaded config value. Non-positive values are ignored.
func (t *Tracker) SetMaxRetries(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.maxRetries = n
	t.mu.Unlock()
}

// SetBackoff applies a reloaded backoff curve. Windows already running keep
// their end time; the next failure uses the new curve.
func (t *Tracker) SetBackoff(b Backoff) {
	t.mu.Lock()
	t.backoff = b
	t.mu.Unlock()
}

func (t *Tracker) MaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

func (t *Tracker) entry(agent string) *AgentHealth {
	h, ok := t.agents[agent]
	if !ok {
		h = &AgentHealth{Agent: agent}
		t.agents[agent] = h
	}
	return h
}

func (t *Tracker) RecordSuccess(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	h := t.entry(agent)
	h.ConsecutiveFailures = 0
	h.BackoffUntil = nil
	h.LastSuccessAt = &now
	h.TotalRuns++
	h.TotalSuccesses++
}

func (t *Tracker) RecordFailure(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	h := t.entry(agent)
	h.ConsecutiveFailures++
	h.LastFailureAt = &now
	h.TotalRuns++
	until := now.Add(t.backoff.Compute(h.ConsecutiveFailures))
	h.BackoffUntil = &until
}

// Reset clears the failure streak and backoff of agent, or of every tracked
// agent when agent is ResetAll. It returns the names that were reset.
func (t *Tracker) Reset(agent string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	if agent == ResetAll {
		for name, h := range t.agents {
			h.ConsecutiveFailures = 0
			h.BackoffUntil = nil
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}
	if h, ok := t.agents[agent]; ok {
		h.ConsecutiveFailures = 0
		h.BackoffUntil = nil
	}
	return []string{agent}
}

// GetHealthStatus returns a copy; unknown agents read as healthy.
func (t *Tracker) GetHealthStatus(agent string) AgentHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.agents[agent]; ok {
		return copyHealth(h)
	}
	return AgentHealth{Agent: agent}
}

func (t *Tracker) GetAllHealthStatus() map[string]AgentHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]AgentHealth, len(t.agents))
	for name, h := range t.agents {
		out[name] = copyHealth(h)
	}
	return out
}

func (t *Tracker) IsDead(agent string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.agents[agent]
	return ok && h.ConsecutiveFailures >= t.maxRetries
}

func (t *Tracker) IsInBackoff(agent string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.agents[agent]
	return ok && t.inBackoff(h, t.now())
}

// IsAvailable reports whether the scheduler may dispatch to agent now.
func (t *Tracker) IsAvailable(agent string) bool {
	s := t.State(agent)
	return s == StateHealthy || s == StateDegraded
}

func (t *Tracker) State(agent string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.agents[agent]
	if !ok {
		return StateHealthy
	}
	return t.state(h, t.now())
}

func (t *Tracker) state(h *AgentHealth, now time.Time) State {
	switch {
	case h.ConsecutiveFailures >= t.maxRetries:
		return StateDead
	case t.inBackoff(h, now):
		return StateInBackoff
	case h.ConsecutiveFailures > 0:
		return StateDegraded
	default:
		return StateHealthy
	}
}

func (t *Tracker) inBackoff(h *AgentHealth, now time.Time) bool {
	return h.BackoffUntil != nil && now.Before(*h.BackoffUntil)
}

// Summary projects every tracked agent plus any names in known (typically the
// configured agents), sorted by agent name.
func (t *Tracker) Summary(known ...string) []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	seen := make(map[string]bool)
	var out []Summary
	for name, h := range t.agents {
		seen[name] = true
		out = append(out, t.summarize(h, now))
	}
	for _, name := range known {
		if !seen[name] {
			seen[name] = true
			out = append(out, t.summarize(&AgentHealth{Agent: name}, now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// SummaryFor projects a single agent.
func (t *Tracker) SummaryFor(agent string) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.agents[agent]
	if !ok {
		h = &AgentHealth{Agent: agent}
	}
	return t.summarize(h, t.now())
}

func (t *Tracker) summarize(h *AgentHealth, now time.Time) Summary {
	dead := h.ConsecutiveFailures >= t.maxRetries
	inBackoff := t.inBackoff(h, now)

	label := LabelDegraded
	switch {
	case dead:
		label = LabelUnhealthy
	case h.ConsecutiveFailures == 0:
		label = LabelHealthy
	}

	remaining := 0
	if inBackoff {
		remaining = int(math.Ceil(h.BackoffUntil.Sub(now).Seconds()))
	}

	return Summary{
		Agent:               h.Agent,
		Status:              label,
		ConsecutiveFailures: h.ConsecutiveFailures,
		InBackoff:           inBackoff,
		IsDead:              dead,
		BackoffSeconds:      remaining,
		TotalRuns:           h.TotalRuns,
		TotalSuccesses:      h.TotalSuccesses,
	}
}

func copyHealth(h *AgentHealth) AgentHealth {
	c := *h
	if h.LastSuccessAt != nil {
		v := *h.LastSuccessAt
		c.LastSuccessAt = &v
	}
	if h.LastFailureAt != nil {
		v := *h.LastFailureAt
		c.LastFailureAt = &v
	}
	if h.BackoffUntil != nil {
		v := *h.BackoffUntil
		c.BackoffUntil = &v
	}
	return c
}
