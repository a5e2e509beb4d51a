package model

import (
	"slices"
	"time"
)

type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           Status     `json:"status"`
	Complexity       Complexity `json:"complexity"`
	Priority         int        `json:"priority"`
	Labels           []string   `json:"labels,omitempty"`
	BlockedBy        []string   `json:"blocked_by,omitempty"`
	EpicID           *string    `json:"epic_id,omitempty"`
	Reason           *string    `json:"reason,omitempty"`
	CommitHash       *string    `json:"commit_hash,omitempty"`
	Consumed         bool       `json:"consumed"`
	ConsumedAt       *time.Time `json:"consumed_at,omitempty"`
	ConsumedExitCode *int       `json:"consumed_exit_code,omitempty"`
	ConsumedOutput   *string    `json:"consumed_output,omitempty"`
	ConsumePID       *int       `json:"consume_pid,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (t *Task) ShortID() string {
	return ShortID(t.ID)
}

func (t *Task) HasLabel(label string) bool {
	return slices.Contains(t.Labels, label)
}

// NewTask holds the fields accepted when creating a task.
type NewTask struct {
	Title       string
	Description string
	Complexity  Complexity
	Priority    int
	Labels      []string
	BlockedBy   []string
	EpicID      *string
}

// TaskUpdate is a partial update. Nil fields are left untouched.
// ClearConsumed resets every consumed_* field and consume_pid and wins over
// the individual consumed setters.
type TaskUpdate struct {
	Title            *string
	Description      *string
	Reason           *string
	Priority         *int
	Complexity       *Complexity
	AddLabels        []string
	RemoveLabels     []string
	Consumed         *bool
	ConsumedExitCode *int
	ConsumedOutput   *string
	ConsumePID       *int
	ClearConsumePID  bool
	ClearConsumed    bool
}

type Run struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Agent           string     `json:"agent"`
	Model           string     `json:"model,omitempty"`
	PID             *int       `json:"pid,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Output          *string    `json:"output,omitempty"`
	SessionID       *string    `json:"session_id,omitempty"`
	CostUSD         *float64   `json:"cost_usd,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}

// RunFields is the partial set of run columns written by LogRun/UpdateLatestRun.
type RunFields struct {
	Agent     string
	Model     string
	PID       *int
	StartedAt *time.Time
	EndedAt   *time.Time
	ExitCode  *int
	Output    *string
	SessionID *string
	CostUSD   *float64
	Duration  *time.Duration
}

type ReviewResult struct {
	TaskID      string    `json:"task_id"`
	Passed      bool      `json:"passed"`
	Issues      []string  `json:"issues"`
	CompletedAt time.Time `json:"completed_at"`
}

func Ptr[T any](v T) *T {
	return &v
}
