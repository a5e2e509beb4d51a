package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashleyhindle/fuel/internal/model"
	"github.com/ashleyhindle/fuel/internal/taskgraph"
)

const taskColumns = `id, title, description, status, complexity, priority, labels, blocked_by,
	epic_id, reason, commit_hash, consumed, consumed_at, consumed_exit_code, consumed_output,
	consume_pid, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                          model.Task
		status, complexity         string
		labels, blockedBy          string
		epicID, reason, commitHash sql.NullString
		consumedOutput             sql.NullString
		consumed                   int
		consumedAt                 sql.NullInt64
		exitCode, pid              sql.NullInt64
		created, updated           int64
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &status, &complexity, &t.Priority, &labels, &blockedBy,
		&epicID, &reason, &commitHash, &consumed, &consumedAt, &exitCode, &consumedOutput,
		&pid, &created, &updated,
	); err != nil {
		return model.Task{}, err
	}

	var err error
	if t.Labels, err = decodeList(labels); err != nil {
		return model.Task{}, fmt.Errorf("decode labels of %s: %w", t.ID, err)
	}
	if t.BlockedBy, err = decodeList(blockedBy); err != nil {
		return model.Task{}, fmt.Errorf("decode blocked_by of %s: %w", t.ID, err)
	}
	t.Status = model.Status(status)
	t.Complexity = model.Complexity(complexity)
	t.EpicID = stringPtr(epicID)
	t.Reason = stringPtr(reason)
	t.CommitHash = stringPtr(commitHash)
	t.Consumed = consumed != 0
	t.ConsumedAt = nullNanoToTimePtr(consumedAt)
	t.ConsumedExitCode = intPtr(exitCode)
	t.ConsumedOutput = stringPtr(consumedOutput)
	t.ConsumePID = intPtr(pid)
	t.CreatedAt = nanoToTime(created)
	t.UpdatedAt = nanoToTime(updated)
	return t, nil
}

// Create inserts a new open task.
func (s *Store) Create(ctx context.Context, in model.NewTask) (model.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Task{}, errors.New("create task: title is required")
	}
	if in.Priority < 0 || in.Priority > 4 {
		return model.Task{}, fmt.Errorf("create task: priority %d out of range 0..4", in.Priority)
	}
	complexity, err := model.ParseComplexity(string(in.Complexity))
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}

	now := s.now()
	t := model.Task{
		Title:       title,
		Description: in.Description,
		Status:      model.StatusOpen,
		Complexity:  complexity,
		Priority:    in.Priority,
		Labels:      dedupe(in.Labels),
		BlockedBy:   dedupe(in.BlockedBy),
		EpicID:      in.EpicID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for attempt := 0; attempt < 5; attempt++ {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return model.Task{}, fmt.Errorf("create task: %w", err)
		}
		t.ID = id
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO tasks(`+taskColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, string(t.Status), string(t.Complexity), t.Priority,
			encodeList(t.Labels), encodeList(t.BlockedBy), nullString(t.EpicID), nil, nil,
			0, nil, nil, nil, nil, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
		)
		if err == nil {
			return t, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE") {
			return model.Task{}, fmt.Errorf("create task: %w", err)
		}
	}
	return model.Task{}, errors.New("create task: could not allocate a unique id")
}

// Find resolves a full id, a short id without the "f-" prefix, or a unique
// prefix of either.
func (s *Store) Find(ctx context.Context, id string) (model.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Task{}, fmt.Errorf("find task: %w", ErrTaskNotFound)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("find task %s: %w", id, err)
	}

	prefix := id
	if !strings.HasPrefix(prefix, string(model.IDTypeTask)+"-") {
		prefix = string(model.IDTypeTask) + "-" + prefix
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id LIKE ? ESCAPE '\' LIMIT 2`,
		escapeLike(prefix)+"%")
	if err != nil {
		return model.Task{}, fmt.Errorf("find task %s: %w", id, err)
	}
	defer rows.Close()

	var matches []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return model.Task{}, fmt.Errorf("scan task: %w", err)
		}
		matches = append(matches, t)
	}
	if err := rows.Err(); err != nil {
		return model.Task{}, fmt.Errorf("iterate tasks: %w", err)
	}
	switch len(matches) {
	case 0:
		return model.Task{}, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	case 1:
		return matches[0], nil
	default:
		return model.Task{}, fmt.Errorf("%s: %w", id, ErrAmbiguousID)
	}
}

// All returns every task ordered by created_at.
func (s *Store) All(ctx context.Context) ([]model.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
}

// ByStatus returns the tasks in status, ordered like the ready queue.
func (s *Store) ByStatus(ctx context.Context, status model.Status) ([]model.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY priority ASC, created_at ASC, id ASC`,
		string(status))
}

// Ready returns the open, unblocked tasks in dispatch order.
func (s *Store) Ready(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return taskgraph.Ready(tasks), nil
}

// Orphaned returns in_progress tasks that recorded a consume pid; the daemon
// checks them on startup for agents that died with a previous runner.
func (s *Store) Orphaned(ctx context.Context) ([]model.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND consume_pid IS NOT NULL ORDER BY created_at ASC`,
		string(model.StatusInProgress))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// mutate loads the task inside a write transaction, applies fn and writes
// every column back. fn returning an error aborts without writing.
func (s *Store) mutate(ctx context.Context, id string, fn func(t *model.Task) error) (model.Task, error) {
	var out model.Task
	err := s.locks.WithLock(id, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}

		if err := fn(&t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()

		consumed := 0
		if t.Consumed {
			consumed = 1
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET
			title = ?, description = ?, status = ?, complexity = ?, priority = ?, labels = ?,
			blocked_by = ?, epic_id = ?, reason = ?, commit_hash = ?, consumed = ?, consumed_at = ?,
			consumed_exit_code = ?, consumed_output = ?, consume_pid = ?, updated_at = ?
			WHERE id = ?`,
			t.Title, t.Description, string(t.Status), string(t.Complexity), t.Priority,
			encodeList(t.Labels), encodeList(t.BlockedBy), nullString(t.EpicID), nullString(t.Reason),
			nullString(t.CommitHash), consumed, nullableNano(t.ConsumedAt), nullInt(t.ConsumedExitCode),
			nullString(t.ConsumedOutput), nullInt(t.ConsumePID), t.UpdatedAt.UnixNano(), t.ID,
		)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit task %s: %w", id, err)
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) transition(ctx context.Context, id string, to model.Status, fn func(t *model.Task)) (model.Task, error) {
	return s.mutate(ctx, id, func(t *model.Task) error {
		if err := model.ValidateTaskTransition(t.Status, to); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		t.Status = to
		if fn != nil {
			fn(t)
		}
		return nil
	})
}

// Start moves an open task to in_progress.
func (s *Store) Start(ctx context.Context, id string) (model.Task, error) {
	return s.transition(ctx, id, model.StatusInProgress, nil)
}

// Done closes a task. Empty reason or commitHash leave those fields unset.
func (s *Store) Done(ctx context.Context, id, reason, commitHash string) (model.Task, error) {
	return s.transition(ctx, id, model.StatusDone, func(t *model.Task) {
		if reason != "" {
			t.Reason = &reason
		}
		if commitHash != "" {
			t.CommitHash = &commitHash
		}
		t.ConsumePID = nil
	})
}

// Reopen returns a task to open and drops its consume pid.
func (s *Store) Reopen(ctx context.Context, id string) (model.Task, error) {
	return s.transition(ctx, id, model.StatusOpen, func(t *model.Task) {
		t.Reason = nil
		t.ConsumePID = nil
	})
}

// ToReview parks an in_progress task in review and drops its consume pid.
func (s *Store) ToReview(ctx context.Context, id string) (model.Task, error) {
	return s.transition(ctx, id, model.StatusReview, func(t *model.Task) {
		t.ConsumePID = nil
	})
}

// Retry reopens a task an agent already consumed and clears every consumed_*
// field. Only in_progress tasks marked consumed qualify.
func (s *Store) Retry(ctx context.Context, id string) (model.Task, error) {
	return s.mutate(ctx, id, func(t *model.Task) error {
		if t.Status != model.StatusInProgress || !t.Consumed {
			return fmt.Errorf("%s is not a consumed in_progress task (status %s)", t.ID, t.Status)
		}
		t.Status = model.StatusOpen
		t.Reason = nil
		clearConsumed(t)
		return nil
	})
}

func (s *Store) Update(ctx context.Context, id string, u model.TaskUpdate) (model.Task, error) {
	return s.mutate(ctx, id, func(t *model.Task) error {
		if u.Title != nil {
			title := strings.TrimSpace(*u.Title)
			if title == "" {
				return errors.New("title cannot be empty")
			}
			t.Title = title
		}
		if u.Description != nil {
			t.Description = *u.Description
		}
		if u.Reason != nil {
			if *u.Reason == "" {
				t.Reason = nil
			} else {
				t.Reason = u.Reason
			}
		}
		if u.Priority != nil {
			if *u.Priority < 0 || *u.Priority > 4 {
				return fmt.Errorf("priority %d out of range 0..4", *u.Priority)
			}
			t.Priority = *u.Priority
		}
		if u.Complexity != nil {
			c, err := model.ParseComplexity(string(*u.Complexity))
			if err != nil {
				return err
			}
			t.Complexity = c
		}
		for _, l := range u.AddLabels {
			if !slices.Contains(t.Labels, l) {
				t.Labels = append(t.Labels, l)
			}
		}
		if len(u.RemoveLabels) > 0 {
			t.Labels = slices.DeleteFunc(t.Labels, func(l string) bool {
				return slices.Contains(u.RemoveLabels, l)
			})
		}

		if u.ClearConsumed {
			clearConsumed(t)
			return nil
		}
		if u.Consumed != nil {
			t.Consumed = *u.Consumed
			if t.Consumed && t.ConsumedAt == nil {
				now := s.now()
				t.ConsumedAt = &now
			}
		}
		if u.ConsumedExitCode != nil {
			t.ConsumedExitCode = u.ConsumedExitCode
		}
		if u.ConsumedOutput != nil {
			t.ConsumedOutput = u.ConsumedOutput
		}
		if u.ConsumePID != nil {
			t.ConsumePID = u.ConsumePID
		}
		if u.ClearConsumePID {
			t.ConsumePID = nil
		}
		return nil
	})
}

// AddDependency records that blockedID waits on blockerID. Self edges and
// edges that would close a cycle are rejected.
func (s *Store) AddDependency(ctx context.Context, blockedID, blockerID string) (model.Task, error) {
	if blockedID == blockerID {
		return model.Task{}, fmt.Errorf("%s cannot block itself", blockedID)
	}
	blocker, err := s.Find(ctx, blockerID)
	if err != nil {
		return model.Task{}, err
	}
	all, err := s.All(ctx)
	if err != nil {
		return model.Task{}, err
	}
	if reaches(all, blocker.ID, blockedID) {
		return model.Task{}, fmt.Errorf("adding %s as a blocker of %s would create a cycle", blocker.ID, blockedID)
	}

	return s.mutate(ctx, blockedID, func(t *model.Task) error {
		if !slices.Contains(t.BlockedBy, blocker.ID) {
			t.BlockedBy = append(t.BlockedBy, blocker.ID)
		}
		return nil
	})
}

// RemoveDependency drops blockerID from blockedID's blockers.
func (s *Store) RemoveDependency(ctx context.Context, blockedID, blockerID string) (model.Task, error) {
	return s.mutate(ctx, blockedID, func(t *model.Task) error {
		t.BlockedBy = slices.DeleteFunc(t.BlockedBy, func(id string) bool { return id == blockerID })
		return nil
	})
}

// reaches reports whether target is reachable from start along blocked_by edges.
func reaches(tasks []model.Task, start, target string) bool {
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		edges[t.ID] = t.BlockedBy
	}
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, edges[cur]...)
	}
	return false
}

func clearConsumed(t *model.Task) {
	t.Consumed = false
	t.ConsumedAt = nil
	t.ConsumedExitCode = nil
	t.ConsumedOutput = nil
	t.ConsumePID = nil
}

func dedupe(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
