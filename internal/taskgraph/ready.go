// Package taskgraph evaluates task readiness over blocked_by edges.
package taskgraph

import (
	"sort"

	"github.com/ashleyhindle/fuel/internal/model"
)

// Ready returns the open tasks whose blockers are all done, ordered by
// priority ASC → created_at ASC → id ASC. A blocker id that matches no task in
// the input does not block. The input slice is not modified.
func Ready(tasks []model.Task) []model.Task {
	byID := make(map[string]*model.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var ready []model.Task
	for _, t := range tasks {
		if t.Status != model.StatusOpen {
			continue
		}
		if IsBlocked(t, byID) {
			continue
		}
		ready = append(ready, t)
	}

	Sort(ready)
	return ready
}

// IsBlocked reports whether any of t's blockers exists and is not done.
func IsBlocked(t model.Task, byID map[string]*model.Task) bool {
	for _, dep := range t.BlockedBy {
		blocker, ok := byID[dep]
		if !ok {
			continue
		}
		if blocker.Status != model.StatusDone {
			return true
		}
	}
	return false
}

// Sort orders tasks in place by priority ASC → created_at ASC → id ASC.
func Sort(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Blockers returns the ids in t.BlockedBy that currently block it.
func Blockers(t model.Task, tasks []model.Task) []string {
	byID := make(map[string]*model.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	var out []string
	for _, dep := range t.BlockedBy {
		if b, ok := byID[dep]; ok && b.Status != model.StatusDone {
			out = append(out, dep)
		}
	}
	return out
}
