package taskgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashleyhindle/fuel/internal/model"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func task(id string, status model.Status, priority int, offset time.Duration, blockedBy ...string) model.Task {
	return model.Task{
		ID:        id,
		Title:     id,
		Status:    status,
		Priority:  priority,
		BlockedBy: blockedBy,
		CreatedAt: base.Add(offset),
	}
}

func ids(tasks []model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestReady_FiltersByStatusAndBlockers(t *testing.T) {
	tasks := []model.Task{
		task("f-000001", model.StatusOpen, 2, 0),
		task("f-000002", model.StatusInProgress, 0, 0),
		task("f-000003", model.StatusOpen, 2, time.Minute, "f-000002"),
		task("f-000004", model.StatusDone, 2, 0),
		task("f-000005", model.StatusOpen, 2, 2*time.Minute, "f-000004"),
		task("f-000006", model.StatusSomeday, 0, 0),
		task("f-000007", model.StatusOpen, 2, 3*time.Minute, "f-000004", "f-000001"),
	}

	assert.Equal(t, []string{"f-000001", "f-000005"}, ids(Ready(tasks)))
}

func TestReady_DanglingBlockerDoesNotBlock(t *testing.T) {
	tasks := []model.Task{
		task("f-000001", model.StatusOpen, 2, 0, "f-ffffff"),
	}
	assert.Equal(t, []string{"f-000001"}, ids(Ready(tasks)))
}

func TestReady_CancelledBlockerStillBlocks(t *testing.T) {
	tasks := []model.Task{
		task("f-000001", model.StatusCancelled, 2, 0),
		task("f-000002", model.StatusOpen, 2, 0, "f-000001"),
	}
	assert.Empty(t, Ready(tasks))
}

func TestReady_Ordering(t *testing.T) {
	tasks := []model.Task{
		task("f-00000c", model.StatusOpen, 3, 0),
		task("f-00000b", model.StatusOpen, 1, time.Minute),
		task("f-00000a", model.StatusOpen, 1, time.Minute),
		task("f-000009", model.StatusOpen, 1, 0),
		task("f-000008", model.StatusOpen, 0, 5*time.Minute),
	}

	assert.Equal(t,
		[]string{"f-000008", "f-000009", "f-00000a", "f-00000b", "f-00000c"},
		ids(Ready(tasks)))
}

func TestReady_Idempotent(t *testing.T) {
	tasks := []model.Task{
		task("f-000003", model.StatusOpen, 2, 0),
		task("f-000001", model.StatusOpen, 2, 0),
		task("f-000002", model.StatusOpen, 1, time.Hour, "f-000009"),
	}
	first := ids(Ready(tasks))
	second := ids(Ready(tasks))
	assert.Equal(t, first, second)
	assert.Equal(t, "f-000003", tasks[0].ID, "input must not be reordered")
}

func TestReady_Empty(t *testing.T) {
	assert.Empty(t, Ready(nil))
}

func TestBlockers(t *testing.T) {
	tasks := []model.Task{
		task("f-000001", model.StatusDone, 2, 0),
		task("f-000002", model.StatusOpen, 2, 0),
	}
	target := task("f-000003", model.StatusOpen, 2, 0, "f-000001", "f-000002", "f-ffffff")
	assert.Equal(t, []string{"f-000002"}, Blockers(target, tasks))
}
