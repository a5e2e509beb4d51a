package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashleyhindle/fuel/internal/model"
)

const runColumns = `id, task_id, agent, model, pid, started_at, ended_at, exit_code, output,
	session_id, cost_usd, duration_seconds`

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                 model.Run
		pid, exitCode     sql.NullInt64
		started           int64
		ended             sql.NullInt64
		output, sessionID sql.NullString
		cost, duration    sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &r.TaskID, &r.Agent, &r.Model, &pid, &started, &ended, &exitCode,
		&output, &sessionID, &cost, &duration); err != nil {
		return model.Run{}, err
	}
	r.PID = intPtr(pid)
	r.StartedAt = nanoToTime(started)
	r.EndedAt = nullNanoToTimePtr(ended)
	r.ExitCode = intPtr(exitCode)
	r.Output = stringPtr(output)
	r.SessionID = stringPtr(sessionID)
	r.CostUSD = floatPtr(cost)
	r.DurationSeconds = floatPtr(duration)
	return r, nil
}

// LogRun records a new run for taskID.
func (s *Store) LogRun(ctx context.Context, taskID string, f model.RunFields) (model.Run, error) {
	if f.Agent == "" {
		return model.Run{}, errors.New("log run: agent is required")
	}
	id, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return model.Run{}, fmt.Errorf("log run: %w", err)
	}
	started := s.now()
	if f.StartedAt != nil {
		started = *f.StartedAt
	}

	r := model.Run{
		ID:        id,
		TaskID:    taskID,
		Agent:     f.Agent,
		Model:     f.Model,
		PID:       f.PID,
		StartedAt: started,
		EndedAt:   f.EndedAt,
		ExitCode:  f.ExitCode,
		Output:    f.Output,
		SessionID: f.SessionID,
		CostUSD:   f.CostUSD,
	}
	if f.Duration != nil {
		secs := f.Duration.Seconds()
		r.DurationSeconds = &secs
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(`+runColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Agent, r.Model, nullInt(r.PID), r.StartedAt.UnixNano(), nullableNano(r.EndedAt),
		nullInt(r.ExitCode), nullString(r.Output), nullString(r.SessionID), nullFloat(r.CostUSD),
		nullFloat(r.DurationSeconds),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("log run for %s: %w", taskID, err)
	}
	return r, nil
}

// UpdateLatestRun merges the set fields of f into the newest run of taskID.
func (s *Store) UpdateLatestRun(ctx context.Context, taskID string, f model.RunFields) error {
	return s.locks.WithLock("run:"+taskID, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		r, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update latest run: no runs for %s", taskID)
		}
		if err != nil {
			return fmt.Errorf("load latest run for %s: %w", taskID, err)
		}

		mergeRun(&r, f)

		_, err = tx.ExecContext(ctx, `UPDATE runs SET
			agent = ?, model = ?, pid = ?, started_at = ?, ended_at = ?, exit_code = ?, output = ?,
			session_id = ?, cost_usd = ?, duration_seconds = ?
			WHERE id = ?`,
			r.Agent, r.Model, nullInt(r.PID), r.StartedAt.UnixNano(), nullableNano(r.EndedAt),
			nullInt(r.ExitCode), nullString(r.Output), nullString(r.SessionID), nullFloat(r.CostUSD),
			nullFloat(r.DurationSeconds), r.ID,
		)
		if err != nil {
			return fmt.Errorf("update run %s: %w", r.ID, err)
		}
		return tx.Commit()
	})
}

func mergeRun(r *model.Run, f model.RunFields) {
	if f.Agent != "" {
		r.Agent = f.Agent
	}
	if f.Model != "" {
		r.Model = f.Model
	}
	if f.PID != nil {
		r.PID = f.PID
	}
	if f.StartedAt != nil {
		r.StartedAt = *f.StartedAt
	}
	if f.EndedAt != nil {
		r.EndedAt = f.EndedAt
	}
	if f.ExitCode != nil {
		r.ExitCode = f.ExitCode
	}
	if f.Output != nil {
		r.Output = f.Output
	}
	if f.SessionID != nil {
		r.SessionID = f.SessionID
	}
	if f.CostUSD != nil {
		r.CostUSD = f.CostUSD
	}
	if f.Duration != nil {
		secs := f.Duration.Seconds()
		r.DurationSeconds = &secs
	}
	if r.DurationSeconds == nil && r.EndedAt != nil {
		secs := r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).Seconds()
		r.DurationSeconds = &secs
	}
}

// GetRuns returns the runs of taskID, oldest first.
func (s *Store) GetRuns(ctx context.Context, taskID string) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get runs for %s: %w", taskID, err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
