package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type BackgroundStatus string

const (
	BackgroundPending   BackgroundStatus = "pending"
	BackgroundRunning   BackgroundStatus = "running"
	BackgroundCompleted BackgroundStatus = "completed"
	BackgroundFailed    BackgroundStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s BackgroundStatus) Terminal() bool {
	return s == BackgroundCompleted || s == BackgroundFailed
}

// BackgroundTask is one row of the session's background queue.
type BackgroundTask struct {
	TaskID      string           `json:"task_id"`
	TaskType    string           `json:"task_type"`
	Status      BackgroundStatus `json:"status"`
	Command     []string         `json:"command"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Source      string           `json:"source"`
	SessionID   string           `json:"session_id"`
	CreatedAt   float64          `json:"created_at"`
	StartedAt   *float64         `json:"started_at,omitempty"`
	CompletedAt *float64         `json:"completed_at,omitempty"`
	Timeout     int              `json:"timeout"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Stdout      string           `json:"stdout,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	Error       string           `json:"error,omitempty"`
	ReasonCode  string           `json:"reason_code,omitempty"`
}

// MetaString returns a string metadata value or "".
func (t BackgroundTask) MetaString(key string) string {
	v, _ := t.Metadata[key].(string)
	return v
}

// MetaInt returns an integer metadata value; JSON numbers decode as float64.
func (t BackgroundTask) MetaInt(key string) (int, bool) {
	switch v := t.Metadata[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

const backgroundColumns = `task_id, task_type, status, command, metadata, source, session_id,
	created_at, started_at, completed_at, timeout, exit_code, stdout, stderr, error, reason_code`

func scanBackground(scanFn func(dest ...any) error, t *BackgroundTask) error {
	var (
		status, command, metadata string
		startedAt, completedAt    sql.NullFloat64
		exitCode                  sql.NullInt64
		stdout, stderr, errText   sql.NullString
	)
	if err := scanFn(&t.TaskID, &t.TaskType, &status, &command, &metadata, &t.Source, &t.SessionID,
		&t.CreatedAt, &startedAt, &completedAt, &t.Timeout, &exitCode, &stdout, &stderr, &errText,
		&t.ReasonCode); err != nil {
		return err
	}
	t.Status = BackgroundStatus(status)
	if err := json.Unmarshal([]byte(command), &t.Command); err != nil {
		t.Command = nil
	}
	t.Metadata = map[string]any{}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	}
	if startedAt.Valid {
		v := startedAt.Float64
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Float64
		t.CompletedAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	t.Stdout, t.Stderr, t.Error = stdout.String, stderr.String, errText.String
	return nil
}

// InsertBackgroundTask stores t as pending. CreatedAt defaults to now.
func (s *Store) InsertBackgroundTask(ctx context.Context, t BackgroundTask) error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("insert background task: empty id")
	}
	command, err := json.Marshal(nonNilStrings(t.Command))
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	metadata, err := json.Marshal(nonNilMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = s.nowSeconds()
	}
	if _, err := s.exec(ctx, `
		INSERT INTO background_tasks (task_id, task_type, status, command, metadata, source, session_id, created_at, timeout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.TaskID, t.TaskType, string(BackgroundPending), string(command), string(metadata),
		t.Source, t.SessionID, t.CreatedAt, t.Timeout); err != nil {
		return fmt.Errorf("insert background task: %w", err)
	}
	return nil
}

// GetBackgroundTask returns nil when the row does not exist.
func (s *Store) GetBackgroundTask(ctx context.Context, taskID string) (*BackgroundTask, error) {
	var t BackgroundTask
	row := s.db.QueryRowContext(ctx, `SELECT `+backgroundColumns+` FROM background_tasks WHERE task_id = ?;`, taskID)
	if err := scanBackground(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get background task: %w", err)
	}
	return &t, nil
}

// ListBackgroundTasks returns the session's rows in the given statuses,
// oldest first. limit <= 0 means no limit.
func (s *Store) ListBackgroundTasks(ctx context.Context, sessionID string, limit int, statuses ...BackgroundStatus) ([]BackgroundTask, error) {
	query := `SELECT ` + backgroundColumns + ` FROM background_tasks WHERE session_id = ?`
	args := []any{sessionID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	order := "created_at"
	if len(statuses) > 0 && allTerminal(statuses) {
		order = "COALESCE(completed_at, created_at)"
	}
	query += ` ORDER BY ` + order + ` ASC, task_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list background tasks: %w", err)
	}
	defer rows.Close()
	var out []BackgroundTask
	for rows.Next() {
		var t BackgroundTask
		if err := scanBackground(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan background task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func allTerminal(statuses []BackgroundStatus) bool {
	for _, st := range statuses {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

// CountBackgroundTasks counts the session's rows in status.
func (s *Store) CountBackgroundTasks(ctx context.Context, sessionID string, status BackgroundStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM background_tasks WHERE session_id = ? AND status = ?;`,
		sessionID, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count background tasks: %w", err)
	}
	return n, nil
}

// MarkBackgroundRunning moves a pending row to running and merges meta into
// its metadata. It reports false when the row was not pending.
func (s *Store) MarkBackgroundRunning(ctx context.Context, taskID string, meta map[string]any) (bool, error) {
	t, err := s.GetBackgroundTask(ctx, taskID)
	if err != nil || t == nil {
		return false, err
	}
	merged := nonNilMap(t.Metadata)
	for k, v := range meta {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.exec(ctx, `
		UPDATE background_tasks SET status = ?, started_at = ?, metadata = ?
		WHERE task_id = ? AND status = ?;
	`, string(BackgroundRunning), s.nowSeconds(), string(encoded), taskID, string(BackgroundPending))
	if err != nil {
		return false, fmt.Errorf("mark background running: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// BackgroundResult is the terminal state written by FinishBackgroundTask.
type BackgroundResult struct {
	Status     BackgroundStatus
	ExitCode   *int
	Stdout     string
	Stderr     string
	Error      string
	ReasonCode string
}

// FinishBackgroundTask records a terminal result for a pending or running
// row. It reports false when the row was already terminal.
func (s *Store) FinishBackgroundTask(ctx context.Context, taskID string, r BackgroundResult) (bool, error) {
	if !r.Status.Terminal() {
		return false, fmt.Errorf("finish background task: %q is not terminal", r.Status)
	}
	var exit any
	if r.ExitCode != nil {
		exit = *r.ExitCode
	}
	res, err := s.exec(ctx, `
		UPDATE background_tasks
		SET status = ?, completed_at = ?, exit_code = ?, stdout = ?, stderr = ?, error = ?, reason_code = ?
		WHERE task_id = ? AND status IN (?, ?);
	`, string(r.Status), s.nowSeconds(), exit, r.Stdout, r.Stderr, nullString(r.Error), r.ReasonCode,
		taskID, string(BackgroundPending), string(BackgroundRunning))
	if err != nil {
		return false, fmt.Errorf("finish background task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) DeleteBackgroundTask(ctx context.Context, taskID string) error {
	if _, err := s.exec(ctx, `DELETE FROM background_tasks WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete background task: %w", err)
	}
	return nil
}

// CleanupBackground deletes every queue row for the session.
func (s *Store) CleanupBackground(ctx context.Context, sessionID string) error {
	if _, err := s.exec(ctx, `DELETE FROM background_tasks WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("cleanup background tasks: %w", err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
