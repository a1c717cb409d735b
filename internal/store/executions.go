// ABOUTME: Execution record persistence and the execution status enum.
// ABOUTME: Transitions are monotonic at the SQL level; terminal writes are idempotent.

package store

import (
	"database/sql"
	"fmt"
	"time"

	errs "github.com/opsforge/plugind/internal/errors"
)

// Status is the closed set of execution states. Transitions only move
// forward: Pending -> Running -> {Succeeded, Failed, Stopped}.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusStopped:
		return true
	case StatusPending, StatusRunning:
		return false
	default:
		return false
	}
}

// ParseStatus converts the stored text form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "running":
		return StatusRunning, nil
	case "succeeded":
		return StatusSucceeded, nil
	case "failed":
		return StatusFailed, nil
	case "stopped":
		return StatusStopped, nil
	default:
		return 0, fmt.Errorf("unknown execution status %q", s)
	}
}

// Execution is one tracked invocation of a plugin's entry point.
// PID, ExitCode, and FinishedAt are nil until the corresponding lifecycle
// event occurs.
type Execution struct {
	ID           string
	PluginID     string
	Status       Status
	PID          *int
	ExitCode     *int
	Stdout       string
	Stderr       string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

const executionColumns = `id, plugin_id, status, pid, exit_code, stdout, stderr,
	error_message, started_at, finished_at`

// CreateExecution inserts a new Pending execution row.
func (s *Store) CreateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (id, plugin_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`, e.ID, e.PluginID, e.Status.String(), e.StartedAt)
	return err
}

// GetExecution looks up one execution by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindExecNotFound, "execution %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutions returns executions newest first, optionally filtered by
// plugin identifier.
func (s *Store) ListExecutions(pluginID string) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY started_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// MarkExecutionRunning records the pid and advances Pending to Running.
// Returns false without error when the execution already left Pending, so a
// spawn racing a stop request simply loses.
func (s *Store) MarkExecutionRunning(id string, pid int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE executions SET status = ?, pid = ?
		WHERE id = ? AND status = ?
	`, StatusRunning.String(), pid, id, StatusPending.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendExecutionOutput appends a chunk to one stream's accumulator,
// keeping only the newest maxBytes of text.
func (s *Store) AppendExecutionOutput(id, stream, chunk string, maxBytes int) error {
	var column string
	switch stream {
	case "stdout":
		column = "stdout"
	case "stderr":
		column = "stderr"
	default:
		return fmt.Errorf("unknown output stream %q", stream)
	}

	// substr with a negative start keeps the tail. The BLOB cast makes it
	// count bytes rather than characters so maxBytes holds for multibyte
	// output too.
	_, err := s.db.Exec(`
		UPDATE executions
		SET `+column+` = CAST(substr(CAST(`+column+` || ? AS BLOB), -?) AS TEXT)
		WHERE id = ?
	`, chunk, maxBytes, id)
	return err
}

// FinishExecution applies a terminal transition. Only Pending and Running
// rows are touched, which makes repeated terminal writes no-ops and forbids
// terminal-to-terminal rewrites. Returns whether the transition applied.
func (s *Store) FinishExecution(id string, status Status, exitCode *int, errorMessage string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	res, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, exit_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, status.String(), nullableInt(exitCode), errorMessage, time.Now().UTC(),
		id, StatusPending.String(), StatusRunning.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountActiveExecutions counts non-terminal executions for a plugin.
func (s *Store) CountActiveExecutions(pluginID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions
		WHERE plugin_id = ? AND status IN (?, ?)
	`, pluginID, StatusPending.String(), StatusRunning.String()).Scan(&n)
	return n, err
}

// ReconcileInterrupted fails every Pending or Running execution. Called once
// at startup, before any process is spawned, so the engine never reports
// Running for a process it cannot observe.
func (s *Store) ReconcileInterrupted(message string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, error_message = ?, finished_at = ?
		WHERE status IN (?, ?)
	`, StatusFailed.String(), message, time.Now().UTC(),
		StatusPending.String(), StatusRunning.String())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var status string
	var pid, exitCode sql.NullInt64
	var finishedAt sql.NullTime
	err := row.Scan(&e.ID, &e.PluginID, &status, &pid, &exitCode,
		&e.Stdout, &e.Stderr, &e.ErrorMessage, &e.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	e.Status, err = ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if pid.Valid {
		v := int(pid.Int64)
		e.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return e, nil
}
