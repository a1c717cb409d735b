// ABOUTME: Append-only projection of process lifecycle events into execution records.
// ABOUTME: Each record* call is a monotonic transition; terminal repeats are no-ops.

package tracker

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opsforge/plugind/internal/store"
)

// Output stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// errorTailBytes bounds how much stderr is surfaced as an error message.
const errorTailBytes = 1024

// Tracker owns execution records. The supervisor delivers lifecycle events
// at-least-once; every transition here tolerates replays.
type Tracker struct {
	store          *store.Store
	maxOutputBytes int
}

func New(s *store.Store, maxOutputBytes int) *Tracker {
	return &Tracker{store: s, maxOutputBytes: maxOutputBytes}
}

// Begin creates a Pending execution and returns it immediately, before any
// process exists.
func (t *Tracker) Begin(pluginID string) (*store.Execution, error) {
	e := &store.Execution{
		ID:        uuid.NewString(),
		PluginID:  pluginID,
		Status:    store.StatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := t.store.CreateExecution(e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordStarted advances Pending to Running with the observed pid. Returns
// false when the execution already left Pending, in which case the caller
// lost a race with stop.
func (t *Tracker) RecordStarted(id string, pid int) (bool, error) {
	return t.store.MarkExecutionRunning(id, pid)
}

// RecordOutput appends a chunk to the named stream's accumulator. Per-stream
// order is the order of calls; the accumulator keeps only the newest tail.
func (t *Tracker) RecordOutput(id, stream, chunk string) error {
	if chunk == "" {
		return nil
	}
	return t.store.AppendExecutionOutput(id, stream, chunk, t.maxOutputBytes)
}

// RecordFinished classifies a natural exit: code 0 is Succeeded, anything
// else Failed with the captured stderr tail as the error message.
func (t *Tracker) RecordFinished(id string, exitCode int) error {
	status := store.StatusSucceeded
	message := ""
	if exitCode != 0 {
		status = store.StatusFailed
		e, err := t.store.GetExecution(id)
		if err != nil {
			return err
		}
		message = stderrTail(e.Stderr, exitCode)
	}

	applied, err := t.store.FinishExecution(id, status, &exitCode, message)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("Execution %s already terminal, ignoring exit code %d", id, exitCode)
	}
	return nil
}

// RecordFailed marks an execution Failed with an explicit message, used for
// spawn errors and restart reconciliation rather than nonzero exits.
func (t *Tracker) RecordFailed(id, message string) error {
	_, err := t.store.FinishExecution(id, store.StatusFailed, nil, message)
	return err
}

// RecordStopped marks an execution Stopped. The exit code, when the process
// got far enough to produce one, is recorded but never reclassifies the
// stop as a failure.
func (t *Tracker) RecordStopped(id string, exitCode *int) error {
	_, err := t.store.FinishExecution(id, store.StatusStopped, exitCode, "")
	return err
}

// Get returns one execution by id.
func (t *Tracker) Get(id string) (*store.Execution, error) {
	return t.store.GetExecution(id)
}

// List returns executions newest first, optionally filtered by plugin.
func (t *Tracker) List(pluginID string) ([]*store.Execution, error) {
	return t.store.ListExecutions(pluginID)
}

// ReconcileInterrupted fails every non-terminal execution. Called once at
// engine startup before anything spawns.
func (t *Tracker) ReconcileInterrupted() (int, error) {
	return t.store.ReconcileInterrupted("execution interrupted by engine restart")
}

func stderrTail(stderr string, exitCode int) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return fmt.Sprintf("process exited with code %d", exitCode)
	}
	if len(s) > errorTailBytes {
		s = s[len(s)-errorTailBytes:]
	}
	return s
}
