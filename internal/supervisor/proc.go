// ABOUTME: Per-execution process handle and run loop.
// ABOUTME: Output capture and exit detection feed one event channel with a single consumer.

package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/opsforge/plugind/internal/envs"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/store"
	"github.com/opsforge/plugind/internal/tracker"
)

// paramsEnvVar carries the coerced parameter payload to the plugin process.
// The same payload is written to the process's stdin.
const paramsEnvVar = "PLUGIND_PARAMS"

// process is the transient, non-persisted handle for one live execution.
type process struct {
	executionID string

	stop     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newProcess(executionID string) *process {
	return &process{
		executionID: executionID,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (p *process) stopRequested() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// requestStop flags the stop, signals the process when one exists, and arms
// the forced kill. Returns whether a process had been spawned; callers
// transition Pending executions themselves when it had not.
func (p *process) requestStop(grace time.Duration) bool {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the waiter will classify.
		return true
	}

	// The plugin may ignore the signal. Forced kill is engine policy, not
	// the target's choice.
	proc := p.cmd.Process
	done := p.done
	time.AfterFunc(grace, func() {
		select {
		case <-done:
		default:
			log.Printf("Execution %s ignored SIGTERM, killing pid %d", p.executionID, proc.Pid)
			proc.Kill()
		}
	})
	return true
}

// event is one lifecycle message from the capture/wait goroutines to the
// single-writer loop.
type event struct {
	stream string // set for output events
	chunk  string
	exit   bool
	code   int
	err    error
}

// run drives one execution from spawn to terminal state. It is the only
// writer of this execution's state while the process lives.
func (s *Supervisor) run(proc *process, plugin *store.Plugin, env envs.Handle, params map[string]any) {
	defer s.removeProc(proc.executionID)
	defer close(proc.done)

	if proc.stopRequested() {
		// Stop() already transitioned the record; nothing was spawned.
		return
	}

	workDir := s.layout.ExecWorkDir(proc.executionID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.recordFailure(proc.executionID, fmt.Errorf("create work directory: %w", err))
		return
	}
	defer os.RemoveAll(workDir)

	cmd, err := buildCommand(plugin, env, params, workDir)
	if err != nil {
		s.recordFailure(proc.executionID, errs.Wrap(errs.KindSpawnFailed, err, "%v", err))
		return
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.recordFailure(proc.executionID, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.recordFailure(proc.executionID, err)
		return
	}

	// Spawn under the handle lock so a concurrent Stop either sees no
	// process (and transitions Pending itself) or sees the live process
	// and signals it.
	proc.mu.Lock()
	if proc.stopRequested() {
		proc.mu.Unlock()
		return
	}
	if err := cmd.Start(); err != nil {
		proc.mu.Unlock()
		s.recordFailure(proc.executionID, errs.Wrap(errs.KindSpawnFailed, err,
			"failed to spawn %s: %v", plugin.EntryPoint, err))
		return
	}
	proc.cmd = cmd
	proc.mu.Unlock()

	pid := cmd.Process.Pid
	applied, err := s.tracker.RecordStarted(proc.executionID, pid)
	if err != nil {
		log.Printf("Execution %s: failed to record start: %v", proc.executionID, err)
	}
	if !applied {
		// A stop arrived between Begin and Start: the record is already
		// Stopped, so terminate the fresh process immediately.
		cmd.Process.Kill()
	}

	events := make(chan event, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readStream(events, &readers, stdout, tracker.StreamStdout)
	go readStream(events, &readers, stderr, tracker.StreamStderr)
	go func() {
		// Pipes must be drained before Wait.
		readers.Wait()
		werr := cmd.Wait()
		events <- event{exit: true, code: exitCode(werr), err: werr}
		close(events)
	}()

	for ev := range events {
		if !ev.exit {
			if err := s.tracker.RecordOutput(proc.executionID, ev.stream, ev.chunk); err != nil {
				log.Printf("Execution %s: failed to record output: %v", proc.executionID, err)
			}
			s.hub.Publish(proc.executionID, ev.stream, ev.chunk)
			continue
		}
		s.classifyExit(proc, ev)
	}
}

// classifyExit applies the terminal transition for a finished process.
// A requested stop wins over whatever exit code termination produced.
func (s *Supervisor) classifyExit(proc *process, ev event) {
	if proc.stopRequested() {
		var code *int
		if ev.code >= 0 {
			c := ev.code
			code = &c
		}
		if err := s.tracker.RecordStopped(proc.executionID, code); err != nil {
			log.Printf("Execution %s: failed to record stop: %v", proc.executionID, err)
		}
		return
	}

	if ev.err != nil && ev.code < 0 {
		// Wait failed without a usable exit code.
		s.recordFailure(proc.executionID, ev.err)
		return
	}
	if err := s.tracker.RecordFinished(proc.executionID, ev.code); err != nil {
		log.Printf("Execution %s: failed to record finish: %v", proc.executionID, err)
	}
}

func (s *Supervisor) recordFailure(executionID string, err error) {
	log.Printf("Execution %s failed: %v", executionID, err)
	if rerr := s.tracker.RecordFailed(executionID, err.Error()); rerr != nil {
		log.Printf("Execution %s: failed to record failure: %v", executionID, rerr)
	}
}

// buildCommand assembles the exec.Cmd for a plugin invocation: entry point
// resolved inside the install path, scratch work directory, coerced
// parameters on stdin and in the environment, and the isolated environment
// activated for python plugins.
func buildCommand(plugin *store.Plugin, env envs.Handle, params map[string]any, workDir string) (*exec.Cmd, error) {
	entry := filepath.Join(plugin.InstallPath, filepath.Clean(plugin.EntryPoint))
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("entry point not found: %s", entry)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	var cmd *exec.Cmd
	switch plugin.Kind {
	case envs.KindPython:
		cmd = exec.Command(env.PythonBin, entry)
	case envs.KindCommand:
		cmd = exec.Command(entry)
	default:
		return nil, fmt.Errorf("unknown plugin kind %q", plugin.Kind)
	}

	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		paramsEnvVar+"="+string(payload),
		"PLUGIND_PLUGIN_ID="+plugin.ID,
	)
	if env.Path != "" {
		cmd.Env = append(cmd.Env,
			"VIRTUAL_ENV="+env.Path,
			"PATH="+filepath.Dir(env.PythonBin)+string(os.PathListSeparator)+os.Getenv("PATH"),
		)
	}
	return cmd, nil
}

// readStream forwards output chunks in the order the process produced them.
// Per-stream ordering is preserved; stdout/stderr interleaving is not.
func readStream(events chan<- event, wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			events <- event{stream: stream, chunk: string(buf[:n])}
		}
		if err != nil {
			return
		}
	}
}

// exitCode extracts the process exit code from cmd.Wait's error, -1 when no
// code is available (signal kill, wait failure).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
