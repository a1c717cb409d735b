// ABOUTME: Process supervisor: launches, monitors, and terminates plugin processes.
// ABOUTME: Drives the Pending -> Running -> terminal state machine through the tracker.

package supervisor

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opsforge/plugind/internal/envs"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/paths"
	"github.com/opsforge/plugind/internal/schema"
	"github.com/opsforge/plugind/internal/store"
	"github.com/opsforge/plugind/internal/tracker"
	"github.com/opsforge/plugind/internal/version"
	"golang.org/x/mod/semver"
)

// Config is the supervisor's execution policy.
type Config struct {
	// StopGracePeriod is how long a process gets between SIGTERM and SIGKILL.
	StopGracePeriod time.Duration
	// MaxConcurrentPerPlugin caps simultaneous executions of one plugin.
	// Zero means unlimited.
	MaxConcurrentPerPlugin int
	// ApplyDefaults injects declared parameter defaults for omitted values.
	ApplyDefaults bool
}

// Supervisor owns every live process handle. It is the only writer of
// execution state while a process is live; all writes flow through the
// tracker from the per-execution event loop.
type Supervisor struct {
	store       *store.Store
	tracker     *tracker.Tracker
	provisioner *envs.Provisioner
	layout      paths.Layout
	cfg         Config
	hub         *Hub
	hostVersion string

	mu    sync.Mutex
	procs map[string]*process
}

func New(s *store.Store, t *tracker.Tracker, p *envs.Provisioner, layout paths.Layout, cfg Config) *Supervisor {
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 5 * time.Second
	}
	return &Supervisor{
		store:       s,
		tracker:     t,
		provisioner: p,
		layout:      layout,
		cfg:         cfg,
		hub:         NewHub(),
		hostVersion: version.Version,
		procs:       make(map[string]*process),
	}
}

// Hub exposes the live output fan-out for streaming consumers.
func (s *Supervisor) Hub() *Hub {
	return s.hub
}

// Execute validates parameters, creates a Pending execution, and spawns the
// plugin's entry point asynchronously. It returns as soon as the execution
// record exists; it never waits for the process to finish.
func (s *Supervisor) Execute(ctx context.Context, pluginID string, params map[string]any) (*store.Execution, error) {
	plugin, err := s.store.GetPlugin(pluginID)
	if err != nil {
		return nil, err
	}
	if !plugin.Enabled {
		return nil, errs.New(errs.KindPluginDisabled, "plugin %q is disabled", pluginID)
	}
	if err := s.checkHostVersion(plugin); err != nil {
		return nil, err
	}

	// A failed earlier build left no environment; retry provisioning here
	// so the plugin becomes executable again without an explicit update.
	env, err := s.ensureEnv(ctx, plugin)
	if err != nil {
		return nil, err
	}

	coerced, err := schema.Coerce(plugin.Parameters, params, schema.Options{ApplyDefaults: s.cfg.ApplyDefaults})
	if err != nil {
		return nil, err
	}

	if s.cfg.MaxConcurrentPerPlugin > 0 {
		active, err := s.store.CountActiveExecutions(pluginID)
		if err != nil {
			return nil, err
		}
		if active >= s.cfg.MaxConcurrentPerPlugin {
			return nil, errs.New(errs.KindPluginBusy,
				"plugin %q already has %d execution(s) running", pluginID, active)
		}
	}

	execution, err := s.tracker.Begin(pluginID)
	if err != nil {
		return nil, err
	}

	proc := newProcess(execution.ID)
	s.mu.Lock()
	s.procs[execution.ID] = proc
	s.mu.Unlock()

	go s.run(proc, plugin, env, coerced)

	return execution, nil
}

func (s *Supervisor) ensureEnv(ctx context.Context, plugin *store.Plugin) (envs.Handle, error) {
	if plugin.Kind != envs.KindPython {
		return envs.Handle{}, nil
	}
	return s.provisioner.Ensure(ctx, plugin)
}

func (s *Supervisor) checkHostVersion(plugin *store.Plugin) error {
	if plugin.MinHostVersion == "" {
		return nil
	}
	min := "v" + strings.TrimPrefix(plugin.MinHostVersion, "v")
	host := "v" + strings.TrimPrefix(s.hostVersion, "v")
	if semver.Compare(host, min) < 0 {
		return errs.New(errs.KindPluginDisabled,
			"plugin %q requires host version >= %s, engine is %s",
			plugin.ID, plugin.MinHostVersion, s.hostVersion)
	}
	return nil
}

// Stop requests termination of an execution. Pending executions transition
// directly to Stopped; Running ones get SIGTERM, then SIGKILL after the
// grace period. Stopping an already-terminal execution is a no-op.
func (s *Supervisor) Stop(executionID string) error {
	execution, err := s.tracker.Get(executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return nil
	}

	s.mu.Lock()
	proc := s.procs[executionID]
	s.mu.Unlock()

	if proc == nil {
		// No live handle: the record predates this engine instance. The
		// startup reconcile should have caught it, but never leave a
		// non-terminal record the engine cannot observe.
		return s.tracker.RecordStopped(executionID, nil)
	}

	if spawned := proc.requestStop(s.cfg.StopGracePeriod); !spawned {
		// Not spawned yet (or spawn lost the race): transition now. The
		// spawn path re-checks the stop flag and kills anything that
		// slipped through.
		return s.tracker.RecordStopped(executionID, nil)
	}
	return nil
}

// ReconcileOnStartup fails every execution left non-terminal by a previous
// engine instance. Must run before the first Execute.
func (s *Supervisor) ReconcileOnStartup() error {
	n, err := s.tracker.ReconcileInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("Reconciled %d interrupted execution(s) to failed", n)
	}
	return nil
}

// ActiveCount reports how many processes this supervisor currently tracks.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) removeProc(executionID string) {
	s.mu.Lock()
	delete(s.procs, executionID)
	s.mu.Unlock()
	s.hub.Finish(executionID)
}
