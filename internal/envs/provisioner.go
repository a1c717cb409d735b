// ABOUTME: Builds and refreshes isolated per-plugin dependency environments.
// ABOUTME: Idempotent via a dependency fingerprint; rebuilds serialize per plugin.

package envs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/paths"
	"github.com/opsforge/plugind/internal/store"
)

// Plugin kinds the provisioner understands.
const (
	KindPython  = "python"
	KindCommand = "command"
)

// Handle describes a ready-to-use environment for one plugin.
type Handle struct {
	// Path is the environment directory, empty for plugins that need none.
	Path string
	// PythonBin is the interpreter to launch python plugins with.
	PythonBin string
}

// Runner executes an external command and returns its combined output.
// Factored out so tests can provision without a real uv binary.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Provisioner owns every plugin environment directory. It is the only
// component that writes under the envs tree.
type Provisioner struct {
	store     *store.Store
	layout    paths.Layout
	uvBin     string
	pythonBin string
	runner    Runner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(s *store.Store, layout paths.Layout, uvBin, pythonBin string) *Provisioner {
	return &Provisioner{
		store:     s,
		layout:    layout,
		uvBin:     uvBin,
		pythonBin: pythonBin,
		runner:    execRunner{},
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetRunner replaces the command runner. Test hook.
func (p *Provisioner) SetRunner(r Runner) {
	p.runner = r
}

// Fingerprint identifies a dependency declaration. Order is preserved:
// installing the same packages in a different order is a different build.
func Fingerprint(kind string, deps []string) string {
	h := sha256.New()
	fmt.Fprintln(h, kind)
	for _, d := range deps {
		fmt.Fprintln(h, strings.TrimSpace(d))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// pluginLock returns the per-plugin build mutex, creating it on first use.
// Builds for different plugins proceed concurrently; two rebuilds of the
// same plugin never overlap.
func (p *Provisioner) pluginLock(pluginID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[pluginID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[pluginID] = l
	}
	return l
}

// Ready reports whether the plugin's recorded environment matches its
// current dependency declaration without touching the filesystem beyond a
// stat.
func (p *Provisioner) Ready(plugin *store.Plugin) bool {
	if plugin.Kind != KindPython {
		return true
	}
	want := Fingerprint(plugin.Kind, plugin.Dependencies)
	if plugin.EnvPath == "" || plugin.EnvFingerprint != want {
		return false
	}
	_, err := os.Stat(pythonBinPath(plugin.EnvPath))
	return err == nil
}

// Ensure returns a ready environment handle for the plugin, reusing a valid
// existing environment or rebuilding from the declared dependency list.
// Build failures surface as environment_build_failed and clear the recorded
// handle so the plugin cannot execute until a later Ensure succeeds.
func (p *Provisioner) Ensure(ctx context.Context, plugin *store.Plugin) (Handle, error) {
	if plugin.Kind != KindPython {
		return Handle{}, nil
	}

	lock := p.pluginLock(plugin.ID)
	lock.Lock()
	defer lock.Unlock()

	want := Fingerprint(plugin.Kind, plugin.Dependencies)
	envDir := p.layout.EnvDir(plugin.ID)

	if plugin.EnvPath == envDir && plugin.EnvFingerprint == want {
		if _, err := os.Stat(pythonBinPath(envDir)); err == nil {
			return Handle{Path: envDir, PythonBin: pythonBinPath(envDir)}, nil
		}
	}

	log.Printf("Provisioning environment for plugin %s (%d dependencies)", plugin.ID, len(plugin.Dependencies))

	if err := p.build(ctx, plugin, envDir); err != nil {
		// Clear the handle so execute refuses to run until a rebuild works.
		if serr := p.store.SetPluginEnv(plugin.ID, "", ""); serr != nil {
			log.Printf("Failed to clear environment handle for %s: %v", plugin.ID, serr)
		}
		os.RemoveAll(envDir)
		return Handle{}, errs.Wrap(errs.KindEnvBuildFailed, err,
			"failed to build environment for plugin %q", plugin.ID)
	}

	if err := p.store.SetPluginEnv(plugin.ID, envDir, want); err != nil {
		return Handle{}, err
	}
	plugin.EnvPath = envDir
	plugin.EnvFingerprint = want
	return Handle{Path: envDir, PythonBin: pythonBinPath(envDir)}, nil
}

func (p *Provisioner) build(ctx context.Context, plugin *store.Plugin, envDir string) error {
	if err := os.RemoveAll(envDir); err != nil {
		return fmt.Errorf("clear stale environment: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(envDir), 0o755); err != nil {
		return err
	}

	if out, err := p.runner.Run(ctx, "", p.uvBin, "venv", "--python", p.pythonBin, envDir); err != nil {
		return fmt.Errorf("uv venv: %v: %s", err, firstLines(out))
	}

	if len(plugin.Dependencies) == 0 {
		return nil
	}

	args := append([]string{"pip", "install", "--python", pythonBinPath(envDir)}, plugin.Dependencies...)
	if out, err := p.runner.Run(ctx, plugin.InstallPath, p.uvBin, args...); err != nil {
		return fmt.Errorf("uv pip install: %v: %s", err, firstLines(out))
	}
	return nil
}

// Release removes a plugin's environment directory and forgets its lock.
// Called on uninstall.
func (p *Provisioner) Release(pluginID string) error {
	lock := p.pluginLock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	err := os.RemoveAll(p.layout.EnvDir(pluginID))

	p.mu.Lock()
	delete(p.locks, pluginID)
	p.mu.Unlock()
	return err
}

func pythonBinPath(envDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(envDir, "Scripts", "python.exe")
	}
	return filepath.Join(envDir, "bin", "python")
}

// firstLines trims command output down to something usable in an error.
func firstLines(out []byte) string {
	s := strings.TrimSpace(string(out))
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	return strings.Join(lines, "\n")
}
