// ABOUTME: Filesystem layout for all engine-owned data directories.
// ABOUTME: Resolves the data root and the plugin/env/work subtrees under it.

package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Layout maps the engine's on-disk directories under a single data root:
//
//	root/
//	  plugind.db    SQLite database
//	  plugins/      one directory per installed plugin (extracted package)
//	  envs/         one isolated dependency environment per python plugin
//	  work/         one scratch directory per live execution
type Layout struct {
	Root string
}

// NewLayout validates and cleans the given root path.
func NewLayout(root string) (Layout, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." || root == "/" {
		return Layout{}, fmt.Errorf("data root cannot be empty, '.', or '/'")
	}
	if strings.Contains(root, "..") {
		return Layout{}, fmt.Errorf("data root cannot contain '..'")
	}
	return Layout{Root: root}, nil
}

func (l Layout) DBPath() string {
	return filepath.Join(l.Root, "plugind.db")
}

func (l Layout) PluginsDir() string {
	return filepath.Join(l.Root, "plugins")
}

// PluginDir is the installation directory for one plugin. Everything the
// plugin's package contains lives here; entry points must resolve inside it.
func (l Layout) PluginDir(pluginID string) string {
	return filepath.Join(l.PluginsDir(), pluginID)
}

func (l Layout) EnvsDir() string {
	return filepath.Join(l.Root, "envs")
}

func (l Layout) EnvDir(pluginID string) string {
	return filepath.Join(l.EnvsDir(), pluginID)
}

func (l Layout) WorkDir() string {
	return filepath.Join(l.Root, "work")
}

func (l Layout) ExecWorkDir(executionID string) string {
	return filepath.Join(l.WorkDir(), executionID)
}

// Ensure creates the directory tree so later writes never race on MkdirAll.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.PluginsDir(), l.EnvsDir(), l.WorkDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultRoot returns the data root used when none is configured.
// Priority: PLUGIND_HOME env var > XDG_DATA_HOME/plugind > ~/.local/share/plugind.
func DefaultRoot() string {
	if home := strings.TrimSpace(os.Getenv("PLUGIND_HOME")); home != "" {
		return home
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil || homeDir == "" || homeDir == "/" {
			return "./plugind-data"
		}
		if runtime.GOOS == "windows" {
			dataHome = os.Getenv("LOCALAPPDATA")
			if dataHome == "" {
				dataHome = filepath.Join(homeDir, "AppData", "Local")
			}
		} else {
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
	}
	return filepath.Join(dataHome, "plugind")
}
