// ABOUTME: Engine configuration loaded from environment variables.
// ABOUTME: Covers listen address, data root, uv binary, and execution policy knobs.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opsforge/plugind/internal/paths"
)

// Config is the full runtime configuration of the engine.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string
	Port string

	// DataRoot is the directory holding the database, installed plugins,
	// dependency environments, and execution scratch space.
	DataRoot string

	// UVBinary is the uv executable used to build python environments.
	UVBinary string

	// PythonBinary is the interpreter used when a plugin declares no
	// dependencies and therefore gets no dedicated environment.
	PythonBinary string

	// MaxOutputBytes caps the stdout/stderr text retained per execution
	// stream. Older output is truncated, newest tail kept.
	MaxOutputBytes int

	// StopGracePeriod is how long a process gets to exit after SIGTERM
	// before it is killed.
	StopGracePeriod time.Duration

	// MaxConcurrentPerPlugin limits simultaneous executions of one plugin.
	// Zero means unlimited.
	MaxConcurrentPerPlugin int

	// ApplyDefaults injects declared parameter defaults for omitted
	// parameters at execution time. Off by default: declared defaults are
	// a form-rendering convenience, callers opt in to server-side filling.
	ApplyDefaults bool
}

const (
	defaultPort            = "6701"
	defaultMaxOutputBytes  = 1 << 20 // 1 MB per stream
	defaultStopGracePeriod = 5 * time.Second
)

// Load reads configuration from PLUGIND_* environment variables, falling
// back to defaults. Callers load .env files before calling this.
func Load() (Config, error) {
	cfg := Config{
		Host:            getEnv("PLUGIND_HOST", "127.0.0.1"),
		Port:            getEnv("PLUGIND_PORT", defaultPort),
		DataRoot:        getEnv("PLUGIND_DATA_ROOT", paths.DefaultRoot()),
		UVBinary:        getEnv("PLUGIND_UV_BIN", "uv"),
		PythonBinary:    getEnv("PLUGIND_PYTHON_BIN", "python3"),
		MaxOutputBytes:  defaultMaxOutputBytes,
		StopGracePeriod: defaultStopGracePeriod,
	}

	if v := os.Getenv("PLUGIND_MAX_OUTPUT_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid PLUGIND_MAX_OUTPUT_BYTES %q", v)
		}
		cfg.MaxOutputBytes = n
	}

	if v := os.Getenv("PLUGIND_STOP_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid PLUGIND_STOP_GRACE_PERIOD %q", v)
		}
		cfg.StopGracePeriod = d
	}

	if v := os.Getenv("PLUGIND_MAX_CONCURRENT_PER_PLUGIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid PLUGIND_MAX_CONCURRENT_PER_PLUGIN %q", v)
		}
		cfg.MaxConcurrentPerPlugin = n
	}

	if v := os.Getenv("PLUGIND_APPLY_DEFAULTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PLUGIND_APPLY_DEFAULTS %q", v)
		}
		cfg.ApplyDefaults = b
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
