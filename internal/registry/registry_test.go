// ABOUTME: Tests for plugin install, uninstall, update, and enable/disable.
// ABOUTME: Builds real zip packages in temp dirs and a stub env runner.

package registry

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opsforge/plugind/internal/envs"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/paths"
	"github.com/opsforge/plugind/internal/store"
)

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "venv" {
		envDir := args[len(args)-1]
		pythonBin := filepath.Join(envDir, "bin", "python")
		if err := os.MkdirAll(filepath.Dir(pythonBin), 0o755); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(pythonBin, []byte("#!/bin/true\n"), 0o755)
	}
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	if err := layout.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	s, err := store.New(layout.DBPath())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p := envs.New(s, layout, "uv", "python3")
	p.SetRunner(nopRunner{})
	return New(s, layout, p), s
}

// buildPackage writes a zip with the given files and returns its path.
func buildPackage(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pkg.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write package: %v", err)
	}
	return path
}

const basicManifest = `{
	"id": "hello",
	"name": "Hello",
	"version": "1.0.0",
	"kind": "command",
	"author": "dev",
	"entry": "run.sh",
	"parameters": [{"name": "count", "type": "integer", "validation": {"min": 0, "max": 10}, "default": 1}]
}`

func TestInstall_FromLocalPath(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{
		"plugin.json": basicManifest,
		"run.sh":      "#!/bin/sh\necho hi\n",
	})

	plugin, err := svc.Install(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if plugin.ID != "hello" || plugin.Name != "Hello" || plugin.Version != "1.0.0" {
		t.Errorf("installed plugin = %+v", plugin)
	}
	if plugin.Enabled {
		t.Error("plugin enabled, manifest did not request it")
	}
	if len(plugin.Parameters) != 1 || plugin.Parameters[0].Name != "count" {
		t.Errorf("parameters = %+v", plugin.Parameters)
	}

	// Package contents extracted into the plugin's install dir.
	if _, err := os.Stat(filepath.Join(plugin.InstallPath, "run.sh")); err != nil {
		t.Errorf("entry not extracted: %v", err)
	}

	got, err := svc.Get("hello")
	if err != nil || got.ID != "hello" {
		t.Errorf("Get() = %v, %v", got, err)
	}
}

func TestInstall_FromHTTPURL(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{
		"plugin.json": `{"id":"web","name":"Web","version":"0.1.0","kind":"command","entry":"go.sh"}`,
		"go.sh":       "#!/bin/sh\n",
	})
	data, err := os.ReadFile(pkg)
	if err != nil {
		t.Fatalf("read package: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	plugin, err := svc.Install(context.Background(), srv.URL+"/web.zip")
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if plugin.ID != "web" {
		t.Errorf("plugin id = %q", plugin.ID)
	}
}

func TestInstall_ManifestEnabledRequest(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{
		"plugin.json": `{"id":"on","name":"On","version":"1.0.0","kind":"command","entry":"x.sh","enabled":true}`,
		"x.sh":        "#!/bin/sh\n",
	})

	plugin, err := svc.Install(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !plugin.Enabled {
		t.Error("manifest requested enabled=true, plugin installed disabled")
	}
}

func TestInstall_GeneratesIDWhenAbsent(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{
		"plugin.json": `{"name":"Anon","version":"1.0.0","kind":"command","entry":"x.sh"}`,
		"x.sh":        "",
	})

	plugin, err := svc.Install(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := uuid.Parse(plugin.ID); err != nil {
		t.Errorf("generated id %q is not a uuid", plugin.ID)
	}
}

func TestInstall_InvalidPackages(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name  string
		files map[string]string
	}{
		{"no manifest", map[string]string{"run.sh": ""}},
		{"malformed manifest", map[string]string{"plugin.json": "{nope"}},
		{"missing name", map[string]string{"plugin.json": `{"version":"1","kind":"command","entry":"x"}`}},
		{"unknown kind", map[string]string{"plugin.json": `{"name":"x","version":"1","kind":"cobol","entry":"x"}`}},
		{"absolute entry", map[string]string{"plugin.json": `{"name":"x","version":"1","kind":"command","entry":"/etc/passwd"}`}},
		{"traversal entry", map[string]string{"plugin.json": `{"name":"x","version":"1","kind":"command","entry":"../../x.sh"}`}},
		{"entry not in package", map[string]string{"plugin.json": `{"name":"x","version":"1","kind":"command","entry":"ghost.sh"}`}},
		{"deps on command kind", map[string]string{
			"plugin.json": `{"name":"x","version":"1","kind":"command","entry":"x.sh","dependencies":["requests"]}`,
			"x.sh":        "",
		}},
		{"bad parameter schema", map[string]string{
			"plugin.json": `{"name":"x","version":"1","kind":"command","entry":"x.sh","parameters":[{"name":"","type":"text"}]}`,
			"x.sh":        "",
		}},
		{"bad min host version", map[string]string{
			"plugin.json": `{"name":"x","version":"1","kind":"command","entry":"x.sh","min_host_version":"latest"}`,
			"x.sh":        "",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := buildPackage(t, tt.files)
			_, err := svc.Install(context.Background(), pkg)
			if !errs.Is(err, errs.KindInvalidPackage) {
				t.Errorf("Install() error = %v, want invalid_package", err)
			}
		})
	}

	if _, err := svc.Install(context.Background(), "/no/such/file.zip"); !errs.Is(err, errs.KindInvalidPackage) {
		t.Errorf("missing source error = %v", err)
	}
}

func TestInstall_RejectsZipSlip(t *testing.T) {
	svc, _ := newTestService(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("../escape.txt")
	w.Write([]byte("out"))
	zw.Close()

	path := filepath.Join(t.TempDir(), "evil.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write package: %v", err)
	}

	if _, err := svc.Install(context.Background(), path); !errs.Is(err, errs.KindInvalidPackage) {
		t.Errorf("zip-slip Install() error = %v, want invalid_package", err)
	}
}

func TestInstall_Duplicate(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{"plugin.json": basicManifest, "run.sh": ""})

	if _, err := svc.Install(context.Background(), pkg); err != nil {
		t.Fatalf("first Install() error = %v", err)
	}
	_, err := svc.Install(context.Background(), pkg)
	if !errs.Is(err, errs.KindDuplicatePlugin) {
		t.Errorf("second Install() error = %v, want duplicate_plugin", err)
	}
}

func TestUninstall_RemovesEverything(t *testing.T) {
	svc, s := newTestService(t)
	pkg := buildPackage(t, map[string]string{"plugin.json": basicManifest, "run.sh": ""})

	plugin, err := svc.Install(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	e := &store.Execution{ID: uuid.NewString(), PluginID: "hello", Status: store.StatusPending, StartedAt: time.Now().UTC()}
	if err := s.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	// In-flight execution blocks uninstall.
	if err := svc.Uninstall("hello"); !errs.Is(err, errs.KindPluginBusy) {
		t.Fatalf("busy Uninstall() error = %v, want plugin_busy", err)
	}

	if _, err := s.FinishExecution(e.ID, store.StatusStopped, nil, ""); err != nil {
		t.Fatalf("FinishExecution() error = %v", err)
	}
	if err := svc.Uninstall("hello"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}

	if _, err := svc.Get("hello"); !errs.Is(err, errs.KindPluginNotFound) {
		t.Errorf("plugin survived uninstall: %v", err)
	}
	if _, err := s.GetExecution(e.ID); !errs.Is(err, errs.KindExecNotFound) {
		t.Errorf("execution history survived uninstall: %v", err)
	}
	if _, err := os.Stat(plugin.InstallPath); !os.IsNotExist(err) {
		t.Errorf("install dir survived uninstall: %v", err)
	}
}

func TestUninstall_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Uninstall("ghost"); !errs.Is(err, errs.KindPluginNotFound) {
		t.Errorf("Uninstall(ghost) error = %v", err)
	}
}

func TestEnableDisable(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{"plugin.json": basicManifest, "run.sh": ""})
	if _, err := svc.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if err := svc.Enable("hello"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	p, _ := svc.Get("hello")
	if !p.Enabled {
		t.Error("plugin not enabled")
	}

	if err := svc.Disable("hello"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	p, _ = svc.Get("hello")
	if p.Enabled {
		t.Error("plugin not disabled")
	}
}

func TestUpdate_PreservesIdentityAndHistory(t *testing.T) {
	svc, s := newTestService(t)
	pkg := buildPackage(t, map[string]string{"plugin.json": basicManifest, "run.sh": "v1"})

	installed, err := svc.Install(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := svc.Enable("hello"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	e := &store.Execution{ID: uuid.NewString(), PluginID: "hello", Status: store.StatusPending, StartedAt: time.Now().UTC()}
	if err := s.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if _, err := s.FinishExecution(e.ID, store.StatusStopped, nil, ""); err != nil {
		t.Fatalf("FinishExecution() error = %v", err)
	}

	pkg2 := buildPackage(t, map[string]string{
		"plugin.json": `{"id":"hello","name":"Hello v2","version":"2.0.0","kind":"command","entry":"run2.sh"}`,
		"run2.sh":     "v2",
	})

	updated, err := svc.Update(context.Background(), "hello", pkg2)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.RecordID != installed.RecordID {
		t.Error("update changed the record id")
	}
	if updated.Version != "2.0.0" || updated.EntryPoint != "run2.sh" {
		t.Errorf("updated plugin = %+v", updated)
	}
	if !updated.Enabled {
		t.Error("update reset the enabled flag")
	}

	// History preserved.
	if _, err := s.GetExecution(e.ID); err != nil {
		t.Errorf("execution history lost on update: %v", err)
	}

	// New package contents replace old ones.
	if _, err := os.Stat(filepath.Join(updated.InstallPath, "run2.sh")); err != nil {
		t.Errorf("updated entry missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(updated.InstallPath, "run.sh")); !os.IsNotExist(err) {
		t.Error("old package contents survived update")
	}
}

func TestUpdate_RejectsIdentityChange(t *testing.T) {
	svc, _ := newTestService(t)
	pkg := buildPackage(t, map[string]string{"plugin.json": basicManifest, "run.sh": ""})
	if _, err := svc.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	other := buildPackage(t, map[string]string{
		"plugin.json": `{"id":"other","name":"Other","version":"1.0.0","kind":"command","entry":"x.sh"}`,
		"x.sh":        "",
	})
	if _, err := svc.Update(context.Background(), "hello", other); !errs.Is(err, errs.KindInvalidPackage) {
		t.Errorf("Update() with new id error = %v, want invalid_package", err)
	}
}
