// ABOUTME: Tests for SQLite store initialization and plugin persistence.
// ABOUTME: Verifies schema creation, CRUD, duplicate detection, and cascades.

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlugin(id string) *Plugin {
	now := time.Now().UTC()
	return &Plugin{
		RecordID:    uuid.NewString(),
		ID:          id,
		Name:        "Test Plugin",
		Version:     "1.0.0",
		Kind:        "command",
		Author:      "dev",
		EntryPoint:  "run.sh",
		InstallPath: "/tmp/plugins/" + id,
		Parameters: []schema.Parameter{
			{Name: "count", Type: schema.TypeInteger},
		},
		Dependencies: []string{"requests==2.32.0"},
		Metadata:     json.RawMessage(`{"origin":"test"}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestNewStore_CreatesDatabase(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"plugins", "executions", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_CreateAndGetPlugin(t *testing.T) {
	s := newTestStore(t)

	p := testPlugin("p1")
	if err := s.CreatePlugin(p); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}

	got, err := s.GetPlugin("p1")
	if err != nil {
		t.Fatalf("GetPlugin() error = %v", err)
	}
	if got.Name != p.Name || got.Kind != p.Kind || got.EntryPoint != p.EntryPoint {
		t.Errorf("GetPlugin() = %+v, want fields of %+v", got, p)
	}
	if len(got.Parameters) != 1 || got.Parameters[0].Name != "count" {
		t.Errorf("parameters not round-tripped: %+v", got.Parameters)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "requests==2.32.0" {
		t.Errorf("dependencies not round-tripped: %+v", got.Dependencies)
	}
	if got.Enabled {
		t.Error("plugin enabled by default")
	}
}

func TestStore_DuplicatePlugin(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreatePlugin(testPlugin("p1")); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}
	err := s.CreatePlugin(testPlugin("p1"))
	if !errs.Is(err, errs.KindDuplicatePlugin) {
		t.Errorf("duplicate CreatePlugin() error = %v, want duplicate_plugin", err)
	}
}

func TestStore_GetPluginNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPlugin("ghost")
	if !errs.Is(err, errs.KindPluginNotFound) {
		t.Errorf("GetPlugin() error = %v, want plugin_not_found", err)
	}
}

func TestStore_EnableDisable(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreatePlugin(testPlugin("p1")); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}

	if err := s.SetPluginEnabled("p1", true); err != nil {
		t.Fatalf("SetPluginEnabled() error = %v", err)
	}
	got, _ := s.GetPlugin("p1")
	if !got.Enabled {
		t.Error("plugin not enabled")
	}

	if err := s.SetPluginEnabled("p1", false); err != nil {
		t.Fatalf("SetPluginEnabled() error = %v", err)
	}
	got, _ = s.GetPlugin("p1")
	if got.Enabled {
		t.Error("plugin not disabled")
	}

	if err := s.SetPluginEnabled("ghost", true); !errs.Is(err, errs.KindPluginNotFound) {
		t.Errorf("SetPluginEnabled(ghost) error = %v", err)
	}
}

func TestStore_SetPluginEnv(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreatePlugin(testPlugin("p1")); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}

	if err := s.SetPluginEnv("p1", "/envs/p1", "abc123"); err != nil {
		t.Fatalf("SetPluginEnv() error = %v", err)
	}
	got, _ := s.GetPlugin("p1")
	if got.EnvPath != "/envs/p1" || got.EnvFingerprint != "abc123" {
		t.Errorf("env handle = %q/%q", got.EnvPath, got.EnvFingerprint)
	}
}

func TestStore_DeletePluginCascadesExecutions(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreatePlugin(testPlugin("p1")); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}

	e := &Execution{ID: uuid.NewString(), PluginID: "p1", Status: StatusPending, StartedAt: time.Now().UTC()}
	if err := s.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	if err := s.DeletePlugin("p1"); err != nil {
		t.Fatalf("DeletePlugin() error = %v", err)
	}

	if _, err := s.GetExecution(e.ID); !errs.Is(err, errs.KindExecNotFound) {
		t.Errorf("execution survived cascade: %v", err)
	}
}

// The delete cascade depends on foreign keys being on for whichever pool
// connection runs the DELETE, not just the first one opened. Pin the first
// connection so the delete is forced onto a fresh one.
func TestStore_DeleteCascadeOnFreshPoolConnection(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreatePlugin(testPlugin("p1")); err != nil {
		t.Fatalf("CreatePlugin() error = %v", err)
	}

	e := &Execution{ID: uuid.NewString(), PluginID: "p1", Status: StatusPending, StartedAt: time.Now().UTC()}
	if err := s.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	conn, err := s.db.Conn(context.Background())
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	defer conn.Close()

	if err := s.DeletePlugin("p1"); err != nil {
		t.Fatalf("DeletePlugin() error = %v", err)
	}

	if _, err := s.GetExecution(e.ID); !errs.Is(err, errs.KindExecNotFound) {
		t.Errorf("execution survived cascade on a fresh connection: %v", err)
	}
}

func TestStore_ListPluginsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	older := testPlugin("older")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testPlugin("newer")

	for _, p := range []*Plugin{older, newer} {
		if err := s.CreatePlugin(p); err != nil {
			t.Fatalf("CreatePlugin() error = %v", err)
		}
	}

	plugins, err := s.ListPlugins()
	if err != nil {
		t.Fatalf("ListPlugins() error = %v", err)
	}
	if len(plugins) != 2 || plugins[0].ID != "newer" {
		t.Errorf("ListPlugins() order wrong: %v", pluginIDs(plugins))
	}
}

func pluginIDs(plugins []*Plugin) []string {
	ids := make([]string, len(plugins))
	for i, p := range plugins {
		ids[i] = p.ID
	}
	return ids
}
