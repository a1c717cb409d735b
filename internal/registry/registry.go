// ABOUTME: Plugin registry: install, enable/disable, update, and uninstall plugins.
// ABOUTME: Owns plugin records and their installation directories.

package registry

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opsforge/plugind/internal/envs"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/paths"
	"github.com/opsforge/plugind/internal/store"
)

// Service maintains the durable plugin catalog. It is the only writer of
// plugin records and plugin installation directories.
type Service struct {
	store       *store.Store
	layout      paths.Layout
	provisioner *envs.Provisioner
	client      *http.Client
}

func New(s *store.Store, layout paths.Layout, provisioner *envs.Provisioner) *Service {
	return &Service{
		store:       s,
		layout:      layout,
		provisioner: provisioner,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// Get returns one plugin by its stable identifier.
func (s *Service) Get(id string) (*store.Plugin, error) {
	return s.store.GetPlugin(id)
}

// List returns all installed plugins, newest first.
func (s *Service) List() ([]*store.Plugin, error) {
	return s.store.ListPlugins()
}

// Install resolves a package source, extracts it, validates its manifest,
// persists the plugin record, and provisions its environment. The plugin
// identifier comes from the manifest when declared, otherwise a generated
// one. With a failed environment build the plugin stays installed but
// cannot execute until provisioning succeeds; the build error is returned.
func (s *Service) Install(ctx context.Context, source string) (*store.Plugin, error) {
	data, err := s.fetchPackage(source)
	if err != nil {
		return nil, err
	}

	// Extract into a staging directory first so a bad archive or manifest
	// leaves no trace under plugins/.
	staging, err := os.MkdirTemp(s.layout.PluginsDir(), ".install-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	if err := extractZip(data, staging); err != nil {
		return nil, err
	}
	manifest, err := readManifest(staging)
	if err != nil {
		return nil, err
	}

	pluginID := manifest.ID
	if pluginID == "" {
		pluginID = uuid.NewString()
	}

	installPath := s.layout.PluginDir(pluginID)
	if err := verifyEntryExists(staging, manifest.Entry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	plugin := &store.Plugin{
		RecordID:       uuid.NewString(),
		ID:             pluginID,
		Name:           manifest.Name,
		Version:        manifest.Version,
		Kind:           manifest.Kind,
		Description:    manifest.Description,
		Author:         manifest.Author,
		EntryPoint:     manifest.Entry,
		Enabled:        manifest.Enabled,
		InstallPath:    installPath,
		Parameters:     manifest.Parameters,
		Dependencies:   manifest.Dependencies,
		Metadata:       manifest.Metadata,
		MinHostVersion: manifest.MinHostVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreatePlugin(plugin); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(installPath); err != nil {
		s.store.DeletePlugin(pluginID)
		return nil, err
	}
	if err := os.Rename(staging, installPath); err != nil {
		s.store.DeletePlugin(pluginID)
		return nil, err
	}

	log.Printf("Installed plugin %s (%s %s)", plugin.ID, plugin.Name, plugin.Version)

	if _, err := s.provisioner.Ensure(ctx, plugin); err != nil {
		// Installed but not executable; a later execute or update retries.
		return plugin, err
	}
	return plugin, nil
}

// Enable marks a plugin as executable.
func (s *Service) Enable(id string) error {
	return s.store.SetPluginEnabled(id, true)
}

// Disable marks a plugin as not executable. Executions already in flight
// are unaffected.
func (s *Service) Disable(id string) error {
	return s.store.SetPluginEnabled(id, false)
}

// Uninstall removes a plugin, its execution history, its installation
// directory, and its environment. Refused while any execution is in a
// non-terminal state.
func (s *Service) Uninstall(id string) error {
	plugin, err := s.store.GetPlugin(id)
	if err != nil {
		return err
	}

	active, err := s.store.CountActiveExecutions(id)
	if err != nil {
		return err
	}
	if active > 0 {
		return errs.New(errs.KindPluginBusy,
			"plugin %q has %d execution(s) in flight", id, active)
	}

	if err := s.store.DeletePlugin(id); err != nil {
		return err
	}

	if err := os.RemoveAll(plugin.InstallPath); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to remove plugin directory %s: %v", plugin.InstallPath, err)
	}
	if err := s.provisioner.Release(id); err != nil {
		log.Printf("Failed to release environment for plugin %s: %v", id, err)
	}

	log.Printf("Uninstalled plugin %s", id)
	return nil
}

// Update re-resolves the package source and replaces all manifest-derived
// fields, preserving the record id, the enabled flag, and the execution
// history. The environment is re-provisioned against the new declaration.
func (s *Service) Update(ctx context.Context, id, source string) (*store.Plugin, error) {
	existing, err := s.store.GetPlugin(id)
	if err != nil {
		return nil, err
	}

	data, err := s.fetchPackage(source)
	if err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp(s.layout.PluginsDir(), ".update-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	if err := extractZip(data, staging); err != nil {
		return nil, err
	}
	manifest, err := readManifest(staging)
	if err != nil {
		return nil, err
	}
	if manifest.ID != "" && manifest.ID != id {
		return nil, errs.New(errs.KindInvalidPackage,
			"package declares id %q, installed plugin is %q", manifest.ID, id)
	}
	if err := verifyEntryExists(staging, manifest.Entry); err != nil {
		return nil, err
	}

	updated := *existing
	updated.Name = manifest.Name
	updated.Version = manifest.Version
	updated.Kind = manifest.Kind
	updated.Description = manifest.Description
	updated.Author = manifest.Author
	updated.EntryPoint = manifest.Entry
	updated.Parameters = manifest.Parameters
	updated.Dependencies = manifest.Dependencies
	updated.Metadata = manifest.Metadata
	updated.MinHostVersion = manifest.MinHostVersion

	if err := os.RemoveAll(existing.InstallPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.Rename(staging, updated.InstallPath); err != nil {
		return nil, err
	}

	if err := s.store.UpdatePlugin(&updated); err != nil {
		return nil, err
	}

	log.Printf("Updated plugin %s to %s %s", id, updated.Name, updated.Version)

	if _, err := s.provisioner.Ensure(ctx, &updated); err != nil {
		return &updated, err
	}
	return &updated, nil
}

// verifyEntryExists confirms the declared entry point resolves to a regular
// file inside the extracted package.
func verifyEntryExists(dir, entry string) error {
	path := filepath.Join(dir, filepath.Clean(entry))
	info, err := os.Stat(path)
	if err != nil {
		return errs.New(errs.KindInvalidPackage, "entry point %q not found in package", entry)
	}
	if info.IsDir() {
		return errs.New(errs.KindInvalidPackage, "entry point %q is a directory", entry)
	}
	return nil
}
