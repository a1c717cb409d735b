// ABOUTME: Plugin package manifest parsing and validation.
// ABOUTME: plugin.json declares identity, entry point, parameters, and dependencies.

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/envs"
	"github.com/opsforge/plugind/internal/schema"
	"golang.org/x/mod/semver"
)

// ManifestFile is the declared manifest at the root of every plugin package.
const ManifestFile = "plugin.json"

// Manifest is the package author's declaration of the plugin.
type Manifest struct {
	ID             string             `json:"id,omitempty"`
	Name           string             `json:"name"`
	Version        string             `json:"version"`
	Kind           string             `json:"kind"`
	Description    string             `json:"description,omitempty"`
	Author         string             `json:"author,omitempty"`
	Entry          string             `json:"entry"`
	Enabled        bool               `json:"enabled,omitempty"`
	Parameters     []schema.Parameter `json:"parameters,omitempty"`
	Dependencies   []string           `json:"dependencies,omitempty"`
	MinHostVersion string             `json:"min_host_version,omitempty"`
	Metadata       json.RawMessage    `json:"metadata,omitempty"`
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// readManifest loads and validates plugin.json from an extracted package
// directory. All failures are invalid_package.
func readManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidPackage, err, "package has no %s", ManifestFile)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.KindInvalidPackage, err, "malformed %s", ManifestFile)
	}
	if err := m.validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvalidPackage, err, "invalid %s", ManifestFile)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if m.ID != "" && !identifierPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q is not a valid plugin identifier", m.ID)
	}
	switch m.Kind {
	case envs.KindPython, envs.KindCommand:
	default:
		return fmt.Errorf("unknown plugin kind %q", m.Kind)
	}
	if err := validateEntryPoint(m.Entry); err != nil {
		return err
	}
	if m.Kind != envs.KindPython && len(m.Dependencies) > 0 {
		return fmt.Errorf("dependencies are only supported for python plugins")
	}
	for _, d := range m.Dependencies {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("dependency declaration cannot be empty")
		}
	}
	if m.MinHostVersion != "" && !semver.IsValid("v"+strings.TrimPrefix(m.MinHostVersion, "v")) {
		return fmt.Errorf("min_host_version %q is not a semantic version", m.MinHostVersion)
	}
	if err := schema.Validate(m.Parameters); err != nil {
		return err
	}
	return nil
}

// validateEntryPoint rejects entry points that could resolve outside the
// plugin's own installation directory.
func validateEntryPoint(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("entry is required")
	}
	if filepath.IsAbs(entry) {
		return fmt.Errorf("entry must be a relative path")
	}
	clean := filepath.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("entry cannot escape the plugin directory")
	}
	return nil
}
