// ABOUTME: Plugin record persistence: the durable catalog of installed plugins.
// ABOUTME: CRUD plus enable/disable and environment handle bookkeeping.

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/schema"
)

// Plugin is one installed plugin. ID is the stable plugin identifier from
// the package manifest and never changes; RecordID is the internal row key.
type Plugin struct {
	RecordID       string
	ID             string
	Name           string
	Version        string
	Kind           string
	Description    string
	Author         string
	EntryPoint     string
	Enabled        bool
	InstallPath    string
	Parameters     []schema.Parameter
	Dependencies   []string
	Metadata       json.RawMessage
	MinHostVersion string
	EnvPath        string
	EnvFingerprint string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const pluginColumns = `record_id, id, name, version, kind, description, author,
	entry_point, enabled, install_path, parameters, dependencies, metadata,
	min_host_version, env_path, env_fingerprint, created_at, updated_at`

// CreatePlugin inserts a new plugin record. A unique-constraint violation on
// the plugin identifier surfaces as duplicate_plugin.
func (s *Store) CreatePlugin(p *Plugin) error {
	paramsJSON, depsJSON, err := encodePluginBlobs(p)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO plugins (`+pluginColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.RecordID, p.ID, p.Name, p.Version, p.Kind, p.Description, p.Author,
		p.EntryPoint, p.Enabled, p.InstallPath, paramsJSON, depsJSON, nullableBlob(p.Metadata),
		p.MinHostVersion, p.EnvPath, p.EnvFingerprint, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.KindDuplicatePlugin, "plugin %q already exists", p.ID)
		}
		return err
	}
	return nil
}

// GetPlugin looks a plugin up by its stable identifier.
func (s *Store) GetPlugin(id string) (*Plugin, error) {
	row := s.db.QueryRow(`SELECT `+pluginColumns+` FROM plugins WHERE id = ?`, id)
	p, err := scanPlugin(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindPluginNotFound, "plugin %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPlugins returns all installed plugins, newest first.
func (s *Store) ListPlugins() ([]*Plugin, error) {
	rows, err := s.db.Query(`SELECT ` + pluginColumns + ` FROM plugins ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plugins []*Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// UpdatePlugin replaces the manifest-derived fields of an existing record,
// preserving record id, plugin identifier, and creation time.
func (s *Store) UpdatePlugin(p *Plugin) error {
	paramsJSON, depsJSON, err := encodePluginBlobs(p)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE plugins
		SET name = ?, version = ?, kind = ?, description = ?, author = ?,
		    entry_point = ?, enabled = ?, install_path = ?, parameters = ?,
		    dependencies = ?, metadata = ?, min_host_version = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Version, p.Kind, p.Description, p.Author,
		p.EntryPoint, p.Enabled, p.InstallPath, paramsJSON,
		depsJSON, nullableBlob(p.Metadata), p.MinHostVersion, time.Now().UTC(), p.ID)
	if err != nil {
		return err
	}
	return requireRow(res, p.ID)
}

// SetPluginEnabled toggles the enabled flag.
func (s *Store) SetPluginEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE plugins SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetPluginEnv records the provisioned environment handle. An empty path
// clears it, marking the plugin not executable until the next Ensure.
func (s *Store) SetPluginEnv(id, envPath, fingerprint string) error {
	res, err := s.db.Exec(`UPDATE plugins SET env_path = ?, env_fingerprint = ?, updated_at = ? WHERE id = ?`,
		envPath, fingerprint, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeletePlugin removes a plugin record; the foreign key cascades deletion of
// its execution history.
func (s *Store) DeletePlugin(id string) error {
	res, err := s.db.Exec(`DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.New(errs.KindPluginNotFound, "plugin %q not found", id)
	}
	return nil
}

func encodePluginBlobs(p *Plugin) (params, deps sql.NullString, err error) {
	if p.Parameters != nil {
		b, err := json.Marshal(p.Parameters)
		if err != nil {
			return params, deps, fmt.Errorf("encode parameters: %w", err)
		}
		params = sql.NullString{String: string(b), Valid: true}
	}
	if p.Dependencies != nil {
		b, err := json.Marshal(p.Dependencies)
		if err != nil {
			return params, deps, fmt.Errorf("encode dependencies: %w", err)
		}
		deps = sql.NullString{String: string(b), Valid: true}
	}
	return params, deps, nil
}

func nullableBlob(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (*Plugin, error) {
	p := &Plugin{}
	var params, deps, metadata sql.NullString
	err := row.Scan(&p.RecordID, &p.ID, &p.Name, &p.Version, &p.Kind,
		&p.Description, &p.Author, &p.EntryPoint, &p.Enabled, &p.InstallPath,
		&params, &deps, &metadata, &p.MinHostVersion, &p.EnvPath,
		&p.EnvFingerprint, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &p.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters for plugin %s: %w", p.ID, err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &p.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for plugin %s: %w", p.ID, err)
		}
	}
	if metadata.Valid {
		p.Metadata = json.RawMessage(metadata.String)
	}
	return p, nil
}
