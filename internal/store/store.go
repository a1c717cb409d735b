// ABOUTME: Core SQLite store for the plugin execution engine.
// ABOUTME: Handles database initialization, migrations, and connection management.

package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Migration version constants
const (
	MigrationV1 = 1 // Initial schema with plugins and executions tables
	MigrationV2 = 2 // Indexes for execution listing and active-state lookups
)

// CurrentSchemaVersion is the target version for the database schema
const CurrentSchemaVersion = MigrationV2

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	// foreign_keys and busy_timeout are connection-scoped, so they go in
	// the DSN where the driver applies them to every pooled connection.
	// Foreign keys drive the plugin -> executions delete cascade.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	if err := s.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentMigrationVersion()
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Printf("Database schema version: %d, target version: %d", currentVersion, CurrentSchemaVersion)

	if currentVersion < MigrationV1 {
		if err := s.migrateV1(); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	}

	if currentVersion < MigrationV2 {
		if err := s.migrateV2(); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	}

	return nil
}

func (s *Store) createMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`)
	return err
}

func (s *Store) getCurrentMigrationVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations
	`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) recordMigration(version int, description string) error {
	_, err := s.db.Exec(`
		INSERT INTO schema_migrations (version, description)
		VALUES (?, ?)
	`, version, description)
	return err
}

// migrateV1 creates the plugins and executions tables
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plugins (
		record_id TEXT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		entry_point TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		install_path TEXT NOT NULL,
		parameters TEXT,
		dependencies TEXT,
		metadata TEXT,
		min_host_version TEXT NOT NULL DEFAULT '',
		env_path TEXT NOT NULL DEFAULT '',
		env_fingerprint TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		plugin_id TEXT NOT NULL,
		status TEXT NOT NULL,
		pid INTEGER,
		exit_code INTEGER,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		FOREIGN KEY (plugin_id) REFERENCES plugins(id) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if err := s.recordMigration(MigrationV1, "Create plugins and executions tables"); err != nil {
		return err
	}

	log.Printf("Applied migration v%d: Create plugins and executions tables", MigrationV1)
	return nil
}

// migrateV2 adds indexes for execution listing and active-state lookups
func (s *Store) migrateV2() error {
	indexes := []string{
		// Newest-first listings filter by plugin and order by start time
		"CREATE INDEX IF NOT EXISTS idx_executions_plugin_started ON executions(plugin_id, started_at DESC)",

		// Busy checks and concurrency caps count non-terminal executions
		"CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)",

		"CREATE INDEX IF NOT EXISTS idx_plugins_enabled ON plugins(enabled)",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := s.recordMigration(MigrationV2, "Add execution and plugin indexes"); err != nil {
		return err
	}

	log.Printf("Applied migration v%d: Add execution and plugin indexes", MigrationV2)
	return nil
}
