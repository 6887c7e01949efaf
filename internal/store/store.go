// Package store persists the full reasoning state to SQLite so a session
// can resume exactly where it stopped. Six tables mirror the in-memory
// components: rules, turns, mood, experiences, the mutation audit trail,
// and a meta table for the episode counter. Save replaces state wholesale
// inside one transaction; Load hands back a Snapshot the component packages
// rebuild from.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"gridmind/internal/logging"
)

// schemaVersion guards against running an old binary on a newer database.
// Bump it whenever a table gains or changes a column.
const schemaVersion = 1

// StateStore owns the SQLite handle. All access goes through a single
// connection; the mutex keeps multi-statement reads consistent with saves.
type StateStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStateStore opens (or creates) the database at the given path and
// ensures the schema.
func NewStateStore(path string) (*StateStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStateStore")
	defer timer.Stop()

	logging.Store("Opening state store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &StateStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("State store ready")
	return s, nil
}

// initialize creates the required tables.
func (s *StateStore) initialize() error {
	rulesTable := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		statement TEXT NOT NULL,
		signature TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_category TEXT NOT NULL DEFAULT '',
		effect TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL,
		evidence_count INTEGER NOT NULL,
		first_seen_turn INTEGER NOT NULL,
		last_seen_turn INTEGER NOT NULL,
		last_decay_turn INTEGER NOT NULL,
		level_proven INTEGER NOT NULL DEFAULT 0,
		protected INTEGER NOT NULL DEFAULT 0,
		floor_confidence REAL NOT NULL DEFAULT 0,
		grace_period_end_turn INTEGER NOT NULL DEFAULT 0,
		scope_exclusions TEXT NOT NULL DEFAULT 'null',
		source TEXT NOT NULL DEFAULT 'observation',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_signature ON rules(signature);
	CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
	`

	turnsTable := `
	CREATE TABLE IF NOT EXISTS turns (
		turn_index INTEGER PRIMARY KEY,
		episode INTEGER NOT NULL,
		observation TEXT NOT NULL,
		action TEXT NOT NULL,
		predicted TEXT NOT NULL,
		observed TEXT NOT NULL,
		prediction_match TEXT NOT NULL,
		progress TEXT NOT NULL DEFAULT '',
		rule_snapshot TEXT NOT NULL DEFAULT 'null',
		failure TEXT NOT NULL DEFAULT '',
		finalized INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_episode ON turns(episode);
	`

	moodTable := `
	CREATE TABLE IF NOT EXISTS mood (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mental_state TEXT NOT NULL,
		frustration REAL NOT NULL,
		confidence REAL NOT NULL,
		curiosity REAL NOT NULL,
		telemetry TEXT NOT NULL DEFAULT 'null',
		updated_at TEXT NOT NULL
	);
	`

	experiencesTable := `
	CREATE TABLE IF NOT EXISTS experiences (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		episode INTEGER NOT NULL,
		turn INTEGER NOT NULL,
		keywords TEXT NOT NULL DEFAULT 'null',
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		score_change REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_experiences_kind ON experiences(kind);
	`

	mutationsTable := `
	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		cause TEXT NOT NULL,
		old_confidence REAL NOT NULL,
		new_confidence REAL NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_rule ON mutations(rule_id);
	`

	metaTable := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	for _, table := range []string{
		rulesTable,
		turnsTable,
		moodTable,
		experiencesTable,
		mutationsTable,
		metaTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(schemaVersion),
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// checkSchemaVersion refuses databases written by a newer build.
func (s *StateStore) checkSchemaVersion() error {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&raw)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("malformed schema version %q: %w", raw, err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this build supports (v%d)", version, schemaVersion)
	}
	logging.StoreDebug("Schema version %d", version)
	return nil
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	logging.Store("Closing state store")
	return s.db.Close()
}

// Path returns the database file location.
func (s *StateStore) Path() string {
	return s.dbPath
}

// Stats returns row counts per table.
func (s *StateStore) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"rules", "turns", "experiences", "mutations"} {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
