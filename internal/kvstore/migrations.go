package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 2

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	steps := []func() error{s.migrateV1, s.migrateV2}
	for v := current; v < len(steps); v++ {
		if err := steps[v](); err != nil {
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		if err := s.setVersion(v + 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) currentVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT CAST(value AS INTEGER) FROM meta WHERE key = 'schema_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) setVersion(v int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, fmt.Sprint(v))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`)
	return err
}

func (s *SQLiteStore) migrateV2() error {
	if _, err := s.db.Exec(`ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at)`)
	return err
}
