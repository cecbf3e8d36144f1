// Package store keeps the whitelist configuration on disk: the system
// baseline shipped with the image and the edits made on the device.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/librescoot/doze-service/internal/whitelist"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS whitelist (
    package     TEXT NOT NULL,
    kind        TEXT NOT NULL CHECK (kind IN ('user', 'removed')),
    PRIMARY KEY (package, kind)
);
`

const (
	kindUser    = "user"
	kindRemoved = "removed"
)

// SQLite persists the user whitelist and the removed system entries.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load returns the saved edits. An empty database loads as no edits.
func (s *SQLite) Load() (whitelist.Persisted, error) {
	var p whitelist.Persisted

	rows, err := s.db.Query(`SELECT package, kind FROM whitelist ORDER BY package`)
	if err != nil {
		return p, fmt.Errorf("query whitelist: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pkg, kind string
		if err := rows.Scan(&pkg, &kind); err != nil {
			return whitelist.Persisted{}, fmt.Errorf("scan whitelist: %w", err)
		}
		switch kind {
		case kindUser:
			p.User = append(p.User, pkg)
		case kindRemoved:
			p.Removed = append(p.Removed, pkg)
		}
	}
	if err := rows.Err(); err != nil {
		return whitelist.Persisted{}, fmt.Errorf("read whitelist: %w", err)
	}
	return p, nil
}

// Save replaces the saved edits with p in one transaction.
func (s *SQLite) Save(p whitelist.Persisted) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM whitelist`); err != nil {
		return fmt.Errorf("clear whitelist: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO whitelist (package, kind) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, pkg := range p.User {
		if _, err := stmt.Exec(pkg, kindUser); err != nil {
			return fmt.Errorf("insert %s: %w", pkg, err)
		}
	}
	for _, pkg := range p.Removed {
		if _, err := stmt.Exec(pkg, kindRemoved); err != nil {
			return fmt.Errorf("insert %s: %w", pkg, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
