package ledger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DefaultDBName is the SQLite ledger kept beside the records.
const DefaultDBName = "_seen.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seen_ids (
	native_id TEXT PRIMARY KEY,
	seen_at   TEXT NOT NULL
)`

// SQLiteLedger keeps the seen set in an embedded SQLite database.
type SQLiteLedger struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteLedger opens (or creates) the database at path.
func NewSQLiteLedger(path string, logger *slog.Logger) (*SQLiteLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// One ingestion process per mail source; a single connection keeps
	// SQLite from handing out competing writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteLedger) Load() (SeenSet, error) {
	var ids []string
	if err := s.db.Select(&ids, "SELECT native_id FROM seen_ids"); err != nil {
		return nil, fmt.Errorf("read sqlite ledger %s: %w", s.path, err)
	}
	return NewSeenSet(ids...), nil
}

// Save inserts every id of the set in one transaction. Identifiers already
// present keep their original seen_at.
func (s *SQLiteLedger) Save(ids SeenSet) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Preparex("INSERT OR IGNORE INTO seen_ids (native_id, seen_at) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids.Sorted() {
		if _, err := stmt.Exec(id, now); err != nil {
			return fmt.Errorf("insert ledger id %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	s.logger.Debug("saved seen ledger", "path", s.path, "count", ids.Len())
	return nil
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}
