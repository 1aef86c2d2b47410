package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/flowbridge/internal/xjson"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	defaultSQLiteStoreDir = ".flowbridge"
	defaultSQLiteStoreDB  = "flowbridge.db"
)

// SQLiteStoreConfig configures the SQLite-backed server store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists server registrations in SQLite. Rows keep their
// insertion rowid across upserts, which gives registration order.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultSQLitePath returns ~/.flowbridge/flowbridge.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("broker: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteStoreDir, defaultSQLiteStoreDB), nil
}

// NewSQLiteStore opens (or creates) the store at cfg.DSN. Parent
// directories of file paths are created.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("broker: sqlite store dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("broker: sqlite store create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: sqlite store open: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broker: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broker: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) List(ctx context.Context) ([]ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("broker: sqlite store is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM mcp_servers
ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("broker: sqlite list servers: %w", err)
	}
	defer rows.Close()

	var records []ServerRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("broker: sqlite scan server: %w", err)
		}
		record, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("broker: sqlite server rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (ServerRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ServerRecord{}, false, err
	}
	if s == nil || s.db == nil {
		return ServerRecord{}, false, errors.New("broker: sqlite store is nil")
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM mcp_servers WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ServerRecord{}, false, nil
		}
		return ServerRecord{}, false, fmt.Errorf("broker: sqlite get server: %w", err)
	}
	record, err := decodeRecord(payload)
	if err != nil {
		return ServerRecord{}, false, err
	}
	return record, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, record ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("broker: sqlite store is nil")
	}
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("broker: record id is required")
	}

	payload, err := xjson.Marshal(record)
	if err != nil {
		return fmt.Errorf("broker: encode server %q: %w", record.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO mcp_servers (id, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		record.ID, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("broker: sqlite upsert server %q: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("broker: sqlite store is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("broker: sqlite delete server %q: %w", id, err)
	}
	return nil
}

func decodeRecord(payload []byte) (ServerRecord, error) {
	var record ServerRecord
	if err := xjson.Unmarshal(payload, &record); err != nil {
		return ServerRecord{}, fmt.Errorf("broker: decode server record: %w", err)
	}
	return record, nil
}

var _ Store = (*SQLiteStore)(nil)
