package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petal-labs/flowbridge/execution"
	"github.com/petal-labs/flowbridge/internal/xjson"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS execution_deltas (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	handle    TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	kind      TEXT    NOT NULL,
	time      TEXT    NOT NULL,
	elapsed   INTEGER NOT NULL,
	state     TEXT    NOT NULL,
	step      TEXT    NOT NULL DEFAULT '',
	agent     TEXT    NOT NULL DEFAULT '',
	progress  REAL    NOT NULL DEFAULT 0,
	error     TEXT    NOT NULL DEFAULT '',
	payload   TEXT    NOT NULL DEFAULT '{}',
	UNIQUE(handle, seq)
);
CREATE INDEX IF NOT EXISTS idx_execution_deltas_time ON execution_deltas(time);
`

// SQLiteStoreConfig configures the SQLite delta store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes deltas older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many deltas per execution (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteDeltaStore persists deltas to a SQLite database in WAL mode, with an
// optional background pruner.
type SQLiteDeltaStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteDeltaStore opens (or creates) a SQLite delta store.
func NewSQLiteDeltaStore(cfg SQLiteStoreConfig) (*SQLiteDeltaStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteDeltaStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores a delta. Re-appending the same (handle, seq) is ignored.
func (s *SQLiteDeltaStore) Append(ctx context.Context, delta execution.Delta) error {
	payload := delta.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := xjson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}
	agentJSON := ""
	if delta.Agent != nil {
		raw, err := xjson.Marshal(delta.Agent)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal agent: %w", err)
		}
		agentJSON = string(raw)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO execution_deltas
		   (handle, seq, kind, time, elapsed, state, step, agent, progress, error, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(delta.Handle),
		delta.Seq,
		string(delta.Kind),
		delta.Time.UTC().Format(time.RFC3339Nano),
		int64(delta.Elapsed),
		string(delta.State),
		delta.Step,
		agentJSON,
		delta.Progress,
		delta.Error,
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns deltas for an execution ordered by Seq.
func (s *SQLiteDeltaStore) List(ctx context.Context, handle execution.Handle, afterSeq uint64, limit int) ([]execution.Delta, error) {
	query := `SELECT handle, seq, kind, time, elapsed, state, step, agent, progress, error, payload
	          FROM execution_deltas WHERE handle = ? AND seq > ? ORDER BY seq ASC`
	args := []any{string(handle), afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanDeltas(rows)
}

// LatestSeq returns the highest Seq for an execution (0 if none).
func (s *SQLiteDeltaStore) LatestSeq(ctx context.Context, handle execution.Handle) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM execution_deltas WHERE handle = ?`, string(handle),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// Handles returns distinct execution handles in lexical order.
func (s *SQLiteDeltaStore) Handles(ctx context.Context) ([]execution.Handle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT handle FROM execution_deltas ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: handles: %w", err)
	}
	defer rows.Close()

	var handles []execution.Handle
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan handle: %w", err)
		}
		handles = append(handles, execution.Handle(h))
	}
	return handles, rows.Err()
}

// Close stops the pruner and closes the database.
func (s *SQLiteDeltaStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteDeltaStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM execution_deltas WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		handles, err := s.Handles(ctx)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune: %w", err)
		}
		for _, h := range handles {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM execution_deltas WHERE handle = ? AND id NOT IN (
					SELECT id FROM execution_deltas WHERE handle = ? ORDER BY seq DESC LIMIT ?
				)`, string(h), string(h), s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", h, err)
			}
		}
	}
	return nil
}

func (s *SQLiteDeltaStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanDeltas(rows *sql.Rows) ([]execution.Delta, error) {
	var deltas []execution.Delta
	for rows.Next() {
		var (
			d           execution.Delta
			handle      string
			kind        string
			timeStr     string
			elapsedNano int64
			state       string
			agentJSON   string
			payloadJSON string
		)
		if err := rows.Scan(
			&handle,
			&d.Seq,
			&kind,
			&timeStr,
			&elapsedNano,
			&state,
			&d.Step,
			&agentJSON,
			&d.Progress,
			&d.Error,
			&payloadJSON,
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan delta: %w", err)
		}

		d.Handle = execution.Handle(handle)
		d.Kind = execution.DeltaKind(kind)
		d.State = execution.State(state)
		d.Elapsed = time.Duration(elapsedNano)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		d.Time = t

		if agentJSON != "" {
			var agent execution.AgentStatus
			if err := xjson.Unmarshal([]byte(agentJSON), &agent); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal agent: %w", err)
			}
			d.Agent = &agent
		}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := xjson.Unmarshal([]byte(payloadJSON), &d.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}

		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

var _ DeltaStore = (*SQLiteDeltaStore)(nil)
