package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// SQLiteStore is a durable Store on a local SQLite database. WAL mode is
// enabled so broadcasts can iterate the log while appends are in flight.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id      TEXT PRIMARY KEY,
	time    INTEGER NOT NULL,
	counter INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	action  TEXT NOT NULL,
	meta    TEXT NOT NULL,
	seq     INTEGER
);
CREATE INDEX IF NOT EXISTS actions_order ON actions (time, counter, node_id);
`

// OpenSQLite opens (and creates if needed) the SQLite log at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("log: missing sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("log: enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("log: init schema: %w", err)
	}

	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

// Add implements Store. The primary key on id makes duplicate admission a
// constraint violation, which maps to ErrDuplicate.
func (s *SQLiteStore) Add(ctx context.Context, action protocol.Action, meta protocol.Meta) (protocol.Meta, error) {
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return protocol.Meta{}, fmt.Errorf("log: encode action: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return protocol.Meta{}, fmt.Errorf("log: encode meta: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions (id, time, counter, node_id, action, meta) VALUES (?, ?, ?, ?, ?, ?)`,
		meta.ID.String(), meta.ID.Time, meta.ID.Counter, meta.ID.NodeID, string(actionJSON), string(metaJSON))
	if err != nil {
		return protocol.Meta{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return protocol.Meta{}, err
	}
	if n == 0 {
		return protocol.Meta{}, ErrDuplicate
	}
	return meta, nil
}

// ByID implements Store.
func (s *SQLiteStore) ByID(ctx context.Context, id protocol.ID) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT action, meta FROM actions WHERE id = ?`, id.String())
	return scanEntry(row)
}

// ChangeMeta implements Store.
func (s *SQLiteStore) ChangeMeta(ctx context.Context, id protocol.ID, change func(*protocol.Meta)) error {
	row := s.db.QueryRowContext(ctx, `SELECT action, meta FROM actions WHERE id = ?`, id.String())
	e, err := scanEntry(row)
	if err != nil {
		return err
	}
	change(&e.Meta)
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("log: encode meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE actions SET meta = ? WHERE id = ?`, string(metaJSON), id.String())
	return err
}

// RemoveReason implements Store. The whole sweep runs in one transaction
// so retention state is never left half-applied; clean callbacks fire
// only after commit.
func (s *SQLiteStore) RemoveReason(ctx context.Context, reason string, clean func(Entry)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT action, meta FROM actions ORDER BY time, counter, node_id`)
	if err != nil {
		return err
	}

	var keep []Entry
	var drop []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return err
		}
		had := false
		reasons := e.Meta.Reasons[:0]
		for _, r := range e.Meta.Reasons {
			if r == reason {
				had = true
				continue
			}
			reasons = append(reasons, r)
		}
		if !had {
			continue
		}
		e.Meta.Reasons = reasons
		if len(reasons) == 0 {
			drop = append(drop, e)
		} else {
			keep = append(keep, e)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range keep {
		metaJSON, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("log: encode meta: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET meta = ? WHERE id = ?`, string(metaJSON), e.Meta.ID.String()); err != nil {
			return err
		}
	}
	for _, e := range drop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, e.Meta.ID.String()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if clean != nil {
		for _, e := range drop {
			clean(e)
		}
	}
	return nil
}

// Each implements Store.
func (s *SQLiteStore) Each(ctx context.Context, fn func(Entry) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT action, meta FROM actions ORDER BY time, counter, node_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var actionJSON, metaJSON string
	if err := row.Scan(&actionJSON, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(actionJSON), &e.Action); err != nil {
		return Entry{}, fmt.Errorf("log: decode action: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &e.Meta); err != nil {
		return Entry{}, fmt.Errorf("log: decode meta: %w", err)
	}
	return e, nil
}
