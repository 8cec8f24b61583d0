package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/blossm-network/packages/pkg/ledger"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// timeLayout is fixed-width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLStore implements ledger.Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn with the driver for dialect and ensures the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case Postgres:
		driver = "postgres"
	case SQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// SQLite allows one writer; a single connection serializes commits.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect reports the backend the store was opened with.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	hash TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	number BIGINT NOT NULL,
	idempotency_key TEXT UNIQUE,
	tx_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	created TEXT NOT NULL,
	saved TEXT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE (root, number)
);
CREATE INDEX IF NOT EXISTS ledger_events_tx ON ledger_events (tx_id);
CREATE TABLE IF NOT EXISTS ledger_roots (
	root TEXT PRIMARY KEY,
	next_number BIGINT NOT NULL,
	updated TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_roots_updated ON ledger_roots (updated);
CREATE TABLE IF NOT EXISTS ledger_snapshots (
	hash TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	block BIGINT NOT NULL,
	created TEXT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE (root, block)
);
CREATE TABLE IF NOT EXISTS ledger_blocks (
	number BIGINT PRIMARY KEY,
	hash TEXT NOT NULL UNIQUE,
	body TEXT NOT NULL
);
`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.dialect, query), args...)
}

// rebind rewrites $N placeholders to SQLite's ?N form.
func rebind(dialect Dialect, query string) string {
	if dialect != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) IdempotencyConflict(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM ledger_events WHERE idempotency_key = $1 LIMIT 1`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) LatestSnapshot(ctx context.Context, root string, at time.Time) (*ledger.Snapshot, error) {
	query := `SELECT body FROM ledger_snapshots WHERE root = $1 ORDER BY block DESC LIMIT 1`
	args := []any{root}
	if !at.IsZero() {
		query = `SELECT body FROM ledger_snapshots WHERE root = $1 AND created <= $2 ORDER BY block DESC LIMIT 1`
		args = append(args, formatTime(at))
	}
	var body string
	err := s.queryRow(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap ledger.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("store: decode snapshot of %s: %w", root, err)
	}
	return &snap, nil
}

func (s *SQLStore) EachEvent(ctx context.Context, q ledger.EventQuery, fn func(ledger.Event) error) error {
	query := `SELECT body FROM ledger_events WHERE root = $1 AND number > $2 ORDER BY number ASC`
	args := []any{q.Root, q.AfterNumber}
	if !q.CreatedOnOrBefore.IsZero() {
		query = `SELECT body FROM ledger_events WHERE root = $1 AND number > $2 AND created <= $3 ORDER BY number ASC`
		args = append(args, formatTime(q.CreatedOnOrBefore))
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) CountEvents(ctx context.Context, root string) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM ledger_events WHERE root = $1`, root).Scan(&n)
	return n, err
}

// EachRoot loads the matching roots before invoking fn, so fn may use the
// store even when the pool has a single connection.
func (s *SQLStore) EachRoot(ctx context.Context, q ledger.RootQuery, fn func(ledger.RootActivity) error) error {
	var where []string
	var args []any
	if !q.UpdatedOnOrAfter.IsZero() {
		args = append(args, formatTime(q.UpdatedOnOrAfter))
		where = append(where, fmt.Sprintf("updated >= $%d", len(args)))
	}
	if !q.UpdatedBefore.IsZero() {
		args = append(args, formatTime(q.UpdatedBefore))
		where = append(where, fmt.Sprintf("updated < $%d", len(args)))
	}
	query := `SELECT root, updated FROM ledger_roots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Reverse {
		query += " ORDER BY updated DESC, root DESC"
	} else {
		query += " ORDER BY updated ASC, root ASC"
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return err
	}
	var roots []ledger.RootActivity
	for rows.Next() {
		var ra ledger.RootActivity
		var updated string
		if err := rows.Scan(&ra.Root, &updated); err != nil {
			_ = rows.Close()
			return err
		}
		if ra.Updated, err = parseTime(updated); err != nil {
			_ = rows.Close()
			return err
		}
		roots = append(roots, ra)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, ra := range roots {
		if err := fn(ra); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) LatestBlock(ctx context.Context) (*ledger.Block, error) {
	b, err := s.queryBlock(ctx, `SELECT body FROM ledger_blocks ORDER BY number DESC LIMIT 1`)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

func (s *SQLStore) BlockByNumber(ctx context.Context, number int64) (*ledger.Block, error) {
	return s.queryBlock(ctx, `SELECT body FROM ledger_blocks WHERE number = $1`, number)
}

func (s *SQLStore) queryBlock(ctx context.Context, query string, args ...any) (*ledger.Block, error) {
	var body string
	err := s.queryRow(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b ledger.Block
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return nil, fmt.Errorf("store: decode block: %w", err)
	}
	return &b, nil
}

func (s *SQLStore) EventsByTx(ctx context.Context, txID string) ([]ledger.Event, error) {
	rows, err := s.query(ctx, `SELECT body FROM ledger_events WHERE tx_id = $1 ORDER BY saved ASC, root ASC, number ASC`, txID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]ledger.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Commit runs fn inside a database transaction.
func (s *SQLStore) Commit(ctx context.Context, fn func(context.Context, ledger.Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(ctx, &sqlWriter{tx: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type sqlWriter struct {
	tx      *sql.Tx
	dialect Dialect
}

func (w *sqlWriter) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.tx.ExecContext(ctx, rebind(w.dialect, query), args...)
}

func (w *sqlWriter) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return w.tx.QueryRowContext(ctx, rebind(w.dialect, query), args...)
}

// ReserveNumbers bumps the root counter with an upsert so concurrent
// reservations on one root serialize on the row.
func (w *sqlWriter) ReserveNumbers(ctx context.Context, root string, n int, updated time.Time) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("store: reserve %d numbers for %s", n, root)
	}
	var next int64
	err := w.queryRow(ctx, `
		INSERT INTO ledger_roots (root, next_number, updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (root) DO UPDATE
		SET next_number = ledger_roots.next_number + excluded.next_number, updated = excluded.updated
		RETURNING next_number`,
		root, n, formatTime(updated),
	).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next - int64(n), nil
}

func (w *sqlWriter) SaveEvents(ctx context.Context, events []ledger.Event) error {
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		var key sql.NullString
		if ev.IdempotencyKey != "" {
			key = sql.NullString{String: ev.IdempotencyKey, Valid: true}
		}
		_, err = w.exec(ctx, `
			INSERT INTO ledger_events (hash, root, number, idempotency_key, tx_id, topic, created, saved, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.Hash, ev.Root, ev.Number, key, ev.TxID, ev.Topic, formatTime(ev.Created), formatTime(ev.Saved), string(body),
		)
		if err != nil {
			if isIdempotencyViolation(err) {
				return ledger.ErrIdempotencyConflict
			}
			return fmt.Errorf("failed to insert event %s#%d: %w", ev.Root, ev.Number, err)
		}
	}
	return nil
}

func (w *sqlWriter) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = w.exec(ctx, `
		INSERT INTO ledger_snapshots (hash, root, block, created, body)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.Hash, snap.Headers.Root, snap.Headers.Block, formatTime(snap.Headers.Created), string(body),
	)
	return err
}

func (w *sqlWriter) SaveBlock(ctx context.Context, b ledger.Block) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = w.exec(ctx, `INSERT INTO ledger_blocks (number, hash, body) VALUES ($1, $2, $3)`,
		b.Headers.Number, b.Hash, string(body))
	return err
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var body string
	if err := rows.Scan(&body); err != nil {
		return ledger.Event{}, err
	}
	var ev ledger.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return ledger.Event{}, fmt.Errorf("store: decode event: %w", err)
	}
	return ev, nil
}

// isIdempotencyViolation recognizes a unique violation on the idempotency
// key for both drivers.
func isIdempotencyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "idempotency")
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "idempotency_key")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}
