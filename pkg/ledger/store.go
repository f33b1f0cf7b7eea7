package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"rosterwatch/pkg/logger"
)

// Store is the SQLite-backed follower ledger. Reads run concurrently;
// writes are serialized through writeMu so there is one logical writer.
type Store struct {
	sqlDB       *sql.DB
	busyTimeout time.Duration
	writeMu     sync.Mutex
	now         func() time.Time
	busyBackOff func() backoff.BackOff
	log         logger.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for first_seen/last_seen.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithBusyTimeout sets how long SQLite itself waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) { s.busyTimeout = d }
}

// WithBusyBackOff overrides the retry schedule for lock contention.
func WithBusyBackOff(f func() backoff.BackOff) Option {
	return func(s *Store) { s.busyBackOff = f }
}

// Open opens (creating if needed) the ledger at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	s := &Store{
		busyTimeout: 5 * time.Second,
		now:         time.Now,
		busyBackOff: defaultBusyBackOff,
		log:         logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		filepath.Clean(path), s.busyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s.sqlDB = sqlDB

	if err := applyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// write runs fn in one transaction under the writer lock, retrying on
// lock contention. Nothing is applied when fn or the commit fails.
func (s *Store) write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryBusy(ctx, func(ctx context.Context) error {
		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// UpsertBatch records one observation of each pair. A pair whose username
// is new for the target is inserted active and unsynced; an existing one
// only has last_seen refreshed and is_active set. Returns how many rows
// were inserted.
func (s *Store) UpsertBatch(ctx context.Context, target string, pairs []Pair) (int, error) {
	var inserted int
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		n, err := upsertTx(ctx, tx, target, pairs, s.now().UTC())
		inserted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert batch: %w", err)
	}
	return inserted, nil
}

// RecordScan appends a scan summary.
func (s *Store) RecordScan(ctx context.Context, scan Scan) (Scan, error) {
	if scan.Timestamp.IsZero() {
		scan.Timestamp = s.now().UTC()
	}
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		id, err := insertScanTx(ctx, tx, scan)
		scan.ID = id
		return err
	})
	if err != nil {
		return Scan{}, fmt.Errorf("record scan: %w", err)
	}
	return scan, nil
}

// CommitBatch upserts pairs and appends the matching scan summary in one
// transaction, so a flush is applied entirely or not at all.
func (s *Store) CommitBatch(ctx context.Context, target string, pairs []Pair, batchID string) (int, Scan, error) {
	now := s.now().UTC()
	scan := Scan{Target: target, Timestamp: now, BatchID: batchID}

	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		inserted, err := upsertTx(ctx, tx, target, pairs, now)
		if err != nil {
			return err
		}
		scan.Total = len(pairs)
		scan.NewCount = inserted
		scan.ID, err = insertScanTx(ctx, tx, scan)
		return err
	})
	if err != nil {
		return 0, Scan{}, fmt.Errorf("commit batch: %w", err)
	}
	return scan.NewCount, scan, nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, target string, pairs []Pair, now time.Time) (int, error) {
	if target == "" {
		return 0, fmt.Errorf("target is required")
	}

	insert, err := tx.PrepareContext(ctx, `
INSERT INTO followers (target, username, display_name, first_seen, last_seen, is_active, synced)
VALUES (?, ?, ?, ?, ?, 1, 0)
ON CONFLICT (target, username) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	touch, err := tx.PrepareContext(ctx, `
UPDATE followers SET last_seen = ?, is_active = 1
WHERE target = ? AND username = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare touch: %w", err)
	}
	defer touch.Close()

	ts := now.UnixMilli()
	inserted := 0
	for _, p := range pairs {
		if p.Username == "" {
			continue
		}
		res, err := insert.ExecContext(ctx, target, p.Username, p.DisplayName, ts, ts)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", p.Username, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
			continue
		}
		if _, err := touch.ExecContext(ctx, ts, target, p.Username); err != nil {
			return 0, fmt.Errorf("touch %s: %w", p.Username, err)
		}
	}
	return inserted, nil
}

func insertScanTx(ctx context.Context, tx *sql.Tx, scan Scan) (int64, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO scans (target, timestamp, total, new_count, batch_id)
VALUES (?, ?, ?, ?, ?)`,
		scan.Target, scan.Timestamp.UTC().UnixMilli(), scan.Total, scan.NewCount, scan.BatchID)
	if err != nil {
		return 0, fmt.Errorf("insert scan: %w", err)
	}
	return res.LastInsertId()
}

// MarkSeen refreshes last_seen and re-activates existing followers that a
// scan observed without treating them as new.
func (s *Store) MarkSeen(ctx context.Context, target string, usernames []string) (int64, error) {
	if len(usernames) == 0 {
		return 0, nil
	}
	ts := s.now().UTC().UnixMilli()

	var touched int64
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
UPDATE followers SET last_seen = ?, is_active = 1
WHERE target = ? AND username = ?`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		touched = 0
		for _, u := range usernames {
			res, err := stmt.ExecContext(ctx, ts, target, u)
			if err != nil {
				return fmt.Errorf("touch %s: %w", u, err)
			}
			n, _ := res.RowsAffected()
			touched += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return touched, nil
}

// DeactivateMissing marks inactive every active follower of target whose
// last_seen is older than asOf. asOf is normally the start of a scan that
// walked the whole roster, so anyone it did not observe has left.
func (s *Store) DeactivateMissing(ctx context.Context, target string, asOf time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE followers SET is_active = 0
WHERE target = ? AND is_active = 1 AND last_seen < ?`,
			target, asOf.UTC().UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deactivate missing: %w", err)
	}
	return n, nil
}

// MarkSynced flags a follower as accepted by the notification endpoint.
// It reports whether the flag changed; marking twice is harmless.
func (s *Store) MarkSynced(ctx context.Context, id int64) (bool, error) {
	var changed bool
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE followers SET synced = 1 WHERE id = ? AND synced = 0`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			changed = true
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM followers WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark synced %d: %w", id, err)
	}
	return changed, nil
}

const followerColumns = `id, target, username, display_name, first_seen, last_seen, is_active, synced`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollower(row rowScanner) (Follower, error) {
	var (
		f                   Follower
		firstSeen, lastSeen int64
		active, synced      int
	)
	if err := row.Scan(&f.ID, &f.Target, &f.Username, &f.DisplayName, &firstSeen, &lastSeen, &active, &synced); err != nil {
		return Follower{}, err
	}
	f.FirstSeen = time.UnixMilli(firstSeen).UTC()
	f.LastSeen = time.UnixMilli(lastSeen).UTC()
	f.Active = active == 1
	f.Synced = synced == 1
	return f, nil
}

func (s *Store) queryFollowers(ctx context.Context, query string, args ...any) ([]Follower, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Get loads one follower by id.
func (s *Store) Get(ctx context.Context, id int64) (Follower, error) {
	if err := s.ready(ctx); err != nil {
		return Follower{}, err
	}
	f, err := scanFollower(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+followerColumns+` FROM followers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Follower{}, ErrNotFound
	}
	if err != nil {
		return Follower{}, fmt.Errorf("get follower %d: %w", id, err)
	}
	return f, nil
}

// likePattern builds a case-insensitive substring pattern with LIKE
// wildcards in the filter escaped.
func likePattern(filter string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(filter) + "%"
}

// ListActive returns a page of active followers of q.Target, newest first,
// optionally filtered by a substring of the username.
func (s *Store) ListActive(ctx context.Context, q ListQuery) (*Page, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q = q.normalized()

	where := `target = ? AND is_active = 1`
	args := []any{q.Target}
	if f := strings.TrimSpace(q.Filter); f != "" {
		where += ` AND username LIKE ? ESCAPE '\'`
		args = append(args, likePattern(f))
	}

	var total int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM followers WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count active: %w", err)
	}

	records, err := s.queryFollowers(ctx,
		`SELECT `+followerColumns+` FROM followers WHERE `+where+
			` ORDER BY first_seen DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, q.PageSize, (q.Page-1)*q.PageSize)...)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	if records == nil {
		records = []Follower{}
	}

	return &Page{
		Records:    records,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

// ListUnsynced returns active, unsynced followers oldest first. An empty
// target lists every target. limit <= 0 means no limit.
func (s *Store) ListUnsynced(ctx context.Context, target string, limit int) ([]Follower, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + followerColumns + ` FROM followers WHERE synced = 0 AND is_active = 1`
	var args []any
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY first_seen ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	out, err := s.queryFollowers(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	return out, nil
}

// KnownUsernames returns every username ever recorded for target.
func (s *Store) KnownUsernames(ctx context.Context, target string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT username FROM followers WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("known usernames: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("known usernames: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecentScans lists the newest scans of target first.
func (s *Store) RecentScans(ctx context.Context, target string, limit int) ([]Scan, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, target, timestamp, total, new_count, batch_id
FROM scans WHERE target = ?
ORDER BY timestamp DESC, id DESC LIMIT ?`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("recent scans: %w", err)
	}
	defer rows.Close()

	scans := []Scan{}
	for rows.Next() {
		var (
			sc Scan
			ts int64
		)
		if err := rows.Scan(&sc.ID, &sc.Target, &ts, &sc.Total, &sc.NewCount, &sc.BatchID); err != nil {
			return nil, fmt.Errorf("recent scans: %w", err)
		}
		sc.Timestamp = time.UnixMilli(ts).UTC()
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// Stats counts followers by state and scans for target.
func (s *Store) Stats(ctx context.Context, target string) (Stats, error) {
	if err := s.ready(ctx); err != nil {
		return Stats{}, err
	}
	st := Stats{Target: target}

	err := s.sqlDB.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN is_active = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN is_active = 1 AND synced = 0 THEN 1 ELSE 0 END), 0)
FROM followers WHERE target = ?`, target).Scan(&st.Active, &st.Inactive, &st.Unsynced)
	if err != nil {
		return Stats{}, fmt.Errorf("follower stats: %w", err)
	}

	var last sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(timestamp) FROM scans WHERE target = ?`, target).Scan(&st.Scans, &last); err != nil {
		return Stats{}, fmt.Errorf("scan stats: %w", err)
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		st.LastScan = &t
	}
	return st, nil
}
