package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/storage"

	_ "modernc.org/sqlite"
)

const changelogSchema = `
CREATE TABLE IF NOT EXISTS changes (
	csn BLOB PRIMARY KEY,
	replica_id INTEGER NOT NULL,
	time_ms INTEGER NOT NULL,
	op INTEGER NOT NULL,
	target_dn TEXT NOT NULL,
	record BLOB NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_changes_replica_csn ON changes(replica_id, csn);

CREATE TABLE IF NOT EXISTS domain_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_changes_no_update
BEFORE UPDATE ON changes
BEGIN
	SELECT RAISE(ABORT, 'changes are append-only: UPDATE forbidden');
END;
`

// Store keeps one SQLite file per domain under baseDir.
type Store struct {
	baseDir string

	mu     sync.Mutex
	logs   map[string]*Log
	closed bool
}

var _ storage.Backend = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, logs: make(map[string]*Log)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for _, l := range s.logs {
		if err := l.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logs = map[string]*Log{}
	return errors.Join(errs...)
}

func (s *Store) OpenLog(ctx context.Context, name string) (storage.Log, error) {
	return s.changelogDB(ctx, name)
}

func (s *Store) changelogDB(ctx context.Context, name string) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if l, ok := s.logs[name]; ok {
		return l, nil
	}
	path := filepath.Join(s.baseDir, fileName(name))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, changelogSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	l := &Log{db: db}
	s.logs[name] = l
	return l, nil
}

// fileName derives a stable file name from a base DN.
func fileName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("changelog-%s-%08x.db", b.String(), h.Sum32())
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Log is one domain's changelog file.
type Log struct {
	db *sql.DB
}

var _ storage.Log = (*Log)(nil)

func (l *Log) Append(ctx context.Context, change domain.Change) error {
	record, err := storage.EncodeChange(change)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO changes(csn, replica_id, time_ms, op, target_dn, record)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(csn) DO NOTHING`,
		change.CSN.Bytes(), int(change.CSN.Replica), change.CSN.Time, int(change.Op), change.TargetDN, record)
	return err
}

func (l *Log) Read(ctx context.Context, from csn.CSN, inclusive bool, limit int) ([]domain.Change, error) {
	op := ">"
	if inclusive {
		op = ">="
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(`
SELECT record FROM changes
WHERE csn %s ?
ORDER BY csn ASC
LIMIT ?`, op), from.Bytes(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChanges(rows)
}

func (l *Log) ReadReplica(ctx context.Context, replica csn.ReplicaID, after csn.CSN, limit int) ([]domain.Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT record FROM changes
WHERE replica_id=? AND csn > ?
ORDER BY csn ASC
LIMIT ?`, int(replica), after.Bytes(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChanges(rows)
}

func (l *Log) LastBefore(ctx context.Context, replica csn.ReplicaID, before csn.CSN) (csn.CSN, bool, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `
SELECT csn FROM changes
WHERE replica_id=? AND csn < ?
ORDER BY csn DESC
LIMIT 1`, int(replica), before.Bytes()).Scan(&raw)
	if err == sql.ErrNoRows {
		return csn.CSN{}, false, nil
	}
	if err != nil {
		return csn.CSN{}, false, err
	}
	c, err := csn.FromBytes(raw)
	return c, err == nil, err
}

func (l *Log) LastPerReplica(ctx context.Context) (map[csn.ReplicaID]csn.CSN, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT max(csn) FROM changes GROUP BY replica_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[csn.ReplicaID]csn.CSN{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		c, err := csn.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		out[c.Replica] = c
	}
	return out, rows.Err()
}

func (l *Log) Get(ctx context.Context, c csn.CSN) (domain.Change, bool, error) {
	var record []byte
	err := l.db.QueryRowContext(ctx, `SELECT record FROM changes WHERE csn=?`, c.Bytes()).Scan(&record)
	if err == sql.ErrNoRows {
		return domain.Change{}, false, nil
	}
	if err != nil {
		return domain.Change{}, false, err
	}
	ch, err := storage.DecodeChange(record)
	if err != nil {
		return domain.Change{}, false, err
	}
	return ch, true, nil
}

func (l *Log) PurgeBefore(ctx context.Context, boundary csn.CSN) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE csn < ?`, boundary.Bytes())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (l *Log) Count(ctx context.Context, replica csn.ReplicaID, after, upTo csn.CSN) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT count(*) FROM changes
WHERE replica_id=? AND csn > ? AND csn <= ?`, int(replica), after.Bytes(), upTo.Bytes()).Scan(&n)
	return n, err
}

func (l *Log) Meta(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT key, value FROM domain_meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (l *Log) SetMeta(ctx context.Context, kv map[string]string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO domain_meta(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close is a no-op; the owning Store closes the file.
func (l *Log) Close() error { return nil }

func scanChanges(rows *sql.Rows) ([]domain.Change, error) {
	var out []domain.Change
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		ch, err := storage.DecodeChange(record)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
