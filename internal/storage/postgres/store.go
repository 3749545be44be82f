package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/storage"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS changelog (
	domain TEXT NOT NULL,
	csn BYTEA NOT NULL,
	replica_id INTEGER NOT NULL,
	time_ms BIGINT NOT NULL,
	op SMALLINT NOT NULL,
	target_dn TEXT NOT NULL,
	record BYTEA NOT NULL,
	PRIMARY KEY (domain, csn)
);

CREATE INDEX IF NOT EXISTS idx_changelog_replica ON changelog(domain, replica_id, csn);

CREATE TABLE IF NOT EXISTS changelog_meta (
	domain TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (domain, key)
);
`

// Store keeps every domain in one shared table keyed by (domain, csn).
type Store struct {
	db *sql.DB
}

var _ storage.Backend = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) OpenLog(_ context.Context, name string) (storage.Log, error) {
	return &Log{db: s.db, domain: name}, nil
}

// Log is one domain's slice of the shared table.
type Log struct {
	db     *sql.DB
	domain string
}

var _ storage.Log = (*Log)(nil)

func (l *Log) Append(ctx context.Context, change domain.Change) error {
	record, err := storage.EncodeChange(change)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO changelog(domain, csn, replica_id, time_ms, op, target_dn, record)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (domain, csn) DO NOTHING`,
		l.domain, change.CSN.Bytes(), int(change.CSN.Replica), change.CSN.Time, int(change.Op), change.TargetDN, record)
	if err != nil {
		return fmt.Errorf("append %s: %w", change.CSN, err)
	}
	return nil
}

func (l *Log) Read(ctx context.Context, from csn.CSN, inclusive bool, limit int) ([]domain.Change, error) {
	op := ">"
	if inclusive {
		op = ">="
	}
	q := fmt.Sprintf(`SELECT record FROM changelog WHERE domain = $1 AND csn %s $2 ORDER BY csn ASC`, op)
	args := []any{l.domain, from.Bytes()}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	return l.query(ctx, q, args...)
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]domain.Change, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (l *Log) ReadReplica(ctx context.Context, replica csn.ReplicaID, after csn.CSN, limit int) ([]domain.Change, error) {
	q := `SELECT record FROM changelog WHERE domain = $1 AND replica_id = $2 AND csn > $3 ORDER BY csn ASC`
	args := []any{l.domain, int(replica), after.Bytes()}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	return l.query(ctx, q, args...)
}

func (l *Log) LastBefore(ctx context.Context, replica csn.ReplicaID, before csn.CSN) (csn.CSN, bool, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `
SELECT csn FROM changelog
WHERE domain = $1 AND replica_id = $2 AND csn < $3
ORDER BY csn DESC LIMIT 1`, l.domain, int(replica), before.Bytes()).Scan(&raw)
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
	rows, err := l.db.QueryContext(ctx, `SELECT max(csn) FROM changelog WHERE domain = $1 GROUP BY replica_id`, l.domain)
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
	err := l.db.QueryRowContext(ctx, `SELECT record FROM changelog WHERE domain = $1 AND csn = $2`, l.domain, c.Bytes()).Scan(&record)
	if err == sql.ErrNoRows {
		return domain.Change{}, false, nil
	}
	if err != nil {
		return domain.Change{}, false, err
	}
	ch, err := storage.DecodeChange(record)
	return ch, err == nil, err
}

func (l *Log) PurgeBefore(ctx context.Context, boundary csn.CSN) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM changelog WHERE domain = $1 AND csn < $2`, l.domain, boundary.Bytes())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (l *Log) Count(ctx context.Context, replica csn.ReplicaID, after, upTo csn.CSN) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT count(*) FROM changelog
WHERE domain = $1 AND replica_id = $2 AND csn > $3 AND csn <= $4`,
		l.domain, int(replica), after.Bytes(), upTo.Bytes()).Scan(&n)
	return n, err
}

func (l *Log) Meta(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT key, value FROM changelog_meta WHERE domain = $1`, l.domain)
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
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO changelog_meta(domain, key, value) VALUES ($1, $2, $3)
ON CONFLICT (domain, key) DO UPDATE SET value = EXCLUDED.value`, l.domain, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *Log) Close() error { return nil }
