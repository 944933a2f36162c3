package briefsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	pgStringsTable = "briefsync_kv"
	pgSetsTable    = "briefsync_kv_sets"
	pgZSetsTable   = "briefsync_kv_zsets"
	pgListsTable   = "briefsync_kv_lists"
	pgOpTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKV implements the KV primitive surface on Postgres. It is the
// managed-service backend: safe for concurrent access across processes,
// selected when a DSN is configured.
type PostgresKV struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresKV(dsn string) (*PostgresKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKV{dsn: dsn, openDB: sql.Open}, nil
}

func (p *PostgresKV) Name() string { return "postgres" }

func (p *PostgresKV) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pgOpTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					k TEXT PRIMARY KEY,
					v TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, pgQuoteIdentifier(pgStringsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					k TEXT NOT NULL,
					member TEXT NOT NULL,
					PRIMARY KEY (k, member)
				)`, pgQuoteIdentifier(pgSetsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					k TEXT NOT NULL,
					member TEXT NOT NULL,
					score DOUBLE PRECISION NOT NULL,
					PRIMARY KEY (k, member)
				)`, pgQuoteIdentifier(pgZSetsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					k TEXT NOT NULL,
					pos BIGINT NOT NULL,
					v TEXT NOT NULL,
					PRIMARY KEY (k, pos)
				)`, pgQuoteIdentifier(pgListsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresKV) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgOpTimeout)
}

func (p *PostgresKV) Set(key, value string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (k, v, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = NOW()`,
		pgQuoteIdentifier(pgStringsTable))
	_, err := p.db.ExecContext(ctx, query, key, value)
	return err
}

func (p *PostgresKV) SetNX(key, value string) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (k, v, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (k) DO NOTHING`, pgQuoteIdentifier(pgStringsTable))
	result, err := p.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *PostgresKV) Get(key string) (string, bool, error) {
	if err := p.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = $1", pgQuoteIdentifier(pgStringsTable))
	var value string
	err := p.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *PostgresKV) Del(key string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	for _, table := range []string{pgStringsTable, pgSetsTable, pgZSetsTable, pgListsTable} {
		query := fmt.Sprintf("DELETE FROM %s WHERE k = $1", pgQuoteIdentifier(table))
		if _, err := p.db.ExecContext(ctx, query, key); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresKV) SAdd(key string, members ...string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (k, member)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`, pgQuoteIdentifier(pgSetsTable))
	_, err := p.db.ExecContext(ctx, query, key, pq.Array(members))
	return err
}

func (p *PostgresKV) SRem(key string, members ...string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE k = $1 AND member = ANY($2)", pgQuoteIdentifier(pgSetsTable))
	_, err := p.db.ExecContext(ctx, query, key, pq.Array(members))
	return err
}

func (p *PostgresKV) SMembers(key string) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("SELECT member FROM %s WHERE k = $1 ORDER BY member", pgQuoteIdentifier(pgSetsTable))
	return p.queryStrings(ctx, query, key)
}

func (p *PostgresKV) SCard(key string) (int, error) {
	return p.countRows(pgSetsTable, key)
}

func (p *PostgresKV) ZAdd(key string, score float64, member string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (k, member, score) VALUES ($1, $2, $3)
		ON CONFLICT (k, member) DO UPDATE SET score = EXCLUDED.score`,
		pgQuoteIdentifier(pgZSetsTable))
	_, err := p.db.ExecContext(ctx, query, key, member, score)
	return err
}

func (p *PostgresKV) ZRange(key string, start, stop int) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("SELECT member FROM %s WHERE k = $1 ORDER BY score, member", pgQuoteIdentifier(pgZSetsTable))
	members, err := p.queryStrings(ctx, query, key)
	if err != nil {
		return nil, err
	}
	return sliceRange(members, start, stop), nil
}

func (p *PostgresKV) ZRem(key string, members ...string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE k = $1 AND member = ANY($2)", pgQuoteIdentifier(pgZSetsTable))
	_, err := p.db.ExecContext(ctx, query, key, pq.Array(members))
	return err
}

func (p *PostgresKV) ZCard(key string) (int, error) {
	return p.countRows(pgZSetsTable, key)
}

func (p *PostgresKV) LPush(key string, values ...string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := p.opContext()
	defer cancel()
	return p.withListLock(ctx, key, func(tx *sql.Tx) error {
		insert := fmt.Sprintf(`
			INSERT INTO %s (k, pos, v)
			SELECT $1, COALESCE(MIN(pos), 1) - 1, $2 FROM %s WHERE k = $1`,
			pgQuoteIdentifier(pgListsTable), pgQuoteIdentifier(pgListsTable))
		for _, value := range values {
			if _, err := tx.ExecContext(ctx, insert, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresKV) LTrim(key string, start, stop int) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	return p.withListLock(ctx, key, func(tx *sql.Tx) error {
		query := fmt.Sprintf("SELECT pos FROM %s WHERE k = $1 ORDER BY pos", pgQuoteIdentifier(pgListsTable))
		rows, err := tx.QueryContext(ctx, query, key)
		if err != nil {
			return err
		}
		positions := make([]int64, 0)
		for rows.Next() {
			var pos int64
			if scanErr := rows.Scan(&pos); scanErr != nil {
				_ = rows.Close()
				return scanErr
			}
			positions = append(positions, pos)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		keep := keepWindow(len(positions), start, stop)
		if keep.empty {
			deleteAll := fmt.Sprintf("DELETE FROM %s WHERE k = $1", pgQuoteIdentifier(pgListsTable))
			_, err := tx.ExecContext(ctx, deleteAll, key)
			return err
		}
		deleteOutside := fmt.Sprintf(
			"DELETE FROM %s WHERE k = $1 AND (pos < $2 OR pos > $3)",
			pgQuoteIdentifier(pgListsTable))
		_, err = tx.ExecContext(ctx, deleteOutside, key, positions[keep.start], positions[keep.stop])
		return err
	})
}

func (p *PostgresKV) LRange(key string, start, stop int) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = $1 ORDER BY pos", pgQuoteIdentifier(pgListsTable))
	values, err := p.queryStrings(ctx, query, key)
	if err != nil {
		return nil, err
	}
	return sliceRange(values, start, stop), nil
}

func (p *PostgresKV) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresKV) withListLock(ctx context.Context, key string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", pgListLockKey(key)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *PostgresKV) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (p *PostgresKV) countRows(table, key string) (int, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := p.opContext()
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE k = $1", pgQuoteIdentifier(table))
	var count int
	if err := p.db.QueryRowContext(ctx, query, key).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type listKeepWindow struct {
	start int
	stop  int
	empty bool
}

func keepWindow(n, start, stop int) listKeepWindow {
	if n == 0 {
		return listKeepWindow{empty: true}
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return listKeepWindow{empty: true}
	}
	return listKeepWindow{start: start, stop: stop}
}

func pgQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func pgListLockKey(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(pgListsTable))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key))
	return int64(hasher.Sum64())
}
