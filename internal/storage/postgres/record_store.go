// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/storage/sitelock"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlstore"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	Tables          sqlstore.Tables
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of *pgxpool.Pool the stores use; pgxmock satisfies it.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool from cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// RecordStore keeps books and error rows in Postgres. Moves between the two
// tables and versioned inserts run in one transaction under the site lock.
type RecordStore struct {
	pool  pgxPool
	q     *sqlstore.Builder
	locks *sitelock.Locks
}

var _ crawler.RecordStore = (*RecordStore)(nil)

// NewRecordStore connects, migrates, and returns a store.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewRecordStoreWithPool(pool, cfg.Tables)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool pgxPool, tables sqlstore.Tables) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	q, err := sqlstore.NewBuilder(sqlstore.Postgres, tables)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, q: q, locks: sitelock.New()}, nil
}

// Migrate creates the tables when missing.
func (s *RecordStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.q.Schema() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func storeErr(op, site string, num int, err error) error {
	return &crawler.StoreError{Op: op, Site: site, Num: num, Err: err}
}

func (s *RecordStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Exists reports whether (site, num) has a row in table.
func (s *RecordStore) Exists(ctx context.Context, table crawler.Table, site string, num int) (bool, error) {
	site = crawler.NormalizeSite(site)
	name, err := s.q.Table(table)
	if err != nil {
		return false, storeErr("exists", site, num, err)
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, s.q.Exists(name), site, num).Scan(&ok); err != nil {
		return false, storeErr("exists", site, num, err)
	}
	return ok, nil
}

// UpsertBook writes rec at its version and drops any error row for the key.
func (s *RecordStore) UpsertBook(ctx context.Context, rec crawler.BookRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, s.q.UpsertBook(), sqlstore.BookArgs(rec)...); err != nil {
			return fmt.Errorf("upsert book: %w", err)
		}
		if _, err := tx.Exec(ctx, s.q.DeleteKey(s.q.Tables().Errors), rec.Site, rec.Num); err != nil {
			return fmt.Errorf("delete error row: %w", err)
		}
		return nil
	})
	if err != nil {
		return storeErr("upsert book", rec.Site, rec.Num, err)
	}
	return nil
}

// UpsertError records a failed probe and drops every book row for the key.
func (s *RecordStore) UpsertError(ctx context.Context, rec crawler.ErrorRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, s.q.UpsertError(), rec.Site, rec.Num, rec.ErrorType); err != nil {
			return fmt.Errorf("upsert error: %w", err)
		}
		if _, err := tx.Exec(ctx, s.q.DeleteKey(s.q.Tables().Books), rec.Site, rec.Num); err != nil {
			return fmt.Errorf("delete book rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return storeErr("upsert error", rec.Site, rec.Num, err)
	}
	return nil
}

// UpdateInPlace overwrites the row at rec's version.
func (s *RecordStore) UpdateInPlace(ctx context.Context, rec crawler.BookRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	tag, err := s.pool.Exec(ctx, s.q.UpdateBook(), sqlstore.BookArgs(rec)...)
	if err != nil {
		return storeErr("update", rec.Site, rec.Num, err)
	}
	if tag.RowsAffected() == 0 {
		return storeErr("update", rec.Site, rec.Num, crawler.ErrNotFound)
	}
	return nil
}

// VersionedInsert appends rec as a new version, keeping the older rows.
func (s *RecordStore) VersionedInsert(ctx context.Context, rec crawler.BookRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var current int
		if err := tx.QueryRow(ctx, s.q.MaxVersion(), rec.Site, rec.Num).Scan(&current); err != nil {
			return fmt.Errorf("read max version: %w", err)
		}
		if rec.Version <= current {
			return crawler.ErrVersionConflict
		}
		if _, err := tx.Exec(ctx, s.q.InsertBook(), sqlstore.BookArgs(rec)...); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		if _, err := tx.Exec(ctx, s.q.DeleteKey(s.q.Tables().Errors), rec.Site, rec.Num); err != nil {
			return fmt.Errorf("delete error row: %w", err)
		}
		return nil
	})
	if err != nil {
		return storeErr("versioned insert", rec.Site, rec.Num, err)
	}
	return nil
}

// Delete removes every row of (site, num) from table.
func (s *RecordStore) Delete(ctx context.Context, table crawler.Table, site string, num int) error {
	site = crawler.NormalizeSite(site)
	name, err := s.q.Table(table)
	if err != nil {
		return storeErr("delete", site, num, err)
	}
	defer s.locks.Lock(site)()
	if _, err := s.pool.Exec(ctx, s.q.DeleteKey(name), site, num); err != nil {
		return storeErr("delete", site, num, err)
	}
	return nil
}

func (s *RecordStore) getBook(ctx context.Context, op, query string, site string, num int, args ...any) (crawler.BookRecord, error) {
	rec, err := sqlstore.ScanBook(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.BookRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.BookRecord{}, storeErr(op, site, num, err)
	}
	return rec, nil
}

// LatestBook returns the highest version of (site, num).
func (s *RecordStore) LatestBook(ctx context.Context, site string, num int) (crawler.BookRecord, error) {
	site = crawler.NormalizeSite(site)
	return s.getBook(ctx, "latest book", s.q.LatestBook(), site, num, site, num)
}

// GetBook returns one specific version.
func (s *RecordStore) GetBook(ctx context.Context, site string, num, version int) (crawler.BookRecord, error) {
	site = crawler.NormalizeSite(site)
	return s.getBook(ctx, "get book", s.q.GetBook(), site, num, site, num, version)
}

// ListBooks returns matching rows ordered by num then version.
func (s *RecordStore) ListBooks(ctx context.Context, site string, filter crawler.BookFilter) ([]crawler.BookRecord, error) {
	site = crawler.NormalizeSite(site)
	query, args := s.q.ListBooks(site, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list books", site, 0, err)
	}
	defer rows.Close()

	var out []crawler.BookRecord
	for rows.Next() {
		rec, err := sqlstore.ScanBook(rows)
		if err != nil {
			return nil, storeErr("list books", site, 0, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list books", site, 0, err)
	}
	return out, nil
}

// ListErrors returns every error row of site ordered by num.
func (s *RecordStore) ListErrors(ctx context.Context, site string) ([]crawler.ErrorRecord, error) {
	site = crawler.NormalizeSite(site)
	rows, err := s.pool.Query(ctx, s.q.ListErrors(), site)
	if err != nil {
		return nil, storeErr("list errors", site, 0, err)
	}
	defer rows.Close()

	var out []crawler.ErrorRecord
	for rows.Next() {
		var rec crawler.ErrorRecord
		if err := rows.Scan(&rec.Site, &rec.Num, &rec.ErrorType); err != nil {
			return nil, storeErr("list errors", site, 0, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list errors", site, 0, err)
	}
	return out, nil
}

// MaxNum returns the largest num in table for site, or 0 when empty.
func (s *RecordStore) MaxNum(ctx context.Context, site string, table crawler.Table) (int, error) {
	site = crawler.NormalizeSite(site)
	name, err := s.q.Table(table)
	if err != nil {
		return 0, storeErr("max num", site, 0, err)
	}
	var maxNum int
	if err := s.pool.QueryRow(ctx, s.q.MaxNum(name), site).Scan(&maxNum); err != nil {
		return 0, storeErr("max num", site, 0, err)
	}
	return maxNum, nil
}

// Stats summarizes site; flag counts are taken over latest versions.
func (s *RecordStore) Stats(ctx context.Context, site string) (crawler.SiteStats, error) {
	site = crawler.NormalizeSite(site)
	stats, err := sqlstore.ScanStats(site, s.pool.QueryRow(ctx, s.q.Stats(), site))
	if err != nil {
		return crawler.SiteStats{}, storeErr("stats", site, 0, err)
	}
	return stats, nil
}

// PurgeCrossTable deletes error rows whose key also has a book row.
func (s *RecordStore) PurgeCrossTable(ctx context.Context, site string) (int64, error) {
	site = crawler.NormalizeSite(site)
	defer s.locks.Lock(site)()
	tag, err := s.pool.Exec(ctx, s.q.PurgeCrossTable(), site)
	if err != nil {
		return 0, storeErr("purge", site, 0, err)
	}
	return tag.RowsAffected(), nil
}
