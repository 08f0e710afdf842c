// Package sqlite provides a single-file RecordStore for local crawls.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/storage/sitelock"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlstore"
)

// DefaultBusyTimeout bounds how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Config locates the database file.
type Config struct {
	Path        string
	Tables      sqlstore.Tables
	BusyTimeout time.Duration
}

func (c Config) dsn() string {
	timeout := c.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(timeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return "file:" + c.Path + "?" + q.Encode()
}

// RecordStore keeps books and error rows in one SQLite file.
type RecordStore struct {
	db    *sql.DB
	q     *sqlstore.Builder
	locks *sitelock.Locks
}

var _ crawler.RecordStore = (*RecordStore)(nil)

// New opens (creating when needed) and migrates the database at cfg.Path.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	q, err := sqlstore.NewBuilder(sqlstore.SQLite, cfg.Tables)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions serial.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &RecordStore{db: db, q: q, locks: sitelock.New()}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the tables when missing.
func (s *RecordStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.q.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunStore returns a run repository sharing this database.
func (s *RecordStore) RunStore() *RunStore {
	return &RunStore{db: s.db, q: s.q}
}

func storeErr(op, site string, num int, err error) error {
	return &crawler.StoreError{Op: op, Site: site, Num: num, Err: err}
}

func (s *RecordStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
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
	if err := s.db.QueryRowContext(ctx, s.q.Exists(name), site, num).Scan(&ok); err != nil {
		return false, storeErr("exists", site, num, err)
	}
	return ok, nil
}

// moveBook writes rec with query and clears the error row of its key.
func (s *RecordStore) moveBook(ctx context.Context, query string, rec crawler.BookRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, sqlstore.BookArgs(rec)...); err != nil {
			return fmt.Errorf("write book: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q.DeleteKey(s.q.Tables().Errors), rec.Site, rec.Num); err != nil {
			return fmt.Errorf("delete error row: %w", err)
		}
		return nil
	})
}

// UpsertBook writes rec at its version and drops any error row for the key.
func (s *RecordStore) UpsertBook(ctx context.Context, rec crawler.BookRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	if err := s.moveBook(ctx, s.q.UpsertBook(), rec); err != nil {
		return storeErr("upsert book", rec.Site, rec.Num, err)
	}
	return nil
}

// UpsertError records a failed probe and drops every book row for the key.
func (s *RecordStore) UpsertError(ctx context.Context, rec crawler.ErrorRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q.UpsertError(), rec.Site, rec.Num, rec.ErrorType); err != nil {
			return fmt.Errorf("upsert error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q.DeleteKey(s.q.Tables().Books), rec.Site, rec.Num); err != nil {
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
	res, err := s.db.ExecContext(ctx, s.q.UpdateBook(), sqlstore.BookArgs(rec)...)
	if err != nil {
		return storeErr("update", rec.Site, rec.Num, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update", rec.Site, rec.Num, err)
	}
	if n == 0 {
		return storeErr("update", rec.Site, rec.Num, crawler.ErrNotFound)
	}
	return nil
}

// VersionedInsert appends rec as a new version, keeping the older rows.
func (s *RecordStore) VersionedInsert(ctx context.Context, rec crawler.BookRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	defer s.locks.Lock(rec.Site)()
	var current int
	if err := s.db.QueryRowContext(ctx, s.q.MaxVersion(), rec.Site, rec.Num).Scan(&current); err != nil {
		return storeErr("versioned insert", rec.Site, rec.Num, err)
	}
	if rec.Version <= current {
		return storeErr("versioned insert", rec.Site, rec.Num, crawler.ErrVersionConflict)
	}
	if err := s.moveBook(ctx, s.q.InsertBook(), rec); err != nil {
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
	if _, err := s.db.ExecContext(ctx, s.q.DeleteKey(name), site, num); err != nil {
		return storeErr("delete", site, num, err)
	}
	return nil
}

func (s *RecordStore) getBook(ctx context.Context, op, query string, args ...any) (crawler.BookRecord, error) {
	rec, err := sqlstore.ScanBook(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.BookRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.BookRecord{}, &crawler.StoreError{Op: op, Err: err}
	}
	return rec, nil
}

// LatestBook returns the highest version of (site, num).
func (s *RecordStore) LatestBook(ctx context.Context, site string, num int) (crawler.BookRecord, error) {
	return s.getBook(ctx, "latest book", s.q.LatestBook(), crawler.NormalizeSite(site), num)
}

// GetBook returns one specific version.
func (s *RecordStore) GetBook(ctx context.Context, site string, num, version int) (crawler.BookRecord, error) {
	return s.getBook(ctx, "get book", s.q.GetBook(), crawler.NormalizeSite(site), num, version)
}

// ListBooks returns matching rows ordered by num then version.
func (s *RecordStore) ListBooks(ctx context.Context, site string, filter crawler.BookFilter) ([]crawler.BookRecord, error) {
	site = crawler.NormalizeSite(site)
	query, args := s.q.ListBooks(site, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	rows, err := s.db.QueryContext(ctx, s.q.ListErrors(), site)
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
	if err := s.db.QueryRowContext(ctx, s.q.MaxNum(name), site).Scan(&maxNum); err != nil {
		return 0, storeErr("max num", site, 0, err)
	}
	return maxNum, nil
}

// Stats summarizes site; flag counts are taken over latest versions.
func (s *RecordStore) Stats(ctx context.Context, site string) (crawler.SiteStats, error) {
	site = crawler.NormalizeSite(site)
	stats, err := sqlstore.ScanStats(site, s.db.QueryRowContext(ctx, s.q.Stats(), site))
	if err != nil {
		return crawler.SiteStats{}, storeErr("stats", site, 0, err)
	}
	return stats, nil
}

// PurgeCrossTable deletes error rows whose key also has a book row.
func (s *RecordStore) PurgeCrossTable(ctx context.Context, site string) (int64, error) {
	site = crawler.NormalizeSite(site)
	defer s.locks.Lock(site)()
	res, err := s.db.ExecContext(ctx, s.q.PurgeCrossTable(), site)
	if err != nil {
		return 0, storeErr("purge", site, 0, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge", site, 0, err)
	}
	return n, nil
}
