// Package sqlstore builds the parameterized SQL shared by the Postgres and
// SQLite record stores.
package sqlstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Dialect captures the syntax differences between backends.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Contains renders a case-sensitive substring test.
	Contains func(col, arg string) string
	TimeType string
	NoLimit  string
}

// Postgres uses $n placeholders.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Contains:    func(col, arg string) string { return fmt.Sprintf("strpos(%s, %s) > 0", col, arg) },
	TimeType:    "TIMESTAMPTZ",
	NoLimit:     "ALL",
}

// SQLite uses numbered ?n placeholders so repeated arguments bind correctly.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(n int) string { return "?" + strconv.Itoa(n) },
	Contains:    func(col, arg string) string { return fmt.Sprintf("instr(%s, %s) > 0", col, arg) },
	TimeType:    "TIMESTAMP",
	NoLimit:     "-1",
}

// Tables names the physical tables. "errors" avoids the SQL keyword.
type Tables struct {
	Books  string
	Errors string
	Runs   string
}

// WithDefaults fills empty names.
func (t Tables) WithDefaults() Tables {
	if t.Books == "" {
		t.Books = "books"
	}
	if t.Errors == "" {
		t.Errors = "errors"
	}
	if t.Runs == "" {
		t.Runs = "sweep_runs"
	}
	return t
}

// Validate rejects names that are not plain identifiers.
func (t Tables) Validate() error {
	var errs []error
	for _, name := range []string{t.Books, t.Errors, t.Runs} {
		if !validTableName.MatchString(name) {
			errs = append(errs, fmt.Errorf("invalid table name %q", name))
		}
	}
	return errors.Join(errs...)
}

// bookColumns is the column order of BookArgs and ScanBook.
const bookColumns = "site, num, version, title, writer, book_type, last_update, last_chapter, end_flag, download_flag, read_flag"

// Builder renders queries for one dialect and table set.
type Builder struct {
	d Dialect
	t Tables
}

// NewBuilder validates tables and returns a Builder.
func NewBuilder(d Dialect, t Tables) (*Builder, error) {
	t = t.WithDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Builder{d: d, t: t}, nil
}

// Tables returns the resolved table names.
func (b *Builder) Tables() Tables {
	return b.t
}

func (b *Builder) p(n int) string {
	return b.d.Placeholder(n)
}

func (b *Builder) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = b.p(from + i)
	}
	return strings.Join(parts, ", ")
}

// Table maps a logical record set to its physical name.
func (b *Builder) Table(table crawler.Table) (string, error) {
	switch table {
	case crawler.TableBooks:
		return b.t.Books, nil
	case crawler.TableError:
		return b.t.Errors, nil
	default:
		return "", fmt.Errorf("unknown table %q", table)
	}
}

// Schema returns the DDL statements that create every table.
func (b *Builder) Schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	site TEXT NOT NULL,
	num INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	writer TEXT NOT NULL DEFAULT '',
	book_type TEXT NOT NULL DEFAULT '',
	last_update TEXT NOT NULL DEFAULT '',
	last_chapter TEXT NOT NULL DEFAULT '',
	end_flag BOOLEAN NOT NULL DEFAULT FALSE,
	download_flag SMALLINT NOT NULL DEFAULT 0,
	read_flag BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (site, num, version)
)`, b.t.Books),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	site TEXT NOT NULL,
	num INTEGER NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (site, num)
)`, b.t.Errors),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	site TEXT NOT NULL,
	kind TEXT NOT NULL,
	started_at %s NOT NULL,
	finished_at %s,
	status TEXT NOT NULL,
	probes BIGINT NOT NULL DEFAULT 0,
	failures BIGINT NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT ''
)`, b.t.Runs, b.d.TimeType, b.d.TimeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_site_started_idx ON %s (site, started_at)`, b.t.Runs, b.t.Runs),
	}
}

// BookArgs returns rec's values in bookColumns order.
func BookArgs(rec crawler.BookRecord) []any {
	return []any{
		rec.Site,
		rec.Num,
		rec.Version,
		rec.Title,
		rec.Writer,
		rec.BookType,
		rec.LastUpdate,
		rec.LastChapter,
		rec.EndFlag,
		int(rec.DownloadFlag),
		rec.ReadFlag,
	}
}

// Scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row, and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanBook reads one row selected with bookColumns.
func ScanBook(row Scanner) (crawler.BookRecord, error) {
	var (
		rec  crawler.BookRecord
		flag int
	)
	err := row.Scan(
		&rec.Site,
		&rec.Num,
		&rec.Version,
		&rec.Title,
		&rec.Writer,
		&rec.BookType,
		&rec.LastUpdate,
		&rec.LastChapter,
		&rec.EndFlag,
		&flag,
		&rec.ReadFlag,
	)
	rec.DownloadFlag = crawler.DownloadFlag(flag)
	return rec, err
}

// Exists checks one key in table.
func (b *Builder) Exists(table string) string {
	return fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE site = %s AND num = %s)`, table, b.p(1), b.p(2))
}

// DeleteKey removes every row of one key from table.
func (b *Builder) DeleteKey(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE site = %s AND num = %s`, table, b.p(1), b.p(2))
}

// UpsertBook writes a row at its version, replacing the same version.
func (b *Builder) UpsertBook() string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
ON CONFLICT (site, num, version) DO UPDATE SET
	title = EXCLUDED.title,
	writer = EXCLUDED.writer,
	book_type = EXCLUDED.book_type,
	last_update = EXCLUDED.last_update,
	last_chapter = EXCLUDED.last_chapter,
	end_flag = EXCLUDED.end_flag,
	download_flag = EXCLUDED.download_flag,
	read_flag = EXCLUDED.read_flag`, b.t.Books, bookColumns, b.placeholders(1, 11))
}

// InsertBook adds a new version row.
func (b *Builder) InsertBook() string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, b.t.Books, bookColumns, b.placeholders(1, 11))
}

// UpdateBook rewrites one existing version; args follow BookArgs.
func (b *Builder) UpdateBook() string {
	return fmt.Sprintf(`UPDATE %s SET
	title = %s,
	writer = %s,
	book_type = %s,
	last_update = %s,
	last_chapter = %s,
	end_flag = %s,
	download_flag = %s,
	read_flag = %s
WHERE site = %s AND num = %s AND version = %s`,
		b.t.Books, b.p(4), b.p(5), b.p(6), b.p(7), b.p(8), b.p(9), b.p(10), b.p(11), b.p(1), b.p(2), b.p(3))
}

// MaxVersion returns the highest version of one key, or -1.
func (b *Builder) MaxVersion() string {
	return fmt.Sprintf(`SELECT COALESCE(MAX(version), -1) FROM %s WHERE site = %s AND num = %s`, b.t.Books, b.p(1), b.p(2))
}

// UpsertError records an error row.
func (b *Builder) UpsertError() string {
	return fmt.Sprintf(`INSERT INTO %s (site, num, error_type) VALUES (%s)
ON CONFLICT (site, num) DO UPDATE SET error_type = EXCLUDED.error_type`, b.t.Errors, b.placeholders(1, 3))
}

// LatestBook selects the highest version of one key.
func (b *Builder) LatestBook() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE site = %s AND num = %s ORDER BY version DESC LIMIT 1`,
		bookColumns, b.t.Books, b.p(1), b.p(2))
}

// GetBook selects one version.
func (b *Builder) GetBook() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE site = %s AND num = %s AND version = %s`,
		bookColumns, b.t.Books, b.p(1), b.p(2), b.p(3))
}

func (b *Builder) latestClause(alias string) string {
	return fmt.Sprintf(`%s.version = (SELECT MAX(l.version) FROM %s l WHERE l.site = %s.site AND l.num = %s.num)`,
		alias, b.t.Books, alias, alias)
}

// ListBooks renders a filtered listing ordered by num then version.
func (b *Builder) ListBooks(site string, f crawler.BookFilter) (string, []any) {
	args := []any{site}
	where := []string{"b.site = " + b.p(1)}
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, b.p(len(args))))
	}
	if f.LatestOnly {
		where = append(where, b.latestClause("b"))
	}
	if f.UnreadOnly {
		where = append(where, "NOT b.read_flag")
	}
	if f.EndFlag != nil {
		add("b.end_flag = %s", *f.EndFlag)
	}
	if f.DownloadFlag != nil {
		add("b.download_flag = %s", int(*f.DownloadFlag))
	}
	if f.Title != "" {
		args = append(args, f.Title)
		where = append(where, b.d.Contains("b.title", b.p(len(args))))
	}
	if f.Writer != "" {
		args = append(args, f.Writer)
		where = append(where, b.d.Contains("b.writer", b.p(len(args))))
	}

	cols := strings.ReplaceAll("b."+bookColumns, ", ", ", b.")
	query := fmt.Sprintf(`SELECT %s FROM %s b WHERE %s ORDER BY b.num, b.version`,
		cols, b.t.Books, strings.Join(where, " AND "))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT " + b.p(len(args))
	} else if f.Offset > 0 {
		query += " LIMIT " + b.d.NoLimit
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += " OFFSET " + b.p(len(args))
	}
	return query, args
}

// ListErrors selects every error row of a site.
func (b *Builder) ListErrors() string {
	return fmt.Sprintf(`SELECT site, num, error_type FROM %s WHERE site = %s ORDER BY num`, b.t.Errors, b.p(1))
}

// MaxNum returns the largest num of a site in table, or 0.
func (b *Builder) MaxNum(table string) string {
	return fmt.Sprintf(`SELECT COALESCE(MAX(num), 0) FROM %s WHERE site = %s`, table, b.p(1))
}

// Stats aggregates a site; flag counts use latest versions.
func (b *Builder) Stats() string {
	latest := fmt.Sprintf(`SELECT b.* FROM %s b WHERE b.site = %s AND %s`, b.t.Books, b.p(1), b.latestClause("b"))
	return fmt.Sprintf(`WITH latest AS (%s)
SELECT
	(SELECT COUNT(*) FROM latest),
	(SELECT COUNT(*) FROM %s WHERE site = %s),
	(SELECT COUNT(*) FROM %s WHERE site = %s),
	(SELECT COUNT(*) FROM latest WHERE end_flag),
	(SELECT COUNT(*) FROM latest WHERE download_flag = %d),
	(SELECT COUNT(*) FROM latest WHERE download_flag = %d),
	(SELECT COUNT(*) FROM latest WHERE read_flag),
	(SELECT COALESCE(MAX(num), 0) FROM latest)`,
		latest, b.t.Books, b.p(1), b.t.Errors, b.p(1), crawler.DownloadDone, crawler.DownloadError)
}

// ScanStats reads a row rendered by Stats.
func ScanStats(site string, row Scanner) (crawler.SiteStats, error) {
	stats := crawler.SiteStats{Site: site}
	err := row.Scan(
		&stats.BookCount,
		&stats.BookRecordCount,
		&stats.ErrorCount,
		&stats.EndCount,
		&stats.DownloadCount,
		&stats.DownloadErrCount,
		&stats.ReadCount,
		&stats.MaxNum,
	)
	return stats, err
}

// PurgeCrossTable deletes error rows shadowed by a book row.
func (b *Builder) PurgeCrossTable() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE site = %s AND EXISTS (SELECT 1 FROM %s k WHERE k.site = %s.site AND k.num = %s.num)`,
		b.t.Errors, b.p(1), b.t.Books, b.t.Errors, b.t.Errors)
}

// runColumns is the column order of the sweep run queries.
const runColumns = "id, site, kind, started_at, finished_at, status, probes, failures, note"

// StartRun inserts a run, keeping the first row on repeats.
func (b *Builder) StartRun() string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
		b.t.Runs, runColumns, b.placeholders(1, 9))
}

// AddRunCounts adds probe and failure deltas.
func (b *Builder) AddRunCounts() string {
	return fmt.Sprintf(`UPDATE %s SET probes = probes + %s, failures = failures + %s WHERE id = %s`,
		b.t.Runs, b.p(2), b.p(3), b.p(1))
}

// FinishRun marks a run terminal.
func (b *Builder) FinishRun() string {
	return fmt.Sprintf(`UPDATE %s SET finished_at = %s, status = %s, note = %s WHERE id = %s`,
		b.t.Runs, b.p(2), b.p(3), b.p(4), b.p(1))
}

// GetRun selects one run.
func (b *Builder) GetRun() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE id = %s`, runColumns, b.t.Runs, b.p(1))
}

// ListRuns selects the newest runs; an empty site matches all.
func (b *Builder) ListRuns() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE (%s = '' OR site = %s) ORDER BY started_at DESC LIMIT %s`,
		runColumns, b.t.Runs, b.p(1), b.p(1), b.p(2))
}
