package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// RecordStore keeps books and error rows in maps guarded by one mutex, which
// also serializes every write.
type RecordStore struct {
	mu     sync.RWMutex
	books  map[crawler.Key][]crawler.BookRecord
	errors map[crawler.Key]crawler.ErrorRecord
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		books:  make(map[crawler.Key][]crawler.BookRecord),
		errors: make(map[crawler.Key]crawler.ErrorRecord),
	}
}

func key(site string, num int) crawler.Key {
	return crawler.Key{Site: crawler.NormalizeSite(site), Num: num}
}

func normalized(rec crawler.BookRecord) crawler.BookRecord {
	rec.Site = crawler.NormalizeSite(rec.Site)
	return rec
}

// Exists reports whether (site, num) has a row in table.
func (s *RecordStore) Exists(_ context.Context, table crawler.Table, site string, num int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := key(site, num)
	switch table {
	case crawler.TableBooks:
		return len(s.books[k]) > 0, nil
	case crawler.TableError:
		_, ok := s.errors[k]
		return ok, nil
	default:
		return false, &crawler.StoreError{Op: "exists", Site: site, Num: num, Err: errUnknownTable(table)}
	}
}

// UpsertBook writes rec at its version and drops any error row for the key.
func (s *RecordStore) UpsertBook(_ context.Context, rec crawler.BookRecord) error {
	rec = normalized(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.Key()
	rows := s.books[k]
	replaced := false
	for i := range rows {
		if rows[i].Version == rec.Version {
			rows[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, rec)
		sortVersions(rows)
	}
	s.books[k] = rows
	delete(s.errors, k)
	return nil
}

// UpsertError records a failed probe and drops every book row for the key.
func (s *RecordStore) UpsertError(_ context.Context, rec crawler.ErrorRecord) error {
	rec.Site = crawler.NormalizeSite(rec.Site)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := crawler.Key{Site: rec.Site, Num: rec.Num}
	s.errors[k] = rec
	delete(s.books, k)
	return nil
}

// UpdateInPlace overwrites the row at rec's version.
func (s *RecordStore) UpdateInPlace(_ context.Context, rec crawler.BookRecord) error {
	rec = normalized(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.books[rec.Key()]
	for i := range rows {
		if rows[i].Version == rec.Version {
			rows[i] = rec
			return nil
		}
	}
	return &crawler.StoreError{Op: "update", Site: rec.Site, Num: rec.Num, Err: crawler.ErrNotFound}
}

// VersionedInsert appends rec as a new version, keeping the older rows.
func (s *RecordStore) VersionedInsert(_ context.Context, rec crawler.BookRecord) error {
	rec = normalized(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.Key()
	rows := s.books[k]
	if n := len(rows); n > 0 && rows[n-1].Version >= rec.Version {
		return &crawler.StoreError{Op: "versioned insert", Site: rec.Site, Num: rec.Num, Err: crawler.ErrVersionConflict}
	}
	s.books[k] = append(rows, rec)
	delete(s.errors, k)
	return nil
}

// Delete removes every row of (site, num) from table.
func (s *RecordStore) Delete(_ context.Context, table crawler.Table, site string, num int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(site, num)
	switch table {
	case crawler.TableBooks:
		delete(s.books, k)
	case crawler.TableError:
		delete(s.errors, k)
	default:
		return &crawler.StoreError{Op: "delete", Site: site, Num: num, Err: errUnknownTable(table)}
	}
	return nil
}

// LatestBook returns the highest version of (site, num).
func (s *RecordStore) LatestBook(_ context.Context, site string, num int) (crawler.BookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.books[key(site, num)]
	if len(rows) == 0 {
		return crawler.BookRecord{}, crawler.ErrNotFound
	}
	return rows[len(rows)-1], nil
}

// GetBook returns one specific version.
func (s *RecordStore) GetBook(_ context.Context, site string, num, version int) (crawler.BookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.books[key(site, num)] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return crawler.BookRecord{}, crawler.ErrNotFound
}

// ListBooks returns matching rows ordered by num then version.
func (s *RecordStore) ListBooks(_ context.Context, site string, filter crawler.BookFilter) ([]crawler.BookRecord, error) {
	site = crawler.NormalizeSite(site)
	s.mu.RLock()
	var out []crawler.BookRecord
	for k, rows := range s.books {
		if k.Site != site {
			continue
		}
		candidates := rows
		if filter.LatestOnly {
			candidates = rows[len(rows)-1:]
		}
		for _, rec := range candidates {
			if filter.Match(rec) {
				out = append(out, rec)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Num != out[j].Num {
			return out[i].Num < out[j].Num
		}
		return out[i].Version < out[j].Version
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// ListErrors returns every error row of site ordered by num.
func (s *RecordStore) ListErrors(_ context.Context, site string) ([]crawler.ErrorRecord, error) {
	site = crawler.NormalizeSite(site)
	s.mu.RLock()
	var out []crawler.ErrorRecord
	for k, rec := range s.errors {
		if k.Site == site {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out, nil
}

// MaxNum returns the largest num in table for site, or 0 when empty.
func (s *RecordStore) MaxNum(_ context.Context, site string, table crawler.Table) (int, error) {
	site = crawler.NormalizeSite(site)
	s.mu.RLock()
	defer s.mu.RUnlock()
	maxNum := 0
	switch table {
	case crawler.TableBooks:
		for k := range s.books {
			if k.Site == site && k.Num > maxNum {
				maxNum = k.Num
			}
		}
	case crawler.TableError:
		for k := range s.errors {
			if k.Site == site && k.Num > maxNum {
				maxNum = k.Num
			}
		}
	default:
		return 0, &crawler.StoreError{Op: "max num", Site: site, Err: errUnknownTable(table)}
	}
	return maxNum, nil
}

// Stats summarizes site; flag counts are taken over latest versions.
func (s *RecordStore) Stats(_ context.Context, site string) (crawler.SiteStats, error) {
	site = crawler.NormalizeSite(site)
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := crawler.SiteStats{Site: site}
	for k, rows := range s.books {
		if k.Site != site {
			continue
		}
		stats.BookCount++
		stats.BookRecordCount += len(rows)
		if k.Num > stats.MaxNum {
			stats.MaxNum = k.Num
		}
		latest := rows[len(rows)-1]
		if latest.EndFlag {
			stats.EndCount++
		}
		switch latest.DownloadFlag {
		case crawler.DownloadDone:
			stats.DownloadCount++
		case crawler.DownloadError:
			stats.DownloadErrCount++
		}
		if latest.ReadFlag {
			stats.ReadCount++
		}
	}
	for k := range s.errors {
		if k.Site == site {
			stats.ErrorCount++
		}
	}
	return stats, nil
}

// PurgeCrossTable deletes error rows whose key also has a book row.
func (s *RecordStore) PurgeCrossTable(_ context.Context, site string) (int64, error) {
	site = crawler.NormalizeSite(site)
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for k := range s.errors {
		if k.Site != site {
			continue
		}
		if len(s.books[k]) > 0 {
			delete(s.errors, k)
			purged++
		}
	}
	return purged, nil
}

// Close is a no-op.
func (s *RecordStore) Close() error {
	return nil
}

func sortVersions(rows []crawler.BookRecord) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Version < rows[j].Version })
}

func page[T any](rows []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

type errUnknownTable crawler.Table

func (e errUnknownTable) Error() string {
	return "unknown table " + string(e)
}
