package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// SnapshotFreshness is how long a current-weather snapshot is served from the cache.
const SnapshotFreshness = 12 * time.Hour

// Adapter is the weather cache contract. Entries are keyed by (coordinate, day key);
// a nil day key addresses the current-weather snapshot for the coordinate.
type Adapter interface {
	// GetEntry returns the record for day, or the freshest snapshot younger than the
	// freshness window when day is nil. ok is false on a miss.
	GetEntry(ctx context.Context, coord models.Coordinate, day *models.DayKey) (rec models.DayRecord, ok bool, err error)
	// GetEntriesInRange returns every stored day record with start <= key <= end.
	GetEntriesInRange(ctx context.Context, coord models.Coordinate, start, end models.DayKey) (map[models.DayKey]models.DayRecord, error)
	// PutEntry upserts entry by (coordinate, day key).
	PutEntry(ctx context.Context, entry models.CacheEntry) error
}

// QueryLogger records resolved user queries.
type QueryLogger interface {
	LogQuery(ctx context.Context, entry models.QueryLogEntry) error
	RecentQueries(ctx context.Context, limit int) ([]models.QueryLogEntry, error)
}

type dayEntryKey struct {
	coord models.Coordinate
	day   models.DayKey
}

type storedEntry struct {
	record    models.DayRecord
	label     string
	fetchedAt time.Time
}

// InMemoryStore implements Adapter and QueryLogger with mutex-guarded maps.
// Contents are lost on restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	days      map[dayEntryKey]storedEntry
	snapshots map[models.Coordinate]storedEntry
	queries   []models.QueryLogEntry
	freshness time.Duration
	now       func() time.Time
}

// NewInMemoryStore creates an empty store. freshness <= 0 uses SnapshotFreshness.
func NewInMemoryStore(freshness time.Duration) *InMemoryStore {
	if freshness <= 0 {
		freshness = SnapshotFreshness
	}
	return &InMemoryStore{
		days:      make(map[dayEntryKey]storedEntry),
		snapshots: make(map[models.Coordinate]storedEntry),
		freshness: freshness,
		now:       time.Now,
	}
}

// GetEntry implements Adapter. Stale snapshots are removed on access.
func (s *InMemoryStore) GetEntry(ctx context.Context, coord models.Coordinate, day *models.DayKey) (models.DayRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.DayRecord{}, false, err
	}
	if day != nil {
		s.mu.RLock()
		e, ok := s.days[dayEntryKey{coord: coord, day: *day}]
		s.mu.RUnlock()
		return e.record, ok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.snapshots[coord]
	if !ok {
		return models.DayRecord{}, false, nil
	}
	if !e.fetchedAt.After(s.now().Add(-s.freshness)) {
		delete(s.snapshots, coord)
		return models.DayRecord{}, false, nil
	}
	return e.record, true, nil
}

// GetEntriesInRange implements Adapter.
func (s *InMemoryStore) GetEntriesInRange(ctx context.Context, coord models.Coordinate, start, end models.DayKey) (map[models.DayKey]models.DayRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[models.DayKey]models.DayRecord)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.days {
		if k.coord == coord && k.day >= start && k.day <= end {
			out[k.day] = e.record
		}
	}
	return out, nil
}

// PutEntry implements Adapter. A zero FetchedAt is stamped with the current time.
func (s *InMemoryStore) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fetchedAt := entry.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}
	e := storedEntry{record: entry.Record, label: entry.Label, fetchedAt: fetchedAt}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.DayKey == nil {
		s.snapshots[entry.Coord] = e
		return nil
	}
	s.days[dayEntryKey{coord: entry.Coord, day: *entry.DayKey}] = e
	return nil
}

// LogQuery implements QueryLogger.
func (s *InMemoryStore) LogQuery(ctx context.Context, entry models.QueryLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, entry)
	return nil
}

// RecentQueries implements QueryLogger, newest first. limit <= 0 returns all.
func (s *InMemoryStore) RecentQueries(ctx context.Context, limit int) ([]models.QueryLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.QueryLogEntry, len(s.queries))
	copy(out, s.queries)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QueryTime.After(out[j].QueryTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
