package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

const (
	keyPrefix = "weatherhist:"
	// getMultiBatch bounds the number of keys per GetMulti round trip.
	getMultiBatch = 100
)

// memcachedEntry is the stored value; the label and fetch time travel with the record.
type memcachedEntry struct {
	Label     string           `json:"label,omitempty"`
	FetchedAt int64            `json:"fetchedAt"`
	Record    models.DayRecord `json:"record"`
}

// MemcachedStore implements Adapter on memcached. Day records never expire; snapshots
// expire when their freshness window closes. Eviction is possible, so a miss is never
// treated as authoritative.
type MemcachedStore struct {
	client    *memcache.Client
	freshness time.Duration
	now       func() time.Time
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, freshness time.Duration) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if freshness <= 0 {
		freshness = SnapshotFreshness
	}
	return &MemcachedStore{client: client, freshness: freshness, now: time.Now}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func coordKey(c models.Coordinate) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

func dayItemKey(c models.Coordinate, day models.DayKey) string {
	return keyPrefix + "day:" + coordKey(c) + ":" + strconv.FormatInt(int64(day), 10)
}

func snapshotItemKey(c models.Coordinate) string {
	return keyPrefix + "current:" + coordKey(c)
}

// GetEntry implements Adapter.
func (s *MemcachedStore) GetEntry(ctx context.Context, coord models.Coordinate, day *models.DayKey) (models.DayRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.DayRecord{}, false, err
	}
	key := snapshotItemKey(coord)
	if day != nil {
		key = dayItemKey(coord, *day)
	}
	item, err := s.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.DayRecord{}, false, nil
		}
		return models.DayRecord{}, false, err
	}
	var e memcachedEntry
	if err := json.Unmarshal(item.Value, &e); err != nil {
		return models.DayRecord{}, false, fmt.Errorf("decode cached record: %w", err)
	}
	if day == nil && !time.Unix(e.FetchedAt, 0).After(s.now().Add(-s.freshness)) {
		return models.DayRecord{}, false, nil
	}
	return e.Record, true, nil
}

// GetEntriesInRange implements Adapter using batched GetMulti over every day key in range.
func (s *MemcachedStore) GetEntriesInRange(ctx context.Context, coord models.Coordinate, start, end models.DayKey) (map[models.DayKey]models.DayRecord, error) {
	out := make(map[models.DayKey]models.DayRecord)
	if start > end {
		return out, nil
	}

	keys := make([]string, 0, getMultiBatch)
	byKey := make(map[string]models.DayKey, getMultiBatch)
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := s.client.GetMulti(keys)
		if err != nil {
			return err
		}
		for k, item := range items {
			var e memcachedEntry
			if err := json.Unmarshal(item.Value, &e); err != nil {
				continue
			}
			out[byKey[k]] = e.Record
		}
		keys = keys[:0]
		for k := range byKey {
			delete(byKey, k)
		}
		return nil
	}

	for day := start; day <= end; day = day.Next() {
		k := dayItemKey(coord, day)
		keys = append(keys, k)
		byKey[k] = day
		if len(keys) == getMultiBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// PutEntry implements Adapter.
func (s *MemcachedStore) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fetchedAt := entry.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}
	raw, err := json.Marshal(memcachedEntry{
		Label:     entry.Label,
		FetchedAt: fetchedAt.Unix(),
		Record:    entry.Record,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	item := &memcache.Item{Value: raw}
	if entry.DayKey == nil {
		item.Key = snapshotItemKey(entry.Coord)
		exp, ok := itemExpiration(fetchedAt.Add(s.freshness), s.now())
		if !ok {
			return nil
		}
		item.Expiration = exp
	} else {
		item.Key = dayItemKey(entry.Coord, *entry.DayKey)
	}
	return s.client.Set(item)
}

// maxRelativeExpiration is the longest TTL memcached reads as relative seconds. Larger
// values are taken as an absolute Unix time.
const maxRelativeExpiration = 30 * 24 * time.Hour

// itemExpiration returns the memcache Expiration for an item that expires at expiresAt:
// relative seconds up to 30 days, an absolute Unix time beyond that. ok is false when the
// item has already expired.
func itemExpiration(expiresAt, now time.Time) (exp int32, ok bool) {
	remaining := expiresAt.Sub(now)
	if remaining < time.Second {
		return 0, false
	}
	if remaining > maxRelativeExpiration {
		return int32(expiresAt.Unix()), true
	}
	return int32(remaining / time.Second), true
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
