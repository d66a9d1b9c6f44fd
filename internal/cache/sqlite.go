package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// SQLiteStore implements Adapter and QueryLogger on a local SQLite file. Rows in
// weather_cache with a NULL data_ts are current-weather snapshots.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	freshness time.Duration
	now       func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures the schema.
// freshness <= 0 uses SnapshotFreshness.
func NewSQLiteStore(ctx context.Context, path string, freshness time.Duration) (*SQLiteStore, error) {
	if freshness <= 0 {
		freshness = SnapshotFreshness
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, freshness: freshness, now: time.Now}
	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping checks the database connection. Used for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database. Call during shutdown.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS weather_cache (
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		data_ts INTEGER,
		fetch_ts INTEGER NOT NULL,
		loc TEXT,
		data TEXT,
		PRIMARY KEY (lat, lon, data_ts)
	);
	CREATE INDEX IF NOT EXISTS idx_weather_cache_fetch ON weather_cache(lat, lon, fetch_ts);
	CREATE TABLE IF NOT EXISTS user_queries (
		session_id TEXT NOT NULL,
		query_ts INTEGER NOT NULL,
		location_string TEXT NOT NULL,
		start_date INTEGER,
		end_date INTEGER,
		PRIMARY KEY (session_id, query_ts)
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// GetEntry implements Adapter.
func (s *SQLiteStore) GetEntry(ctx context.Context, coord models.Coordinate, day *models.DayKey) (models.DayRecord, bool, error) {
	var row *sql.Row
	if day == nil {
		cutoff := s.now().Add(-s.freshness).Unix()
		row = s.db.QueryRowContext(ctx, `
			SELECT data FROM weather_cache
			WHERE lat = ? AND lon = ? AND data_ts IS NULL AND fetch_ts > ?
			ORDER BY fetch_ts DESC
			LIMIT 1`, coord.Lat, coord.Lon, cutoff)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT data FROM weather_cache
			WHERE lat = ? AND lon = ? AND data_ts = ?
			LIMIT 1`, coord.Lat, coord.Lon, int64(*day))
	}

	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DayRecord{}, false, nil
		}
		return models.DayRecord{}, false, fmt.Errorf("query weather_cache: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return models.DayRecord{}, false, nil
	}
	var rec models.DayRecord
	if err := json.Unmarshal([]byte(raw.String), &rec); err != nil {
		return models.DayRecord{}, false, fmt.Errorf("decode cached record: %w", err)
	}
	return rec, true, nil
}

// GetEntriesInRange implements Adapter. Rows that fail to decode are skipped.
func (s *SQLiteStore) GetEntriesInRange(ctx context.Context, coord models.Coordinate, start, end models.DayKey) (map[models.DayKey]models.DayRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data_ts, data FROM weather_cache
		WHERE lat = ? AND lon = ? AND data_ts BETWEEN ? AND ?`,
		coord.Lat, coord.Lon, int64(start), int64(end))
	if err != nil {
		return nil, fmt.Errorf("query weather_cache range: %w", err)
	}
	defer rows.Close()

	out := make(map[models.DayKey]models.DayRecord)
	for rows.Next() {
		var ts int64
		var raw sql.NullString
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, fmt.Errorf("scan weather_cache row: %w", err)
		}
		if !raw.Valid || raw.String == "" {
			continue
		}
		var rec models.DayRecord
		if err := json.Unmarshal([]byte(raw.String), &rec); err != nil {
			continue
		}
		out[models.DayKey(ts)] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate weather_cache rows: %w", err)
	}
	return out, nil
}

// PutEntry implements Adapter. Snapshots replace any earlier snapshot for the coordinate
// in the same transaction, since NULL keys never collide in the primary key.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	raw, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	fetchedAt := entry.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}

	if entry.DayKey != nil {
		_, err := s.db.ExecContext(ctx, `
			REPLACE INTO weather_cache (lat, lon, loc, data_ts, fetch_ts, data)
			VALUES (?, ?, ?, ?, ?, ?)`,
			entry.Coord.Lat, entry.Coord.Lon, entry.Label, int64(*entry.DayKey), fetchedAt.Unix(), string(raw))
		if err != nil {
			return fmt.Errorf("upsert weather_cache: %w", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM weather_cache WHERE lat = ? AND lon = ? AND data_ts IS NULL`,
		entry.Coord.Lat, entry.Coord.Lon); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO weather_cache (lat, lon, loc, data_ts, fetch_ts, data)
		VALUES (?, ?, ?, NULL, ?, ?)`,
		entry.Coord.Lat, entry.Coord.Lon, entry.Label, fetchedAt.Unix(), string(raw)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return tx.Commit()
}

// LogQuery implements QueryLogger.
func (s *SQLiteStore) LogQuery(ctx context.Context, entry models.QueryLogEntry) error {
	queryTime := entry.QueryTime
	if queryTime.IsZero() {
		queryTime = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO user_queries (session_id, query_ts, location_string, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID, queryTime.Unix(), entry.Location, nullableDay(entry.StartDate), nullableDay(entry.EndDate))
	if err != nil {
		return fmt.Errorf("insert user_queries: %w", err)
	}
	return nil
}

// RecentQueries implements QueryLogger, newest first. limit <= 0 returns all.
func (s *SQLiteStore) RecentQueries(ctx context.Context, limit int) ([]models.QueryLogEntry, error) {
	query := `SELECT session_id, query_ts, location_string, start_date, end_date
		FROM user_queries ORDER BY query_ts DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query user_queries: %w", err)
	}
	defer rows.Close()

	var out []models.QueryLogEntry
	for rows.Next() {
		var e models.QueryLogEntry
		var ts int64
		var start, end sql.NullInt64
		if err := rows.Scan(&e.SessionID, &ts, &e.Location, &start, &end); err != nil {
			return nil, fmt.Errorf("scan user_queries row: %w", err)
		}
		e.QueryTime = time.Unix(ts, 0).UTC()
		if start.Valid {
			k := models.DayKey(start.Int64)
			e.StartDate = &k
		}
		if end.Valid {
			k := models.DayKey(end.Int64)
			e.EndDate = &k
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableDay(k *models.DayKey) sql.NullInt64 {
	if k == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*k), Valid: true}
}
