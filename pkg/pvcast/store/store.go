// Package store is the local persistence sink: an embedded SQLite database
// holding normalized weather history, forecast issues and production ground
// truth. Records are never mutated after insert; corrections arrive as new
// forecast issues.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

// Store wraps the SQLite database with prepared statements for the hot paths.
type Store struct {
	db       *sql.DB
	path     string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// Reading is one hour of measured production for the asset.
type Reading struct {
	Timestamp   int64
	ProductionW int
	Curtailed   bool
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_sync=NORMAL&_cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS weather_history (
		timestamp       INTEGER NOT NULL,
		source          TEXT NOT NULL,
		ghi_wm2         REAL NOT NULL,
		dhi_wm2         REAL NOT NULL,
		dni_wm2         REAL NOT NULL,
		cloud_cover_pct REAL,
		temperature_c   REAL,
		wind_speed_ms   REAL,
		humidity_pct    REAL,
		estimated       INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (timestamp, source)
	);

	CREATE TABLE IF NOT EXISTS forecast_issues (
		source          TEXT NOT NULL,
		issued_at       INTEGER NOT NULL,
		target_time     INTEGER NOT NULL,
		ghi_wm2         REAL NOT NULL,
		dhi_wm2         REAL NOT NULL,
		dni_wm2         REAL NOT NULL,
		cloud_cover_pct REAL,
		temperature_c   REAL,
		wind_speed_ms   REAL,
		humidity_pct    REAL,
		estimated       INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source, issued_at, target_time)
	);

	CREATE TABLE IF NOT EXISTS pv_readings (
		timestamp    INTEGER PRIMARY KEY,
		production_w INTEGER NOT NULL,
		curtailed    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_weather_timestamp ON weather_history(timestamp);
	CREATE INDEX IF NOT EXISTS idx_issues_target ON forecast_issues(target_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	statements := map[string]string{
		"upsert_weather": `
			INSERT OR IGNORE INTO weather_history (
				timestamp, source, ghi_wm2, dhi_wm2, dni_wm2,
				cloud_cover_pct, temperature_c, wind_speed_ms, humidity_pct, estimated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"insert_issue": `
			INSERT OR IGNORE INTO forecast_issues (
				source, issued_at, target_time, ghi_wm2, dhi_wm2, dni_wm2,
				cloud_cover_pct, temperature_c, wind_speed_ms, humidity_pct, estimated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"existing_timestamps": `
			SELECT timestamp FROM weather_history
			WHERE source = ? AND timestamp >= ? AND timestamp < ?
		`,
		"select_weather_range": `
			SELECT timestamp, source, ghi_wm2, dhi_wm2, dni_wm2,
			       cloud_cover_pct, temperature_c, wind_speed_ms, humidity_pct, estimated
			FROM weather_history
			WHERE source = ? AND timestamp >= ? AND timestamp < ?
			ORDER BY timestamp ASC
		`,
		"upsert_reading": `
			INSERT OR REPLACE INTO pv_readings (timestamp, production_w, curtailed)
			VALUES (?, ?, ?)
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}
	return nil
}

// Upsert inserts a weather record for the given source. Returns true when the
// record was newly inserted, false when a record for the same
// (timestamp, source) already existed. Existing records are never overwritten.
func (s *Store) Upsert(source string, rec weather.Record) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res, err := s.prepared["upsert_weather"].Exec(
		rec.Timestamp, source, rec.GHI, rec.DHI, rec.DNI,
		nullable(rec.CloudCover), nullable(rec.Temperature),
		nullable(rec.WindSpeed), nullable(rec.Humidity), int(rec.Estimated),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert weather record at %d: %v", rec.Timestamp, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertIssue persists a forecast issue keyed (source, issued_at, target_time).
// Returns true when newly inserted.
func (s *Store) InsertIssue(issue weather.Issue) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec := issue.Record
	res, err := s.prepared["insert_issue"].Exec(
		issue.Source, issue.IssuedAt.Unix(), issue.TargetTime.Unix(),
		rec.GHI, rec.DHI, rec.DNI,
		nullable(rec.CloudCover), nullable(rec.Temperature),
		nullable(rec.WindSpeed), nullable(rec.Humidity), int(rec.Estimated),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert forecast issue: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExistingTimestamps returns the set of persisted timestamps for a source in
// [start, end).
func (s *Store) ExistingTimestamps(source string, start, end time.Time) (map[int64]struct{}, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["existing_timestamps"].Query(source, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query existing timestamps: %v", err)
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		existing[ts] = struct{}{}
	}
	return existing, rows.Err()
}

// WeatherRange returns the stored records for a source in [start, end),
// ordered by timestamp.
func (s *Store) WeatherRange(source string, start, end time.Time) ([]weather.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_weather_range"].Query(source, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query weather range: %v", err)
	}
	defer rows.Close()

	var records []weather.Record
	for rows.Next() {
		var rec weather.Record
		var src string
		var cloud, temp, wind, hum sql.NullFloat64
		var estimated int
		if err := rows.Scan(&rec.Timestamp, &src, &rec.GHI, &rec.DHI, &rec.DNI,
			&cloud, &temp, &wind, &hum, &estimated); err != nil {
			return nil, err
		}
		rec.CloudCover = fromNull(cloud)
		rec.Temperature = fromNull(temp)
		rec.WindSpeed = fromNull(wind)
		rec.Humidity = fromNull(hum)
		rec.Estimated = weather.Provenance(estimated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// IssuesInRange returns stored forecast issues targeting [start, end).
func (s *Store) IssuesInRange(start, end time.Time) ([]weather.Issue, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(`
		SELECT source, issued_at, target_time, ghi_wm2, dhi_wm2, dni_wm2,
		       cloud_cover_pct, temperature_c, wind_speed_ms, humidity_pct, estimated
		FROM forecast_issues
		WHERE target_time >= ? AND target_time < ?
		ORDER BY source, issued_at, target_time`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast issues: %v", err)
	}
	defer rows.Close()

	var issues []weather.Issue
	for rows.Next() {
		var issue weather.Issue
		var issuedAt, targetTime int64
		var cloud, temp, wind, hum sql.NullFloat64
		var estimated int
		if err := rows.Scan(&issue.Source, &issuedAt, &targetTime,
			&issue.Record.GHI, &issue.Record.DHI, &issue.Record.DNI,
			&cloud, &temp, &wind, &hum, &estimated); err != nil {
			return nil, err
		}
		issue.IssuedAt = time.Unix(issuedAt, 0).UTC()
		issue.TargetTime = time.Unix(targetTime, 0).UTC()
		issue.Record.Timestamp = targetTime
		issue.Record.CloudCover = fromNull(cloud)
		issue.Record.Temperature = fromNull(temp)
		issue.Record.WindSpeed = fromNull(wind)
		issue.Record.Humidity = fromNull(hum)
		issue.Record.Estimated = weather.Provenance(estimated)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// GroundTruthGHI returns the stored ground-truth GHI per timestamp for the
// given source in [start, end).
func (s *Store) GroundTruthGHI(source string, start, end time.Time) (map[int64]float64, error) {
	records, err := s.WeatherRange(source, start, end)
	if err != nil {
		return nil, err
	}
	truth := make(map[int64]float64, len(records))
	for _, rec := range records {
		truth[rec.Timestamp] = rec.GHI
	}
	return truth, nil
}

// UpsertReading stores one hour of measured production.
func (s *Store) UpsertReading(r Reading) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	curtailed := 0
	if r.Curtailed {
		curtailed = 1
	}
	_, err := s.prepared["upsert_reading"].Exec(r.Timestamp, r.ProductionW, curtailed)
	if err != nil {
		return fmt.Errorf("failed to upsert reading at %d: %v", r.Timestamp, err)
	}
	return nil
}

// ReadingCount returns the number of stored production readings.
func (s *Store) ReadingCount() (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pv_readings").Scan(&n)
	return n, err
}

// Close releases prepared statements and the underlying database.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for name, stmt := range s.prepared {
		if err := stmt.Close(); err != nil {
			klog.V(2).InfoS("Failed to close prepared statement", "name", name, "error", err)
		}
	}
	return s.db.Close()
}

func nullable(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
