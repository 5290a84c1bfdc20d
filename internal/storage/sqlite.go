package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lightwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:lightwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			dedup_key TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			station_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			unit TEXT,
			quality INTEGER NOT NULL DEFAULT 100
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_station_metric_ts ON telemetry(station_id, metric, ts)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL,
			device_type TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT,
			metric TEXT,
			created_at TEXT NOT NULL,
			acknowledged_at TEXT,
			acknowledged_by TEXT,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_station_state ON alerts(station_id, state)`,
		`CREATE TABLE IF NOT EXISTS metric_states (
			station_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			last_ts TEXT NOT NULL,
			last_value REAL NOT NULL,
			band TEXT NOT NULL,
			candidate_band TEXT NOT NULL,
			candidate_count INTEGER NOT NULL,
			candidate_since TEXT,
			PRIMARY KEY (station_id, metric)
		)`,
		`CREATE TABLE IF NOT EXISTS rollups (
			station_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			bucket TEXT NOT NULL,
			interval TEXT NOT NULL,
			avg_value REAL NOT NULL,
			min_value REAL NOT NULL,
			max_value REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			PRIMARY KEY (station_id, metric, bucket, interval)
		)`,
		`CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			name TEXT,
			latitude REAL NOT NULL DEFAULT 0,
			longitude REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteTimeLayout = "2006-01-02 15:04:05.999999999"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseSQLiteTime(v string) time.Time {
	if t, err := time.Parse(sqliteTimeLayout, v); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func (s *sqliteStore) UpsertSample(ctx context.Context, sm model.RawSample) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO telemetry (dedup_key, ts, station_id, device_id, metric, value, unit, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.DedupKey, sqliteTime(sm.Timestamp), sm.StationID, sm.DeviceID, sm.Metric, sm.Value, sm.Unit, sm.Quality)
	if err != nil {
		return false, transient("upsert sample", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) TouchDevice(ctx context.Context, deviceID, stationID string, deviceType model.DeviceType, seen time.Time) error {
	if s.db == nil || deviceID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, station_id, device_type, last_seen_at, status)
		VALUES (?, ?, ?, ?, 'online')
		ON CONFLICT (id) DO UPDATE SET last_seen_at = MAX(last_seen_at, excluded.last_seen_at), status = 'online'`,
		deviceID, stationID, string(deviceType), sqliteTime(seen))
	return transient("touch device", err)
}

func (s *sqliteStore) ListStaleDevices(ctx context.Context, olderThan time.Time) ([]model.Device, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, station_id, device_type, last_seen_at, status FROM devices
		WHERE status = 'online' AND last_seen_at < ?`, sqliteTime(olderThan))
	if err != nil {
		return nil, transient("list stale devices", err)
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		var d model.Device
		var seen string
		if err := rows.Scan(&d.ID, &d.StationID, &d.Type, &seen, &d.Status); err != nil {
			return nil, err
		}
		d.LastSeenAt = parseSQLiteTime(seen)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET status = 'offline' WHERE id = ?`, deviceID)
	return transient("mark device offline", err)
}

func (s *sqliteStore) SaveAlert(ctx context.Context, a model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, station_id, alert_type, severity, state, title, message, metric, created_at, acknowledged_at, acknowledged_by, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StationID, string(a.Type), string(a.Severity), string(a.State),
		a.Title, a.Message, a.Metric, sqliteTime(a.CreatedAt),
		sqliteNullTime(a.AcknowledgedAt), a.AcknowledgedBy, sqliteNullTime(a.ResolvedAt))
	return transient("save alert", err)
}

func (s *sqliteStore) UpdateAlert(ctx context.Context, a model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET severity = ?, state = ?, message = ?,
		acknowledged_at = ?, acknowledged_by = ?, resolved_at = ? WHERE id = ?`,
		string(a.Severity), string(a.State), a.Message,
		sqliteNullTime(a.AcknowledgedAt), a.AcknowledgedBy, sqliteNullTime(a.ResolvedAt), a.ID)
	return transient("update alert", err)
}

func (s *sqliteStore) OpenAlerts(ctx context.Context) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, station_id, alert_type, severity, state, title, COALESCE(message, ''), COALESCE(metric, ''),
		created_at, acknowledged_at, acknowledged_by, resolved_at
		FROM alerts WHERE state IN ('open', 'acknowledged')`)
	if err != nil {
		return nil, transient("open alerts", err)
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var created string
		var ack, res, ackBy sql.NullString
		if err := rows.Scan(&a.ID, &a.StationID, &a.Type, &a.Severity, &a.State,
			&a.Title, &a.Message, &a.Metric, &created, &ack, &ackBy, &res); err != nil {
			return nil, err
		}
		a.CreatedAt = parseSQLiteTime(created)
		if ack.Valid {
			t := parseSQLiteTime(ack.String)
			a.AcknowledgedAt = &t
		}
		if ackBy.Valid {
			a.AcknowledgedBy = ackBy.String
		}
		if res.Valid {
			t := parseSQLiteTime(res.String)
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveMetricState(ctx context.Context, st model.MetricState) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_states (station_id, metric, last_ts, last_value, band, candidate_band, candidate_count, candidate_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_id, metric) DO UPDATE SET
			last_ts = excluded.last_ts,
			last_value = excluded.last_value,
			band = excluded.band,
			candidate_band = excluded.candidate_band,
			candidate_count = excluded.candidate_count,
			candidate_since = excluded.candidate_since`,
		st.StationID, st.Metric, sqliteTime(st.LastTimestamp), st.LastValue,
		string(st.Band), string(st.CandidateBand), st.CandidateCount, sqliteTime(st.CandidateSince))
	return transient("save metric state", err)
}

func (s *sqliteStore) MetricStates(ctx context.Context) ([]model.MetricState, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT station_id, metric, last_ts, last_value, band, candidate_band, candidate_count, candidate_since FROM metric_states`)
	if err != nil {
		return nil, transient("metric states", err)
	}
	defer rows.Close()
	var out []model.MetricState
	for rows.Next() {
		var st model.MetricState
		var lastTS string
		var since sql.NullString
		if err := rows.Scan(&st.StationID, &st.Metric, &lastTS, &st.LastValue,
			&st.Band, &st.CandidateBand, &st.CandidateCount, &since); err != nil {
			return nil, err
		}
		st.LastTimestamp = parseSQLiteTime(lastTS)
		if since.Valid {
			st.CandidateSince = parseSQLiteTime(since.String)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AggregateSince(ctx context.Context, since time.Time, interval string) ([]model.RollupBucket, error) {
	if s.db == nil {
		return nil, nil
	}
	bucketExpr := `strftime('%Y-%m-%d %H:00:00', ts)`
	if interval == "daily" {
		bucketExpr = `strftime('%Y-%m-%d 00:00:00', ts)`
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT station_id, metric, `+bucketExpr+` AS bucket,
		AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM telemetry WHERE ts >= ?
		GROUP BY station_id, metric, bucket`, sqliteTime(since))
	if err != nil {
		return nil, transient("aggregate", err)
	}
	defer rows.Close()
	var out []model.RollupBucket
	for rows.Next() {
		b := model.RollupBucket{Interval: interval}
		var bucket string
		if err := rows.Scan(&b.StationID, &b.Metric, &bucket, &b.Avg, &b.Min, &b.Max, &b.Count); err != nil {
			return nil, err
		}
		b.Bucket = parseSQLiteTime(bucket)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertRollup(ctx context.Context, b model.RollupBucket) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollups (station_id, metric, bucket, interval, avg_value, min_value, max_value, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_id, metric, bucket, interval) DO UPDATE SET
			avg_value = excluded.avg_value,
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			sample_count = excluded.sample_count`,
		b.StationID, b.Metric, sqliteTime(b.Bucket), b.Interval, b.Avg, b.Min, b.Max, b.Count)
	return transient("upsert rollup", err)
}

func (s *sqliteStore) Stations(ctx context.Context) ([]model.Station, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, COALESCE(name, ''), latitude, longitude, status FROM stations`)
	if err != nil {
		return nil, transient("stations", err)
	}
	defer rows.Close()
	var out []model.Station
	for rows.Next() {
		var st model.Station
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Latitude, &st.Longitude, &st.Status); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
