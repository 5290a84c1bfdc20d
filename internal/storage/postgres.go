package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"lightwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/lightwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			dedup_key TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			station_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT,
			quality INTEGER NOT NULL DEFAULT 100
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_station_metric_ts ON telemetry(station_id, metric, ts)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL,
			device_type TEXT NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
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
			created_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_station_state ON alerts(station_id, state)`,
		`CREATE TABLE IF NOT EXISTS metric_states (
			station_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			last_ts TIMESTAMPTZ NOT NULL,
			last_value DOUBLE PRECISION NOT NULL,
			band TEXT NOT NULL,
			candidate_band TEXT NOT NULL,
			candidate_count INTEGER NOT NULL,
			candidate_since TIMESTAMPTZ,
			PRIMARY KEY (station_id, metric)
		)`,
		`CREATE TABLE IF NOT EXISTS rollups (
			station_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			bucket TIMESTAMPTZ NOT NULL,
			interval TEXT NOT NULL,
			avg_value DOUBLE PRECISION NOT NULL,
			min_value DOUBLE PRECISION NOT NULL,
			max_value DOUBLE PRECISION NOT NULL,
			sample_count INTEGER NOT NULL,
			PRIMARY KEY (station_id, metric, bucket, interval)
		)`,
		`CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			name TEXT,
			latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
			longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
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

func (s *postgresStore) UpsertSample(ctx context.Context, sm model.RawSample) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (dedup_key, ts, station_id, device_id, metric, value, unit, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedup_key) DO NOTHING`,
		sm.DedupKey, sm.Timestamp.UTC(), sm.StationID, sm.DeviceID, sm.Metric, sm.Value, sm.Unit, sm.Quality)
	if err != nil {
		return false, transient("upsert sample", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *postgresStore) TouchDevice(ctx context.Context, deviceID, stationID string, deviceType model.DeviceType, seen time.Time) error {
	if s.db == nil || deviceID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, station_id, device_type, last_seen_at, status)
		VALUES ($1, $2, $3, $4, 'online')
		ON CONFLICT (id) DO UPDATE SET last_seen_at = GREATEST(devices.last_seen_at, EXCLUDED.last_seen_at), status = 'online'`,
		deviceID, stationID, string(deviceType), seen.UTC())
	return transient("touch device", err)
}

func (s *postgresStore) ListStaleDevices(ctx context.Context, olderThan time.Time) ([]model.Device, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, station_id, device_type, last_seen_at, status FROM devices
		WHERE status = 'online' AND last_seen_at < $1`, olderThan.UTC())
	if err != nil {
		return nil, transient("list stale devices", err)
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.StationID, &d.Type, &d.LastSeenAt, &d.Status); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET status = 'offline' WHERE id = $1`, deviceID)
	return transient("mark device offline", err)
}

func (s *postgresStore) SaveAlert(ctx context.Context, a model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, station_id, alert_type, severity, state, title, message, metric, created_at, acknowledged_at, acknowledged_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.StationID, string(a.Type), string(a.Severity), string(a.State),
		a.Title, a.Message, a.Metric, a.CreatedAt.UTC(),
		nullTime(a.AcknowledgedAt), a.AcknowledgedBy, nullTime(a.ResolvedAt))
	return transient("save alert", err)
}

func (s *postgresStore) UpdateAlert(ctx context.Context, a model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET severity = $2, state = $3, message = $4,
		acknowledged_at = $5, acknowledged_by = $6, resolved_at = $7 WHERE id = $1`,
		a.ID, string(a.Severity), string(a.State), a.Message,
		nullTime(a.AcknowledgedAt), a.AcknowledgedBy, nullTime(a.ResolvedAt))
	return transient("update alert", err)
}

func (s *postgresStore) OpenAlerts(ctx context.Context) ([]model.Alert, error) {
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
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveMetricState(ctx context.Context, st model.MetricState) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_states (station_id, metric, last_ts, last_value, band, candidate_band, candidate_count, candidate_since)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_id, metric) DO UPDATE SET
			last_ts = EXCLUDED.last_ts,
			last_value = EXCLUDED.last_value,
			band = EXCLUDED.band,
			candidate_band = EXCLUDED.candidate_band,
			candidate_count = EXCLUDED.candidate_count,
			candidate_since = EXCLUDED.candidate_since`,
		st.StationID, st.Metric, st.LastTimestamp.UTC(), st.LastValue,
		string(st.Band), string(st.CandidateBand), st.CandidateCount, st.CandidateSince.UTC())
	return transient("save metric state", err)
}

func (s *postgresStore) MetricStates(ctx context.Context) ([]model.MetricState, error) {
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
		var since sql.NullTime
		if err := rows.Scan(&st.StationID, &st.Metric, &st.LastTimestamp, &st.LastValue,
			&st.Band, &st.CandidateBand, &st.CandidateCount, &since); err != nil {
			return nil, err
		}
		if since.Valid {
			st.CandidateSince = since.Time.UTC()
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *postgresStore) AggregateSince(ctx context.Context, since time.Time, interval string) ([]model.RollupBucket, error) {
	if s.db == nil {
		return nil, nil
	}
	trunc := "hour"
	if interval == "daily" {
		trunc = "day"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT station_id, metric, date_trunc($1, ts) AS bucket,
		AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM telemetry WHERE ts >= $2
		GROUP BY station_id, metric, bucket`,
		trunc, since.UTC())
	if err != nil {
		return nil, transient("aggregate", err)
	}
	defer rows.Close()
	var out []model.RollupBucket
	for rows.Next() {
		b := model.RollupBucket{Interval: interval}
		if err := rows.Scan(&b.StationID, &b.Metric, &b.Bucket, &b.Avg, &b.Min, &b.Max, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertRollup(ctx context.Context, b model.RollupBucket) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollups (station_id, metric, bucket, interval, avg_value, min_value, max_value, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_id, metric, bucket, interval) DO UPDATE SET
			avg_value = EXCLUDED.avg_value,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			sample_count = EXCLUDED.sample_count`,
		b.StationID, b.Metric, b.Bucket.UTC(), b.Interval, b.Avg, b.Min, b.Max, b.Count)
	return transient("upsert rollup", err)
}

func (s *postgresStore) Stations(ctx context.Context) ([]model.Station, error) {
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
