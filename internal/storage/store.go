package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/model"
)

// TransientError marks a store failure worth retrying with backoff.
// Everything the drivers return from a write path is wrapped in it; the
// processor unwraps nothing and just retries until its attempt budget
// runs out.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	// UpsertSample persists one telemetry sample keyed by its dedup key.
	// Inserting an already-present key is a no-op returning inserted=false.
	UpsertSample(ctx context.Context, s model.RawSample) (inserted bool, err error)
	TouchDevice(ctx context.Context, deviceID, stationID string, deviceType model.DeviceType, seen time.Time) error
	ListStaleDevices(ctx context.Context, olderThan time.Time) ([]model.Device, error)
	MarkDeviceOffline(ctx context.Context, deviceID string) error

	SaveAlert(ctx context.Context, a model.Alert) error
	UpdateAlert(ctx context.Context, a model.Alert) error
	OpenAlerts(ctx context.Context) ([]model.Alert, error)

	SaveMetricState(ctx context.Context, st model.MetricState) error
	MetricStates(ctx context.Context) ([]model.MetricState, error)

	AggregateSince(ctx context.Context, since time.Time, interval string) ([]model.RollupBucket, error)
	UpsertRollup(ctx context.Context, b model.RollupBucket) error

	Stations(ctx context.Context) ([]model.Station, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanAlert(rows *sql.Rows) (model.Alert, error) {
	var a model.Alert
	var ack, res sql.NullTime
	var ackBy sql.NullString
	err := rows.Scan(&a.ID, &a.StationID, &a.Type, &a.Severity, &a.State,
		&a.Title, &a.Message, &a.Metric, &a.CreatedAt, &ack, &ackBy, &res)
	if err != nil {
		return model.Alert{}, err
	}
	if ack.Valid {
		t := ack.Time.UTC()
		a.AcknowledgedAt = &t
	}
	if ackBy.Valid {
		a.AcknowledgedBy = ackBy.String
	}
	if res.Valid {
		t := res.Time.UTC()
		a.ResolvedAt = &t
	}
	return a, nil
}
