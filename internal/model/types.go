package model

import "time"

type StationStatus string

const (
	StationActive         StationStatus = "active"
	StationInactive       StationStatus = "inactive"
	StationMaintenance    StationStatus = "maintenance"
	StationDecommissioned StationStatus = "decommissioned"
)

type Station struct {
	ID        string        `json:"id"`
	Code      string        `json:"code"`
	Name      string        `json:"name,omitempty"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Status    StationStatus `json:"status"`
}

type DeviceType string

const (
	DeviceGateway        DeviceType = "gateway"
	DeviceSensorPower    DeviceType = "sensor_power"
	DeviceSensorSecurity DeviceType = "sensor_security"
	DeviceCamera         DeviceType = "camera"
	DeviceSensorFire     DeviceType = "sensor_fire"
)

type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

type Device struct {
	ID         string       `json:"id"`
	StationID  string       `json:"station_id"`
	Type       DeviceType   `json:"device_type"`
	LastSeenAt time.Time    `json:"last_seen_at"`
	Status     DeviceStatus `json:"status"`
}

// RawSample is one normalized per-metric observation extracted from an
// inbound telemetry message. DedupKey is derived at intake from
// (station, device, metric, timestamp, value) and stays stable across
// broker redeliveries.
type RawSample struct {
	StationID string    `json:"station_id"`
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   int       `json:"quality"`
	DedupKey  string    `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityNormal   Severity = "normal"
)

// Rank orders severities for comparisons; higher is worse, normal is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

type AlertType string

const (
	AlertFire          AlertType = "fire"
	AlertIntrusion     AlertType = "intrusion"
	AlertPowerFailure  AlertType = "power_failure"
	AlertDeviceOffline AlertType = "device_offline"
	AlertAnomaly       AlertType = "anomaly"
)

type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

type Alert struct {
	ID             string     `json:"id"`
	StationID      string     `json:"station_id"`
	Type           AlertType  `json:"alert_type"`
	Severity       Severity   `json:"severity"`
	State          AlertState `json:"state"`
	Title          string     `json:"title"`
	Message        string     `json:"message,omitempty"`
	Metric         string     `json:"metric,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// SeverityTransition is emitted by the threshold engine when a metric's
// accepted band changes, and consumed by the alert lifecycle manager.
type SeverityTransition struct {
	StationID string    `json:"station_id"`
	Metric    string    `json:"metric"`
	AlertType AlertType `json:"alert_type"`
	Title     string    `json:"title"`
	From      Severity  `json:"from"`
	To        Severity  `json:"to"`
	Sample    RawSample `json:"sample"`
}

// MetricState is the per (station, metric) evaluation state. A single
// station worker owns it; nothing else writes it.
type MetricState struct {
	StationID     string    `json:"station_id"`
	Metric        string    `json:"metric"`
	LastTimestamp time.Time `json:"last_timestamp"`
	LastValue     float64   `json:"last_value"`
	Band          Severity  `json:"band"`
	// CandidateBand tracks a pending de-escalation: the lower band must
	// hold for the configured debounce before Band follows it.
	CandidateBand  Severity  `json:"candidate_band"`
	CandidateCount int       `json:"candidate_count"`
	CandidateSince time.Time `json:"candidate_since"`
}

type RollupBucket struct {
	StationID string    `json:"station_id"`
	Metric    string    `json:"metric"`
	Bucket    time.Time `json:"bucket"`
	Interval  string    `json:"interval"`
	Avg       float64   `json:"avg"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Count     int       `json:"count"`
}
