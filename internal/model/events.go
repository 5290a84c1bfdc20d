package model

import "time"

// Event kinds pushed to live subscribers.
const (
	EventTelemetryUpdate = "telemetry:update"
	EventAlertNew        = "alert:new"
	EventAlertUpdated    = "alert:updated"
	EventAlertResolved   = "alert:resolved"
)

// Event is the envelope delivered over the fan-out path. Exactly one of
// Telemetry or Alert is set, matching Kind.
type Event struct {
	Kind      string           `json:"kind"`
	StationID string           `json:"station_id"`
	Severity  Severity         `json:"severity,omitempty"`
	Telemetry *TelemetryUpdate `json:"telemetry,omitempty"`
	Alert     *AlertEvent      `json:"alert,omitempty"`
}

type TelemetryUpdate struct {
	StationID string             `json:"station_id"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

type AlertEvent struct {
	ID        string    `json:"id"`
	StationID string    `json:"station_id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
