package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"lightwatch/internal/model"
)

// Payload is the telemetry message shape published by station gateways:
// a station code, a timestamp, and nested per-device sensor groups. One
// payload decomposes into many per-metric samples.
type Payload struct {
	StationID string       `json:"station_id"`
	Timestamp time.Time    `json:"timestamp"`
	Gateway   *GatewayData `json:"gateway,omitempty"`
	Sensors   *SensorData  `json:"sensors"`
}

type GatewayData struct {
	Firmware       string `json:"firmware,omitempty"`
	SignalStrength *int   `json:"signal_strength,omitempty"`
	UptimeSeconds  *int   `json:"uptime_seconds,omitempty"`
}

type SensorData struct {
	Power       *PowerData       `json:"power,omitempty"`
	Light       *LightData       `json:"light,omitempty"`
	Security    *SecurityData    `json:"security,omitempty"`
	Environment *EnvironmentData `json:"environment,omitempty"`
	Fire        *FireData        `json:"fire,omitempty"`
}

type PowerData struct {
	BatteryVoltage     *float64 `json:"battery_voltage,omitempty"`
	BatteryCurrent     *float64 `json:"battery_current,omitempty"`
	BatterySOC         *float64 `json:"battery_soc,omitempty"`
	BatteryTemperature *float64 `json:"battery_temperature,omitempty"`
	SolarVoltage       *float64 `json:"solar_voltage,omitempty"`
	SolarCurrent       *float64 `json:"solar_current,omitempty"`
	SolarPower         *float64 `json:"solar_power,omitempty"`
	LoadPower          *float64 `json:"load_power,omitempty"`
}

type LightData struct {
	Status      string   `json:"status,omitempty"`
	Intensity   *int     `json:"intensity,omitempty"`
	RotationRPM *float64 `json:"rotation_rpm,omitempty"`
}

type SecurityData struct {
	PIR1       *bool  `json:"pir_1,omitempty"`
	PIR2       *bool  `json:"pir_2,omitempty"`
	DoorSensor string `json:"door_sensor,omitempty"`
	Tamper     *bool  `json:"tamper,omitempty"`
}

type EnvironmentData struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	WindSpeed   *float64 `json:"wind_speed,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
}

type FireData struct {
	SmokeDetector *bool `json:"smoke_detector,omitempty"`
	HeatDetector  *bool `json:"heat_detector,omitempty"`
}

// ParsePayload validates raw bytes against the telemetry schema. A failure
// is always a *ValidationError naming the offending field path.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalid("payload", err.Error())
	}
	if strings.TrimSpace(p.StationID) == "" {
		return nil, invalid("station_id", "required")
	}
	if p.Timestamp.IsZero() {
		return nil, invalid("timestamp", "required")
	}
	if p.Sensors == nil {
		return nil, invalid("sensors", "required")
	}
	if p.Sensors.Power == nil && p.Sensors.Light == nil && p.Sensors.Security == nil &&
		p.Sensors.Environment == nil && p.Sensors.Fire == nil && p.Gateway == nil {
		return nil, invalid("sensors", "at least one sensor group required")
	}
	return &p, nil
}

// Decompose flattens a payload into per-metric samples with dedup keys.
// Boolean readings map to 0/1 so threshold bands can cover them too.
func (p *Payload) Decompose() []model.RawSample {
	ts := p.Timestamp.UTC()
	out := make([]model.RawSample, 0, 16)

	add := func(device model.DeviceType, metric, unit string, value float64) {
		s := model.RawSample{
			StationID: p.StationID,
			DeviceID:  p.StationID + "-" + string(device),
			Metric:    metric,
			Timestamp: ts,
			Value:     value,
			Unit:      unit,
			Quality:   100,
		}
		s.DedupKey = DedupKey(s)
		out = append(out, s)
	}
	addF := func(device model.DeviceType, metric, unit string, v *float64) {
		if v != nil {
			add(device, metric, unit, *v)
		}
	}
	addB := func(device model.DeviceType, metric string, v *bool) {
		if v != nil {
			add(device, metric, "", boolVal(*v))
		}
	}

	if pw := p.Sensors.Power; pw != nil {
		addF(model.DeviceSensorPower, "battery_voltage", "V", pw.BatteryVoltage)
		addF(model.DeviceSensorPower, "battery_current", "A", pw.BatteryCurrent)
		addF(model.DeviceSensorPower, "battery_soc", "%", pw.BatterySOC)
		addF(model.DeviceSensorPower, "battery_temperature", "C", pw.BatteryTemperature)
		addF(model.DeviceSensorPower, "solar_voltage", "V", pw.SolarVoltage)
		addF(model.DeviceSensorPower, "solar_current", "A", pw.SolarCurrent)
		addF(model.DeviceSensorPower, "solar_power", "W", pw.SolarPower)
		addF(model.DeviceSensorPower, "load_power", "W", pw.LoadPower)
	}
	if l := p.Sensors.Light; l != nil {
		if l.Status != "" {
			add(model.DeviceGateway, "light_status", "", boolVal(strings.EqualFold(l.Status, "on")))
		}
		if l.Intensity != nil {
			add(model.DeviceGateway, "light_intensity", "cd", float64(*l.Intensity))
		}
		addF(model.DeviceGateway, "rotation_rpm", "rpm", l.RotationRPM)
	}
	if sec := p.Sensors.Security; sec != nil {
		addB(model.DeviceSensorSecurity, "pir_1", sec.PIR1)
		addB(model.DeviceSensorSecurity, "pir_2", sec.PIR2)
		if sec.DoorSensor != "" {
			add(model.DeviceSensorSecurity, "door_open", "", boolVal(strings.EqualFold(sec.DoorSensor, "open")))
		}
		addB(model.DeviceSensorSecurity, "tamper", sec.Tamper)
	}
	if env := p.Sensors.Environment; env != nil {
		addF(model.DeviceGateway, "temperature", "C", env.Temperature)
		addF(model.DeviceGateway, "humidity", "%", env.Humidity)
		addF(model.DeviceGateway, "wind_speed", "m/s", env.WindSpeed)
		addF(model.DeviceGateway, "pressure", "hPa", env.Pressure)
	}
	if f := p.Sensors.Fire; f != nil {
		addB(model.DeviceSensorFire, "smoke_detector", f.SmokeDetector)
		addB(model.DeviceSensorFire, "heat_detector", f.HeatDetector)
	}
	if g := p.Gateway; g != nil {
		if g.SignalStrength != nil {
			add(model.DeviceGateway, "signal_strength", "dBm", float64(*g.SignalStrength))
		}
		if g.UptimeSeconds != nil {
			add(model.DeviceGateway, "uptime_seconds", "s", float64(*g.UptimeSeconds))
		}
	}
	return out
}

// DedupKey hashes the identity of a sample. Stable across redeliveries of
// the same physical message.
func DedupKey(s model.RawSample) string {
	parts := []string{
		s.StationID,
		s.DeviceID,
		s.Metric,
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(s.Value, 'g', -1, 64),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
