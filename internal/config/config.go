package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	DeadLetter DeadLetterConfig `json:"dead_letter" yaml:"dead_letter"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
	Retry      RetryConfig      `json:"retry" yaml:"retry"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Stations   StationsConfig   `json:"stations" yaml:"stations"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Broadcast  BroadcastConfig  `json:"broadcast" yaml:"broadcast"`
	Rollup     RollupConfig     `json:"rollup" yaml:"rollup"`
	Watchdog   WatchdogConfig   `json:"watchdog" yaml:"watchdog"`
	API        APIConfig        `json:"api" yaml:"api"`
}

type IngestConfig struct {
	ChannelBuffer int          `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MQTT          MQTTConfig   `json:"mqtt" yaml:"mqtt"`
	REST          RESTConfig   `json:"rest" yaml:"rest"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// Topic uses a single-level wildcard for the station code, e.g.
	// "stations/+/telemetry".
	Topic string `json:"topic" yaml:"topic"`
	QoS   byte   `json:"qos" yaml:"qos"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type DeadLetterConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type PipelineConfig struct {
	QueueBound    int           `json:"queue_bound" yaml:"queue_bound"`
	WorkerIdleTTL time.Duration `json:"worker_idle_ttl" yaml:"worker_idle_ttl"`
}

type ThresholdsConfig struct {
	// Tolerance is how far behind the last accepted timestamp a sample
	// may be before it is discarded as stale.
	Tolerance time.Duration `json:"tolerance" yaml:"tolerance"`
	// DebounceCount and DebounceDwell both must hold before a
	// de-escalation is applied.
	DebounceCount int           `json:"debounce_count" yaml:"debounce_count"`
	DebounceDwell time.Duration `json:"debounce_dwell" yaml:"debounce_dwell"`
	DayStartHour  int           `json:"day_start_hour" yaml:"day_start_hour"`
	DayEndHour    int           `json:"day_end_hour" yaml:"day_end_hour"`
	Rules         map[string]Rule `json:"rules" yaml:"rules"`
}

// Rule is the data-driven threshold table entry for one metric. Bands are
// evaluated highest severity first; the first match wins.
type Rule struct {
	AlertType string `json:"alert_type" yaml:"alert_type"`
	Title     string `json:"title" yaml:"title"`
	Bands     []Band `json:"bands" yaml:"bands"`
}

type Band struct {
	Severity    string   `json:"severity" yaml:"severity"`
	Below       *float64 `json:"below,omitempty" yaml:"below,omitempty"`
	Above       *float64 `json:"above,omitempty" yaml:"above,omitempty"`
	DaytimeOnly bool     `json:"daytime_only,omitempty" yaml:"daytime_only,omitempty"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	QueueBound  int           `json:"queue_bound" yaml:"queue_bound"`
}

type StorageConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Driver  string        `json:"driver" yaml:"driver"`
	DSN     string        `json:"dsn" yaml:"dsn"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type StationsConfig struct {
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

type NotifyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Topic   string `json:"topic" yaml:"topic"`
	QoS     byte   `json:"qos" yaml:"qos"`
}

type BroadcastConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

type RollupConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Daily    bool          `json:"daily" yaml:"daily"`
	Lookback time.Duration `json:"lookback" yaml:"lookback"`
}

type WatchdogConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	OfflineAfter  time.Duration `json:"offline_after" yaml:"offline_after"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func f64(v float64) *float64 { return &v }

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  2 * time.Minute,
			MQTT: MQTTConfig{
				Enabled:  true,
				Broker:   "tcp://localhost:1883",
				ClientID: "lightwatch",
				Topic:    "stations/+/telemetry",
				QoS:      1,
			},
			REST: RESTConfig{Enabled: false, Addr: ":8080"},
		},
		DeadLetter: DeadLetterConfig{Enabled: false, Topic: "lightwatch.deadletter"},
		Pipeline: PipelineConfig{
			QueueBound:    256,
			WorkerIdleTTL: 10 * time.Minute,
		},
		Thresholds: ThresholdsConfig{
			Tolerance:     5 * time.Second,
			DebounceCount: 3,
			DebounceDwell: 30 * time.Second,
			DayStartHour:  6,
			DayEndHour:    18,
			Rules: map[string]Rule{
				"battery_voltage": {
					AlertType: "power_failure",
					Title:     "Battery voltage low",
					Bands: []Band{
						{Severity: "critical", Below: f64(10.5)},
						{Severity: "high", Below: f64(11.2)},
					},
				},
				"battery_temperature": {
					AlertType: "anomaly",
					Title:     "Battery temperature high",
					Bands: []Band{
						{Severity: "critical", Above: f64(55)},
						{Severity: "medium", Above: f64(45)},
					},
				},
				"solar_power": {
					AlertType: "power_failure",
					Title:     "Solar output low",
					Bands: []Band{
						{Severity: "medium", Below: f64(5), DaytimeOnly: true},
					},
				},
				"smoke_detector": {
					AlertType: "fire",
					Title:     "Smoke detected",
					Bands: []Band{
						{Severity: "critical", Above: f64(0.5)},
					},
				},
				"heat_detector": {
					AlertType: "fire",
					Title:     "Heat detected",
					Bands: []Band{
						{Severity: "critical", Above: f64(0.5)},
					},
				},
				"tamper": {
					AlertType: "intrusion",
					Title:     "Tamper switch triggered",
					Bands: []Band{
						{Severity: "high", Above: f64(0.5)},
					},
				},
				"temperature": {
					AlertType: "anomaly",
					Title:     "Ambient temperature out of range",
					Bands: []Band{
						{Severity: "medium", Above: f64(50)},
					},
				},
			},
		},
		Retry: RetryConfig{
			BaseDelay:   1 * time.Second,
			Multiplier:  2,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 6,
			QueueBound:  1024,
		},
		Storage: StorageConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "file:lightwatch.db?_pragma=busy_timeout(5000)",
			Timeout: 5 * time.Second,
		},
		Stations:  StationsConfig{RefreshInterval: 5 * time.Minute},
		Notify:    NotifyConfig{Enabled: false, Topic: "lightwatch/alerts", QoS: 1},
		Broadcast: BroadcastConfig{SubscriberBuffer: 64},
		Rollup: RollupConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
			Daily:    true,
			Lookback: 2 * time.Hour,
		},
		Watchdog: WatchdogConfig{
			Enabled:      true,
			Interval:     1 * time.Minute,
			OfflineAfter: 10 * time.Minute,
		},
		API: APIConfig{Enabled: true, Addr: ":8081"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.DedupeWindow <= 0 {
		cfg.Ingest.DedupeWindow = 2 * time.Minute
	}
	if cfg.Pipeline.QueueBound <= 0 {
		cfg.Pipeline.QueueBound = 256
	}
	if cfg.Pipeline.WorkerIdleTTL <= 0 {
		cfg.Pipeline.WorkerIdleTTL = 10 * time.Minute
	}
	if cfg.Thresholds.Tolerance <= 0 {
		cfg.Thresholds.Tolerance = 5 * time.Second
	}
	if cfg.Thresholds.DebounceCount <= 0 {
		cfg.Thresholds.DebounceCount = 3
	}
	if cfg.Thresholds.DayEndHour <= cfg.Thresholds.DayStartHour {
		cfg.Thresholds.DayStartHour = 6
		cfg.Thresholds.DayEndHour = 18
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 1 * time.Second
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 6
	}
	if cfg.Retry.QueueBound <= 0 {
		cfg.Retry.QueueBound = 1024
	}
	if cfg.Storage.Timeout <= 0 {
		cfg.Storage.Timeout = 5 * time.Second
	}
	if cfg.Broadcast.SubscriberBuffer <= 0 {
		cfg.Broadcast.SubscriberBuffer = 64
	}
	if cfg.Rollup.Interval <= 0 {
		cfg.Rollup.Interval = 5 * time.Minute
	}
	if cfg.Rollup.Lookback <= 0 {
		cfg.Rollup.Lookback = 2 * time.Hour
	}
	if cfg.Watchdog.Interval <= 0 {
		cfg.Watchdog.Interval = 1 * time.Minute
	}
	if cfg.Watchdog.OfflineAfter <= 0 {
		cfg.Watchdog.OfflineAfter = 10 * time.Minute
	}
	if cfg.Stations.RefreshInterval <= 0 {
		cfg.Stations.RefreshInterval = 5 * time.Minute
	}
}

func Validate(cfg *Config) error {
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "" {
			return errors.New("ingest.mqtt requires broker and topic")
		}
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.DeadLetter.Enabled {
		if len(cfg.DeadLetter.Brokers) == 0 || cfg.DeadLetter.Topic == "" {
			return errors.New("dead_letter requires brokers and topic")
		}
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	for metric, rule := range cfg.Thresholds.Rules {
		if len(rule.Bands) == 0 {
			return fmt.Errorf("thresholds.rules.%s has no bands", metric)
		}
		for _, band := range rule.Bands {
			if band.Below == nil && band.Above == nil {
				return fmt.Errorf("thresholds.rules.%s band %q needs below or above", metric, band.Severity)
			}
			switch band.Severity {
			case "critical", "high", "medium", "low", "info":
			default:
				return fmt.Errorf("thresholds.rules.%s has unknown severity %q", metric, band.Severity)
			}
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file. Used by
// tests and by main when no config path is given.
func NewStaticManager(cfg *Config) *Manager {
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
