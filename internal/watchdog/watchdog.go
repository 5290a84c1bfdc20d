package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lightwatch/internal/alerting"
	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/storage"
)

// Watchdog sweeps the device table on an interval and raises a
// device_offline alert for any station whose devices have gone silent
// past the configured window. The alert clears once every flagged
// device on the station reports again.
type Watchdog struct {
	cfg    *config.Manager
	store  storage.Store
	alerts *alerting.Manager
	logger *slog.Logger

	mu      sync.Mutex
	flagged map[string]map[string]time.Time // stationID -> deviceID -> flagged at
}

func New(cfg *config.Manager, store storage.Store, alerts *alerting.Manager, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watchdog{
		cfg:     cfg,
		store:   store,
		alerts:  alerts,
		logger:  logger,
		flagged: make(map[string]map[string]time.Time),
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	current := w.cfg.Get().Watchdog
	if !current.Enabled || w.store == nil {
		if w.logger != nil {
			w.logger.Info("device watchdog disabled")
		}
		return
	}
	go func() {
		ticker := time.NewTicker(current.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watchdog) sweep(ctx context.Context) {
	current := w.cfg.Get()
	cutoff := time.Now().UTC().Add(-current.Watchdog.OfflineAfter)

	opCtx, cancel := context.WithTimeout(ctx, current.Storage.Timeout)
	stale, err := w.store.ListStaleDevices(opCtx, cutoff)
	cancel()
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("stale device scan failed", "err", err)
		}
		return
	}

	for _, dev := range stale {
		opCtx, cancel := context.WithTimeout(ctx, current.Storage.Timeout)
		err := w.store.MarkDeviceOffline(opCtx, dev.ID)
		cancel()
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("mark device offline failed", "device", dev.ID, "err", err)
			}
			continue
		}
		if w.flag(dev) && w.logger != nil {
			w.logger.Warn("device offline",
				"station", dev.StationID, "device", dev.ID, "last_seen", dev.LastSeenAt)
		}
	}
}

// flag records the silent device and raises the station alert when it
// is the first one. Returns true when the device was newly flagged.
func (w *Watchdog) flag(dev model.Device) bool {
	w.mu.Lock()
	devices := w.flagged[dev.StationID]
	if devices == nil {
		devices = make(map[string]time.Time)
		w.flagged[dev.StationID] = devices
	}
	if _, already := devices[dev.ID]; already {
		w.mu.Unlock()
		return false
	}
	devices[dev.ID] = time.Now().UTC()
	w.mu.Unlock()

	w.alerts.Apply(context.Background(), model.SeverityTransition{
		StationID: dev.StationID,
		Metric:    "device_uptime",
		AlertType: model.AlertDeviceOffline,
		Title:     "Device offline",
		From:      model.SeverityNormal,
		To:        model.SeverityHigh,
		Sample: model.RawSample{
			StationID: dev.StationID,
			DeviceID:  dev.ID,
			Metric:    "device_uptime",
			Timestamp: dev.LastSeenAt,
		},
	})
	return true
}

// Seen is called by the pipeline after a sample from the device has
// been persisted. When the last flagged device on a station reports
// again the offline alert is resolved.
func (w *Watchdog) Seen(stationID, deviceID string) {
	w.mu.Lock()
	devices, ok := w.flagged[stationID]
	if !ok {
		w.mu.Unlock()
		return
	}
	if _, flagged := devices[deviceID]; !flagged {
		w.mu.Unlock()
		return
	}
	delete(devices, deviceID)
	cleared := len(devices) == 0
	if cleared {
		delete(w.flagged, stationID)
	}
	w.mu.Unlock()

	if !cleared {
		return
	}
	w.alerts.Apply(context.Background(), model.SeverityTransition{
		StationID: stationID,
		Metric:    "device_uptime",
		AlertType: model.AlertDeviceOffline,
		Title:     "Device offline",
		From:      model.SeverityHigh,
		To:        model.SeverityNormal,
		Sample: model.RawSample{
			StationID: stationID,
			DeviceID:  deviceID,
			Metric:    "device_uptime",
			Timestamp: time.Now().UTC(),
		},
	})
	if w.logger != nil {
		w.logger.Info("station devices back online", "station", stationID)
	}
}

// FlaggedStations returns stations with at least one silent device.
func (w *Watchdog) FlaggedStations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.flagged))
	for id := range w.flagged {
		out = append(out, id)
	}
	return out
}
