package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/storage"
)

// Notifier pushes alert messages to the external notification channel.
// Called once per creation and per escalation, never for unchanged
// re-evaluations or de-escalations.
type Notifier interface {
	AlertCreated(ctx context.Context, a model.Alert)
	AlertEscalated(ctx context.Context, a model.Alert)
}

// Manager applies severity transitions to the per (station, alert type)
// state machine None -> Open -> Acknowledged -> Resolved. At most one
// unresolved alert exists per key; a repeat breach escalates the open
// alert in place, and a fresh breach after resolution mints a new id.
type Manager struct {
	cfg      *config.Manager
	store    storage.Store
	notifier Notifier
	publish  func(model.Event)
	logger   *slog.Logger

	mu   sync.Mutex
	open map[string]*model.Alert // station id | alert type

	stats Stats
}

// Stats are cumulative counters exposed on the status endpoint.
type Stats struct {
	Created   int64 `json:"created"`
	Escalated int64 `json:"escalated"`
	Resolved  int64 `json:"resolved"`
	Critical  int64 `json:"critical"`
	High      int64 `json:"high"`
	Medium    int64 `json:"medium"`
	Low       int64 `json:"low"`
	Info      int64 `json:"info"`
}

func NewManager(cfg *config.Manager, store storage.Store, notifier Notifier, publish func(model.Event), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		publish:  publish,
		logger:   logger,
		open:     make(map[string]*model.Alert),
	}
}

func key(stationID string, t model.AlertType) string {
	return stationID + "|" + string(t)
}

// LoadOpen seeds the manager with unresolved alerts from the store so a
// restart never doubles up an already-open alert.
func (m *Manager) LoadOpen(alerts []model.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range alerts {
		a := alerts[i]
		m.open[key(a.StationID, a.Type)] = &a
	}
}

// Apply consumes one severity transition. Safe for concurrent use across
// stations; transitions for one station arrive serialized from its worker.
func (m *Manager) Apply(ctx context.Context, tr model.SeverityTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tr.StationID, tr.AlertType)
	existing := m.open[k]
	breaching := tr.To.Rank() > model.SeverityNormal.Rank()

	switch {
	case breaching && existing == nil:
		m.create(ctx, k, tr)
	case breaching && existing.Severity != tr.To:
		m.reband(ctx, existing, tr)
	case breaching:
		// Same severity re-confirmed; nothing to do.
	case existing != nil:
		m.resolve(ctx, k, existing, tr)
	}
}

func (m *Manager) create(ctx context.Context, k string, tr model.SeverityTransition) {
	a := &model.Alert{
		ID:        uuid.NewString(),
		StationID: tr.StationID,
		Type:      tr.AlertType,
		Severity:  tr.To,
		State:     model.AlertOpen,
		Title:     tr.Title,
		Message:   transitionMessage(tr),
		Metric:    tr.Metric,
		CreatedAt: time.Now().UTC(),
	}
	m.open[k] = a
	m.count(tr.To)
	m.stats.Created++
	if m.logger != nil {
		m.logger.Warn("alert opened",
			"alert_id", a.ID, "station_id", a.StationID, "type", a.Type, "severity", a.Severity)
	}
	m.persist(ctx, *a, true)
	if m.notifier != nil {
		m.notifier.AlertCreated(ctx, *a)
	}
	m.emit(model.EventAlertNew, *a)
}

func (m *Manager) reband(ctx context.Context, a *model.Alert, tr model.SeverityTransition) {
	escalated := tr.To.Rank() > a.Severity.Rank()
	a.Severity = tr.To
	a.Message = transitionMessage(tr)
	if m.logger != nil {
		m.logger.Warn("alert severity changed",
			"alert_id", a.ID, "station_id", a.StationID, "type", a.Type,
			"severity", a.Severity, "escalated", escalated)
	}
	m.persist(ctx, *a, false)
	if escalated {
		m.stats.Escalated++
		if m.notifier != nil {
			m.notifier.AlertEscalated(ctx, *a)
		}
	}
	m.emit(model.EventAlertUpdated, *a)
}

func (m *Manager) resolve(ctx context.Context, k string, a *model.Alert, tr model.SeverityTransition) {
	now := time.Now().UTC()
	a.State = model.AlertResolved
	a.ResolvedAt = &now
	delete(m.open, k)
	m.stats.Resolved++
	if m.logger != nil {
		m.logger.Info("alert resolved",
			"alert_id", a.ID, "station_id", a.StationID, "type", a.Type, "metric", tr.Metric)
	}
	m.persist(ctx, *a, false)
	m.emit(model.EventAlertResolved, *a)
}

// Acknowledge marks an open alert acknowledged. Repeating the command, or
// acknowledging an already-resolved alert, is a no-op rather than an error.
func (m *Manager) Acknowledge(ctx context.Context, alertID, by string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(alertID)
	if a == nil || a.State != model.AlertOpen {
		return false
	}
	now := time.Now().UTC()
	a.State = model.AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	if m.logger != nil {
		m.logger.Info("alert acknowledged", "alert_id", a.ID, "by", by)
	}
	m.persist(ctx, *a, false)
	m.emit(model.EventAlertUpdated, *a)
	return true
}

// Resolve closes an alert on operator command, idempotently.
func (m *Manager) Resolve(ctx context.Context, alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(alertID)
	if a == nil {
		return false
	}
	now := time.Now().UTC()
	a.State = model.AlertResolved
	a.ResolvedAt = &now
	delete(m.open, key(a.StationID, a.Type))
	m.stats.Resolved++
	if m.logger != nil {
		m.logger.Info("alert resolved by operator", "alert_id", a.ID)
	}
	m.persist(ctx, *a, false)
	m.emit(model.EventAlertResolved, *a)
	return true
}

// Open returns a snapshot of the unresolved alerts.
func (m *Manager) Open() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a)
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) findLocked(alertID string) *model.Alert {
	for _, a := range m.open {
		if a.ID == alertID {
			return a
		}
	}
	return nil
}

func (m *Manager) count(s model.Severity) {
	switch s {
	case model.SeverityCritical:
		m.stats.Critical++
	case model.SeverityHigh:
		m.stats.High++
	case model.SeverityMedium:
		m.stats.Medium++
	case model.SeverityLow:
		m.stats.Low++
	case model.SeverityInfo:
		m.stats.Info++
	}
}

func (m *Manager) persist(ctx context.Context, a model.Alert, created bool) {
	if m.store == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.Get().Storage.Timeout)
	defer cancel()
	var err error
	if created {
		err = m.store.SaveAlert(opCtx, a)
	} else {
		err = m.store.UpdateAlert(opCtx, a)
	}
	if err != nil && m.logger != nil {
		m.logger.Error("alert persist failed", "alert_id", a.ID, "err", err)
	}
}

func (m *Manager) emit(kind string, a model.Alert) {
	if m.publish == nil {
		return
	}
	ts := a.CreatedAt
	if kind == model.EventAlertResolved && a.ResolvedAt != nil {
		ts = *a.ResolvedAt
	}
	m.publish(model.Event{
		Kind:      kind,
		StationID: a.StationID,
		Severity:  a.Severity,
		Alert: &model.AlertEvent{
			ID:        a.ID,
			StationID: a.StationID,
			Type:      a.Type,
			Severity:  a.Severity,
			Message:   a.Message,
			Timestamp: ts,
		},
	})
}

func transitionMessage(tr model.SeverityTransition) string {
	unit := tr.Sample.Unit
	if unit != "" {
		unit = " " + unit
	}
	return fmt.Sprintf("%s is %g%s (%s) at %s",
		tr.Metric, tr.Sample.Value, unit, tr.To,
		tr.Sample.Timestamp.UTC().Format(time.RFC3339))
}
