package alerting

import (
	"context"
	"testing"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/model"
)

type recordingNotifier struct {
	created   []model.Alert
	escalated []model.Alert
}

func (r *recordingNotifier) AlertCreated(_ context.Context, a model.Alert)   { r.created = append(r.created, a) }
func (r *recordingNotifier) AlertEscalated(_ context.Context, a model.Alert) { r.escalated = append(r.escalated, a) }

func newManagerForTest() (*Manager, *recordingNotifier, *[]model.Event) {
	notifier := &recordingNotifier{}
	var events []model.Event
	m := NewManager(config.NewStaticManager(config.DefaultConfig()), nil, notifier,
		func(ev model.Event) { events = append(events, ev) }, nil)
	return m, notifier, &events
}

func transition(station string, from, to model.Severity) model.SeverityTransition {
	return model.SeverityTransition{
		StationID: station,
		Metric:    "battery_voltage",
		AlertType: model.AlertPowerFailure,
		Title:     "Battery voltage low",
		From:      from,
		To:        to,
		Sample: model.RawSample{
			StationID: station,
			Metric:    "battery_voltage",
			Value:     10.0,
			Unit:      "V",
			Timestamp: time.Now().UTC(),
		},
	}
}

func TestCreateOnBreach(t *testing.T) {
	m, notifier, events := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))

	open := m.Open()
	if len(open) != 1 {
		t.Fatalf("expected one open alert, got %d", len(open))
	}
	a := open[0]
	if a.State != model.AlertOpen || a.Severity != model.SeverityCritical || a.ID == "" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if len(notifier.created) != 1 {
		t.Fatalf("expected one creation notification, got %d", len(notifier.created))
	}
	if len(*events) != 1 || (*events)[0].Kind != model.EventAlertNew {
		t.Fatalf("expected one alert:new event")
	}
}

func TestNoDuplicateOpenAlert(t *testing.T) {
	m, notifier, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityHigh))
	m.Apply(context.Background(), transition("st-1", model.SeverityHigh, model.SeverityHigh))

	if got := len(m.Open()); got != 1 {
		t.Fatalf("expected one open alert, got %d", got)
	}
	if len(notifier.created) != 1 {
		t.Fatalf("repeat breach must not re-notify creation")
	}
}

func TestEscalationInPlace(t *testing.T) {
	m, notifier, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityHigh))
	firstID := m.Open()[0].ID

	m.Apply(context.Background(), transition("st-1", model.SeverityHigh, model.SeverityCritical))
	open := m.Open()
	if len(open) != 1 {
		t.Fatalf("escalation must not open a second alert")
	}
	if open[0].ID != firstID {
		t.Fatalf("escalation must keep the alert id")
	}
	if open[0].Severity != model.SeverityCritical {
		t.Fatalf("expected critical after escalation, got %s", open[0].Severity)
	}
	if len(notifier.escalated) != 1 {
		t.Fatalf("expected one escalation notification, got %d", len(notifier.escalated))
	}
}

func TestDeEscalationDoesNotNotify(t *testing.T) {
	m, notifier, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	m.Apply(context.Background(), transition("st-1", model.SeverityCritical, model.SeverityHigh))

	open := m.Open()
	if len(open) != 1 || open[0].Severity != model.SeverityHigh {
		t.Fatalf("expected re-banded open alert at high")
	}
	if len(notifier.escalated) != 0 {
		t.Fatalf("lowering severity must not notify")
	}
}

func TestResolveOnRecovery(t *testing.T) {
	m, _, events := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	m.Apply(context.Background(), transition("st-1", model.SeverityCritical, model.SeverityNormal))

	if got := len(m.Open()); got != 0 {
		t.Fatalf("expected no open alerts after recovery, got %d", got)
	}
	last := (*events)[len(*events)-1]
	if last.Kind != model.EventAlertResolved {
		t.Fatalf("expected alert:resolved event, got %s", last.Kind)
	}
}

func TestReopenMintsNewID(t *testing.T) {
	m, _, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	firstID := m.Open()[0].ID
	m.Apply(context.Background(), transition("st-1", model.SeverityCritical, model.SeverityNormal))
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))

	open := m.Open()
	if len(open) != 1 {
		t.Fatalf("expected one open alert after re-breach")
	}
	if open[0].ID == firstID {
		t.Fatalf("re-breach after resolution must mint a new alert id")
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	m, _, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	id := m.Open()[0].ID

	if !m.Acknowledge(context.Background(), id, "operator") {
		t.Fatalf("first acknowledge must succeed")
	}
	if m.Acknowledge(context.Background(), id, "operator") {
		t.Fatalf("second acknowledge must be a no-op")
	}
	a := m.Open()[0]
	if a.State != model.AlertAcknowledged || a.AcknowledgedBy != "operator" {
		t.Fatalf("unexpected state %+v", a)
	}
}

func TestResolveCommandIdempotent(t *testing.T) {
	m, _, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	id := m.Open()[0].ID

	if !m.Resolve(context.Background(), id) {
		t.Fatalf("first resolve must succeed")
	}
	if m.Resolve(context.Background(), id) {
		t.Fatalf("resolving an already-resolved alert must be a no-op")
	}
	if got := len(m.Open()); got != 0 {
		t.Fatalf("expected no open alerts, got %d", got)
	}
}

func TestAcknowledgedAlertStillEscalates(t *testing.T) {
	m, notifier, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityHigh))
	id := m.Open()[0].ID
	m.Acknowledge(context.Background(), id, "operator")

	m.Apply(context.Background(), transition("st-1", model.SeverityHigh, model.SeverityCritical))
	a := m.Open()[0]
	if a.Severity != model.SeverityCritical {
		t.Fatalf("acknowledged alert must still escalate")
	}
	if len(notifier.escalated) != 1 {
		t.Fatalf("expected escalation notification")
	}
}

func TestStationsAndTypesIndependent(t *testing.T) {
	m, _, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	m.Apply(context.Background(), transition("st-2", model.SeverityNormal, model.SeverityCritical))

	fire := transition("st-1", model.SeverityNormal, model.SeverityCritical)
	fire.AlertType = model.AlertFire
	fire.Metric = "smoke_detector"
	m.Apply(context.Background(), fire)

	if got := len(m.Open()); got != 3 {
		t.Fatalf("expected three independent open alerts, got %d", got)
	}
}

func TestWarmRecoveryBlocksDuplicate(t *testing.T) {
	m, notifier, _ := newManagerForTest()
	m.LoadOpen([]model.Alert{{
		ID:        "alert-1",
		StationID: "st-1",
		Type:      model.AlertPowerFailure,
		Severity:  model.SeverityCritical,
		State:     model.AlertOpen,
		CreatedAt: time.Now().UTC(),
	}})

	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityCritical))
	open := m.Open()
	if len(open) != 1 || open[0].ID != "alert-1" {
		t.Fatalf("recovered alert must absorb the repeat breach")
	}
	if len(notifier.created) != 0 {
		t.Fatalf("recovered alert must not re-notify")
	}
}

func TestStatsCountLifecycle(t *testing.T) {
	m, _, _ := newManagerForTest()
	m.Apply(context.Background(), transition("st-1", model.SeverityNormal, model.SeverityHigh))
	m.Apply(context.Background(), transition("st-1", model.SeverityHigh, model.SeverityCritical))
	m.Apply(context.Background(), transition("st-1", model.SeverityCritical, model.SeverityNormal))

	s := m.Stats()
	if s.Created != 1 || s.Escalated != 1 || s.Resolved != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
