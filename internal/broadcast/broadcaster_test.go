package broadcast

import (
	"testing"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/model"
)

func testBroadcaster(buffer int) *Broadcaster {
	cfg := config.DefaultConfig()
	cfg.Broadcast.SubscriberBuffer = buffer
	return New(config.NewStaticManager(cfg), nil)
}

func alertEvent(station string, sev model.Severity) model.Event {
	return model.Event{
		Kind:      model.EventAlertNew,
		StationID: station,
		Severity:  sev,
		Alert: &model.AlertEvent{
			ID:        "a-1",
			StationID: station,
			Severity:  sev,
		},
	}
}

func telemetryEvent(station string, metric string, value float64, ts time.Time) model.TelemetryUpdate {
	return model.TelemetryUpdate{
		StationID: station,
		Timestamp: ts,
		Metrics:   map[string]float64{metric: value},
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := testBroadcaster(8)
	s1 := b.Subscribe(Filter{})
	s2 := b.Subscribe(Filter{})

	b.Publish(alertEvent("st-1", model.SeverityHigh))

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.C():
			if ev.StationID != "st-1" {
				t.Fatalf("unexpected event %+v", ev)
			}
		default:
			t.Fatalf("subscriber %s missed the event", sub.ID)
		}
	}
}

func TestStationFilter(t *testing.T) {
	b := testBroadcaster(8)
	sub := b.Subscribe(Filter{StationIDs: []string{"st-2"}})

	b.Publish(alertEvent("st-1", model.SeverityHigh))
	b.Publish(alertEvent("st-2", model.SeverityHigh))

	if len(sub.ch) != 1 {
		t.Fatalf("expected one matching event, got %d", len(sub.ch))
	}
	ev := <-sub.C()
	if ev.StationID != "st-2" {
		t.Fatalf("filter leaked station %s", ev.StationID)
	}
}

func TestMinSeverityFilter(t *testing.T) {
	b := testBroadcaster(8)
	sub := b.Subscribe(Filter{MinSeverity: model.SeverityHigh})

	b.Publish(alertEvent("st-1", model.SeverityLow))
	b.Publish(alertEvent("st-1", model.SeverityCritical))
	// Telemetry is unaffected by the severity filter.
	b.PublishTelemetry(telemetryEvent("st-1", "humidity", 50, time.Now()))

	if len(sub.ch) != 2 {
		t.Fatalf("expected critical alert plus telemetry, got %d", len(sub.ch))
	}
}

func TestLaggingSubscriberDropsOldest(t *testing.T) {
	b := testBroadcaster(2)
	sub := b.Subscribe(Filter{})

	for i := 0; i < 5; i++ {
		b.PublishTelemetry(telemetryEvent("st-1", "humidity", float64(i), time.Now()))
	}

	if !sub.Lagging() {
		t.Fatalf("overrun subscriber must be flagged lagging")
	}
	if sub.Dropped() != 3 {
		t.Fatalf("expected 3 dropped events, got %d", sub.Dropped())
	}
	// The oldest events are gone; the newest survive.
	first := <-sub.C()
	second := <-sub.C()
	if first.Telemetry.Metrics["humidity"] != 3 || second.Telemetry.Metrics["humidity"] != 4 {
		t.Fatalf("expected the two newest events, got %v then %v",
			first.Telemetry.Metrics, second.Telemetry.Metrics)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := testBroadcaster(1)
	b.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(alertEvent("st-1", model.SeverityHigh))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish must not block on a saturated subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := testBroadcaster(8)
	sub := b.Subscribe(Filter{})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	if _, open := <-sub.C(); open {
		t.Fatalf("channel must be closed after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscriber must be removed from the registry")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(alertEvent("st-1", model.SeverityHigh))
}

func TestLatestMergesMetrics(t *testing.T) {
	b := testBroadcaster(8)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	b.PublishTelemetry(telemetryEvent("st-1", "battery_voltage", 12.4, base))
	b.PublishTelemetry(telemetryEvent("st-1", "humidity", 60, base.Add(time.Second)))
	b.PublishTelemetry(telemetryEvent("st-1", "battery_voltage", 12.3, base.Add(2*time.Second)))

	latest, ok := b.Latest("st-1")
	if !ok {
		t.Fatalf("expected latest snapshot")
	}
	if latest.Metrics["battery_voltage"] != 12.3 || latest.Metrics["humidity"] != 60 {
		t.Fatalf("unexpected merge %v", latest.Metrics)
	}
	if !latest.Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("latest timestamp must advance, got %v", latest.Timestamp)
	}

	if _, ok := b.Latest("st-unknown"); ok {
		t.Fatalf("unknown station must report no snapshot")
	}
}

func TestLatestSnapshotIsCopy(t *testing.T) {
	b := testBroadcaster(8)
	b.PublishTelemetry(telemetryEvent("st-1", "humidity", 60, time.Now()))

	snap, _ := b.Latest("st-1")
	snap.Metrics["humidity"] = 0

	again, _ := b.Latest("st-1")
	if again.Metrics["humidity"] != 60 {
		t.Fatalf("mutating a snapshot must not affect the stored state")
	}
}

func TestLatestAllOrderedAndCopied(t *testing.T) {
	b := testBroadcaster(8)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.PublishTelemetry(telemetryEvent("st-b", "humidity", 60, base))
	b.PublishTelemetry(telemetryEvent("st-a", "battery_voltage", 12.4, base))

	all := b.LatestAll()
	if len(all) != 2 {
		t.Fatalf("expected two stations, got %d", len(all))
	}
	if all[0].StationID != "st-a" || all[1].StationID != "st-b" {
		t.Fatalf("expected station id ordering, got %s, %s", all[0].StationID, all[1].StationID)
	}

	all[0].Metrics["battery_voltage"] = 0
	again, _ := b.Latest("st-a")
	if again.Metrics["battery_voltage"] != 12.4 {
		t.Fatalf("LatestAll must return copies")
	}
}
