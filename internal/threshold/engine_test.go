package threshold

import (
	"context"
	"testing"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/model"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Thresholds.Tolerance = 5 * time.Second
	cfg.Thresholds.DebounceCount = 3
	cfg.Thresholds.DebounceDwell = 30 * time.Second
	return cfg
}

func newEngineForTest(cfg *config.Config) *Engine {
	return NewEngine(config.NewStaticManager(cfg), nil, nil)
}

func sample(station, metric string, value float64, ts time.Time) model.RawSample {
	return model.RawSample{
		StationID: station,
		DeviceID:  station + "-power",
		Metric:    metric,
		Value:     value,
		Unit:      "V",
		Timestamp: ts,
	}
}

func TestUncoveredMetricPassesThrough(t *testing.T) {
	eng := newEngineForTest(testConfig())
	_, emitted := eng.Evaluate(context.Background(), sample("st-1", "humidity", 55, time.Now()))
	if emitted {
		t.Fatalf("unexpected transition for uncovered metric")
	}
}

func TestEscalatesOnFirstBreach(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.0, base)); emitted {
		t.Fatalf("unexpected transition for healthy value")
	}
	tr, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base.Add(10*time.Second)))
	if !emitted {
		t.Fatalf("expected escalation on first breaching sample")
	}
	if tr.To != model.SeverityCritical || tr.From != model.SeverityNormal {
		t.Fatalf("expected normal->critical, got %s->%s", tr.From, tr.To)
	}
	if tr.AlertType != model.AlertPowerFailure {
		t.Fatalf("expected power_failure alert type, got %s", tr.AlertType)
	}
}

func TestRepeatedBreachEmitsOnce(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	values := []float64{12.0, 10.0, 10.2, 9.8}

	transitions := 0
	for i, v := range values {
		if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", v, base.Add(time.Duration(i)*10*time.Second))); emitted {
			transitions++
		}
	}
	// 10.2 and 9.8 stay in the critical band; the standing severity
	// never re-emits.
	if transitions != 1 {
		t.Fatalf("expected exactly one transition, got %d", transitions)
	}
}

func TestStaleSampleDiscarded(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.0, base.Add(100*time.Second)))
	_, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 9.0, base.Add(90*time.Second)))
	if emitted {
		t.Fatalf("stale sample must not drive a transition")
	}
	if eng.Stale.Load() != 1 {
		t.Fatalf("expected stale counter 1, got %d", eng.Stale.Load())
	}
}

func TestWithinToleranceAccepted(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.0, base.Add(100*time.Second)))
	// 3s behind the last accepted timestamp, inside the 5s tolerance.
	_, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base.Add(97*time.Second)))
	if !emitted {
		t.Fatalf("sample inside tolerance must still be evaluated")
	}
}

func TestDeEscalationDebounced(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base))

	// Two healthy samples over 40s: count not yet met.
	for i := 1; i <= 2; i++ {
		if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.5, base.Add(time.Duration(i)*20*time.Second))); emitted {
			t.Fatalf("de-escalated after only %d healthy samples", i)
		}
	}
	// Third healthy sample satisfies both count and dwell.
	tr, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.5, base.Add(60*time.Second)))
	if !emitted {
		t.Fatalf("expected de-escalation after debounce")
	}
	if tr.To != model.SeverityNormal {
		t.Fatalf("expected recovery to normal, got %s", tr.To)
	}
}

func TestDebounceDwellHoldsEvenWithCount(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base))

	// Three healthy samples in 4 seconds: count met, dwell not.
	for i := 1; i <= 3; i++ {
		if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.5, base.Add(time.Duration(i)*2*time.Second))); emitted {
			t.Fatalf("de-escalated before dwell elapsed")
		}
	}
}

func TestBreachResetsDebounceCandidate(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base))
	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.5, base.Add(20*time.Second)))
	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.5, base.Add(40*time.Second)))
	// Breach again: candidate must reset.
	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base.Add(50*time.Second)))

	if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 12.5, base.Add(60*time.Second))); emitted {
		t.Fatalf("debounce candidate must restart after a fresh breach")
	}
}

func TestDaytimeOnlyBand(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	night := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Low solar output at night is expected, not a fault.
	if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "solar_power", 0.5, night)); emitted {
		t.Fatalf("daytime-only band must not fire at night")
	}
	tr, emitted := eng.Evaluate(context.Background(), sample("st-1", "solar_power", 0.5, day))
	if !emitted {
		t.Fatalf("expected low solar output alert during the day")
	}
	if tr.To != model.SeverityMedium {
		t.Fatalf("expected medium severity, got %s", tr.To)
	}
}

func TestStationsIsolated(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base))
	tr, emitted := eng.Evaluate(context.Background(), sample("st-2", "battery_voltage", 10.0, base))
	if !emitted {
		t.Fatalf("second station must escalate independently")
	}
	if tr.StationID != "st-2" {
		t.Fatalf("transition carries wrong station id %q", tr.StationID)
	}
}

func TestWarmRecoveryKeepsBand(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.LoadStates([]model.MetricState{{
		StationID:     "st-1",
		Metric:        "battery_voltage",
		Band:          model.SeverityCritical,
		LastTimestamp: base,
		LastValue:     10.0,
	}})
	// Still breaching after restart: no duplicate transition.
	if _, emitted := eng.Evaluate(context.Background(), sample("st-1", "battery_voltage", 10.0, base.Add(10*time.Second))); emitted {
		t.Fatalf("recovered state must not re-emit the standing band")
	}
}

func TestUpdateConfigSwapsRules(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	if !eng.Covered("battery_voltage") {
		t.Fatalf("expected battery_voltage rule")
	}

	next := testConfig()
	delete(next.Thresholds.Rules, "battery_voltage")
	eng.UpdateConfig(next)
	if eng.Covered("battery_voltage") {
		t.Fatalf("rule must disappear after config swap")
	}
}
