package pipeline

import (
	"context"
	"log/slog"

	"lightwatch/internal/alerting"
	"lightwatch/internal/broadcast"
	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/processor"
	"lightwatch/internal/stations"
	"lightwatch/internal/threshold"
	"lightwatch/internal/watchdog"
)

// Pipeline is the per-sample handler run on a station worker goroutine.
// Ordering per station is guaranteed by the sequencer; a duplicate
// delivery persists nothing and is never re-evaluated. A degraded store
// defers the write to the retry queue but never gates evaluation or
// fan-out: alerting stays live through a store outage.
type Pipeline struct {
	cfg       *config.Manager
	stations  *stations.Cache
	processor *processor.Processor
	engine    *threshold.Engine
	alerts    *alerting.Manager
	watchdog  *watchdog.Watchdog
	bus       *broadcast.Broadcaster
	logger    *slog.Logger
}

func New(cfg *config.Manager, cache *stations.Cache, proc *processor.Processor,
	engine *threshold.Engine, alerts *alerting.Manager, wd *watchdog.Watchdog,
	bus *broadcast.Broadcaster, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{
		cfg:       cfg,
		stations:  cache,
		processor: proc,
		engine:    engine,
		alerts:    alerts,
		watchdog:  wd,
		bus:       bus,
		logger:    logger,
	}
}

// Handle processes one sample end to end: persist, evaluate thresholds,
// apply the resulting transition, and fan out the live update.
func (p *Pipeline) Handle(ctx context.Context, s model.RawSample) {
	if p.stations != nil && !p.stations.Active(s.StationID) {
		if p.logger != nil {
			p.logger.Debug("sample from decommissioned station dropped", "station", s.StationID)
		}
		return
	}

	if p.processor.Persist(ctx, s) == processor.Duplicate {
		return
	}
	if p.watchdog != nil {
		p.watchdog.Seen(s.StationID, s.DeviceID)
	}

	if tr, ok := p.engine.Evaluate(ctx, s); ok {
		p.alerts.Apply(ctx, tr)
	}

	if p.bus != nil {
		p.bus.PublishTelemetry(model.TelemetryUpdate{
			StationID: s.StationID,
			Timestamp: s.Timestamp,
			Metrics:   map[string]float64{s.Metric: s.Value},
		})
	}
}

// Critical reports whether a metric drives a life-safety rule; the
// sequencer keeps these when shedding under overload.
func (p *Pipeline) Critical(metric string) bool {
	rule, ok := p.cfg.Get().Thresholds.Rules[metric]
	if !ok {
		return false
	}
	for _, b := range rule.Bands {
		if b.Severity == string(model.SeverityCritical) {
			return true
		}
	}
	return false
}
