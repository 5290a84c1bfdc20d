package threshold

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/storage"
)

// Engine decides per sample whether a metric's severity band changes.
// Escalations apply immediately; de-escalations are debounced. Samples
// arriving behind the last accepted timestamp beyond the tolerance window
// are discarded so stale data can never walk an alert back.
//
// Each MetricState is mutated only by its station's worker goroutine; the
// engine's mutex guards nothing but the map itself.
type Engine struct {
	rules  atomic.Value // *RuleSet
	store  storage.Store
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*model.MetricState

	cfg *config.Manager

	Stale atomic.Int64
}

func NewEngine(cfg *config.Manager, store storage.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		store:  store,
		logger: logger,
		states: make(map[string]*model.MetricState),
		cfg:    cfg,
	}
	e.rules.Store(Compile(cfg.Get().Thresholds))
	return e
}

// UpdateConfig swaps in a recompiled rule table. Safe to call while
// workers evaluate.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.rules.Store(Compile(cfg.Thresholds))
}

func (e *Engine) RuleSet() *RuleSet {
	return e.rules.Load().(*RuleSet)
}

// Covered reports whether a metric has a threshold rule.
func (e *Engine) Covered(metric string) bool {
	return e.RuleSet().Covered(metric)
}

// LoadStates seeds the engine from persisted state on warm recovery.
func (e *Engine) LoadStates(states []model.MetricState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range states {
		st := states[i]
		e.states[st.StationID+"|"+st.Metric] = &st
	}
}

// Evaluate runs the threshold algorithm for one accepted sample. It
// returns a transition only when the stored band actually changes.
func (e *Engine) Evaluate(ctx context.Context, s model.RawSample) (model.SeverityTransition, bool) {
	rs := e.RuleSet()
	rule, ok := rs.Rule(s.Metric)
	if !ok {
		// Pure pass-through telemetry; no state is kept for it.
		return model.SeverityTransition{}, false
	}
	params := rs.Params()
	st := e.state(s.StationID, s.Metric)

	if !st.LastTimestamp.IsZero() && s.Timestamp.Before(st.LastTimestamp.Add(-params.Tolerance)) {
		e.Stale.Add(1)
		if e.logger != nil {
			e.logger.Info("stale sample discarded",
				"station_id", s.StationID, "metric", s.Metric,
				"sample_ts", s.Timestamp, "last_accepted_ts", st.LastTimestamp)
		}
		return model.SeverityTransition{}, false
	}

	band := rule.Match(s)
	if s.Timestamp.After(st.LastTimestamp) {
		st.LastTimestamp = s.Timestamp
	}
	st.LastValue = s.Value

	var out model.SeverityTransition
	emitted := false
	switch {
	case band.Rank() > st.Band.Rank():
		// Fast to alert: escalate on the first breaching sample.
		out = e.transition(st, rule, band, s)
		emitted = true
	case band == st.Band:
		st.CandidateBand = ""
		st.CandidateCount = 0
	default:
		// Towards normal: hold until the lower band has persisted for the
		// configured number of samples and dwell, whichever is longer.
		if st.CandidateBand != band {
			st.CandidateBand = band
			st.CandidateCount = 1
			st.CandidateSince = s.Timestamp
		} else {
			st.CandidateCount++
		}
		if st.CandidateCount >= params.DebounceCount &&
			s.Timestamp.Sub(st.CandidateSince) >= params.DebounceDwell {
			out = e.transition(st, rule, band, s)
			emitted = true
		}
	}

	e.persist(ctx, st)
	return out, emitted
}

func (e *Engine) transition(st *model.MetricState, rule *Rule, band model.Severity, s model.RawSample) model.SeverityTransition {
	from := st.Band
	st.Band = band
	st.CandidateBand = ""
	st.CandidateCount = 0
	return model.SeverityTransition{
		StationID: s.StationID,
		Metric:    s.Metric,
		AlertType: rule.AlertType,
		Title:     rule.Title,
		From:      from,
		To:        band,
		Sample:    s,
	}
}

func (e *Engine) state(stationID, metric string) *model.MetricState {
	key := stationID + "|" + metric
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[key]; ok {
		return st
	}
	st := &model.MetricState{
		StationID: stationID,
		Metric:    metric,
		Band:      model.SeverityNormal,
	}
	e.states[key] = st
	return st
}

func (e *Engine) persist(ctx context.Context, st *model.MetricState) {
	if e.store == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.Get().Storage.Timeout)
	defer cancel()
	if err := e.store.SaveMetricState(opCtx, *st); err != nil {
		if e.logger != nil {
			e.logger.Warn("metric state persist failed",
				"station_id", st.StationID, "metric", st.Metric, "err", err)
		}
	}
}
