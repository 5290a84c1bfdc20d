package threshold

import (
	"sort"

	"lightwatch/internal/config"
	"lightwatch/internal/model"
)

// RuleSet is the compiled, immutable threshold table: metric name to
// ordered severity bands. Built once per config (re)load and shared
// read-only across all station workers.
type RuleSet struct {
	rules  map[string]*Rule
	params config.ThresholdsConfig
}

type Rule struct {
	Metric    string
	AlertType model.AlertType
	Title     string
	Bands     []CompiledBand
	dayStart  int
	dayEnd    int
}

type CompiledBand struct {
	Severity    model.Severity
	Below       *float64
	Above       *float64
	DaytimeOnly bool
}

func Compile(cfg config.ThresholdsConfig) *RuleSet {
	rs := &RuleSet{rules: make(map[string]*Rule, len(cfg.Rules)), params: cfg}
	for metric, rc := range cfg.Rules {
		r := &Rule{
			Metric:    metric,
			AlertType: alertType(rc.AlertType),
			Title:     rc.Title,
			dayStart:  cfg.DayStartHour,
			dayEnd:    cfg.DayEndHour,
		}
		for _, b := range rc.Bands {
			r.Bands = append(r.Bands, CompiledBand{
				Severity:    model.Severity(b.Severity),
				Below:       b.Below,
				Above:       b.Above,
				DaytimeOnly: b.DaytimeOnly,
			})
		}
		// Highest severity first so the worst matching band wins.
		sort.SliceStable(r.Bands, func(i, j int) bool {
			return r.Bands[i].Severity.Rank() > r.Bands[j].Severity.Rank()
		})
		rs.rules[metric] = r
	}
	return rs
}

func (rs *RuleSet) Rule(metric string) (*Rule, bool) {
	r, ok := rs.rules[metric]
	return r, ok
}

// Covered reports whether the metric participates in alerting at all; the
// sequencer uses it to decide shedding priority.
func (rs *RuleSet) Covered(metric string) bool {
	_, ok := rs.rules[metric]
	return ok
}

func (rs *RuleSet) Params() config.ThresholdsConfig {
	return rs.params
}

// Match classifies a value. Time-of-day gates use the sample's own
// timestamp so delayed processing stays correct.
func (r *Rule) Match(s model.RawSample) model.Severity {
	hour := s.Timestamp.UTC().Hour()
	daytime := hour >= r.dayStart && hour < r.dayEnd
	for _, b := range r.Bands {
		if b.DaytimeOnly && !daytime {
			continue
		}
		if b.Below != nil && s.Value < *b.Below {
			return b.Severity
		}
		if b.Above != nil && s.Value > *b.Above {
			return b.Severity
		}
	}
	return model.SeverityNormal
}

func alertType(v string) model.AlertType {
	switch model.AlertType(v) {
	case model.AlertFire, model.AlertIntrusion, model.AlertPowerFailure,
		model.AlertDeviceOffline, model.AlertAnomaly:
		return model.AlertType(v)
	}
	return model.AlertAnomaly
}
