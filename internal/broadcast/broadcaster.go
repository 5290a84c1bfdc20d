package broadcast

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
)

// Filter limits which events a subscription receives. Zero value matches
// everything.
type Filter struct {
	// StationIDs restricts to the listed stations; empty means all.
	StationIDs []string
	// MinSeverity drops alert events below the given rank; telemetry
	// updates are unaffected.
	MinSeverity model.Severity
}

// Subscription is one live observer with its own bounded buffer. A
// subscriber that stops reading loses its oldest events and is flagged
// lagging; the producer never waits.
type Subscription struct {
	ID       string
	filter   Filter
	stations map[string]struct{}
	ch       chan model.Event
	lagging  atomic.Bool
	dropped  atomic.Int64
	closed   atomic.Bool
}

// C is the subscriber's receive side.
func (s *Subscription) C() <-chan model.Event { return s.ch }

// Lagging reports whether this subscriber has lost events since the flag
// was last cleared. The transport layer decides whether to disconnect it.
func (s *Subscription) Lagging() bool { return s.lagging.Load() }

func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(ev model.Event) bool {
	if len(s.stations) > 0 {
		if _, ok := s.stations[ev.StationID]; !ok {
			return false
		}
	}
	if ev.Alert != nil && s.filter.MinSeverity != "" {
		if ev.Alert.Severity.Rank() < s.filter.MinSeverity.Rank() {
			return false
		}
	}
	return true
}

// Broadcaster fans events out to every matching subscription. Delivery is
// live-only: nothing is queued for observers that are not connected.
type Broadcaster struct {
	cfg    *config.Manager
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID atomic.Int64

	latestMu sync.RWMutex
	latest   map[string]*model.TelemetryUpdate

	LagDrops atomic.Int64
}

func New(cfg *config.Manager, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broadcaster{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*Subscription),
		latest: make(map[string]*model.TelemetryUpdate),
	}
}

func (b *Broadcaster) Subscribe(f Filter) *Subscription {
	buf := b.cfg.Get().Broadcast.SubscriberBuffer
	sub := &Subscription{
		ID:     "sub-" + strconv.FormatInt(b.nextID.Add(1), 10),
		filter: f,
		ch:     make(chan model.Event, buf),
	}
	if len(f.StationIDs) > 0 {
		sub.stations = make(map[string]struct{}, len(f.StationIDs))
		for _, id := range f.StationIDs {
			sub.stations[id] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	if b.logger != nil {
		b.logger.Debug("subscriber joined", "sub_id", sub.ID, "stations", f.StationIDs)
	}
	return sub
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	// Closing under the write lock keeps Publish, which sends under the
	// read lock, from racing a send against the close.
	close(sub.ch)
	b.mu.Unlock()
	if b.logger != nil {
		b.logger.Debug("subscriber left", "sub_id", sub.ID, "dropped", sub.Dropped())
	}
}

// PublishTelemetry records the station's latest values and fans the update
// out. Called from station workers, so per-station order is preserved.
func (b *Broadcaster) PublishTelemetry(u model.TelemetryUpdate) {
	b.latestMu.Lock()
	cur, ok := b.latest[u.StationID]
	if !ok {
		cur = &model.TelemetryUpdate{StationID: u.StationID, Metrics: make(map[string]float64)}
		b.latest[u.StationID] = cur
	}
	for k, v := range u.Metrics {
		cur.Metrics[k] = v
	}
	if u.Timestamp.After(cur.Timestamp) {
		cur.Timestamp = u.Timestamp
	}
	b.latestMu.Unlock()

	b.Publish(model.Event{
		Kind:      model.EventTelemetryUpdate,
		StationID: u.StationID,
		Telemetry: &u,
	})
}

// Publish delivers ev to every matching subscription without ever
// blocking: a full buffer sheds its oldest event and flags the lag.
func (b *Broadcaster) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed.Load() || !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Buffer full: drop the oldest buffered event to make room.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.LagDrops.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.LagDrops.Add(1)
		}
		if !sub.lagging.Swap(true) && b.logger != nil {
			b.logger.Warn("subscriber lagging, events dropped", "sub_id", sub.ID)
		}
	}
}

// Latest returns the most recent metric values seen for a station, used to
// prime a newly connected subscriber.
func (b *Broadcaster) Latest(stationID string) (model.TelemetryUpdate, bool) {
	b.latestMu.RLock()
	defer b.latestMu.RUnlock()
	cur, ok := b.latest[stationID]
	if !ok {
		return model.TelemetryUpdate{}, false
	}
	out := model.TelemetryUpdate{
		StationID: cur.StationID,
		Timestamp: cur.Timestamp,
		Metrics:   make(map[string]float64, len(cur.Metrics)),
	}
	for k, v := range cur.Metrics {
		out.Metrics[k] = v
	}
	return out, true
}

// LatestAll snapshots the most recent values for every known station,
// ordered by station id.
func (b *Broadcaster) LatestAll() []model.TelemetryUpdate {
	b.latestMu.RLock()
	out := make([]model.TelemetryUpdate, 0, len(b.latest))
	for _, cur := range b.latest {
		u := model.TelemetryUpdate{
			StationID: cur.StationID,
			Timestamp: cur.Timestamp,
			Metrics:   make(map[string]float64, len(cur.Metrics)),
		}
		for k, v := range cur.Metrics {
			u.Metrics[k] = v
		}
		out = append(out, u)
	}
	b.latestMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

// Subscribers reports the current subscription count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
