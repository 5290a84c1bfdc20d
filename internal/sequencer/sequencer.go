package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
)

// Handler runs the full per-sample pipeline. It is invoked from exactly one
// goroutine per station, which is the only concurrency guarantee the rest
// of the pipeline relies on for MetricState and Alert mutation.
type Handler func(ctx context.Context, s model.RawSample)

// Sequencer partitions work by station id: one lazily created worker per
// station with a bounded queue, full parallelism across stations, strict
// serialization within one. Idle workers are reaped.
type Sequencer struct {
	cfg      *config.Manager
	handler  Handler
	critical func(metric string) bool
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*stationWorker
	wg      sync.WaitGroup
	ctx     context.Context

	Overflow atomic.Int64
}

type stationWorker struct {
	stationID  string
	mu         sync.Mutex
	queue      []model.RawSample
	wake       chan struct{}
	lastActive time.Time
}

// New builds a sequencer. critical reports whether a metric participates in
// threshold alerting; such samples are never shed ahead of informational
// ones when a station queue overflows.
func New(cfg *config.Manager, handler Handler, critical func(metric string) bool, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = logging.Discard()
	}
	if critical == nil {
		critical = func(string) bool { return false }
	}
	return &Sequencer{
		cfg:      cfg,
		handler:  handler,
		critical: critical,
		logger:   logger,
		workers:  make(map[string]*stationWorker),
		// Enqueue may run before Start; workers pick up the run context
		// on their next wakeup once Start has set it.
		ctx: context.Background(),
	}
}

// Start consumes samples from in until ctx is cancelled, then drains: each
// worker finishes its in-flight sample before stopping.
func (q *Sequencer) Start(ctx context.Context, in <-chan model.RawSample) {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case s := <-in:
				q.Enqueue(s)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the dispatch loop and every station worker have
// stopped. Call after cancelling the Start context.
func (q *Sequencer) Wait() {
	q.wg.Wait()
}

func (q *Sequencer) Enqueue(s model.RawSample) {
	bound := q.cfg.Get().Pipeline.QueueBound
	q.mu.Lock()
	w, ok := q.workers[s.StationID]
	if !ok {
		w = &stationWorker{
			stationID:  s.StationID,
			wake:       make(chan struct{}, 1),
			lastActive: time.Now(),
		}
		q.workers[s.StationID] = w
		q.wg.Add(1)
		go q.run(w)
	}
	w.mu.Lock()
	q.push(w, s, bound)
	w.mu.Unlock()
	q.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// push appends under the queue bound, shedding the oldest non-critical
// entry first. Callers hold w.mu.
func (q *Sequencer) push(w *stationWorker, s model.RawSample, bound int) {
	if bound > 0 && len(w.queue) >= bound {
		if idx := q.firstNonCritical(w.queue); idx >= 0 {
			drop := w.queue[idx]
			w.queue = append(w.queue[:idx], w.queue[idx+1:]...)
			q.logOverflow(drop)
		} else if !q.critical(s.Metric) {
			// Queue is all alert-relevant samples; shed the newcomer
			// rather than any of them.
			q.logOverflow(s)
			return
		} else {
			drop := w.queue[0]
			w.queue = w.queue[1:]
			q.logOverflow(drop)
		}
	}
	w.queue = append(w.queue, s)
}

func (q *Sequencer) firstNonCritical(queue []model.RawSample) int {
	for i, s := range queue {
		if !q.critical(s.Metric) {
			return i
		}
	}
	return -1
}

func (q *Sequencer) logOverflow(s model.RawSample) {
	q.Overflow.Add(1)
	if q.logger != nil {
		q.logger.Warn("station queue overflow, sample dropped",
			"station_id", s.StationID, "metric", s.Metric, "timestamp", s.Timestamp)
	}
}

func (q *Sequencer) run(w *stationWorker) {
	defer q.wg.Done()
	idleTTL := q.cfg.Get().Pipeline.WorkerIdleTTL
	idle := time.NewTimer(idleTTL)
	defer idle.Stop()
	for {
		ctx := q.context()
		s, ok := q.pop(w)
		if ok {
			q.handler(ctx, s)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(idleTTL)
		select {
		case <-w.wake:
		case <-idle.C:
			if q.retire(w) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Sequencer) context() context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ctx
}

func (q *Sequencer) pop(w *stationWorker) (model.RawSample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return model.RawSample{}, false
	}
	s := w.queue[0]
	w.queue = w.queue[1:]
	w.lastActive = time.Now()
	return s, true
}

// retire removes an idle worker from the registry unless a sample has
// slipped in since the idle timer fired.
func (q *Sequencer) retire(w *stationWorker) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	delete(q.workers, w.stationID)
	if q.logger != nil {
		q.logger.Debug("idle station worker reaped", "station_id", w.stationID)
	}
	return true
}

// ActiveStations reports how many station workers currently exist.
func (q *Sequencer) ActiveStations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}
