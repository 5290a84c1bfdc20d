package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/ingest"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/storage"
)

// Processor persists samples exactly-once from the store's point of view:
// the upsert is keyed by the dedup key, so broker redelivery is a no-op.
// Store failures move the sample onto a bounded retry queue with
// exponential backoff; exhausting the attempt budget dead-letters the
// sample and raises an operational alert.
type Processor struct {
	cfg     *config.Manager
	store   storage.Store
	sink    ingest.Sink
	opAlert func(msg string)
	logger  *slog.Logger

	retry chan retryItem
	wg    sync.WaitGroup

	storeDown atomic.Bool

	Persisted  atomic.Int64
	Duplicates atomic.Int64
	Retried    atomic.Int64
	Exhausted  atomic.Int64
}

// Outcome classifies one Persist call for the station worker.
type Outcome int

const (
	// Stored: a new row was written.
	Stored Outcome = iota
	// Duplicate: the dedup key was already present. The sample has been
	// evaluated before and must not be evaluated again.
	Duplicate
	// Deferred: the store rejected the write and the sample is queued
	// for retry. It is still first-seen and worth evaluating; only the
	// durable copy is late.
	Deferred
)

type retryItem struct {
	sample  model.RawSample
	attempt int
	due     time.Time
}

func New(cfg *config.Manager, store storage.Store, sink ingest.Sink, opAlert func(string), logger *slog.Logger) *Processor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Processor{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		opAlert: opAlert,
		logger:  logger,
		retry:   make(chan retryItem, cfg.Get().Retry.QueueBound),
	}
}

// Start launches the retry drainer.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case item := <-p.retry:
				if wait := time.Until(item.due); wait > 0 {
					t := time.NewTimer(wait)
					select {
					case <-t.C:
					case <-ctx.Done():
						t.Stop()
						return
					}
				}
				p.attempt(ctx, item)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Processor) Wait() {
	p.wg.Wait()
}

// Persist writes one sample. Runs on the station worker goroutine; the
// first failure hands off to the retry queue so the station is never
// stalled by a degraded store. Only a Duplicate outcome means the sample
// was seen before; a Deferred write must still flow through evaluation
// and fan-out.
func (p *Processor) Persist(ctx context.Context, s model.RawSample) Outcome {
	if p.store == nil {
		return Stored
	}
	inserted, err := p.upsert(ctx, s)
	if err != nil {
		p.scheduleRetry(ctx, s, 1)
		return Deferred
	}
	p.recovered()
	if inserted {
		p.Persisted.Add(1)
		return Stored
	}
	p.Duplicates.Add(1)
	return Duplicate
}

func (p *Processor) upsert(ctx context.Context, s model.RawSample) (bool, error) {
	timeout := p.cfg.Get().Storage.Timeout
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	inserted, err := p.store.UpsertSample(opCtx, s)
	if err != nil {
		return false, err
	}
	if inserted {
		devCtx, devCancel := context.WithTimeout(ctx, timeout)
		defer devCancel()
		if err := p.store.TouchDevice(devCtx, s.DeviceID, s.StationID, deviceTypeOf(s), s.Timestamp); err != nil {
			// last_seen is advisory; the sample itself is durable.
			if p.logger != nil {
				p.logger.Warn("device last_seen update failed", "device_id", s.DeviceID, "err", err)
			}
		}
	}
	return inserted, nil
}

func (p *Processor) scheduleRetry(ctx context.Context, s model.RawSample, attempt int) {
	retryCfg := p.cfg.Get().Retry
	if attempt > retryCfg.MaxAttempts {
		p.exhaust(ctx, s)
		return
	}
	item := retryItem{sample: s, attempt: attempt, due: time.Now().Add(backoff(retryCfg, attempt))}
	select {
	case p.retry <- item:
		p.Retried.Add(1)
		if p.logger != nil {
			p.logger.Warn("store write failed, scheduled retry",
				"station_id", s.StationID, "metric", s.Metric, "attempt", attempt)
		}
	default:
		// Retry queue full: the store has been down a while. Dead-letter
		// instead of blocking the pipeline.
		p.exhaust(ctx, s)
	}
}

func (p *Processor) attempt(ctx context.Context, item retryItem) {
	inserted, err := p.upsert(ctx, item.sample)
	if err != nil {
		p.scheduleRetry(ctx, item.sample, item.attempt+1)
		return
	}
	p.recovered()
	if inserted {
		p.Persisted.Add(1)
	} else {
		p.Duplicates.Add(1)
	}
}

// recovered clears the outage latch on the first successful write so the
// next exhaustion raises a fresh operational alert.
func (p *Processor) recovered() {
	if p.storeDown.Swap(false) && p.logger != nil {
		p.logger.Info("telemetry store recovered")
	}
}

func (p *Processor) exhaust(ctx context.Context, s model.RawSample) {
	p.Exhausted.Add(1)
	if p.logger != nil {
		p.logger.Error("store retries exhausted, sample dead-lettered",
			"station_id", s.StationID, "metric", s.Metric, "timestamp", s.Timestamp)
	}
	if p.sink != nil {
		raw, _ := json.Marshal(s)
		p.sink.DeadLetter(ctx, "processor", raw, errStoreUnavailable)
	}
	// One operational alert per outage, not per sample: the latch holds
	// until a write lands again.
	first := !p.storeDown.Swap(true)
	if first && p.opAlert != nil {
		p.opAlert("telemetry store unreachable, samples are being dead-lettered")
	}
}

var errStoreUnavailable = errors.New("telemetry store unavailable after retries")

// backoff computes base * multiplier^(attempt-1) capped at max.
func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func deviceTypeOf(s model.RawSample) model.DeviceType {
	suffix := strings.TrimPrefix(s.DeviceID, s.StationID+"-")
	switch model.DeviceType(suffix) {
	case model.DeviceGateway, model.DeviceSensorPower, model.DeviceSensorSecurity,
		model.DeviceCamera, model.DeviceSensorFire:
		return model.DeviceType(suffix)
	}
	return model.DeviceGateway
}
