package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lightwatch/internal/model"
)

// ValidationError describes a malformed inbound payload. It is dead-lettered
// with the raw message and never enters the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Sink receives messages that cannot be processed.
type Sink interface {
	DeadLetter(ctx context.Context, source string, raw []byte, cause error)
}

func SendNonBlocking(ctx context.Context, out chan<- model.RawSample, s model.RawSample, logger *slog.Logger) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("sample channel full, dropping sample",
				"station_id", s.StationID, "metric", s.Metric, "timestamp", s.Timestamp)
		}
		return false
	}
}

// DedupeCache remembers dedup keys for a TTL so broker redeliveries are
// recognized before they reach the store or the threshold engine.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 100000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}
