package ingest

import (
	"context"
	"log/slog"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
)

// Intake is the shared validation/normalization front shared by every
// source: parse, dead-letter on schema failure, decompose, drop redelivered
// duplicates, forward.
type Intake struct {
	cfg    *config.Manager
	out    chan<- model.RawSample
	sink   Sink
	dedupe *DedupeCache
	logger *slog.Logger
}

func NewIntake(cfg *config.Manager, out chan<- model.RawSample, sink Sink, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Intake{
		cfg:    cfg,
		out:    out,
		sink:   sink,
		dedupe: NewDedupeCache(),
		logger: logger,
	}
}

// Process handles one raw message. Validation failures go to the dead
// letter sink and are reported back; duplicates are silently dropped.
func (in *Intake) Process(ctx context.Context, source string, raw []byte) (accepted int, err error) {
	payload, err := ParsePayload(raw)
	if err != nil {
		if in.sink != nil {
			in.sink.DeadLetter(ctx, source, raw, err)
		}
		return 0, err
	}
	ttl := in.cfg.Get().Ingest.DedupeWindow
	now := time.Now().UTC()
	for _, s := range payload.Decompose() {
		if in.dedupe.Seen(s.DedupKey, now, ttl) {
			if in.logger != nil {
				in.logger.Debug("duplicate sample dropped",
					"station_id", s.StationID, "metric", s.Metric, "timestamp", s.Timestamp)
			}
			continue
		}
		if SendNonBlocking(ctx, in.out, s, in.logger) {
			accepted++
		}
	}
	return accepted, nil
}
