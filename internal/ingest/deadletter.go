package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
)

// DeadLetterSink writes rejected messages to a kafka topic so operators can
// inspect them. When no brokers are configured it degrades to logging only,
// so a missing sink never stalls intake.
type DeadLetterSink struct {
	writer *kafka.Writer
	logger *slog.Logger
	count  func()
}

type deadLetterRecord struct {
	Source     string `json:"source"`
	Error      string `json:"error"`
	Field      string `json:"field,omitempty"`
	ReceivedAt string `json:"received_at"`
	Payload    string `json:"payload"`
}

func NewDeadLetterSink(cfg config.DeadLetterConfig, logger *slog.Logger, onDeadLetter func()) *DeadLetterSink {
	if logger == nil {
		logger = logging.Discard()
	}
	sink := &DeadLetterSink{logger: logger, count: onDeadLetter}
	if cfg.Enabled && len(cfg.Brokers) > 0 {
		sink.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: 5 * time.Second,
			Async:        true,
		}
	}
	return sink
}

func (s *DeadLetterSink) DeadLetter(ctx context.Context, source string, raw []byte, cause error) {
	if s == nil {
		return
	}
	if s.count != nil {
		s.count()
	}
	field := ""
	var verr *ValidationError
	if errors.As(cause, &verr) {
		field = verr.Field
	}
	if s.logger != nil {
		s.logger.Warn("message dead-lettered",
			"source", source, "field", field, "err", cause)
	}
	if s.writer == nil {
		return
	}
	rec := deadLetterRecord{
		Source:     source,
		Error:      cause.Error(),
		Field:      field,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    string(raw),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Value: value}); err != nil {
		if s.logger != nil {
			s.logger.Error("dead-letter write failed", "err", err)
		}
	}
}

func (s *DeadLetterSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
