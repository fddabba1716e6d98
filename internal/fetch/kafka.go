package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"healthwatch/internal/config"
	"healthwatch/internal/model"
)

// KafkaSource consumes snapshot JSON payloads from a topic. It satisfies
// Source so watch mode can run against a message feed instead of polling
// HTTP; the useCache flag has no meaning here and is ignored.
type KafkaSource struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewKafkaSource(cfg config.KafkaConfig, logger *slog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return &KafkaSource{reader: reader, logger: logger}
}

// Fetch blocks until the next parseable snapshot message arrives or the
// context is cancelled. Unparseable messages are skipped.
func (s *KafkaSource) Fetch(ctx context.Context, _ bool) (*model.Snapshot, error) {
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			return nil, &Error{Kind: ErrNetwork, Attempts: 1, Err: err}
		}
		snap, perr := ParseSummary(m.Value, time.Now().UTC())
		if perr != nil {
			if s.logger != nil {
				s.logger.Warn("skipping malformed snapshot message",
					"offset", m.Offset, "err", perr)
			}
			continue
		}
		snap.Attempts = 1
		return snap, nil
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
