package pushbus

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"sitewatch/map-go/internal/metrics"
)

const (
	kafkaMinBytes = 1
	kafkaMaxBytes = 1_000_000
)

type KafkaOptions struct {
	Brokers []string
	GroupID string
	Topics  []string
	// Prefix is stripped from Kafka topic names: "sitewatch.event.door" with prefix "sitewatch." is "event.door".
	Prefix string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes the configured topics as a group and republishes every record on the bus.
type KafkaSource struct {
	log     zerolog.Logger
	bus     *Bus
	metrics *metrics.Metrics
	prefix  string
	reader  messageReader
}

func NewKafkaSource(log zerolog.Logger, bus *Bus, m *metrics.Metrics, opts KafkaOptions) *KafkaSource {
	groupID := opts.GroupID
	if groupID == "" {
		groupID = "map-go"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		GroupID:     groupID,
		GroupTopics: opts.Topics,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return &KafkaSource{log: log, bus: bus, metrics: m, prefix: opts.Prefix, reader: r}
}

// Run consumes until ctx is done. Fetch errors back off and retry; a record is committed once the bus
// has delivered it.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 500 * time.Millisecond

		s.metrics.IncPushMessage("kafka")
		s.bus.Publish(BusTopic(s.prefix, msg.Topic, "."), "kafka", msg.Value)
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
	}
}
