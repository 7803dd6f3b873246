package core

import (
	"context"

	"github.com/rs/zerolog"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/segmentio/kafka-go"
)

const ScheduledTasksTopic = "scheduled-tasks"

// TaskExecutor hands a due schedule to the fire queue. Execute
// reports failure by returning false, never by panicking, so the
// monitor stays in charge of retry policy.
type TaskExecutor interface {
	Execute(ctx context.Context, entry ScheduleEntry) bool
}

type KafkaTaskExecutorConfig struct {
	Brokers []string
	Topic   string
}

// kafkaTaskExecutor publishes fire messages keyed by schedule name.
// The hash balancer pins a key to one partition, so redelivery of the
// same schedule preserves order relative to itself.
type kafkaTaskExecutor struct {
	w       *kafka.Writer
	cb      *circuit.Breaker
	metrics *metrics
	log     zerolog.Logger
}

func NewKafkaTaskExecutor(conf KafkaTaskExecutorConfig, log zerolog.Logger) TaskExecutor {
	topic := conf.Topic

	if topic == "" {
		topic = ScheduledTasksTopic
	}

	m := newMetrics()

	return &kafkaTaskExecutor{
		w: &kafka.Writer{
			Addr:         kafka.TCP(conf.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		cb:      circuit.NewThresholdBreaker(12),
		metrics: &m,
		log:     log.With().Str("component", "task_executor").Logger(),
	}
}

func (ex *kafkaTaskExecutor) Execute(ctx context.Context, entry ScheduleEntry) bool {
	err := ex.cb.CallContext(ctx, func() error {
		return ex.w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(entry.Name),
			Value: []byte(entry.Payload),
		})
	}, 0)

	if err != nil {
		ex.log.Error().Err(err).Str("schedule", entry.Name).Msg("failed to publish fire message")
		return false
	}

	ex.metrics.Op()
	ex.log.Info().Str("schedule", entry.Name).Float64("op_rate", ex.metrics.OpRate()).Msg("published fire message")

	return true
}

func (ex *kafkaTaskExecutor) Close() error {
	return ex.w.Close()
}
