package core

import (
	"context"
	"encoding/json"

	"github.com/cenk/backoff"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const DefaultConsumerGroup = "mailsched-scheduled-tasks"

type FireConsumerConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

// fireSource is the slice of kafka.Reader the consumer needs.
type fireSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FireConsumer reads fire messages off the queue and feeds them to
// the dispatcher as invoke events. A message is committed only once it
// is handled: committing a later offset on the same partition would
// advance the group past an unhandled message and lose it, so a failed
// dispatch is retried in place with backoff instead of being skipped.
type FireConsumer struct {
	r          fireSource
	dispatcher *Dispatcher
	log        zerolog.Logger
}

func NewFireConsumer(conf FireConsumerConfig, dispatcher *Dispatcher, log zerolog.Logger) *FireConsumer {
	topic := conf.Topic

	if topic == "" {
		topic = ScheduledTasksTopic
	}

	group := conf.Group

	if group == "" {
		group = DefaultConsumerGroup
	}

	return &FireConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers: conf.Brokers,
			Topic:   topic,
			GroupID: group,
		}),
		dispatcher: dispatcher,
		log:        log.With().Str("component", "fire_consumer").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (c *FireConsumer) Run(ctx context.Context) {
	c.log.Info().Msg("starting fire consumer")

	for {
		m, err := c.r.FetchMessage(ctx)

		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("fire consumer stopped")
				return
			}

			c.log.Error().Err(err).Msg("failed to fetch fire message")
			continue
		}

		var fire FireMessage

		if err := json.Unmarshal(m.Value, &fire); err != nil {
			// A malformed message never becomes valid; commit it away.
			c.log.Error().Err(err).Str("key", string(m.Key)).Msg("malformed fire message, dropping")

			if err := c.r.CommitMessages(ctx, m); err != nil {
				c.log.Error().Err(err).Msg("failed to commit dropped message")
			}

			continue
		}

		if err := c.dispatchWithRetry(ctx, fire); err != nil {
			// Only ctx cancellation ends the retry loop.
			c.log.Info().Msg("fire consumer stopped")
			return
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Error().Err(err).Str("event_id", fire.EventID).Msg("failed to commit fire message")
		}
	}
}

// dispatchWithRetry blocks until the invoke succeeds or ctx is
// cancelled. The invoke lock makes every retry safe.
func (c *FireConsumer) dispatchWithRetry(ctx context.Context, fire FireMessage) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := c.dispatcher.Dispatch(ctx, InvokeEvent{
			EventID:         fire.EventID,
			TemplateID:      fire.TemplateID,
			TemplateVersion: fire.TemplateVersion,
			UserIDs:         fire.UserIDs,
		})

		if err != nil {
			c.log.Error().Err(err).Str("event_id", fire.EventID).Msg("failed to handle fire message, retrying")
		}

		return err
	}, backoff.WithContext(b, ctx))
}

func (c *FireConsumer) Close() error {
	return c.r.Close()
}
