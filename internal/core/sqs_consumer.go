package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

const (
	sqsMaxMessages     = 10
	sqsWaitTimeSeconds = 20
)

// sqsAPI is the slice of the SQS client the consumer needs.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SqsFireConsumerConfig struct {
	QueueUrl string
}

// SqsFireConsumer is the fire-signal consumer for the managed backend:
// the external scheduler delivers each schedule's target input to a
// queue, and the message body is the fire message. A message is
// deleted only once it is handled; a failed dispatch leaves it on the
// queue and the visibility timeout redelivers it, which the invoke
// lock makes safe.
type SqsFireConsumer struct {
	client     sqsAPI
	queueUrl   string
	dispatcher *Dispatcher
	log        zerolog.Logger
}

func NewSqsFireConsumer(client sqsAPI, conf SqsFireConsumerConfig, dispatcher *Dispatcher, log zerolog.Logger) *SqsFireConsumer {
	return &SqsFireConsumer{
		client:     client,
		queueUrl:   conf.QueueUrl,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "sqs_fire_consumer").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (c *SqsFireConsumer) Run(ctx context.Context) {
	c.log.Info().Str("queue", c.queueUrl).Msg("starting sqs fire consumer")

	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("sqs fire consumer stopped")
			return
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueUrl),
			MaxNumberOfMessages: sqsMaxMessages,
			WaitTimeSeconds:     sqsWaitTimeSeconds,
		})

		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("sqs fire consumer stopped")
				return
			}

			c.log.Error().Err(err).Msg("failed to receive fire messages")
			time.Sleep(time.Second)
			continue
		}

		for _, m := range out.Messages {
			c.handle(ctx, aws.ToString(m.Body), aws.ToString(m.ReceiptHandle))
		}
	}
}

func (c *SqsFireConsumer) handle(ctx context.Context, body, receiptHandle string) {
	var fire FireMessage

	if err := json.Unmarshal([]byte(body), &fire); err != nil {
		// A malformed message never becomes valid; delete it away.
		c.log.Error().Err(err).Msg("malformed fire message, dropping")
		c.delete(ctx, receiptHandle)

		return
	}

	err := c.dispatcher.Dispatch(ctx, InvokeEvent{
		EventID:         fire.EventID,
		TemplateID:      fire.TemplateID,
		TemplateVersion: fire.TemplateVersion,
		UserIDs:         fire.UserIDs,
	})

	if err != nil {
		// Not deleted: the visibility timeout redelivers it.
		c.log.Error().Err(err).Str("event_id", fire.EventID).Msg("failed to handle fire message, leaving for redelivery")
		return
	}

	c.delete(ctx, receiptHandle)
}

func (c *SqsFireConsumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueUrl),
		ReceiptHandle: aws.String(receiptHandle),
	})

	if err != nil {
		c.log.Error().Err(err).Msg("failed to delete handled fire message")
	}
}
