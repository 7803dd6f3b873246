package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

type fakeSqsQueue struct {
	mu      sync.Mutex
	deleted []string
}

func (q *fakeSqsQueue) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (q *fakeSqsQueue) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleted = append(q.deleted, aws.ToString(params.ReceiptHandle))

	return &sqs.DeleteMessageOutput{}, nil
}

func (q *fakeSqsQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string(nil), q.deleted...)
}

func newTestSqsConsumer(queue *fakeSqsQueue, ledger LedgerStore, mailer MailSender) *SqsFireConsumer {
	d := NewDispatcher(
		ledger,
		&stubTemplates{template: Template{Subject: "Hello", Body: "<p>Hi</p>"}},
		&stubDirectory{recipients: []Recipient{{ID: 7, Email: "seven@example.com"}}},
		mailer,
		&memHistory{},
		ProviderTypeAws,
		zerolog.Nop(),
	)

	return NewSqsFireConsumer(queue, SqsFireConsumerConfig{QueueUrl: "https://sqs.test/fire"}, d, zerolog.Nop())
}

func TestSqsConsumer_HandledMessageIsDeleted(t *testing.T) {
	ctx := context.Background()

	ledger := newMemLedger()
	registerLedgerRow(t, ledger, "e1", time.Now().Add(time.Hour))

	queue := &fakeSqsQueue{}
	mailer := &countingMailer{}
	c := newTestSqsConsumer(queue, ledger, mailer)

	c.handle(ctx, `{"eventId":"e1","templateId":1,"userIds":[7]}`, "rh-1")

	if mailer.count() != 1 {
		t.Fatalf("The fire message must be dispatched: expected: 1, got: %d\n", mailer.count())
	}

	deleted := queue.deletedHandles()

	if len(deleted) != 1 || deleted[0] != "rh-1" {
		t.Fatalf("A handled message must be deleted, got: %v\n", deleted)
	}

	rec, err := ledger.FindByEventID(ctx, "e1")

	if err != nil {
		t.Fatalf("The ledger row is missing: %v\n", err)
	}

	if !rec.Completed {
		t.Fatalf("The row must be completed after the fire signal\n")
	}
}

func TestSqsConsumer_FailedDispatchLeavesMessage(t *testing.T) {
	ctx := context.Background()

	ledger := newMemLedger()
	registerLedgerRow(t, ledger, "e1", time.Now().Add(time.Hour))

	queue := &fakeSqsQueue{}
	mailer := &flakyMailer{failures: 1}
	c := newTestSqsConsumer(queue, ledger, mailer)

	c.handle(ctx, `{"eventId":"e1","templateId":1,"userIds":[7]}`, "rh-1")

	if len(queue.deletedHandles()) != 0 {
		t.Fatalf("A failed dispatch must leave the message for redelivery, got: %v\n", queue.deletedHandles())
	}

	// The visibility timeout hands the message back; the retry sends.
	c.handle(ctx, `{"eventId":"e1","templateId":1,"userIds":[7]}`, "rh-2")

	if mailer.count() != 1 {
		t.Fatalf("Exactly one email must be sent: expected: 1, got: %d\n", mailer.count())
	}

	deleted := queue.deletedHandles()

	if len(deleted) != 1 || deleted[0] != "rh-2" {
		t.Fatalf("The redelivered message must be deleted, got: %v\n", deleted)
	}
}

func TestSqsConsumer_DropsMalformedMessages(t *testing.T) {
	ctx := context.Background()

	queue := &fakeSqsQueue{}
	mailer := &countingMailer{}
	c := newTestSqsConsumer(queue, newMemLedger(), mailer)

	c.handle(ctx, "not json", "rh-1")

	if mailer.count() != 0 {
		t.Fatalf("A malformed message must not be dispatched, got: %d\n", mailer.count())
	}

	deleted := queue.deletedHandles()

	if len(deleted) != 1 || deleted[0] != "rh-1" {
		t.Fatalf("A malformed message must be deleted away, got: %v\n", deleted)
	}
}
