package core

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
)

// SendStatusSent is the status recorded after a successful transport
// call.
const SendStatusSent = "SEND"

type Template struct {
	Subject string
	Body    string
}

// TemplateRepository resolves the email template for a notification,
// either the latest version (version == nil) or an exact one.
type TemplateRepository interface {
	Lookup(ctx context.Context, templateID int64, version *float32) (*Template, error)
}

type Recipient struct {
	ID    int64
	Email string
}

// RecipientDirectory resolves user ids to addressable recipients.
// Users without an email attribute are omitted from the result.
type RecipientDirectory interface {
	Resolve(ctx context.Context, userIDs []int64) ([]Recipient, error)
}

// MailSender is the outbound email transport. Send returns the
// provider's message id.
type MailSender interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// SendHistorySink records one audit row per attempted send.
type SendHistorySink interface {
	Record(ctx context.Context, userID int64, messageID, body, status string) error
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type sesMailSender struct {
	client sesAPI
	from   string
	log    zerolog.Logger
}

func NewSesMailSender(client sesAPI, from string, log zerolog.Logger) MailSender {
	return &sesMailSender{
		client: client,
		from:   from,
		log:    log.With().Str("component", "ses_mail_sender").Logger(),
	}
}

func (s *sesMailSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(body)},
				},
			},
		},
	})

	if err != nil {
		return "", fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	messageID := aws.ToString(out.MessageId)

	s.log.Info().Str("to", to).Str("message_id", messageID).Msg("sent email")

	return messageID, nil
}
