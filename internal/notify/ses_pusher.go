package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sesAPI is the slice of the SES client the pusher uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailLookup resolves the recipient address for a user.
type EmailLookup interface {
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// SESPusher delivers notifications by email for users without the app
// installed.
type SESPusher struct {
	client sesAPI
	emails EmailLookup
	from   string
	logger *zap.Logger
}

func NewSESPusher(client sesAPI, emails EmailLookup, from string, logger *zap.Logger) *SESPusher {
	return &SESPusher{
		client: client,
		emails: emails,
		from:   from,
		logger: logger,
	}
}

func (p *SESPusher) Push(ctx context.Context, userID uuid.UUID, category, title, body string) error {
	to, err := p.emails.GetUserEmail(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	out, err := p.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	p.logger.Debug("notification emailed",
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.String("category", category),
	)
	return nil
}
