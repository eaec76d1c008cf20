package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// snsAPI is the slice of the SNS client the pusher uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPusher publishes notifications to the mobile push fan-out topic.
// Subscribers downstream handle device targeting.
type SNSPusher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

func NewSNSPusher(client snsAPI, topicARN string, logger *zap.Logger) *SNSPusher {
	return &SNSPusher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

type snsPayload struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

func (p *SNSPusher) Push(ctx context.Context, userID uuid.UUID, category, title, body string) error {
	msg, err := json.Marshal(snsPayload{
		UserID:   userID.String(),
		Category: category,
		Title:    title,
		Body:     body,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(msg)),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}

	p.logger.Debug("notification published",
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.String("category", category),
	)
	return nil
}
