package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type captureSNS struct {
	published []*sns.PublishInput
	err       error
}

func (c *captureSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.published = append(c.published, params)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSPusher_PublishesToTopic(t *testing.T) {
	client := &captureSNS{}
	p := NewSNSPusher(client, "arn:aws:sns:us-east-1:123:notify", zap.NewNop())
	userID := uuid.New()

	if err := p.Push(context.Background(), userID, "low_readiness", "Take it easy", "Score is 48"); err != nil {
		t.Fatalf("push: %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("published = %d", len(client.published))
	}
	in := client.published[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:notify" {
		t.Fatalf("topic = %s", aws.ToString(in.TopicArn))
	}

	var payload struct {
		UserID   string `json:"user_id"`
		Category string `json:"category"`
		Title    string `json:"title"`
		Body     string `json:"body"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &payload); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if payload.UserID != userID.String() || payload.Category != "low_readiness" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestSNSPusher_SurfacesPublishError(t *testing.T) {
	client := &captureSNS{err: errors.New("throttled")}
	p := NewSNSPusher(client, "arn:topic", zap.NewNop())

	if err := p.Push(context.Background(), uuid.New(), "cat", "t", "b"); err == nil {
		t.Fatal("expected error")
	}
}
