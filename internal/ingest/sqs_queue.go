package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// sqsAPI is the slice of the SQS client the queue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue is the multi-instance queue: any instance can receive a
// webhook, any instance can run the resulting sync. Ack deletes the
// message; an unacked job becomes visible again after the visibility
// timeout and is retried elsewhere.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

func NewSQSQueue(client sqsAPI, queueURL string, logger *zap.Logger) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// Dequeue long-polls until a job arrives or ctx ends.
func (q *SQSQueue) Dequeue(ctx context.Context) (Job, func(), error) {
	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     10,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, nil, ctx.Err()
			}
			return Job{}, nil, fmt.Errorf("sqs receive: %w", err)
		}
		if len(out.Messages) == 0 {
			if ctx.Err() != nil {
				return Job{}, nil, ctx.Err()
			}
			continue
		}

		msg := out.Messages[0]
		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			q.logger.Error("discarding undecodable queue message", zap.Error(err))
			q.delete(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}

		receipt := aws.ToString(msg.ReceiptHandle)
		ack := func() { q.delete(context.Background(), receipt) }
		return job, ack, nil
	}
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		q.logger.Warn("failed to delete queue message", zap.Error(err))
	}
}

// Close is a no-op; the queue lives in SQS.
func (q *SQSQueue) Close() {}
