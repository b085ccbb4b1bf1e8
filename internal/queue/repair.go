// Package queue carries metafield repair tasks from the request path to the
// repair worker: published to SNS, delivered to the worker through SQS.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/survey"
)

type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSQueue is a survey.RepairQueue backed by an SNS topic.
type SNSQueue struct {
	Client   Publisher
	TopicARN string
}

func NewSNSQueue(client Publisher, topicARN string) (*SNSQueue, error) {
	if topicARN == "" {
		return nil, errors.New("REPAIR_TOPIC_ARN not set")
	}
	return &SNSQueue{Client: client, TopicARN: topicARN}, nil
}

func (q *SNSQueue) Enqueue(ctx context.Context, task survey.RepairTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.Client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(q.TopicARN),
		Message:  aws.String(string(b)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(task.Kind))},
			"shop": {DataType: aws.String("String"), StringValue: aws.String(task.Shop)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish repair task: %w", err)
	}
	return nil
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// DecodeTask reads an SQS body holding either an SNS notification envelope
// (the default subscription format) or a raw task.
func DecodeTask(body string) (survey.RepairTask, error) {
	var task survey.RepairTask

	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = env.Message
	}
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return task, fmt.Errorf("unmarshal repair task: %w", err)
	}
	return task, task.Validate()
}

type Runner interface {
	RunRepair(ctx context.Context, task survey.RepairTask) error
}

// HandleBatch runs every task in the batch and reports the failed messages so
// SQS retries only those, or moves them to the DLQ.
func HandleBatch(ctx context.Context, runner Runner, ev events.SQSEvent) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, rec := range ev.Records {
		task, err := DecodeTask(rec.Body)
		if err != nil {
			// a malformed task will never succeed
			log.Error().Err(err).Str("msgId", rec.MessageId).Msg("dropping undecodable repair task")
			continue
		}
		if err := runner.RunRepair(ctx, task); err != nil {
			log.Warn().Err(err).
				Str("msgId", rec.MessageId).
				Str("shop", task.Shop).
				Str("key", task.Key).
				Str("kind", string(task.Kind)).
				Msg("repair task failed")
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}
