package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ API = (*sqs.Client)(nil)

// MaxPayloadBytes bounds the encoded event payload so the EventJob envelope still fits in
// one SQS message (256KB).
const MaxPayloadBytes = 200 << 10

// EventJob is an admitted booking event waiting for domain sync.
// Keep it small; SQS has a 256KB message size limit.
type EventJob struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	EventKey   string          `json:"eventKey"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

type Producer struct {
	SQS      API
	QueueURL string
	// GroupBuckets spreads FIFO message groups; <=0 uses defaultGroupBuckets.
	GroupBuckets int
}

const defaultGroupBuckets = 16

func (p *Producer) EnqueueEvent(ctx context.Context, job EventJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = str(messageGroupID(job.Provider, job.EventKey, p.GroupBuckets))
		in.MessageDeduplicationId = str(dedupID(job.EventKey))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// Ping checks that the queue exists and is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return pingQueue(ctx, p.SQS, p.QueueURL)
}

func pingQueue(ctx context.Context, api API, url string) error {
	_, err := api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: &url})
	return err
}

// messageGroupID hashes the event key into a bounded number of FIFO groups per provider.
func messageGroupID(provider, eventKey string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventKey))
	return fmt.Sprintf("%s:%d", provider, h.Sum32()%uint32(buckets))
}

// dedupID keeps the deduplication id within the 128 character SQS limit.
func dedupID(eventKey string) string {
	if len(eventKey) <= 128 {
		return eventKey
	}
	return eventKey[:128]
}

func str(s string) *string { return &s }
