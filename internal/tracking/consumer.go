// Package tracking consumes delivery vendor notifications and feeds them
// into the delivery status tracker.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// StatusApplier applies recipient status updates.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, u campaign.StatusUpdate) (campaign.Outcome, error)
}

// Consumer long-polls an SQS queue of SES notifications. Delivery and Open
// events move the tagged recipient to DELIVERED or OPENED.
type Consumer struct {
	client   sqsAPI
	queueURL string
	tracker  StatusApplier

	waitSeconds  int32
	errorBackoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client sqsAPI, queueURL string, tracker StatusApplier) *Consumer {
	return &Consumer{
		client:       client,
		queueURL:     queueURL,
		tracker:      tracker,
		waitSeconds:  20,
		errorBackoff: 5 * time.Second,
	}
}

// Start begins polling in the background until ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
	logger.Info("tracking consumer started", "queue", c.queueURL)
}

// Stop ends polling and waits for the in-progress batch.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := c.ProcessBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("tracking receive failed", "queue", c.queueURL, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errorBackoff):
			}
		}
	}
}

// ProcessBatch receives one batch and handles each message. It returns the
// number of messages deleted from the queue.
func (c *Consumer) ProcessBatch(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range out.Messages {
		if !c.handle(ctx, msg) {
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			logger.Warn("tracking delete failed", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// handle processes one message and reports whether it should be deleted.
// Only transient tracker failures leave a message for redelivery.
func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	evt, err := ParseNotification([]byte(aws.ToString(msg.Body)))
	if err != nil {
		logger.Warn("tracking dropping malformed message", "message_id", aws.ToString(msg.MessageId), "error", err)
		return true
	}
	if !evt.Relevant() {
		logger.Debug("tracking ignoring event", "kind", evt.Kind, "message_id", evt.MessageID)
		return true
	}

	var ts *time.Time
	if !evt.Timestamp.IsZero() {
		ts = &evt.Timestamp
	}
	outcome, err := c.tracker.ApplyStatus(ctx, campaign.StatusUpdate{
		CampaignID: evt.CampaignID,
		CustomerID: evt.CustomerID,
		Status:     evt.Status,
		Timestamp:  ts,
	})
	switch {
	case err == nil:
		logger.Debug("tracking applied event",
			"campaign_id", evt.CampaignID,
			"customer_id", evt.CustomerID,
			"status", evt.Status,
			"outcome", outcome)
		return true
	case permanent(err):
		logger.Warn("tracking event rejected",
			"campaign_id", evt.CampaignID,
			"customer_id", evt.CustomerID,
			"status", evt.Status,
			"error", err)
		return true
	default:
		logger.Error("tracking event not applied, leaving for redelivery",
			"campaign_id", evt.CampaignID,
			"customer_id", evt.CustomerID,
			"error", err)
		return false
	}
}

// permanent reports whether redelivering the event cannot help. An
// engagement event for a recipient still PENDING is not: the dispatch
// outcome may not be recorded yet, so the message waits for redelivery and
// the queue's redrive policy bounds how long.
func permanent(err error) bool {
	var te *campaign.TransitionError
	if errors.As(err, &te) && te.Current == domain.RecipientPending {
		return false
	}
	return errors.Is(err, campaign.ErrInvalidTransition) ||
		errors.Is(err, campaign.ErrRecipientNotFound) ||
		errors.Is(err, campaign.ErrNotFound) ||
		errors.Is(err, campaign.ErrUnknownStatus) ||
		errors.Is(err, campaign.ErrInvalidInput)
}
