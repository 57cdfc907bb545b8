package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tollgate-video/tollgate/pkg/billing"
)

// RetryGroup is the consumer group settling queued retries.
const RetryGroup = "settlers"

// RetryQueue queues failed settlements on a stream so any gateway instance can retry them.
type RetryQueue struct {
	c *Client
}

var _ billing.RetryQueue = (*RetryQueue)(nil)

func NewRetryQueue(c *Client) *RetryQueue {
	return &RetryQueue{c: c}
}

// Stream is the retry stream name.
func (q *RetryQueue) Stream() string {
	return q.c.Key("settlements", "retry")
}

func (q *RetryQueue) Enqueue(ctx context.Context, req billing.RetryRequest) error {
	_, err := q.c.XAdd(ctx, q.Stream(), map[string]interface{}{
		"user_id":    req.UserID,
		"creator_id": req.CreatorID,
		"attempt":    req.Attempt,
		"reason":     req.Reason,
	})
	return err
}

// Len reports the number of entries on the stream.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.c.XLen(ctx, q.Stream())
}

// DecodeRetry reads a RetryRequest from a stream message.
func DecodeRetry(msg Message) (billing.RetryRequest, error) {
	req := billing.RetryRequest{
		UserID:    msg.String("user_id"),
		CreatorID: msg.String("creator_id"),
		Reason:    msg.String("reason"),
	}
	if req.UserID == "" {
		return req, fmt.Errorf("retry entry %s has no user_id", msg.ID)
	}
	attempt, err := strconv.Atoi(msg.String("attempt"))
	if err != nil {
		return req, fmt.Errorf("retry entry %s: bad attempt: %w", msg.ID, err)
	}
	req.Attempt = attempt
	return req, nil
}
