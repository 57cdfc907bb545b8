package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from (required).
	Stream string

	// Group is the consumer group name (required).
	Group string

	// Consumer is the consumer name within the group (required). Keep it stable across restarts so the
	// entries it left pending are replayed by its next run.
	Consumer string

	// ClaimMinIdle is how long an entry must sit in another consumer's pending list before this
	// consumer claims it. Default: 1 minute.
	ClaimMinIdle time.Duration

	// Count is the max number of entries to read per batch. Default: 100.
	Count int64

	// Block is how long to wait for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is how long to wait before retrying after an error.
	// Default: 1 second.
	RetryInterval time.Duration

	// MaxRetryInterval is the maximum retry interval (with exponential backoff).
	// Default: 30 seconds.
	MaxRetryInterval time.Duration

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// MessageHandler processes a stream message. Return nil to acknowledge it,
// or return an error to leave it pending and see it again later.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a single stream entry with parsed fields.
type Message struct {
	// ID is the Redis stream entry ID (e.g., "1234567890123-0").
	ID string

	// Stream is the stream name this message came from.
	Stream string

	// Values contains the entry fields as key-value pairs.
	Values map[string]interface{}
}

// String returns field as a string, or "" when absent.
func (m Message) String(field string) string {
	switch v := m.Values[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// StreamConsumer consumes a stream through a consumer group with at-least-once delivery.
// Entries left pending by an earlier run of the same consumer are processed first, and entries idle in
// another consumer's pending list for ClaimMinIdle are claimed and replayed.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer creates a new stream consumer.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group == "" || config.Consumer == "" {
		return nil, errors.New("consumer group and consumer name are required")
	}

	// Apply defaults
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1 * time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}
	if config.ClaimMinIdle == 0 {
		config.ClaimMinIdle = time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamConsumer{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Run starts consuming messages and calls handler for each message.
// Blocks until context is cancelled. Automatically handles reconnection.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	sc.logger.Info("Consumer group ready",
		zap.String("stream", sc.config.Stream),
		zap.String("group", sc.config.Group),
		zap.String("consumer", sc.config.Consumer))

	// "0" replays this consumer's pending entries; ">" reads new ones.
	lastID := "0"
	retryInterval := sc.config.RetryInterval
	var lastClaim time.Time

	for {
		select {
		case <-ctx.Done():
			sc.logger.Info("Stream consumer shutting down",
				zap.String("stream", sc.config.Stream),
				zap.String("group", sc.config.Group))
			return ctx.Err()
		default:
		}

		if time.Since(lastClaim) >= sc.config.ClaimMinIdle {
			lastClaim = time.Now()
			claimed, err := sc.claimIdle(ctx)
			if err != nil && ctx.Err() == nil {
				sc.logger.Warn("Failed to claim idle entries", zap.String("stream", sc.config.Stream), zap.Error(err))
			}
			if claimed > 0 {
				sc.logger.Info("Claimed idle entries", zap.String("stream", sc.config.Stream), zap.Int("count", claimed))
				lastID = "0"
			}
		}

		messages, err := sc.readMessages(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if isNil(err) {
				// No messages available (timeout), continue
				continue
			}

			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			if !sc.wait(ctx, retryInterval) {
				return ctx.Err()
			}
			// Exponential backoff
			retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			continue
		}

		// Reset retry interval on success
		retryInterval = sc.config.RetryInterval

		if lastID == "0" && len(messages) == 0 {
			lastID = ">"
			continue
		}

		failed := false
		for _, msg := range messages {
			if err := sc.processMessage(ctx, handler, msg); err != nil {
				failed = true
				sc.logger.Error("Error processing message",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
				// Continue processing other messages
			}
		}
		if failed {
			// Failed entries stay pending; revisit them after a pause.
			lastID = "0"
			if !sc.wait(ctx, sc.config.RetryInterval) {
				return ctx.Err()
			}
		}
	}
}

// claimIdle moves every entry idle for ClaimMinIdle into this consumer's pending list.
func (sc *StreamConsumer) claimIdle(ctx context.Context) (int, error) {
	start := "0-0"
	claimed := 0
	for {
		msgs, next, err := sc.client.XAutoClaim(ctx, sc.config.Stream, sc.config.Group, sc.config.Consumer,
			sc.config.ClaimMinIdle, start, sc.config.Count)
		if err != nil {
			return claimed, err
		}
		claimed += len(msgs)
		if next == "" || next == "0-0" {
			return claimed, nil
		}
		start = next
	}
}

func (sc *StreamConsumer) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// readMessages reads a batch of messages from the stream.
func (sc *StreamConsumer) readMessages(ctx context.Context, lastID string) ([]Message, error) {
	block := sc.config.Block
	if lastID != ">" {
		// pending entries are returned immediately; never block on them
		block = -1
	}
	streams, err := sc.client.XReadGroup(ctx,
		sc.config.Group,
		sc.config.Consumer,
		sc.config.Stream,
		lastID,
		sc.config.Count,
		block,
	)
	if err != nil {
		return nil, err
	}

	var messages []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Values: xmsg.Values,
			})
		}
	}
	return messages, nil
}

// processMessage runs handler and acknowledges the entry when it succeeds.
func (sc *StreamConsumer) processMessage(ctx context.Context, handler MessageHandler, msg Message) error {
	if err := handler(ctx, msg); err != nil {
		return err
	}

	if _, ackErr := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); ackErr != nil {
		sc.logger.Warn("Failed to acknowledge message",
			zap.String("stream", sc.config.Stream),
			zap.String("id", msg.ID),
			zap.Error(ackErr))
	}
	return nil
}
