package hub

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/puzpuzpuz/xsync/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tollgate-video/tollgate/pkg/redis"
	"go.uber.org/zap"
)

// Message is the frame written to a user's WebSocket connections.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscriber is one connection's inbox. The channel is never closed; readers stop on their own context.
type Subscriber struct {
	id   uint64
	send chan Message
}

func (s *Subscriber) C() <-chan Message {
	return s.send
}

// Hub fans billing events published on Redis out to the connections held by this instance.
type Hub struct {
	client  *redis.Client
	logger  *zap.Logger
	subs    *xsync.Map[string, []*Subscriber]
	nextID  atomic.Uint64
	bufSize int

	// subscribed is flipped once the pattern subscription is confirmed.
	subscribed atomic.Bool
}

func New(client *redis.Client, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		client:  client,
		logger:  logger.With(zap.String("component", "hub")),
		subs:    xsync.NewMap[string, []*Subscriber](),
		bufSize: 256,
	}
}

// Register adds a connection for userID.
func (h *Hub) Register(userID string) *Subscriber {
	sub := &Subscriber{id: h.nextID.Add(1), send: make(chan Message, h.bufSize)}
	h.subs.Compute(userID, func(old []*Subscriber, _ bool) ([]*Subscriber, xsync.ComputeOp) {
		next := make([]*Subscriber, 0, len(old)+1)
		next = append(next, old...)
		return append(next, sub), xsync.UpdateOp
	})
	return sub
}

func (h *Hub) Unregister(userID string, sub *Subscriber) {
	h.subs.Compute(userID, func(old []*Subscriber, loaded bool) ([]*Subscriber, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		next := make([]*Subscriber, 0, len(old))
		for _, s := range old {
			if s.id != sub.id {
				next = append(next, s)
			}
		}
		if len(next) == 0 {
			return nil, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
}

// Connections reports how many connections userID has on this instance.
func (h *Hub) Connections(userID string) int {
	subs, _ := h.subs.Load(userID)
	return len(subs)
}

// Deliver queues msg on every connection of userID and returns how many accepted it.
// A full inbox drops the message for that connection only.
func (h *Hub) Deliver(userID string, msg Message) int {
	subs, ok := h.subs.Load(userID)
	if !ok {
		return 0
	}
	delivered := 0
	for _, s := range subs {
		select {
		case s.send <- msg:
			delivered++
		default:
			h.logger.Warn("Connection inbox full, dropping event",
				zap.String("user_id", userID),
				zap.String("type", msg.Type))
		}
	}
	return delivered
}

// Subscribed reports whether the Redis pattern subscription is currently live.
func (h *Hub) Subscribed() bool {
	return h.subscribed.Load()
}

// Run keeps a PSUBSCRIBE on every user's event channel open until ctx is cancelled,
// reconnecting with exponential backoff when Redis goes away.
func (h *Hub) Run(ctx context.Context) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	pattern := h.client.EventPattern()
	backoff := initialBackoff
	attemptNum := 0

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event subscription cancelled")
			return
		default:
		}

		attemptNum++
		err := h.attempt(ctx, pattern, attemptNum)
		h.subscribed.Store(false)
		if ctx.Err() != nil {
			h.logger.Info("Event subscription cancelled")
			return
		}

		if err != nil {
			h.logger.Warn("Event subscription failed, will retry",
				zap.Error(err),
				zap.Int("attempt", attemptNum),
				zap.Duration("backoff", backoff))
		} else {
			h.logger.Warn("Event subscription channel closed, will retry",
				zap.Int("attempt", attemptNum),
				zap.Duration("backoff", backoff))
			backoff = initialBackoff
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (h *Hub) attempt(ctx context.Context, pattern string, attemptNum int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("Panic in event subscription",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	pubsub := h.client.PSubscribe(ctx, pattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			h.logger.Error("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}
	h.subscribed.Store(true)
	h.logger.Info("Subscribed to user events",
		zap.String("pattern", pattern),
		zap.Int("attempt", attemptNum))

	return h.process(ctx, pubsub)
}

func (h *Hub) process(ctx context.Context, pubsub *goredis.PubSub) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID, ok := h.client.UserFromChannel(msg.Channel)
			if !ok {
				h.logger.Warn("Event on unexpected channel", zap.String("channel", msg.Channel))
				continue
			}
			if h.Connections(userID) == 0 {
				continue
			}
			var out Message
			if err := json.Unmarshal([]byte(msg.Payload), &out); err != nil {
				h.logger.Error("Failed to parse event",
					zap.Error(err),
					zap.String("channel", msg.Channel))
				continue
			}
			h.Deliver(userID, out)
		}
	}
}

// CalculateNextBackoff grows current by factor, caps it at max and applies +/- jitterFactor of jitter.
// The result is never below current.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}

	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	nextWithJitter := time.Duration(float64(next) + jitter)

	if nextWithJitter < current {
		nextWithJitter = current
	}
	if nextWithJitter > max {
		nextWithJitter = max
	}
	return nextWithJitter
}
