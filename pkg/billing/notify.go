package billing

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/tollgate-video/tollgate/pkg/metrics"
	"go.uber.org/zap"
)

// ErrNotifyQueueFull is returned when an event was dropped because the delivery queue is full.
var ErrNotifyQueueFull = errors.New("notification queue full")

const notifyTimeout = 2 * time.Second

// AsyncNotifier hands events to a bounded worker pool so callers on the hot path never wait on delivery.
type AsyncNotifier struct {
	next    Notifier
	pool    pond.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewAsyncNotifier(next Notifier, workers, queueSize int, m *metrics.Metrics, logger *zap.Logger) *AsyncNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncNotifier{
		next:    next,
		pool:    pond.NewPool(workers, pond.WithQueueSize(queueSize)),
		metrics: m,
		logger:  logger,
	}
}

// Notify queues ev. The caller's context only bounds the enqueue, not the delivery.
func (n *AsyncNotifier) Notify(_ context.Context, userID string, ev Event) error {
	_, ok := n.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.next.Notify(ctx, userID, ev); err != nil {
			n.logger.Debug("Event delivery failed",
				zap.String("user_id", userID),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	})
	if !ok {
		n.metrics.Dropped()
		return ErrNotifyQueueFull
	}
	return nil
}

// Close drains queued events.
func (n *AsyncNotifier) Close() {
	n.pool.StopAndWait()
}
