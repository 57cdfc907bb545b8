package billing

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// TimerFunc settles one session. It is called from the timer goroutine.
type TimerFunc func(ctx context.Context, userID, sessionID string)

type timerTask struct {
	sessionID string
	cancel    context.CancelFunc
}

// Timers runs one periodic settlement task per user, bound to the session id it was scheduled for.
type Timers struct {
	period time.Duration
	fire   TimerFunc
	logger *zap.Logger

	tasks  *xsync.Map[string, *timerTask]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTimers(period time.Duration, logger *zap.Logger, fire TimerFunc) *Timers {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Timers{
		period: period,
		fire:   fire,
		logger: logger,
		tasks:  xsync.NewMap[string, *timerTask](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule replaces any task the user already has.
func (t *Timers) Schedule(userID, sessionID string) {
	if t.ctx.Err() != nil || t.period <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	task := &timerTask{sessionID: sessionID, cancel: cancel}
	if prev, loaded := t.tasks.LoadAndStore(userID, task); loaded {
		prev.cancel()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.remove(userID, task)
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx, userID, sessionID)
			}
		}
	}()
}

func (t *Timers) tick(ctx context.Context, userID, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Settlement timer panicked", zap.String("user_id", userID), zap.Any("panic", r))
		}
	}()
	t.fire(ctx, userID, sessionID)
}

// Cancel stops the user's task when it belongs to sessionID.
func (t *Timers) Cancel(userID, sessionID string) {
	t.tasks.Compute(userID, func(old *timerTask, loaded bool) (*timerTask, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		if old.sessionID != sessionID {
			return old, xsync.CancelOp
		}
		old.cancel()
		return nil, xsync.DeleteOp
	})
}

func (t *Timers) remove(userID string, task *timerTask) {
	t.tasks.Compute(userID, func(old *timerTask, loaded bool) (*timerTask, xsync.ComputeOp) {
		if loaded && old == task {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// Len reports the number of scheduled tasks.
func (t *Timers) Len() int {
	return t.tasks.Size()
}

// Close stops every task and waits for in-flight settlements to return.
func (t *Timers) Close() {
	t.cancel()
	t.wg.Wait()
}
