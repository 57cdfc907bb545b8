package billing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"github.com/tollgate-video/tollgate/pkg/logging"
	"go.uber.org/zap"
)

const reaperWorkers = 16

// Reaper ends sessions whose heartbeats stopped, settling them at the last heartbeat instant.
type Reaper struct {
	deps     Deps
	opts     Options
	sessions *Sessions

	// Cron triggers Sweep every ReaperInterval.
	Cron *cron.Cron
	pool pond.Pool
}

func NewReaper(deps Deps, opts Options, sessions *Sessions) *Reaper {
	return &Reaper{
		deps:     deps,
		opts:     opts,
		sessions: sessions,
		pool:     pond.NewPool(reaperWorkers),
	}
}

// SetupScheduler registers the sweep job. Overlapping runs are skipped.
func (r *Reaper) SetupScheduler(ctx context.Context) error {
	logger := logging.NewCronLogger(r.deps.logger())
	r.Cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	spec := fmt.Sprintf("@every %s", r.opts.ReaperInterval)
	_, err := r.Cron.AddFunc(spec, func() {
		// keep each run bounded by the interval
		rctx, cancel := context.WithTimeout(ctx, r.opts.ReaperInterval)
		defer cancel()
		if _, err := r.Sweep(rctx); err != nil {
			r.deps.logger().Warn("Reaper sweep failed", zap.Error(err))
		}
	})
	return err
}

// Start runs the scheduler in the background.
func (r *Reaper) Start(ctx context.Context) error {
	if r.Cron == nil {
		if err := r.SetupScheduler(ctx); err != nil {
			return err
		}
	}
	r.Cron.Start()
	r.deps.logger().Info("Reaper started", zap.Duration("interval", r.opts.ReaperInterval))
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.Cron != nil {
		<-r.Cron.Stop().Done()
	}
	r.pool.StopAndWait()
}

// Sweep ends every stale session once and removes set members that no longer have a session.
// It returns the number of sessions reclaimed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	users, err := r.deps.Fast.ActiveUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list active sessions: %w", ErrLedgerUnavailable, err)
	}
	r.deps.Metrics.SetActive(len(users))

	var reclaimed atomic.Int64
	group := r.pool.NewGroupContext(ctx)
	for _, userID := range users {
		group.Submit(func() {
			ok, err := r.reap(ctx, userID)
			if err != nil {
				r.deps.logger().Warn("Failed to reap session", zap.String("user_id", userID), zap.Error(err))
				return
			}
			if ok {
				reclaimed.Add(1)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return int(reclaimed.Load()), err
	}

	n := int(reclaimed.Load())
	if n > 0 {
		r.deps.logger().Info("Reaper reclaimed stale sessions", zap.Int("count", n), zap.Int("active", len(users)))
	}
	return n, nil
}

func (r *Reaper) reap(ctx context.Context, userID string) (bool, error) {
	ws, err := r.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		return false, err
	}
	if ws == nil {
		return false, r.deps.Fast.RemoveActive(ctx, userID)
	}

	last, ok, err := r.deps.Fast.LastHeartbeat(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		// The heartbeat key expired; the session record still carries the last one seen.
		last = ws.LastHeartbeatAt
	}
	if r.opts.now().Sub(last) <= r.opts.HeartbeatTimeout {
		return false, nil
	}

	res, err := r.sessions.EndAt(ctx, userID, last, TriggerStaleness)
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}
	r.deps.Metrics.Reclaimed()
	r.deps.logger().Debug("Reclaimed stale session",
		zap.String("user_id", userID),
		zap.Time("last_heartbeat", last),
		zap.Bool("settled", res.Success))
	return true, nil
}
