package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/tollgate-video/tollgate/pkg/money"
	"github.com/tollgate-video/tollgate/pkg/retry"
	"go.uber.org/zap"
)

// Service is the inbound boundary of the billing core. Transports call only these methods.
type Service struct {
	deps Deps
	opts Options

	Admitter *Admitter
	Settler  *Settler
	Sessions *Sessions
	Timers   *Timers
	Reaper   *Reaper

	// settlePool runs settlements requested off the heartbeat path.
	settlePool pond.Pool
}

func NewService(deps Deps, opts Options) *Service {
	workers := opts.SettleWorkers
	if workers <= 0 {
		workers = 8
	}
	s := &Service{
		deps:       deps,
		opts:       opts,
		Admitter:   NewAdmitter(deps, opts),
		Settler:    NewSettler(deps, opts),
		settlePool: pond.NewPool(workers, pond.WithQueueSize(1024)),
	}
	s.Timers = NewTimers(opts.SettlementPeriod, deps.logger(), s.periodicSettle)
	s.Sessions = NewSessions(deps, opts, s.Settler, s.Timers)
	s.Reaper = NewReaper(deps, opts, s.Sessions)
	return s
}

// Start launches the staleness reaper.
func (s *Service) Start(ctx context.Context) error {
	return s.Reaper.Start(ctx)
}

// Close stops background work. Live sessions are left to other instances or to the reaper.
func (s *Service) Close() {
	s.Reaper.Stop()
	s.Timers.Close()
	s.settlePool.StopAndWait()
}

func (s *Service) Charge(ctx context.Context, userID string, unitCost money.Amount) (AdmissionResult, error) {
	return s.Admitter.Charge(ctx, userID, unitCost)
}

// ChargeSegment admits one billable segment of videoID at the configured unit cost. The user's session
// is started or switched to videoID first so the charge always has a creator to settle against.
func (s *Service) ChargeSegment(ctx context.Context, userID, videoID string) (AdmissionResult, error) {
	ws, err := s.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		s.deps.logger().Error("Session lookup failed, rejecting request", zap.String("user_id", userID), zap.Error(err))
		return AdmissionResult{Reason: ReasonUnavailable}, nil
	}
	if ws == nil || ws.VideoID != videoID {
		if _, err := s.Sessions.Start(ctx, userID, videoID); err != nil {
			if errors.Is(err, ErrVideoNotFound) {
				return AdmissionResult{}, err
			}
			s.deps.logger().Error("Session start failed, rejecting request", zap.String("user_id", userID), zap.Error(err))
			return AdmissionResult{Reason: ReasonUnavailable}, nil
		}
	}

	res, err := s.Admitter.Charge(ctx, userID, s.opts.UnitCost)
	if err != nil {
		return res, err
	}
	if res.Admitted {
		s.Sessions.IncrementRequestCount(ctx, userID)
	}
	return res, nil
}

func (s *Service) StartSession(ctx context.Context, userID, videoID string) (SessionResult, error) {
	return s.Sessions.Start(ctx, userID, videoID)
}

// Heartbeat records liveness and, when a settlement is due, settles in the background.
func (s *Service) Heartbeat(ctx context.Context, userID, videoID string, position *float64) (HeartbeatResult, error) {
	res, err := s.Sessions.Heartbeat(ctx, userID, videoID, position)
	if err != nil {
		return res, err
	}
	if res.SettlementDue {
		sessionID := res.Session.SessionID
		_, ok := s.settlePool.TrySubmit(func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SettleTimeout)
			defer cancel()
			if _, err := s.SettleSession(sctx, userID, sessionID, TriggerHeartbeat); err != nil &&
				!errors.Is(err, ErrSessionChanged) && !errors.Is(err, ErrNoActiveSession) {
				s.deps.logger().Warn("Heartbeat settlement failed", zap.String("user_id", userID), zap.Error(err))
			}
		})
		if !ok {
			s.deps.logger().Debug("Settlement pool saturated, leaving it to the session timer", zap.String("user_id", userID))
		}
	}
	return res, nil
}

// EndSession returns nil when the user had no session.
func (s *Service) EndSession(ctx context.Context, userID string) (*SettlementResult, error) {
	return s.Sessions.End(ctx, userID)
}

func (s *Service) GetBillingStatus(ctx context.Context, userID string) (BillingStatus, error) {
	balance, err := s.deps.Durable.ReadBalance(ctx, userID)
	if err != nil {
		return BillingStatus{}, fmt.Errorf("read balance: %w", err)
	}
	pending, err := s.deps.Fast.PendingDeduction(ctx, userID)
	if err != nil {
		return BillingStatus{}, fmt.Errorf("%w: read pending deduction: %w", ErrLedgerUnavailable, err)
	}
	ws, err := s.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		return BillingStatus{}, fmt.Errorf("%w: load session: %w", ErrLedgerUnavailable, err)
	}
	return BillingStatus{
		UserID:           userID,
		PendingDeduction: pending,
		ActiveSession:    ws,
		DurableBalance:   balance,
		EffectiveBalance: EffectiveBalance(balance, pending),
	}, nil
}

// ForceSettle settles the user's live session now. ErrNoActiveSession without one.
func (s *Service) ForceSettle(ctx context.Context, userID string) (*SettlementResult, error) {
	return s.SettleSession(ctx, userID, "", TriggerAdmin)
}

func (s *Service) SettleSession(ctx context.Context, userID, sessionID string, trigger Trigger) (*SettlementResult, error) {
	return s.Sessions.SettleSession(ctx, userID, sessionID, trigger)
}

// HandleRetry settles a pair queued after a failure, waiting a while if another settlement holds the
// user's lease. A further failure is queued again until RetryMaxAttempt; the pending amounts are kept
// either way. An error means the request was not handled
// and should stay on the queue.
func (s *Service) HandleRetry(ctx context.Context, req RetryRequest) error {
	logger := s.deps.logger().With(
		zap.String("user_id", req.UserID),
		zap.String("creator_id", req.CreatorID),
		zap.Int("attempt", req.Attempt))

	res := s.settleWhenFree(ctx, logger, req)
	if res.Success && !res.InProgress {
		return nil
	}
	if res.InProgress {
		res.Error = "settlement still in progress"
	}
	if errors.Is(res.Err, ErrCreatorRequired) || errors.Is(res.Err, ErrUserNotFound) || errors.Is(res.Err, ErrCreatorNotFound) {
		logger.Error("Dropping settlement retry for unknown account", zap.Error(res.Err))
		return nil
	}
	if req.Attempt >= s.opts.RetryMaxAttempt {
		logger.Error("Settlement retries exhausted, amounts stay pending for the next trigger", zap.String("error", res.Error))
		return nil
	}
	if s.deps.Retry == nil {
		return nil
	}

	next := req
	next.Attempt++
	next.Reason = res.Error
	if err := s.deps.Retry.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("requeue settlement: %w", err)
	}
	s.deps.Metrics.RetryQueued()
	return nil
}

var errSettlementBusy = errors.New("settlement in progress")

// settleWhenFree retries while another settlement holds the user's lease, long enough for an in-flight
// commit to finish.
func (s *Service) settleWhenFree(ctx context.Context, logger *zap.Logger, req RetryRequest) SettlementResult {
	cfg := retry.Config{
		MaxRetries:    8,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      4 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
		Retryable:     func(err error) bool { return errors.Is(err, errSettlementBusy) },
	}
	var res SettlementResult
	_ = retry.WithBackoff(ctx, cfg, logger, "settle_retry", func() error {
		res = s.Settler.Settle(ctx, req.UserID, req.CreatorID, TriggerRetry)
		if res.InProgress {
			return errSettlementBusy
		}
		return nil
	})
	return res
}

func (s *Service) periodicSettle(ctx context.Context, userID, sessionID string) {
	res, err := s.SettleSession(ctx, userID, sessionID, TriggerPeriodic)
	switch {
	case errors.Is(err, ErrSessionChanged), errors.Is(err, ErrNoActiveSession):
		s.Timers.Cancel(userID, sessionID)
	case err != nil:
		s.deps.logger().Warn("Periodic settlement failed", zap.String("user_id", userID), zap.Error(err))
	case !res.Success:
		s.deps.logger().Debug("Periodic settlement deferred", zap.String("user_id", userID), zap.String("error", res.Error))
	}
}
