package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tollgate-video/tollgate/pkg/money"
	"github.com/tollgate-video/tollgate/pkg/retry"
	"go.uber.org/zap"
)

// Settler moves pending counters into the durable ledger.
//
// Counters are read, committed, and then reduced by exactly the committed amounts, so charges admitted
// while a settlement is in flight stay pending for the next one. Per-user and per-creator leases keep
// concurrent triggers from committing the same pending amount twice; a lease left behind by a crash is
// reconciled against the durable settlement row once it is older than LeaseTimeout.
type Settler struct {
	deps Deps
	opts Options
}

// NewSettler raises LeaseTimeout to twice SettleTimeout when it is shorter, so a live commit is never
// taken for a crashed one.
func NewSettler(deps Deps, opts Options) *Settler {
	if opts.LeaseTimeout < 2*opts.SettleTimeout {
		deps.logger().Warn("Lease timeout raised to twice the settle timeout",
			zap.Duration("lease_timeout", opts.LeaseTimeout),
			zap.Duration("settle_timeout", opts.SettleTimeout))
		opts.LeaseTimeout = 2 * opts.SettleTimeout
	}
	return &Settler{deps: deps, opts: opts}
}

// Settle never returns a Go error: failures are reported in the result and the pair is queued for retry.
func (s *Settler) Settle(ctx context.Context, userID, creatorID string, trigger Trigger) SettlementResult {
	res := SettlementResult{UserID: userID, CreatorID: creatorID}
	logger := s.deps.logger().With(
		zap.String("user_id", userID),
		zap.String("creator_id", creatorID),
		zap.String("trigger", string(trigger)))

	if creatorID == "" {
		return s.fail(ctx, logger, res, trigger, ErrCreatorRequired, false)
	}

	now := s.opts.now()
	settlementID := uuid.NewString()
	userLease := Lease{Kind: LeaseUser, EntityID: userID, SettlementID: settlementID, StartedAt: now}
	held, err := s.acquire(ctx, logger, userLease)
	if err != nil {
		return s.fail(ctx, logger, res, trigger, fmt.Errorf("%w: acquire user lease: %w", ErrLedgerUnavailable, err), true)
	}
	if !held {
		logger.Debug("Settlement already in progress for user")
		res.Success = true
		res.InProgress = true
		return res
	}
	leases := []Lease{userLease}

	creatorLease := Lease{Kind: LeaseCreator, EntityID: creatorID, SettlementID: settlementID, StartedAt: now}
	creatorHeld, err := s.acquire(ctx, logger, creatorLease)
	if err != nil {
		logger.Warn("Creator lease unavailable, settling user side only", zap.Error(err))
		creatorHeld = false
	}
	if creatorHeld {
		leases = append(leases, creatorLease)
	}

	amount, err := s.deps.Fast.PendingDeduction(ctx, userID)
	if err != nil {
		s.release(ctx, logger, leases)
		return s.fail(ctx, logger, res, trigger, fmt.Errorf("%w: read pending deduction: %w", ErrLedgerUnavailable, err), true)
	}
	var seconds int64
	if creatorHeld {
		seconds, err = s.deps.Fast.PendingWatchTime(ctx, creatorID)
		if err != nil {
			s.release(ctx, logger, leases)
			return s.fail(ctx, logger, res, trigger, fmt.Errorf("%w: read pending watch time: %w", ErrLedgerUnavailable, err), true)
		}
	}

	if amount == 0 && seconds == 0 {
		s.release(ctx, logger, leases)
		res.Success = true
		s.deps.Metrics.Settlement(string(trigger), true, 0, 0)
		return res
	}

	leases[0].Amount, leases[0].Recorded = int64(amount), true
	if creatorHeld {
		leases[1].Amount, leases[1].Recorded = seconds, true
	}
	for _, l := range leases {
		if err := s.deps.Fast.RecordLease(ctx, l); err != nil {
			s.release(ctx, logger, leases)
			return s.fail(ctx, logger, res, trigger, fmt.Errorf("%w: record lease: %w", ErrLedgerUnavailable, err), true)
		}
	}

	settlement := Settlement{
		ID:           settlementID,
		UserID:       userID,
		CreatorID:    creatorID,
		Amount:       amount,
		WatchSeconds: seconds,
		Earnings:     amount.MulBasisPoints(s.opts.EarningsBasisPoints),
		Trigger:      trigger,
		CreatedAt:    now,
	}
	commitCtx, cancel := context.WithTimeout(ctx, s.opts.SettleTimeout)
	err = s.deps.Durable.ApplySettlement(commitCtx, settlement)
	cancel()
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrCreatorNotFound) {
			s.release(ctx, logger, leases)
			logger.Error("Settlement references an unknown account, nothing committed", zap.Error(err))
			return s.fail(ctx, logger, res, trigger, err, false)
		}
		committed, lookupErr := s.committed(ctx, settlementID)
		if lookupErr != nil {
			// Outcome unknown: the recorded leases stay so stale recovery can check the row later.
			logger.Error("Settlement outcome unknown, keeping leases for recovery",
				zap.String("settlement_id", settlementID), zap.Error(err), zap.NamedError("lookup_error", lookupErr))
			return s.fail(ctx, logger, res, trigger, err, true)
		}
		if !committed {
			s.release(ctx, logger, leases)
			return s.fail(ctx, logger, res, trigger, err, true)
		}
		logger.Warn("Settlement commit reported an error but the row exists, completing it",
			zap.String("settlement_id", settlementID), zap.Error(err))
	}

	cfg := retry.FastConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, ErrLeaseLost) }
	err = retry.WithBackoff(ctx, cfg, logger, "complete_settlement", func() error {
		return s.deps.Fast.CompleteSettlement(ctx, leases...)
	})
	if err != nil {
		// The leases stay behind; once stale they are recovered against the committed settlement row.
		logger.Error("Settlement committed but pending counters not yet reconciled",
			zap.String("settlement_id", settlementID), zap.Error(err))
	}

	s.afterCommit(ctx, logger, settlement)

	res.SettlementID = settlementID
	res.AmountSettled = amount
	res.WatchTimeSettled = seconds
	res.EarningsSettled = settlement.Earnings
	res.Success = true
	s.deps.Metrics.Settlement(string(trigger), true, int64(amount), seconds)
	logger.Info("Settlement committed",
		zap.String("settlement_id", settlementID),
		zap.Stringer("amount", amount),
		zap.Int64("watch_seconds", seconds))
	return res
}

func (s *Settler) afterCommit(ctx context.Context, logger *zap.Logger, st Settlement) {
	_, err := s.deps.Fast.UpdateSession(ctx, st.UserID, func(ws *WatchSession) (int64, error) {
		ws.LastCommitTime = st.CreatedAt
		return 0, nil
	})
	if err != nil {
		logger.Warn("Failed to refresh session commit time", zap.Error(err))
	}

	if s.deps.Invalidator != nil {
		if err := s.deps.Invalidator.Invalidate(ctx, UserCacheKey(st.UserID), CreatorCacheKey(st.CreatorID)); err != nil {
			logger.Warn("Cache invalidation failed", zap.Error(err))
		}
	}

	if s.deps.Notifier != nil {
		ev := Event{Type: EventSettlementCompleted, Payload: map[string]any{
			"settlementId":  st.ID,
			"amountSettled": st.Amount.String(),
			"watchSeconds":  st.WatchSeconds,
		}}
		if err := s.deps.Notifier.Notify(ctx, st.UserID, ev); err != nil {
			logger.Debug("Settlement notification not delivered", zap.Error(err))
		}
	}
}

// committed looks the settlement row up with a fresh deadline, since ctx may be the one that expired.
func (s *Settler) committed(ctx context.Context, settlementID string) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SettleTimeout)
	defer cancel()
	return s.deps.Durable.SettlementExists(lookupCtx, settlementID)
}

// acquire takes the lease, recovering a stale marker left by a crashed settlement at most once.
func (s *Settler) acquire(ctx context.Context, logger *zap.Logger, lease Lease) (bool, error) {
	ok, existing, err := s.deps.Fast.AcquireLease(ctx, lease)
	if err != nil || ok || existing == nil {
		return ok, err
	}
	if lease.StartedAt.Sub(existing.StartedAt) < s.opts.LeaseTimeout {
		return false, nil
	}

	committed := false
	if existing.Recorded {
		committed, err = s.deps.Durable.SettlementExists(ctx, existing.SettlementID)
		if err != nil {
			return false, fmt.Errorf("check stale settlement %s: %w", existing.SettlementID, err)
		}
	}
	if _, err := s.deps.Fast.RecoverLease(ctx, *existing, committed); err != nil {
		return false, fmt.Errorf("recover stale lease: %w", err)
	}
	logger.Warn("Recovered stale settlement lease",
		zap.String("kind", string(existing.Kind)),
		zap.String("settlement_id", existing.SettlementID),
		zap.Bool("committed", committed),
		zap.Int64("amount", existing.Amount))

	ok, _, err = s.deps.Fast.AcquireLease(ctx, lease)
	return ok, err
}

func (s *Settler) release(ctx context.Context, logger *zap.Logger, leases []Lease) {
	for _, l := range leases {
		if err := s.deps.Fast.ReleaseLease(ctx, l); err != nil {
			logger.Warn("Failed to release settlement lease", zap.String("kind", string(l.Kind)), zap.Error(err))
		}
	}
}

func (s *Settler) fail(ctx context.Context, logger *zap.Logger, res SettlementResult, trigger Trigger, err error, retryable bool) SettlementResult {
	res.Success = false
	res.Err = err
	res.Error = err.Error()
	s.deps.Metrics.Settlement(string(trigger), false, 0, 0)
	logger.Warn("Settlement failed, pending amounts preserved", zap.Error(err))

	if retryable && trigger != TriggerRetry {
		s.queueRetry(ctx, logger, res.UserID, res.CreatorID, err.Error())
	}
	return res
}

// queueRetry puts the pair on the retry queue as a first attempt, outliving ctx's cancellation.
func (s *Settler) queueRetry(ctx context.Context, logger *zap.Logger, userID, creatorID, reason string) {
	if s.deps.Retry == nil {
		return
	}
	req := RetryRequest{UserID: userID, CreatorID: creatorID, Attempt: 1, Reason: reason}
	if err := s.deps.Retry.Enqueue(context.WithoutCancel(ctx), req); err != nil {
		logger.Warn("Failed to queue settlement retry", zap.Error(err))
		return
	}
	s.deps.Metrics.RetryQueued()
}

// EffectiveBalance is durable balance minus pending deduction.
func EffectiveBalance(durable, pending money.Amount) money.Amount {
	return durable - pending
}
