package billing

import (
	"context"
	"errors"
	"time"

	"github.com/tollgate-video/tollgate/pkg/metrics"
	"github.com/tollgate-video/tollgate/pkg/money"
	"go.uber.org/zap"
)

// Admitter decides whether a billable request may be served.
//
// The pending counter is incremented first and the balance validated second, so concurrent requests
// for the same user need no lock: each increment returns a distinct running total, and a rejected
// request undoes exactly its own increment.
type Admitter struct {
	deps Deps
	opts Options
}

func NewAdmitter(deps Deps, opts Options) *Admitter {
	return &Admitter{deps: deps, opts: opts}
}

// Charge reserves unitCost against the user's effective balance. Infrastructure failures fail closed.
func (a *Admitter) Charge(ctx context.Context, userID string, unitCost money.Amount) (AdmissionResult, error) {
	if unitCost <= 0 {
		return AdmissionResult{}, ErrInvalidCost
	}
	start := time.Now()
	logger := a.deps.logger().With(zap.String("user_id", userID))

	pendingAfter, err := a.deps.Fast.IncrPending(ctx, userID, unitCost)
	if err != nil {
		logger.Error("Pending increment failed, rejecting request", zap.Error(err))
		a.deps.Metrics.Admission(metrics.OutcomeUnavailable, time.Since(start).Seconds())
		return AdmissionResult{Reason: ReasonUnavailable}, nil
	}

	balance, err := a.deps.Durable.ReadBalance(ctx, userID)
	if err != nil {
		reason, outcome := ReasonUnavailable, metrics.OutcomeUnavailable
		if errors.Is(err, ErrUserNotFound) {
			reason, outcome = ReasonUserNotFound, metrics.OutcomeUnknownUser
		} else {
			logger.Error("Balance lookup failed, rejecting request", zap.Error(err))
		}
		after := a.undo(ctx, logger, userID, unitCost, pendingAfter)
		a.deps.Metrics.Admission(outcome, time.Since(start).Seconds())
		return AdmissionResult{PendingAfter: after, Reason: reason}, nil
	}

	if balance-pendingAfter < 0 {
		after := a.undo(ctx, logger, userID, unitCost, pendingAfter)
		a.deps.Metrics.Admission(metrics.OutcomeInsufficient, time.Since(start).Seconds())
		logger.Debug("Request rejected",
			zap.Stringer("balance", balance),
			zap.Stringer("pending", pendingAfter))
		return AdmissionResult{PendingAfter: after, Reason: ReasonInsufficientBalance}, nil
	}

	a.deps.Metrics.Admission(metrics.OutcomeAdmitted, time.Since(start).Seconds())
	a.publish(ctx, userID, pendingAfter, balance-pendingAfter)
	return AdmissionResult{Admitted: true, PendingAfter: pendingAfter}, nil
}

// undo reverses this request's increment. A failed undo leaves the counter overstated, which can only
// cause under-admission.
func (a *Admitter) undo(ctx context.Context, logger *zap.Logger, userID string, unitCost, pendingAfter money.Amount) money.Amount {
	after, err := a.deps.Fast.DecrPending(ctx, userID, unitCost)
	if err != nil {
		logger.Warn("Compensating decrement failed", zap.Stringer("amount", unitCost), zap.Error(err))
		return pendingAfter
	}
	return after
}

func (a *Admitter) publish(ctx context.Context, userID string, pending, effective money.Amount) {
	if a.deps.Notifier == nil {
		return
	}
	ev := Event{Type: EventBalanceUpdated, Payload: BalanceUpdate{
		PendingDeduction: pending.String(),
		EffectiveBalance: effective.String(),
	}}
	if err := a.deps.Notifier.Notify(ctx, userID, ev); err != nil {
		a.deps.logger().Debug("Balance notification not delivered", zap.String("user_id", userID), zap.Error(err))
	}
}
