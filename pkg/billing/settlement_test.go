package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/money"
)

func TestSettleMovesPendingIntoDurableLedger(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 10)

	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerEnd)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.SettlementID)
	assert.Equal(t, cost*10, res.AmountSettled)
	assert.Equal(t, cost*10, res.EarningsSettled)

	assert.Equal(t, money.MustParse("1")-cost*10, h.balance(t, "u1"))
	assert.Zero(t, h.pending(t, "u1"))

	exists, err := h.db.SettlementExists(ctx, res.SettlementID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSettleTwiceCommitsOnce(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 3)

	first := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerEnd)
	require.True(t, first.Success)
	second := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerEnd)
	require.True(t, second.Success)
	assert.Zero(t, second.AmountSettled)
	assert.Zero(t, second.WatchTimeSettled)
	assert.Empty(t, second.SettlementID)

	assert.Equal(t, money.MustParse("1")-cost*3, h.balance(t, "u1"))
	rows, err := h.db.Settlements(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSettlePreservesChargesAdmittedDuringCommit(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 5)

	h.durable.set(func() {
		res, err := h.svc.Charge(ctx, "u1", cost)
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}, nil)
	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	h.durable.set(nil, nil)

	require.True(t, res.Success)
	assert.Equal(t, cost*5, res.AmountSettled)
	assert.Equal(t, cost, h.pending(t, "u1"))
	assert.Equal(t, money.MustParse("1")-cost*5, h.balance(t, "u1"))
}

func TestSettleFailureKeepsPendingAndQueuesRetry(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 4)

	h.durable.set(nil, errors.New("connection reset"))
	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "connection reset")
	assert.Equal(t, cost*4, h.pending(t, "u1"))
	assert.Equal(t, money.MustParse("1"), h.balance(t, "u1"))

	queued, err := h.retry.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	// leases were released, so the retry can proceed
	h.durable.set(nil, nil)
	require.NoError(t, h.svc.HandleRetry(ctx, billing.RetryRequest{UserID: "u1", CreatorID: "c1", Attempt: 1}))
	assert.Zero(t, h.pending(t, "u1"))
	assert.Equal(t, money.MustParse("1")-cost*4, h.balance(t, "u1"))
}

func TestHandleRetryRequeuesUntilLimit(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 1)
	h.durable.set(nil, errors.New("still down"))

	require.NoError(t, h.svc.HandleRetry(ctx, billing.RetryRequest{UserID: "u1", CreatorID: "c1", Attempt: 3}))
	queued, err := h.retry.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	require.NoError(t, h.svc.HandleRetry(ctx, billing.RetryRequest{UserID: "u1", CreatorID: "c1", Attempt: h.opts.RetryMaxAttempt}))
	queued, err = h.retry.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)
	assert.Equal(t, cost, h.pending(t, "u1"))
}

func TestSettleRequiresCreator(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	h.charge(t, 1)

	res := h.svc.Settler.Settle(context.Background(), "u1", "", billing.TriggerAdmin)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, billing.ErrCreatorRequired)
	assert.Equal(t, cost, h.pending(t, "u1"))
}

func TestSettleReportsInProgressWhenLeaseHeld(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 2)

	held := billing.Lease{Kind: billing.LeaseUser, EntityID: "u1", SettlementID: "other", StartedAt: h.clock.Now()}
	ok, _, err := h.fast.AcquireLease(ctx, held)
	require.NoError(t, err)
	require.True(t, ok)

	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	assert.True(t, res.Success)
	assert.True(t, res.InProgress)
	assert.Zero(t, res.AmountSettled)
	assert.Equal(t, cost*2, h.pending(t, "u1"))
}

func TestSettleRecoversLeaseOfCrashedCommittedSettlement(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 5)

	// A settlement committed 3 units and crashed before reducing the counter.
	crashed := billing.Lease{
		Kind:         billing.LeaseUser,
		EntityID:     "u1",
		SettlementID: "11111111-1111-1111-1111-111111111111",
		Amount:       int64(cost * 3),
		Recorded:     true,
		StartedAt:    h.clock.Now(),
	}
	ok, _, err := h.fast.AcquireLease(ctx, crashed)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.db.ApplySettlement(ctx, billing.Settlement{
		ID: crashed.SettlementID, UserID: "u1", CreatorID: "c1",
		Amount: cost * 3, Earnings: cost * 3, Trigger: billing.TriggerPeriodic, CreatedAt: h.clock.Now(),
	}))

	// Still fresh: treated as in progress.
	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	require.True(t, res.InProgress)

	h.clock.Advance(time.Minute)
	res = h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.InProgress)
	assert.Equal(t, cost*2, res.AmountSettled)

	assert.Zero(t, h.pending(t, "u1"))
	assert.Equal(t, money.MustParse("1")-cost*5, h.balance(t, "u1"))
}

func TestSettleRecoversLeaseOfCrashedUncommittedSettlement(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 5)

	crashed := billing.Lease{
		Kind:         billing.LeaseUser,
		EntityID:     "u1",
		SettlementID: "22222222-2222-2222-2222-222222222222",
		Amount:       int64(cost * 5),
		Recorded:     true,
		StartedAt:    h.clock.Now(),
	}
	ok, _, err := h.fast.AcquireLease(ctx, crashed)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(time.Minute)
	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, cost*5, res.AmountSettled)
	assert.Equal(t, money.MustParse("1")-cost*5, h.balance(t, "u1"))
}

func TestSettleCreditsCreatorWatchTimeAndEarnings(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.opts.EarningsBasisPoints = 7000
	settler := billing.NewSettler(h.deps, h.opts)

	_, err := h.svc.StartSession(ctx, "u1", "v1")
	require.NoError(t, err)
	h.charge(t, 10)
	h.clock.Advance(42 * time.Second)
	_, err = h.fast.UpdateSession(ctx, "u1", func(ws *billing.WatchSession) (int64, error) {
		secs := ws.AccruableSeconds(h.clock.Now())
		ws.LastSettlementTime = ws.LastSettlementTime.Add(time.Duration(secs) * time.Second)
		return secs, nil
	})
	require.NoError(t, err)

	res := settler.Settle(ctx, "u1", "c1", billing.TriggerAdmin)
	require.True(t, res.Success)
	assert.Equal(t, int64(42), res.WatchTimeSettled)
	assert.Equal(t, money.Amount(1400), res.EarningsSettled)

	c, err := h.db.ReadCreator(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.WatchTimeSeconds)
	assert.Equal(t, int64(1400), c.Earnings)
	assert.Zero(t, h.pendingWatch(t, "c1"))
}

func TestSettleCompletesCommitWhoseAcknowledgementWasLost(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 10)

	h.durable.loseAck(context.DeadlineExceeded, nil)
	first := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	h.durable.loseAck(nil, nil)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, cost*10, first.AmountSettled)
	assert.Zero(t, h.pending(t, "u1"))

	second := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerRetry)
	require.True(t, second.Success, second.Error)
	assert.Zero(t, second.AmountSettled)

	assert.Equal(t, money.MustParse("0.998"), h.balance(t, "u1"))
	rows, err := h.db.Settlements(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSettleKeepsLeasesWhenCommitOutcomeIsUnknown(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 10)

	h.durable.loseAck(context.DeadlineExceeded, errors.New("lookup timed out"))
	first := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	h.durable.loseAck(nil, nil)
	require.False(t, first.Success)
	assert.ErrorIs(t, first.Err, context.DeadlineExceeded)
	assert.Equal(t, cost*10, h.pending(t, "u1"))

	// The lease is still held, so nothing is re-read and committed again.
	res := h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerRetry)
	require.True(t, res.InProgress)

	// Once stale, the lease is reconciled against the committed row.
	h.clock.Advance(h.opts.LeaseTimeout)
	res = h.svc.Settler.Settle(ctx, "u1", "c1", billing.TriggerRetry)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.InProgress)
	assert.Zero(t, res.AmountSettled)
	assert.Zero(t, h.pending(t, "u1"))

	assert.Equal(t, money.MustParse("0.998"), h.balance(t, "u1"))
	rows, err := h.db.Settlements(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSettlerKeepsLiveLeaseWithinTwiceSettleTimeout(t *testing.T) {
	h := newHarness(t, money.MustParse("1"))
	ctx := context.Background()
	h.charge(t, 2)
	h.opts.SettleTimeout = 20 * time.Second
	h.opts.LeaseTimeout = 5 * time.Second
	settler := billing.NewSettler(h.deps, h.opts)

	held := billing.Lease{Kind: billing.LeaseUser, EntityID: "u1", SettlementID: "live", StartedAt: h.clock.Now()}
	ok, _, err := h.fast.AcquireLease(ctx, held)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(30 * time.Second)
	res := settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	assert.True(t, res.InProgress)
	assert.Equal(t, cost*2, h.pending(t, "u1"))

	h.clock.Advance(10 * time.Second)
	res = settler.Settle(ctx, "u1", "c1", billing.TriggerPeriodic)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.InProgress)
	assert.Equal(t, cost*2, res.AmountSettled)
}
