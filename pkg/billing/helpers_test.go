package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/db/sqlite"
	"github.com/tollgate-video/tollgate/pkg/money"
	tgredis "github.com/tollgate-video/tollgate/pkg/redis"
	"go.uber.org/zap/zaptest"
)

var cost = money.MustParse("0.0002")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// hookDurable lets a test act inside the settlement window, make commits fail, or make a commit land
// while its caller sees an error.
type hookDurable struct {
	billing.DurableLedger
	mu       sync.Mutex
	before   func()
	fail     error
	afterErr error
	existErr error
}

func (h *hookDurable) ApplySettlement(ctx context.Context, s billing.Settlement) error {
	h.mu.Lock()
	before, fail, afterErr := h.before, h.fail, h.afterErr
	h.mu.Unlock()
	if before != nil {
		before()
	}
	if fail != nil {
		return fail
	}
	if err := h.DurableLedger.ApplySettlement(ctx, s); err != nil {
		return err
	}
	return afterErr
}

func (h *hookDurable) SettlementExists(ctx context.Context, settlementID string) (bool, error) {
	h.mu.Lock()
	existErr := h.existErr
	h.mu.Unlock()
	if existErr != nil {
		return false, existErr
	}
	return h.DurableLedger.SettlementExists(ctx, settlementID)
}

func (h *hookDurable) set(before func(), fail error) {
	h.mu.Lock()
	h.before, h.fail = before, fail
	h.mu.Unlock()
}

// loseAck makes commits succeed but report afterErr; existErr fails settlement lookups.
func (h *hookDurable) loseAck(afterErr, existErr error) {
	h.mu.Lock()
	h.afterErr, h.existErr = afterErr, existErr
	h.mu.Unlock()
}

type harness struct {
	mr      *miniredis.Miniredis
	client  *tgredis.Client
	fast    *tgredis.Ledger
	db      *sqlite.Ledger
	durable *hookDurable
	retry   *tgredis.RetryQueue
	clock   *fakeClock
	opts    billing.Options
	deps    billing.Deps
	svc     *billing.Service
}

// newHarness wires the service to an in-process Redis and an in-memory SQLite ledger seeded with
// user u1 (balance), creators c1 and c2, and videos v1 (c1) and v2 (c2).
func newHarness(t *testing.T, balance money.Amount) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := tgredis.NewFromClient(rdb, tgredis.DefaultKeyPrefix, logger)

	db, err := sqlite.Open("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, "u1", balance))
	require.NoError(t, db.CreateCreator(ctx, "c1"))
	require.NoError(t, db.CreateCreator(ctx, "c2"))
	require.NoError(t, db.CreateVideo(ctx, "v1", "c1"))
	require.NoError(t, db.CreateVideo(ctx, "v2", "c2"))

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := billing.DefaultOptions()
	opts.UnitCost = cost
	opts.Now = clock.Now

	h := &harness{
		mr:      mr,
		client:  client,
		fast:    tgredis.NewLedger(client, tgredis.DefaultLedgerOptions()),
		db:      db,
		durable: &hookDurable{DurableLedger: db},
		retry:   tgredis.NewRetryQueue(client),
		clock:   clock,
		opts:    opts,
	}
	h.deps = billing.Deps{
		Fast:        h.fast,
		Durable:     h.durable,
		Catalog:     db,
		Invalidator: tgredis.NewInvalidator(client),
		Notifier:    tgredis.NewNotifier(client),
		Retry:       h.retry,
		Logger:      logger,
	}
	h.svc = billing.NewService(h.deps, opts)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) balance(t *testing.T, userID string) money.Amount {
	t.Helper()
	b, err := h.db.ReadBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) pending(t *testing.T, userID string) money.Amount {
	t.Helper()
	p, err := h.fast.PendingDeduction(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func (h *harness) watchTime(t *testing.T, creatorID string) int64 {
	t.Helper()
	c, err := h.db.ReadCreator(context.Background(), creatorID)
	require.NoError(t, err)
	return c.WatchTimeSeconds
}

func (h *harness) pendingWatch(t *testing.T, creatorID string) int64 {
	t.Helper()
	s, err := h.fast.PendingWatchTime(context.Background(), creatorID)
	require.NoError(t, err)
	return s
}

func (h *harness) charge(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := h.svc.Charge(context.Background(), "u1", cost)
		require.NoError(t, err)
		require.True(t, res.Admitted, "charge %d rejected: %s", i, res.Reason)
	}
}

func newServiceWithOptions(h *harness) *billing.Service {
	return billing.NewService(h.deps, h.opts)
}
