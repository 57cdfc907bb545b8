package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/money"
	"go.uber.org/zap/zaptest"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	require.NoError(t, l.CreateUser(ctx, "u1", money.MustParse("1.00")))
	require.NoError(t, l.CreateCreator(ctx, "c1"))
	require.NoError(t, l.CreateVideo(ctx, "v1", "c1"))
	return l
}

func settlement(id string, amount money.Amount, secs int64) billing.Settlement {
	return billing.Settlement{
		ID:           id,
		UserID:       "u1",
		CreatorID:    "c1",
		Amount:       amount,
		WatchSeconds: secs,
		Earnings:     amount,
		Trigger:      billing.TriggerEnd,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestReadBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	balance, err := l.ReadBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("1.00"), balance)

	_, err = l.ReadBalance(ctx, "nobody")
	require.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestApplySettlement(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.ApplySettlement(ctx, settlement("st1", money.MustParse("0.40"), 120)))

	balance, err := l.ReadBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("0.60"), balance)

	c, err := l.ReadCreator(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), c.WatchTimeSeconds)
	assert.Equal(t, int64(money.MustParse("0.40")), c.Earnings)

	exists, err := l.SettlementExists(ctx, "st1")
	require.NoError(t, err)
	assert.True(t, exists)

	rows, err := l.Settlements(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "end", rows[0].Trigger)
}

func TestApplySettlementWatchTimeOnly(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	st := settlement("st1", 0, 45)
	st.Earnings = 0
	require.NoError(t, l.ApplySettlement(ctx, st))

	balance, err := l.ReadBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("1.00"), balance)

	c, err := l.ReadCreator(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(45), c.WatchTimeSeconds)
}

func TestApplySettlementRollsBack(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	unknownCreator := settlement("st1", money.MustParse("0.10"), 10)
	unknownCreator.CreatorID = "ghost"
	require.ErrorIs(t, l.ApplySettlement(ctx, unknownCreator), billing.ErrCreatorNotFound)

	unknownUser := settlement("st2", money.MustParse("0.10"), 10)
	unknownUser.UserID = "ghost"
	require.ErrorIs(t, l.ApplySettlement(ctx, unknownUser), billing.ErrUserNotFound)

	require.ErrorIs(t, l.ApplySettlement(ctx, settlement("st3", money.MustParse("1.50"), 10)), ErrInsufficientDurableBalance)

	balance, err := l.ReadBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("1.00"), balance)

	c, err := l.ReadCreator(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, c.WatchTimeSeconds)
	assert.Zero(t, c.Earnings)

	for _, id := range []string{"st1", "st2", "st3"} {
		exists, err := l.SettlementExists(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists, id)
	}
}

func TestFindVideoByExternalID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	v, err := l.FindVideoByExternalID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, billing.Video{ExternalID: "v1", CreatorID: "c1"}, v)

	_, err = l.FindVideoByExternalID(ctx, "missing")
	require.ErrorIs(t, err, billing.ErrVideoNotFound)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.CreateUser(context.Background(), "u1", 5))
	require.NoError(t, l.Close())

	l, err = Open(path, nil)
	require.NoError(t, err)
	defer l.Close()
	balance, err := l.ReadBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(5), balance)
}
