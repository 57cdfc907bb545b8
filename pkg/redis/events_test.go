package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"go.uber.org/zap/zaptest"
)

func TestUserFromChannel(t *testing.T) {
	c, _ := newTestClient(t)

	user, ok := c.UserFromChannel(c.EventChannel("u-42"))
	require.True(t, ok)
	assert.Equal(t, "u-42", user)

	for _, bad := range []string{"tollgate:user::events", "tollgate:creator:u1:events", "other:user:u1:events"} {
		_, ok := c.UserFromChannel(bad)
		assert.False(t, ok, bad)
	}
}

func TestNotifierPublishesToUserChannel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := c.PSubscribe(ctx, c.EventPattern())
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	n := NewNotifier(c)
	require.NoError(t, n.Notify(ctx, "u1", billing.Event{Type: billing.EventBalanceUpdated, Payload: billing.BalanceUpdate{
		PendingDeduction: "0.0002",
		EffectiveBalance: "0.9998",
	}}))

	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tollgate:user:u1:events", msg.Channel)

	var ev struct {
		Type    string                `json:"type"`
		Payload billing.BalanceUpdate `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, billing.EventBalanceUpdated, ev.Type)
	assert.Equal(t, "0.9998", ev.Payload.EffectiveBalance)
}

func TestInvalidatorDeletesCacheKeys(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("tollgate:cache:user:u1", "{}"))
	require.NoError(t, mr.Set("tollgate:cache:creator:c1", "{}"))
	require.NoError(t, mr.Set("tollgate:cache:user:u2", "{}"))

	err := NewInvalidator(c).Invalidate(context.Background(), billing.UserCacheKey("u1"), billing.CreatorCacheKey("c1"))
	require.NoError(t, err)

	assert.False(t, mr.Exists("tollgate:cache:user:u1"))
	assert.False(t, mr.Exists("tollgate:cache:creator:c1"))
	assert.True(t, mr.Exists("tollgate:cache:user:u2"))
}

func TestRetryQueueRoundTripThroughConsumer(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewRetryQueue(c)
	require.NoError(t, q.Enqueue(ctx, billing.RetryRequest{UserID: "u1", CreatorID: "c1", Attempt: 2, Reason: "timeout"}))

	consumer, err := NewStreamConsumer(c, StreamConsumerConfig{
		Stream:   q.Stream(),
		Group:    RetryGroup,
		Consumer: "test",
		Block:    50 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []billing.RetryRequest
	)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, msg Message) error {
			req, err := DecodeRetry(msg)
			if err != nil {
				return err
			}
			mu.Lock()
			got = append(got, req)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, billing.RetryRequest{UserID: "u1", CreatorID: "c1", Attempt: 2, Reason: "timeout"}, got[0])
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestStreamConsumerClaimsEntriesLeftByAnotherConsumer(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewRetryQueue(c)
	require.NoError(t, c.XGroupCreateMkStream(ctx, q.Stream(), RetryGroup, "0"))
	require.NoError(t, q.Enqueue(ctx, billing.RetryRequest{UserID: "u1", CreatorID: "c1", Attempt: 1}))

	// gateway-a reads the entry and goes away without acknowledging it.
	streams, err := c.XReadGroup(ctx, RetryGroup, "gateway-a", q.Stream(), ">", 10, -1)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	consumer, err := NewStreamConsumer(c, StreamConsumerConfig{
		Stream:       q.Stream(),
		Group:        RetryGroup,
		Consumer:     "gateway-b",
		Block:        20 * time.Millisecond,
		ClaimMinIdle: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	got := make(chan billing.RetryRequest, 1)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, msg Message) error {
			req, err := DecodeRetry(msg)
			if err != nil {
				return err
			}
			got <- req
			return nil
		})
	}()

	select {
	case req := <-got:
		assert.Equal(t, "u1", req.UserID)
	case <-time.After(3 * time.Second):
		t.Fatal("pending entry was not claimed")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewStreamConsumerValidates(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := NewStreamConsumer(nil, StreamConsumerConfig{Stream: "s", Group: "g", Consumer: "c"})
	assert.Error(t, err)
	_, err = NewStreamConsumer(c, StreamConsumerConfig{Group: "g", Consumer: "c"})
	assert.Error(t, err)
	_, err = NewStreamConsumer(c, StreamConsumerConfig{Stream: "s", Group: "g"})
	assert.Error(t, err)
}
