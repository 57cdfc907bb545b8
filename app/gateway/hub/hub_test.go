package hub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/redis"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T) (*Hub, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewFromClient(rdb, redis.DefaultKeyPrefix, zaptest.NewLogger(t))
	return New(client, zaptest.NewLogger(t)), client
}

func TestCalculateNextBackoff(t *testing.T) {
	tests := []struct {
		name         string
		current      time.Duration
		max          time.Duration
		factor       float64
		jitterFactor float64
		expectMin    time.Duration
		expectMax    time.Duration
	}{
		{
			name:         "initial backoff doubles",
			current:      1 * time.Second,
			max:          30 * time.Second,
			factor:       2.0,
			jitterFactor: 0.1,
			expectMin:    1800 * time.Millisecond,
			expectMax:    2200 * time.Millisecond,
		},
		{
			name:         "respects maximum",
			current:      20 * time.Second,
			max:          30 * time.Second,
			factor:       2.0,
			jitterFactor: 0.1,
			expectMin:    27 * time.Second,
			expectMax:    30 * time.Second,
		},
		{
			name:         "no jitter produces exact value",
			current:      5 * time.Second,
			max:          30 * time.Second,
			factor:       2.0,
			jitterFactor: 0.0,
			expectMin:    10 * time.Second,
			expectMax:    10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				result := CalculateNextBackoff(tt.current, tt.max, tt.factor, tt.jitterFactor)
				assert.GreaterOrEqual(t, result, tt.expectMin)
				assert.LessOrEqual(t, result, tt.expectMax)
			}
		})
	}
}

func TestRegisterDeliverUnregister(t *testing.T) {
	h, _ := newTestHub(t)

	a := h.Register("u1")
	b := h.Register("u1")
	other := h.Register("u2")
	assert.Equal(t, 2, h.Connections("u1"))

	assert.Equal(t, 2, h.Deliver("u1", Message{Type: "ping"}))
	assert.Equal(t, "ping", (<-a.C()).Type)
	assert.Equal(t, "ping", (<-b.C()).Type)
	assert.Empty(t, other.C())

	h.Unregister("u1", a)
	assert.Equal(t, 1, h.Connections("u1"))
	h.Unregister("u1", b)
	assert.Equal(t, 0, h.Connections("u1"))
	assert.Equal(t, 0, h.Deliver("u1", Message{Type: "ping"}))
}

func TestDeliverDropsWhenInboxFull(t *testing.T) {
	h, _ := newTestHub(t)
	h.bufSize = 1
	sub := h.Register("u1")

	assert.Equal(t, 1, h.Deliver("u1", Message{Type: "first"}))
	assert.Equal(t, 0, h.Deliver("u1", Message{Type: "second"}))
	assert.Equal(t, "first", (<-sub.C()).Type)
}

func TestRunDeliversPublishedEvents(t *testing.T) {
	h, client := newTestHub(t)
	sub := h.Register("u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, h.Subscribed, 5*time.Second, 10*time.Millisecond)

	notifier := redis.NewNotifier(client)
	require.NoError(t, notifier.Notify(ctx, "u2", billing.Event{Type: billing.EventBalanceUpdated}))
	require.NoError(t, notifier.Notify(ctx, "u1", billing.Event{
		Type:    billing.EventSettlementCompleted,
		Payload: map[string]any{"settlementId": "s1"},
	}))

	select {
	case msg := <-sub.C():
		assert.Equal(t, billing.EventSettlementCompleted, msg.Type)
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "s1", payload["settlementId"])
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
