package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/money"
)

const maxWatchRetries = 16

// ErrContention is returned when an optimistic transaction kept losing to concurrent writers.
var ErrContention = errors.New("redis: too much contention on watched keys")

// LedgerOptions are the expiries of fast-ledger keys. Every legitimate write refreshes them.
type LedgerOptions struct {
	PendingTTL   time.Duration
	SessionTTL   time.Duration
	HeartbeatTTL time.Duration
	ActiveTTL    time.Duration
	LeaseTTL     time.Duration
}

func DefaultLedgerOptions() LedgerOptions {
	return LedgerOptions{
		PendingTTL:   24 * time.Hour,
		SessionTTL:   time.Hour,
		HeartbeatTTL: 5 * time.Minute,
		ActiveTTL:    time.Hour,
		LeaseTTL:     24 * time.Hour,
	}
}

// incrScript adds to a counter and gives it an expiry only when it has none, in one round trip.
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Ledger is the Redis implementation of billing.FastLedger.
type Ledger struct {
	c    *Client
	opts LedgerOptions
}

var _ billing.FastLedger = (*Ledger)(nil)

func NewLedger(c *Client, opts LedgerOptions) *Ledger {
	return &Ledger{c: c, opts: opts}
}

func (l *Ledger) pendingUserKey(id string) string    { return l.c.Key("pending", "user", id) }
func (l *Ledger) pendingCreatorKey(id string) string { return l.c.Key("pending", "creator", id) }
func (l *Ledger) sessionKey(id string) string        { return l.c.Key("session", id) }
func (l *Ledger) heartbeatKey(id string) string      { return l.c.Key("heartbeat", id) }
func (l *Ledger) activeKey() string                  { return l.c.Key("sessions", "active") }
func (l *Ledger) leaseKey(k billing.LeaseKind, id string) string {
	return l.c.Key("settling", string(k), id)
}

func (l *Ledger) counterKey(k billing.LeaseKind, id string) string {
	if k == billing.LeaseCreator {
		return l.pendingCreatorKey(id)
	}
	return l.pendingUserKey(id)
}

func (l *Ledger) IncrPending(ctx context.Context, userID string, amount money.Amount) (money.Amount, error) {
	ttl := int64(l.opts.PendingTTL / time.Second)
	v, err := incrScript.Run(ctx, l.c.client, []string{l.pendingUserKey(userID)}, int64(amount), ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr pending %s: %w", userID, err)
	}
	return money.Amount(v), nil
}

func (l *Ledger) DecrPending(ctx context.Context, userID string, amount money.Amount) (money.Amount, error) {
	v, err := l.c.client.DecrBy(ctx, l.pendingUserKey(userID), int64(amount)).Result()
	if err != nil {
		return 0, fmt.Errorf("decr pending %s: %w", userID, err)
	}
	return money.Amount(v), nil
}

func (l *Ledger) PendingDeduction(ctx context.Context, userID string) (money.Amount, error) {
	v, err := l.readCounter(ctx, l.pendingUserKey(userID))
	return money.Amount(v), err
}

func (l *Ledger) PendingWatchTime(ctx context.Context, creatorID string) (int64, error) {
	return l.readCounter(ctx, l.pendingCreatorKey(creatorID))
}

func (l *Ledger) readCounter(ctx context.Context, key string) (int64, error) {
	v, err := l.c.client.Get(ctx, key).Int64()
	if isNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// =============================================================================
// Sessions
// =============================================================================

func (l *Ledger) LoadSession(ctx context.Context, userID string) (*billing.WatchSession, error) {
	return l.loadSession(ctx, l.c.client, userID)
}

func (l *Ledger) loadSession(ctx context.Context, r getter, userID string) (*billing.WatchSession, error) {
	raw, err := r.Get(ctx, l.sessionKey(userID)).Bytes()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}
	var ws billing.WatchSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", userID, err)
	}
	return &ws, nil
}

func (l *Ledger) CreateSession(ctx context.Context, ws *billing.WatchSession) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = l.c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.sessionKey(ws.UserID), data, l.opts.SessionTTL)
		l.touch(ctx, pipe, ws.UserID, ws.LastHeartbeatAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", ws.UserID, err)
	}
	return nil
}

// UpdateSession runs fn under WATCH. fn may run more than once when the session is written concurrently.
func (l *Ledger) UpdateSession(ctx context.Context, userID string, fn billing.SessionUpdate) (*billing.WatchSession, error) {
	key := l.sessionKey(userID)
	var out *billing.WatchSession
	err := l.watch(ctx, func(tx *redis.Tx) error {
		out = nil
		ws, err := l.loadSession(ctx, tx, userID)
		if err != nil || ws == nil {
			return err
		}
		secs, err := fn(ws)
		if err != nil {
			return err
		}
		data, err := json.Marshal(ws)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, l.opts.SessionTTL)
			if secs > 0 {
				creatorKey := l.pendingCreatorKey(ws.CreatorID)
				pipe.IncrBy(ctx, creatorKey, secs)
				pipe.Expire(ctx, creatorKey, l.opts.PendingTTL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = ws
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	key := l.sessionKey(userID)
	var deleted bool
	err := l.watch(ctx, func(tx *redis.Tx) error {
		deleted = false
		ws, err := l.loadSession(ctx, tx, userID)
		if err != nil || ws == nil || ws.SessionID != sessionID {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, l.heartbeatKey(userID))
			pipe.SRem(ctx, l.activeKey(), userID)
			return nil
		})
		deleted = err == nil
		return err
	}, key)
	return deleted, err
}

func (l *Ledger) Touch(ctx context.Context, userID string, at time.Time) error {
	_, err := l.c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		l.touch(ctx, pipe, userID, at)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch %s: %w", userID, err)
	}
	return nil
}

func (l *Ledger) touch(ctx context.Context, pipe redis.Pipeliner, userID string, at time.Time) {
	pipe.Set(ctx, l.heartbeatKey(userID), at.UnixMilli(), l.opts.HeartbeatTTL)
	pipe.SAdd(ctx, l.activeKey(), userID)
	pipe.Expire(ctx, l.activeKey(), l.opts.ActiveTTL)
}

func (l *Ledger) LastHeartbeat(ctx context.Context, userID string) (time.Time, bool, error) {
	ms, err := l.c.client.Get(ctx, l.heartbeatKey(userID)).Int64()
	if isNil(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat %s: %w", userID, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (l *Ledger) ActiveUsers(ctx context.Context) ([]string, error) {
	return l.c.client.SMembers(ctx, l.activeKey()).Result()
}

func (l *Ledger) RemoveActive(ctx context.Context, userID string) error {
	return l.c.client.SRem(ctx, l.activeKey(), userID).Err()
}

// =============================================================================
// Settlement leases
// =============================================================================

func (l *Ledger) AcquireLease(ctx context.Context, lease billing.Lease) (bool, *billing.Lease, error) {
	key := l.leaseKey(lease.Kind, lease.EntityID)
	data, err := json.Marshal(lease)
	if err != nil {
		return false, nil, fmt.Errorf("encode lease: %w", err)
	}
	ok, err := l.c.client.SetNX(ctx, key, data, l.opts.LeaseTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil, nil
	}
	current, err := l.loadLease(ctx, l.c.client, key)
	return false, current, err
}

func (l *Ledger) loadLease(ctx context.Context, r getter, key string) (*billing.Lease, error) {
	raw, err := r.Get(ctx, key).Bytes()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", key, err)
	}
	var lease billing.Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, fmt.Errorf("decode lease %s: %w", key, err)
	}
	return &lease, nil
}

// owned loads every marker in leases and fails with ErrLeaseLost unless each still carries its settlement id.
func (l *Ledger) owned(ctx context.Context, tx *redis.Tx, leases ...billing.Lease) error {
	for _, lease := range leases {
		current, err := l.loadLease(ctx, tx, l.leaseKey(lease.Kind, lease.EntityID))
		if err != nil {
			return err
		}
		if current == nil || current.SettlementID != lease.SettlementID {
			return fmt.Errorf("%w: %s %s", billing.ErrLeaseLost, lease.Kind, lease.EntityID)
		}
	}
	return nil
}

func (l *Ledger) leaseKeys(leases []billing.Lease) []string {
	keys := make([]string, 0, len(leases))
	for _, lease := range leases {
		keys = append(keys, l.leaseKey(lease.Kind, lease.EntityID))
	}
	return keys
}

func (l *Ledger) RecordLease(ctx context.Context, lease billing.Lease) error {
	key := l.leaseKey(lease.Kind, lease.EntityID)
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	return l.watch(ctx, func(tx *redis.Tx) error {
		if err := l.owned(ctx, tx, lease); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, l.opts.LeaseTTL)
			return nil
		})
		return err
	}, key)
}

func (l *Ledger) ReleaseLease(ctx context.Context, lease billing.Lease) error {
	key := l.leaseKey(lease.Kind, lease.EntityID)
	err := l.watch(ctx, func(tx *redis.Tx) error {
		if err := l.owned(ctx, tx, lease); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, billing.ErrLeaseLost) {
		return nil
	}
	return err
}

// CompleteSettlement subtracts each lease's amount from its counter, refreshing the counter expiry, and
// removes the markers in one transaction.
func (l *Ledger) CompleteSettlement(ctx context.Context, leases ...billing.Lease) error {
	if len(leases) == 0 {
		return nil
	}
	keys := l.leaseKeys(leases)
	return l.watch(ctx, func(tx *redis.Tx) error {
		if err := l.owned(ctx, tx, leases...); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, lease := range leases {
				if lease.Amount != 0 {
					counter := l.counterKey(lease.Kind, lease.EntityID)
					pipe.DecrBy(ctx, counter, lease.Amount)
					pipe.Expire(ctx, counter, l.opts.PendingTTL)
				}
				pipe.Del(ctx, keys[i])
			}
			return nil
		})
		return err
	}, keys...)
}

func (l *Ledger) RecoverLease(ctx context.Context, stale billing.Lease, committed bool) (bool, error) {
	key := l.leaseKey(stale.Kind, stale.EntityID)
	var recovered bool
	err := l.watch(ctx, func(tx *redis.Tx) error {
		recovered = false
		if err := l.owned(ctx, tx, stale); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if committed && stale.Amount != 0 {
				counter := l.counterKey(stale.Kind, stale.EntityID)
				pipe.DecrBy(ctx, counter, stale.Amount)
				pipe.Expire(ctx, counter, l.opts.PendingTTL)
			}
			pipe.Del(ctx, key)
			return nil
		})
		recovered = err == nil
		return err
	}, key)
	if errors.Is(err, billing.ErrLeaseLost) {
		return false, nil
	}
	return recovered, err
}

// watch runs fn as an optimistic transaction over keys, retrying when a watched key changed.
func (l *Ledger) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := l.c.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrContention, keys)
}
