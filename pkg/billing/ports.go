package billing

import (
	"context"
	"time"

	"github.com/tollgate-video/tollgate/pkg/money"
)

// SessionUpdate mutates a loaded session. The returned seconds are added to the session creator's
// pending watch time in the same atomic write as the session itself.
type SessionUpdate func(s *WatchSession) (watchSeconds int64, err error)

// FastLedger is the low-latency shared store holding pending counters and session state.
// Implementations refresh TTLs on every legitimate write.
type FastLedger interface {
	// IncrPending atomically adds amount and returns the new total, setting an expiry when the key had none.
	IncrPending(ctx context.Context, userID string, amount money.Amount) (money.Amount, error)
	DecrPending(ctx context.Context, userID string, amount money.Amount) (money.Amount, error)
	PendingDeduction(ctx context.Context, userID string) (money.Amount, error)
	PendingWatchTime(ctx context.Context, creatorID string) (int64, error)

	// LoadSession returns nil, nil when the user has no session.
	LoadSession(ctx context.Context, userID string) (*WatchSession, error)
	// CreateSession stores s, records its heartbeat and adds the user to the active set.
	CreateSession(ctx context.Context, s *WatchSession) error
	// UpdateSession applies fn under optimistic concurrency. Returns nil, nil when no session exists.
	UpdateSession(ctx context.Context, userID string, fn SessionUpdate) (*WatchSession, error)
	// DeleteSession removes the session, heartbeat and set membership when the stored id matches sessionID.
	DeleteSession(ctx context.Context, userID, sessionID string) (bool, error)
	// Touch records a heartbeat and refreshes the active set expiry.
	Touch(ctx context.Context, userID string, at time.Time) error
	LastHeartbeat(ctx context.Context, userID string) (time.Time, bool, error)
	ActiveUsers(ctx context.Context) ([]string, error)
	RemoveActive(ctx context.Context, userID string) error

	// AcquireLease sets the marker only if absent; when busy the current marker is returned.
	AcquireLease(ctx context.Context, lease Lease) (bool, *Lease, error)
	// RecordLease overwrites the caller's own marker (same settlement id) with its amount.
	RecordLease(ctx context.Context, lease Lease) error
	ReleaseLease(ctx context.Context, lease Lease) error
	// CompleteSettlement subtracts every lease amount from its counter and deletes the markers atomically.
	CompleteSettlement(ctx context.Context, leases ...Lease) error
	// RecoverLease clears a stale marker, subtracting its amount first when committed is true.
	RecoverLease(ctx context.Context, stale Lease, committed bool) (bool, error)
}

// DurableLedger is the transactional store of record. ApplySettlement is the only write path for balances
// and earnings and must apply entirely or not at all.
type DurableLedger interface {
	ReadBalance(ctx context.Context, userID string) (money.Amount, error)
	ApplySettlement(ctx context.Context, s Settlement) error
	SettlementExists(ctx context.Context, settlementID string) (bool, error)
}

type VideoCatalog interface {
	FindVideoByExternalID(ctx context.Context, videoID string) (Video, error)
}

// CacheInvalidator drops read-through copies of user and creator records owned elsewhere.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Notifier delivers events to a user's live connections. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev Event) error
}

type RetryQueue interface {
	Enqueue(ctx context.Context, req RetryRequest) error
}

// Cache keys handed to the CacheInvalidator.
func UserCacheKey(userID string) string       { return "user:" + userID }
func CreatorCacheKey(creatorID string) string { return "creator:" + creatorID }
