package billing

import (
	"time"

	"github.com/tollgate-video/tollgate/pkg/money"
)

// Trigger names the path that caused a settlement or a session end.
type Trigger string

const (
	TriggerEnd       Trigger = "end"
	TriggerPeriodic  Trigger = "periodic"
	TriggerHeartbeat Trigger = "heartbeat"
	TriggerStaleness Trigger = "staleness"
	TriggerSwitch    Trigger = "switch"
	TriggerAdmin     Trigger = "admin"
	TriggerRetry     Trigger = "retry"
)

// WatchSession is the live record of one user watching one video. At most one exists per user.
type WatchSession struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	VideoID   string `json:"videoId"`
	CreatorID string `json:"creatorId"`

	StartTime time.Time `json:"startTime"`
	// LastSettlementTime is the instant up to which watch time has been moved into the creator's pending counter.
	LastSettlementTime time.Time `json:"lastSettlementTime"`
	// LastCommitTime is when a settlement for this session last reached the durable ledger.
	LastCommitTime  time.Time `json:"lastCommitTime,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	// LastPosition is the playback position (seconds) reported by the previous heartbeat, if any.
	LastPosition *float64 `json:"lastPosition,omitempty"`
	// Paused is set when the last heartbeat reported no playback progress; accrual stops at LastHeartbeatAt.
	Paused        bool  `json:"paused,omitempty"`
	TotalRequests int64 `json:"totalRequests"`
}

// AccruableSeconds returns whole seconds between LastSettlementTime and until, never negative.
func (s *WatchSession) AccruableSeconds(until time.Time) int64 {
	secs := int64(until.Sub(s.LastSettlementTime) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// AdmissionResult is the outcome of a single billable request.
type AdmissionResult struct {
	Admitted     bool         `json:"admitted"`
	PendingAfter money.Amount `json:"pendingAfter"`
	Reason       string       `json:"reason,omitempty"`
}

type SessionResult struct {
	Session *WatchSession `json:"session"`
	// Previous is the settlement of a session that had to be ended first, if any.
	Previous *SettlementResult `json:"previous,omitempty"`
}

type HeartbeatResult struct {
	Session       *WatchSession     `json:"session"`
	Started       bool              `json:"started"`
	Switched      bool              `json:"switched"`
	Paused        bool              `json:"paused"`
	SettlementDue bool              `json:"settlementDue"`
	Previous      *SettlementResult `json:"previous,omitempty"`
}

type SettlementResult struct {
	SettlementID     string       `json:"settlementId,omitempty"`
	UserID           string       `json:"userId"`
	CreatorID        string       `json:"creatorId"`
	AmountSettled    money.Amount `json:"amountSettled"`
	WatchTimeSettled int64        `json:"watchTimeSettled"`
	EarningsSettled  money.Amount `json:"earningsSettled"`
	Success          bool         `json:"success"`
	// InProgress is set when another trigger holds the settlement lease for this user.
	InProgress bool   `json:"inProgress,omitempty"`
	Error      string `json:"error,omitempty"`
	Err        error  `json:"-"`
}

type BillingStatus struct {
	UserID           string        `json:"userId"`
	PendingDeduction money.Amount  `json:"pendingDeduction"`
	ActiveSession    *WatchSession `json:"activeSession,omitempty"`
	DurableBalance   money.Amount  `json:"durableBalance"`
	EffectiveBalance money.Amount  `json:"effectiveBalance"`
}

// Settlement is one atomic move of pending amounts into the durable ledger.
type Settlement struct {
	ID           string
	UserID       string
	CreatorID    string
	Amount       money.Amount
	WatchSeconds int64
	Earnings     money.Amount
	Trigger      Trigger
	CreatedAt    time.Time
}

type Video struct {
	ExternalID string
	CreatorID  string
}

// LeaseKind selects the counter a settlement lease guards.
type LeaseKind string

const (
	LeaseUser    LeaseKind = "user"
	LeaseCreator LeaseKind = "creator"
)

// Lease marks an in-flight settlement of one counter. Amount is filled in before the durable commit
// so a crashed settlement can be reconciled against the durable ledger.
type Lease struct {
	Kind         LeaseKind `json:"kind"`
	EntityID     string    `json:"entityId"`
	SettlementID string    `json:"settlementId"`
	Amount       int64     `json:"amount"`
	Recorded     bool      `json:"recorded"`
	StartedAt    time.Time `json:"startedAt"`
}

// Event is pushed to a user's live connections.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	EventBalanceUpdated      = "balance.updated"
	EventSettlementCompleted = "settlement.completed"
	EventSessionEnded        = "session.ended"
)

// BalanceUpdate is the payload of EventBalanceUpdated.
type BalanceUpdate struct {
	PendingDeduction string `json:"pendingDeduction"`
	EffectiveBalance string `json:"effectiveBalance"`
}

// RetryRequest asks for a failed settlement to be attempted again.
type RetryRequest struct {
	UserID    string
	CreatorID string
	Attempt   int
	Reason    string
}
