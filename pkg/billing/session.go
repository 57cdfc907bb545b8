package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sessions manages the single live WatchSession of each user and attributes its watch time to the
// video's creator.
//
// Watch time is moved into the creator's pending counter in whole seconds and LastSettlementTime advances
// by exactly the seconds moved, so every elapsed interval is counted once for one creator.
type Sessions struct {
	deps    Deps
	opts    Options
	settler *Settler
	timers  *Timers
}

// NewSessions wires the manager. timers may be nil when no periodic settlement is wanted.
func NewSessions(deps Deps, opts Options, settler *Settler, timers *Timers) *Sessions {
	return &Sessions{deps: deps, opts: opts, settler: settler, timers: timers}
}

// Start begins watching videoID. An existing session is ended and settled first.
func (s *Sessions) Start(ctx context.Context, userID, videoID string) (SessionResult, error) {
	video, err := s.deps.Catalog.FindVideoByExternalID(ctx, videoID)
	if err != nil {
		return SessionResult{}, fmt.Errorf("lookup video %s: %w", videoID, err)
	}

	var out SessionResult
	existing, err := s.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		return SessionResult{}, fmt.Errorf("%w: load session: %w", ErrLedgerUnavailable, err)
	}
	if existing != nil {
		prev, err := s.end(ctx, existing, s.opts.now(), TriggerSwitch)
		if err != nil {
			return SessionResult{}, err
		}
		out.Previous = prev
	}

	now := s.opts.now()
	ws := &WatchSession{
		SessionID:          uuid.NewString(),
		UserID:             userID,
		VideoID:            video.ExternalID,
		CreatorID:          video.CreatorID,
		StartTime:          now,
		LastSettlementTime: now,
		LastHeartbeatAt:    now,
	}
	if err := s.deps.Fast.CreateSession(ctx, ws); err != nil {
		return SessionResult{}, fmt.Errorf("%w: create session: %w", ErrLedgerUnavailable, err)
	}
	if s.timers != nil {
		s.timers.Schedule(userID, ws.SessionID)
	}
	s.deps.Metrics.SessionStarted()
	s.deps.logger().Debug("Session started",
		zap.String("user_id", userID),
		zap.String("video_id", ws.VideoID),
		zap.String("session_id", ws.SessionID))

	out.Session = ws
	return out, nil
}

// Heartbeat records liveness. It starts a session when none exists and switches when videoID differs
// from the current one.
func (s *Sessions) Heartbeat(ctx context.Context, userID, videoID string, position *float64) (HeartbeatResult, error) {
	current, err := s.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("%w: load session: %w", ErrLedgerUnavailable, err)
	}
	if current == nil || current.VideoID != videoID {
		started, err := s.Start(ctx, userID, videoID)
		if err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{
			Session:  started.Session,
			Started:  current == nil,
			Switched: current != nil,
			Previous: started.Previous,
		}, nil
	}

	now := s.opts.now()
	var paused bool
	updated, err := s.deps.Fast.UpdateSession(ctx, userID, func(ws *WatchSession) (int64, error) {
		if ws.SessionID != current.SessionID {
			return 0, ErrSessionChanged
		}
		var secs int64
		paused = position != nil && ws.LastPosition != nil && *position <= *ws.LastPosition
		if paused {
			// Playback did not advance: time up to the previous heartbeat is watched, the rest is not.
			secs = ws.AccruableSeconds(ws.LastHeartbeatAt)
			if now.After(ws.LastSettlementTime) {
				ws.LastSettlementTime = now
			}
		}
		ws.LastHeartbeatAt = now
		ws.Paused = paused
		if position != nil {
			p := *position
			ws.LastPosition = &p
		}
		return secs, nil
	})
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("update session: %w", err)
	}
	if updated == nil {
		return s.Heartbeat(ctx, userID, videoID, position)
	}
	if err := s.deps.Fast.Touch(ctx, userID, now); err != nil {
		s.deps.logger().Warn("Failed to record heartbeat", zap.String("user_id", userID), zap.Error(err))
	}

	return HeartbeatResult{
		Session:       updated,
		Paused:        paused,
		SettlementDue: now.Sub(updated.LastSettlementTime) >= s.opts.SettlementPeriod,
	}, nil
}

// IncrementRequestCount is best-effort bookkeeping; failures are only logged.
func (s *Sessions) IncrementRequestCount(ctx context.Context, userID string) {
	_, err := s.deps.Fast.UpdateSession(ctx, userID, func(ws *WatchSession) (int64, error) {
		ws.TotalRequests++
		return 0, nil
	})
	if err != nil {
		s.deps.logger().Debug("Request count not updated", zap.String("user_id", userID), zap.Error(err))
	}
}

// End settles and removes the user's session. It returns nil when there is none.
func (s *Sessions) End(ctx context.Context, userID string) (*SettlementResult, error) {
	return s.EndAt(ctx, userID, s.opts.now(), TriggerEnd)
}

// EndAt ends the session accruing watch time only up to until.
func (s *Sessions) EndAt(ctx context.Context, userID string, until time.Time, trigger Trigger) (*SettlementResult, error) {
	ws, err := s.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", ErrLedgerUnavailable, err)
	}
	if ws == nil {
		return nil, nil
	}
	return s.end(ctx, ws, until, trigger)
}

func (s *Sessions) end(ctx context.Context, ws *WatchSession, until time.Time, trigger Trigger) (*SettlementResult, error) {
	logger := s.deps.logger().With(
		zap.String("user_id", ws.UserID),
		zap.String("session_id", ws.SessionID),
		zap.String("trigger", string(trigger)))

	updated, err := s.accrue(ctx, ws.UserID, ws.SessionID, until)
	if errors.Is(err, ErrSessionChanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}

	res := s.settler.Settle(ctx, ws.UserID, ws.CreatorID, trigger)
	if res.InProgress {
		// The running settlement read the counters before this accrual; nothing else triggers once the
		// session is gone.
		s.settler.queueRetry(ctx, logger, ws.UserID, ws.CreatorID, "settlement in progress at session end")
	}

	// The session goes away whatever the settlement outcome; unsettled amounts stay pending.
	deleted, err := s.deps.Fast.DeleteSession(ctx, ws.UserID, ws.SessionID)
	if err != nil {
		logger.Warn("Failed to delete ended session", zap.Error(err))
	}
	if s.timers != nil {
		s.timers.Cancel(ws.UserID, ws.SessionID)
	}
	if deleted {
		s.deps.Metrics.SessionEnded(string(trigger))
		if s.deps.Notifier != nil {
			ev := Event{Type: EventSessionEnded, Payload: map[string]any{
				"sessionId": ws.SessionID,
				"videoId":   ws.VideoID,
				"trigger":   string(trigger),
			}}
			if err := s.deps.Notifier.Notify(ctx, ws.UserID, ev); err != nil {
				logger.Debug("Session end notification not delivered", zap.Error(err))
			}
		}
	}
	logger.Debug("Session ended", zap.Bool("settled", res.Success))
	return &res, nil
}

// SettleSession accrues the live session's watch time and settles it. sessionID, when set, must match
// the stored session; ErrSessionChanged is returned otherwise.
func (s *Sessions) SettleSession(ctx context.Context, userID, sessionID string, trigger Trigger) (*SettlementResult, error) {
	ws, err := s.deps.Fast.LoadSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", ErrLedgerUnavailable, err)
	}
	if ws == nil {
		return nil, ErrNoActiveSession
	}
	if sessionID != "" && ws.SessionID != sessionID {
		return nil, ErrSessionChanged
	}

	updated, err := s.accrue(ctx, userID, ws.SessionID, s.opts.now())
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrNoActiveSession
	}
	res := s.settler.Settle(ctx, userID, updated.CreatorID, trigger)
	return &res, nil
}

// accrue moves whole seconds up to until from the session into its creator's pending watch time. A paused
// session accrues nothing past its last heartbeat.
func (s *Sessions) accrue(ctx context.Context, userID, sessionID string, until time.Time) (*WatchSession, error) {
	updated, err := s.deps.Fast.UpdateSession(ctx, userID, func(ws *WatchSession) (int64, error) {
		if ws.SessionID != sessionID {
			return 0, ErrSessionChanged
		}
		end := until
		if ws.Paused && end.After(ws.LastHeartbeatAt) {
			end = ws.LastHeartbeatAt
		}
		secs := ws.AccruableSeconds(end)
		ws.LastSettlementTime = ws.LastSettlementTime.Add(time.Duration(secs) * time.Second)
		return secs, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionChanged) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: accrue watch time: %w", ErrLedgerUnavailable, err)
	}
	return updated, nil
}
