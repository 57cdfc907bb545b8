package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/money"
	"go.uber.org/zap"
)

// ErrInsufficientDurableBalance is returned when a settlement would take a balance below zero.
var ErrInsufficientDurableBalance = errors.New("postgres: settlement exceeds durable balance")

// Ledger is the PostgreSQL durable ledger and video catalog. Amounts are stored as BIGINT micro-units.
type Ledger struct {
	Client
	videos *xsync.Map[string, billing.Video]
}

var (
	_ billing.DurableLedger = (*Ledger)(nil)
	_ billing.VideoCatalog  = (*Ledger)(nil)
)

// NewLedger connects and makes sure the schema exists.
func NewLedger(ctx context.Context, logger *zap.Logger) (*Ledger, error) {
	client, err := New(ctx, logger.With(zap.String("component", "durable_ledger")), DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	l := &Ledger{Client: client, videos: xsync.NewMap[string, billing.Video]()}
	if err := l.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// ReadBalance is a single-row read outside any transaction.
func (l *Ledger) ReadBalance(ctx context.Context, userID string) (money.Amount, error) {
	var balance int64
	err := l.Pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if IsNoRows(err) {
		return 0, billing.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", userID, err)
	}
	return money.Amount(balance), nil
}

// ApplySettlement debits the user, credits the creator and records the settlement in one SERIALIZABLE
// transaction.
func (l *Ledger) ApplySettlement(ctx context.Context, s billing.Settlement) error {
	err := l.SerializableFunc(ctx, "apply_settlement", func(tx pgx.Tx) error {
		if s.Amount != 0 {
			tag, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $2 WHERE id = $1`, s.UserID, int64(s.Amount))
			if err != nil {
				if IsCheckViolation(err) {
					return fmt.Errorf("%w: user %s amount %s", ErrInsufficientDurableBalance, s.UserID, s.Amount)
				}
				return fmt.Errorf("debit user: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return billing.ErrUserNotFound
			}
		}

		if s.WatchSeconds != 0 || s.Earnings != 0 {
			tag, err := tx.Exec(ctx, `
				UPDATE creators
				SET watch_time_seconds = watch_time_seconds + $2, earnings = earnings + $3
				WHERE id = $1`, s.CreatorID, s.WatchSeconds, int64(s.Earnings))
			if err != nil {
				return fmt.Errorf("credit creator: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return billing.ErrCreatorNotFound
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO settlements (id, user_id, creator_id, amount, watch_seconds, earnings, trigger, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.ID, s.UserID, s.CreatorID, int64(s.Amount), s.WatchSeconds, int64(s.Earnings), string(s.Trigger), s.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply settlement %s: %w", s.ID, err)
	}
	return nil
}

func (l *Ledger) SettlementExists(ctx context.Context, settlementID string) (bool, error) {
	var exists bool
	err := l.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE id = $1)`, settlementID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup settlement %s: %w", settlementID, err)
	}
	return exists, nil
}

// FindVideoByExternalID resolves the creator of a video. Videos never change owner, so hits are cached.
func (l *Ledger) FindVideoByExternalID(ctx context.Context, videoID string) (billing.Video, error) {
	if v, ok := l.videos.Load(videoID); ok {
		return v, nil
	}
	v := billing.Video{ExternalID: videoID}
	err := l.Pool.QueryRow(ctx, `SELECT creator_id FROM videos WHERE external_id = $1`, videoID).Scan(&v.CreatorID)
	if IsNoRows(err) {
		return billing.Video{}, billing.ErrVideoNotFound
	}
	if err != nil {
		return billing.Video{}, fmt.Errorf("lookup video %s: %w", videoID, err)
	}
	l.videos.Store(videoID, v)
	return v, nil
}

// CreatorAccount is a creator's accumulated totals.
type CreatorAccount struct {
	ID               string
	WatchTimeSeconds int64
	Earnings         money.Amount
}

// ReadCreator returns the creator's settled totals.
func (l *Ledger) ReadCreator(ctx context.Context, creatorID string) (CreatorAccount, error) {
	c := CreatorAccount{ID: creatorID}
	var earnings int64
	err := l.Pool.QueryRow(ctx, `SELECT watch_time_seconds, earnings FROM creators WHERE id = $1`, creatorID).
		Scan(&c.WatchTimeSeconds, &earnings)
	if IsNoRows(err) {
		return CreatorAccount{}, billing.ErrCreatorNotFound
	}
	if err != nil {
		return CreatorAccount{}, fmt.Errorf("read creator %s: %w", creatorID, err)
	}
	c.Earnings = money.Amount(earnings)
	return c, nil
}

// RecentSettlements lists a user's latest settlements, newest first.
func (l *Ledger) RecentSettlements(ctx context.Context, userID string, limit int) ([]billing.Settlement, error) {
	rows, err := l.Pool.Query(ctx, `
		SELECT id, user_id, creator_id, amount, watch_seconds, earnings, trigger, created_at
		FROM settlements WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list settlements %s: %w", userID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Settlement, error) {
		var (
			s                billing.Settlement
			amount, earnings int64
			trigger          string
			createdAt        time.Time
		)
		err := row.Scan(&s.ID, &s.UserID, &s.CreatorID, &amount, &s.WatchSeconds, &earnings, &trigger, &createdAt)
		s.Amount, s.Earnings, s.Trigger, s.CreatedAt = money.Amount(amount), money.Amount(earnings), billing.Trigger(trigger), createdAt
		return s, err
	})
}
