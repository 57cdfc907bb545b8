package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrInsufficientDurableBalance is returned when a settlement would take a balance below zero.
var ErrInsufficientDurableBalance = errors.New("sqlite: settlement exceeds durable balance")

type User struct {
	ID           string `gorm:"primaryKey"`
	Balance      int64  `gorm:"not null;default:0;check:chk_users_balance,balance >= 0"`
	LastRecharge *time.Time
	CreatedAt    time.Time
}

type Creator struct {
	ID               string `gorm:"primaryKey"`
	WatchTimeSeconds int64  `gorm:"not null;default:0"`
	Earnings         int64  `gorm:"not null;default:0"`
	CreatedAt        time.Time
}

type Video struct {
	ExternalID string `gorm:"primaryKey"`
	CreatorID  string `gorm:"not null;index"`
}

type Settlement struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index:idx_settlements_user"`
	CreatorID    string `gorm:"not null"`
	Amount       int64  `gorm:"not null"`
	WatchSeconds int64  `gorm:"not null"`
	Earnings     int64  `gorm:"not null"`
	Trigger      string `gorm:"not null"`
	CreatedAt    time.Time
}

var migrateModels = []any{&User{}, &Creator{}, &Video{}, &Settlement{}}

// Ledger is an embedded durable ledger and video catalog for single-node deployments and tests.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
	videos *xsync.Map[string, billing.Video]
}

var (
	_ billing.DurableLedger = (*Ledger)(nil)
	_ billing.VideoCatalog  = (*Ledger)(nil)
)

// Open opens the database at path, or a private in-memory database when path is empty.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := ":memory:"
	if path != "" {
		// WAL lets balance reads proceed while a settlement commits.
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps an in-memory database alive.
	sqlDB.SetMaxOpenConns(1)

	for _, model := range migrateModels {
		logger.Debug("Migrating table", zap.String("model", fmt.Sprintf("%T", model)))
		if err := db.AutoMigrate(model); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return &Ledger{db: db, logger: logger, videos: xsync.NewMap[string, billing.Video]()}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Ledger) Health(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (l *Ledger) ReadBalance(ctx context.Context, userID string) (money.Amount, error) {
	var u User
	err := l.db.WithContext(ctx).Select("balance").Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, billing.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", userID, err)
	}
	return money.Amount(u.Balance), nil
}

func (l *Ledger) ApplySettlement(ctx context.Context, s billing.Settlement) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.Amount != 0 {
			res := tx.Model(&User{}).Where("id = ?", s.UserID).
				Update("balance", gorm.Expr("balance - ?", int64(s.Amount)))
			if res.Error != nil {
				if isCheckViolation(res.Error) {
					return fmt.Errorf("%w: user %s amount %s", ErrInsufficientDurableBalance, s.UserID, s.Amount)
				}
				return fmt.Errorf("debit user: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return billing.ErrUserNotFound
			}
		}

		if s.WatchSeconds != 0 || s.Earnings != 0 {
			res := tx.Model(&Creator{}).Where("id = ?", s.CreatorID).Updates(map[string]any{
				"watch_time_seconds": gorm.Expr("watch_time_seconds + ?", s.WatchSeconds),
				"earnings":           gorm.Expr("earnings + ?", int64(s.Earnings)),
			})
			if res.Error != nil {
				return fmt.Errorf("credit creator: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return billing.ErrCreatorNotFound
			}
		}

		row := Settlement{
			ID:           s.ID,
			UserID:       s.UserID,
			CreatorID:    s.CreatorID,
			Amount:       int64(s.Amount),
			WatchSeconds: s.WatchSeconds,
			Earnings:     int64(s.Earnings),
			Trigger:      string(s.Trigger),
			CreatedAt:    s.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
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
	var n int64
	if err := l.db.WithContext(ctx).Model(&Settlement{}).Where("id = ?", settlementID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("lookup settlement %s: %w", settlementID, err)
	}
	return n > 0, nil
}

func (l *Ledger) FindVideoByExternalID(ctx context.Context, videoID string) (billing.Video, error) {
	if v, ok := l.videos.Load(videoID); ok {
		return v, nil
	}
	var row Video
	err := l.db.WithContext(ctx).Where("external_id = ?", videoID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Video{}, billing.ErrVideoNotFound
	}
	if err != nil {
		return billing.Video{}, fmt.Errorf("lookup video %s: %w", videoID, err)
	}
	v := billing.Video{ExternalID: row.ExternalID, CreatorID: row.CreatorID}
	l.videos.Store(videoID, v)
	return v, nil
}

// ReadCreator returns a creator's settled watch time and earnings.
func (l *Ledger) ReadCreator(ctx context.Context, creatorID string) (Creator, error) {
	var c Creator
	err := l.db.WithContext(ctx).Where("id = ?", creatorID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Creator{}, billing.ErrCreatorNotFound
	}
	return c, err
}

// Settlements lists a user's settlements, oldest first.
func (l *Ledger) Settlements(ctx context.Context, userID string) ([]Settlement, error) {
	var rows []Settlement
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at, id").Find(&rows).Error
	return rows, err
}

// CreateUser, CreateCreator and CreateVideo load fixtures; account management lives elsewhere.
func (l *Ledger) CreateUser(ctx context.Context, id string, balance money.Amount) error {
	return l.db.WithContext(ctx).Create(&User{ID: id, Balance: int64(balance)}).Error
}

func (l *Ledger) CreateCreator(ctx context.Context, id string) error {
	return l.db.WithContext(ctx).Create(&Creator{ID: id}).Error
}

func (l *Ledger) CreateVideo(ctx context.Context, externalID, creatorID string) error {
	return l.db.WithContext(ctx).Create(&Video{ExternalID: externalID, CreatorID: creatorID}).Error
}

func isCheckViolation(err error) bool {
	return strings.Contains(err.Error(), "CHECK constraint failed")
}
