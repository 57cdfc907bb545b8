package billing

import (
	"time"

	"github.com/tollgate-video/tollgate/pkg/config"
	"github.com/tollgate-video/tollgate/pkg/metrics"
	"github.com/tollgate-video/tollgate/pkg/money"
	"go.uber.org/zap"
)

// Options are the billing tunables.
type Options struct {
	UnitCost            money.Amount
	EarningsBasisPoints int64
	SettlementPeriod    time.Duration
	HeartbeatTimeout    time.Duration
	ReaperInterval      time.Duration
	SettleTimeout       time.Duration
	LeaseTimeout        time.Duration
	RetryMaxAttempt     int
	// SettleWorkers bounds settlements running off the heartbeat path.
	SettleWorkers int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		UnitCost:            200,
		EarningsBasisPoints: 10000,
		SettlementPeriod:    10 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		ReaperInterval:      30 * time.Second,
		SettleTimeout:       10 * time.Second,
		LeaseTimeout:        30 * time.Second,
		RetryMaxAttempt:     10,
		SettleWorkers:       8,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UnitCost:            cfg.UnitCostAmount(),
		EarningsBasisPoints: cfg.EarningsBasisPoints,
		SettlementPeriod:    cfg.SettlementPeriod,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		ReaperInterval:      cfg.ReaperInterval,
		SettleTimeout:       cfg.SettleTimeout,
		LeaseTimeout:        cfg.LeaseTimeout,
		RetryMaxAttempt:     cfg.RetryMaxAttempt,
		SettleWorkers:       cfg.SettleWorkers,
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Deps are the collaborators shared by every billing component. Invalidator, Notifier, Retry and
// Metrics are optional.
type Deps struct {
	Fast        FastLedger
	Durable     DurableLedger
	Catalog     VideoCatalog
	Invalidator CacheInvalidator
	Notifier    Notifier
	Retry       RetryQueue
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
