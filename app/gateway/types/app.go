package types

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tollgate-video/tollgate/app/gateway/hub"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/config"
	"github.com/tollgate-video/tollgate/pkg/redis"
	"go.uber.org/zap"
)

// DurableStore is the durable ledger and video catalog behind the gateway.
type DurableStore interface {
	billing.DurableLedger
	billing.VideoCatalog
	Health(ctx context.Context) error
}

type App struct {
	Config  *config.Config
	Service *billing.Service

	Redis   *redis.Client
	Durable DurableStore
	// CloseDurable releases the durable store's connections.
	CloseDurable func()

	Notifier      *billing.AsyncNotifier
	RetryConsumer *redis.StreamConsumer
	Hub           *hub.Hub

	Registry *prometheus.Registry
	// Zap Logger
	Logger *zap.Logger
	// Server handles the gate, session and push endpoints.
	Server *http.Server
}

// HandleRetry settles one entry of the retry stream. Malformed entries are acknowledged and dropped.
func (a *App) HandleRetry(ctx context.Context, msg redis.Message) error {
	req, err := redis.DecodeRetry(msg)
	if err != nil {
		a.Logger.Error("Dropping malformed retry entry", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return a.Service.HandleRetry(ctx, req)
}

// Start runs the background loops and the HTTP server until ctx is cancelled, then shuts down.
func (a *App) Start(ctx context.Context) {
	if err := a.Service.Start(ctx); err != nil {
		a.Logger.Fatal("Unable to start staleness reaper", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.RetryConsumer.Run(ctx, a.HandleRetry); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Retry consumer stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; their sessions fall to the reaper.
	_ = a.Server.Shutdown(shutdownCtx)
	wg.Wait()

	a.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Close stops background billing work and releases every connection.
func (a *App) Close() {
	a.Service.Close()
	a.Notifier.Close()
	a.CloseDurable()
	if err := a.Redis.Close(); err != nil {
		a.Logger.Error("Failed to close redis connection", zap.Error(err))
	}
}
