package controller_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-video/tollgate/app/gateway"
	"github.com/tollgate-video/tollgate/app/gateway/controller"
	"github.com/tollgate-video/tollgate/app/gateway/types"
	"github.com/tollgate-video/tollgate/pkg/config"
	"github.com/tollgate-video/tollgate/pkg/db/sqlite"
	"github.com/tollgate-video/tollgate/pkg/money"
	"github.com/tollgate-video/tollgate/pkg/redis"
	"go.uber.org/zap/zaptest"
)

const (
	testSecret     = "test-secret"
	testAdminToken = "admin-token"
)

type harness struct {
	mr     *miniredis.Miniredis
	db     *sqlite.Ledger
	app    *types.App
	server *httptest.Server
}

// newHarness serves the gateway over an in-process Redis and an in-memory SQLite ledger seeded with
// user u1 (balance), creator c1 and video v1 owned by c1.
func newHarness(t *testing.T, balance money.Amount) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := redis.NewFromClient(rdb, redis.DefaultKeyPrefix, logger)

	db, err := sqlite.Open("", logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, "u1", balance))
	require.NoError(t, db.CreateCreator(ctx, "c1"))
	require.NoError(t, db.CreateVideo(ctx, "v1", "c1"))

	cfg := config.Default()
	cfg.DurableDriver = config.DriverSQLite
	cfg.JWTSecret = testSecret
	cfg.AdminToken = testAdminToken
	cfg.TeardownTimeout = 2 * time.Second

	app, err := gateway.Assemble(cfg, client, db, func() { _ = db.Close() }, logger)
	require.NoError(t, err)

	hubCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Hub.Run(hubCtx)
	}()

	router, err := controller.NewController(app).NewRouter()
	require.NoError(t, err)
	server := httptest.NewServer(controller.WithCORS(router))

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		app.Service.Close()
		app.Notifier.Close()
		app.CloseDurable()
		_ = rdb.Close()
	})
	return &harness{mr: mr, db: db, app: app, server: server}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do sends a request authenticated as bearer (when non-empty) and returns the status and body.
func (h *harness) do(t *testing.T, method, path, bearer, body string) (int, string, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(buf), resp.Header
}
