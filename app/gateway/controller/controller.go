package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tollgate-video/tollgate/app/gateway/types"
	"github.com/tollgate-video/tollgate/pkg/utils"
	"go.uber.org/zap"
)

type Controller struct {
	App       *types.App
	JWTSecret []byte
	// AdminHash is the bcrypt digest of the admin token.
	AdminHash []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminHash, err := utils.HashOrRead(app.Config.AdminToken)
	if err != nil {
		app.Logger.Error("Unable to hash admin token, admin endpoints are disabled", zap.Error(err))
	}
	return &Controller{
		App:       app,
		JWTSecret: []byte(app.Config.JWTSecret),
		AdminHash: adminHash,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)
		w.Header().Set("Access-Control-Expose-Headers", "X-Pending-Deduction, X-Billing-Reason")

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(c.App.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Segment gate, called by the media proxy or the player before each fetch.
	r.Handle("/gate/{videoId}/{file}", c.RequireUser(http.HandlerFunc(c.HandleGate))).Methods(http.MethodGet)

	r.Handle("/sessions", c.RequireUser(http.HandlerFunc(c.HandleStartSession))).Methods(http.MethodPost)
	r.Handle("/sessions", c.RequireUser(http.HandlerFunc(c.HandleEndSession))).Methods(http.MethodDelete)
	r.Handle("/sessions/heartbeat", c.RequireUser(http.HandlerFunc(c.HandleHeartbeat))).Methods(http.MethodPost)
	r.Handle("/billing/status", c.RequireUser(http.HandlerFunc(c.HandleBillingStatus))).Methods(http.MethodGet)

	r.Handle("/admin/settle/{userId}", c.RequireAdmin(http.HandlerFunc(c.HandleForceSettle))).Methods(http.MethodPost)

	// Browsers cannot set headers on upgrade requests, so the token may also come as ?token=
	r.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
