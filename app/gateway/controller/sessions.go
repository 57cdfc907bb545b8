package controller

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"go.uber.org/zap"
)

type sessionRequest struct {
	VideoID  string   `json:"videoId"`
	Position *float64 `json:"position,omitempty"`
}

// StatusResponse renders BillingStatus amounts as decimal strings.
type StatusResponse struct {
	UserID           string                `json:"userId"`
	DurableBalance   string                `json:"durableBalance"`
	PendingDeduction string                `json:"pendingDeduction"`
	EffectiveBalance string                `json:"effectiveBalance"`
	ActiveSession    *billing.WatchSession `json:"activeSession,omitempty"`
}

// SettlementResponse renders a SettlementResult for clients.
type SettlementResponse struct {
	SettlementID     string `json:"settlementId,omitempty"`
	CreatorID        string `json:"creatorId"`
	AmountSettled    string `json:"amountSettled"`
	WatchTimeSettled int64  `json:"watchTimeSettled"`
	Success          bool   `json:"success"`
	InProgress       bool   `json:"inProgress,omitempty"`
	Error            string `json:"error,omitempty"`
}

func NewSettlementResponse(res *billing.SettlementResult) *SettlementResponse {
	if res == nil {
		return nil
	}
	return &SettlementResponse{
		SettlementID:     res.SettlementID,
		CreatorID:        res.CreatorID,
		AmountSettled:    res.AmountSettled.String(),
		WatchTimeSettled: res.WatchTimeSettled,
		Success:          res.Success,
		InProgress:       res.InProgress,
		Error:            res.Error,
	}
}

type sessionResponse struct {
	SessionID     string              `json:"sessionId"`
	VideoID       string              `json:"videoId"`
	CreatorID     string              `json:"creatorId"`
	StartTime     time.Time           `json:"startTime"`
	Started       bool                `json:"started,omitempty"`
	Switched      bool                `json:"switched,omitempty"`
	Paused        bool                `json:"paused,omitempty"`
	SettlementDue bool                `json:"settlementDue,omitempty"`
	Previous      *SettlementResponse `json:"previous,omitempty"`
}

func newSessionResponse(ws *billing.WatchSession) sessionResponse {
	if ws == nil {
		return sessionResponse{}
	}
	return sessionResponse{SessionID: ws.SessionID, VideoID: ws.VideoID, CreatorID: ws.CreatorID, StartTime: ws.StartTime}
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return req, false
	}
	if req.VideoID == "" {
		writeError(w, http.StatusBadRequest, "videoId is required")
		return req, false
	}
	return req, true
}

// sessionError maps session errors to responses.
func (c *Controller) sessionError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, billing.ErrVideoNotFound):
		writeError(w, http.StatusNotFound, "video not found")
	case errors.Is(err, billing.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, billing.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, "no active session")
	default:
		c.App.Logger.Error("Session operation failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, billing.ReasonUnavailable)
	}
}

func (c *Controller) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	userID := UserFrom(r.Context())
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	res, err := c.App.Service.StartSession(r.Context(), userID, req.VideoID)
	if err != nil {
		c.sessionError(w, userID, err)
		return
	}
	out := newSessionResponse(res.Session)
	out.Started = true
	out.Previous = NewSettlementResponse(res.Previous)
	writeJSON(w, http.StatusCreated, out)
}

func (c *Controller) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID := UserFrom(r.Context())
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	res, err := c.App.Service.Heartbeat(r.Context(), userID, req.VideoID, req.Position)
	if err != nil {
		c.sessionError(w, userID, err)
		return
	}
	out := newSessionResponse(res.Session)
	out.Started, out.Switched, out.Paused, out.SettlementDue = res.Started, res.Switched, res.Paused, res.SettlementDue
	out.Previous = NewSettlementResponse(res.Previous)
	writeJSON(w, http.StatusOK, out)
}

// HandleEndSession answers 204 when the caller had no session.
func (c *Controller) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	userID := UserFrom(r.Context())
	res, err := c.App.Service.EndSession(r.Context(), userID)
	if err != nil {
		c.sessionError(w, userID, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, NewSettlementResponse(res))
}

func (c *Controller) HandleBillingStatus(w http.ResponseWriter, r *http.Request) {
	userID := UserFrom(r.Context())
	st, err := c.App.Service.GetBillingStatus(r.Context(), userID)
	if err != nil {
		c.sessionError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		UserID:           st.UserID,
		DurableBalance:   st.DurableBalance.String(),
		PendingDeduction: st.PendingDeduction.String(),
		EffectiveBalance: st.EffectiveBalance.String(),
		ActiveSession:    st.ActiveSession,
	})
}

func (c *Controller) HandleForceSettle(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	res, err := c.App.Service.ForceSettle(r.Context(), userID)
	if err != nil {
		c.sessionError(w, userID, err)
		return
	}
	c.App.Logger.Info("Admin settlement", zap.String("user_id", userID), zap.Bool("success", res.Success))
	writeJSON(w, http.StatusOK, NewSettlementResponse(res))
}

// protocolError returns the message reported to a WebSocket client for err.
func (c *Controller) protocolError(logger *zap.Logger, err error) string {
	switch {
	case errors.Is(err, billing.ErrVideoNotFound):
		return "video not found"
	case errors.Is(err, billing.ErrUserNotFound):
		return "user not found"
	default:
		logger.Error("Session operation failed", zap.Error(err))
		return billing.ReasonUnavailable
	}
}
