package controller

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"go.uber.org/zap"
)

// RequestClass says whether a media request is charged.
type RequestClass int

const (
	ClassUnsupported RequestClass = iota
	// ClassFree covers manifests and initialization segments.
	ClassFree
	// ClassBillable covers media segments.
	ClassBillable
)

// ClassifyRequest decides from the file name whether fetching it costs one unit.
func ClassifyRequest(file string) RequestClass {
	name := strings.ToLower(path.Base(file))
	ext := path.Ext(name)
	switch {
	case ext == ".m3u8" || ext == ".mpd":
		return ClassFree
	case strings.HasPrefix(name, "init") && (ext == ".mp4" || ext == ".m4s"):
		return ClassFree
	case ext == ".ts" || ext == ".m4s" || ext == ".mp4" || ext == ".aac":
		return ClassBillable
	default:
		return ClassUnsupported
	}
}

// HandleGate answers whether the caller may fetch one file of a video.
//
// 204: fetch allowed (free, or charged one unit)
// 402: payment required, the player should pause and prompt for a top-up
// 404: unknown video or unsupported file
// 503: billing unavailable, the request was not admitted
func (c *Controller) HandleGate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	videoID, file := vars["videoId"], vars["file"]
	userID := UserFrom(r.Context())

	switch ClassifyRequest(file) {
	case ClassFree:
		w.WriteHeader(http.StatusNoContent)
		return
	case ClassUnsupported:
		writeError(w, http.StatusNotFound, "unsupported file")
		return
	}

	res, err := c.App.Service.ChargeSegment(r.Context(), userID, videoID)
	if err != nil {
		if errors.Is(err, billing.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		c.App.Logger.Error("Gate charge failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, billing.ReasonUnavailable)
		return
	}

	if !res.Admitted {
		w.Header().Set("X-Billing-Reason", res.Reason)
		if res.Reason == billing.ReasonUnavailable {
			writeError(w, http.StatusServiceUnavailable, res.Reason)
			return
		}
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "payment required", "reason": res.Reason})
		return
	}

	w.Header().Set("X-Pending-Deduction", res.PendingAfter.String())
	w.WriteHeader(http.StatusNoContent)
}
