package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/service"
)

// transparentGIF is the classic 1x1 tracking pixel.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

// TrackingHandler serves the pixel and redirect endpoints that feed
// the tracking event processor. Recording failures never break the
// HTTP response: a broken pixel must not break mail rendering.
type TrackingHandler struct {
	Tracking *service.TrackingService
	Logger   *zap.Logger
}

func (h *TrackingHandler) OpenPixel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	metadata := map[string]string{
		"user_agent": r.UserAgent(),
		"remote_ip":  r.RemoteAddr,
	}
	if err := h.Tracking.RecordEvent(id, model.EventOpen, metadata, time.Now()); err != nil {
		h.Logger.Error("failed to record open event",
			zap.Int("message_log_id", id), zap.Error(err))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(transparentGIF)
}

func (h *TrackingHandler) ClickRedirect(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	target := r.URL.Query().Get("u")
	if target == "" {
		http.Error(w, "missing target url", http.StatusBadRequest)
		return
	}

	metadata := map[string]string{
		"url":        target,
		"user_agent": r.UserAgent(),
		"remote_ip":  r.RemoteAddr,
	}
	if err := h.Tracking.RecordEvent(id, model.EventClick, metadata, time.Now()); err != nil {
		h.Logger.Error("failed to record click event",
			zap.Int("message_log_id", id), zap.Error(err))
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// ReplyWebhook is called by the delivery provider when a recipient
// replies to a tracked message.
func (h *TrackingHandler) ReplyWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageLogID int               `json:"message_log_id"`
		Metadata     map[string]string `json:"metadata"`
		OccurredAt   *time.Time        `json:"occurred_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	occurredAt := time.Now()
	if body.OccurredAt != nil {
		occurredAt = *body.OccurredAt
	}

	if err := h.Tracking.RecordEvent(body.MessageLogID, model.EventReply, body.Metadata, occurredAt); err != nil {
		h.Logger.Error("failed to record reply event",
			zap.Int("message_log_id", body.MessageLogID), zap.Error(err))
		http.Error(w, "failed to record event", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
