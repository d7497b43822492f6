package lifecycle

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/meetscribe/transcript-gateway/internal/observability"
)

// webhookRequest is the meeting platform's lifecycle notification.
type webhookRequest struct {
	MeetingKey string `json:"meeting_key"`
	Action     string `json:"action"` // "started" or "stopped"
}

type webhookResponse struct {
	MeetingKey string `json:"meeting_key"`
	Status     string `json:"status"`
}

// WebhookHandler accepts meeting started/stopped notifications and drives
// the controller. Both actions are idempotent, so webhook retries from
// the platform are harmless.
func WebhookHandler(c *Controller, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.MeetingKey == "" {
			http.Error(w, "meeting_key is required", http.StatusBadRequest)
			return
		}

		switch req.Action {
		case "started":
			if err := c.StartMeeting(r.Context(), req.MeetingKey); err != nil {
				logger.Error().Err(err).Str("meeting_key", req.MeetingKey).Msg("Failed to start meeting")
				observability.RecordError("start_failed", "webhook")
				http.Error(w, "failed to start meeting", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, webhookResponse{MeetingKey: req.MeetingKey, Status: "started"})

		case "stopped":
			if err := c.StopMeeting(r.Context(), req.MeetingKey); err != nil {
				logger.Error().Err(err).Str("meeting_key", req.MeetingKey).Msg("Failed to stop meeting")
				observability.RecordError("stop_failed", "webhook")
				http.Error(w, "failed to stop meeting", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, webhookResponse{MeetingKey: req.MeetingKey, Status: "stopped"})

		default:
			http.Error(w, "action must be started or stopped", http.StatusBadRequest)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
