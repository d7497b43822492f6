package lifecycle

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func postWebhook(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/meeting", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestWebhookHandler_StartAndStop(t *testing.T) {
	provider := &scriptedProvider{}
	c, st, _ := newTestController(provider)
	handler := WebhookHandler(c, zerolog.Nop())

	rec := postWebhook(t, handler, `{"meeting_key":"standup-42","action":"started"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for start, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := c.ActiveMeetings(); got != 1 {
		t.Errorf("Expected 1 active meeting, got %d", got)
	}

	// Webhook retry: the platform may deliver the same event twice.
	rec = postWebhook(t, handler, `{"meeting_key":"standup-42","action":"started"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for repeated start, got %d", rec.Code)
	}

	rec = postWebhook(t, handler, `{"meeting_key":"standup-42","action":"stopped"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for stop, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := meetingStatus(t, st, "standup-42"); got != "completed" {
		t.Errorf("Expected completed after stop, got %s", got)
	}
}

func TestWebhookHandler_RejectsBadRequests(t *testing.T) {
	provider := &scriptedProvider{}
	c, _, _ := newTestController(provider)
	handler := WebhookHandler(c, zerolog.Nop())

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing meeting key", `{"action":"started"}`},
		{"unknown action", `{"meeting_key":"standup-42","action":"paused"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, handler, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}
