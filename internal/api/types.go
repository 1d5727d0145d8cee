package api

import (
	"time"

	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/status"
	"github.com/matheus3301/towtrack/internal/tracking"
)

type Empty struct{}

type GetViewResponse struct {
	Profile string        `json:"profile"`
	View    tracking.View `json:"view"`
}

type SetActiveJobRequest struct {
	JobID string `json:"jobId"`
}

type UpdatePositionRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type ListMessagesResponse struct {
	JobID       string         `json:"jobId"`
	Messages    []chat.Message `json:"messages"`
	UnreadCount int            `json:"unreadCount"`
}

type GetConnectionResponse struct {
	State    status.ConnectionState `json:"state"`
	UptimeMs int64                  `json:"uptimeMs"`
}

type WatchEventsRequest struct {
	// Namespace filters events by the part of the kind before the dot.
	// Empty means every event.
	Namespace string `json:"namespace,omitempty"`
}

type EventEnvelope struct {
	EventID          string `json:"eventId"`
	Profile          string `json:"profile"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	Kind             string `json:"kind"`
	Payload          any    `json:"payload,omitempty"`
}

func envelopeTime(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}
