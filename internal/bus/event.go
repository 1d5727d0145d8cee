package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by the part before the dot.
const (
	KindJobSnapshot   = "job.snapshot"
	KindJobTransition = "job.transition"
	KindJobNotFound   = "job.not_found"
	KindJobFinal      = "job.final"

	KindChatConnection  = "chat.connection_changed"
	KindChatMessage     = "chat.message"
	KindChatHistory     = "chat.history_merged"
	KindChatSendFailed  = "chat.send_failed"
	KindChatServerError = "chat.server_error"

	KindTrackingActive = "tracking.active_changed"
)
