package chat

import (
	"cmp"
	"errors"
	"time"
)

var (
	// ErrChatNotAllowed is returned when a send is attempted while the room is
	// not joined or the connection is not established.
	ErrChatNotAllowed = errors.New("chat not allowed")
	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("empty message")
	// ErrSendQueueFull is returned when the outbound queue cannot take another frame.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("chat session closed")
	// ErrNoHistory is returned by SyncHistory when no history source is configured.
	ErrNoHistory = errors.New("no history source configured")
)

// Message is one chat line in a job's room.
type Message struct {
	// ID is server-assigned and unique within a room. Optimistic local sends
	// carry a "local:" prefixed id until the server echo confirms them.
	ID       string    `json:"id"`
	ClientID string    `json:"clientId,omitempty"`
	JobID    string    `json:"jobId"`
	SenderID string    `json:"senderId"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
	Pending  bool      `json:"pending,omitempty"`
	Failed   bool      `json:"failed,omitempty"`
}

const localIDPrefix = "local:"

// compareMessages orders by SentAt, then ID.
func compareMessages(a, b Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Frame types on the duplex channel.
const (
	FrameJoin    = "join"
	FrameJoined  = "joined"
	FrameMessage = "message"
	FrameError   = "error"
)

// Frame is one duplex channel message in either direction.
type Frame struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId,omitempty"`
	ID       string    `json:"id,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
	SenderID string    `json:"senderId,omitempty"`
	Text     string    `json:"text,omitempty"`
	SentAt   time.Time `json:"sentAt,omitzero"`
}

func (f Frame) message() Message {
	return Message{
		ID:       f.ID,
		ClientID: f.ClientID,
		JobID:    f.JobID,
		SenderID: f.SenderID,
		Text:     f.Text,
		SentAt:   f.SentAt,
	}
}
