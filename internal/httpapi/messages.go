package httpapi

import (
	"context"
	"net/http"

	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/wire"
)

// MessageDTO is a chat message as the history endpoint serves it.
type MessageDTO struct {
	ID       string         `json:"id"`
	JobID    string         `json:"jobId,omitempty"`
	SenderID string         `json:"senderId"`
	Text     string         `json:"text"`
	SentAt   wire.Timestamp `json:"sentAt"`
	ClientID string         `json:"clientId,omitempty"`
}

// Message converts the resource; jobID fills a missing job id.
func (d MessageDTO) Message(jobID string) chat.Message {
	if d.JobID == "" {
		d.JobID = jobID
	}
	return chat.Message{
		ID:       d.ID,
		ClientID: d.ClientID,
		JobID:    d.JobID,
		SenderID: d.SenderID,
		Text:     d.Text,
		SentAt:   d.SentAt.Time,
	}
}

// FetchHistory returns the durable chat history of jobID. An empty token
// uses the client's own.
func (c *Client) FetchHistory(ctx context.Context, jobID, token string) ([]chat.Message, error) {
	var dtos []MessageDTO
	if err := c.do(ctx, http.MethodGet, jobPath(jobID, "messages"), token, nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(dtos))
	for _, d := range dtos {
		if d.ID == "" {
			continue
		}
		out = append(out, d.Message(jobID))
	}
	return out, nil
}

type postMessageDTO struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// PostMessage stores a chat message through the HTTP API instead of the
// duplex channel. The simulator uses it to inject counterparty messages.
func (c *Client) PostMessage(ctx context.Context, jobID, senderID, text string) (chat.Message, error) {
	var dto MessageDTO
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "messages"), "", postMessageDTO{SenderID: senderID, Text: text}, &dto); err != nil {
		return chat.Message{}, err
	}
	return dto.Message(jobID), nil
}
