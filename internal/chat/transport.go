package chat

import "context"

// Dialer opens the duplex channel.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// Conn is one established duplex channel. Send and Receive may be called
// concurrently with each other, but each from a single goroutine.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	// Receive blocks until a frame arrives, ctx is done, or the channel fails.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// HistoryFetcher loads a room's durable history over the ordinary API.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, jobID, token string) ([]Message, error)
}
