package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed client for the daemon's Tracking service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

func (c *Client) GetView(ctx context.Context) (*GetViewResponse, error) {
	out := new(GetViewResponse)
	if err := c.invoke(ctx, "GetView", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetActiveJob(ctx context.Context, jobID string) error {
	return c.invoke(ctx, "SetActiveJob", &SetActiveJobRequest{JobID: jobID}, &Empty{})
}

func (c *Client) ClearActiveJob(ctx context.Context) error {
	return c.invoke(ctx, "ClearActiveJob", &Empty{}, &Empty{})
}

func (c *Client) Refresh(ctx context.Context) error {
	return c.invoke(ctx, "Refresh", &Empty{}, &Empty{})
}

func (c *Client) UpdatePosition(ctx context.Context, lat, lng float64) error {
	return c.invoke(ctx, "UpdatePosition", &UpdatePositionRequest{Lat: lat, Lng: lng}, &Empty{})
}

func (c *Client) OpenChat(ctx context.Context) error {
	return c.invoke(ctx, "OpenChat", &Empty{}, &Empty{})
}

func (c *Client) CloseChat(ctx context.Context) error {
	return c.invoke(ctx, "CloseChat", &Empty{}, &Empty{})
}

func (c *Client) SendMessage(ctx context.Context, text string) error {
	return c.invoke(ctx, "SendMessage", &SendMessageRequest{Text: text}, &Empty{})
}

func (c *Client) ListMessages(ctx context.Context) (*ListMessagesResponse, error) {
	out := new(ListMessagesResponse)
	if err := c.invoke(ctx, "ListMessages", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetConnection(ctx context.Context) (*GetConnectionResponse, error) {
	out := new(GetConnectionResponse)
	if err := c.invoke(ctx, "GetConnection", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchView calls fn for every view the daemon streams until ctx ends, the
// stream closes, or fn returns an error.
func (c *Client) WatchView(ctx context.Context, fn func(*GetViewResponse) error) error {
	stream, err := c.openStream(ctx, 0, "WatchView", &Empty{})
	if err != nil {
		return err
	}
	for {
		out := new(GetViewResponse)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}

// WatchEvents calls fn for every bus event under namespace.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*EventEnvelope) error) error {
	stream, err := c.openStream(ctx, 1, "WatchEvents", &WatchEventsRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	for {
		out := new(EventEnvelope)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}

// WatchMessages calls fn with the active job's room every time it changes.
// The stream ends with codes.Aborted when the active job changes.
func (c *Client) WatchMessages(ctx context.Context, fn func(*ListMessagesResponse) error) error {
	stream, err := c.openStream(ctx, 2, "WatchMessages", &Empty{})
	if err != nil {
		return err
	}
	for {
		out := new(ListMessagesResponse)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}

func (c *Client) openStream(ctx context.Context, idx int, method string, in any) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &TrackingServiceDesc.Streams[idx], "/"+ServiceName+"/"+method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
