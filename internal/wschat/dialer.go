// Package wschat carries chat frames over a websocket.
package wschat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/wire"
)

const maxFrameBytes = 64 << 10

// frame is the JSON shape of chat.Frame on the socket.
type frame struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId,omitempty"`
	ID       string          `json:"id,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Text     string          `json:"text,omitempty"`
	SentAt   *wire.Timestamp `json:"sentAt,omitempty"`
}

func toWire(f chat.Frame) frame {
	out := frame{Type: f.Type, JobID: f.JobID, ID: f.ID, ClientID: f.ClientID, SenderID: f.SenderID, Text: f.Text}
	if !f.SentAt.IsZero() {
		ts := wire.At(f.SentAt)
		out.SentAt = &ts
	}
	return out
}

func fromWire(f frame) chat.Frame {
	out := chat.Frame{Type: f.Type, JobID: f.JobID, ID: f.ID, ClientID: f.ClientID, SenderID: f.SenderID, Text: f.Text}
	if f.SentAt != nil {
		out.SentAt = f.SentAt.Time
	}
	return out
}

// Dialer opens websocket chat connections.
type Dialer struct {
	HTTPClient  *http.Client
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Dial connects to endpoint. The token travels both as a bearer header and
// as the token query parameter.
func (d *Dialer) Dial(ctx context.Context, endpoint, token string) (chat.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse chat endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("chat endpoint %q: unsupported scheme", endpoint)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, resp, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial chat: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial chat: %w", err)
	}
	c.SetReadLimit(maxFrameBytes)

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{ws: c, logger: logger.Named("wschat")}, nil
}

// Conn is a websocket chat connection.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger
}

// Wrap adapts an accepted server-side websocket.
func Wrap(ws *websocket.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws, logger: logger}
}

// Send writes one frame.
func (c *Conn) Send(ctx context.Context, f chat.Frame) error {
	if err := wsjson.Write(ctx, c.ws, toWire(f)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next frame. Messages that are not JSON text frames are
// skipped; a socket failure ends the connection.
func (c *Conn) Receive(ctx context.Context) (chat.Frame, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return chat.Frame{}, fmt.Errorf("read frame: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.Debug("skipping binary frame", zap.Int("bytes", len(data)))
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.logger.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		return fromWire(f), nil
	}
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
