package wschat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/matheus3301/towtrack/internal/chat"
)

func echoServer(t *testing.T) (string, chan *http.Request) {
	t.Helper()
	reqs := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		conn := Wrap(ws, nil)
		defer conn.Close()
		ctx := r.Context()

		// Noise the client has to skip.
		ws.Write(ctx, websocket.MessageText, []byte("not json"))
		ws.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3})

		for {
			f, err := conn.Receive(ctx)
			if err != nil {
				return
			}
			switch f.Type {
			case chat.FrameJoin:
				conn.Send(ctx, chat.Frame{Type: chat.FrameJoined, JobID: f.JobID})
			case chat.FrameMessage:
				conn.Send(ctx, chat.Frame{
					Type:     chat.FrameMessage,
					JobID:    f.JobID,
					ID:       "srv-1",
					ClientID: f.ClientID,
					SenderID: "me",
					Text:     f.Text,
					SentAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", reqs
}

func TestDialSendReceive(t *testing.T) {
	endpoint, reqs := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d Dialer
	conn, err := d.Dial(ctx, endpoint, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	r := <-reqs
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("authorization = %q", got)
	}
	if got := r.URL.Query().Get("token"); got != "secret" {
		t.Errorf("token query = %q", got)
	}

	if err := conn.Send(ctx, chat.Frame{Type: chat.FrameJoin, JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	f, err := conn.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != chat.FrameJoined || f.JobID != "j1" {
		t.Errorf("frame = %+v, want joined j1", f)
	}

	if err := conn.Send(ctx, chat.Frame{Type: chat.FrameMessage, JobID: "j1", Text: "hi", ClientID: "c-1"}); err != nil {
		t.Fatal(err)
	}
	f, err = conn.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != "srv-1" || f.ClientID != "c-1" || f.Text != "hi" {
		t.Errorf("echo = %+v", f)
	}
	if !f.SentAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("sentAt = %v", f.SentAt)
	}
}

func TestDialRejectsBadEndpoint(t *testing.T) {
	var d Dialer
	if _, err := d.Dial(context.Background(), "ftp://example.com", ""); err == nil {
		t.Error("ftp endpoint accepted")
	}
}

func TestReceiveFailsWhenServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var d Dialer
	conn, err := d.Dial(ctx, srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Receive(ctx); err == nil {
		t.Error("Receive succeeded on a closed socket")
	}
}
