package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/status"
)

type fakeConn struct {
	in     chan Frame
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sent   []Frame
	failOn string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Frame, 16), done: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != "" && f.Type == c.failOn {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return Frame{}, errors.New("connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.sent...)
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	fail   int
	gate   chan struct{}
	failOn string
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	c.failOn = d.failOn
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeHistory struct {
	batch []Message
	err   error
}

func (h *fakeHistory) FetchHistory(context.Context, string, string) ([]Message, error) {
	return h.batch, h.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newSession(t *testing.T, d *fakeDialer, opts Options) *Session {
	t.Helper()
	opts.Dialer = d
	if opts.SelfID == "" {
		opts.SelfID = "me"
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff = Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	}
	s := New(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func connectAndJoin(t *testing.T, s *Session, jobID string) {
	t.Helper()
	if err := s.EnsureConnected(context.Background(), "ws://chat", "tok"); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if err := s.EnsureJoined(jobID); err != nil {
		t.Fatalf("EnsureJoined: %v", err)
	}
}

func msg(id, sender string, at int64) Frame {
	return Frame{Type: FrameMessage, JobID: "j1", ID: id, SenderID: sender, Text: "hello " + id, SentAt: time.Unix(at, 0)}
}

func TestUnreadAccounting(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")
	c := d.Conn(0)

	for i, id := range []string{"a", "b", "c"} {
		c.in <- msg(id, "driver", int64(100+i))
	}
	waitFor(t, "three unread", func() bool { return s.UnreadCount("j1") == 3 })

	if err := s.SetChatOpen("j1", true); err != nil {
		t.Fatal(err)
	}
	if got := s.UnreadCount("j1"); got != 0 {
		t.Fatalf("unread after open = %d, want 0", got)
	}

	c.in <- msg("d", "driver", 200)
	waitFor(t, "fourth message", func() bool { return len(s.Messages("j1")) == 4 })
	if got := s.UnreadCount("j1"); got != 0 {
		t.Errorf("unread while open = %d, want 0", got)
	}

	_ = s.SetChatOpen("j1", false)
	c.in <- msg("e", "driver", 300)
	waitFor(t, "one unread after closing", func() bool { return s.UnreadCount("j1") == 1 })
}

func TestDuplicateAndSelfMessages(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")
	c := d.Conn(0)

	c.in <- msg("a", "driver", 100)
	c.in <- msg("a", "driver", 100)
	c.in <- msg("b", "me", 101)
	waitFor(t, "two messages", func() bool { return len(s.Messages("j1")) == 2 })

	// Give the duplicate a chance to be (wrongly) counted.
	time.Sleep(20 * time.Millisecond)
	if got := len(s.Messages("j1")); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
	if got := s.UnreadCount("j1"); got != 1 {
		t.Errorf("unread = %d, want 1 (own messages and duplicates excluded)", got)
	}
}

func TestMessagesOrderedBySentAtThenID(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")
	c := d.Conn(0)

	c.in <- msg("z", "driver", 300)
	c.in <- msg("b", "driver", 100)
	c.in <- msg("a", "driver", 100)
	c.in <- msg("m", "driver", 200)
	waitFor(t, "four messages", func() bool { return len(s.Messages("j1")) == 4 })

	var ids []string
	for _, m := range s.Messages("j1") {
		ids = append(ids, m.ID)
	}
	want := []string{"a", "b", "m", "z"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestSendWhileDisconnectedIsRejected(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})

	if err := s.SendMessage("j1", "hi"); !errors.Is(err, ErrChatNotAllowed) {
		t.Fatalf("send err = %v, want ErrChatNotAllowed", err)
	}
	if d.Dials() != 0 {
		t.Error("a rejected send must not dial")
	}
	if got := s.Messages("j1"); len(got) != 0 {
		t.Errorf("rejected send left messages: %+v", got)
	}

	// Connected but not joined is still not allowed.
	if err := s.EnsureConnected(context.Background(), "ws://chat", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendMessage("j1", "hi"); !errors.Is(err, ErrChatNotAllowed) {
		t.Fatalf("send before join err = %v, want ErrChatNotAllowed", err)
	}
	if sent := d.Conn(0).Sent(); len(sent) != 0 {
		t.Errorf("frames sent = %+v, want none", sent)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")
	if err := s.SendMessage("j1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestOptimisticSendConfirmedByEcho(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")
	c := d.Conn(0)

	if err := s.SendMessage("j1", "on my way"); err != nil {
		t.Fatal(err)
	}
	local := s.Messages("j1")
	if len(local) != 1 || !local[0].Pending || local[0].ClientID == "" {
		t.Fatalf("messages = %+v, want one pending local send", local)
	}

	var out Frame
	waitFor(t, "message frame", func() bool {
		for _, f := range c.Sent() {
			if f.Type == FrameMessage {
				out = f
				return true
			}
		}
		return false
	})
	if out.ClientID != local[0].ClientID || out.Text != "on my way" {
		t.Errorf("frame = %+v", out)
	}

	c.in <- Frame{Type: FrameMessage, JobID: "j1", ID: "srv-1", ClientID: out.ClientID, SenderID: "me", Text: "on my way", SentAt: time.Now()}
	waitFor(t, "confirmed message", func() bool {
		m := s.Messages("j1")
		return len(m) == 1 && m[0].ID == "srv-1" && !m[0].Pending
	})
	if got := s.UnreadCount("j1"); got != 0 {
		t.Errorf("unread = %d, want 0 for own echo", got)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	s := newSession(t, d, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureConnected(context.Background(), "ws://chat", "tok")
		}()
	}
	waitFor(t, "first dial", func() bool { return d.Dials() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureConnected: %v", err)
		}
	}
	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := s.ConnectionState().Kind; got != status.Connected {
		t.Errorf("state = %s, want CONNECTED", got)
	}
}

func TestJoinIntentAppliedOnConnect(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})

	if err := s.EnsureJoined("j1"); err != nil {
		t.Fatalf("EnsureJoined while disconnected: %v", err)
	}
	if s.Joined("j1") {
		t.Fatal("room joined without a connection")
	}
	if err := s.EnsureConnected(context.Background(), "ws://chat", "tok"); err != nil {
		t.Fatal(err)
	}
	if !s.Joined("j1") {
		t.Fatal("room not joined after connect")
	}
	waitFor(t, "join frame", func() bool {
		sent := d.Conn(0).Sent()
		return len(sent) == 1 && sent[0].Type == FrameJoin && sent[0].JobID == "j1"
	})
}

func TestReconnectRejoinsRooms(t *testing.T) {
	d := &fakeDialer{}
	b := bus.New()
	events, unsub := b.Subscribe("chat.connection", 32)
	defer unsub()

	s := newSession(t, d, Options{Bus: b})
	connectAndJoin(t, s, "j1")
	_ = s.EnsureJoined("j2")

	d.Conn(0).Close()
	waitFor(t, "second connection", func() bool {
		return d.Dials() == 2 && s.ConnectionState().Kind == status.Connected
	})
	waitFor(t, "rejoin frames", func() bool {
		c := d.Conn(1)
		if c == nil {
			return false
		}
		sent := c.Sent()
		return len(sent) == 2 && sent[0].JobID == "j1" && sent[1].JobID == "j2"
	})

	sawErrored := false
	for len(events) > 0 {
		evt := <-events
		if ch, ok := evt.Payload.(status.Change); ok && ch.To.Kind == status.Errored {
			sawErrored = true
		}
	}
	if !sawErrored {
		t.Error("connection loss did not pass through ERRORED")
	}
}

func TestDialFailureRetriesWithBackoff(t *testing.T) {
	d := &fakeDialer{fail: 2}
	s := newSession(t, d, Options{})

	if err := s.EnsureConnected(context.Background(), "ws://chat", "tok"); err == nil {
		t.Fatal("first attempt should fail")
	}
	if got := s.ConnectionState().Kind; got != status.Errored && got != status.Connecting {
		t.Errorf("state after failed dial = %s", got)
	}
	waitFor(t, "eventual connection", func() bool {
		return s.ConnectionState().Kind == status.Connected
	})
	if got := d.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestWriteFailureMarksSendFailed(t *testing.T) {
	d := &fakeDialer{failOn: FrameMessage}
	b := bus.New()
	events, unsub := b.Subscribe("chat.send_failed", 4)
	defer unsub()

	s := newSession(t, d, Options{Bus: b, Backoff: Backoff{Base: time.Hour, Max: time.Hour}})
	connectAndJoin(t, s, "j1")
	if err := s.SendMessage("j1", "hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed send", func() bool {
		m := s.Messages("j1")
		return len(m) == 1 && m[0].Failed && !m[0].Pending
	})
	waitFor(t, "errored state", func() bool { return s.ConnectionState().Kind == status.Errored })
	select {
	case evt := <-events:
		if p, ok := evt.Payload.(SendFailed); !ok || p.JobID != "j1" || p.Count != 1 {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}
}

func TestHistoryMergeKeepsUnreadAndDedupes(t *testing.T) {
	d := &fakeDialer{}
	h := &fakeHistory{batch: []Message{
		{ID: "a", JobID: "j1", SenderID: "driver", SentAt: time.Unix(100, 0)},
		{ID: "b", JobID: "j1", SenderID: "driver", Text: "history copy", SentAt: time.Unix(200, 0)},
		{ID: "c", JobID: "j1", SenderID: "driver", SentAt: time.Unix(300, 0)},
	}}
	s := newSession(t, d, Options{History: h})
	connectAndJoin(t, s, "j1")
	c := d.Conn(0)

	c.in <- Frame{Type: FrameMessage, JobID: "j1", ID: "b", SenderID: "driver", Text: "live copy", SentAt: time.Unix(200, 0)}
	waitFor(t, "live message", func() bool { return s.UnreadCount("j1") == 1 })

	if err := s.SyncHistory(context.Background(), "j1", ""); err != nil {
		t.Fatal(err)
	}
	got := s.Messages("j1")
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("order = %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[1].Text != "live copy" {
		t.Errorf("existing entry replaced by history: %q", got[1].Text)
	}
	if n := s.UnreadCount("j1"); n != 1 {
		t.Errorf("unread = %d, want 1 (history never counts)", n)
	}
}

func sentMessageFrame(t *testing.T, c *fakeConn) Frame {
	t.Helper()
	var out Frame
	waitFor(t, "message frame", func() bool {
		for _, f := range c.Sent() {
			if f.Type == FrameMessage {
				out = f
				return true
			}
		}
		return false
	})
	return out
}

func TestHistoryConfirmsPendingSendForObservers(t *testing.T) {
	d := &fakeDialer{}
	h := &fakeHistory{}
	s := newSession(t, d, Options{History: h})
	connectAndJoin(t, s, "j1")

	if err := s.SendMessage("j1", "on my way"); err != nil {
		t.Fatal(err)
	}
	out := sentMessageFrame(t, d.Conn(0))

	msgs, cancel := s.ObserveMessages("j1")
	defer cancel()
	first := <-msgs
	if len(first) != 1 || !first[0].Pending {
		t.Fatalf("observed = %+v, want the pending send", first)
	}

	h.batch = []Message{{ID: "srv-1", ClientID: out.ClientID, JobID: "j1", SenderID: "me", Text: "on my way", SentAt: time.Now()}}
	if err := s.SyncHistory(context.Background(), "j1", "tok"); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-msgs:
		if len(got) != 1 || got[0].ID != "srv-1" || got[0].Pending {
			t.Errorf("observed = %+v, want confirmed srv-1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw the confirmed message")
	}
	if m := s.Messages("j1"); len(m) != 1 || m[0].ID != "srv-1" {
		t.Errorf("messages = %+v", m)
	}
}

func TestHistoryConfirmsFailedSend(t *testing.T) {
	d := &fakeDialer{failOn: FrameMessage}
	h := &fakeHistory{}
	s := newSession(t, d, Options{History: h, Backoff: Backoff{Base: time.Hour, Max: time.Hour}})
	connectAndJoin(t, s, "j1")

	if err := s.SendMessage("j1", "hello"); err != nil {
		t.Fatal(err)
	}
	var clientID string
	waitFor(t, "failed send", func() bool {
		m := s.Messages("j1")
		if len(m) == 1 && m[0].Failed {
			clientID = m[0].ClientID
			return true
		}
		return false
	})

	h.batch = []Message{{ID: "srv-9", ClientID: clientID, JobID: "j1", SenderID: "me", Text: "hello", SentAt: time.Now()}}
	if err := s.SyncHistory(context.Background(), "j1", "tok"); err != nil {
		t.Fatal(err)
	}
	got := s.Messages("j1")
	if len(got) != 1 {
		t.Fatalf("messages = %+v, want the failed send replaced", got)
	}
	if got[0].ID != "srv-9" || got[0].Failed || got[0].Pending {
		t.Errorf("message = %+v, want delivered srv-9", got[0])
	}
}

func TestLeaveDropsRejoinIntent(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")
	if err := s.SetChatOpen("j1", true); err != nil {
		t.Fatal(err)
	}
	if err := s.Leave("j1"); err != nil {
		t.Fatal(err)
	}
	if s.Joined("j1") {
		t.Error("still joined after Leave")
	}

	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureConnected(context.Background(), "ws://chat", "tok"); err != nil {
		t.Fatal(err)
	}
	if s.Joined("j1") {
		t.Error("left room rejoined on reconnect")
	}
	for _, f := range d.Conn(1).Sent() {
		if f.Type == FrameJoin && f.JobID == "j1" {
			t.Errorf("join frame sent for left room: %+v", f)
		}
	}

	d.Conn(1).in <- msg("a", "driver", 100)
	waitFor(t, "unread after leave", func() bool { return s.UnreadCount("j1") == 1 })
}

func TestSyncHistoryErrors(t *testing.T) {
	s := newSession(t, &fakeDialer{}, Options{})
	if err := s.SyncHistory(context.Background(), "j1", "tok"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("err = %v, want ErrNoHistory", err)
	}

	boom := errors.New("503")
	s = newSession(t, &fakeDialer{}, Options{History: &fakeHistory{err: boom}})
	if err := s.SyncHistory(context.Background(), "j1", "tok"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped 503", err)
	}
}

func TestObserversSeeLatestAndCloseOnShutdown(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{Dialer: d, SelfID: "me"})

	unread, cancelUnread := s.ObserveUnreadCount("j1")
	defer cancelUnread()
	if v := <-unread; v != 0 {
		t.Fatalf("initial unread = %d", v)
	}
	state, cancelState := s.ObserveConnectionState()
	defer cancelState()
	if v := <-state; v.Kind != status.Disconnected {
		t.Fatalf("initial state = %s", v)
	}

	connectAndJoin(t, s, "j1")
	d.Conn(0).in <- msg("a", "driver", 100)

	deadline := time.After(2 * time.Second)
	for v := 0; v != 1; {
		select {
		case v = <-unread:
		case <-deadline:
			t.Fatal("unread observer never saw 1")
		}
	}

	s.Close()
	s.Close()
	for range unread {
	}
	for range state {
	}
	if err := s.EnsureJoined("j1"); !errors.Is(err, ErrClosed) {
		t.Errorf("EnsureJoined after Close = %v, want ErrClosed", err)
	}
}

func TestDisconnectClearsJoinedButKeepsIntent(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(t, d, Options{})
	connectAndJoin(t, s, "j1")

	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s.Joined("j1") {
		t.Error("joined flag survived disconnect")
	}
	if got := s.ConnectionState().Kind; got != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", got)
	}
	if err := s.EnsureConnected(context.Background(), "ws://chat", "tok"); err != nil {
		t.Fatal(err)
	}
	if !s.Joined("j1") {
		t.Error("room not rejoined after reconnect")
	}
}

func TestBackoffSequence(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("delay %d = %v, want %v", i, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset = %v, want 1s", got)
	}
}
