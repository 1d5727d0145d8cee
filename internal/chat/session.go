// Package chat owns the process-wide duplex chat channel: one connection,
// many job rooms, unread accounting and the optimistic send path.
//
// All mutable state lives in a single actor goroutine. Public methods post
// closures to it and wait; connection goroutines post their results back the
// same way, tagged with a link generation so late results from a torn-down
// connection are ignored.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/status"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 10 * time.Second
)

// Options configures a Session.
type Options struct {
	Dialer  Dialer
	History HistoryFetcher
	// SelfID identifies the local participant; its messages never count as unread.
	SelfID  string
	Logger  *zap.Logger
	Bus     *bus.Bus
	Backoff Backoff
	// QueueSize bounds the outbound frame queue per connection.
	QueueSize    int
	WriteTimeout time.Duration
	Now          func() time.Time
}

// Session is the chat engine. Create one with New and release it with Close.
type Session struct {
	opts    Options
	logger  *zap.Logger
	machine *status.Machine
	connect singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once

	// Actor-owned.
	rooms         map[string]*room
	link          *link
	gen           uint64
	endpoint      string
	token         string
	wantConnected bool
	supervising   bool
}

// link is one live connection and its writer queue.
type link struct {
	gen    uint64
	conn   Conn
	out    chan Frame
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Session and starts its actor.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:    opts,
		logger:  opts.Logger.Named("chat"),
		machine: status.NewMachine(opts.Bus),
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		rooms:   make(map[string]*room),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// post hands fn to the actor without waiting for it to run.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	}
}

// Close tears down the connection, stops reconnecting and releases every
// observer. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.do(func() {
			s.wantConnected = false
			s.teardown()
			s.settle(status.Disconnected)
		})
		s.cancel()
		close(s.quit)
		<-s.stopped

		// The actor is gone; nothing else touches rooms now.
		for _, r := range s.rooms {
			r.close()
		}
		s.machine.Close()
		s.logger.Debug("chat session closed")
	})
	return nil
}

// ConnectionState returns the current connection state.
func (s *Session) ConnectionState() status.ConnectionState {
	return s.machine.Current()
}

// ObserveConnectionState streams the current state and every change.
func (s *Session) ObserveConnectionState() (<-chan status.ConnectionState, func()) {
	return s.machine.Observe()
}

// EnsureConnected establishes the channel if it is not already up. Concurrent
// callers share one in-flight attempt. A failed attempt leaves the session
// Errored and retrying in the background.
func (s *Session) EnsureConnected(ctx context.Context, endpoint, token string) error {
	if endpoint == "" {
		return errors.New("chat endpoint is empty")
	}
	var connected bool
	if err := s.do(func() {
		s.endpoint, s.token = endpoint, token
		s.wantConnected = true
		connected = s.link != nil
	}); err != nil {
		return err
	}
	if connected {
		return nil
	}
	return s.attempt(ctx)
}

// Disconnect closes the channel and stops reconnecting. Rooms keep their
// messages and join intent for a later EnsureConnected.
func (s *Session) Disconnect() error {
	return s.do(func() {
		s.wantConnected = false
		s.teardown()
		s.settle(status.Disconnected)
	})
}

func (s *Session) attempt(ctx context.Context) error {
	if s.opts.Dialer == nil {
		return errors.New("no chat dialer configured")
	}
	_, err, shared := s.connect.Do("connect", func() (any, error) {
		var endpoint, token string
		var skip bool
		if err := s.do(func() {
			if s.link != nil || !s.wantConnected {
				skip = true
				return
			}
			endpoint, token = s.endpoint, s.token
			_ = s.machine.Transition(status.Connecting)
		}); err != nil {
			return nil, err
		}
		if skip {
			return nil, nil
		}

		s.logger.Debug("dialing chat", zap.String("endpoint", endpoint))
		conn, dialErr := s.opts.Dialer.Dial(ctx, endpoint, token)
		result := dialErr
		err := s.do(func() {
			switch {
			case dialErr != nil:
				s.logger.Warn("chat dial failed", zap.Error(dialErr))
				_ = s.machine.Fail(dialErr.Error())
				s.supervise()
			case !s.wantConnected:
				go conn.Close()
				s.settle(status.Disconnected)
				result = errors.New("chat disconnected during dial")
			default:
				s.install(conn)
			}
		})
		if err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return nil, err
		}
		if result != nil {
			return nil, fmt.Errorf("connect chat: %w", result)
		}
		return nil, nil
	})
	if shared {
		s.logger.Debug("joined in-flight chat connect")
	}
	return err
}

// install makes conn the live link and rejoins every wanted room. Actor only.
func (s *Session) install(conn Conn) {
	s.gen++
	ctx, cancel := context.WithCancel(s.ctx)
	l := &link{
		gen:    s.gen,
		conn:   conn,
		out:    make(chan Frame, s.opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.link = l
	_ = s.machine.Transition(status.Connected)
	s.logger.Info("chat connected", zap.Uint64("gen", l.gen))

	go s.readLoop(l)
	go s.writeLoop(l)

	for _, id := range s.wantedRooms() {
		r := s.rooms[id]
		if err := s.enqueue(Frame{Type: FrameJoin, JobID: id}); err != nil {
			s.logger.Warn("rejoin failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		r.joined = true
	}
}

func (s *Session) wantedRooms() []string {
	var ids []string
	for id, r := range s.rooms {
		if r.wantJoined {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// teardown drops the live link, if any. Actor only.
func (s *Session) teardown() {
	l := s.link
	if l == nil {
		return
	}
	s.link = nil
	l.cancel()
	close(l.out)
	go l.conn.Close()
	for _, r := range s.rooms {
		r.joined = false
	}
}

// settle moves the machine to kind when it is not already there.
func (s *Session) settle(kind status.Kind) {
	if s.machine.Current().Kind == kind {
		return
	}
	if err := s.machine.Transition(kind); err != nil {
		s.logger.Debug("state transition skipped", zap.Error(err))
	}
}

// linkFailed handles a read or write error on link gen. Actor only.
func (s *Session) linkFailed(gen uint64, err error) {
	if s.link == nil || s.link.gen != gen {
		return
	}
	s.logger.Warn("chat connection lost", zap.Uint64("gen", gen), zap.Error(err))
	s.teardown()
	_ = s.machine.Fail(err.Error())
	s.supervise()
}

// supervise starts the reconnect loop unless one is running. Actor only.
func (s *Session) supervise() {
	if s.supervising || !s.wantConnected {
		return
	}
	s.supervising = true
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	b := s.opts.Backoff
	b.Reset()
	for {
		var stop bool
		if err := s.do(func() {
			if s.link != nil || !s.wantConnected {
				s.supervising = false
				stop = true
			}
		}); err != nil || stop {
			return
		}

		delay := b.Next()
		s.logger.Debug("chat reconnect scheduled", zap.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
		if err := s.attempt(s.ctx); err == nil {
			b.Reset()
		}
	}
}

func (s *Session) readLoop(l *link) {
	for {
		f, err := l.conn.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				s.post(func() { s.linkFailed(l.gen, err) })
			}
			return
		}
		s.post(func() { s.handleFrame(l.gen, f) })
	}
}

// writeLoop is the single writer for a link. On a write error it keeps
// draining the queue until the actor closes it, then reports every frame it
// could not deliver.
func (s *Session) writeLoop(l *link) {
	var failed []Frame
	for f := range l.out {
		if l.ctx.Err() != nil {
			failed = append(failed, f)
			continue
		}
		ctx, cancel := context.WithTimeout(l.ctx, s.opts.WriteTimeout)
		err := l.conn.Send(ctx, f)
		cancel()
		if err != nil {
			failed = append(failed, f)
			s.post(func() { s.linkFailed(l.gen, err) })
			l.cancel()
		}
	}
	if len(failed) > 0 {
		s.post(func() { s.sendsFailed(failed) })
	}
}

// enqueue puts f on the live link's writer queue. Actor only.
func (s *Session) enqueue(f Frame) error {
	if s.link == nil {
		return ErrChatNotAllowed
	}
	select {
	case s.link.out <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) sendsFailed(frames []Frame) {
	byRoom := make(map[string]map[string]bool)
	for _, f := range frames {
		if f.Type != FrameMessage || f.ClientID == "" {
			continue
		}
		if byRoom[f.JobID] == nil {
			byRoom[f.JobID] = make(map[string]bool)
		}
		byRoom[f.JobID][f.ClientID] = true
	}
	for jobID, ids := range byRoom {
		r, ok := s.rooms[jobID]
		if !ok || !r.fail(ids) {
			continue
		}
		r.publishMessages()
		s.logger.Warn("chat sends failed", zap.String("job_id", jobID), zap.Int("count", len(ids)))
		s.opts.Bus.Emit(bus.KindChatSendFailed, SendFailed{JobID: jobID, Count: len(ids)})
	}
}

// SendFailed is the payload of a send failure event.
type SendFailed struct {
	JobID string
	Count int
}

// ServerError is the payload of a server error event.
type ServerError struct {
	JobID string
	Text  string
}

func (s *Session) handleFrame(gen uint64, f Frame) {
	if s.link == nil || s.link.gen != gen {
		return
	}
	switch f.Type {
	case FrameMessage:
		s.handleMessage(f.message())
	case FrameJoined:
		s.logger.Debug("room joined", zap.String("job_id", f.JobID))
	case FrameError:
		s.logger.Warn("chat server error", zap.String("job_id", f.JobID), zap.String("text", f.Text))
		s.opts.Bus.Emit(bus.KindChatServerError, ServerError{JobID: f.JobID, Text: f.Text})
	default:
		s.logger.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

func (s *Session) handleMessage(m Message) {
	if m.ID == "" || m.JobID == "" {
		s.logger.Debug("dropping malformed message frame")
		return
	}
	if m.SentAt.IsZero() {
		m.SentAt = s.opts.Now()
	}
	r := s.room(m.JobID)
	if handled, replaced := r.confirm(m); handled {
		if replaced {
			r.publishMessages()
		}
		return
	}
	if !r.add(m) {
		return
	}
	r.publishMessages()
	if !r.open && m.SenderID != s.opts.SelfID {
		r.setUnread(r.unread + 1)
	}
	s.opts.Bus.Emit(bus.KindChatMessage, m)
}

// room returns the room for jobID, creating it. Actor only.
func (s *Session) room(jobID string) *room {
	r, ok := s.rooms[jobID]
	if !ok {
		r = newRoom(jobID)
		s.rooms[jobID] = r
	}
	return r
}

// EnsureJoined records the intent to be in jobID's room and joins it now if
// connected. While disconnected the intent is kept and applied on connect.
func (s *Session) EnsureJoined(jobID string) error {
	if jobID == "" {
		return errors.New("job id is empty")
	}
	var res error
	err := s.do(func() {
		r := s.room(jobID)
		r.wantJoined = true
		if r.joined || s.link == nil {
			return
		}
		if res = s.enqueue(Frame{Type: FrameJoin, JobID: jobID}); res == nil {
			r.joined = true
		}
	})
	if err != nil {
		return err
	}
	return res
}

// Leave drops the intent to be in jobID's room. Messages stay in memory.
func (s *Session) Leave(jobID string) error {
	return s.do(func() {
		if r, ok := s.rooms[jobID]; ok {
			r.wantJoined = false
			r.joined = false
			r.open = false
		}
	})
}

// Joined reports whether jobID's room is joined on the current connection.
func (s *Session) Joined(jobID string) bool {
	var joined bool
	_ = s.do(func() {
		if r, ok := s.rooms[jobID]; ok {
			joined = r.joined
		}
	})
	return joined
}

// SendMessage queues text for jobID's room and shows it immediately as
// pending. The room must be joined on a live connection.
func (s *Session) SendMessage(jobID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	var res error
	err := s.do(func() {
		r := s.room(jobID)
		if s.link == nil || s.machine.Current().Kind != status.Connected || !r.joined {
			res = ErrChatNotAllowed
			return
		}
		clientID := uuid.NewString()
		if res = s.enqueue(Frame{Type: FrameMessage, JobID: jobID, Text: text, ClientID: clientID}); res != nil {
			return
		}
		r.add(Message{
			ID:       localIDPrefix + clientID,
			ClientID: clientID,
			JobID:    jobID,
			SenderID: s.opts.SelfID,
			Text:     text,
			SentAt:   s.opts.Now(),
			Pending:  true,
		})
		r.publishMessages()
	})
	if err != nil {
		return err
	}
	return res
}

// SyncHistory fetches jobID's durable history and merges it into the room.
// Messages already present are kept; the unread count is untouched. An empty
// token falls back to the one given to EnsureConnected.
func (s *Session) SyncHistory(ctx context.Context, jobID, token string) error {
	if s.opts.History == nil {
		return ErrNoHistory
	}
	if token == "" {
		if err := s.do(func() { token = s.token }); err != nil {
			return err
		}
	}
	batch, err := s.opts.History.FetchHistory(ctx, jobID, token)
	if err != nil {
		return fmt.Errorf("sync history %s: %w", jobID, err)
	}
	var added int
	if err := s.do(func() {
		r := s.room(jobID)
		var changed bool
		added, changed = r.merge(batch)
		if changed {
			r.publishMessages()
		}
	}); err != nil {
		return err
	}
	s.logger.Debug("history merged", zap.String("job_id", jobID), zap.Int("added", added))
	s.opts.Bus.Emit(bus.KindChatHistory, HistoryMerged{JobID: jobID, Added: added})
	return nil
}

// HistoryMerged is the payload of a history merge event.
type HistoryMerged struct {
	JobID string
	Added int
}

// SetChatOpen marks whether the user is viewing jobID's room. Opening resets
// the unread count; while open, arrivals do not count as unread.
func (s *Session) SetChatOpen(jobID string, open bool) error {
	return s.do(func() {
		r := s.room(jobID)
		r.open = open
		if open {
			r.setUnread(0)
		}
	})
}

// Messages returns jobID's room sorted by send time.
func (s *Session) Messages(jobID string) []Message {
	var out []Message
	_ = s.do(func() {
		if r, ok := s.rooms[jobID]; ok {
			out = slices.Clone(r.messages)
		}
	})
	return out
}

// UnreadCount returns jobID's unread count.
func (s *Session) UnreadCount(jobID string) int {
	var n int
	_ = s.do(func() {
		if r, ok := s.rooms[jobID]; ok {
			n = r.unread
		}
	})
	return n
}

// ObserveMessages streams jobID's room contents, latest value first.
func (s *Session) ObserveMessages(jobID string) (<-chan []Message, func()) {
	var l *bus.Latest[[]Message]
	if err := s.do(func() { l = s.room(jobID).messagesOut }); err != nil {
		return closedChan[[]Message](), func() {}
	}
	return l.Subscribe()
}

// ObserveUnreadCount streams jobID's unread count, latest value first.
func (s *Session) ObserveUnreadCount(jobID string) (<-chan int, func()) {
	var l *bus.Latest[int]
	if err := s.do(func() { l = s.room(jobID).unreadOut }); err != nil {
		return closedChan[int](), func() {}
	}
	return l.Subscribe()
}

func closedChan[T any]() <-chan T {
	ch := make(chan T)
	close(ch)
	return ch
}
