// Package tracking composes the poller, lock timer, geo derivations and chat
// session into one view of the currently active job.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/chatlock"
	"github.com/matheus3301/towtrack/internal/geo"
	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/poller"
	"github.com/matheus3301/towtrack/internal/status"
)

// ErrNoActiveJob is returned by job-scoped operations when no job is active.
var ErrNoActiveJob = errors.New("no active job")

// ErrActiveJobChanged is returned when the active job changed while a chat
// operation for the previous one was in flight.
var ErrActiveJobChanged = errors.New("active job changed")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("tracking closed")

// Chat is the part of the chat session the facade drives.
type Chat interface {
	EnsureConnected(ctx context.Context, endpoint, token string) error
	EnsureJoined(jobID string) error
	Leave(jobID string) error
	SetChatOpen(jobID string, open bool) error
	SyncHistory(ctx context.Context, jobID, token string) error
	SendMessage(jobID, text string) error
	Messages(jobID string) []chat.Message
	ObserveMessages(jobID string) (<-chan []chat.Message, func())
	ObserveUnreadCount(jobID string) (<-chan int, func())
	ConnectionState() status.ConnectionState
}

// LocationReporter pushes the device position for the active job.
type LocationReporter interface {
	ReportLocation(ctx context.Context, jobID string, c job.Coordinate) error
}

// Options configures a Facade.
type Options struct {
	Fetcher  poller.Fetcher
	Chat     Chat
	Geocoder geo.Geocoder
	Reporter LocationReporter
	Logger   *zap.Logger
	Bus      *bus.Bus

	PollInterval     time.Duration
	AllowAnyInterval bool
	// Tick is the lock countdown recompute period.
	Tick time.Duration

	ChatEndpoint string
	Token        string
	// AutoJoin connects and joins the room as soon as chat unlocks.
	AutoJoin bool

	GeocodeTimeout time.Duration
	Now            func() time.Time
}

// Facade owns the active job. A single loop goroutine is the only writer of
// the view; public methods post to it.
type Facade struct {
	opts     Options
	logger   *zap.Logger
	poller   *poller.Poller
	timer    *chatlock.Timer
	resolver *geo.Resolver
	view     *bus.Latest[View]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// Loop-owned.
	cur     View
	updates <-chan poller.Update
	gen     uint64
	// chatOpenJob is the room marked open on the session, if any.
	chatOpenJob string
	autoJoined  bool
	unread      <-chan int
	stopUnread  func()
	unreadJob   string
	geocoded    map[string]job.Coordinate
	requested   map[string]bool
	reversed    map[string]string
}

// New creates a Facade and starts its loop.
func New(opts Options) *Facade {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.Named("tracking")
	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		opts:   opts,
		logger: logger,
		poller: poller.New(opts.Fetcher, poller.Options{
			Interval:         opts.PollInterval,
			AllowAnyInterval: opts.AllowAnyInterval,
			Logger:           opts.Logger,
			Bus:              opts.Bus,
		}),
		timer:    chatlock.NewTimer(),
		resolver: geo.NewResolver(opts.Geocoder, opts.GeocodeTimeout, logger),
		view:     bus.NewLatest(View{}),
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	f.resetCaches()
	go f.loop()
	return f
}

func (f *Facade) loop() {
	defer close(f.stopped)
	ticker := time.NewTicker(f.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case fn := <-f.cmds:
			fn()
		case u, ok := <-f.updates:
			if !ok {
				f.updates = nil
				continue
			}
			f.apply(u)
		case n, ok := <-f.unread:
			if !ok {
				f.unread = nil
				continue
			}
			f.cur.UnreadCount = n
			f.view.Set(f.cur)
		case <-ticker.C:
			if f.cur.Snapshot != nil {
				f.recompute()
			}
		case <-f.quit:
			return
		}
	}
}

func (f *Facade) do(fn func()) error {
	done := make(chan struct{})
	select {
	case f.cmds <- func() { fn(); close(done) }:
	case <-f.quit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-f.stopped:
		return ErrClosed
	}
}

func (f *Facade) post(fn func()) {
	select {
	case f.cmds <- fn:
	case <-f.quit:
	}
}

// Close stops polling and releases observers.
func (f *Facade) Close() error {
	f.once.Do(func() {
		_ = f.do(func() { f.deactivate() })
		f.cancel()
		close(f.quit)
		<-f.stopped
		f.bg.Wait()
		f.view.Close()
	})
	return nil
}

// Current returns the latest view.
func (f *Facade) Current() View {
	return f.view.Get()
}

// Observe streams the view, latest value first.
func (f *Facade) Observe() (<-chan View, func()) {
	return f.view.Subscribe()
}

// SetActiveJob makes id the active job. A placeholder id resolves to the
// backend's active job. Setting the current id again is a no-op.
func (f *Facade) SetActiveJob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var res error
	err := f.do(func() {
		if id == f.cur.JobID && f.updates != nil {
			return
		}
		f.deactivate()
		updates, err := f.poller.Start(f.ctx, id)
		if err != nil {
			res = fmt.Errorf("start poller: %w", err)
			return
		}
		f.updates = updates
		f.gen++
		f.cur = View{JobID: id, Loading: true, Position: f.cur.Position, UpdatedAt: f.opts.Now()}
		f.watchUnread(id)
		f.view.Set(f.cur)
		f.logger.Info("active job set", zap.String("job_id", id))
		f.opts.Bus.Emit(bus.KindTrackingActive, id)
	})
	if err != nil {
		return err
	}
	return res
}

// ClearActiveJob stops tracking the current job.
func (f *Facade) ClearActiveJob() error {
	return f.do(func() {
		if f.cur.JobID == "" {
			return
		}
		f.deactivate()
		f.cur = View{Position: f.cur.Position, UpdatedAt: f.opts.Now()}
		f.view.Set(f.cur)
		f.opts.Bus.Emit(bus.KindTrackingActive, "")
	})
}

// deactivate stops the poller and closes and leaves the old room. Loop only.
func (f *Facade) deactivate() {
	f.poller.Stop()
	f.updates = nil
	f.gen++
	if f.opts.Chat != nil {
		if f.chatOpenJob != "" {
			if err := f.opts.Chat.SetChatOpen(f.chatOpenJob, false); err != nil {
				f.logger.Debug("close chat room", zap.String("job_id", f.chatOpenJob), zap.Error(err))
			}
		}
		if old := f.chatJobID(); old != "" {
			if err := f.opts.Chat.Leave(old); err != nil {
				f.logger.Debug("leave chat room", zap.String("job_id", old), zap.Error(err))
			}
		}
	}
	f.chatOpenJob = ""
	f.unwatchUnread()
	f.autoJoined = false
	f.timer.Reset()
	f.resetCaches()
}

// watchUnread follows id's unread count, replacing any previous room. Loop only.
func (f *Facade) watchUnread(id string) {
	if f.opts.Chat == nil || job.IsPlaceholderID(id) || id == f.unreadJob {
		return
	}
	f.unwatchUnread()
	f.unread, f.stopUnread = f.opts.Chat.ObserveUnreadCount(id)
	f.unreadJob = id
}

func (f *Facade) unwatchUnread() {
	if f.stopUnread != nil {
		f.stopUnread()
	}
	f.unread, f.stopUnread, f.unreadJob = nil, nil, ""
	f.cur.UnreadCount = 0
}

func (f *Facade) resetCaches() {
	f.geocoded = make(map[string]job.Coordinate)
	f.requested = make(map[string]bool)
	f.reversed = make(map[string]string)
}

// Refresh asks the poller for an immediate fetch.
func (f *Facade) Refresh() {
	f.poller.Poke()
}

// UpdatePosition records the device position and, when a reporter is
// configured, pushes it for the active job in the background.
func (f *Facade) UpdatePosition(c job.Coordinate) error {
	if !c.Valid() {
		return fmt.Errorf("invalid coordinate %v,%v", c.Lat, c.Lng)
	}
	var jobID string
	if err := f.do(func() {
		f.cur.Position = &c
		jobID = f.cur.JobID
		f.recompute()
	}); err != nil {
		return err
	}
	if f.opts.Reporter != nil && jobID != "" && !job.IsPlaceholderID(jobID) {
		f.background(func(ctx context.Context) {
			if err := f.opts.Reporter.ReportLocation(ctx, jobID, c); err != nil {
				f.logger.Debug("location push failed", zap.String("job_id", jobID), zap.Error(err))
			}
		})
	}
	return nil
}

// apply folds a poller update into the view. Loop only.
func (f *Facade) apply(u poller.Update) {
	f.cur.JobID = u.JobID
	f.cur.Loading = false
	f.watchUnread(u.JobID)
	if u.NotFound {
		f.cur.NotFound = true
		f.cur.Snapshot = nil
		f.timer.Reset()
		f.recompute()
		return
	}
	f.cur.NotFound = false
	f.cur.Snapshot = u.Snapshot
	f.cur.Final = u.Final
	if u.Transitioned {
		f.logger.Info("job status changed",
			zap.String("job_id", u.JobID),
			zap.String("from", string(u.Previous)),
			zap.String("to", string(u.Snapshot.Status)))
	}
	f.recompute()
	f.resolveMissing()
}

// recompute derives lock, target, ETA, camera and address. Loop only.
func (f *Facade) recompute() {
	now := f.opts.Now()
	v := f.cur
	s := v.Snapshot

	v.Lock = f.timer.Evaluate(s, now)
	v.ChatAllowed = v.Lock.ChatAllowed
	v.Target, v.Camera, v.HasEta, v.EtaMinutes, v.Address = nil, nil, false, 0, ""

	if s != nil {
		target, ok := geo.Target(s)
		if !ok {
			target, ok = f.geocoded[s.DisplayAddress()]
		}
		if ok {
			v.Target = &target
		}
		var from job.Coordinate
		if v.Position != nil {
			from = *v.Position
		}
		if cam, ok := geo.Framing(from, target); ok {
			v.Camera = &cam
		}
		if ok {
			v.EtaMinutes, v.HasEta = geo.EtaMinutes(from, target)
		}
		v.Address = s.DisplayAddress()
		if v.Address == "" && v.Target != nil {
			v.Address = f.reversed[cellKey(*v.Target)]
		}
	}
	v.UpdatedAt = now
	f.cur = v
	f.view.Set(v)

	if v.ChatAllowed && f.opts.AutoJoin && !f.autoJoined && f.opts.Chat != nil {
		f.autoJoined = true
		f.autoJoin(v.JobID, f.gen)
	}
}

// resolveMissing starts background geocoding for what the snapshot lacks. Loop only.
func (f *Facade) resolveMissing() {
	s := f.cur.Snapshot
	if s == nil {
		return
	}
	gen := f.gen
	if _, ok := geo.Target(s); !ok {
		addr := s.DisplayAddress()
		if addr == "" || f.requested["fwd:"+addr] {
			return
		}
		f.requested["fwd:"+addr] = true
		f.background(func(ctx context.Context) {
			c, ok := f.resolver.Coordinate(ctx, addr)
			if !ok {
				return
			}
			f.post(func() {
				if gen != f.gen {
					return
				}
				f.geocoded[addr] = c
				f.recompute()
			})
		})
		return
	}
	if s.DisplayAddress() != "" || f.cur.Target == nil {
		return
	}
	target := *f.cur.Target
	key := cellKey(target)
	if f.requested["rev:"+key] {
		return
	}
	f.requested["rev:"+key] = true
	f.background(func(ctx context.Context) {
		addr, ok := f.resolver.Address(ctx, target)
		if !ok {
			return
		}
		f.post(func() {
			if gen != f.gen {
				return
			}
			f.reversed[key] = addr
			f.recompute()
		})
	})
}

func (f *Facade) autoJoin(jobID string, gen uint64) {
	f.background(func(ctx context.Context) {
		if err := f.opts.Chat.EnsureJoined(jobID); err != nil {
			f.logger.Debug("auto join", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		var stale bool
		if err := f.do(func() { stale = gen != f.gen }); err != nil {
			return
		}
		if stale {
			_ = f.opts.Chat.Leave(jobID)
			return
		}
		if f.opts.ChatEndpoint == "" {
			return
		}
		if err := f.opts.Chat.EnsureConnected(ctx, f.opts.ChatEndpoint, f.opts.Token); err != nil {
			f.logger.Warn("auto connect chat", zap.String("job_id", jobID), zap.Error(err))
		}
	})
}

// background runs fn on its own goroutine, bounded by the facade lifetime.
func (f *Facade) background(fn func(ctx context.Context)) {
	select {
	case <-f.quit:
		return
	default:
	}
	f.bg.Add(1)
	go func() {
		defer f.bg.Done()
		fn(f.ctx)
	}()
}

// chatJobID is the resolved id of the active job, or "" while there is none.
// Loop only.
func (f *Facade) chatJobID() string {
	id := f.cur.JobID
	if f.cur.Snapshot != nil {
		id = f.cur.Snapshot.ID
	}
	if job.IsPlaceholderID(id) {
		return ""
	}
	return id
}

// activeJob returns the resolved active job id and whether chat is allowed.
func (f *Facade) activeJob() (string, bool, error) {
	var id string
	var allowed bool
	if err := f.do(func() {
		id = f.chatJobID()
		allowed = f.cur.ChatAllowed
	}); err != nil {
		return "", false, err
	}
	if id == "" {
		return "", false, ErrNoActiveJob
	}
	return id, allowed, nil
}

// OpenChat joins the active job's room, marks it open, and connects and
// syncs history concurrently.
func (f *Facade) OpenChat(ctx context.Context) error {
	if f.opts.Chat == nil {
		return chat.ErrChatNotAllowed
	}
	jobID, _, err := f.activeJob()
	if err != nil {
		return err
	}
	if err := f.opts.Chat.EnsureJoined(jobID); err != nil {
		return fmt.Errorf("join %s: %w", jobID, err)
	}
	// The room is only marked open if jobID is still active once joined.
	var res error
	if err := f.do(func() {
		if f.chatJobID() != jobID {
			res = ErrActiveJobChanged
			return
		}
		if res = f.opts.Chat.SetChatOpen(jobID, true); res == nil {
			f.chatOpenJob = jobID
		}
	}); err != nil {
		return err
	}
	if errors.Is(res, ErrActiveJobChanged) {
		if err := f.opts.Chat.Leave(jobID); err != nil {
			f.logger.Debug("leave chat room", zap.String("job_id", jobID), zap.Error(err))
		}
		return res
	}
	if res != nil {
		return res
	}

	g, gctx := errgroup.WithContext(ctx)
	if f.opts.ChatEndpoint != "" {
		g.Go(func() error {
			return f.opts.Chat.EnsureConnected(gctx, f.opts.ChatEndpoint, f.opts.Token)
		})
	}
	g.Go(func() error {
		return f.opts.Chat.SyncHistory(gctx, jobID, f.opts.Token)
	})
	return g.Wait()
}

// CloseChat marks the active job's room as not being viewed.
func (f *Facade) CloseChat() error {
	if f.opts.Chat == nil {
		return nil
	}
	var res error
	if err := f.do(func() {
		jobID := f.chatJobID()
		if jobID == "" {
			res = ErrNoActiveJob
			return
		}
		res = f.opts.Chat.SetChatOpen(jobID, false)
		f.chatOpenJob = ""
	}); err != nil {
		return err
	}
	return res
}

// SendMessage sends text to the active job's room. It is rejected while the
// lock window is running.
func (f *Facade) SendMessage(text string) error {
	if f.opts.Chat == nil {
		return chat.ErrChatNotAllowed
	}
	jobID, allowed, err := f.activeJob()
	if err != nil {
		return err
	}
	if !allowed {
		return chat.ErrChatNotAllowed
	}
	return f.opts.Chat.SendMessage(jobID, text)
}

// Messages returns the active job's room.
func (f *Facade) Messages() ([]chat.Message, error) {
	if f.opts.Chat == nil {
		return nil, nil
	}
	jobID, _, err := f.activeJob()
	if err != nil {
		return nil, err
	}
	return f.opts.Chat.Messages(jobID), nil
}

// ObserveMessages streams the room of the job active at call time and
// returns that job's id.
func (f *Facade) ObserveMessages() (string, <-chan []chat.Message, func(), error) {
	if f.opts.Chat == nil {
		return "", nil, nil, chat.ErrChatNotAllowed
	}
	jobID, _, err := f.activeJob()
	if err != nil {
		return "", nil, nil, err
	}
	ch, cancel := f.opts.Chat.ObserveMessages(jobID)
	return jobID, ch, cancel, nil
}

// ObserveUnreadCount streams the unread count of the job active at call time
// and returns that job's id.
func (f *Facade) ObserveUnreadCount() (string, <-chan int, func(), error) {
	if f.opts.Chat == nil {
		return "", nil, nil, chat.ErrChatNotAllowed
	}
	jobID, _, err := f.activeJob()
	if err != nil {
		return "", nil, nil, err
	}
	ch, cancel := f.opts.Chat.ObserveUnreadCount(jobID)
	return jobID, ch, cancel, nil
}

func cellKey(c job.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}
