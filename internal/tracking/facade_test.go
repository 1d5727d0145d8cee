package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/chatlock"
	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/status"
)

type fakeFetcher struct {
	mu     sync.Mutex
	jobs   map[string]*job.Snapshot
	active string
}

func (f *fakeFetcher) FetchJob(_ context.Context, id string) (*job.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return s, nil
}

func (f *fakeFetcher) ActiveJobID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == "" {
		return "", job.ErrNotFound
	}
	return f.active, nil
}

type fakeChat struct {
	mu        sync.Mutex
	open      map[string]bool
	joined    []string
	left      []string
	connected int
	sent      []string
	synced    []string
	unread    map[string]*bus.Latest[int]

	// joinGate, when set, holds EnsureJoined until closed. joining receives
	// the job id once a join is held.
	joinGate chan struct{}
	joining  chan string
}

func newFakeChat() *fakeChat {
	return &fakeChat{open: make(map[string]bool), unread: make(map[string]*bus.Latest[int])}
}

func (c *fakeChat) EnsureConnected(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected++
	return nil
}

func (c *fakeChat) EnsureJoined(jobID string) error {
	c.mu.Lock()
	gate, joining := c.joinGate, c.joining
	c.mu.Unlock()
	if gate != nil {
		joining <- jobID
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, jobID)
	return nil
}

func (c *fakeChat) Leave(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, jobID)
	c.open[jobID] = false
	return nil
}

func (c *fakeChat) SetChatOpen(jobID string, open bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[jobID] = open
	return nil
}

func (c *fakeChat) SyncHistory(_ context.Context, jobID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = append(c.synced, jobID)
	return nil
}

func (c *fakeChat) SendMessage(jobID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, jobID+":"+text)
	return nil
}

func (c *fakeChat) Messages(string) []chat.Message { return nil }

func (c *fakeChat) ObserveMessages(string) (<-chan []chat.Message, func()) {
	return make(chan []chat.Message), func() {}
}

func (c *fakeChat) ObserveUnreadCount(jobID string) (<-chan int, func()) {
	return c.unreadFor(jobID).Subscribe()
}

func (c *fakeChat) unreadFor(jobID string) *bus.Latest[int] {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.unread[jobID]
	if !ok {
		l = bus.NewLatest(0)
		c.unread[jobID] = l
	}
	return l
}

func (c *fakeChat) leftRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.left...)
}

func (c *fakeChat) ConnectionState() status.ConnectionState {
	return status.ConnectionState{Kind: status.Connected}
}

func (c *fakeChat) snapshot() (open map[string]bool, joined []string, connected int, sent []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	open = make(map[string]bool, len(c.open))
	for k, v := range c.open {
		open[k] = v
	}
	return open, append([]string(nil), c.joined...), c.connected, append([]string(nil), c.sent...)
}

type fakeGeocoder struct {
	coord job.Coordinate
	addr  string
}

func (g *fakeGeocoder) Geocode(context.Context, string) (job.Coordinate, error) {
	return g.coord, nil
}

func (g *fakeGeocoder) ReverseGeocode(context.Context, job.Coordinate) (string, error) {
	if g.addr == "" {
		return "", errors.New("no result")
	}
	return g.addr, nil
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []job.Coordinate
}

func (r *fakeReporter) ReportLocation(_ context.Context, _ string, c job.Coordinate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return nil
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var (
	pickup  = job.Coordinate{Lat: -3.7319, Lng: -38.5267}
	dropoff = job.Coordinate{Lat: -3.7400, Lng: -38.5000}
)

func assigned(id string, assignedAt time.Time) *job.Snapshot {
	return &job.Snapshot{
		ID:             id,
		Status:         job.Assigned,
		CounterpartyID: "driver-1",
		Pickup:         &pickup,
		Dropoff:        &dropoff,
		PickupAddress:  "Rua A, 100",
		AssignedAt:     &assignedAt,
	}
}

func newFacade(t *testing.T, opts Options) *Facade {
	t.Helper()
	opts.PollInterval = 20 * time.Millisecond
	opts.AllowAnyInterval = true
	opts.Tick = 10 * time.Millisecond
	f := New(opts)
	t.Cleanup(func() { f.Close() })
	return f
}

func waitView(t *testing.T, f *Facade, what string, cond func(View) bool) View {
	t.Helper()
	ch, cancel := f.Observe()
	defer cancel()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if cond(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; last view %+v", what, f.Current())
		}
	}
}

func TestViewDerivesLockTargetAndEta(t *testing.T) {
	now := time.Now()
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", now.Add(-200*time.Second))}}
	f := newFacade(t, Options{Fetcher: ff})

	if err := f.UpdatePosition(job.Coordinate{Lat: -3.7500, Lng: -38.5400}); err != nil {
		t.Fatal(err)
	}
	if err := f.SetActiveJob(context.Background(), "j1"); err != nil {
		t.Fatal(err)
	}
	if v := f.Current(); v.JobID != "j1" {
		t.Fatalf("view right after SetActiveJob = %+v", v)
	}

	v := waitView(t, f, "first snapshot", func(v View) bool { return v.Snapshot != nil })
	if v.Loading || v.NotFound {
		t.Errorf("view = %+v", v)
	}
	if !v.ChatAllowed || !v.Lock.Applicable || v.Lock.Source != "assigned_at" {
		t.Errorf("lock = %+v, chatAllowed = %v", v.Lock, v.ChatAllowed)
	}
	if v.Target == nil || *v.Target != pickup {
		t.Errorf("target = %v, want pickup", v.Target)
	}
	if !v.HasEta || v.EtaMinutes < 1 {
		t.Errorf("eta = %d (%v)", v.EtaMinutes, v.HasEta)
	}
	if v.Camera == nil || v.Address != "Rua A, 100" {
		t.Errorf("camera = %v, address = %q", v.Camera, v.Address)
	}
}

func TestLockedChatRejectsSend(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", time.Now().Add(-10*time.Second))}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc})
	_ = f.SetActiveJob(context.Background(), "j1")

	v := waitView(t, f, "snapshot", func(v View) bool { return v.Snapshot != nil })
	if v.ChatAllowed {
		t.Fatal("chat allowed 10s after assignment")
	}
	if v.Lock.Remaining <= 0 || v.Lock.Remaining > chatlock.Window {
		t.Errorf("remaining = %v", v.Lock.Remaining)
	}
	if err := f.SendMessage("hi"); !errors.Is(err, chat.ErrChatNotAllowed) {
		t.Errorf("send err = %v, want ErrChatNotAllowed", err)
	}
	if _, _, _, sent := fc.snapshot(); len(sent) != 0 {
		t.Errorf("sent = %v, want nothing", sent)
	}
}

func TestUnlockedChatSendsToActiveJob(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", time.Now().Add(-time.Hour))}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc})
	_ = f.SetActiveJob(context.Background(), "j1")
	waitView(t, f, "chat allowed", func(v View) bool { return v.ChatAllowed })

	if err := f.SendMessage("on my way"); err != nil {
		t.Fatal(err)
	}
	if _, _, _, sent := fc.snapshot(); len(sent) != 1 || sent[0] != "j1:on my way" {
		t.Errorf("sent = %v", sent)
	}
}

func TestSwitchingJobClosesOldRoom(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{
		"j1": assigned("j1", time.Now().Add(-time.Hour)),
		"j2": assigned("j2", time.Now().Add(-time.Hour)),
	}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc, ChatEndpoint: "ws://chat"})
	_ = f.SetActiveJob(context.Background(), "j1")
	waitView(t, f, "j1 snapshot", func(v View) bool { return v.Snapshot != nil })

	if err := f.OpenChat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if open, joined, connected, _ := fc.snapshot(); !open["j1"] || len(joined) != 1 || connected != 1 {
		t.Fatalf("after OpenChat open=%v joined=%v connected=%d", open, joined, connected)
	}

	_ = f.SetActiveJob(context.Background(), "j2")
	if open, _, _, _ := fc.snapshot(); open["j1"] {
		t.Error("old room still open after switching jobs")
	}
	if left := fc.leftRooms(); len(left) != 1 || left[0] != "j1" {
		t.Errorf("left = %v, want [j1]", left)
	}
	v := waitView(t, f, "j2 snapshot", func(v View) bool { return v.Snapshot != nil && v.Snapshot.ID == "j2" })
	if v.JobID != "j2" {
		t.Errorf("job id = %q", v.JobID)
	}
}

func TestOpenChatAbandonedWhenJobSwitches(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{
		"j1": assigned("j1", time.Now().Add(-time.Hour)),
		"j2": assigned("j2", time.Now().Add(-time.Hour)),
		"j3": assigned("j3", time.Now().Add(-time.Hour)),
	}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc})
	_ = f.SetActiveJob(context.Background(), "j1")
	waitView(t, f, "j1 snapshot", func(v View) bool { return v.Snapshot != nil })

	gate := make(chan struct{})
	fc.mu.Lock()
	fc.joinGate, fc.joining = gate, make(chan string, 1)
	joining := fc.joining
	fc.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- f.OpenChat(context.Background()) }()
	if id := <-joining; id != "j1" {
		t.Fatalf("joining %q, want j1", id)
	}

	_ = f.SetActiveJob(context.Background(), "j2")
	waitView(t, f, "j2 snapshot", func(v View) bool { return v.Snapshot != nil && v.Snapshot.ID == "j2" })
	close(gate)

	if err := <-errc; !errors.Is(err, ErrActiveJobChanged) {
		t.Fatalf("OpenChat = %v, want ErrActiveJobChanged", err)
	}
	fc.mu.Lock()
	fc.joinGate = nil
	fc.mu.Unlock()

	_ = f.SetActiveJob(context.Background(), "j3")
	waitView(t, f, "j3 snapshot", func(v View) bool { return v.Snapshot != nil && v.Snapshot.ID == "j3" })

	open, _, _, _ := fc.snapshot()
	for id, o := range open {
		if o {
			t.Errorf("room %s left open, open = %v", id, open)
		}
	}
	var leftJ1 bool
	for _, id := range fc.leftRooms() {
		leftJ1 = leftJ1 || id == "j1"
	}
	if !leftJ1 {
		t.Errorf("left = %v, want j1 among them", fc.leftRooms())
	}

	if err := f.OpenChat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if open, _, _, _ := fc.snapshot(); !open["j3"] {
		t.Errorf("open = %v, want j3 open", open)
	}
}

func TestViewCarriesUnreadCount(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{
		"j1": assigned("j1", time.Now().Add(-time.Hour)),
		"j2": assigned("j2", time.Now().Add(-time.Hour)),
	}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc})
	_ = f.SetActiveJob(context.Background(), "j1")
	waitView(t, f, "j1 snapshot", func(v View) bool { return v.Snapshot != nil })

	fc.unreadFor("j1").Set(3)
	waitView(t, f, "unread 3", func(v View) bool { return v.UnreadCount == 3 })

	fc.unreadFor("j2").Set(1)
	_ = f.SetActiveJob(context.Background(), "j2")
	v := waitView(t, f, "j2 unread", func(v View) bool { return v.JobID == "j2" && v.UnreadCount == 1 })
	if v.JobID != "j2" {
		t.Errorf("job id = %q", v.JobID)
	}

	fc.unreadFor("j1").Set(7)
	time.Sleep(30 * time.Millisecond)
	if n := f.Current().UnreadCount; n != 1 {
		t.Errorf("unread = %d after old room changed, want 1", n)
	}

	if err := f.ClearActiveJob(); err != nil {
		t.Fatal(err)
	}
	if n := f.Current().UnreadCount; n != 0 {
		t.Errorf("unread = %d after clear, want 0", n)
	}
}

func TestObserveMessagesReturnsActiveJob(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", time.Now())}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc})
	if _, _, _, err := f.ObserveMessages(); !errors.Is(err, ErrNoActiveJob) {
		t.Errorf("err = %v, want ErrNoActiveJob", err)
	}
	_ = f.SetActiveJob(context.Background(), "j1")
	id, _, cancel, err := f.ObserveMessages()
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if id != "j1" {
		t.Errorf("job id = %q, want j1", id)
	}

	fc.unreadFor("j1").Set(5)
	id, unread, stop, err := f.ObserveUnreadCount()
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if n := <-unread; id != "j1" || n != 5 {
		t.Errorf("unread = %d for %q, want 5 for j1", n, id)
	}
}

func TestNotFoundView(t *testing.T) {
	f := newFacade(t, Options{Fetcher: &fakeFetcher{}})
	_ = f.SetActiveJob(context.Background(), "gone")
	v := waitView(t, f, "not found", func(v View) bool { return v.NotFound })
	if v.Loading || v.Snapshot != nil {
		t.Errorf("view = %+v", v)
	}
	if err := f.SendMessage("x"); err == nil {
		t.Error("send on a missing job should fail")
	}
}

func TestPlaceholderResolvesToActiveJob(t *testing.T) {
	ff := &fakeFetcher{
		active: "j9",
		jobs:   map[string]*job.Snapshot{"j9": assigned("j9", time.Now())},
	}
	f := newFacade(t, Options{Fetcher: ff})
	_ = f.SetActiveJob(context.Background(), "active")
	v := waitView(t, f, "resolved job", func(v View) bool { return v.Snapshot != nil })
	if v.JobID != "j9" {
		t.Errorf("job id = %q, want j9", v.JobID)
	}
}

func TestGeocodesAddressWhenCoordinatesMissing(t *testing.T) {
	s := assigned("j1", time.Now())
	s.Pickup, s.Dropoff = nil, nil
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": s}}
	f := newFacade(t, Options{Fetcher: ff, Geocoder: &fakeGeocoder{coord: pickup}})
	_ = f.SetActiveJob(context.Background(), "j1")

	v := waitView(t, f, "geocoded target", func(v View) bool { return v.Target != nil })
	if *v.Target != pickup {
		t.Errorf("target = %v, want %v", *v.Target, pickup)
	}
}

func TestReverseGeocodesMissingAddress(t *testing.T) {
	s := assigned("j1", time.Now())
	s.PickupAddress = ""
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": s}}
	f := newFacade(t, Options{Fetcher: ff, Geocoder: &fakeGeocoder{addr: "Av. Beira Mar"}})
	_ = f.SetActiveJob(context.Background(), "j1")

	waitView(t, f, "reverse geocoded address", func(v View) bool { return v.Address == "Av. Beira Mar" })
}

func TestGeocodeFailureDoesNotBlockView(t *testing.T) {
	s := assigned("j1", time.Now())
	s.PickupAddress = ""
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": s}}
	f := newFacade(t, Options{Fetcher: ff, Geocoder: &fakeGeocoder{}})
	_ = f.SetActiveJob(context.Background(), "j1")

	v := waitView(t, f, "snapshot", func(v View) bool { return v.Snapshot != nil })
	if v.Target == nil || v.Address != "" {
		t.Errorf("view = %+v", v)
	}
}

func TestAutoJoinWhenChatUnlocks(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", time.Now().Add(-time.Hour))}}
	fc := newFakeChat()
	f := newFacade(t, Options{Fetcher: ff, Chat: fc, AutoJoin: true, ChatEndpoint: "ws://chat"})
	_ = f.SetActiveJob(context.Background(), "j1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, joined, connected, _ := fc.snapshot()
		if len(joined) == 1 && connected == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("joined = %v, connected = %d", joined, connected)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Ticks keep recomputing; the join must not repeat.
	time.Sleep(50 * time.Millisecond)
	if _, joined, _, _ := fc.snapshot(); len(joined) != 1 {
		t.Errorf("joined %d times, want once", len(joined))
	}
}

func TestUpdatePositionReportsLocation(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", time.Now())}}
	r := &fakeReporter{}
	f := newFacade(t, Options{Fetcher: ff, Reporter: r})
	_ = f.SetActiveJob(context.Background(), "j1")

	if err := f.UpdatePosition(job.Coordinate{}); err == nil {
		t.Error("the 0,0 sentinel was accepted")
	}
	if err := f.UpdatePosition(dropoff); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for r.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reports = %d, want 1", r.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v := f.Current(); v.Position == nil || *v.Position != dropoff {
		t.Errorf("position = %v", v.Position)
	}
}

func TestClearActiveJob(t *testing.T) {
	ff := &fakeFetcher{jobs: map[string]*job.Snapshot{"j1": assigned("j1", time.Now())}}
	f := newFacade(t, Options{Fetcher: ff})
	_ = f.SetActiveJob(context.Background(), "j1")
	waitView(t, f, "snapshot", func(v View) bool { return v.Snapshot != nil })

	if err := f.ClearActiveJob(); err != nil {
		t.Fatal(err)
	}
	if v := f.Current(); v.Active() || v.Snapshot != nil {
		t.Errorf("view after clear = %+v", v)
	}
	if _, err := f.Messages(); !errors.Is(err, ErrNoActiveJob) && err != nil {
		t.Errorf("Messages err = %v", err)
	}
}

func TestCloseReleasesObservers(t *testing.T) {
	f := New(Options{Fetcher: &fakeFetcher{}})
	ch, cancel := f.Observe()
	defer cancel()
	<-ch
	f.Close()
	f.Close()
	for range ch {
	}
	if err := f.SetActiveJob(context.Background(), "j1"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetActiveJob after Close = %v, want ErrClosed", err)
	}
}
