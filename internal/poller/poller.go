package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/job"
	"go.uber.org/zap"
)

const (
	MinInterval     = 1500 * time.Millisecond
	MaxInterval     = 5 * time.Second
	DefaultInterval = 3 * time.Second
)

// ErrRunning is returned by Start when the poller already has a live loop.
var ErrRunning = errors.New("poller already running")

// Fetcher is the job API surface the poller needs.
type Fetcher interface {
	// FetchJob returns the job's canonical state, or an error wrapping
	// job.ErrNotFound if the backend says it does not exist.
	FetchJob(ctx context.Context, id string) (*job.Snapshot, error)
	// ActiveJobID resolves the caller's current active job, or an error
	// wrapping job.ErrNotFound when there is none.
	ActiveJobID(ctx context.Context) (string, error)
}

// Update is one emission of the snapshot stream.
type Update struct {
	JobID    string
	Snapshot *job.Snapshot
	// Previous is the status of the snapshot emitted before this one.
	Previous     job.Status
	Transitioned bool
	// NotFound is set once, when the backend reports the job does not exist.
	NotFound bool
	// Final is set on the last snapshot of a completed job.
	Final bool
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	// AllowAnyInterval skips clamping to [MinInterval, MaxInterval].
	AllowAnyInterval bool
	FetchTimeout     time.Duration
	Logger           *zap.Logger
	Bus              *bus.Bus
}

// Poller periodically fetches one job and emits normalized snapshots.
// A Poller can be started again after it stopped.
type Poller struct {
	fetcher Fetcher
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	poke   chan struct{}
	misses int
}

// New creates a poller.
func New(f Fetcher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if !opts.AllowAnyInterval {
		opts.Interval = min(max(opts.Interval, MinInterval), MaxInterval)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetcher: f,
		opts:    opts,
		logger:  logger,
	}
}

// Interval returns the effective polling interval.
func (p *Poller) Interval() time.Duration {
	return p.opts.Interval
}

// Start begins polling id. A placeholder id is first resolved through
// ActiveJobID. The returned channel holds at most one unread update (newer
// updates replace older unread ones) and is closed when polling ends.
func (p *Poller) Start(ctx context.Context, id string) (<-chan Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return nil, ErrRunning
		}
	}

	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Update, 1)
	done := make(chan struct{})
	poke := make(chan struct{}, 1)
	p.cancel = cancel
	p.done = done
	p.poke = poke
	p.misses = 0

	go p.loop(ctx, cancel, id, out, poke, done)
	return out, nil
}

// Stop ends polling and waits for the loop to exit. No update is emitted
// after Stop returns. Safe to call concurrently and more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Poke requests an immediate fetch. Multiple pokes before the fetch collapse into one.
func (p *Poller) Poke() {
	p.mu.Lock()
	poke := p.poke
	p.mu.Unlock()
	if poke == nil {
		return
	}
	select {
	case poke <- struct{}{}:
	default:
	}
}

// Misses returns the number of consecutive transient failures.
func (p *Poller) Misses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.misses
}

type loopState struct {
	jobID string
	last  *job.Snapshot
}

func (p *Poller) loop(ctx context.Context, cancel context.CancelFunc, id string, out chan Update, poke <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer p.release(done, cancel)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	st := &loopState{}
	if !job.IsPlaceholderID(id) {
		st.jobID = id
	}

	for {
		if !p.tick(ctx, st, out) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-poke:
		}
	}
}

// release cancels a finished loop's context and forgets it, unless a newer
// loop has already replaced it.
func (p *Poller) release(done chan struct{}, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == done {
		p.cancel = nil
		p.poke = nil
	}
}

// tick runs one fetch cycle. It returns false when polling must end.
func (p *Poller) tick(ctx context.Context, st *loopState, out chan Update) bool {
	if st.jobID == "" {
		id, err := p.resolve(ctx)
		if ctx.Err() != nil {
			return false
		}
		switch {
		case errors.Is(err, job.ErrNotFound):
			p.logger.Info("no active job")
			p.emit(ctx, out, Update{NotFound: true})
			p.opts.Bus.Emit(bus.KindJobNotFound, "")
			return false
		case err != nil:
			p.miss(err, "")
			return true
		}
		st.jobID = id
		p.logger.Info("active job resolved", zap.String("job_id", id))
	}

	snap, err := p.fetch(ctx, st.jobID)
	if ctx.Err() != nil {
		// Stopped while the fetch was in flight; drop the result.
		return false
	}
	switch {
	case errors.Is(err, job.ErrNotFound):
		p.logger.Info("job not found", zap.String("job_id", st.jobID))
		p.emit(ctx, out, Update{JobID: st.jobID, NotFound: true})
		p.opts.Bus.Emit(bus.KindJobNotFound, st.jobID)
		return false
	case err != nil:
		p.miss(err, st.jobID)
		return true
	}

	p.mu.Lock()
	p.misses = 0
	p.mu.Unlock()

	if snap.StalerThan(st.last) {
		p.logger.Debug("discarding stale snapshot", zap.String("job_id", st.jobID))
		return true
	}

	upd := Update{JobID: st.jobID, Snapshot: snap}
	if st.last != nil {
		upd.Previous = st.last.Status
		upd.Transitioned = st.last.Status != snap.Status
	} else {
		upd.Transitioned = true
	}
	upd.Final = snap.Status == job.Completed
	st.last = snap

	p.emit(ctx, out, upd)
	p.opts.Bus.Emit(bus.KindJobSnapshot, snap)
	if upd.Transitioned {
		p.opts.Bus.Emit(bus.KindJobTransition, upd)
	}
	if upd.Final {
		p.logger.Info("job completed, polling stopped", zap.String("job_id", st.jobID))
		p.opts.Bus.Emit(bus.KindJobFinal, st.jobID)
		return false
	}
	return true
}

func (p *Poller) fetch(ctx context.Context, id string) (*job.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()
	snap, err := p.fetcher.FetchJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("fetch job %s: empty response", id)
	}
	return snap, nil
}

func (p *Poller) resolve(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()
	id, err := p.fetcher.ActiveJobID(ctx)
	if err != nil {
		return "", err
	}
	if job.IsPlaceholderID(id) {
		return "", fmt.Errorf("resolve active job: %w", job.ErrNotFound)
	}
	return id, nil
}

func (p *Poller) miss(err error, jobID string) {
	p.mu.Lock()
	p.misses++
	n := p.misses
	p.mu.Unlock()
	p.logger.Warn("transient fetch failure, keeping last snapshot",
		zap.String("job_id", jobID), zap.Int("consecutive", n), zap.Error(err))
}

// emit delivers upd, replacing an unread older update. Nothing is delivered
// once ctx is cancelled.
func (p *Poller) emit(ctx context.Context, out chan Update, upd Update) {
	if ctx.Err() != nil {
		return
	}
	select {
	case out <- upd:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- upd:
	default:
	}
}
