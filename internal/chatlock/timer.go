// Package chatlock decides when chat between the two parties of a job unlocks.
//
// Chat opens a fixed Window after the job was assigned. The window start comes
// from the first present server timestamp on the snapshot; when the server
// sends none, a local start is captured the first time the job is seen in a
// chat-eligible status with a counterparty attached.
package chatlock

import (
	"sync"
	"time"

	"github.com/matheus3301/towtrack/internal/job"
)

// Window is the period after assignment during which chat stays locked.
const Window = 180 * time.Second

// SourceLocal marks a window started from the locally captured timestamp.
const SourceLocal = "local"

// State is the lock evaluation for one snapshot at one instant.
type State struct {
	// Applicable is false when chat does not apply to the job's current
	// status or no counterparty is attached.
	Applicable  bool          `json:"applicable"`
	Remaining   time.Duration `json:"remaining"`
	UnlockAt    time.Time     `json:"unlockAt"`
	Source      string        `json:"source,omitempty"`
	ChatAllowed bool          `json:"chatAllowed"`
}

// Remaining computes the time left until unlock using server timestamps only.
// The bool is false when chat is not applicable or no timestamp is present.
func Remaining(s *job.Snapshot, now time.Time) (time.Duration, bool) {
	if !applicable(s) {
		return 0, false
	}
	start, _, ok := s.LockStart()
	if !ok {
		return 0, false
	}
	return remainingFrom(start, now), true
}

func applicable(s *job.Snapshot) bool {
	return s != nil && s.Status.ChatEligible() && s.HasCounterparty()
}

func remainingFrom(start, now time.Time) time.Duration {
	return max(0, start.Add(Window).Sub(now))
}

type localKey struct {
	jobID          string
	counterpartyID string
}

// Timer evaluates lock state and owns the local fallback start.
type Timer struct {
	mu         sync.Mutex
	key        localKey
	localStart time.Time
}

// NewTimer creates a timer with no local start captured.
func NewTimer() *Timer {
	return &Timer{}
}

// Evaluate returns the lock state for s at now, capturing or clearing the
// local fallback start as needed.
func (t *Timer) Evaluate(s *job.Snapshot, now time.Time) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !applicable(s) {
		t.clear()
		return State{}
	}

	key := localKey{jobID: s.ID, counterpartyID: s.CounterpartyID}
	if key != t.key {
		t.clear()
		t.key = key
	}

	start, source, ok := s.LockStart()
	if !ok {
		if t.localStart.IsZero() {
			t.localStart = now
		}
		start, source = t.localStart, SourceLocal
	}

	rem := remainingFrom(start, now)
	return State{
		Applicable:  true,
		Remaining:   rem,
		UnlockAt:    start.Add(Window),
		Source:      source,
		ChatAllowed: rem <= 0,
	}
}

// Reset forgets any captured local start.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
}

func (t *Timer) clear() {
	t.key = localKey{}
	t.localStart = time.Time{}
}
