package job

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ErrNotFound is returned by fetchers when the backend reports the job does not exist.
var ErrNotFound = errors.New("job not found")

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid rejects the (0,0) sentinel, NaN, and out-of-range values.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	if c.Lat == 0 && c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Snapshot is one immutable fetched view of a job. It is replaced wholesale on
// every successful poll and never mutated after construction.
type Snapshot struct {
	ID             string
	Status         Status
	RawStatus      string
	CounterpartyID string

	Pickup  *Coordinate
	Dropoff *Coordinate

	Address        string
	PickupAddress  string
	DropoffAddress string

	LockedAt   *time.Time
	AssignedAt *time.Time
	AcceptedAt *time.Time
	UpdatedAt  *time.Time
	CreatedAt  *time.Time
}

// HasCounterparty reports whether a provider or customer is attached.
func (s *Snapshot) HasCounterparty() bool {
	return s != nil && strings.TrimSpace(s.CounterpartyID) != ""
}

// LockStart returns the first present candidate lock-start timestamp in
// priority order, along with the name of the field it came from.
func (s *Snapshot) LockStart() (time.Time, string, bool) {
	if s == nil {
		return time.Time{}, "", false
	}
	candidates := []struct {
		name string
		ts   *time.Time
	}{
		{"locked_at", s.LockedAt},
		{"assigned_at", s.AssignedAt},
		{"accepted_at", s.AcceptedAt},
		{"updated_at", s.UpdatedAt},
		{"created_at", s.CreatedAt},
	}
	for _, c := range candidates {
		if c.ts != nil && !c.ts.IsZero() {
			return *c.ts, c.name, true
		}
	}
	return time.Time{}, "", false
}

// StalerThan reports whether s was last updated strictly before other.
// Snapshots without UpdatedAt are never considered stale.
func (s *Snapshot) StalerThan(other *Snapshot) bool {
	if s == nil || other == nil || s.UpdatedAt == nil || other.UpdatedAt == nil {
		return false
	}
	return s.UpdatedAt.Before(*other.UpdatedAt)
}

// DisplayAddress picks the address text that matches the leg in progress.
func (s *Snapshot) DisplayAddress() string {
	if s == nil {
		return ""
	}
	if s.Status == InProgress && s.DropoffAddress != "" {
		return s.DropoffAddress
	}
	if s.Status != InProgress && s.PickupAddress != "" {
		return s.PickupAddress
	}
	return s.Address
}

// IsPlaceholderID reports whether id means "the caller's current active job".
func IsPlaceholderID(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "none", "active":
		return true
	}
	return false
}
