package job

import "strings"

// Status is a normalized job lifecycle state as reported by the backend.
type Status string

const (
	Unknown     Status = "UNKNOWN"
	Created     Status = "CREATED"
	Broadcasted Status = "BROADCASTED"
	Assigned    Status = "ASSIGNED"
	InProgress  Status = "IN_PROGRESS"
	Completed   Status = "COMPLETED"
	Cancelled   Status = "CANCELLED"
)

// aliases maps alternate spellings seen in backend payloads to a canonical status.
var aliases = map[string]Status{
	"PENDING":   Created,
	"NEW":       Created,
	"SEARCHING": Broadcasted,
	"ACCEPTED":  Assigned,
	"STARTED":   InProgress,
	"EN_ROUTE":  InProgress,
	"ARRIVED":   InProgress,
	"DONE":      Completed,
	"FINISHED":  Completed,
	"CANCELED":  Cancelled,
}

// NormalizeStatus upper-cases raw and replaces whitespace and hyphens with
// underscores. Every status comparison goes through this first.
func NormalizeStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			return '_'
		}
		return r
	}, s)
}

// ParseStatus normalizes raw and maps it to a Status. Unrecognized values map to Unknown.
func ParseStatus(raw string) Status {
	n := NormalizeStatus(raw)
	switch s := Status(n); s {
	case Created, Broadcasted, Assigned, InProgress, Completed, Cancelled:
		return s
	}
	if s, ok := aliases[n]; ok {
		return s
	}
	return Unknown
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

// ChatEligible reports whether the counterparties may chat in this status,
// subject to the lock window.
func (s Status) ChatEligible() bool {
	return s == Assigned || s == InProgress
}

func (s Status) String() string {
	return string(s)
}
