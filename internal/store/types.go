package store

import "errors"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Job is a simulated towing job. Timestamps are unix milliseconds; zero
// means unset. A 0,0 coordinate means unknown.
type Job struct {
	ID             string
	Status         string
	CustomerID     string
	ProviderID     string
	PickupLat      float64
	PickupLng      float64
	DropoffLat     float64
	DropoffLng     float64
	PickupAddress  string
	DropoffAddress string
	LockedAt       int64
	AssignedAt     int64
	AcceptedAt     int64
	UpdatedAt      int64
	CreatedAt      int64
}

// Message is a stored chat line.
type Message struct {
	ID       string
	JobID    string
	ClientID string
	SenderID string
	Body     string
	SentAt   int64
}

// Location is a recorded device position.
type Location struct {
	JobID      string
	Lat        float64
	Lng        float64
	RecordedAt int64
}
