package sim

import (
	"time"

	"github.com/matheus3301/towtrack/internal/httpapi"
	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/store"
	"github.com/matheus3301/towtrack/internal/wire"
)

func millis(ms int64) *wire.Timestamp {
	if ms == 0 {
		return nil
	}
	ts := wire.At(time.UnixMilli(ms))
	return &ts
}

func coordinate(lat, lng float64) *job.Coordinate {
	c := job.Coordinate{Lat: lat, Lng: lng}
	if !c.Valid() {
		return nil
	}
	return &c
}

func jobDTO(j *store.Job) httpapi.JobDTO {
	return httpapi.JobDTO{
		ID:             j.ID,
		Status:         j.Status,
		ProviderID:     j.ProviderID,
		CustomerID:     j.CustomerID,
		Pickup:         coordinate(j.PickupLat, j.PickupLng),
		Dropoff:        coordinate(j.DropoffLat, j.DropoffLng),
		Address:        j.PickupAddress,
		PickupAddress:  j.PickupAddress,
		DropoffAddress: j.DropoffAddress,
		LockedAt:       millis(j.LockedAt),
		AssignedAt:     millis(j.AssignedAt),
		AcceptedAt:     millis(j.AcceptedAt),
		UpdatedAt:      millis(j.UpdatedAt),
		CreatedAt:      millis(j.CreatedAt),
	}
}

func messageDTO(m store.Message) httpapi.MessageDTO {
	return httpapi.MessageDTO{
		ID:       m.ID,
		JobID:    m.JobID,
		SenderID: m.SenderID,
		Text:     m.Body,
		SentAt:   wire.At(time.UnixMilli(m.SentAt)),
		ClientID: m.ClientID,
	}
}
