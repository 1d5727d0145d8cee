package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/wire"
)

// JobDTO is the job resource as the backend serves it.
type JobDTO struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	ProviderID     string          `json:"providerId,omitempty"`
	CustomerID     string          `json:"customerId,omitempty"`
	CounterpartyID string          `json:"counterpartyId,omitempty"`
	Pickup         *job.Coordinate `json:"pickup,omitempty"`
	Dropoff        *job.Coordinate `json:"dropoff,omitempty"`
	Address        string          `json:"address,omitempty"`
	PickupAddress  string          `json:"pickupAddress,omitempty"`
	DropoffAddress string          `json:"dropoffAddress,omitempty"`
	LockedAt       *wire.Timestamp `json:"lockedAt,omitempty"`
	AssignedAt     *wire.Timestamp `json:"assignedAt,omitempty"`
	AcceptedAt     *wire.Timestamp `json:"acceptedAt,omitempty"`
	UpdatedAt      *wire.Timestamp `json:"updatedAt,omitempty"`
	CreatedAt      *wire.Timestamp `json:"createdAt,omitempty"`
}

// Snapshot converts the resource into an immutable snapshot as seen by role.
func (d JobDTO) Snapshot(role Role) *job.Snapshot {
	counterparty := strings.TrimSpace(d.CounterpartyID)
	if counterparty == "" {
		if role == RoleProvider {
			counterparty = d.CustomerID
		} else {
			counterparty = d.ProviderID
		}
	}
	return &job.Snapshot{
		ID:             d.ID,
		Status:         job.ParseStatus(d.Status),
		RawStatus:      d.Status,
		CounterpartyID: strings.TrimSpace(counterparty),
		Pickup:         validCoordinate(d.Pickup),
		Dropoff:        validCoordinate(d.Dropoff),
		Address:        d.Address,
		PickupAddress:  d.PickupAddress,
		DropoffAddress: d.DropoffAddress,
		LockedAt:       d.LockedAt.Ptr(),
		AssignedAt:     d.AssignedAt.Ptr(),
		AcceptedAt:     d.AcceptedAt.Ptr(),
		UpdatedAt:      d.UpdatedAt.Ptr(),
		CreatedAt:      d.CreatedAt.Ptr(),
	}
}

func validCoordinate(c *job.Coordinate) *job.Coordinate {
	if c == nil || !c.Valid() {
		return nil
	}
	v := *c
	return &v
}

// FetchJob returns the current snapshot of id. A 404 is job.ErrNotFound.
func (c *Client) FetchJob(ctx context.Context, id string) (*job.Snapshot, error) {
	var dto JobDTO
	if err := c.do(ctx, http.MethodGet, jobPath(id), "", nil, &dto); err != nil {
		return nil, err
	}
	if dto.ID == "" {
		dto.ID = id
	}
	s := dto.Snapshot(c.role)
	if s.Status == job.Unknown && dto.Status != "" {
		c.logger.Debug("unrecognized job status", zap.String("job_id", id), zap.String("status", dto.Status))
	}
	return s, nil
}

type activeJobDTO struct {
	ID string `json:"id"`
}

// ActiveJobID returns the caller's current active job. No active job is
// job.ErrNotFound.
func (c *Client) ActiveJobID(ctx context.Context) (string, error) {
	var dto activeJobDTO
	if err := c.do(ctx, http.MethodGet, "/jobs/active", "", nil, &dto); err != nil {
		return "", err
	}
	id := strings.TrimSpace(dto.ID)
	if job.IsPlaceholderID(id) {
		return "", fmt.Errorf("active job: %w", job.ErrNotFound)
	}
	return id, nil
}

// Action is a job lifecycle command.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionReject, ActionCancel, ActionComplete:
		return true
	}
	return false
}

// Act performs action on job id.
func (c *Client) Act(ctx context.Context, id string, action Action) error {
	if !action.Valid() {
		return fmt.Errorf("unknown job action %q", action)
	}
	if err := c.do(ctx, http.MethodPost, jobPath(id, string(action)), "", nil, nil); err != nil {
		return err
	}
	c.logger.Info("job action sent", zap.String("job_id", id), zap.String("action", string(action)))
	return nil
}

// ReportLocation pushes the device position for job id.
func (c *Client) ReportLocation(ctx context.Context, id string, pos job.Coordinate) error {
	if !pos.Valid() {
		return fmt.Errorf("invalid coordinate %v,%v", pos.Lat, pos.Lng)
	}
	return c.do(ctx, http.MethodPost, jobPath(id, "location"), "", pos, nil)
}
