package tracking

import (
	"time"

	"github.com/matheus3301/towtrack/internal/chatlock"
	"github.com/matheus3301/towtrack/internal/geo"
	"github.com/matheus3301/towtrack/internal/job"
)

// View is the derived state of the active job that screens render.
type View struct {
	JobID string `json:"jobId"`
	// Loading is true until the first snapshot arrives.
	Loading  bool          `json:"loading"`
	NotFound bool          `json:"notFound"`
	Final    bool          `json:"final"`
	Snapshot *job.Snapshot `json:"snapshot,omitempty"`

	Lock        chatlock.State `json:"lock"`
	ChatAllowed bool           `json:"chatAllowed"`
	// UnreadCount is the active job's unread chat messages.
	UnreadCount int `json:"unreadCount"`

	Target     *job.Coordinate `json:"target,omitempty"`
	EtaMinutes int             `json:"etaMinutes"`
	HasEta     bool            `json:"hasEta"`
	Camera     *geo.Camera     `json:"camera,omitempty"`
	Address    string          `json:"address,omitempty"`
	Position   *job.Coordinate `json:"position,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the view belongs to a job.
func (v View) Active() bool {
	return v.JobID != ""
}
