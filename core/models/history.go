package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Now is the clock used for all server-assigned timestamps
var Now = func() time.Time { return time.Now().UTC() }

// NewID returns a new lexically sortable identifier
func NewID() string {
	return ulid.Make().String()
}

// StatusHistory is one append-only row recording an observed status value
type StatusHistory struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	At        time.Time `json:"at"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	ChangedBy string    `json:"changedBy,omitempty"`
}

func newHistory(ownerID, status, reason, changedBy string, at time.Time) StatusHistory {
	return StatusHistory{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		At:        at,
		Status:    status,
		Reason:    reason,
		ChangedBy: changedBy,
	}
}

// TransitionError is returned when a status change is not causally next
type TransitionError struct {
	Kind string
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Kind, e.ID, e.From, e.To)
}
