package models

import (
	"encoding/json"
	"time"
)

// Event is a unit of externally triggered work that may expand into several generations
type Event struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created"`
	UpdatedAt   time.Time         `json:"updated"`
	FinishedAt  *time.Time        `json:"finished,omitempty"`
	ParentID    string            `json:"parentId,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Request     json.RawMessage   `json:"request"`
	Status      EventStatus       `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	History     []StatusHistory   `json:"history,omitempty"`
	Generations []string          `json:"generations,omitempty"`
}

// NewEvent creates an event in NEW status with its initial history row
func NewEvent(request json.RawMessage, metadata map[string]string, parentID, changedBy string) *Event {
	now := Now()
	if metadata == nil {
		metadata = map[string]string{}
	}
	e := &Event{
		ID:        NewID(),
		CreatedAt: now,
		UpdatedAt: now,
		ParentID:  parentID,
		Metadata:  metadata,
		Request:   request,
		Status:    EventStatusNew,
		Reason:    "event created",
	}
	e.History = append(e.History, newHistory(e.ID, string(e.Status), e.Reason, changedBy, now))
	return e
}

// Transition moves the event to status and appends a history row
func (e *Event) Transition(status EventStatus, reason, changedBy string) error {
	if !e.Status.CanTransitionTo(status) {
		return &TransitionError{Kind: "event", ID: e.ID, From: string(e.Status), To: string(status)}
	}
	now := Now()
	e.Status = status
	e.Reason = reason
	e.UpdatedAt = now
	if status.IsFinal() {
		e.FinishedAt = &now
	}
	e.History = append(e.History, newHistory(e.ID, string(status), reason, changedBy, now))
	return nil
}
