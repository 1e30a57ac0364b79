package models

import (
	"fmt"
	"time"
)

// Metadata keys stamped on generations
const (
	MetadataDeployment   = "deployment"
	MetadataAdvisoryID   = "advisory_id"
	MetadataAdvisoryName = "advisory_name"
	MetadataBuildID      = "build_id"
	MetadataEventID      = "event_id"
)

// Generation is one concrete manifest generation job tracked to completion
type Generation struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"created"`
	UpdatedAt     time.Time         `json:"updated"`
	FinishedAt    *time.Time        `json:"finished,omitempty"`
	ParentID      string            `json:"parentId,omitempty"`
	Request       GenerationRequest `json:"request"`
	Metadata      map[string]string `json:"metadata"`
	Status        GenerationStatus  `json:"status"`
	Result        GenerationResult  `json:"result,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	History       []StatusHistory   `json:"history,omitempty"`
	Events        []string          `json:"events,omitempty"`
	ManifestCount int               `json:"manifestCount"`

	// Manifests holds manifests created in the current unit of work
	Manifests []*Manifest `json:"-"`
}

// NewGeneration creates a generation in NEW status with its initial history row
func NewGeneration(request GenerationRequest, metadata map[string]string, changedBy string) *Generation {
	now := Now()
	if metadata == nil {
		metadata = map[string]string{}
	}
	g := &Generation{
		ID:        NewID(),
		CreatedAt: now,
		UpdatedAt: now,
		Request:   request,
		Metadata:  metadata,
		Status:    GenerationStatusNew,
		Reason:    "generation created",
	}
	g.History = append(g.History, newHistory(g.ID, string(g.Status), g.Reason, changedBy, now))
	return g
}

// Transition moves the generation to status and appends a history row.
// result must be set with FINISHED and FAILED and only then.
func (g *Generation) Transition(status GenerationStatus, result GenerationResult, reason, changedBy string) error {
	if !g.Status.CanTransitionTo(status) {
		return &TransitionError{Kind: "generation", ID: g.ID, From: string(g.Status), To: string(status)}
	}
	if !validResult(status, result) {
		return fmt.Errorf("generation %s: result %q not allowed with status %s", g.ID, result, status)
	}
	now := Now()
	g.Status = status
	g.Result = result
	g.Reason = reason
	g.UpdatedAt = now
	if status.IsFinal() {
		g.FinishedAt = &now
	}
	g.History = append(g.History, newHistory(g.ID, string(status), reason, changedBy, now))
	return nil
}

// AddManifest attaches a new manifest. Only allowed while generating.
func (g *Generation) AddManifest(m *Manifest) error {
	if g.Status != GenerationStatusGenerating {
		return fmt.Errorf("generation %s: manifests can only be added while %s, status is %s",
			g.ID, GenerationStatusGenerating, g.Status)
	}
	m.GenerationID = g.ID
	g.Manifests = append(g.Manifests, m)
	g.ManifestCount++
	return nil
}

// SetMetadata sets a metadata tag
func (g *Generation) SetMetadata(key, value string) {
	if g.Metadata == nil {
		g.Metadata = map[string]string{}
	}
	g.Metadata[key] = value
}
