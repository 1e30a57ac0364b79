package repository

import (
	"context"
	"time"

	"sbom-orchestrator/core/models"
)

// EventFilter selects events. Zero fields do not filter.
type EventFilter struct {
	Status models.EventStatus
	// UpdatedBefore keeps events last updated strictly before this time
	UpdatedBefore time.Time
	Limit         int
}

// GenerationFilter selects generations. Zero fields do not filter.
type GenerationFilter struct {
	Status        models.GenerationStatus
	Result        models.GenerationResult
	Generator     string
	MetadataKey   string
	MetadataValue string
	Limit         int
}

// Store is the durable source of truth for events, generations and manifests.
//
// Update callbacks receive the entity header with History and Manifests empty;
// rows appended to them during the callback are persisted together with the
// header in one transaction. An error returned by a callback rolls the
// transaction back and is returned unchanged.
type Store interface {
	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpdateEvent(ctx context.Context, id string, fn func(*models.Event) error) (*models.Event, error)
	// ListEvents lists events matching the filter, least recently updated first
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error)

	// InitializeEvent creates gens, links them to the event and applies fn to the
	// event, all in one transaction.
	InitializeEvent(ctx context.Context, eventID string, gens []*models.Generation, fn func(*models.Event) error) (*models.Event, error)

	GetGeneration(ctx context.Context, id string) (*models.Generation, error)
	UpdateGeneration(ctx context.Context, id string, fn func(*models.Generation) error) (*models.Generation, error)

	// ClaimGenerations locks up to limit NEW generations, oldest first, skipping
	// rows locked by other transactions, and applies fn to each in one transaction.
	ClaimGenerations(ctx context.Context, limit int, fn func(*models.Generation) error) ([]*models.Generation, error)

	CountGenerations(ctx context.Context, filter GenerationFilter) (int, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]*models.Generation, error)
	EventGenerations(ctx context.Context, eventID string) ([]*models.Generation, error)

	ListManifests(ctx context.Context, generationID string) ([]*models.Manifest, error)
	GetManifest(ctx context.Context, id string) (*models.Manifest, error)
}
