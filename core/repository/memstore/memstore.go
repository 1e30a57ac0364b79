// Package memstore is an in-memory repository.Store used by tests and
// single-process deployments. Claims are serialized under the store lock, which
// gives the same at-most-one-claimant guarantee as skip-locked reads.
package memstore

import (
	"context"
	"sort"
	"sync"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/repository"
)

// Store keeps all entities in maps guarded by one mutex
type Store struct {
	mu          sync.Mutex
	events      map[string]*models.Event
	generations map[string]*models.Generation
	manifests   map[string]*models.Manifest
	eventGens   map[string][]string
	genEvents   map[string][]string
	history     map[string][]models.StatusHistory
	genManifest map[string][]string
}

var _ repository.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		events:      map[string]*models.Event{},
		generations: map[string]*models.Generation{},
		manifests:   map[string]*models.Manifest{},
		eventGens:   map[string][]string{},
		genEvents:   map[string][]string{},
		history:     map[string][]models.StatusHistory{},
		genManifest: map[string][]string{},
	}
}

func (s *Store) CreateEvent(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; ok {
		return errors.Validationf("event %s already exists", event.ID)
	}
	s.putEvent(event)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, errors.NewNotFoundError("event", id)
	}
	out := cloneEvent(e)
	out.History = append([]models.StatusHistory(nil), s.history[id]...)
	out.Generations = append([]string(nil), s.eventGens[id]...)
	return out, nil
}

func (s *Store) UpdateEvent(_ context.Context, id string, fn func(*models.Event) error) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, errors.NewNotFoundError("event", id)
	}
	work := cloneEvent(e)
	if err := fn(work); err != nil {
		return nil, err
	}
	s.putEvent(work)
	return work, nil
}

func (s *Store) ListEvents(_ context.Context, filter repository.EventFilter) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Event
	for _, e := range s.events {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*models.Event, 0, len(matched))
	for _, e := range matched {
		loaded := cloneEvent(e)
		loaded.History = append([]models.StatusHistory(nil), s.history[e.ID]...)
		loaded.Generations = append([]string(nil), s.eventGens[e.ID]...)
		out = append(out, loaded)
	}
	return out, nil
}

func (s *Store) InitializeEvent(_ context.Context, eventID string, gens []*models.Generation, fn func(*models.Event) error) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, errors.NewNotFoundError("event", eventID)
	}
	work := cloneEvent(e)
	if err := fn(work); err != nil {
		return nil, err
	}
	for _, g := range gens {
		s.putGeneration(g)
		s.eventGens[eventID] = append(s.eventGens[eventID], g.ID)
		s.genEvents[g.ID] = append(s.genEvents[g.ID], eventID)
		g.Events = append([]string(nil), s.genEvents[g.ID]...)
	}
	s.putEvent(work)
	work.Generations = append([]string(nil), s.eventGens[eventID]...)
	return work, nil
}

func (s *Store) GetGeneration(_ context.Context, id string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return nil, errors.NewNotFoundError("generation", id)
	}
	return s.loadGeneration(g), nil
}

func (s *Store) UpdateGeneration(_ context.Context, id string, fn func(*models.Generation) error) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return nil, errors.NewNotFoundError("generation", id)
	}
	work := cloneGeneration(g)
	if err := fn(work); err != nil {
		return nil, err
	}
	s.putGeneration(work)
	return work, nil
}

func (s *Store) ClaimGenerations(_ context.Context, limit int, fn func(*models.Generation) error) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}

	candidates := s.filter(repository.GenerationFilter{Status: models.GenerationStatusNew, Limit: limit})
	claimed := make([]*models.Generation, 0, len(candidates))
	for _, g := range candidates {
		work := cloneGeneration(g)
		if err := fn(work); err != nil {
			return nil, err
		}
		claimed = append(claimed, work)
	}
	for _, g := range claimed {
		s.putGeneration(g)
	}
	return claimed, nil
}

func (s *Store) CountGenerations(_ context.Context, filter repository.GenerationFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter.Limit = 0
	return len(s.filter(filter)), nil
}

func (s *Store) ListGenerations(_ context.Context, filter repository.GenerationFilter) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Generation
	for _, g := range s.filter(filter) {
		out = append(out, s.loadGeneration(g))
	}
	return out, nil
}

func (s *Store) EventGenerations(_ context.Context, eventID string) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return nil, errors.NewNotFoundError("event", eventID)
	}
	var out []*models.Generation
	for _, id := range s.eventGens[eventID] {
		out = append(out, s.loadGeneration(s.generations[id]))
	}
	return out, nil
}

func (s *Store) ListManifests(_ context.Context, generationID string) ([]*models.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[generationID]; !ok {
		return nil, errors.NewNotFoundError("generation", generationID)
	}
	var out []*models.Manifest
	for _, id := range s.genManifest[generationID] {
		m := *s.manifests[id]
		out = append(out, &m)
	}
	return out, nil
}

func (s *Store) GetManifest(_ context.Context, id string) (*models.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return nil, errors.NewNotFoundError("manifest", id)
	}
	out := *m
	return &out, nil
}

// filter returns stored generations matching f ordered by creation. Caller holds the lock.
func (s *Store) filter(f repository.GenerationFilter) []*models.Generation {
	var out []*models.Generation
	for _, g := range s.generations {
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		if f.Result != "" && g.Result != f.Result {
			continue
		}
		if f.Generator != "" && g.Request.Generator.Name != f.Generator {
			continue
		}
		if f.MetadataKey != "" && g.Metadata[f.MetadataKey] != f.MetadataValue {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// putEvent stores the header and appends pending history rows. Caller holds the lock.
func (s *Store) putEvent(e *models.Event) {
	s.history[e.ID] = append(s.history[e.ID], e.History...)
	stored := cloneEvent(e)
	s.events[e.ID] = stored
}

// putGeneration stores the header, pending history rows and new manifests. Caller holds the lock.
func (s *Store) putGeneration(g *models.Generation) {
	s.history[g.ID] = append(s.history[g.ID], g.History...)
	for _, m := range g.Manifests {
		stored := *m
		s.manifests[m.ID] = &stored
		s.genManifest[g.ID] = append(s.genManifest[g.ID], m.ID)
	}
	stored := cloneGeneration(g)
	stored.ManifestCount = len(s.genManifest[g.ID])
	s.generations[g.ID] = stored
}

func (s *Store) loadGeneration(g *models.Generation) *models.Generation {
	out := cloneGeneration(g)
	out.History = append([]models.StatusHistory(nil), s.history[g.ID]...)
	out.Events = append([]string(nil), s.genEvents[g.ID]...)
	return out
}

// cloneEvent copies the header without history or links
func cloneEvent(e *models.Event) *models.Event {
	out := *e
	out.Metadata = cloneMap(e.Metadata)
	out.History = nil
	out.Generations = nil
	return &out
}

// cloneGeneration copies the header without history, links or pending manifests
func cloneGeneration(g *models.Generation) *models.Generation {
	out := *g
	out.Metadata = cloneMap(g.Metadata)
	out.History = nil
	out.Events = nil
	out.Manifests = nil
	return &out
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
