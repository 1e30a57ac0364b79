// Package storetest holds behavior tests shared by every repository.Store implementation.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/repository"
)

const bom = `{"bomFormat":"CycloneDX","specVersion":"1.5","serialNumber":"urn:uuid:1"}`

// Run exercises a store created fresh by newStore for each subtest
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("event lifecycle", func(t *testing.T) { testEventLifecycle(t, newStore(t)) })
	t.Run("failed update rolls back", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("manifests stored with transition", func(t *testing.T) { testManifests(t, newStore(t)) })
	t.Run("count and list by filter", func(t *testing.T) { testFilters(t, newStore(t)) })
	t.Run("list events by status", func(t *testing.T) { testListEvents(t, newStore(t)) })
	t.Run("racing claims", func(t *testing.T) { testRacingClaims(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

// Generation creates an unsaved generation for the given generator
func Generation(generator string, metadata map[string]string) *models.Generation {
	return models.NewGeneration(models.GenerationRequest{
		Target: models.Target{Type: models.TargetContainerImage, Identifier: "quay.io/org/app:1"},
		Kind:   models.KindBuild,
		Generator: models.GeneratorConfig{
			Name:    generator,
			Version: "1.0.0",
			Image:   "example/" + generator + ":1.0.0",
		},
	}, metadata, "test")
}

// Seed creates an initialized event owning n NEW generations
func Seed(t *testing.T, store repository.Store, generator string, n int) []*models.Generation {
	t.Helper()
	ctx := context.Background()

	event := models.NewEvent(json.RawMessage(`{}`), nil, "", "test")
	require.NoError(t, store.CreateEvent(ctx, event))

	gens := make([]*models.Generation, n)
	for i := range gens {
		gens[i] = Generation(generator, nil)
	}
	_, err := store.InitializeEvent(ctx, event.ID, gens, func(e *models.Event) error {
		return e.Transition(models.EventStatusInitializing, "initializing", "test")
	})
	require.NoError(t, err)
	return gens
}

func testEventLifecycle(t *testing.T, store repository.Store) {
	ctx := context.Background()

	event := models.NewEvent(json.RawMessage(`{"requests":[]}`), map[string]string{"source": "api"}, "", "api")
	require.NoError(t, store.CreateEvent(ctx, event))

	_, err := store.UpdateEvent(ctx, event.ID, func(e *models.Event) error {
		return e.Transition(models.EventStatusInitializing, "initializing", "api")
	})
	require.NoError(t, err)

	gens := []*models.Generation{Generation("syft", nil), Generation("syft", nil)}
	updated, err := store.InitializeEvent(ctx, event.ID, gens, func(e *models.Event) error {
		return e.Transition(models.EventStatusInitialized, "2 generations created", "initializer")
	})
	require.NoError(t, err)
	assert.Len(t, updated.Generations, 2)

	loaded, err := store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusInitialized, loaded.Status)
	assert.Equal(t, "api", loaded.Metadata["source"])
	assert.JSONEq(t, `{"requests":[]}`, string(loaded.Request))
	assert.ElementsMatch(t, []string{gens[0].ID, gens[1].ID}, loaded.Generations)

	statuses := make([]string, len(loaded.History))
	for i, h := range loaded.History {
		statuses[i] = h.Status
	}
	assert.Equal(t, []string{"NEW", "INITIALIZING", "INITIALIZED"}, statuses)

	owned, err := store.EventGenerations(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	for _, g := range owned {
		assert.Equal(t, models.GenerationStatusNew, g.Status)
		assert.Equal(t, []string{event.ID}, g.Events)
		require.Len(t, g.History, 1)
		assert.Equal(t, "NEW", g.History[0].Status)
	}
}

func testRollback(t *testing.T, store repository.Store) {
	ctx := context.Background()
	g := Seed(t, store, "syft", 1)[0]

	boom := fmt.Errorf("boom")
	_, err := store.UpdateGeneration(ctx, g.ID, func(g *models.Generation) error {
		if err := g.Transition(models.GenerationStatusScheduled, "", "scheduled", "test"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	loaded, err := store.GetGeneration(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationStatusNew, loaded.Status)
	assert.Len(t, loaded.History, 1)
}

func testManifests(t *testing.T, store repository.Store) {
	ctx := context.Background()
	g := Seed(t, store, "syft", 1)[0]

	for _, status := range []models.GenerationStatus{models.GenerationStatusScheduled, models.GenerationStatusGenerating} {
		_, err := store.UpdateGeneration(ctx, g.ID, func(g *models.Generation) error {
			return g.Transition(status, "", string(status), "test")
		})
		require.NoError(t, err)
	}

	_, err := store.UpdateGeneration(ctx, g.ID, func(g *models.Generation) error {
		for i := 0; i < 3; i++ {
			m, err := models.ParseManifest([]byte(bom), fmt.Sprintf("bom-%d.json", i))
			if err != nil {
				return err
			}
			if err := g.AddManifest(m); err != nil {
				return err
			}
		}
		return g.Transition(models.GenerationStatusFinished, models.ResultSuccess, "finished", "test")
	})
	require.NoError(t, err)

	loaded, err := store.GetGeneration(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationStatusFinished, loaded.Status)
	assert.Equal(t, models.ResultSuccess, loaded.Result)
	assert.NotNil(t, loaded.FinishedAt)
	assert.Equal(t, 3, loaded.ManifestCount)
	assert.Len(t, loaded.History, 4)

	manifests, err := store.ListManifests(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, manifests, 3)

	m, err := store.GetManifest(ctx, manifests[0].ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, m.GenerationID)
	assert.Equal(t, "1.5", m.Metadata["specVersion"])
	assert.JSONEq(t, bom, string(m.BOM))
}

func testFilters(t *testing.T, store repository.Store) {
	ctx := context.Background()
	syft := Seed(t, store, "syft", 3)
	Seed(t, store, "cyclonedx-maven", 2)

	for _, g := range syft[:2] {
		_, err := store.UpdateGeneration(ctx, g.ID, func(g *models.Generation) error {
			g.SetMetadata(models.MetadataDeployment, "prod/cluster/a")
			return g.Transition(models.GenerationStatusScheduled, "", "scheduled", "test")
		})
		require.NoError(t, err)
	}

	count, err := store.CountGenerations(ctx, repository.GenerationFilter{
		Status:        models.GenerationStatusScheduled,
		MetadataKey:   models.MetadataDeployment,
		MetadataValue: "prod/cluster/a",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountGenerations(ctx, repository.GenerationFilter{Status: models.GenerationStatusNew})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	listed, err := store.ListGenerations(ctx, repository.GenerationFilter{Generator: "cyclonedx-maven"})
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	listed, err = store.ListGenerations(ctx, repository.GenerationFilter{Status: models.GenerationStatusNew, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func testListEvents(t *testing.T, store repository.Store) {
	ctx := context.Background()

	created := make([]*models.Event, 3)
	for i := range created {
		created[i] = models.NewEvent(json.RawMessage(`{}`), nil, "", "test")
		require.NoError(t, store.CreateEvent(ctx, created[i]))
	}
	Seed(t, store, "syft", 2)

	_, err := store.UpdateEvent(ctx, created[1].ID, func(e *models.Event) error {
		return e.Transition(models.EventStatusInitializing, "initializing", "test")
	})
	require.NoError(t, err)

	listed, err := store.ListEvents(ctx, repository.EventFilter{Status: models.EventStatusNew})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, created[0].ID, listed[0].ID)
	assert.Equal(t, created[2].ID, listed[1].ID)
	require.Len(t, listed[0].History, 1)

	listed, err = store.ListEvents(ctx, repository.EventFilter{Status: models.EventStatusInitializing})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	var seeded *models.Event
	for _, e := range listed {
		if e.ID != created[1].ID {
			seeded = e
		}
	}
	require.NotNil(t, seeded)
	assert.Len(t, seeded.Generations, 2)

	listed, err = store.ListEvents(ctx, repository.EventFilter{Status: models.EventStatusNew, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	listed, err = store.ListEvents(ctx, repository.EventFilter{UpdatedBefore: created[0].UpdatedAt.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = store.ListEvents(ctx, repository.EventFilter{UpdatedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, listed, 4)
}

func testRacingClaims(t *testing.T, store repository.Store) {
	ctx := context.Background()
	gens := Seed(t, store, "syft", 20)

	const claimers = 8
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				claimed, err := store.ClaimGenerations(ctx, 3, func(g *models.Generation) error {
					return g.Transition(models.GenerationStatusScheduled, "", fmt.Sprintf("claimed by %d", i), "test")
				})
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, g := range claimed {
					seen[g.ID]++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, seen, len(gens))
	for id, n := range seen {
		assert.Equal(t, 1, n, "generation %s claimed %d times", id, n)
	}

	count, err := store.CountGenerations(ctx, repository.GenerationFilter{Status: models.GenerationStatusNew})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testNotFound(t *testing.T, store repository.Store) {
	ctx := context.Background()

	_, err := store.GetEvent(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = store.GetGeneration(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = store.UpdateGeneration(ctx, "missing", func(*models.Generation) error { return nil })
	assert.True(t, errors.IsNotFound(err))
	_, err = store.GetManifest(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = store.EventGenerations(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}
