package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/core/leader"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
	"sbom-orchestrator/core/repository/memstore"
	"sbom-orchestrator/core/repository/storetest"
)

var deployment = Deployment{Release: "prod", Target: "cluster-a", Type: "k8s", Zone: "us-east-1"}

func collect(bus *notify.Bus) (*[]notify.GenerationScheduled, *sync.Mutex) {
	var mu sync.Mutex
	var got []notify.GenerationScheduled
	bus.Subscribe(notify.TypeGenerationScheduled, func(n notify.Notification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n.(notify.GenerationScheduled))
	})
	return &got, &mu
}

func TestDeploymentKey(t *testing.T) {
	assert.Equal(t, "prod/cluster-a/k8s/us-east-1", deployment.Key())
}

func TestRunOnceClaimsOldestUpToBatch(t *testing.T) {
	store := memstore.New()
	gens := storetest.Seed(t, store, "syft", 5)
	bus := notify.NewBus()
	got, _ := collect(bus)

	s := NewScheduler(store, leader.Static(true), bus, Config{Deployment: deployment, MaxConcurrent: 10, BatchSize: 3})
	claimed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i, g := range claimed {
		assert.Equal(t, gens[i].ID, g.ID)
	}

	require.Len(t, *got, 3)
	assert.Equal(t, "syft", (*got)[0].Generator)

	loaded, err := store.GetGeneration(context.Background(), gens[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationStatusScheduled, loaded.Status)
	assert.Equal(t, deployment.Key(), loaded.Metadata[models.MetadataDeployment])
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "SCHEDULED", loaded.History[1].Status)
	assert.Equal(t, "scheduler", loaded.History[1].ChangedBy)
}

func markGenerating(t *testing.T, store repository.Store, id, key string) {
	t.Helper()
	_, err := store.UpdateGeneration(context.Background(), id, func(g *models.Generation) error {
		g.SetMetadata(models.MetadataDeployment, key)
		if err := g.Transition(models.GenerationStatusScheduled, "", "scheduled", "test"); err != nil {
			return err
		}
		return g.Transition(models.GenerationStatusGenerating, "", "generating", "test")
	})
	require.NoError(t, err)
}

func TestRunOnceSkipsAtCapacity(t *testing.T) {
	store := memstore.New()
	gens := storetest.Seed(t, store, "syft", 4)
	markGenerating(t, store, gens[0].ID, deployment.Key())
	markGenerating(t, store, gens[1].ID, deployment.Key())

	bus := notify.NewBus()
	got, _ := collect(bus)

	s := NewScheduler(store, leader.Static(true), bus, Config{Deployment: deployment, MaxConcurrent: 2, BatchSize: 10})
	claimed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Empty(t, *got)

	count, err := store.CountGenerations(context.Background(), repository.GenerationFilter{Status: models.GenerationStatusNew})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunOnceClaimsRemainingCapacity(t *testing.T) {
	store := memstore.New()
	gens := storetest.Seed(t, store, "syft", 6)
	markGenerating(t, store, gens[0].ID, deployment.Key())
	markGenerating(t, store, gens[1].ID, "other/deployment/k8s/eu")

	s := NewScheduler(store, leader.Static(true), notify.NewBus(), Config{Deployment: deployment, MaxConcurrent: 3, BatchSize: 10})
	claimed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestCycleRequiresLeadership(t *testing.T) {
	store := memstore.New()
	storetest.Seed(t, store, "syft", 2)

	elector := &leader.Flag{}
	s := NewScheduler(store, elector, notify.NewBus(), Config{Deployment: deployment})
	s.cycle(context.Background())

	count, err := store.CountGenerations(context.Background(), repository.GenerationFilter{Status: models.GenerationStatusNew})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	elector.Set(true)
	s.cycle(context.Background())
	count, err = store.CountGenerations(context.Background(), repository.GenerationFilter{Status: models.GenerationStatusNew})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRacingSchedulersClaimEachGenerationOnce(t *testing.T) {
	store := memstore.New()
	gens := storetest.Seed(t, store, "syft", 30)
	bus := notify.NewBus()
	got, mu := collect(bus)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		s := NewScheduler(store, leader.Static(true), bus, Config{Deployment: deployment, MaxConcurrent: 100, BatchSize: 4})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.RunOnce(context.Background())
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]int{}
	for _, n := range *got {
		seen[n.GenerationID]++
	}
	assert.Len(t, seen, len(gens))
	for id, n := range seen {
		assert.Equal(t, 1, n, "generation %s scheduled %d times", id, n)
	}
}

func TestStartStops(t *testing.T) {
	s := NewScheduler(memstore.New(), leader.Static(true), notify.NewBus(), Config{Deployment: deployment})
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	s.Stop()
	s.Stop()
	<-done
}
