package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
)

// Registry routes generations to the reconciler of their generator
type Registry struct {
	store       repository.Store
	bus         *notify.Bus
	reconcilers map[string]*Reconciler
}

// NewRegistry creates a registry over reconcilers
func NewRegistry(store repository.Store, bus *notify.Bus, reconcilers ...*Reconciler) *Registry {
	reg := &Registry{store: store, bus: bus, reconcilers: map[string]*Reconciler{}}
	for _, r := range reconcilers {
		reg.reconcilers[r.Name()] = r
	}
	return reg
}

// Get returns the reconciler for a generator
func (reg *Registry) Get(generator string) (*Reconciler, error) {
	r, ok := reg.reconcilers[generator]
	if !ok {
		return nil, errors.NewValidationError("generator", fmt.Sprintf("no controller for generator %q", generator))
	}
	return r, nil
}

// Generators lists the generators with a registered reconciler
func (reg *Registry) Generators() []string {
	names := make([]string, 0, len(reg.reconcilers))
	for name := range reg.reconcilers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe routes scheduled generations to their reconciler
func (reg *Registry) Subscribe() uint64 {
	return reg.bus.Subscribe(notify.TypeGenerationScheduled, func(n notify.Notification) {
		scheduled := n.(notify.GenerationScheduled)
		r, err := reg.Get(scheduled.Generator)
		if err != nil {
			reg.reject(scheduled.GenerationID, err)
			return
		}
		r.Enqueue(scheduled.GenerationID)
	})
}

// reject fails a scheduled generation no reconciler can run
func (reg *Registry) reject(generationID string, cause error) {
	log.Error().Err(cause).Str("generation", generationID).Msg("Generation has no controller")
	g, err := reg.store.UpdateGeneration(context.Background(), generationID, func(g *models.Generation) error {
		if g.Status != models.GenerationStatusScheduled {
			return errSkip
		}
		return g.Transition(models.GenerationStatusFailed, models.ResultErrGeneral, cause.Error(), changedBy)
	})
	if err != nil {
		if !errors.Is(err, errSkip) {
			log.Error().Err(err).Str("generation", generationID).Msg("Failed to reject generation")
		}
		return
	}
	reg.bus.Publish(notify.GenerationStateChanged{GenerationID: g.ID, Status: g.Status, Result: g.Result})
}

// Cancel cancels a generation through the reconciler of its generator. Without
// one, the generation is cancelled in the store and no job is aborted.
func (reg *Registry) Cancel(ctx context.Context, generationID, reason string) (*models.Generation, error) {
	g, err := reg.store.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if r, ok := reg.reconcilers[g.Request.Generator.Name]; ok {
		return r.Cancel(ctx, generationID, reason)
	}

	cancelled, err := cancelGeneration(ctx, reg.store, generationID, reason)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("generation", cancelled.ID).
		Str("generator", g.Request.Generator.Name).
		Str("reason", cancelled.Reason).
		Msg("Generation cancelled without a controller")
	reg.bus.Publish(notify.GenerationStateChanged{GenerationID: cancelled.ID, Status: cancelled.Status, Result: cancelled.Result})
	return cancelled, nil
}

// Start runs every reconciler loop until ctx is done
func (reg *Registry) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range reg.reconcilers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Start(ctx)
		}()
	}
	wg.Wait()
}
