// Package initializer turns triggered events into generations and resolves
// events once all of their generations are terminal.
package initializer

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/monitoring"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
	"sbom-orchestrator/core/resolver"
	"sbom-orchestrator/core/spec"
	"sbom-orchestrator/core/workerpool"
)

const changedBy = "initializer"

var errSkip = errors.New("event changed concurrently")

// TriggerRequest creates a new event
type TriggerRequest struct {
	Request  []byte
	Metadata map[string]string
	Parent   string
	// ChangedBy names who triggered the event
	ChangedBy string
}

// Initializer owns the event lifecycle
type Initializer struct {
	store     repository.Store
	resolvers *resolver.Registry
	provider  *spec.Provider
	bus       *notify.Bus
	pool      *workerpool.Pool
}

// New creates a new initializer
func New(store repository.Store, resolvers *resolver.Registry, provider *spec.Provider, bus *notify.Bus, pool *workerpool.Pool) *Initializer {
	return &Initializer{
		store:     store,
		resolvers: resolvers,
		provider:  provider,
		bus:       bus,
		pool:      pool,
	}
}

// Subscribe finalizes the events of generations reaching a final status
func (in *Initializer) Subscribe() {
	in.bus.Subscribe(notify.TypeGenerationStateChanged, func(n notify.Notification) {
		changed := n.(notify.GenerationStateChanged)
		if !changed.Status.IsFinal() {
			return
		}
		err := in.pool.Submit("finalize/"+changed.GenerationID, func(ctx context.Context) error {
			g, err := in.store.GetGeneration(ctx, changed.GenerationID)
			if err != nil {
				return err
			}
			for _, eventID := range g.Events {
				if err := in.Finalize(ctx, eventID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, workerpool.ErrInProgress) {
			log.Warn().Err(err).Str("generation", changed.GenerationID).Msg("Failed to enqueue finalization, leaving it to the recovery sweep")
		}
	})
}

// enqueueInitialize queues the initialization of an INITIALIZING event
func (in *Initializer) enqueueInitialize(eventID string) error {
	err := in.pool.Submit("initialize/"+eventID, func(ctx context.Context) error {
		return in.Initialize(ctx, eventID)
	})
	if errors.Is(err, workerpool.ErrInProgress) {
		return nil
	}
	return err
}

// Trigger validates the request, creates an event and queues its initialization.
// An event whose initialization cannot be queued is failed and a retryable
// error is returned.
func (in *Initializer) Trigger(ctx context.Context, req TriggerRequest) (*models.Event, error) {
	parsed, err := spec.ParseEventRequest(req.Request)
	if err != nil {
		return nil, err
	}
	canonical, err := parsed.JSON()
	if err != nil {
		return nil, err
	}
	by := req.ChangedBy
	if by == "" {
		by = "api"
	}

	event := models.NewEvent(canonical, req.Metadata, req.Parent, by)
	if err := in.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	updated, err := in.store.UpdateEvent(ctx, event.ID, func(e *models.Event) error {
		return e.Transition(models.EventStatusInitializing, "initialization requested", by)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request initialization of event %s: %w", event.ID, err)
	}

	log.Info().Str("event", event.ID).Str("parent", req.Parent).Msg("Event triggered")
	in.bus.Publish(notify.EventStatusChanged{EventID: updated.ID, Status: updated.Status})

	if err := in.enqueueInitialize(updated.ID); err != nil {
		log.Error().Err(err).Str("event", updated.ID).Msg("Failed to enqueue initialization")
		if ferr := in.fail(ctx, updated.ID, fmt.Sprintf("initialization could not be scheduled: %v", err)); ferr != nil {
			log.Error().Err(ferr).Str("event", updated.ID).Msg("Failed to fail unscheduled event")
		}
		return nil, errors.NewClientError("workerpool", "enqueue initialization", http.StatusServiceUnavailable,
			fmt.Sprintf("event %s", updated.ID), err)
	}
	return updated, nil
}

// Retry triggers a new event with the request of a terminal event
func (in *Initializer) Retry(ctx context.Context, eventID, by string) (*models.Event, error) {
	event, err := in.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.Status.IsFinal() {
		return nil, errors.NewValidationError("status", fmt.Sprintf("event %s is still %s", event.ID, event.Status))
	}

	metadata := make(map[string]string, len(event.Metadata))
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	return in.Trigger(ctx, TriggerRequest{Request: event.Request, Metadata: metadata, Parent: event.ID, ChangedBy: by})
}

// Initialize creates the generations of an INITIALIZING event. Every failure,
// including a panic, leaves the event FAILED.
func (in *Initializer) Initialize(ctx context.Context, eventID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("event", eventID).Interface("panic", p).Str("stack", string(debug.Stack())).Msg("Initialization panicked")
			err = in.fail(ctx, eventID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	event, err := in.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != models.EventStatusInitializing {
		log.Debug().Str("event", eventID).Str("status", string(event.Status)).Msg("Event not initializing, skipping")
		return nil
	}

	gens, err := in.generations(ctx, event)
	if err != nil {
		log.Error().Err(err).Str("event", eventID).Msg("Initialization failed")
		return in.fail(ctx, eventID, err.Error())
	}

	updated, err := in.store.InitializeEvent(ctx, eventID, gens, func(e *models.Event) error {
		if e.Status != models.EventStatusInitializing {
			return errSkip
		}
		if len(gens) == 0 {
			if err := e.Transition(models.EventStatusInitialized, "no generations requested", changedBy); err != nil {
				return err
			}
			return e.Transition(models.EventStatusResolved, "no generations requested", changedBy)
		}
		return e.Transition(models.EventStatusInitialized, fmt.Sprintf("%d generations created", len(gens)), changedBy)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return in.fail(ctx, eventID, fmt.Sprintf("failed to store generations: %v", err))
	}

	monitoring.EventsInitialized.WithLabelValues(string(updated.Status)).Inc()
	log.Info().Str("event", eventID).Int("generations", len(gens)).Str("status", string(updated.Status)).Msg("Event initialized")
	in.bus.Publish(notify.EventStatusChanged{EventID: updated.ID, Status: updated.Status})
	return nil
}

// generations expands the event request into new generations
func (in *Initializer) generations(ctx context.Context, event *models.Event) ([]*models.Generation, error) {
	req, err := spec.ParseEventRequest(event.Request)
	if err != nil {
		return nil, err
	}

	specs := append([]models.GenerationRequestSpec(nil), req.Requests...)
	if req.Resolver != nil {
		res, err := in.resolvers.Get(req.Resolver.Type)
		if err != nil {
			return nil, err
		}
		resolved, err := res.Resolve(ctx, event.ID, req.Resolver.Identifier)
		if err != nil {
			return nil, fmt.Errorf("%s resolver failed for %s: %w", req.Resolver.Type, req.Resolver.Identifier, err)
		}
		specs = append(specs, resolved...)
	}

	gens := make([]*models.Generation, 0, len(specs))
	for _, s := range specs {
		effective, err := in.provider.Resolve(s)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", s.Target.Identifier, err)
		}
		metadata := map[string]string{}
		for k, v := range s.Metadata {
			metadata[k] = v
		}
		metadata[models.MetadataEventID] = event.ID
		gens = append(gens, models.NewGeneration(effective, metadata, changedBy))
	}
	return gens, nil
}

// fail moves a non-terminal event to FAILED
func (in *Initializer) fail(ctx context.Context, eventID, reason string) error {
	updated, err := in.store.UpdateEvent(ctx, eventID, func(e *models.Event) error {
		if e.Status.IsFinal() {
			return errSkip
		}
		return e.Transition(models.EventStatusFailed, reason, changedBy)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark event %s failed: %w", eventID, err)
	}

	monitoring.EventsInitialized.WithLabelValues(string(updated.Status)).Inc()
	in.bus.Publish(notify.EventStatusChanged{EventID: updated.ID, Status: updated.Status})
	return nil
}

// Finalize resolves an INITIALIZED event once all of its generations are terminal
func (in *Initializer) Finalize(ctx context.Context, eventID string) error {
	_, err := in.finalize(ctx, eventID)
	return err
}

// finalize reports whether the event reached a final status
func (in *Initializer) finalize(ctx context.Context, eventID string) (bool, error) {
	gens, err := in.store.EventGenerations(ctx, eventID)
	if err != nil {
		return false, err
	}
	unfinished := 0
	for _, g := range gens {
		if !g.Status.IsFinal() {
			return false, nil
		}
		if g.Status != models.GenerationStatusFinished {
			unfinished++
		}
	}

	updated, err := in.store.UpdateEvent(ctx, eventID, func(e *models.Event) error {
		if e.Status != models.EventStatusInitialized {
			return errSkip
		}
		if unfinished > 0 {
			return e.Transition(models.EventStatusFailed,
				fmt.Sprintf("%d of %d generations did not finish", unfinished, len(gens)), changedBy)
		}
		return e.Transition(models.EventStatusResolved, fmt.Sprintf("all %d generations finished", len(gens)), changedBy)
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to finalize event %s: %w", eventID, err)
	}

	log.Info().Str("event", eventID).Str("status", string(updated.Status)).Str("reason", updated.Reason).Msg("Event finalized")
	in.bus.Publish(notify.EventStatusChanged{EventID: updated.ID, Status: updated.Status})
	return true, nil
}

