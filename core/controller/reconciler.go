// Package controller maps scheduled generations to backend jobs, observes
// their completion and harvests the manifests they produce.
package controller

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/executor"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/monitoring"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
	"sbom-orchestrator/core/workerpool"
)

// DefaultTimeout bounds a generator job whose request carries no timeout
const DefaultTimeout = 6 * time.Hour

const (
	phaseGenerate = "generate"
	changedBy     = "controller"
)

// errSkip rolls back an update whose guard no longer holds
var errSkip = errors.New("generation changed concurrently")

// PostProcessor runs after manifests are stored and before a generation finishes
type PostProcessor interface {
	Process(ctx context.Context, g *models.Generation, manifests []*models.Manifest) error
}

// Config configures a reconciler
type Config struct {
	// Deployment restricts reconciliation to generations scheduled on this deployment key
	Deployment string
	// WorkspaceClaim is the volume claim jobs write their output to
	WorkspaceClaim string
	// MountPath is where jobs see their workspace
	MountPath string
	Interval  time.Duration
	// AbortOnCancel deletes running backend jobs when a generation is cancelled
	AbortOnCancel bool
	Owner         *executor.OwnerReference
}

// Reconciler drives generations of one generator
type Reconciler struct {
	generator Generator
	store     repository.Store
	backend   executor.Backend
	bus       *notify.Bus
	pool      *workerpool.Pool
	harvester *Harvester
	post      PostProcessor
	cfg       Config
}

// NewReconciler creates a reconciler. post may be nil.
func NewReconciler(
	generator Generator,
	store repository.Store,
	backend executor.Backend,
	bus *notify.Bus,
	pool *workerpool.Pool,
	harvester *Harvester,
	post PostProcessor,
	cfg Config,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "/workspace"
	}
	return &Reconciler{
		generator: generator,
		store:     store,
		backend:   backend,
		bus:       bus,
		pool:      pool,
		harvester: harvester,
		post:      post,
		cfg:       cfg,
	}
}

// Name is the generator this reconciler handles
func (r *Reconciler) Name() string { return r.generator.Name() }

// ResultFor maps an error to the coarse result recorded on a failed generation
func ResultFor(err error) models.GenerationResult {
	switch {
	case errors.IsValidation(err):
		return models.ResultErrGeneral
	default:
		return models.ResultErrSystem
	}
}

// Enqueue hands submission of a scheduled generation to the worker pool
func (r *Reconciler) Enqueue(generationID string) {
	err := r.pool.Submit("submit/"+generationID, func(ctx context.Context) error {
		return r.Submit(ctx, generationID)
	})
	if err != nil && !errors.Is(err, workerpool.ErrInProgress) {
		log.Error().Err(err).Str("generation", generationID).Msg("Failed to enqueue submission")
	}
}

// Submit creates the backend job of a SCHEDULED generation and moves it to GENERATING
func (r *Reconciler) Submit(ctx context.Context, generationID string) (err error) {
	defer r.recoverInto(ctx, generationID, &err)

	g, err := r.store.GetGeneration(ctx, generationID)
	if err != nil {
		return err
	}
	if g.Status != models.GenerationStatusScheduled {
		log.Debug().Str("generation", g.ID).Str("status", string(g.Status)).Msg("Generation not scheduled, skipping submission")
		return nil
	}

	spec, err := r.jobSpec(g)
	if err == nil {
		err = r.backend.Submit(ctx, spec)
	}
	if err != nil {
		log.Error().Err(err).Str("generation", g.ID).Msg("Failed to submit generation job")
		return r.transition(ctx, g.ID, models.GenerationStatusFailed, ResultFor(err), fmt.Sprintf("job submission failed: %v", err),
			models.GenerationStatusScheduled)
	}

	return r.transition(ctx, g.ID, models.GenerationStatusGenerating, models.ResultNone,
		fmt.Sprintf("job %s submitted", spec.Name), models.GenerationStatusScheduled)
}

func (r *Reconciler) jobSpec(g *models.Generation) (executor.JobSpec, error) {
	timeout := DefaultTimeout
	if raw := g.Request.Generator.Timeout; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return executor.JobSpec{}, errors.NewValidationError("generator.timeout", fmt.Sprintf("invalid timeout %q", raw))
		}
		timeout = d
	}

	inv, err := r.generator.Invocation(g, r.cfg.MountPath)
	if err != nil {
		return executor.JobSpec{}, err
	}

	spec := executor.JobSpec{
		Name:         executor.JobName(g.ID, phaseGenerate),
		GenerationID: g.ID,
		Phase:        phaseGenerate,
		Image:        g.Request.Generator.Image,
		Command:      inv.Command,
		Args:         inv.Args,
		Params:       inv.Params,
		Timeout:      timeout,
		Resources:    g.Request.Generator.Resources,
		Labels:       map[string]string{"sbom.generator": r.Name()},
		Owner:        r.cfg.Owner,
	}
	if r.cfg.WorkspaceClaim != "" {
		spec.Workspace = &executor.Workspace{
			ClaimName: r.cfg.WorkspaceClaim,
			MountPath: r.cfg.MountPath,
			SubPath:   g.ID,
		}
	}
	return spec, nil
}

// Reconcile observes the jobs of a GENERATING generation and finishes it once they completed
func (r *Reconciler) Reconcile(ctx context.Context, generationID string) (err error) {
	defer r.recoverInto(ctx, generationID, &err)

	g, err := r.store.GetGeneration(ctx, generationID)
	if err != nil {
		return err
	}
	if g.Status != models.GenerationStatusGenerating {
		return nil
	}

	jobs, err := r.backend.List(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("failed to list jobs of generation %s: %w", g.ID, err)
	}
	if len(jobs) == 0 {
		return nil
	}
	for _, job := range jobs {
		if !job.Finished() {
			return nil
		}
	}
	for _, job := range jobs {
		if job.Condition == executor.ConditionFailed {
			return r.transition(ctx, g.ID, models.GenerationStatusFailed, models.ResultErrGeneral, job.FailureDetail(),
				models.GenerationStatusGenerating)
		}
	}

	if g.ManifestCount > 0 {
		// manifests were stored by an earlier pass that did not finish post-processing
		return r.postProcess(ctx, g.ID)
	}

	manifests, err := r.harvester.Harvest(g.ID)
	if err != nil {
		log.Error().Err(err).Str("generation", g.ID).Msg("Failed to harvest manifests")
		return r.transition(ctx, g.ID, models.GenerationStatusFailed, ResultFor(err), err.Error(), models.GenerationStatusGenerating)
	}

	if r.post == nil {
		return r.storeManifests(ctx, g.ID, manifests, models.GenerationStatusFinished, models.ResultSuccess,
			fmt.Sprintf("%d manifests generated", len(manifests)))
	}

	if err := r.storeManifests(ctx, g.ID, manifests, models.GenerationStatusGenerating, models.ResultNone,
		fmt.Sprintf("%d manifests stored, post-processing", len(manifests))); err != nil {
		return err
	}
	return r.postProcess(ctx, g.ID)
}

// storeManifests attaches manifests and applies the transition in one unit of
// work, provided the generation is still GENERATING and holds no manifests
func (r *Reconciler) storeManifests(ctx context.Context, generationID string, manifests []*models.Manifest,
	status models.GenerationStatus, result models.GenerationResult, reason string) error {
	g, err := r.store.UpdateGeneration(ctx, generationID, func(g *models.Generation) error {
		if g.Status != models.GenerationStatusGenerating || g.ManifestCount > 0 {
			return errSkip
		}
		for _, m := range manifests {
			if err := g.AddManifest(m); err != nil {
				return err
			}
		}
		return g.Transition(status, result, reason, changedBy)
	})
	if errors.Is(err, errSkip) {
		log.Debug().Str("generation", generationID).Msg("Generation changed concurrently, manifests not stored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to store manifests of generation %s: %w", generationID, err)
	}

	monitoring.ManifestsStored.WithLabelValues(r.Name()).Add(float64(len(manifests)))
	r.published(g)
	return nil
}

// postProcess runs the post-processor over stored manifests and finishes the generation
func (r *Reconciler) postProcess(ctx context.Context, generationID string) error {
	g, err := r.store.GetGeneration(ctx, generationID)
	if err != nil {
		return err
	}
	if g.Status != models.GenerationStatusGenerating {
		return nil
	}

	manifests, err := r.store.ListManifests(ctx, g.ID)
	if err != nil {
		return err
	}

	if r.post != nil {
		if err := r.post.Process(ctx, g, manifests); err != nil {
			log.Error().Err(err).Str("generation", g.ID).Msg("Post-processing failed")
			return r.transition(ctx, g.ID, models.GenerationStatusFailed, models.ResultErrPost,
				fmt.Sprintf("post-processing failed: %v", err), models.GenerationStatusGenerating)
		}
	}
	return r.transition(ctx, g.ID, models.GenerationStatusFinished, models.ResultSuccess,
		fmt.Sprintf("%d manifests generated", len(manifests)), models.GenerationStatusGenerating)
}

// transition moves a generation whose status is one of expect. Other
// generations are left alone.
func (r *Reconciler) transition(ctx context.Context, generationID string, status models.GenerationStatus,
	result models.GenerationResult, reason string, expect ...models.GenerationStatus) error {
	g, err := r.store.UpdateGeneration(ctx, generationID, func(g *models.Generation) error {
		if !statusIn(g.Status, expect) {
			return errSkip
		}
		return g.Transition(status, result, reason, changedBy)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to move generation %s to %s: %w", generationID, status, err)
	}

	r.published(g)
	return nil
}

func (r *Reconciler) published(g *models.Generation) {
	monitoring.ControllerTransitions.WithLabelValues(r.Name(), string(g.Status), string(g.Result)).Inc()
	log.Info().
		Str("generation", g.ID).
		Str("generator", r.Name()).
		Str("status", string(g.Status)).
		Str("result", string(g.Result)).
		Str("reason", g.Reason).
		Msg("Generation updated")
	r.bus.Publish(notify.GenerationStateChanged{GenerationID: g.ID, Status: g.Status, Result: g.Result})
}

// recoverInto turns a panic into a FAILED/ERR_SYSTEM generation
func (r *Reconciler) recoverInto(ctx context.Context, generationID string, err *error) {
	p := recover()
	if p == nil {
		return
	}
	log.Error().Str("generation", generationID).Interface("panic", p).Str("stack", string(debug.Stack())).Msg("Reconciler panicked")
	*err = fmt.Errorf("reconciler panicked: %v", p)
	if terr := r.transition(ctx, generationID, models.GenerationStatusFailed, models.ResultErrSystem,
		fmt.Sprintf("internal error: %v", p), models.GenerationStatusScheduled, models.GenerationStatusGenerating); terr != nil {
		log.Error().Err(terr).Str("generation", generationID).Msg("Failed to record panic")
	}
}

// Cancel moves a non-terminal generation to CANCELLED. Reconciliation of a
// cancelled generation stops; its backend jobs keep running unless
// AbortOnCancel is set.
func (r *Reconciler) Cancel(ctx context.Context, generationID, reason string) (*models.Generation, error) {
	g, err := cancelGeneration(ctx, r.store, generationID, reason)
	if err != nil {
		return nil, err
	}
	r.published(g)

	if r.cfg.AbortOnCancel {
		if err := r.backend.Cancel(ctx, g.ID); err != nil {
			log.Error().Err(err).Str("generation", g.ID).Msg("Failed to abort jobs of cancelled generation")
		}
	}
	return g, nil
}

// cancelGeneration moves a non-final generation to CANCELLED
func cancelGeneration(ctx context.Context, store repository.Store, generationID, reason string) (*models.Generation, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return store.UpdateGeneration(ctx, generationID, func(g *models.Generation) error {
		if g.Status.IsFinal() {
			return errors.NewValidationError("status", fmt.Sprintf("generation %s is already %s", g.ID, g.Status))
		}
		return g.Transition(models.GenerationStatusCancelled, models.ResultNone, reason, "api")
	})
}

// ReconcileAll queues reconciliation of every GENERATING generation of this
// generator and resubmits SCHEDULED ones whose notification was lost
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	for _, status := range []models.GenerationStatus{models.GenerationStatusScheduled, models.GenerationStatusGenerating} {
		filter := repository.GenerationFilter{Status: status, Generator: r.Name()}
		if r.cfg.Deployment != "" {
			filter.MetadataKey = models.MetadataDeployment
			filter.MetadataValue = r.cfg.Deployment
		}
		gens, err := r.store.ListGenerations(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list %s generations: %w", status, err)
		}

		for _, g := range gens {
			if status == models.GenerationStatusScheduled {
				r.Enqueue(g.ID)
				continue
			}
			id := g.ID
			err := r.pool.Submit("reconcile/"+id, func(ctx context.Context) error {
				return r.Reconcile(ctx, id)
			})
			if err != nil && !errors.Is(err, workerpool.ErrInProgress) {
				log.Error().Err(err).Str("generation", id).Msg("Failed to enqueue reconciliation")
			}
		}
	}
	return nil
}

// Start reconciles periodically until ctx is done
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileAll(ctx); err != nil {
				log.Error().Err(err).Str("generator", r.Name()).Msg("Reconciliation sweep failed")
			}
		}
	}
}

func statusIn(status models.GenerationStatus, expect []models.GenerationStatus) bool {
	if len(expect) == 0 {
		return !status.IsFinal()
	}
	for _, s := range expect {
		if s == status {
			return true
		}
	}
	return false
}
