package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/monitoring"
	"sbom-orchestrator/core/repository"
)

// TypeAdvisory is the resolver type for advisory subjects
const TypeAdvisory = "advisory"

// AdvisoryClient reads advisories and their attached builds
type AdvisoryClient interface {
	GetAdvisory(ctx context.Context, id string) (*models.Advisory, error)
	GetBuilds(ctx context.Context, id string) ([]string, error)
}

// ImageResolver maps build ids to container image references. Builds
// without an image are absent from the result.
type ImageResolver interface {
	ResolveImages(ctx context.Context, buildIDs []string) (map[string]string, error)
}

// GenerationCounter counts stored generations
type GenerationCounter interface {
	CountGenerations(ctx context.Context, filter repository.GenerationFilter) (int, error)
}

// AdvisoryOptions tunes batched image lookups
type AdvisoryOptions struct {
	BatchSize       int
	Concurrency     int
	MaxAttempts     int
	CallTimeout     time.Duration
	InitialInterval time.Duration
}

func (o AdvisoryOptions) withDefaults() AdvisoryOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	return o
}

// AdvisoryResolver expands an advisory into one container image request per
// attached build, or per image listed in a text-only advisory's notes
type AdvisoryResolver struct {
	advisories AdvisoryClient
	images     ImageResolver
	history    GenerationCounter
	opts       AdvisoryOptions
}

// NewAdvisoryResolver creates a new advisory resolver
func NewAdvisoryResolver(advisories AdvisoryClient, images ImageResolver, history GenerationCounter, opts AdvisoryOptions) *AdvisoryResolver {
	return &AdvisoryResolver{
		advisories: advisories,
		images:     images,
		history:    history,
		opts:       opts.withDefaults(),
	}
}

func (r *AdvisoryResolver) Type() string { return TypeAdvisory }

// Resolve expands advisory id subject
func (r *AdvisoryResolver) Resolve(ctx context.Context, eventID, subject string) ([]models.GenerationRequestSpec, error) {
	logger := log.With().Str("event", eventID).Str("advisory", subject).Logger()

	adv, err := r.advisories.GetAdvisory(ctx, subject)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewValidationError("resolver.identifier", fmt.Sprintf("advisory %s not found", subject)).WithCause(err)
		}
		return nil, err
	}

	kind, err := r.kind(ctx, adv)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		models.MetadataAdvisoryID:   adv.ID,
		models.MetadataAdvisoryName: adv.Name,
	}

	if adv.TextOnly {
		images, err := textOnlyImages(adv)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("images", len(images)).Msg("Resolved text-only advisory")
		specs := make([]models.GenerationRequestSpec, 0, len(images))
		for _, image := range dedupe(images) {
			specs = append(specs, imageSpec(image, kind, metadata, ""))
		}
		return specs, nil
	}

	builds, err := r.advisories.GetBuilds(ctx, subject)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	if len(builds) == 0 {
		logger.Info().Msg("Advisory has no builds, nothing to generate")
		return []models.GenerationRequestSpec{}, nil
	}

	resolved, err := r.resolveBatches(ctx, builds)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	specs := make([]models.GenerationRequestSpec, 0, len(builds))
	for _, build := range builds {
		image, ok := resolved[build]
		if !ok || image == "" {
			logger.Warn().Str("build", build).Msg("Build has no container image, skipping")
			continue
		}
		if seen[image] {
			continue
		}
		seen[image] = true
		specs = append(specs, imageSpec(image, kind, metadata, build))
	}

	logger.Info().Int("builds", len(builds)).Int("images", len(specs)).Str("kind", string(kind)).Msg("Resolved advisory")
	return specs, nil
}

// kind is release for a shipped advisory that already has a successful generation
func (r *AdvisoryResolver) kind(ctx context.Context, adv *models.Advisory) (models.ManifestKind, error) {
	if adv.Status != models.AdvisoryStatusShippedLive {
		return models.KindBuild, nil
	}
	count, err := r.history.CountGenerations(ctx, repository.GenerationFilter{
		Status:        models.GenerationStatusFinished,
		Result:        models.ResultSuccess,
		MetadataKey:   models.MetadataAdvisoryID,
		MetadataValue: adv.ID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to count generations of advisory %s: %w", adv.ID, err)
	}
	if count > 0 {
		return models.KindRelease, nil
	}
	return models.KindBuild, nil
}

// resolveBatches looks up builds in batches with bounded parallelism. Any
// batch failing after its retries fails the whole resolution.
func (r *AdvisoryResolver) resolveBatches(ctx context.Context, builds []string) (map[string]string, error) {
	batches := partition(builds, r.opts.BatchSize)

	var mu sync.Mutex
	merged := make(map[string]string, len(builds))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Concurrency)
	for i, batch := range batches {
		eg.Go(func() error {
			images, err := r.resolveBatch(egctx, i, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for build, image := range images {
				merged[build] = image
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *AdvisoryResolver) resolveBatch(ctx context.Context, index int, batch []string) (map[string]string, error) {
	var images map[string]string
	attempt := 0

	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()

		result, err := r.images.ResolveImages(callCtx, batch)
		if err != nil {
			if !errors.IsRetryable(err) && callCtx.Err() == nil {
				monitoring.ResolverBatchAttempts.WithLabelValues(TypeAdvisory, "failed").Inc()
				return backoff.Permanent(err)
			}
			monitoring.ResolverBatchAttempts.WithLabelValues(TypeAdvisory, "retry").Inc()
			return err
		}
		monitoring.ResolverBatchAttempts.WithLabelValues(TypeAdvisory, "success").Inc()
		images = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.InitialInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("batch", index).Int("attempt", attempt).Dur("wait", wait).Msg("Image lookup failed, retrying")
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, fmt.Errorf("batch %d: image lookup failed after %d attempts: %w", index, attempt, err)
	}
	return images, nil
}

type textOnlyNotes struct {
	Manifest struct {
		Images []string `json:"images"`
	} `json:"manifest"`
}

// textOnlyImages reads the image list a text-only advisory carries in its notes
func textOnlyImages(adv *models.Advisory) ([]string, error) {
	var notes textOnlyNotes
	if err := json.Unmarshal([]byte(adv.Notes), &notes); err != nil {
		return nil, errors.NewValidationError("advisory.notes",
			fmt.Sprintf("text-only advisory %s has unparseable notes", adv.ID)).WithCause(err)
	}
	return notes.Manifest.Images, nil
}

func imageSpec(image string, kind models.ManifestKind, metadata map[string]string, build string) models.GenerationRequestSpec {
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if build != "" {
		meta[models.MetadataBuildID] = build
	}
	return models.GenerationRequestSpec{
		Target:   models.Target{Type: models.TargetContainerImage, Identifier: image},
		Kind:     kind,
		Metadata: meta,
	}
}

func partition(ids []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

func dedupe(values []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
