package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/leader"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/monitoring"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
)

// Deployment identifies the execution environment a scheduler feeds
type Deployment struct {
	Release string
	Target  string
	Type    string
	Zone    string
}

// Key is stamped on claimed generations and scopes the in-progress count
func (d Deployment) Key() string {
	return strings.Join([]string{d.Release, d.Target, d.Type, d.Zone}, "/")
}

// Config holds scheduler tuning
type Config struct {
	Deployment    Deployment
	MaxConcurrent int
	BatchSize     int
	Interval      time.Duration
}

// Scheduler periodically claims NEW generations while this process is leader
type Scheduler struct {
	store    repository.Store
	elector  leader.Elector
	bus      *notify.Bus
	cfg      Config
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(store repository.Store, elector leader.Elector, bus *notify.Bus, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 20
	}
	return &Scheduler{
		store:    store,
		elector:  elector,
		bus:      bus,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start runs scheduling cycles until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Str("deployment", s.cfg.Deployment.Key()).Dur("interval", s.cfg.Interval).Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.SchedulerCycles.WithLabelValues("error").Inc()
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Scheduler cycle panicked")
		}
	}()

	if !s.elector.IsLeader() {
		monitoring.SchedulerCycles.WithLabelValues("standby").Inc()
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Str("deployment", s.cfg.Deployment.Key()).Msg("Scheduler cycle failed")
	}
}

// RunOnce claims as many NEW generations as capacity allows and returns them.
// Notifications are published only after the claim committed.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*models.Generation, error) {
	key := s.cfg.Deployment.Key()

	inProgress, err := s.store.CountGenerations(ctx, repository.GenerationFilter{
		Status:        models.GenerationStatusGenerating,
		MetadataKey:   models.MetadataDeployment,
		MetadataValue: key,
	})
	if err != nil {
		monitoring.SchedulerCycles.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to count generations in progress: %w", err)
	}
	monitoring.GenerationsInProgress.Set(float64(inProgress))

	if inProgress >= s.cfg.MaxConcurrent {
		monitoring.SchedulerCycles.WithLabelValues("skipped").Inc()
		log.Debug().Str("deployment", key).Int("in_progress", inProgress).Msg("At capacity, skipping cycle")
		return nil, nil
	}

	limit := s.cfg.MaxConcurrent - inProgress
	if s.cfg.BatchSize < limit {
		limit = s.cfg.BatchSize
	}

	reason := fmt.Sprintf("scheduled on %s", key)
	claimed, err := s.store.ClaimGenerations(ctx, limit, func(g *models.Generation) error {
		g.SetMetadata(models.MetadataDeployment, key)
		return g.Transition(models.GenerationStatusScheduled, models.ResultNone, reason, "scheduler")
	})
	if err != nil {
		monitoring.SchedulerCycles.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to claim generations: %w", err)
	}

	if len(claimed) == 0 {
		monitoring.SchedulerCycles.WithLabelValues("idle").Inc()
		return nil, nil
	}
	monitoring.SchedulerCycles.WithLabelValues("claimed").Inc()
	monitoring.SchedulerClaimed.Add(float64(len(claimed)))

	for _, g := range claimed {
		log.Info().Str("generation", g.ID).Str("generator", g.Request.Generator.Name).Str("deployment", key).Msg("Generation scheduled")
		s.bus.Publish(notify.GenerationScheduled{GenerationID: g.ID, Generator: g.Request.Generator.Name})
	}
	return claimed, nil
}
