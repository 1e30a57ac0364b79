package initializer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/leader"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/monitoring"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
)

const sweepChangedBy = "initializer-sweep"

// SweepConfig tunes the recovery sweep
type SweepConfig struct {
	Interval time.Duration
	// Grace is how long an event must sit untouched before the sweep acts on it
	Grace     time.Duration
	BatchSize int
}

// SweepResult counts the events one sweep moved forward
type SweepResult struct {
	Started   int
	Requeued  int
	Finalized int
}

// Sweeper drives events whose initialize or finalize work was lost, for
// example to a full work queue or a restart. It runs while this process is leader.
type Sweeper struct {
	in       *Initializer
	elector  leader.Elector
	cfg      SweepConfig
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper over the initializer's store and pool
func NewSweeper(in *Initializer, elector leader.Elector, cfg SweepConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		in:       in,
		elector:  elector,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start runs sweeps until ctx is done or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Dur("grace", s.cfg.Grace).Msg("Event recovery sweep started")

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

// Stop stops the sweeper
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Sweeper) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Event recovery sweep panicked")
		}
	}()

	if !s.elector.IsLeader() {
		return
	}
	res, err := s.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Event recovery sweep failed")
	}
	if res.Started+res.Requeued+res.Finalized > 0 {
		log.Info().
			Int("started", res.Started).
			Int("requeued", res.Requeued).
			Int("finalized", res.Finalized).
			Msg("Recovered stalled events")
	}
}

// RunOnce moves stale NEW events to INITIALIZING, queues the initialization of
// stale INITIALIZING events and finalizes stale INITIALIZED events.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	cutoff := models.Now().Add(-s.cfg.Grace)

	stale, err := s.list(ctx, models.EventStatusNew, cutoff)
	errs = append(errs, err)
	for _, e := range stale {
		updated, err := s.in.store.UpdateEvent(ctx, e.ID, func(e *models.Event) error {
			if e.Status != models.EventStatusNew {
				return errSkip
			}
			return e.Transition(models.EventStatusInitializing, "initialization requested by recovery sweep", sweepChangedBy)
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to request initialization of event %s: %w", e.ID, err))
			continue
		}
		s.in.bus.Publish(notify.EventStatusChanged{EventID: updated.ID, Status: updated.Status})
		// a failed enqueue is retried by the next sweep as a stale INITIALIZING event
		if err := s.in.enqueueInitialize(updated.ID); err != nil {
			log.Warn().Err(err).Str("event", updated.ID).Msg("Failed to enqueue initialization")
			continue
		}
		monitoring.EventsRecovered.WithLabelValues("started").Inc()
		res.Started++
	}

	initializing, err := s.list(ctx, models.EventStatusInitializing, cutoff)
	errs = append(errs, err)
	for _, e := range initializing {
		if err := s.in.enqueueInitialize(e.ID); err != nil {
			log.Warn().Err(err).Str("event", e.ID).Msg("Failed to enqueue initialization")
			continue
		}
		monitoring.EventsRecovered.WithLabelValues("requeued").Inc()
		res.Requeued++
	}

	initialized, err := s.list(ctx, models.EventStatusInitialized, cutoff)
	errs = append(errs, err)
	for _, e := range initialized {
		done, err := s.in.finalize(ctx, e.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			monitoring.EventsRecovered.WithLabelValues("finalized").Inc()
			res.Finalized++
		}
	}

	return res, errors.Join(errs...)
}

func (s *Sweeper) list(ctx context.Context, status models.EventStatus, cutoff time.Time) ([]*models.Event, error) {
	events, err := s.in.store.ListEvents(ctx, repository.EventFilter{
		Status:        status,
		UpdatedBefore: cutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", status, err)
	}
	return events, nil
}
