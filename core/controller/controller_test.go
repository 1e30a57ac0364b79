package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/executor"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
	"sbom-orchestrator/core/repository/memstore"
	"sbom-orchestrator/core/repository/storetest"
	"sbom-orchestrator/core/workerpool"
)

type fakeBackend struct {
	mu        sync.Mutex
	specs     []executor.JobSpec
	jobs      map[string][]executor.Job
	submitErr error
	cancelled []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{jobs: map[string][]executor.Job{}}
}

func (f *fakeBackend) Submit(_ context.Context, spec executor.JobSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.specs = append(f.specs, spec)
	f.jobs[spec.GenerationID] = []executor.Job{{Name: spec.Name, Phase: spec.Phase, Condition: executor.ConditionUnknown}}
	return nil
}

func (f *fakeBackend) List(_ context.Context, generationID string) ([]executor.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Job(nil), f.jobs[generationID]...), nil
}

func (f *fakeBackend) Cancel(_ context.Context, generationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, generationID)
	return nil
}

func (f *fakeBackend) finish(generationID string, condition executor.Condition, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.jobs[generationID] {
		f.jobs[generationID][i].Condition = condition
		f.jobs[generationID][i].Reason = reason
	}
}

type recordingPost struct {
	err       error
	processed []*models.Manifest
}

func (p *recordingPost) Process(_ context.Context, _ *models.Generation, manifests []*models.Manifest) error {
	p.processed = manifests
	return p.err
}

type fixture struct {
	store   *memstore.Store
	backend *fakeBackend
	bus     *notify.Bus
	pool    *workerpool.Pool
	root    string
	changes []notify.GenerationStateChanged
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:   memstore.New(),
		backend: newFakeBackend(),
		bus:     notify.NewBus(),
		pool:    workerpool.New(workerpool.Options{WorkerCount: 2}),
		root:    t.TempDir(),
	}
	f.bus.Subscribe(notify.TypeGenerationStateChanged, func(n notify.Notification) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.changes = append(f.changes, n.(notify.GenerationStateChanged))
	})
	return f
}

func (f *fixture) reconciler(t *testing.T, post PostProcessor, cfg Config) *Reconciler {
	h, err := NewHarvester(f.root, "")
	require.NoError(t, err)
	cfg.WorkspaceClaim = "sbom-workspace"
	return NewReconciler(Syft{}, f.store, f.backend, f.bus, f.pool, h, post, cfg)
}

// scheduled seeds one SCHEDULED syft generation
func (f *fixture) scheduled(t *testing.T, mutate func(g *models.Generation)) *models.Generation {
	g := storetest.Seed(t, f.store, GeneratorSyft, 1)[0]
	updated, err := f.store.UpdateGeneration(context.Background(), g.ID, func(g *models.Generation) error {
		if mutate != nil {
			mutate(g)
		}
		return g.Transition(models.GenerationStatusScheduled, "", "scheduled", "test")
	})
	require.NoError(t, err)
	return updated
}

func (f *fixture) generating(t *testing.T, r *Reconciler) *models.Generation {
	g := f.scheduled(t, nil)
	require.NoError(t, r.Submit(context.Background(), g.ID))
	return f.get(t, g.ID)
}

func (f *fixture) get(t *testing.T, id string) *models.Generation {
	g, err := f.store.GetGeneration(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (f *fixture) writeBOMs(t *testing.T, generationID string, names ...string) {
	for i, name := range names {
		p := filepath.Join(f.root, generationID, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		doc := fmt.Sprintf(`{"bomFormat":"CycloneDX","specVersion":"1.5","serialNumber":"urn:uuid:%d","metadata":{"component":{"name":"app","version":"1.0"}}}`, i)
		require.NoError(t, os.WriteFile(p, []byte(doc), 0o644))
	}
}

func (f *fixture) manifestCount(t *testing.T, id string) int {
	manifests, err := f.store.ListManifests(context.Background(), id)
	require.NoError(t, err)
	return len(manifests)
}

func TestSubmitMovesToGenerating(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{MountPath: "/workspace"})
	g := f.scheduled(t, nil)

	require.NoError(t, r.Submit(context.Background(), g.ID))

	loaded := f.get(t, g.ID)
	assert.Equal(t, models.GenerationStatusGenerating, loaded.Status)
	assert.Equal(t, models.ResultNone, loaded.Result)

	require.Len(t, f.backend.specs, 1)
	spec := f.backend.specs[0]
	assert.Equal(t, executor.JobName(g.ID, "generate"), spec.Name)
	assert.Equal(t, DefaultTimeout, spec.Timeout)
	assert.Equal(t, "example/syft:1.0.0", spec.Image)
	assert.Contains(t, spec.Args, "registry:quay.io/org/app:1")
	assert.Contains(t, spec.Args, "cyclonedx-json=/workspace/bom.json")
	require.NotNil(t, spec.Workspace)
	assert.Equal(t, g.ID, spec.Workspace.SubPath)

	require.Len(t, f.changes, 1)
	assert.Equal(t, models.GenerationStatusGenerating, f.changes[0].Status)

	// a second submission of the same generation is a no-op
	require.NoError(t, r.Submit(context.Background(), g.ID))
	assert.Len(t, f.backend.specs, 1)
}

func TestSubmitFailures(t *testing.T) {
	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t)
		r := f.reconciler(t, nil, Config{})
		g := f.scheduled(t, func(g *models.Generation) { g.Request.Generator.Timeout = "soon" })

		require.NoError(t, r.Submit(context.Background(), g.ID))
		loaded := f.get(t, g.ID)
		assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
		assert.Equal(t, models.ResultErrGeneral, loaded.Result)
		assert.Contains(t, loaded.Reason, "invalid timeout")
	})

	t.Run("backend unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.backend.submitErr = errors.NewClientError("kubernetes", "create job", 503, "", nil)
		r := f.reconciler(t, nil, Config{})
		g := f.scheduled(t, nil)

		require.NoError(t, r.Submit(context.Background(), g.ID))
		loaded := f.get(t, g.ID)
		assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
		assert.Equal(t, models.ResultErrSystem, loaded.Result)
	})
}

func TestReconcileHarvestsManifests(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{})
	g := f.generating(t, r)

	f.writeBOMs(t, g.ID, "bom.json", "layers/app-bom.json", "deps/nested/lib-bom.json")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, g.ID, "syft.log"), []byte("done"), 0o644))

	// jobs still running
	require.NoError(t, r.Reconcile(context.Background(), g.ID))
	assert.Equal(t, models.GenerationStatusGenerating, f.get(t, g.ID).Status)

	f.backend.finish(g.ID, executor.ConditionSucceeded, "")
	require.NoError(t, r.Reconcile(context.Background(), g.ID))

	loaded := f.get(t, g.ID)
	assert.Equal(t, models.GenerationStatusFinished, loaded.Status)
	assert.Equal(t, models.ResultSuccess, loaded.Result)
	assert.Equal(t, 3, loaded.ManifestCount)
	assert.Equal(t, 3, f.manifestCount(t, g.ID))

	require.NoError(t, r.Reconcile(context.Background(), g.ID))
	require.NoError(t, r.Reconcile(context.Background(), g.ID))
	assert.Equal(t, 3, f.manifestCount(t, g.ID))

	statuses := []string{}
	for _, h := range loaded.History {
		statuses = append(statuses, h.Status)
	}
	assert.Equal(t, []string{"NEW", "SCHEDULED", "GENERATING", "FINISHED"}, statuses)
}

func TestReconcileWithoutArtifactsFails(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{})
	g := f.generating(t, r)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, g.ID), 0o755))

	f.backend.finish(g.ID, executor.ConditionSucceeded, "")
	require.NoError(t, r.Reconcile(context.Background(), g.ID))

	loaded := f.get(t, g.ID)
	assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
	assert.Equal(t, models.ResultErrSystem, loaded.Result)
	assert.Zero(t, f.manifestCount(t, g.ID))
}

func TestReconcileUnparseableArtifactFails(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{})
	g := f.generating(t, r)
	f.writeBOMs(t, g.ID, "bom.json")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, g.ID, "broken-bom.json"), []byte("{"), 0o644))

	f.backend.finish(g.ID, executor.ConditionSucceeded, "")
	require.NoError(t, r.Reconcile(context.Background(), g.ID))

	loaded := f.get(t, g.ID)
	assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
	assert.Equal(t, models.ResultErrSystem, loaded.Result)
	assert.Zero(t, f.manifestCount(t, g.ID))
}

func TestReconcileFailedJob(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{})
	g := f.generating(t, r)

	f.backend.finish(g.ID, executor.ConditionFailed, "BackoffLimitExceeded")
	require.NoError(t, r.Reconcile(context.Background(), g.ID))

	loaded := f.get(t, g.ID)
	assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
	assert.Equal(t, models.ResultErrGeneral, loaded.Result)
	assert.Contains(t, loaded.Reason, "BackoffLimitExceeded")
}

func TestReconcileWithPostProcessor(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		post := &recordingPost{}
		r := f.reconciler(t, post, Config{})
		g := f.generating(t, r)
		f.writeBOMs(t, g.ID, "a-bom.json", "b-bom.json")

		f.backend.finish(g.ID, executor.ConditionSucceeded, "")
		require.NoError(t, r.Reconcile(context.Background(), g.ID))

		loaded := f.get(t, g.ID)
		assert.Equal(t, models.GenerationStatusFinished, loaded.Status)
		assert.Equal(t, models.ResultSuccess, loaded.Result)
		assert.Len(t, post.processed, 2)

		statuses := []string{}
		for _, h := range loaded.History {
			statuses = append(statuses, h.Status)
		}
		assert.Equal(t, []string{"NEW", "SCHEDULED", "GENERATING", "GENERATING", "FINISHED"}, statuses)
	})

	t.Run("failure keeps manifests", func(t *testing.T) {
		f := newFixture(t)
		r := f.reconciler(t, &recordingPost{err: fmt.Errorf("upload failed")}, Config{})
		g := f.generating(t, r)
		f.writeBOMs(t, g.ID, "bom.json")

		f.backend.finish(g.ID, executor.ConditionSucceeded, "")
		require.NoError(t, r.Reconcile(context.Background(), g.ID))

		loaded := f.get(t, g.ID)
		assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
		assert.Equal(t, models.ResultErrPost, loaded.Result)
		assert.Contains(t, loaded.Reason, "upload failed")
		assert.Equal(t, 1, f.manifestCount(t, g.ID))
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{AbortOnCancel: true})
	g := f.generating(t, r)

	cancelled, err := r.Cancel(context.Background(), g.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.GenerationStatusCancelled, cancelled.Status)
	assert.Equal(t, []string{g.ID}, f.backend.cancelled)

	f.writeBOMs(t, g.ID, "bom.json")
	f.backend.finish(g.ID, executor.ConditionSucceeded, "")
	require.NoError(t, r.Reconcile(context.Background(), g.ID))
	assert.Equal(t, models.GenerationStatusCancelled, f.get(t, g.ID).Status)
	assert.Zero(t, f.manifestCount(t, g.ID))

	_, err = r.Cancel(context.Background(), g.ID, "")
	assert.True(t, errors.IsValidation(err))
}

func TestRegistryRoutesScheduledGenerations(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{})
	reg := NewRegistry(f.store, f.bus, r)
	reg.Subscribe()
	assert.Equal(t, []string{GeneratorSyft}, reg.Generators())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.pool.Start(ctx)

	g := f.scheduled(t, nil)
	f.bus.Publish(notify.GenerationScheduled{GenerationID: g.ID, Generator: GeneratorSyft})
	require.Eventually(t, func() bool {
		return f.get(t, g.ID).Status == models.GenerationStatusGenerating
	}, 5*time.Second, 10*time.Millisecond)

	orphan := f.scheduled(t, nil)
	f.bus.Publish(notify.GenerationScheduled{GenerationID: orphan.ID, Generator: "trivy"})
	loaded := f.get(t, orphan.ID)
	assert.Equal(t, models.GenerationStatusFailed, loaded.Status)
	assert.Equal(t, models.ResultErrGeneral, loaded.Result)

	cancelled, err := reg.Cancel(context.Background(), g.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", cancelled.Reason)
}

func TestRegistryCancelsWithoutController(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry(f.store, f.bus)
	g := storetest.Seed(t, f.store, GeneratorSyft, 1)[0]

	cancelled, err := reg.Cancel(context.Background(), g.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.GenerationStatusCancelled, cancelled.Status)
	assert.Equal(t, models.ResultNone, cancelled.Result)
	assert.Equal(t, "cancelled", cancelled.Reason)
	assert.Empty(t, f.backend.cancelled)

	loaded := f.get(t, g.ID)
	assert.Equal(t, models.GenerationStatusCancelled, loaded.Status)
	assert.Equal(t, "api", loaded.History[len(loaded.History)-1].ChangedBy)
	require.Len(t, f.changes, 1)
	assert.Equal(t, models.GenerationStatusCancelled, f.changes[0].Status)

	_, err = reg.Cancel(context.Background(), g.ID, "")
	assert.True(t, errors.IsValidation(err))

	_, err = reg.Cancel(context.Background(), "missing", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestReconcileAllSweeps(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t, nil, Config{Deployment: "prod/a/k8s/z1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.pool.Start(ctx)

	mine := f.scheduled(t, func(g *models.Generation) { g.SetMetadata(models.MetadataDeployment, "prod/a/k8s/z1") })
	other := f.scheduled(t, func(g *models.Generation) { g.SetMetadata(models.MetadataDeployment, "prod/b/k8s/z1") })

	require.NoError(t, r.ReconcileAll(ctx))
	require.Eventually(t, func() bool {
		return f.get(t, mine.ID).Status == models.GenerationStatusGenerating
	}, 5*time.Second, 10*time.Millisecond)

	f.writeBOMs(t, mine.ID, "bom.json")
	f.backend.finish(mine.ID, executor.ConditionSucceeded, "")
	require.NoError(t, r.ReconcileAll(ctx))
	require.Eventually(t, func() bool {
		return f.get(t, mine.ID).Status == models.GenerationStatusFinished
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.GenerationStatusScheduled, f.get(t, other.ID).Status)

	count, err := f.store.CountGenerations(ctx, repository.GenerationFilter{Status: models.GenerationStatusFinished})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResultFor(t *testing.T) {
	assert.Equal(t, models.ResultErrGeneral, ResultFor(errors.NewValidationError("x", "bad")))
	assert.Equal(t, models.ResultErrSystem, ResultFor(errors.NewSystemError("read", "/tmp", fmt.Errorf("eof"))))
	assert.Equal(t, models.ResultErrSystem, ResultFor(errors.NewClientError("kubernetes", "create job", 500, "", nil)))
}
