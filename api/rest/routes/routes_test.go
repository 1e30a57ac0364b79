package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/api/rest/handlers"
	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/initializer"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository/memstore"
	"sbom-orchestrator/core/repository/storetest"
	"sbom-orchestrator/core/resolver"
	"sbom-orchestrator/core/spec"
	"sbom-orchestrator/core/workerpool"
)

const eventRequest = `
requests:
  - target:
      type: CONTAINER_IMAGE
      identifier: quay.io/org/app:1
`

type fakeCanceller struct {
	store  *memstore.Store
	reason string
}

func (f *fakeCanceller) Cancel(ctx context.Context, id, reason string) (*models.Generation, error) {
	f.reason = reason
	g, err := f.store.GetGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status.IsFinal() {
		return nil, errors.NewValidationError("status", "generation is "+string(g.Status))
	}
	return f.store.UpdateGeneration(ctx, id, func(g *models.Generation) error {
		return g.Transition(models.GenerationStatusCancelled, models.ResultNone, reason, "api")
	})
}

type fixture struct {
	store     *memstore.Store
	canceller *fakeCanceller
	router    *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	in := initializer.New(store, resolver.NewRegistry(), spec.DefaultProvider(), notify.NewBus(),
		workerpool.New(workerpool.Options{WorkerCount: 1}))

	f := &fixture{store: store, canceller: &fakeCanceller{store: store}, router: mux.NewRouter()}
	SetupRoutes(f.router, store, in, f.canceller)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestTriggerAndGetEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events?metadata=source=ci", eventRequest, handlers.HeaderChangedBy, "release-bot")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.Event](t, rec)
	assert.Equal(t, models.EventStatusInitializing, created.Status)
	assert.Equal(t, "ci", created.Metadata["source"])

	rec = f.do(t, http.MethodGet, "/v1/events/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.Event](t, rec)
	assert.Equal(t, created.ID, got.ID)
	require.NotEmpty(t, got.History)
	assert.Equal(t, "release-bot", got.History[len(got.History)-1].ChangedBy)
}

func TestTriggerRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events", "requests: [{target: {type: FLOPPY}}]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[handlers.ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/v1/events?metadata=novalue", eventRequest)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerWithFullQueueIsUnavailable(t *testing.T) {
	store := memstore.New()
	in := initializer.New(store, resolver.NewRegistry(), spec.DefaultProvider(), notify.NewBus(),
		workerpool.New(workerpool.Options{WorkerCount: 1, QueueSize: 1}))
	f := &fixture{store: store, canceller: &fakeCanceller{store: store}, router: mux.NewRouter()}
	SetupRoutes(f.router, store, in, f.canceller)

	rec := f.do(t, http.MethodPost, "/v1/events", eventRequest)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/events", eventRequest)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[handlers.ErrorResponse](t, rec).Error, "work queue is full")
}

func TestRetryRequiresFinalEvent(t *testing.T) {
	f := newFixture(t)

	created := decode[models.Event](t, f.do(t, http.MethodPost, "/v1/events", eventRequest))
	rec := f.do(t, http.MethodPost, "/v1/events/"+created.ID+"/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := f.store.UpdateEvent(context.Background(), created.ID, func(e *models.Event) error {
		return e.Transition(models.EventStatusFailed, "boom", "test")
	})
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/v1/events/"+created.ID+"/retry", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	retried := decode[models.Event](t, rec)
	assert.Equal(t, created.ID, retried.ParentID)
	assert.NotEqual(t, created.ID, retried.ID)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/v1/events/missing",
		"/v1/events/missing/generations",
		"/v1/generations/missing",
		"/v1/generations/missing/manifests",
		"/v1/manifests/missing",
	} {
		rec := f.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestGenerationsAndManifests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gens := storetest.Seed(t, f.store, "syft", 2)

	manifest, err := models.ParseManifest([]byte(`{"bomFormat":"CycloneDX","specVersion":"1.5"}`), "bom.json")
	require.NoError(t, err)
	_, err = f.store.UpdateGeneration(ctx, gens[0].ID, func(g *models.Generation) error {
		if err := g.Transition(models.GenerationStatusScheduled, models.ResultNone, "scheduled", "test"); err != nil {
			return err
		}
		if err := g.Transition(models.GenerationStatusGenerating, models.ResultNone, "generating", "test"); err != nil {
			return err
		}
		return g.AddManifest(manifest)
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/generations?status=NEW", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct{ Items []models.Generation }](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, gens[1].ID, list.Items[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/generations?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/generations/"+gens[0].ID+"/manifests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	manifests := decode[struct{ Items []models.Manifest }](t, rec)
	require.Len(t, manifests.Items, 1)
	assert.Equal(t, manifest.ID, manifests.Items[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/manifests/"+manifest.ID+"?raw=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bomFormat":"CycloneDX","specVersion":"1.5"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/dashboard/generations?generator=syft", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[handlers.GenerationStats](t, rec)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(models.GenerationStatusNew)])
	assert.Equal(t, 1, stats.ByStatus[string(models.GenerationStatusGenerating)])
}

func TestCancelGeneration(t *testing.T) {
	f := newFixture(t)
	gens := storetest.Seed(t, f.store, "syft", 1)

	rec := f.do(t, http.MethodPost, "/v1/generations/"+gens[0].ID+"/cancel", `{"reason":"superseded"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.GenerationStatusCancelled, decode[models.Generation](t, rec).Status)
	assert.Equal(t, "superseded", f.canceller.reason)

	rec = f.do(t, http.MethodPost, "/v1/generations/"+gens[0].ID+"/cancel", "", handlers.HeaderChangedBy, "ops")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cancelled by ops", f.canceller.reason)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
