package advisory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/providers/httpclient"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/advisories/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch mux.Vars(r)["id"] {
		case "1234":
			_, _ = w.Write([]byte(`{"id": 1234, "advisory_name": "RHBA-2024:1234", "status": "SHIPPED_LIVE", "text_only": false}`))
		case "77":
			_, _ = w.Write([]byte(`{"id": 77, "advisory_name": "RHSA-2024:0077", "status": "QE", "text_only": true,
				"content": {"notes": "{\"manifest\":{\"images\":[\"quay.io/org/a:1\"]}}"}}`))
		default:
			http.NotFound(w, r)
		}
	})
	r.HandleFunc("/api/v1/advisories/{id}/builds", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] != "1234" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"builds": [{"id": 11, "nvr": "a-1-1"}, {"id": 12, "nvr": "b-1-1"}]}`))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(httpclient.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestGetAdvisory(t *testing.T) {
	c := newTestClient(t)

	adv, err := c.GetAdvisory(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, &models.Advisory{
		ID:     "1234",
		Name:   "RHBA-2024:1234",
		Status: models.AdvisoryStatusShippedLive,
	}, adv)
}

func TestGetTextOnlyAdvisory(t *testing.T) {
	c := newTestClient(t)

	adv, err := c.GetAdvisory(context.Background(), "77")
	require.NoError(t, err)
	assert.True(t, adv.TextOnly)
	assert.JSONEq(t, `{"manifest":{"images":["quay.io/org/a:1"]}}`, adv.Notes)
}

func TestGetAdvisoryNotFound(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetAdvisory(context.Background(), "999")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), `advisory "999"`)
}

func TestGetBuilds(t *testing.T) {
	c := newTestClient(t)

	builds, err := c.GetBuilds(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "12"}, builds)

	_, err = c.GetBuilds(context.Background(), "5")
	assert.True(t, errors.IsNotFound(err))
}
