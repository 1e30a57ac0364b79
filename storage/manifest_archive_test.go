package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/core/models"
)

type object struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

type fakeBucket struct {
	objects map[string]object
	failOn  string
}

func (b *fakeBucket) PutObject(_ context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if key == b.failOn {
		return fmt.Errorf("access denied")
	}
	if b.objects == nil {
		b.objects = map[string]object{}
	}
	b.objects[key] = object{body: body, contentType: contentType, metadata: metadata}
	return nil
}

func testGeneration() *models.Generation {
	g := models.NewGeneration(models.GenerationRequest{
		Target:    models.Target{Type: models.TargetContainerImage, Identifier: "quay.io/org/app:1"},
		Kind:      models.KindRelease,
		Generator: models.GeneratorConfig{Name: "syft", Version: "1.18.1"},
	}, map[string]string{models.MetadataAdvisoryID: "1234"}, "test")
	return g
}

func testManifest(component string) *models.Manifest {
	return &models.Manifest{
		ID:       models.NewID(),
		BOM:      json.RawMessage(`{"bomFormat":"CycloneDX","specVersion":"1.5"}`),
		Metadata: map[string]string{"component": component},
	}
}

func TestProcessUploadsEveryManifest(t *testing.T) {
	bucket := &fakeBucket{}
	archive := NewManifestArchive(bucket, "/sbom/")
	g := testGeneration()
	manifests := []*models.Manifest{testManifest("app"), testManifest("base")}

	require.NoError(t, archive.Process(context.Background(), g, manifests))
	require.Len(t, bucket.objects, 2)

	key := "sbom/release/" + g.ID + "/" + manifests[0].ID + ".json"
	obj, ok := bucket.objects[key]
	require.True(t, ok, "missing %s", key)
	assert.Equal(t, ContentTypeCycloneDX, obj.contentType)
	assert.JSONEq(t, string(manifests[0].BOM), string(obj.body))
	assert.Equal(t, map[string]string{
		"generation": g.ID,
		"generator":  "syft@1.18.1",
		"target":     "quay.io/org/app:1",
		"advisory":   "1234",
		"component":  "app",
	}, obj.metadata)
}

func TestKeyDefaultsToBuildKind(t *testing.T) {
	archive := NewManifestArchive(&fakeBucket{}, "")
	g := testGeneration()
	g.Request.Kind = ""
	m := testManifest("app")

	assert.Equal(t, "build/"+g.ID+"/"+m.ID+".json", archive.Key(g, m))
}

func TestProcessStopsOnUploadFailure(t *testing.T) {
	g := testGeneration()
	manifests := []*models.Manifest{testManifest("app"), testManifest("base")}
	archive := NewManifestArchive(nil, "sbom")
	bucket := &fakeBucket{failOn: archive.Key(g, manifests[0])}
	archive.writer = bucket

	err := archive.Process(context.Background(), g, manifests)
	require.Error(t, err)
	assert.Contains(t, err.Error(), manifests[0].ID)
	assert.Empty(t, bucket.objects)
}
