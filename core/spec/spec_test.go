package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

func TestParseEventRequestYAML(t *testing.T) {
	req, err := ParseEventRequest([]byte(`
requests:
  - target:
      type: CONTAINER_IMAGE
      identifier: quay.io/org/app@sha256:abc
  - target:
      type: BUILD
      identifier: "1234"
    generator:
      version: ^2.9
resolver:
  type: advisory
  identifier: "42"
`))
	require.NoError(t, err)
	require.Len(t, req.Requests, 2)
	assert.Equal(t, models.TargetBuild, req.Requests[1].Target.Type)
	assert.Equal(t, "^2.9", req.Requests[1].Generator.Version)
	require.NotNil(t, req.Resolver)
	assert.Equal(t, "advisory", req.Resolver.Type)
}

func TestParseEventRequestJSON(t *testing.T) {
	req, err := ParseEventRequest([]byte(`{"requests":[{"target":{"type":"CONTAINER_IMAGE","identifier":"img"}}]}`))
	require.NoError(t, err)
	require.Len(t, req.Requests, 1)

	data, err := req.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"requests":[{"target":{"type":"CONTAINER_IMAGE","identifier":"img"}}]}`, string(data))
}

func TestParseEventRequestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"nothing requested", `{}`},
		{"unknown field", `{"targets":[]}`},
		{"bad target type", `{"requests":[{"target":{"type":"VM","identifier":"x"}}]}`},
		{"missing identifier", `{"requests":[{"target":{"type":"BUILD"}}]}`},
		{"bad kind", `{"requests":[{"target":{"type":"BUILD","identifier":"1"},"kind":"nightly"}]}`},
		{"resolver without identifier", `{"resolver":{"type":"advisory"}}`},
		{"malformed", `{"requests": [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEventRequest([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestProviderDefaults(t *testing.T) {
	p := DefaultProvider()
	assert.Equal(t, []string{"cyclonedx-maven", "syft"}, p.Generators())

	req, err := p.Resolve(models.GenerationRequestSpec{
		Target: models.Target{Type: models.TargetContainerImage, Identifier: "img"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindBuild, req.Kind)
	assert.Equal(t, "syft", req.Generator.Name)
	assert.Equal(t, "1.18.1", req.Generator.Version)
	assert.Equal(t, "docker.io/anchore/syft:v1.18.1", req.Generator.Image)
	assert.Equal(t, "6h", req.Generator.Timeout)
	assert.Equal(t, "squashed", req.Generator.Options["scope"])
	assert.Equal(t, "1Gi", req.Generator.Resources.Requests["memory"])
}

func TestProviderOverrides(t *testing.T) {
	p := DefaultProvider()

	req, err := p.Resolve(models.GenerationRequestSpec{
		Target: models.Target{Type: models.TargetContainerImage, Identifier: "img"},
		Kind:   models.KindRelease,
		Generator: &models.GeneratorOverride{
			Version:   "~1.14",
			Options:   map[string]string{"scope": "all-layers", "extra": "1"},
			Resources: &models.Resources{Limits: models.ResourceList{"memory": "16Gi"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindRelease, req.Kind)
	assert.Equal(t, "1.14.2", req.Generator.Version)
	assert.Equal(t, map[string]string{"scope": "all-layers", "extra": "1"}, req.Generator.Options)
	assert.Equal(t, "16Gi", req.Generator.Resources.Limits["memory"])
	assert.Empty(t, req.Generator.Resources.Requests)

	req, err = p.Resolve(models.GenerationRequestSpec{
		Target: models.Target{Type: models.TargetBuild, Identifier: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cyclonedx-maven", req.Generator.Name)
	assert.Equal(t, "2h", req.Generator.Timeout)
	assert.Equal(t, "2Gi", req.Generator.Resources.Requests["memory"])
}

func TestProviderRejects(t *testing.T) {
	p := DefaultProvider()
	image := models.Target{Type: models.TargetContainerImage, Identifier: "img"}

	tests := []struct {
		name string
		spec models.GenerationRequestSpec
	}{
		{"unknown generator", models.GenerationRequestSpec{Target: image, Generator: &models.GeneratorOverride{Name: "trivy"}}},
		{"unsupported target", models.GenerationRequestSpec{Target: image, Generator: &models.GeneratorOverride{Name: "cyclonedx-maven"}}},
		{"unconfigured version", models.GenerationRequestSpec{Target: image, Generator: &models.GeneratorOverride{Version: "9.9.9"}}},
		{"unsatisfiable constraint", models.GenerationRequestSpec{Target: image, Generator: &models.GeneratorOverride{Version: ">=2"}}},
		{"missing identifier", models.GenerationRequestSpec{Target: models.Target{Type: models.TargetBuild}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Resolve(tt.spec)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestParseCatalogueRejects(t *testing.T) {
	_, err := ParseCatalogue([]byte(`
generators:
  syft:
    versions:
      latest:
        image: syft
`))
	require.Error(t, err)

	_, err = ParseCatalogue([]byte(`
targets:
  BUILD: missing
generators: {}
`))
	require.Error(t, err)

	_, err = ParseCatalogue([]byte(`
generators:
  syft:
    versions:
      1.0.0:
        image: syft
        timeout: soon
`))
	require.Error(t, err)
}
