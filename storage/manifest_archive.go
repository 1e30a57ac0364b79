package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/models"
)

// ContentTypeCycloneDX is the media type archived manifests are stored with
const ContentTypeCycloneDX = "application/vnd.cyclonedx+json"

// ObjectWriter stores objects in a bucket
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
}

// ManifestArchive copies stored manifests to object storage once a
// generation has produced them
type ManifestArchive struct {
	writer ObjectWriter
	prefix string
}

// NewManifestArchive creates a new manifest archive
func NewManifestArchive(writer ObjectWriter, prefix string) *ManifestArchive {
	return &ManifestArchive{
		writer: writer,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Key returns the object key of a manifest:
// <prefix>/<kind>/<generation id>/<manifest id>.json
func (a *ManifestArchive) Key(g *models.Generation, m *models.Manifest) string {
	kind := string(g.Request.Kind)
	if kind == "" {
		kind = string(models.KindBuild)
	}
	return path.Join(a.prefix, kind, g.ID, m.ID+".json")
}

// Process uploads every manifest of the generation. Uploads are idempotent
// so a retried generation overwrites its own objects.
func (a *ManifestArchive) Process(ctx context.Context, g *models.Generation, manifests []*models.Manifest) error {
	for _, m := range manifests {
		key := a.Key(g, m)
		if err := a.writer.PutObject(ctx, key, m.BOM, ContentTypeCycloneDX, objectMetadata(g, m)); err != nil {
			return fmt.Errorf("failed to archive manifest %s: %w", m.ID, err)
		}
	}

	log.Info().
		Str("generation", g.ID).
		Str("generator", g.Request.Generator.Name).
		Int("manifests", len(manifests)).
		Msg("Archived manifests")
	return nil
}

func objectMetadata(g *models.Generation, m *models.Manifest) map[string]string {
	meta := map[string]string{
		"generation": g.ID,
		"generator":  g.Request.Generator.Name + "@" + g.Request.Generator.Version,
		"target":     g.Request.Target.Identifier,
	}
	if v := g.Metadata[models.MetadataAdvisoryID]; v != "" {
		meta["advisory"] = v
	}
	if v := m.Metadata["component"]; v != "" {
		meta["component"] = v
	}
	return meta
}
