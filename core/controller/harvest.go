package controller

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

// DefaultHarvestPattern matches manifests at the top of the workspace and below it
const DefaultHarvestPattern = "{*bom.json,**/*bom.json}"

// Harvester collects generated manifests from a generation's workspace
type Harvester struct {
	root    string
	pattern glob.Glob
}

// NewHarvester compiles pattern, matched against slash-separated paths relative to the workspace
func NewHarvester(root, pattern string) (*Harvester, error) {
	if pattern == "" {
		pattern = DefaultHarvestPattern
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	return &Harvester{root: root, pattern: g}, nil
}

// Dir is the workspace directory of a generation
func (h *Harvester) Dir(generationID string) string {
	return filepath.Join(h.root, generationID)
}

// Harvest parses every matching file into a manifest, ordered by path.
// A missing workspace, an unreadable or unparseable file, or no match at
// all is a SystemError.
func (h *Harvester) Harvest(generationID string) ([]*models.Manifest, error) {
	dir := h.Dir(generationID)

	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if h.pattern.Match(filepath.ToSlash(rel)) {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewSystemError("harvest", dir, err)
	}
	if len(files) == 0 {
		return nil, errors.NewSystemError("harvest", dir, errors.New("no manifests were generated"))
	}
	sort.Strings(files)

	manifests := make([]*models.Manifest, 0, len(files))
	for _, rel := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, errors.NewSystemError("read manifest", full, err)
		}
		m, err := models.ParseManifest(data, rel)
		if err != nil {
			return nil, errors.NewSystemError("parse manifest", full, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
