package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Manifest is an immutable generated SBOM document owned by a generation
type Manifest struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created"`
	GenerationID string            `json:"generationId"`
	BOM          json.RawMessage   `json:"bom"`
	Metadata     map[string]string `json:"metadata"`
}

// BOMDocument is the subset of a CycloneDX document the orchestrator reads
type BOMDocument struct {
	BOMFormat    string `json:"bomFormat"`
	SpecVersion  string `json:"specVersion"`
	SerialNumber string `json:"serialNumber"`
	Metadata     struct {
		Component struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Purl    string `json:"purl"`
		} `json:"component"`
	} `json:"metadata"`
}

// ParseManifest parses a generated document into a new manifest
func ParseManifest(data []byte, source string) (*Manifest, error) {
	var doc BOMDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	if doc.BOMFormat != "CycloneDX" {
		return nil, fmt.Errorf("failed to parse %s: unsupported bomFormat %q", source, doc.BOMFormat)
	}
	if doc.SpecVersion == "" {
		return nil, fmt.Errorf("failed to parse %s: missing specVersion", source)
	}

	meta := map[string]string{
		"source":       source,
		"specVersion":  doc.SpecVersion,
		"serialNumber": doc.SerialNumber,
	}
	if c := doc.Metadata.Component; c.Name != "" {
		meta["component"] = c.Name
		if c.Version != "" {
			meta["componentVersion"] = c.Version
		}
		if c.Purl != "" {
			meta["purl"] = c.Purl
		}
	}

	return &Manifest{
		ID:        NewID(),
		CreatedAt: Now(),
		BOM:       json.RawMessage(data),
		Metadata:  meta,
	}, nil
}
