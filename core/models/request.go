package models

// TargetType identifies what a generation produces a manifest for
type TargetType string

const (
	TargetContainerImage TargetType = "CONTAINER_IMAGE"
	TargetBuild          TargetType = "BUILD"
)

// ManifestKind distinguishes manifests of built artifacts from release manifests
type ManifestKind string

const (
	KindBuild   ManifestKind = "build"
	KindRelease ManifestKind = "release"
)

// Target is the subject of a generation
type Target struct {
	Type       TargetType `json:"type" yaml:"type"`
	Identifier string     `json:"identifier" yaml:"identifier"`
}

// ResourceList maps resource names (cpu, memory) to quantities
type ResourceList map[string]string

// Resources specifies requests and limits for a generation job
type Resources struct {
	Requests ResourceList `json:"requests,omitempty" yaml:"requests,omitempty"`
	Limits   ResourceList `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// IsZero reports whether no requests or limits are set
func (r Resources) IsZero() bool {
	return len(r.Requests) == 0 && len(r.Limits) == 0
}

// GeneratorOverride optionally pins parts of the generator for one request
type GeneratorOverride struct {
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Version   string            `json:"version,omitempty" yaml:"version,omitempty"`
	Options   map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	Resources *Resources        `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// GenerationRequestSpec is an abstract request: a target plus an optional generator override
type GenerationRequestSpec struct {
	Target    Target             `json:"target" yaml:"target"`
	Kind      ManifestKind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Generator *GeneratorOverride `json:"generator,omitempty" yaml:"generator,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// GeneratorConfig is a fully specified generator
type GeneratorConfig struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Image     string            `json:"image"`
	Command   []string          `json:"command,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Resources Resources         `json:"resources"`
	Timeout   string            `json:"timeout,omitempty"`
}

// GenerationRequest is the effective request a generation runs with
type GenerationRequest struct {
	Target    Target          `json:"target"`
	Kind      ManifestKind    `json:"kind"`
	Generator GeneratorConfig `json:"generator"`
}
