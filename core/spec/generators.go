package spec

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

// DefaultTimeout applies when neither the generator version nor the catalogue sets one
const DefaultTimeout = 6 * time.Hour

// Catalogue lists the generators the orchestrator can run
type Catalogue struct {
	Defaults   CatalogueDefaults            `yaml:"defaults"`
	Targets    map[models.TargetType]string `yaml:"targets"`
	Generators map[string]GeneratorEntry    `yaml:"generators"`
}

// CatalogueDefaults apply to every generator
type CatalogueDefaults struct {
	Timeout   string           `yaml:"timeout"`
	Resources models.Resources `yaml:"resources"`
}

// GeneratorEntry describes one generator and its available versions
type GeneratorEntry struct {
	Targets  []models.TargetType     `yaml:"targets"`
	Command  []string                `yaml:"command"`
	Options  map[string]string       `yaml:"options"`
	Versions map[string]VersionEntry `yaml:"versions"`
}

// VersionEntry is one runnable version of a generator
type VersionEntry struct {
	Image     string            `yaml:"image"`
	Resources *models.Resources `yaml:"resources,omitempty"`
	Timeout   string            `yaml:"timeout,omitempty"`
}

const defaultCatalogue = `
defaults:
  timeout: 6h
  resources:
    requests:
      cpu: 500m
      memory: 1Gi
    limits:
      cpu: "2"
      memory: 4Gi
targets:
  CONTAINER_IMAGE: syft
  BUILD: cyclonedx-maven
generators:
  syft:
    targets: [CONTAINER_IMAGE]
    command: [syft]
    options:
      scope: squashed
    versions:
      1.14.2:
        image: docker.io/anchore/syft:v1.14.2
      1.18.1:
        image: docker.io/anchore/syft:v1.18.1
  cyclonedx-maven:
    targets: [BUILD]
    command: [mvn]
    options:
      includeTestScope: "false"
    versions:
      2.9.1:
        image: docker.io/library/maven:3.9-eclipse-temurin-21
        timeout: 2h
        resources:
          requests:
            cpu: "1"
            memory: 2Gi
          limits:
            cpu: "4"
            memory: 8Gi
`

// Provider turns abstract generation requests into effective ones
type Provider struct {
	catalogue Catalogue
	versions  map[string]semver.Collection
}

// DefaultProvider returns a provider over the built-in catalogue
func DefaultProvider() *Provider {
	p, err := ParseCatalogue([]byte(defaultCatalogue))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in generator catalogue: %v", err))
	}
	return p
}

// LoadProvider reads a catalogue file
func LoadProvider(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read generator catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue parses and validates a YAML catalogue
func ParseCatalogue(data []byte) (*Provider, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse generator catalogue: %w", err)
	}
	return NewProvider(cat)
}

// NewProvider validates a catalogue and indexes its versions
func NewProvider(cat Catalogue) (*Provider, error) {
	if err := validTimeout(cat.Defaults.Timeout); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	p := &Provider{catalogue: cat, versions: map[string]semver.Collection{}}
	for name, entry := range cat.Generators {
		if len(entry.Versions) == 0 {
			return nil, fmt.Errorf("generator %s: no versions configured", name)
		}
		var versions semver.Collection
		for raw, v := range entry.Versions {
			version, err := semver.NewVersion(raw)
			if err != nil {
				return nil, fmt.Errorf("generator %s: invalid version %q: %w", name, raw, err)
			}
			if v.Image == "" {
				return nil, fmt.Errorf("generator %s %s: image must be set", name, raw)
			}
			if err := validTimeout(v.Timeout); err != nil {
				return nil, fmt.Errorf("generator %s %s: %w", name, raw, err)
			}
			versions = append(versions, version)
		}
		sort.Sort(versions)
		p.versions[name] = versions
	}
	for target, name := range cat.Targets {
		if _, ok := cat.Generators[name]; !ok {
			return nil, fmt.Errorf("target %s: unknown default generator %s", target, name)
		}
	}
	return p, nil
}

// Generators returns the configured generator names
func (p *Provider) Generators() []string {
	names := make([]string, 0, len(p.catalogue.Generators))
	for name := range p.catalogue.Generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the effective request for spec. Requests that cannot be
// satisfied by the catalogue yield a ValidationError.
func (p *Provider) Resolve(spec models.GenerationRequestSpec) (models.GenerationRequest, error) {
	if err := ValidateRequestSpec(spec); err != nil {
		return models.GenerationRequest{}, errors.NewValidationError("request", err.Error())
	}

	override := spec.Generator
	if override == nil {
		override = &models.GeneratorOverride{}
	}

	name := override.Name
	if name == "" {
		name = p.catalogue.Targets[spec.Target.Type]
		if name == "" {
			return models.GenerationRequest{}, errors.Validationf("no default generator for target type %s", spec.Target.Type)
		}
	}
	entry, ok := p.catalogue.Generators[name]
	if !ok {
		return models.GenerationRequest{}, errors.NewValidationError("generator.name", fmt.Sprintf("unknown generator %q", name))
	}
	if !supports(entry, spec.Target.Type) {
		return models.GenerationRequest{}, errors.NewValidationError("generator.name",
			fmt.Sprintf("generator %s does not support target type %s", name, spec.Target.Type))
	}

	version, err := p.selectVersion(name, override.Version)
	if err != nil {
		return models.GenerationRequest{}, err
	}
	versionEntry := entry.Versions[version.Original()]

	options := map[string]string{}
	for k, v := range entry.Options {
		options[k] = v
	}
	for k, v := range override.Options {
		options[k] = v
	}

	resources := p.catalogue.Defaults.Resources
	if versionEntry.Resources != nil && !versionEntry.Resources.IsZero() {
		resources = *versionEntry.Resources
	}
	if override.Resources != nil && !override.Resources.IsZero() {
		resources = *override.Resources
	}

	timeout := versionEntry.Timeout
	if timeout == "" {
		timeout = p.catalogue.Defaults.Timeout
	}
	if timeout == "" {
		timeout = DefaultTimeout.String()
	}

	kind := spec.Kind
	if kind == "" {
		kind = models.KindBuild
	}

	return models.GenerationRequest{
		Target: spec.Target,
		Kind:   kind,
		Generator: models.GeneratorConfig{
			Name:      name,
			Version:   version.Original(),
			Image:     versionEntry.Image,
			Command:   append([]string(nil), entry.Command...),
			Options:   options,
			Resources: resources,
			Timeout:   timeout,
		},
	}, nil
}

// selectVersion picks an exact version, the highest match of a constraint,
// or the highest configured version when requested is empty
func (p *Provider) selectVersion(name, requested string) (*semver.Version, error) {
	versions := p.versions[name]
	if requested == "" {
		return versions[len(versions)-1], nil
	}

	if exact, err := semver.StrictNewVersion(requested); err == nil {
		for _, v := range versions {
			if v.Equal(exact) {
				return v, nil
			}
		}
		return nil, errors.NewValidationError("generator.version",
			fmt.Sprintf("version %s of %s is not configured", requested, name))
	}

	constraint, err := semver.NewConstraint(requested)
	if err != nil {
		return nil, errors.NewValidationError("generator.version",
			fmt.Sprintf("invalid version constraint %q", requested)).WithCause(err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if constraint.Check(versions[i]) {
			return versions[i], nil
		}
	}
	return nil, errors.NewValidationError("generator.version",
		fmt.Sprintf("no configured version of %s satisfies %s", name, requested))
}

func supports(entry GeneratorEntry, target models.TargetType) bool {
	if len(entry.Targets) == 0 {
		return true
	}
	for _, t := range entry.Targets {
		if t == target {
			return true
		}
	}
	return false
}

func validTimeout(timeout string) error {
	if timeout == "" {
		return nil
	}
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", timeout, err)
	}
	if d <= 0 {
		return fmt.Errorf("timeout %q must be positive", timeout)
	}
	return nil
}
