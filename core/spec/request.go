package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

// EventRequest is the document carried by an event. It names generation
// requests explicitly, a subject to expand through a resolver, or both.
type EventRequest struct {
	Requests []models.GenerationRequestSpec `json:"requests,omitempty" yaml:"requests,omitempty"`
	Resolver *ResolverSubject               `json:"resolver,omitempty" yaml:"resolver,omitempty"`
}

// ResolverSubject selects a resolver and the subject it expands
type ResolverSubject struct {
	Type       string `json:"type" yaml:"type"`
	Identifier string `json:"identifier" yaml:"identifier"`
}

// ParseEventRequest parses a YAML or JSON event request and validates its shape
func ParseEventRequest(data []byte) (*EventRequest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewValidationError("request", "request body is empty")
	}

	var req EventRequest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		return nil, errors.NewValidationError("request", "failed to parse request").WithCause(err)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks that the request names at least one well-formed target or subject
func (r *EventRequest) Validate() error {
	if len(r.Requests) == 0 && r.Resolver == nil {
		return errors.NewValidationError("request", "either requests or resolver must be set")
	}
	if r.Resolver != nil {
		if r.Resolver.Type == "" {
			return errors.NewValidationError("resolver.type", "must not be empty")
		}
		if r.Resolver.Identifier == "" {
			return errors.NewValidationError("resolver.identifier", "must not be empty")
		}
	}
	for i, spec := range r.Requests {
		if err := ValidateRequestSpec(spec); err != nil {
			return errors.NewValidationError(fmt.Sprintf("requests[%d]", i), err.Error())
		}
	}
	return nil
}

// ValidateRequestSpec checks a single abstract generation request
func ValidateRequestSpec(spec models.GenerationRequestSpec) error {
	switch spec.Target.Type {
	case models.TargetContainerImage, models.TargetBuild:
	case "":
		return fmt.Errorf("target type must not be empty")
	default:
		return fmt.Errorf("unsupported target type %q", spec.Target.Type)
	}
	if spec.Target.Identifier == "" {
		return fmt.Errorf("target identifier must not be empty")
	}
	switch spec.Kind {
	case "", models.KindBuild, models.KindRelease:
	default:
		return fmt.Errorf("unsupported kind %q", spec.Kind)
	}
	return nil
}

// JSON returns the canonical JSON form stored with the event
func (r *EventRequest) JSON() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}
