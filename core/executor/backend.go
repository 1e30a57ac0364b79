// Package executor runs generator jobs on an external execution backend.
package executor

import (
	"context"
	"fmt"
	"time"

	"sbom-orchestrator/core/models"
)

// Labels and annotations on backend jobs
const (
	LabelGenerationID       = "sbom.generation-id"
	LabelPhase              = "sbom.phase"
	AnnotationFailureDetail = "sbom.failure-detail"
)

// Condition is the observed state of a job
type Condition string

const (
	ConditionUnknown   Condition = "UNKNOWN"
	ConditionSucceeded Condition = "SUCCEEDED"
	ConditionFailed    Condition = "FAILED"
)

// Workspace binds shared storage into the job
type Workspace struct {
	ClaimName string
	MountPath string
	SubPath   string
}

// OwnerReference ties a job to an object that garbage-collects it
type OwnerReference struct {
	APIVersion string
	Kind       string
	Name       string
	UID        string
}

// JobSpec is the desired state of one backend job
type JobSpec struct {
	Name         string
	GenerationID string
	Phase        string
	Image        string
	Command      []string
	Args         []string
	Params       map[string]string
	Timeout      time.Duration
	Resources    models.Resources
	Workspace    *Workspace
	Labels       map[string]string
	Owner        *OwnerReference
}

// Job is the observed state of one backend job
type Job struct {
	Name      string
	Phase     string
	Condition Condition
	Reason    string
	Message   string
}

// Finished reports whether the job reached a final condition
func (j Job) Finished() bool {
	return j.Condition == ConditionSucceeded || j.Condition == ConditionFailed
}

// FailureDetail is a human-readable summary of why the job failed
func (j Job) FailureDetail() string {
	switch {
	case j.Reason != "" && j.Message != "":
		return fmt.Sprintf("job %s failed: %s: %s", j.Name, j.Reason, j.Message)
	case j.Reason != "":
		return fmt.Sprintf("job %s failed: %s", j.Name, j.Reason)
	case j.Message != "":
		return fmt.Sprintf("job %s failed: %s", j.Name, j.Message)
	}
	return fmt.Sprintf("job %s failed", j.Name)
}

// Backend creates, observes and cancels jobs keyed by generation id and phase
type Backend interface {
	// Submit creates the job. A job that already exists is not an error.
	Submit(ctx context.Context, spec JobSpec) error
	List(ctx context.Context, generationID string) ([]Job, error)
	Cancel(ctx context.Context, generationID string) error
}
