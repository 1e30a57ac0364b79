package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

const workspaceVolume = "workspace"

// KubernetesBackend runs jobs as batch/v1 Jobs in one namespace
type KubernetesBackend struct {
	client         kubernetes.Interface
	namespace      string
	serviceAccount string
}

// NewKubernetesBackend creates a new Kubernetes job backend
func NewKubernetesBackend(client kubernetes.Interface, namespace, serviceAccount string) *KubernetesBackend {
	return &KubernetesBackend{
		client:         client,
		namespace:      namespace,
		serviceAccount: serviceAccount,
	}
}

// JobName derives a DNS-compatible job name from a generation id and phase
func JobName(generationID, phase string) string {
	return strings.ToLower(fmt.Sprintf("sbom-%s-%s", generationID, phase))
}

func (kb *KubernetesBackend) Submit(ctx context.Context, spec JobSpec) error {
	job, err := kb.buildJob(spec)
	if err != nil {
		return err
	}

	_, err = kb.client.BatchV1().Jobs(kb.namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case err == nil:
		log.Info().Str("generation", spec.GenerationID).Str("job", job.Name).Msg("Submitted job")
		return nil
	case apierrors.IsAlreadyExists(err):
		log.Debug().Str("generation", spec.GenerationID).Str("job", job.Name).Msg("Job already exists")
		return nil
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		return errors.NewValidationError("job", fmt.Sprintf("job %s rejected", job.Name)).WithCause(err)
	default:
		return errors.NewClientError("kubernetes", "create job", statusCode(err), job.Name, err)
	}
}

func (kb *KubernetesBackend) List(ctx context.Context, generationID string) ([]Job, error) {
	selector := labels.SelectorFromSet(labels.Set{LabelGenerationID: strings.ToLower(generationID)})
	list, err := kb.client.BatchV1().Jobs(kb.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, errors.NewClientError("kubernetes", "list jobs", statusCode(err), generationID, err)
	}

	jobs := make([]Job, 0, len(list.Items))
	for i := range list.Items {
		jobs = append(jobs, observe(&list.Items[i]))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

func (kb *KubernetesBackend) Cancel(ctx context.Context, generationID string) error {
	jobs, err := kb.List(ctx, generationID)
	if err != nil {
		return err
	}

	propagation := metav1.DeletePropagationBackground
	for _, job := range jobs {
		err := kb.client.BatchV1().Jobs(kb.namespace).Delete(ctx, job.Name, metav1.DeleteOptions{PropagationPolicy: &propagation})
		if err != nil && !apierrors.IsNotFound(err) {
			return errors.NewClientError("kubernetes", "delete job", statusCode(err), job.Name, err)
		}
		log.Info().Str("generation", generationID).Str("job", job.Name).Msg("Deleted job")
	}
	return nil
}

func (kb *KubernetesBackend) buildJob(spec JobSpec) (*batchv1.Job, error) {
	resources, err := resourceRequirements(spec.Resources)
	if err != nil {
		return nil, err
	}

	name := spec.Name
	if name == "" {
		name = JobName(spec.GenerationID, spec.Phase)
	}

	jobLabels := map[string]string{}
	for k, v := range spec.Labels {
		jobLabels[k] = v
	}
	jobLabels[LabelGenerationID] = strings.ToLower(spec.GenerationID)
	jobLabels[LabelPhase] = spec.Phase

	container := corev1.Container{
		Name:      "generator",
		Image:     spec.Image,
		Command:   spec.Command,
		Args:      spec.Args,
		Env:       env(spec.Params),
		Resources: resources,
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: kb.serviceAccount,
	}

	if ws := spec.Workspace; ws != nil {
		container.WorkingDir = ws.MountPath
		container.VolumeMounts = []corev1.VolumeMount{{
			Name:      workspaceVolume,
			MountPath: ws.MountPath,
			SubPath:   ws.SubPath,
		}}
		podSpec.Volumes = []corev1.Volume{{
			Name: workspaceVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: ws.ClaimName},
			},
		}}
	}
	podSpec.Containers = []corev1.Container{container}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: kb.namespace,
			Labels:    jobLabels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobLabels},
				Spec:       podSpec,
			},
		},
	}
	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	if o := spec.Owner; o != nil {
		job.OwnerReferences = []metav1.OwnerReference{{
			APIVersion: o.APIVersion,
			Kind:       o.Kind,
			Name:       o.Name,
			UID:        types.UID(o.UID),
		}}
	}
	return job, nil
}

// observe maps job conditions to a backend condition
func observe(job *batchv1.Job) Job {
	out := Job{
		Name:      job.Name,
		Phase:     job.Labels[LabelPhase],
		Condition: ConditionUnknown,
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			out.Condition = ConditionSucceeded
		case batchv1.JobFailed:
			out.Condition = ConditionFailed
			out.Reason = c.Reason
			out.Message = c.Message
		}
	}
	if out.Condition == ConditionFailed {
		if detail := job.Annotations[AnnotationFailureDetail]; detail != "" {
			if out.Message != "" {
				out.Message += "; "
			}
			out.Message += detail
		}
	}
	return out
}

func resourceRequirements(r models.Resources) (corev1.ResourceRequirements, error) {
	requests, err := resourceList(r.Requests)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	limits, err := resourceList(r.Limits)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	return corev1.ResourceRequirements{Requests: requests, Limits: limits}, nil
}

func resourceList(in models.ResourceList) (corev1.ResourceList, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := corev1.ResourceList{}
	for name, raw := range in {
		q, err := resource.ParseQuantity(raw)
		if err != nil {
			return nil, errors.NewValidationError("resources."+name, fmt.Sprintf("invalid quantity %q", raw)).WithCause(err)
		}
		out[corev1.ResourceName(name)] = q
	}
	return out, nil
}

func env(params map[string]string) []corev1.EnvVar {
	if len(params) == 0 {
		return nil
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		vars = append(vars, corev1.EnvVar{Name: name, Value: params[name]})
	}
	return vars
}

func statusCode(err error) int {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return int(status.Status().Code)
	}
	return 0
}
