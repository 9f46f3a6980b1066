package nfsbucket

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/pointer"
	"sigs.k8s.io/controller-runtime/pkg/client"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/controllers/common"
	"github.com/ael-cx/nfsbucket-operator/internal/manifests"
	"github.com/ael-cx/nfsbucket-operator/internal/monitoring"
)

// deletionOrder releases the claim before the volume it is bound to.
var deletionOrder = []manifests.Kind{
	manifests.Workload,
	manifests.Service,
	manifests.VolumeClaim,
	manifests.Volume,
}

// Deprovisioner removes the dependent resources of an NfsBucket.
type Deprovisioner struct {
	client client.Client
	logger logr.Logger
}

func NewDeprovisioner(cl client.Client, logger logr.Logger) *Deprovisioner {
	return &Deprovisioner{
		client: cl,
		logger: logger.WithName("deprovisioner"),
	}
}

// Deprovision scales the workload down, then deletes every dependent. All steps are attempted regardless of
// earlier failures, a missing resource counts as already removed. Resources controlled by another NfsBucket
// are left alone and count as missing.
func (d *Deprovisioner) Deprovision(ctx context.Context, nfsBucket *nfsv1.NfsBucket) (DeprovisionResult, error) {
	if err := common.ValidateMetadata(nfsBucket); err != nil {
		return DeprovisionResult{}, err
	}
	name := common.DeriveName(nfsBucket.Name)
	logger := d.logger.WithValues("nfsBucket", client.ObjectKeyFromObject(nfsBucket))

	steps := []StepResult{d.scaleDownWorkload(ctx, nfsBucket.Namespace, name, nfsBucket.UID)}
	for _, kind := range deletionOrder {
		steps = append(steps, d.remove(ctx, kind, nfsBucket.Namespace, name, nfsBucket.UID))
	}

	for _, step := range steps {
		if step.Failed() {
			logger.Error(step.Err, "failed to remove dependent", "step", step.Step, "kind", step.Kind,
				"name", step.Name, "outcome", step.Outcome)
		} else {
			logger.Info("dependent removed", "step", step.Step, "kind", step.Kind, "name", step.Name,
				"outcome", step.Outcome)
		}
		monitoring.RecordStep("deprovision-"+step.Step, string(step.Kind), string(step.Outcome))
	}
	return DeprovisionResult{Steps: steps}, nil
}

// scaleDownWorkload drains the server pods before the workload goes away.
func (d *Deprovisioner) scaleDownWorkload(ctx context.Context, namespace, name string, uid types.UID) StepResult {
	step := StepResult{Step: StepScale, Kind: manifests.Workload, Name: name}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		workload := &corev1.ReplicationController{}
		if err := d.client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, workload); err != nil {
			return err
		}
		if isForeign(workload, uid) {
			return errForeign
		}
		if workload.Spec.Replicas != nil && *workload.Spec.Replicas == 0 {
			return nil
		}
		workload.Spec.Replicas = pointer.Int32(0)
		return d.client.Update(ctx, workload)
	})

	switch {
	case apierrors.IsNotFound(err), errors.Is(err, errForeign):
		step.Outcome = OutcomeNotFound
	case err != nil:
		step.Outcome, step.Err = OutcomeFailed, err
	default:
		step.Outcome = OutcomeScaled
	}
	return step
}

func (d *Deprovisioner) remove(ctx context.Context, kind manifests.Kind, namespace, name string, uid types.UID) StepResult {
	step := StepResult{Step: StepDelete, Kind: kind, Name: name}

	key := client.ObjectKey{Name: name}
	if kind.Namespaced() {
		key.Namespace = namespace
	}
	obj := kind.NewObject()
	if err := d.client.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			step.Outcome = OutcomeNotFound
		} else {
			step.Outcome, step.Err = OutcomeFailed, err
		}
		return step
	}
	if isForeign(obj, uid) {
		d.logger.Info("leaving dependent controlled by another NfsBucket", "kind", kind, "name", name,
			"controller", controllerUID(obj))
		step.Outcome = OutcomeNotFound
		return step
	}

	// the uid precondition keeps a resource recreated since the Get out of reach
	objUID := obj.GetUID()
	switch err := d.client.Delete(ctx, obj,
		client.PropagationPolicy(metav1.DeletePropagationBackground),
		client.Preconditions{UID: &objUID},
	); {
	case apierrors.IsNotFound(err), apierrors.IsConflict(err):
		step.Outcome = OutcomeNotFound
	case err != nil:
		step.Outcome, step.Err = OutcomeFailed, err
	default:
		step.Outcome = OutcomeDeleted
	}
	return step
}
