package nfsbucket

import (
	"context"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/controllers/common"
	"github.com/ael-cx/nfsbucket-operator/internal/manifests"
	"github.com/ael-cx/nfsbucket-operator/internal/monitoring"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

// Provisioner creates the dependent resources of an NfsBucket.
type Provisioner struct {
	client   client.Client
	renderer manifests.Renderer
	logger   logr.Logger
}

func NewProvisioner(cl client.Client, renderer manifests.Renderer, logger logr.Logger) *Provisioner {
	return &Provisioner{
		client:   cl,
		renderer: renderer,
		logger:   logger.WithName("provisioner"),
	}
}

// Provision attempts every dependent kind in order, even after a failed step, and reports each outcome.
// An error is returned only when the request itself is unusable, in which case nothing is attempted.
func (p *Provisioner) Provision(ctx context.Context, nfsBucket *nfsv1.NfsBucket) (ProvisionResult, error) {
	params, err := common.BuildSubstitutions(nfsBucket)
	if err != nil {
		return ProvisionResult{}, err
	}
	ownerRef, err := common.BuildOwnerReference(nfsBucket)
	if err != nil {
		return ProvisionResult{}, err
	}

	logger := p.logger.WithValues("nfsBucket", client.ObjectKeyFromObject(nfsBucket))
	result := ProvisionResult{}
	for _, kind := range manifests.Kinds {
		step := p.ensure(ctx, kind, nfsBucket, params, ownerRef)
		if step.Failed() {
			logger.Error(step.Err, "failed to create dependent", "step", step.Step, "kind", kind,
				"name", step.Name, "outcome", step.Outcome)
		} else {
			logger.Info("dependent ensured", "step", step.Step, "kind", kind, "name", step.Name,
				"outcome", step.Outcome)
		}
		monitoring.RecordStep("provision", string(kind), string(step.Outcome))
		result.Steps = append(result.Steps, step)
	}
	return result, nil
}

func (p *Provisioner) ensure(
	ctx context.Context,
	kind manifests.Kind,
	nfsBucket *nfsv1.NfsBucket,
	params map[string]string,
	ownerRef metav1.OwnerReference,
) StepResult {
	step := StepResult{Step: StepCreate, Kind: kind, Name: params[consts.ParamDependentBaseName]}

	obj, err := p.renderer.Render(kind, params)
	if err != nil {
		step.Outcome, step.Err = OutcomeFailed, err
		return step
	}
	step.Name = obj.GetName()
	if kind.Namespaced() {
		obj.SetNamespace(nfsBucket.Namespace)
	}
	obj.SetLabels(labels.Merge(obj.GetLabels(), common.DependentLabels(nfsBucket.Namespace, nfsBucket.Name)))
	obj.SetOwnerReferences(append(obj.GetOwnerReferences(), ownerRef))

	switch err := p.client.Create(ctx, obj); {
	case apierrors.IsAlreadyExists(err):
		step.Outcome, step.Err = p.checkExisting(ctx, kind, client.ObjectKeyFromObject(obj), nfsBucket)
	case err != nil:
		step.Outcome, step.Err = OutcomeFailed, err
	default:
		step.Outcome = OutcomeCreated
	}
	return step
}

// checkExisting accepts a dependent that is already there unless another NfsBucket controls it. Volumes are
// cluster scoped, so a request with the same name in another namespace derives the same volume name.
func (p *Provisioner) checkExisting(
	ctx context.Context,
	kind manifests.Kind,
	key client.ObjectKey,
	nfsBucket *nfsv1.NfsBucket,
) (Outcome, error) {
	existing := kind.NewObject()
	if err := p.client.Get(ctx, key, existing); err != nil {
		return OutcomeFailed, err
	}
	if isForeign(existing, nfsBucket.UID) {
		return OutcomeFailed, &ForeignDependentError{Kind: kind, Name: key.Name, Controller: controllerUID(existing)}
	}
	return OutcomeAlreadyExists, nil
}
