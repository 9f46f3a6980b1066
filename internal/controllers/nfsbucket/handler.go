/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package nfsbucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/opdev/subreconciler"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/config"
	"github.com/ael-cx/nfsbucket-operator/internal/controllers/common"
	"github.com/ael-cx/nfsbucket-operator/internal/manifests"
	"github.com/ael-cx/nfsbucket-operator/internal/s3_agent"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

// EventHandler consumes the NfsBucket events delivered by the Dispatcher.
type EventHandler interface {
	Handle(ctx context.Context, eventType watch.EventType, nfsBucket *nfsv1.NfsBucket) (ctrl.Result, error)
}

// Reconciler provisions the dependents of unhandled NfsBuckets and tears them down on deletion.
type Reconciler struct {
	client.Client
	recorder      record.EventRecorder
	provisioner   *Provisioner
	deprovisioner *Deprovisioner

	// configurations
	bucketCheckEnabled bool
	credentialsSecret  client.ObjectKey
	s3AgentFactory     s3_agent.Factory
}

var _ EventHandler = &Reconciler{}

func NewReconciler(
	cl client.Client,
	recorder record.EventRecorder,
	renderer manifests.Renderer,
	cfg *config.Config,
) *Reconciler {
	logger := ctrl.Log.WithName("nfsbucket")
	return &Reconciler{
		Client:        cl,
		recorder:      recorder,
		provisioner:   NewProvisioner(cl, renderer, logger),
		deprovisioner: NewDeprovisioner(cl, logger),

		bucketCheckEnabled: cfg.BucketCheck.Enabled,
		s3AgentFactory:     s3_agent.NewFactory(cfg.BucketCheck.Endpoint, cfg.BucketCheck.Region),
		credentialsSecret: client.ObjectKey{
			Namespace: cfg.BucketCheck.CredentialsSecretNamespace,
			Name:      cfg.BucketCheck.CredentialsSecretName,
		},
	}
}

// requestHandler holds the state of a single Handle call.
type requestHandler struct {
	*Reconciler
	logger    logr.Logger
	nfsBucket *nfsv1.NfsBucket
}

//+kubebuilder:rbac:groups=cx.ael.local,resources=nfsbuckets,verbs=get;list;watch;patch
//+kubebuilder:rbac:groups="",resources=replicationcontrollers,verbs=get;create;update;delete
//+kubebuilder:rbac:groups="",resources=services;persistentvolumeclaims,verbs=get;create;delete
//+kubebuilder:rbac:groups="",resources=persistentvolumes,verbs=get;list;create;delete
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Handle runs the provisioning flow for added or modified NfsBuckets and the cleanup flow for deleted ones.
// A Requeue result means the request is left unhandled, it is retried on the next delivery.
func (r *Reconciler) Handle(
	ctx context.Context,
	eventType watch.EventType,
	nfsBucket *nfsv1.NfsBucket,
) (ctrl.Result, error) {
	rh := &requestHandler{
		Reconciler: r,
		logger:     log.FromContext(ctx).WithValues("nfsBucket", client.ObjectKeyFromObject(nfsBucket)),
		nfsBucket:  nfsBucket.DeepCopy(),
	}

	if eventType == watch.Deleted {
		return rh.Cleanup(ctx)
	}
	return rh.Provision(ctx)
}

// Provision provisions the dependent resources of the NfsBucket and marks it as handled
func (rh *requestHandler) Provision(ctx context.Context) (ctrl.Result, error) {
	subrecs := []subreconciler.Fn{
		rh.skipIfHandled,
		rh.validateSpec,
		rh.verifyBucket,
		rh.ensureDependents,
		rh.markHandled,
	}
	for _, subrec := range subrecs {
		result, err := subrec(ctx)
		if subreconciler.ShouldHaltOrRequeue(result, err) {
			return subreconciler.Evaluate(result, err)
		}
	}

	return subreconciler.Evaluate(subreconciler.DoNotRequeue())
}

// Cleanup removes the dependent resources. The NfsBucket is gone, so nothing is written back.
func (rh *requestHandler) Cleanup(ctx context.Context) (ctrl.Result, error) {
	subrecs := []subreconciler.Fn{
		rh.removeDependents,
	}
	for _, subrec := range subrecs {
		result, err := subrec(ctx)
		if subreconciler.ShouldHaltOrRequeue(result, err) {
			return subreconciler.Evaluate(result, err)
		}
	}

	return subreconciler.Evaluate(subreconciler.DoNotRequeue())
}

func (rh *requestHandler) skipIfHandled(context.Context) (*ctrl.Result, error) {
	if rh.nfsBucket.IsHandled() {
		rh.logger.Info("already handled")
		return subreconciler.DoNotRequeue()
	}
	return subreconciler.ContinueReconciling()
}

func (rh *requestHandler) validateSpec(context.Context) (*ctrl.Result, error) {
	switch _, err := common.BuildSubstitutions(rh.nfsBucket); {
	case common.IsMissingField(err):
		rh.logger.Error(err, "skipping NfsBucket, its schema does not match the controller's")
		return subreconciler.DoNotRequeue()
	case errors.Is(err, common.ErrMissingMetadata):
		rh.logger.Error(err, "skipping malformed NfsBucket")
		return subreconciler.DoNotRequeue()
	case err != nil:
		return subreconciler.RequeueWithError(err)
	}
	return subreconciler.ContinueReconciling()
}

func (rh *requestHandler) verifyBucket(ctx context.Context) (*ctrl.Result, error) {
	if !rh.bucketCheckEnabled {
		return subreconciler.ContinueReconciling()
	}

	secretKey := rh.credentialsSecret
	if secretKey.Name == "" {
		secretKey = client.ObjectKey{Namespace: rh.nfsBucket.Namespace, Name: rh.nfsBucket.Spec.ServiceAccountSecret}
	}
	secret := &corev1.Secret{}
	if err := rh.Get(ctx, secretKey, secret); err != nil {
		rh.logger.Error(err, "failed to get the bucket check credentials", "secret", secretKey)
		rh.recorder.Event(rh.nfsBucket, corev1.EventTypeWarning, consts.EventReasonBucketCheckFailed,
			fmt.Sprintf("failed to get secret %s", secretKey.Name))
		return subreconciler.Requeue()
	}

	accessKey := string(secret.Data[consts.DataKeyAccessKey])
	secretKeyValue := string(secret.Data[consts.DataKeySecretKey])
	checker, err := rh.s3AgentFactory(accessKey, secretKeyValue)
	if err != nil {
		rh.logger.Error(err, "failed to create s3 agent")
		return subreconciler.Requeue()
	}

	switch exists, err := checker.BucketExists(rh.nfsBucket.Spec.Bucket); {
	case err != nil:
		rh.logger.Error(err, "failed to check bucket", "bucket", rh.nfsBucket.Spec.Bucket)
		rh.recorder.Event(rh.nfsBucket, corev1.EventTypeWarning, consts.EventReasonBucketCheckFailed, err.Error())
		return subreconciler.Requeue()
	case !exists:
		rh.logger.Info("bucket does not exist, not provisioning", "bucket", rh.nfsBucket.Spec.Bucket)
		rh.recorder.Event(rh.nfsBucket, corev1.EventTypeWarning, consts.EventReasonBucketCheckFailed,
			fmt.Sprintf("bucket %s does not exist", rh.nfsBucket.Spec.Bucket))
		return subreconciler.Requeue()
	}
	return subreconciler.ContinueReconciling()
}

func (rh *requestHandler) ensureDependents(ctx context.Context) (*ctrl.Result, error) {
	result, err := rh.provisioner.Provision(ctx, rh.nfsBucket)
	if err != nil {
		rh.logger.Error(err, "failed to provision dependents")
		return subreconciler.DoNotRequeue()
	}
	if !result.AllSucceeded() {
		failed := result.FailedSteps()
		rh.logger.Info("provisioning incomplete, leaving NfsBucket unhandled", "failedSteps", len(failed))
		rh.recorder.Event(rh.nfsBucket, corev1.EventTypeWarning, consts.EventReasonProvisionFailed,
			fmt.Sprintf("%d of %d dependents failed, first: %s %v", len(failed), len(result.Steps),
				failed[0].Kind, failed[0].Err))
		return subreconciler.Requeue()
	}
	return subreconciler.ContinueReconciling()
}

func (rh *requestHandler) markHandled(ctx context.Context) (*ctrl.Result, error) {
	// merge patch without resourceVersion: this controller is the only writer of spec.handled
	patch := client.MergeFrom(rh.nfsBucket.DeepCopy())
	rh.nfsBucket.Spec.Handled = true

	switch err := rh.Patch(ctx, rh.nfsBucket, patch); {
	case apierrors.IsNotFound(err):
		rh.logger.Info("NfsBucket was deleted before it could be marked as handled")
		return subreconciler.DoNotRequeue()
	case err != nil:
		rh.logger.Error(err, "failed to mark NfsBucket as handled")
		return subreconciler.Requeue()
	}

	rh.logger.Info("NfsBucket handled")
	rh.recorder.Event(rh.nfsBucket, corev1.EventTypeNormal, consts.EventReasonProvisioned,
		fmt.Sprintf("dependents %s provisioned", common.DeriveName(rh.nfsBucket.Name)))
	return subreconciler.ContinueReconciling()
}

func (rh *requestHandler) removeDependents(ctx context.Context) (*ctrl.Result, error) {
	result, err := rh.deprovisioner.Deprovision(ctx, rh.nfsBucket)
	if err != nil {
		rh.logger.Error(err, "skipping teardown of malformed NfsBucket")
		return subreconciler.DoNotRequeue()
	}
	if !result.AllSucceeded() {
		failed := result.FailedSteps()
		rh.recorder.Event(rh.nfsBucket, corev1.EventTypeWarning, consts.EventReasonDeprovisionFailed,
			fmt.Sprintf("%d of %d teardown steps failed, first: %s %s %v", len(failed), len(result.Steps),
				failed[0].Step, failed[0].Kind, failed[0].Err))
		return subreconciler.Requeue()
	}

	rh.recorder.Event(rh.nfsBucket, corev1.EventTypeNormal, consts.EventReasonDeprovisioned,
		fmt.Sprintf("dependents %s removed", common.DeriveName(rh.nfsBucket.Name)))
	return subreconciler.ContinueReconciling()
}
