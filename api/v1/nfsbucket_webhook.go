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

package v1

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

const (
	internalErrorMessage = "internal error"
)

var (
	nfsbucketlog  = logf.Log.WithName("nfsbucket-resource")
	runtimeClient client.Reader

	ValidationTimeout time.Duration
)

func (nb *NfsBucket) SetupWebhookWithManager(mgr ctrl.Manager) error {
	runtimeClient = mgr.GetAPIReader()

	return ctrl.NewWebhookManagedBy(mgr).
		For(nb).
		Complete()
}

//+kubebuilder:webhook:path=/validate-cx-ael-local-v1-nfsbucket,mutating=false,failurePolicy=fail,sideEffects=None,groups=cx.ael.local,resources=nfsbuckets,verbs=create;update,versions=v1,name=vnfsbucket.kb.io,admissionReviewVersions=v1

var _ webhook.Validator = &NfsBucket{}

// ValidateCreate implements webhook.Validator so a webhook will be registered for the type
func (nb *NfsBucket) ValidateCreate() (admission.Warnings, error) {
	nfsbucketlog.Info("validate create", "name", nb.Name)

	allErrs := validateSpec(nb)
	if len(allErrs) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), ValidationTimeout)
		defer cancel()

		// the secret must exist in the namespace of the request
		secret := &corev1.Secret{}
		err := runtimeClient.Get(ctx, types.NamespacedName{Name: nb.Spec.ServiceAccountSecret, Namespace: nb.Namespace}, secret)
		switch {
		case apierrors.IsNotFound(err):
			allErrs = append(allErrs, field.Forbidden(
				field.NewPath("spec").Child("service-account-secret"), consts.SecretNotFoundErrMessage))
		case err != nil:
			nfsbucketlog.Error(err, "failed to get secret", "name", nb.Spec.ServiceAccountSecret)
			return nil, fmt.Errorf(internalErrorMessage)
		}
	}

	if len(allErrs) == 0 {
		return nil, nil
	}
	return nil, apierrors.NewInvalid(nb.GroupVersionKind().GroupKind(), nb.Name, allErrs)
}

// ValidateUpdate implements webhook.Validator so a webhook will be registered for the type
func (nb *NfsBucket) ValidateUpdate(old runtime.Object) (admission.Warnings, error) {
	nfsbucketlog.Info("validate update", "name", nb.Name)

	oldNfsBucket, ok := old.(*NfsBucket)
	if !ok {
		nfsbucketlog.Info("invalid object passed as old nfsBucket", "type", old.GetObjectKind())
		return nil, fmt.Errorf(internalErrorMessage)
	}

	allErrs := validateSpec(nb)
	// bucket and secret are frozen once the dependents exist
	if len(allErrs) == 0 && oldNfsBucket.IsHandled() {
		specPath := field.NewPath("spec")
		if nb.Spec.Bucket != oldNfsBucket.Spec.Bucket {
			allErrs = append(allErrs,
				field.Forbidden(specPath.Child("bucket"), consts.BucketImmutableErrMessage))
		}
		if nb.Spec.ServiceAccountSecret != oldNfsBucket.Spec.ServiceAccountSecret {
			allErrs = append(allErrs,
				field.Forbidden(specPath.Child("service-account-secret"), consts.SecretImmutableErrMessage))
		}
	}

	if len(allErrs) == 0 {
		return nil, nil
	}
	return nil, apierrors.NewInvalid(nb.GroupVersionKind().GroupKind(), nb.Name, allErrs)
}

// ValidateDelete implements webhook.Validator so a webhook will be registered for the type
func (nb *NfsBucket) ValidateDelete() (admission.Warnings, error) {
	nfsbucketlog.Info("validate delete", "name", nb.Name)

	return nil, nil
}

func validateSpec(nb *NfsBucket) field.ErrorList {
	allErrs := field.ErrorList{}
	specPath := field.NewPath("spec")

	// dependents are named <name>-server and labelled with the name
	if len(nb.Name) > consts.MaxRequestNameLength {
		allErrs = append(allErrs,
			field.TooLong(field.NewPath("metadata").Child("name"), nb.Name, consts.MaxRequestNameLength))
	}
	if nb.Spec == nil {
		return append(allErrs, field.Required(specPath, ""))
	}
	if nb.Spec.Bucket == "" {
		allErrs = append(allErrs, field.Required(specPath.Child("bucket"), consts.BucketRequiredErrMessage))
	}
	if nb.Spec.ServiceAccountSecret == "" {
		allErrs = append(allErrs,
			field.Required(specPath.Child("service-account-secret"), consts.SecretRequiredErrMessage))
	}
	return allErrs
}
