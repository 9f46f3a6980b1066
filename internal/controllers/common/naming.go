package common

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

// DeriveName returns the name shared by all dependent resources of the NfsBucket called requestName.
// Provisioning and teardown both rely on it, nothing else is persisted.
func DeriveName(requestName string) string {
	return fmt.Sprintf("%s%s", requestName, consts.DependentNameSuffix)
}

// BuildSubstitutions returns the template parameters identifying nfsBucket's dependents.
func BuildSubstitutions(nfsBucket *nfsv1.NfsBucket) (map[string]string, error) {
	if err := ValidateMetadata(nfsBucket); err != nil {
		return nil, err
	}
	if nfsBucket.Spec == nil {
		return nil, &MissingFieldError{Field: "spec"}
	}
	if nfsBucket.Spec.Bucket == "" {
		return nil, &MissingFieldError{Field: "spec.bucket"}
	}
	if nfsBucket.Spec.ServiceAccountSecret == "" {
		return nil, &MissingFieldError{Field: "spec.service-account-secret"}
	}

	return map[string]string{
		consts.ParamBucket:               nfsBucket.Spec.Bucket,
		consts.ParamServiceAccountSecret: nfsBucket.Spec.ServiceAccountSecret,
		consts.ParamDependentBaseName:    DeriveName(nfsBucket.Name),
		consts.ParamNamespace:            nfsBucket.Namespace,
		consts.ParamRequestName:          nfsBucket.Name,
	}, nil
}

// BuildOwnerReference returns the controller reference dependents carry back to nfsBucket, so the
// garbage collector can cascade the deletion when the controller is bypassed.
func BuildOwnerReference(nfsBucket *nfsv1.NfsBucket) (metav1.OwnerReference, error) {
	if err := ValidateMetadata(nfsBucket); err != nil {
		return metav1.OwnerReference{}, err
	}
	if nfsBucket.UID == "" {
		return metav1.OwnerReference{}, fmt.Errorf("%w: metadata.uid", ErrMissingMetadata)
	}
	// NewControllerRef sets both controller and blockOwnerDeletion
	return *metav1.NewControllerRef(nfsBucket, nfsv1.NfsBucketGroupVersionKind), nil
}

// DependentLabels are set on every dependent resource of the NfsBucket namespace/requestName.
func DependentLabels(namespace, requestName string) map[string]string {
	return map[string]string{
		consts.LabelManagedBy:          consts.ManagedByValue,
		consts.LabelInstance:           DeriveName(requestName),
		consts.LabelNfsBucket:          requestName,
		consts.LabelNfsBucketNamespace: namespace,
	}
}

// ValidateMetadata fails with ErrMissingMetadata when nfsBucket cannot be identified.
func ValidateMetadata(nfsBucket *nfsv1.NfsBucket) error {
	if nfsBucket == nil {
		return ErrMissingMetadata
	}
	if nfsBucket.Name == "" {
		return fmt.Errorf("%w: metadata.name", ErrMissingMetadata)
	}
	if nfsBucket.Namespace == "" {
		return fmt.Errorf("%w: metadata.namespace", ErrMissingMetadata)
	}
	return nil
}
