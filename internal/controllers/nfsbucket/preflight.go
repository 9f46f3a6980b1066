package nfsbucket

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/controllers/common"
)

// EnsureCRDRegistered checks that the cluster serves the NfsBucket kind. A missing kind wraps
// common.ErrCRDNotRegistered, any other failure is returned as is.
func EnsureCRDRegistered(mapper meta.RESTMapper) error {
	gvk := nfsv1.NfsBucketGroupVersionKind
	if _, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version); err != nil {
		if meta.IsNoMatchError(err) {
			return fmt.Errorf("%w: %v", common.ErrCRDNotRegistered, err)
		}
		return fmt.Errorf("failed to look up %s: %w", gvk.Kind, err)
	}
	return nil
}
