package nfsbucket

import (
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/ael-cx/nfsbucket-operator/internal/manifests"
)

// controllerUID returns the uid of obj's controller, empty when it has none.
func controllerUID(obj metav1.Object) types.UID {
	if ref := metav1.GetControllerOf(obj); ref != nil {
		return ref.UID
	}
	return ""
}

var errForeign = errors.New("controlled by another NfsBucket")

// isForeign is true when obj has a controller other than the request with the given uid.
func isForeign(obj metav1.Object, uid types.UID) bool {
	controller := controllerUID(obj)
	return controller != "" && controller != uid
}

// ForeignDependentError is reported when a dependent name is taken by a resource another NfsBucket controls.
type ForeignDependentError struct {
	Kind       manifests.Kind
	Name       string
	Controller types.UID
}

func (e *ForeignDependentError) Error() string {
	return fmt.Sprintf("%s %s is controlled by another NfsBucket (uid %s)", e.Kind, e.Name, e.Controller)
}
