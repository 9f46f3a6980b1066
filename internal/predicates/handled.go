package predicates

import (
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

type HandledBased interface {
	IsHandled() bool
}

// UnhandledPredicate lets through create, update and generic events of objects the controller has not acted
// upon yet. Delete events always pass, teardown does not depend on the handled flag.
type UnhandledPredicate struct{}

var _ predicate.Predicate = UnhandledPredicate{}

func NewUnhandledPredicate() UnhandledPredicate {
	return UnhandledPredicate{}
}

func (up UnhandledPredicate) IsUnhandled(obj client.Object) bool {
	handledBased, ok := obj.(HandledBased)
	if !ok {
		return false
	}
	return !handledBased.IsHandled()
}

func (up UnhandledPredicate) Create(e event.CreateEvent) bool {
	return up.IsUnhandled(e.Object)
}

func (up UnhandledPredicate) Delete(event.DeleteEvent) bool {
	return true
}

func (up UnhandledPredicate) Update(e event.UpdateEvent) bool {
	return up.IsUnhandled(e.ObjectNew)
}

func (up UnhandledPredicate) Generic(e event.GenericEvent) bool {
	return up.IsUnhandled(e.Object)
}
