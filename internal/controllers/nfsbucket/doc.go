package nfsbucket

// This package contains the controller that turns NfsBuckets into running NFS servers.
//
// controller.go holds the Dispatcher. It keeps a watch open over NfsBuckets, tracks the last observed
// resourceVersion so a reopened stream resumes where the previous one ended, and hands every event to the
// Reconciler. Events of the same NfsBucket are always handled in the order they were delivered.
//
// handler.go is the entrypoint for the reconciliation logic. DELETED events go to the cleanup flow, every other
// event goes to the provisioning flow unless the NfsBucket is already handled.
//
// Failed steps never abort the flow. They are reported in the step results and the NfsBucket stays unhandled, so
// the next delivery of the object (or the periodic resync) retries it.

// Overall provisioning flow:
//
// 1. Skip if spec.handled is already true
// 2. Validate the bucket and secret fields used by the templates
// 3. Optionally check that the bucket exists, with the configured credentials secret or the referenced one
// 4. Create the ReplicationController, Service, PersistentVolume and PersistentVolumeClaim named <name>-server,
//    each owned by the NfsBucket. An existing resource controlled by another NfsBucket fails its step
// 5. Set spec.handled to true

// Overall cleanup flow:
//
// 1. Scale the ReplicationController down to zero replicas
// 2. Remove the ReplicationController
// 3. Remove the Service
// 4. Remove the PersistentVolumeClaim
// 5. Remove the PersistentVolume
//
// Resources controlled by another NfsBucket are skipped. The PersistentVolume is cluster scoped, so the garbage
// collector never removes it; sweeper.go tears down volumes whose NfsBucket is gone on every resync period.
