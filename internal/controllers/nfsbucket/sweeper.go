package nfsbucket

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/config"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

// VolumeSweeper tears down the dependents of NfsBuckets whose deletion was never delivered.
// The garbage collector cannot do it for the volume: a cluster scoped object cannot be owned by a namespaced one.
type VolumeSweeper struct {
	client        client.Client
	deprovisioner *Deprovisioner
	logger        logr.Logger

	// configurations
	namespace string
	period    time.Duration
}

var (
	_ manager.Runnable               = &VolumeSweeper{}
	_ manager.LeaderElectionRunnable = &VolumeSweeper{}
)

func NewVolumeSweeper(cl client.Client, cfg *config.Config) *VolumeSweeper {
	logger := ctrl.Log.WithName("nfsbucket").WithName("sweeper")
	return &VolumeSweeper{
		client:        cl,
		deprovisioner: NewDeprovisioner(cl, logger),
		logger:        logger,

		namespace: cfg.Watch.Namespace,
		period:    cfg.Watch.ResyncPeriod,
	}
}

func (s *VolumeSweeper) SetupWithManager(mgr ctrl.Manager) error {
	return mgr.Add(s)
}

func (s *VolumeSweeper) NeedLeaderElection() bool {
	return true
}

// Start sweeps once per resync period. A zero period disables sweeping.
func (s *VolumeSweeper) Start(ctx context.Context) error {
	if s.period <= 0 {
		<-ctx.Done()
		return nil
	}

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error(err, "failed to sweep orphaned volumes")
		}
	}, s.period)
	return nil
}

// Sweep deprovisions every request whose volume outlived it and returns how many were torn down.
// A request that still exists under the same uid is never touched.
func (s *VolumeSweeper) Sweep(ctx context.Context) (int, error) {
	selector := client.MatchingLabels{consts.LabelManagedBy: consts.ManagedByValue}
	if s.namespace != "" {
		selector[consts.LabelNfsBucketNamespace] = s.namespace
	}

	volumes := &corev1.PersistentVolumeList{}
	if err := s.client.List(ctx, volumes, selector); err != nil {
		return 0, err
	}

	swept := 0
	for i := range volumes.Items {
		orphan, ok := s.orphanOf(ctx, &volumes.Items[i])
		if !ok {
			continue
		}

		logger := s.logger.WithValues("nfsBucket", client.ObjectKeyFromObject(orphan), "volume", volumes.Items[i].Name)
		result, err := s.deprovisioner.Deprovision(ctx, orphan)
		if err != nil {
			logger.Error(err, "failed to tear down orphaned dependents")
			continue
		}
		if !result.AllSucceeded() {
			logger.Info("orphaned dependents partially removed, retrying on the next sweep",
				"failedSteps", len(result.FailedSteps()))
			continue
		}
		logger.Info("orphaned dependents removed")
		swept++
	}
	return swept, nil
}

// orphanOf rebuilds the identity of the request behind volume when that request is gone.
func (s *VolumeSweeper) orphanOf(ctx context.Context, volume *corev1.PersistentVolume) (*nfsv1.NfsBucket, bool) {
	ref := metav1.GetControllerOf(volume)
	if ref == nil || ref.Kind != nfsv1.NfsBucketKind || ref.APIVersion != nfsv1.GroupVersion.String() {
		return nil, false
	}
	namespace := volume.Labels[consts.LabelNfsBucketNamespace]
	if namespace == "" {
		return nil, false
	}

	orphan := &nfsv1.NfsBucket{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: ref.Name, UID: ref.UID},
	}
	current := &nfsv1.NfsBucket{}
	switch err := s.client.Get(ctx, client.ObjectKeyFromObject(orphan), current); {
	case apierrors.IsNotFound(err):
		return orphan, true
	case err != nil:
		s.logger.Error(err, "failed to get the owner of volume", "volume", volume.Name)
		return nil, false
	}
	// same name, new request: the old one's dependents are still ours to remove
	return orphan, current.UID != ref.UID
}
