package nfsbucket

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/config"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

var _ = Describe("VolumeSweeper", func() {
	var (
		cl      client.WithWatch
		cfg     config.Config
		objects []client.Object
	)

	BeforeEach(func() {
		cfg = config.DefaultConfig
		objects = nil
	})

	JustBeforeEach(func() {
		cl = newFakeClient(interceptor.Funcs{}, objects...)
	})

	provision := func(ctx context.Context, nfsBucket *nfsv1.NfsBucket) {
		result, err := NewProvisioner(cl, newTestRenderer(), GinkgoLogr).Provision(ctx, nfsBucket)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		ExpectWithOffset(1, result.AllSucceeded()).To(BeTrue())
	}

	volumeExists := func(ctx context.Context) bool {
		err := cl.Get(ctx, client.ObjectKey{Name: "bob-server"}, &corev1.PersistentVolume{})
		if apierrors.IsNotFound(err) {
			return false
		}
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return true
	}

	It("removes the dependents of a request that is gone", func(ctx SpecContext) {
		provision(ctx, newNfsBucket("bob", "u-1"))

		swept, err := NewVolumeSweeper(cl, &cfg).Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(swept).To(Equal(1))
		Expect(volumeExists(ctx)).To(BeFalse())
		Expect(apierrors.IsNotFound(cl.Get(ctx, client.ObjectKey{Namespace: "default", Name: "bob-server"},
			&corev1.PersistentVolumeClaim{}))).To(BeTrue())
	})

	When("the request still exists", func() {
		BeforeEach(func() {
			objects = append(objects, newNfsBucket("bob", "u-1"))
		})

		It("keeps its dependents", func(ctx SpecContext) {
			provision(ctx, newNfsBucket("bob", "u-1"))

			swept, err := NewVolumeSweeper(cl, &cfg).Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(BeZero())
			Expect(volumeExists(ctx)).To(BeTrue())
		})

		It("removes the dependents left by an earlier request of the same name", func(ctx SpecContext) {
			provision(ctx, newNfsBucket("bob", "u-0"))

			swept, err := NewVolumeSweeper(cl, &cfg).Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(Equal(1))
			Expect(volumeExists(ctx)).To(BeFalse())
		})
	})

	It("only sweeps the watched namespace", func(ctx SpecContext) {
		other := newNfsBucket("bob", "u-2")
		other.Namespace = "team-b"
		provision(ctx, other)
		cfg.Watch.Namespace = "default"

		swept, err := NewVolumeSweeper(cl, &cfg).Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(swept).To(BeZero())
		Expect(volumeExists(ctx)).To(BeTrue())
	})

	It("ignores volumes without an NfsBucket controller", func(ctx SpecContext) {
		Expect(cl.Create(ctx, &corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{
				Name: "bob-server",
				Labels: map[string]string{
					consts.LabelManagedBy:          consts.ManagedByValue,
					consts.LabelNfsBucketNamespace: "default",
				},
			},
		})).To(Succeed())

		swept, err := NewVolumeSweeper(cl, &cfg).Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(swept).To(BeZero())
		Expect(volumeExists(ctx)).To(BeTrue())
	})

	It("returns on shutdown when sweeping is disabled", func() {
		cfg.Watch.ResyncPeriod = 0
		ctx, cancel := context.WithCancel(context.Background())

		stopped := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(stopped)
			Expect(NewVolumeSweeper(cl, &cfg).Start(ctx)).To(Succeed())
		}()

		Consistently(stopped, "50ms").ShouldNot(BeClosed())
		cancel()
		Eventually(stopped).Should(BeClosed())
	})
})
