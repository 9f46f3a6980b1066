package nfsbucket

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/config"
	"github.com/ael-cx/nfsbucket-operator/internal/s3_agent"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

type fakeBucketChecker struct {
	exists bool
	err    error
}

func (fbc fakeBucketChecker) BucketExists(string) (bool, error) {
	return fbc.exists, fbc.err
}

var _ = Describe("Reconciler", func() {
	var (
		cl         client.WithWatch
		recorder   *record.FakeRecorder
		reconciler *Reconciler
		nfsBucket  *nfsv1.NfsBucket
		objects    []client.Object

		createCalls      int
		failServiceOnce  bool
		nfsBucketPatches int
		nfsBucketUpdates int
	)

	BeforeEach(func() {
		nfsBucket = newNfsBucket("bob", "u-1")
		objects = []client.Object{nfsBucket.DeepCopy()}
		createCalls = 0
		failServiceOnce = false
		nfsBucketPatches = 0
		nfsBucketUpdates = 0
	})

	JustBeforeEach(func() {
		cl = newFakeClient(interceptor.Funcs{
			Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				createCalls++
				if _, ok := obj.(*corev1.Service); ok && failServiceOnce {
					failServiceOnce = false
					return apierrors.NewServiceUnavailable("etcd is unavailable")
				}
				return c.Create(ctx, obj, opts...)
			},
			Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
				if _, ok := obj.(*nfsv1.NfsBucket); ok {
					nfsBucketPatches++
				}
				return c.Patch(ctx, obj, patch, opts...)
			},
			Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
				if _, ok := obj.(*nfsv1.NfsBucket); ok {
					nfsBucketUpdates++
				}
				return c.Update(ctx, obj, opts...)
			},
		}, objects...)
		recorder = record.NewFakeRecorder(10)
		cfg := config.DefaultConfig
		reconciler = NewReconciler(cl, recorder, newTestRenderer(), &cfg)
	})

	getNfsBucket := func(ctx context.Context) *nfsv1.NfsBucket {
		got := &nfsv1.NfsBucket{}
		Expect(cl.Get(ctx, client.ObjectKeyFromObject(nfsBucket), got)).To(Succeed())
		return got
	}

	It("provisions the dependents and marks the request as handled", func(ctx SpecContext) {
		result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Requeue).To(BeFalse())

		for _, obj := range []client.Object{
			&corev1.ReplicationController{}, &corev1.Service{}, &corev1.PersistentVolumeClaim{},
		} {
			Expect(cl.Get(ctx, client.ObjectKey{Namespace: "default", Name: "bob-server"}, obj)).To(Succeed())
			Expect(obj.GetOwnerReferences()).To(ConsistOf(HaveField("UID", BeEquivalentTo("u-1"))))
		}
		pv := &corev1.PersistentVolume{}
		Expect(cl.Get(ctx, client.ObjectKey{Name: "bob-server"}, pv)).To(Succeed())
		Expect(pv.OwnerReferences).To(ConsistOf(HaveField("UID", BeEquivalentTo("u-1"))))

		got := getNfsBucket(ctx)
		Expect(got.Spec.Handled).To(BeTrue())
		Expect(got.Spec.Bucket).To(Equal("b1"))
		Expect(recorder.Events).To(Receive(HavePrefix("Normal " + consts.EventReasonProvisioned)))
	})

	It("does not modify the delivered object", func(ctx SpecContext) {
		_, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
		Expect(err).NotTo(HaveOccurred())
		Expect(nfsBucket.Spec.Handled).To(BeFalse())
	})

	When("the request is already handled", func() {
		BeforeEach(func() {
			nfsBucket.Spec.Handled = true
			objects = []client.Object{nfsBucket.DeepCopy()}
		})

		It("provisions nothing", func(ctx SpecContext) {
			for _, eventType := range []watch.EventType{watch.Added, watch.Modified} {
				result, err := reconciler.Handle(ctx, eventType, nfsBucket)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Requeue).To(BeFalse())
			}
			Expect(createCalls).To(BeZero())
			Expect(nfsBucketPatches).To(BeZero())
		})
	})

	It("leaves the request unhandled when a step fails and completes it on the next delivery", func(ctx SpecContext) {
		failServiceOnce = true

		result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Requeue).To(BeTrue())
		Expect(getNfsBucket(ctx).Spec.Handled).To(BeFalse())
		Expect(nfsBucketPatches).To(BeZero())
		Expect(recorder.Events).To(Receive(HavePrefix("Warning " + consts.EventReasonProvisionFailed)))

		result, err = reconciler.Handle(ctx, watch.Modified, nfsBucket)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Requeue).To(BeFalse())
		Expect(getNfsBucket(ctx).Spec.Handled).To(BeTrue())
	})

	It("skips a request missing a required field", func(ctx SpecContext) {
		nfsBucket.Spec.ServiceAccountSecret = ""

		result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Requeue).To(BeFalse())
		Expect(createCalls).To(BeZero())
		Expect(nfsBucketPatches).To(BeZero())
	})

	When("the request was deleted before the write-back", func() {
		BeforeEach(func() {
			objects = nil
		})

		It("does not fail", func(ctx SpecContext) {
			result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeue).To(BeFalse())
			Expect(createCalls).To(Equal(4))
			Expect(nfsBucketPatches).To(Equal(1))
		})
	})

	When("the request is deleted", func() {
		JustBeforeEach(func(ctx SpecContext) {
			_, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(cl.Delete(ctx, getNfsBucket(ctx))).To(Succeed())
			nfsBucketPatches = 0
			nfsBucketUpdates = 0
			Eventually(recorder.Events).Should(Receive())
		})

		It("removes the dependents without writing back", func(ctx SpecContext) {
			nfsBucket.Spec.Handled = true

			result, err := reconciler.Handle(ctx, watch.Deleted, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeue).To(BeFalse())

			Expect(apierrors.IsNotFound(cl.Get(ctx, client.ObjectKey{Namespace: "default", Name: "bob-server"},
				&corev1.ReplicationController{}))).To(BeTrue())
			Expect(apierrors.IsNotFound(cl.Get(ctx, client.ObjectKey{Name: "bob-server"},
				&corev1.PersistentVolume{}))).To(BeTrue())
			Expect(nfsBucketPatches).To(BeZero())
			Expect(nfsBucketUpdates).To(BeZero())
			Expect(recorder.Events).To(Receive(HavePrefix("Normal " + consts.EventReasonDeprovisioned)))
		})

		It("tears down unhandled requests too", func(ctx SpecContext) {
			result, err := reconciler.Handle(ctx, watch.Deleted, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeue).To(BeFalse())
			Expect(apierrors.IsNotFound(cl.Get(ctx, client.ObjectKey{Namespace: "default", Name: "bob-server"},
				&corev1.Service{}))).To(BeTrue())
		})
	})

	When("the bucket check is enabled", func() {
		var checker fakeBucketChecker

		BeforeEach(func() {
			checker = fakeBucketChecker{exists: true}
			objects = append(objects, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "s1"},
				Data: map[string][]byte{
					consts.DataKeyAccessKey: []byte("access"),
					consts.DataKeySecretKey: []byte("secret"),
				},
			})
		})

		JustBeforeEach(func() {
			reconciler.bucketCheckEnabled = true
			reconciler.s3AgentFactory = func(accessKey, secretKey string) (s3_agent.BucketChecker, error) {
				Expect(accessKey).To(Equal("access"))
				Expect(secretKey).To(Equal("secret"))
				return checker, nil
			}
		})

		It("provisions when the bucket exists", func(ctx SpecContext) {
			_, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(getNfsBucket(ctx).Spec.Handled).To(BeTrue())
		})

		It("leaves the request unhandled when the bucket is missing", func(ctx SpecContext) {
			checker.exists = false

			result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeue).To(BeTrue())
			Expect(createCalls).To(BeZero())
			Expect(getNfsBucket(ctx).Spec.Handled).To(BeFalse())
			Expect(recorder.Events).To(Receive(ContainSubstring("bucket b1 does not exist")))
		})

		It("leaves the request unhandled when the check fails", func(ctx SpecContext) {
			checker.err = errors.New("connection refused")

			result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeue).To(BeTrue())
			Expect(createCalls).To(BeZero())
			Expect(recorder.Events).To(Receive(HavePrefix("Warning " + consts.EventReasonBucketCheckFailed)))
		})

		It("leaves the request unhandled when the secret is missing", func(ctx SpecContext) {
			nfsBucket.Spec.ServiceAccountSecret = "missing"

			result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeue).To(BeTrue())
			Expect(createCalls).To(BeZero())
		})

		When("a credentials secret is configured", func() {
			BeforeEach(func() {
				objects = append(objects, &corev1.Secret{
					ObjectMeta: metav1.ObjectMeta{Namespace: "nfsbucket-system", Name: "rgw-credentials"},
					Data: map[string][]byte{
						consts.DataKeyAccessKey: []byte("rgw-access"),
						consts.DataKeySecretKey: []byte("rgw-secret"),
					},
				})
			})

			JustBeforeEach(func() {
				reconciler.credentialsSecret = client.ObjectKey{Namespace: "nfsbucket-system", Name: "rgw-credentials"}
				reconciler.s3AgentFactory = func(accessKey, secretKey string) (s3_agent.BucketChecker, error) {
					Expect(accessKey).To(Equal("rgw-access"))
					Expect(secretKey).To(Equal("rgw-secret"))
					return checker, nil
				}
			})

			It("checks the bucket with those credentials", func(ctx SpecContext) {
				_, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
				Expect(err).NotTo(HaveOccurred())
				Expect(getNfsBucket(ctx).Spec.Handled).To(BeTrue())
			})

			It("does not need the keys in the service account secret", func(ctx SpecContext) {
				nfsBucket.Spec.ServiceAccountSecret = "key-json-only"

				result, err := reconciler.Handle(ctx, watch.Added, nfsBucket)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Requeue).To(BeFalse())
				Expect(createCalls).To(Equal(4))
			})
		})
	})
})
