package v1

import (
	"context"
	goerrors "errors"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

func getNfsBucket(bucket, secret string, handled bool) *NfsBucket {
	return &NfsBucket{
		TypeMeta: metav1.TypeMeta{
			APIVersion: GroupVersion.String(),
			Kind:       NfsBucketKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      "bob",
		},
		Spec: &NfsBucketSpec{
			Bucket:               bucket,
			ServiceAccountSecret: secret,
			Handled:              handled,
		},
	}
}

func expectInvalid(err error, message string) {
	var apiStatus apierrors.APIStatus
	ExpectWithOffset(1, goerrors.As(err, &apiStatus)).To(BeTrue())
	ExpectWithOffset(1, apiStatus.Status().Code).To(Equal(int32(http.StatusUnprocessableEntity)))
	ExpectWithOffset(1, apiStatus.Status().Message).To(ContainSubstring(message))
}

var _ = Describe("NfsBucket webhook", func() {
	BeforeEach(func() {
		runtimeClient = fake.NewClientBuilder().
			WithScheme(testScheme).
			WithObjects(&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "s1"}}).
			Build()
	})

	Context("When creating NfsBucket", func() {
		It("Should allow a request whose secret exists", func() {
			_, err := getNfsBucket("b1", "s1", false).ValidateCreate()
			Expect(err).NotTo(HaveOccurred())
		})

		It("Should deny a request without bucket", func() {
			_, err := getNfsBucket("", "s1", false).ValidateCreate()
			expectInvalid(err, consts.BucketRequiredErrMessage)
		})

		It("Should deny a request without secret", func() {
			_, err := getNfsBucket("b1", "", false).ValidateCreate()
			expectInvalid(err, consts.SecretRequiredErrMessage)
		})

		It("Should deny a request without spec", func() {
			nfsBucket := getNfsBucket("b1", "s1", false)
			nfsBucket.Spec = nil

			_, err := nfsBucket.ValidateCreate()
			expectInvalid(err, "spec")
		})

		It("Should deny a name too long for the dependent names", func() {
			nfsBucket := getNfsBucket("b1", "s1", false)
			nfsBucket.Name = strings.Repeat("a", consts.MaxRequestNameLength+1)

			_, err := nfsBucket.ValidateCreate()
			expectInvalid(err, "metadata.name")
		})

		It("Should allow the longest name whose dependent names stay valid", func() {
			nfsBucket := getNfsBucket("b1", "s1", false)
			nfsBucket.Name = strings.Repeat("a", consts.MaxRequestNameLength)

			_, err := nfsBucket.ValidateCreate()
			Expect(err).NotTo(HaveOccurred())
		})

		It("Should deny a request whose secret does not exist", func() {
			_, err := getNfsBucket("b1", "s2", false).ValidateCreate()
			expectInvalid(err, consts.SecretNotFoundErrMessage)
		})

		It("Should fail closed when the secret cannot be read", func() {
			runtimeClient = interceptor.NewClient(fake.NewClientBuilder().WithScheme(testScheme).Build(), interceptor.Funcs{
				Get: func(context.Context, client.WithWatch, client.ObjectKey, client.Object, ...client.GetOption) error {
					return apierrors.NewServiceUnavailable("etcd is unavailable")
				},
			})

			_, err := getNfsBucket("b1", "s1", false).ValidateCreate()
			Expect(err).To(MatchError(internalErrorMessage))
		})
	})

	Context("When updating NfsBucket", func() {
		It("Should allow the controller to mark the request as handled", func() {
			_, err := getNfsBucket("b1", "s1", true).ValidateUpdate(getNfsBucket("b1", "s1", false))
			Expect(err).NotTo(HaveOccurred())
		})

		It("Should allow changing the bucket before the request is handled", func() {
			_, err := getNfsBucket("b2", "s2", false).ValidateUpdate(getNfsBucket("b1", "s1", false))
			Expect(err).NotTo(HaveOccurred())
		})

		It("Should deny changing the bucket of a handled request", func() {
			_, err := getNfsBucket("b2", "s1", true).ValidateUpdate(getNfsBucket("b1", "s1", true))
			expectInvalid(err, consts.BucketImmutableErrMessage)
		})

		It("Should deny changing the secret of a handled request", func() {
			_, err := getNfsBucket("b1", "s2", true).ValidateUpdate(getNfsBucket("b1", "s1", true))
			expectInvalid(err, consts.SecretImmutableErrMessage)
		})

		It("Should deny clearing the bucket", func() {
			_, err := getNfsBucket("", "s1", false).ValidateUpdate(getNfsBucket("b1", "s1", false))
			expectInvalid(err, consts.BucketRequiredErrMessage)
		})
	})

	Context("When deleting NfsBucket", func() {
		It("Should always allow", func() {
			_, err := getNfsBucket("b1", "s1", true).ValidateDelete()
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
