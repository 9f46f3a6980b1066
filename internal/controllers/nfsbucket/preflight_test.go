package nfsbucket

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/controllers/common"
)

// brokenMapper fails every lookup as if discovery were unreachable.
type brokenMapper struct {
	meta.RESTMapper
}

func (brokenMapper) RESTMapping(schema.GroupKind, ...string) (*meta.RESTMapping, error) {
	return nil, errors.New("the server is currently unable to handle the request")
}

var _ = Describe("EnsureCRDRegistered", func() {
	It("passes when the kind is served", func() {
		mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{nfsv1.GroupVersion})
		mapper.Add(nfsv1.NfsBucketGroupVersionKind, meta.RESTScopeNamespace)

		Expect(EnsureCRDRegistered(mapper)).To(Succeed())
	})

	It("reports a missing kind as not registered", func() {
		mapper := meta.NewDefaultRESTMapper(nil)

		err := EnsureCRDRegistered(mapper)
		Expect(err).To(MatchError(common.ErrCRDNotRegistered))
	})

	It("does not mistake a lookup failure for a missing kind", func() {
		err := EnsureCRDRegistered(brokenMapper{})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, common.ErrCRDNotRegistered)).To(BeFalse())
	})
})
