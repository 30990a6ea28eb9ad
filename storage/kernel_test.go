package storage

import (
	"github.com/mcs-systems/mcs/cmn"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Kernel access tokens", func() {
	var k *Kernel

	BeforeEach(func() {
		k = NewKernel()
	})

	It("grants a write token that registers a new storage", func() {
		wtok := k.WriteAccess()
		defer wtok.Release()

		heap, err := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		Expect(err).NotTo(HaveOccurred())
		id, err := k.Create(wtok, heap)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(cmn.StorageID(0)))
	})

	It("rejects a token minted by a different kernel", func() {
		other := NewKernel()
		foreign := other.WriteAccess()
		defer foreign.Release()

		heap, _ := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		_, err := k.Create(foreign, heap)
		Expect(err).To(HaveOccurred())
		_, ok := err.(*cmn.AccessTokenMismatchError)
		Expect(ok).To(BeTrue())
	})

	It("rejects a typed façade call against the wrong active variant", func() {
		wtok := k.WriteAccess()
		heap, _ := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		id, err := k.Create(wtok, heap)
		Expect(err).NotTo(HaveOccurred())
		wtok.Release()

		rtok := k.ReadAccess()
		defer rtok.Release()
		_, err = k.SizeUsed(rtok, id, KindFile)
		Expect(err).To(HaveOccurred())
		_, ok := err.(*KindMismatchError)
		Expect(ok).To(BeTrue())
	})

	It("increments the storage id counter across multiple creates", func() {
		wtok := k.WriteAccess()
		defer wtok.Release()
		h1, _ := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		h2, _ := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		id1, err := k.Create(wtok, h1)
		Expect(err).NotTo(HaveOccurred())
		id2, err := k.Create(wtok, h2)
		Expect(err).NotTo(HaveOccurred())
		Expect(id2).To(Equal(id1 + 1))
	})

	It("allows many concurrent read tokens", func() {
		wtok := k.WriteAccess()
		heap, _ := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		id, err := k.Create(wtok, heap)
		Expect(err).NotTo(HaveOccurred())
		wtok.Release()

		r1 := k.ReadAccess()
		r2 := k.ReadAccess()
		defer r1.Release()
		defer r2.Release()

		_, err = k.SizeUsed(r1, id, KindHeap)
		Expect(err).NotTo(HaveOccurred())
		_, err = k.SizeUsed(r2, id, KindHeap)
		Expect(err).NotTo(HaveOccurred())
	})

	It("removes a storage and frees its id from lookups", func() {
		wtok := k.WriteAccess()
		heap, _ := NewHeap(HeapCreateParams{Max: cmn.Unlimited})
		id, err := k.Create(wtok, heap)
		Expect(err).NotTo(HaveOccurred())
		Expect(k.Remove(wtok, id)).To(Succeed())
		wtok.Release()

		rtok := k.ReadAccess()
		defer rtok.Release()
		_, err = k.At(rtok, id)
		Expect(err).To(HaveOccurred())
		_, ok := err.(*cmn.UnknownIDError)
		Expect(ok).To(BeTrue())
	})
})
