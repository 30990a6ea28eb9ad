package bufferpool_test

import (
	"time"

	"github.com/mcs-systems/mcs/bufferpool"
	"github.com/mcs-systems/mcs/cmn"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool", func() {
	It("hands out at most N outstanding slots", func() {
		p := bufferpool.New(64, 2)
		b1, err := p.Acquire(nil, time.Time{})
		Expect(err).NotTo(HaveOccurred())
		b2, err := p.Acquire(nil, time.Time{})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Outstanding()).To(Equal(2))

		_, err = p.Acquire(nil, time.Now().Add(20*time.Millisecond))
		Expect(err).To(BeAssignableToTypeOf(&cmn.TimeoutError{}))

		b1.Release()
		b3, err := p.Acquire(nil, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(b3).NotTo(BeNil())
		b2.Release()
		b3.Release()
	})

	It("wakes a blocked acquire on release", func() {
		p := bufferpool.New(32, 1)
		b1, err := p.Acquire(nil, time.Time{})
		Expect(err).NotTo(HaveOccurred())

		done := make(chan struct{})
		var acquireErr error
		go func() {
			_, acquireErr = p.Acquire(nil, time.Now().Add(2*time.Second))
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		b1.Release()

		Eventually(done, time.Second).Should(BeClosed())
		Expect(acquireErr).NotTo(HaveOccurred())
	})

	It("sticky-interrupts a blocked and all future acquires on the same context", func() {
		p := bufferpool.New(32, 1)
		b1, err := p.Acquire(nil, time.Time{})
		Expect(err).NotTo(HaveOccurred())

		ctx := bufferpool.NewInterruptContext()
		done := make(chan error, 1)
		go func() {
			_, err := p.Acquire(ctx, time.Time{})
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		ctx.Interrupt()

		var gotErr error
		Eventually(done, time.Second).Should(Receive(&gotErr))
		Expect(gotErr).To(BeAssignableToTypeOf(&cmn.InterruptedError{}))

		_, err = p.Acquire(ctx, time.Now().Add(time.Second))
		Expect(err).To(BeAssignableToTypeOf(&cmn.InterruptedError{}))

		b1.Release()
	})

	It("fails every waiter once marked in error", func() {
		p := bufferpool.New(16, 1)
		boom := &cmn.AggregateError{}
		p.Error(boom)
		_, err := p.Acquire(nil, time.Time{})
		Expect(err).To(Equal(boom))
	})
})
