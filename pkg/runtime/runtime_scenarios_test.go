package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/api/fake"
	"github.com/kinetic-k8s/kinetic/pkg/object"
	"github.com/kinetic-k8s/kinetic/pkg/runtime"
)

var _ = Describe("OperatorRuntime", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *fake.Client
		op     *testOperator
		rt     *runtime.OperatorRuntime[*unstructured.Unstructured, testShared]
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		client = fake.NewClient()
		op = newTestOperator()
		rt = runtime.New(client, op, widgetGVK, &unstructured.Unstructured{}, runtime.Options{})
		DeferCleanup(cancel)
	})

	applied := func(obj *unstructured.Unstructured) {
		rt.HandleEvent(ctx, api.Event[*unstructured.Unstructured]{Type: api.Applied, Object: obj})
	}
	deleted := func(obj *unstructured.Unstructured) {
		rt.HandleEvent(ctx, api.Event[*unstructured.Unstructured]{Type: api.Deleted, Object: obj})
	}
	restarted := func(objs ...*unstructured.Unstructured) {
		rt.HandleEvent(ctx, api.Event[*unstructured.Unstructured]{Type: api.Restarted, Objects: objs})
	}

	key := func(name string) object.Key { return object.NewNamespacedKey("ns", name) }

	Context("create/delete happy path", func() {
		It("runs the state machine, then tears the object down exactly once", func() {
			applied(widget("w1", "1"))

			By("running the initial state to completion")
			Eventually(op.SeenRevs, 2*time.Second).Should(ContainElement("1"))
			Eventually(op.Registrations, 2*time.Second).Should(Equal([]string{"ns/w1"}))

			By("tearing down on deletion")
			deleted(widget("w1", "1"))

			Eventually(op.DroppedKeys, 2*time.Second).Should(Equal([]string{"ns/w1"}))
			Eventually(op.DeregisteredRevs, 2*time.Second).Should(Equal([]string{"1"}))
			Eventually(func() int { return client.DeleteCount(key("w1")) }, 2*time.Second).Should(Equal(1))

			By("dropping the handler so the key is untracked")
			Expect(rt.TrackedKeys()).To(BeEmpty())

			By("holding the shared state exclusively during the drop")
			Expect(op.SharedDrops()).To(Equal(1))

			By("never running the deleted state after a clean completion")
			Expect(op.DeletedRuns()).To(BeEmpty())
		})
	})

	Context("deletion during work", func() {
		It("cancels the suspended state and runs the deleted state", func() {
			op.workBlocks = true
			applied(widget("w1", "1"))

			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))

			start := time.Now()
			deleted(widget("w1", "1"))

			Eventually(op.DeletedRuns, 2*time.Second).Should(Equal([]string{"ns/w1"}))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))

			Eventually(op.DroppedKeys, 2*time.Second).Should(HaveLen(1))
			Eventually(op.DeregisteredRevs, 2*time.Second).Should(HaveLen(1))
			Eventually(func() int { return client.DeleteCount(key("w1")) }, 2*time.Second).Should(Equal(1))
		})
	})

	Context("deletion timestamp on an applied manifest", func() {
		It("pre-empts the state machine before the Deleted event arrives", func() {
			op.workBlocks = true
			applied(widget("w1", "1"))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))

			applied(deletingWidget("w1", "2"))

			By("running the deleted state and the teardown sequence")
			Eventually(op.DeletedRuns, 2*time.Second).Should(HaveLen(1))
			Eventually(op.DroppedKeys, 2*time.Second).Should(HaveLen(1))
			Eventually(func() int { return client.DeleteCount(key("w1")) }, 2*time.Second).Should(Equal(1))

			By("completing once deletion is confirmed")
			deleted(widget("w1", "2"))
			Eventually(rt.TrackedKeys, 2*time.Second).Should(BeEmpty())
		})
	})

	Context("rapid update coalescing", func() {
		It("observes the newest manifest and never an older one after it", func() {
			op.workGate = make(chan struct{})
			op.recordUntil = "100"

			applied(widget("w1", "1"))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))

			for i := 2; i <= 100; i++ {
				applied(widget("w1", fmt.Sprintf("%d", i)))
			}
			close(op.workGate)

			Eventually(op.SeenRevs, 5*time.Second).Should(ContainElement("100"))

			revs := op.SeenRevs()
			Expect(revs[len(revs)-1]).To(Equal("100"))
			last := 0
			for _, r := range revs {
				var n int
				_, err := fmt.Sscanf(r, "%d", &n)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(BeNumerically(">=", last), "observed an older manifest after a newer one: %v", revs)
				last = n
			}
		})
	})

	Context("restart diffing", func() {
		It("deletes vanished keys and applies the incoming ones", func() {
			applied(widget("a", "1"))
			applied(widget("b", "1"))
			applied(widget("c", "1"))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(3))

			restarted(widget("a", "2"), widget("b", "2"), widget("d", "1"))

			By("sending exactly one synthetic delete to the vanished key")
			Eventually(op.DroppedKeys, 2*time.Second).Should(Equal([]string{"ns/c"}))

			By("starting a supervisor for the new key")
			Eventually(func() int { return op.RegistrationCount("ns/d") }, 2*time.Second).Should(Equal(1))

			By("not restarting supervisors for surviving keys")
			Expect(op.RegistrationCount("ns/a")).To(Equal(1))
			Expect(op.RegistrationCount("ns/b")).To(Equal(1))

			Expect(rt.TrackedKeys()).To(ConsistOf(key("a"), key("b"), key("d")))
		})
	})

	Context("shutdown gate", func() {
		It("drops new work but still processes deletions", func() {
			applied(widget("w1", "1"))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))

			rt.Shutdown()

			applied(widget("w2", "1"))
			Consistently(func() int { return op.RegistrationCount("ns/w2") }, 200*time.Millisecond).Should(BeZero())
			Expect(rt.TrackedKeys()).To(ConsistOf(key("w1")))

			deleted(widget("w1", "1"))
			Eventually(op.DroppedKeys, 2*time.Second).Should(Equal([]string{"ns/w1"}))
		})
	})

	Context("handler lifecycle", func() {
		It("starts a fresh supervisor when a deleted key reappears", func() {
			applied(widget("w1", "1"))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))

			deleted(widget("w1", "1"))
			Eventually(rt.TrackedKeys, 2*time.Second).Should(BeEmpty())

			applied(widget("w1", "2"))
			Eventually(func() int { return op.RegistrationCount("ns/w1") }, 2*time.Second).Should(Equal(2))
		})

		It("keeps at most one handler per key", func() {
			for i := 0; i < 5; i++ {
				applied(widget("w1", fmt.Sprintf("%d", i)))
			}
			Expect(rt.TrackedKeys()).To(HaveLen(1))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))
		})

		It("replaces a handler whose supervisor aborted", func() {
			op.setRegErr(errors.New("not ready"))
			applied(widget("w1", "1"))
			Eventually(func() int { return op.RegistrationCount("ns/w1") }, 2*time.Second).Should(Equal(1))

			op.setRegErr(nil)

			// The first event notices the dead handler and removes it; the
			// next one creates a fresh supervisor.
			Eventually(func() int {
				applied(widget("w1", "2"))
				return op.RegistrationCount("ns/w1")
			}, 2*time.Second).Should(Equal(2))
		})

		It("logs and skips objects whose state cannot be initialized", func() {
			op.setInitErr(errors.New("no capacity"))
			applied(widget("w1", "1"))
			Expect(rt.TrackedKeys()).To(BeEmpty())

			op.setInitErr(nil)
			applied(widget("w1", "2"))
			Eventually(op.Registrations, 2*time.Second).Should(HaveLen(1))
		})
	})
})
