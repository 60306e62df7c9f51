// Package watch describes watched kinds and carries their event streams.
package watch

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kinetic-k8s/kinetic/pkg/api"
)

// DefaultBuffer is the per-handle event channel capacity.
const DefaultBuffer = 32

// Descriptor immutably identifies a watched kind and scope. Namespace ""
// watches across all namespaces. Two descriptors are equivalent iff all
// fields match; the manager uses equality to deduplicate watchers.
type Descriptor struct {
	GVK       schema.GroupVersionKind
	Namespace string
	Filter    api.ListFilter
}

// New captures the identity of a kind to watch.
func New(gvk schema.GroupVersionKind, namespace string, filter api.ListFilter) Descriptor {
	return Descriptor{GVK: gvk, Namespace: namespace, Filter: filter}
}

func (d Descriptor) String() string {
	if d.Namespace == "" {
		return d.GVK.String()
	}
	return fmt.Sprintf("%s in %s", d.GVK, d.Namespace)
}

// Handle pairs a descriptor with the send endpoint of its event channel.
// Handles may be copied so one descriptor can feed multiple consumers.
type Handle struct {
	Descriptor Descriptor
	Events     chan<- api.DynamicEvent
}

// Open materialises a bounded event channel for the descriptor and returns
// the handle together with the receive side.
func (d Descriptor) Open(buffer int) (Handle, <-chan api.DynamicEvent) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan api.DynamicEvent, buffer)
	return Handle{Descriptor: d, Events: ch}, ch
}
