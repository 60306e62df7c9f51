package manager

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/operator"
	"github.com/kinetic-k8s/kinetic/pkg/watch"
)

// ControllerBuilder accumulates the configuration for one controller: the
// managed kind, auxiliary watches, scope, filter and channel sizing.
type ControllerBuilder[M client.Object, S any] struct {
	operator  operator.Operator[M, S]
	prototype M
	gvk       schema.GroupVersionKind

	namespace string
	filter    api.ListFilter
	watches   []watch.Descriptor
	owns      []watch.Descriptor
	buffer    int
}

// NewControllerBuilder starts a builder for the operator managing the
// prototype's kind, resolved through the scheme.
func NewControllerBuilder[M client.Object, S any](op operator.Operator[M, S], prototype M, scheme *runtime.Scheme) (*ControllerBuilder[M, S], error) {
	gvk, err := apiutil.GVKForObject(prototype, scheme)
	if err != nil {
		return nil, fmt.Errorf("resolving managed kind: %w", err)
	}
	return &ControllerBuilder[M, S]{
		operator:  op,
		prototype: prototype,
		gvk:       gvk,
		buffer:    watch.DefaultBuffer,
	}, nil
}

// Namespaced restricts the controller to one namespace.
func (b *ControllerBuilder[M, S]) Namespaced(namespace string) *ControllerBuilder[M, S] {
	b.namespace = namespace
	return b
}

// WithFilter restricts the managed objects by list filter.
func (b *ControllerBuilder[M, S]) WithFilter(filter api.ListFilter) *ControllerBuilder[M, S] {
	b.filter = filter
	return b
}

// WithBuffer changes the per-object event channel capacity.
func (b *ControllerBuilder[M, S]) WithBuffer(buffer int) *ControllerBuilder[M, S] {
	b.buffer = buffer
	return b
}

// Watches caches all objects of the given kind in the shared store.
func (b *ControllerBuilder[M, S]) Watches(gvk schema.GroupVersionKind) *ControllerBuilder[M, S] {
	b.watches = append(b.watches, watch.New(gvk, "", api.ListFilter{}))
	return b
}

// WatchesNamespaced caches objects of the given kind in one namespace.
func (b *ControllerBuilder[M, S]) WatchesNamespaced(gvk schema.GroupVersionKind, namespace string) *ControllerBuilder[M, S] {
	b.watches = append(b.watches, watch.New(gvk, namespace, api.ListFilter{}))
	return b
}

// WatchesWithFilter caches objects of the given kind matching the filter.
func (b *ControllerBuilder[M, S]) WatchesWithFilter(gvk schema.GroupVersionKind, filter api.ListFilter) *ControllerBuilder[M, S] {
	b.watches = append(b.watches, watch.New(gvk, "", filter))
	return b
}

// WatchesNamespacedWithFilter caches objects of the given kind in one
// namespace, matching the filter.
func (b *ControllerBuilder[M, S]) WatchesNamespacedWithFilter(gvk schema.GroupVersionKind, namespace string, filter api.ListFilter) *ControllerBuilder[M, S] {
	b.watches = append(b.watches, watch.New(gvk, namespace, filter))
	return b
}

// Owns watches the given kind and notifies the managed owner, resolved
// through owner references, whenever one of its dependents changes.
func (b *ControllerBuilder[M, S]) Owns(gvk schema.GroupVersionKind) *ControllerBuilder[M, S] {
	b.owns = append(b.owns, watch.New(gvk, "", api.ListFilter{}))
	return b
}

// OwnsNamespaced is Owns scoped to one namespace.
func (b *ControllerBuilder[M, S]) OwnsNamespaced(gvk schema.GroupVersionKind, namespace string) *ControllerBuilder[M, S] {
	b.owns = append(b.owns, watch.New(gvk, namespace, api.ListFilter{}))
	return b
}

// OwnsWithFilter is Owns limited to objects matching the filter.
func (b *ControllerBuilder[M, S]) OwnsWithFilter(gvk schema.GroupVersionKind, filter api.ListFilter) *ControllerBuilder[M, S] {
	b.owns = append(b.owns, watch.New(gvk, "", filter))
	return b
}

// OwnsNamespacedWithFilter is OwnsNamespaced limited to objects matching
// the filter.
func (b *ControllerBuilder[M, S]) OwnsNamespacedWithFilter(gvk schema.GroupVersionKind, namespace string, filter api.ListFilter) *ControllerBuilder[M, S] {
	b.owns = append(b.owns, watch.New(gvk, namespace, filter))
	return b
}

// manages is the watch descriptor for the controller's own kind.
func (b *ControllerBuilder[M, S]) manages() watch.Descriptor {
	return watch.New(b.gvk, b.namespace, b.filter)
}
