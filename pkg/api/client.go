// Package api isolates every interaction with the API server behind a small
// client surface. The runtime core needs only three verbs: status patches,
// zero-grace deletes, and list/watch of a kind.
package api

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/utils/ptr"

	"github.com/kinetic-k8s/kinetic/pkg/object"
)

// ListFilter restricts which objects of a kind a watcher observes.
type ListFilter struct {
	LabelSelector string
	FieldSelector string
}

// ListOptions renders the filter as API list options.
func (f ListFilter) ListOptions() metav1.ListOptions {
	return metav1.ListOptions{
		LabelSelector: f.LabelSelector,
		FieldSelector: f.FieldSelector,
	}
}

// StatusPatcher applies a JSON merge patch to the status subresource of an
// object. The state machine engine depends on nothing else.
type StatusPatcher interface {
	PatchStatus(ctx context.Context, gvk schema.GroupVersionKind, key object.Key, patch []byte) error
}

// Client is the full API-server surface the runtime consumes. Namespace ""
// in List and Watch means all namespaces.
type Client interface {
	StatusPatcher

	// Delete removes the object with a zero grace period. Callers treat a
	// NotFound response as success.
	Delete(ctx context.Context, gvk schema.GroupVersionKind, key object.Key) error

	List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, filter ListFilter) (*unstructured.UnstructuredList, error)

	// Watch opens a watch stream starting at resourceVersion, usually the
	// version returned by the List the caller resynced from.
	Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace string, filter ListFilter, resourceVersion string) (watch.Interface, error)
}

type kubeClient struct {
	dyn    dynamic.Interface
	mapper *restmapper.DeferredDiscoveryRESTMapper
}

var _ Client = &kubeClient{}

// NewClient builds a Client backed by the dynamic client, resolving kinds to
// resources through cached discovery.
func NewClient(cfg *rest.Config) (Client, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	disc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disc))
	return &kubeClient{dyn: dyn, mapper: mapper}, nil
}

func (c *kubeClient) resourceFor(gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error) {
	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("resolving resource for %s: %w", gvk, err)
	}
	if namespace != "" {
		return c.dyn.Resource(mapping.Resource).Namespace(namespace), nil
	}
	return c.dyn.Resource(mapping.Resource), nil
}

func (c *kubeClient) PatchStatus(ctx context.Context, gvk schema.GroupVersionKind, key object.Key, patch []byte) error {
	res, err := c.resourceFor(gvk, key.Namespace)
	if err != nil {
		return err
	}
	_, err = res.Patch(ctx, key.Name, types.MergePatchType, patch, metav1.PatchOptions{}, "status")
	return err
}

func (c *kubeClient) Delete(ctx context.Context, gvk schema.GroupVersionKind, key object.Key) error {
	res, err := c.resourceFor(gvk, key.Namespace)
	if err != nil {
		return err
	}
	return res.Delete(ctx, key.Name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To[int64](0),
	})
}

func (c *kubeClient) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, filter ListFilter) (*unstructured.UnstructuredList, error) {
	res, err := c.resourceFor(gvk, namespace)
	if err != nil {
		return nil, err
	}
	return res.List(ctx, filter.ListOptions())
}

func (c *kubeClient) Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace string, filter ListFilter, resourceVersion string) (watch.Interface, error) {
	res, err := c.resourceFor(gvk, namespace)
	if err != nil {
		return nil, err
	}
	opts := filter.ListOptions()
	opts.AllowWatchBookmarks = true
	opts.ResourceVersion = resourceVersion
	return res.Watch(ctx, opts)
}
