// Package fake provides an in-memory api.Client for tests. It records every
// status patch and delete, serves lists from a scriptable object set, and
// hands out fake watch streams.
package fake

import (
	"context"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/object"
)

// StatusPatch records one PatchStatus call.
type StatusPatch struct {
	GVK   schema.GroupVersionKind
	Key   object.Key
	Patch []byte
}

// Delete records one Delete call.
type Delete struct {
	GVK schema.GroupVersionKind
	Key object.Key
}

// Client implements api.Client for tests.
type Client struct {
	mu sync.Mutex

	statusPatches []StatusPatch
	deletes       []Delete

	// PatchStatusErr and DeleteErr, when set, are returned by the
	// corresponding calls.
	PatchStatusErr error
	DeleteErr      error

	// ListObjects is returned by List.
	ListObjects []unstructured.Unstructured

	watchers []*watch.FakeWatcher
}

var _ api.Client = &Client{}

// NewClient returns an empty fake client.
func NewClient() *Client {
	return &Client{}
}

func (c *Client) PatchStatus(_ context.Context, gvk schema.GroupVersionKind, key object.Key, patch []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PatchStatusErr != nil {
		return c.PatchStatusErr
	}
	c.statusPatches = append(c.statusPatches, StatusPatch{GVK: gvk, Key: key, Patch: append([]byte(nil), patch...)})
	return nil
}

func (c *Client) Delete(_ context.Context, gvk schema.GroupVersionKind, key object.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.deletes = append(c.deletes, Delete{GVK: gvk, Key: key})
	return nil
}

func (c *Client) List(_ context.Context, _ schema.GroupVersionKind, _ string, _ api.ListFilter) (*unstructured.UnstructuredList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := &unstructured.UnstructuredList{
		Object: map[string]interface{}{"metadata": map[string]interface{}{"resourceVersion": "1"}},
	}
	list.Items = append(list.Items, c.ListObjects...)
	return list, nil
}

func (c *Client) Watch(_ context.Context, _ schema.GroupVersionKind, _ string, _ api.ListFilter, _ string) (watch.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := watch.NewFakeWithChanSize(64, false)
	c.watchers = append(c.watchers, w)
	return w, nil
}

// WatcherCount reports how many watch streams were opened.
func (c *Client) WatcherCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

// LastWatcher returns the most recently opened fake watch stream.
func (c *Client) LastWatcher() *watch.FakeWatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.watchers) == 0 {
		return nil
	}
	return c.watchers[len(c.watchers)-1]
}

// StatusPatches returns a copy of the recorded status patches.
func (c *Client) StatusPatches() []StatusPatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StatusPatch(nil), c.statusPatches...)
}

// Deletes returns a copy of the recorded deletes.
func (c *Client) Deletes() []Delete {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delete(nil), c.deletes...)
}

// DeleteCount reports how many deletes were issued for key.
func (c *Client) DeleteCount(key object.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.deletes {
		if d.Key == key {
			n++
		}
	}
	return n
}

// SetListObjects replaces the objects served by List.
func (c *Client) SetListObjects(objs []unstructured.Unstructured) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ListObjects = objs
}

// NotFoundError builds the API status error Delete returns for a missing
// object, for wiring into DeleteErr.
func NotFoundError(gvk schema.GroupVersionKind, name string) error {
	return apierrors.NewNotFound(schema.GroupResource{Group: gvk.Group, Resource: gvk.Kind}, name)
}
