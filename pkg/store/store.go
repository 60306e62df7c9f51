// Package store holds the process-wide registry of watched objects. The
// consumers of watcher events write the latest manifest of every observed
// object into a per-kind cache; any controller sharing the store can look
// objects up by kind and key.
package store

import (
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/tools/cache"

	"github.com/kinetic-k8s/kinetic/pkg/object"
)

// Store maps kind -> keyed cache -> object. Each per-kind table is an
// independently locked client-go ThreadSafeStore; the outer lock only guards
// the kind map itself. Share a Store by sharing the pointer.
type Store struct {
	mu    sync.RWMutex
	kinds map[schema.GroupVersionKind]cache.ThreadSafeStore
}

// New returns an empty store.
func New() *Store {
	return &Store{kinds: map[schema.GroupVersionKind]cache.ThreadSafeStore{}}
}

func (s *Store) table(gvk schema.GroupVersionKind) cache.ThreadSafeStore {
	s.mu.RLock()
	t, ok := s.kinds[gvk]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.kinds[gvk]; ok {
		return t
	}
	t = cache.NewThreadSafeStore(cache.Indexers{}, cache.Indices{})
	s.kinds[gvk] = t
	return t
}

// Insert records the latest manifest for (gvk, key). Last writer wins.
func (s *Store) Insert(gvk schema.GroupVersionKind, key object.Key, obj *unstructured.Unstructured) {
	s.table(gvk).Update(key.String(), obj)
}

// Delete removes the cached manifest for (gvk, key), if any.
func (s *Store) Delete(gvk schema.GroupVersionKind, key object.Key) {
	s.table(gvk).Delete(key.String())
}

// Get returns the cached manifest for (gvk, key). The second return is
// false when the key is absent.
func (s *Store) Get(gvk schema.GroupVersionKind, key object.Key) (*unstructured.Unstructured, bool) {
	item, ok := s.table(gvk).Get(key.String())
	if !ok {
		return nil, false
	}
	return item.(*unstructured.Unstructured), true
}

// Replace swaps the whole per-kind table for the given objects, keyed by
// object key. Used on watch restarts.
func (s *Store) Replace(gvk schema.GroupVersionKind, objs []*unstructured.Unstructured) {
	items := make(map[string]interface{}, len(objs))
	for _, o := range objs {
		items[object.KeyFor(o).String()] = o
	}
	s.table(gvk).Replace(items, "")
}
