// Package manager coordinates multiple controllers over one API client and
// one shared object store.
package manager

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/object"
	"github.com/kinetic-k8s/kinetic/pkg/runtime"
	"github.com/kinetic-k8s/kinetic/pkg/store"
	"github.com/kinetic-k8s/kinetic/pkg/watch"
)

// subscription is one consumer channel of a watch descriptor.
type subscription struct {
	descriptor watch.Descriptor
	events     chan<- api.DynamicEvent
}

// controllerEntry is one registered controller: its event loop plus the
// auxiliary cache/notification consumers.
type controllerEntry struct {
	run       func(ctx context.Context)
	consumers []func(ctx context.Context)
}

// Manager registers controllers and runs their watchers. All controllers
// share the manager's API client and object store.
type Manager struct {
	client api.Client
	store  *store.Store

	controllers   []controllerEntry
	subscriptions []subscription
}

// New returns a manager around the given client.
func New(c api.Client) *Manager {
	return &Manager{client: c, store: store.New()}
}

// Store exposes the store shared by every registered controller.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Register wires a controller into the manager: the runtime for its managed
// kind, a cache consumer per auxiliary watch, and owner-reference
// notifications for owned kinds. Controllers only run once Start is called.
func Register[M client.Object, S any](m *Manager, b *ControllerBuilder[M, S]) {
	rt := runtime.NewWithStore(m.client, b.operator, b.gvk, b.prototype, runtime.Options{
		Namespace: b.namespace,
		Filter:    b.filter,
		Buffer:    b.buffer,
	}, m.store)

	managedHandle, managedEvents := b.manages().Open(b.buffer)
	m.subscriptions = append(m.subscriptions, subscription{
		descriptor: managedHandle.Descriptor,
		events:     managedHandle.Events,
	})

	entry := controllerEntry{
		run: func(ctx context.Context) {
			rt.RunWithEvents(ctx, managedEvents)
		},
	}

	for _, desc := range b.watches {
		handle, events := desc.Open(b.buffer)
		m.subscriptions = append(m.subscriptions, subscription{
			descriptor: handle.Descriptor,
			events:     handle.Events,
		})
		entry.consumers = append(entry.consumers, m.cacheConsumer(desc.GVK, events, nil))
	}

	for _, desc := range b.owns {
		handle, events := desc.Open(b.buffer)
		m.subscriptions = append(m.subscriptions, subscription{
			descriptor: handle.Descriptor,
			events:     handle.Events,
		})
		notify := m.ownerNotifier(b.gvk, managedHandle)
		entry.consumers = append(entry.consumers, m.cacheConsumer(desc.GVK, events, notify))
	}

	m.controllers = append(m.controllers, entry)
}

// cacheConsumer drains one auxiliary watch into the store and, when notify
// is set, forwards owner notifications for every change.
func (m *Manager) cacheConsumer(gvk schema.GroupVersionKind, events <-chan api.DynamicEvent, notify func(ctx context.Context, obj *unstructured.Unstructured)) func(ctx context.Context) {
	return func(ctx context.Context) {
		defer utilruntime.HandleCrash()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				switch ev.Type {
				case api.Restarted:
					m.store.Replace(gvk, ev.Objects)
				case api.Applied:
					m.store.Insert(gvk, object.KeyFor(ev.Object), ev.Object)
					if notify != nil {
						notify(ctx, ev.Object)
					}
				case api.Deleted:
					m.store.Delete(gvk, object.KeyFor(ev.Object))
					if notify != nil {
						notify(ctx, ev.Object)
					}
				}
			}
		}
	}
}

// ownerNotifier resolves the owner references of a dependent against the
// managed kind's cache and synthesizes an Applied event for each owner it
// finds, so the owner's state machine observes the dependent change.
func (m *Manager) ownerNotifier(ownerGVK schema.GroupVersionKind, managed watch.Handle) func(ctx context.Context, obj *unstructured.Unstructured) {
	apiVersion, kind := ownerGVK.ToAPIVersionAndKind()
	return func(ctx context.Context, obj *unstructured.Unstructured) {
		for _, ref := range obj.GetOwnerReferences() {
			if ref.APIVersion != apiVersion || ref.Kind != kind {
				continue
			}
			key := object.NewKey(ref.Name)
			if ns := obj.GetNamespace(); ns != "" {
				key = object.NewNamespacedKey(ns, ref.Name)
			}
			owner, ok := m.store.Get(ownerGVK, key)
			if !ok {
				klog.V(4).Infof("Owner %s of %s not cached, skipping notification", key, object.KeyFor(obj))
				continue
			}
			select {
			case managed.Events <- api.DynamicEvent{Type: api.Applied, Object: owner}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Start launches one watcher per distinct watch descriptor, the auxiliary
// consumers, and every controller's dispatcher, then blocks until all
// background work completes. Equivalent descriptors registered by multiple
// controllers share a single watcher.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup

	grouped := map[watch.Descriptor][]chan<- api.DynamicEvent{}
	for _, sub := range m.subscriptions {
		grouped[sub.descriptor] = append(grouped[sub.descriptor], sub.events)
	}

	for desc, subscribers := range grouped {
		handle := watch.Handle{Descriptor: desc, Events: subscribers[0]}
		if len(subscribers) > 1 {
			klog.V(3).Infof("Deduplicating %d watchers for %s", len(subscribers), desc)
			tee := make(chan api.DynamicEvent, watch.DefaultBuffer)
			handle = watch.Handle{Descriptor: desc, Events: tee}
			wg.Add(1)
			go func(subs []chan<- api.DynamicEvent) {
				defer wg.Done()
				defer utilruntime.HandleCrash()
				fanOut(ctx, tee, subs)
			}(subscribers)
		}
		wg.Add(1)
		go func(h watch.Handle) {
			defer wg.Done()
			watch.Run(ctx, m.client, h)
		}(handle)
	}

	for _, entry := range m.controllers {
		for _, consumer := range entry.consumers {
			wg.Add(1)
			go func(run func(ctx context.Context)) {
				defer wg.Done()
				run(ctx)
			}(consumer)
		}
		wg.Add(1)
		go func(run func(ctx context.Context)) {
			defer wg.Done()
			run(ctx)
		}(entry.run)
	}

	wg.Wait()
}

func fanOut(ctx context.Context, in <-chan api.DynamicEvent, outs []chan<- api.DynamicEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			for _, out := range outs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
