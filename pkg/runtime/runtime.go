// Package runtime watches one kind and drives the registered operator's
// state machine for every observed object.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/metrics"
	"github.com/kinetic-k8s/kinetic/pkg/object"
	"github.com/kinetic-k8s/kinetic/pkg/operator"
	"github.com/kinetic-k8s/kinetic/pkg/state"
	"github.com/kinetic-k8s/kinetic/pkg/store"
	"github.com/kinetic-k8s/kinetic/pkg/watch"
)

// Options configures an OperatorRuntime.
type Options struct {
	// Namespace restricts the watch to one namespace; empty watches all.
	Namespace string
	// Filter restricts the watched objects.
	Filter api.ListFilter
	// Buffer is the per-object event channel capacity. Defaults to
	// watch.DefaultBuffer.
	Buffer int
}

// OperatorRuntime consumes the watch stream for one kind and dispatches
// events to per-object supervisor tasks. Events are processed sequentially;
// per-object channels bound the backlog behind each supervisor.
type OperatorRuntime[M client.Object, S any] struct {
	client    api.Client
	operator  operator.Operator[M, S]
	gvk       schema.GroupVersionKind
	prototype M

	opts   Options
	buffer int

	// handlers is confined to the dispatch goroutine; no lock needed.
	handlers map[object.Key]*handler[M]

	store  *store.Store
	engine *state.Engine[M, S]

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New builds a runtime for the operator managing the given kind. The
// prototype is any value of the manifest type; it seeds conversions from
// the untyped watch stream.
func New[M client.Object, S any](c api.Client, op operator.Operator[M, S], gvk schema.GroupVersionKind, prototype M, opts Options) *OperatorRuntime[M, S] {
	return NewWithStore(c, op, gvk, prototype, opts, store.New())
}

// NewWithStore is New with a shared object store, for runtimes launched by
// a manager.
func NewWithStore[M client.Object, S any](c api.Client, op operator.Operator[M, S], gvk schema.GroupVersionKind, prototype M, opts Options, st *store.Store) *OperatorRuntime[M, S] {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = watch.DefaultBuffer
	}
	return &OperatorRuntime[M, S]{
		client:    c,
		operator:  op,
		gvk:       gvk,
		prototype: prototype,
		opts:      opts,
		buffer:    buffer,
		handlers:  map[object.Key]*handler[M]{},
		store:     st,
		engine: &state.Engine[M, S]{
			Client:       c,
			GVK:          gvk,
			Graph:        op.TransitionGraph(),
			FailedStatus: op.FailedStatus,
		},
	}
}

// Store exposes the runtime's object store.
func (r *OperatorRuntime[M, S]) Store() *store.Store {
	return r.store
}

// TrackedKeys lists the object keys with a live handler. Like dispatch, it
// must only be called from the goroutine driving the event loop.
func (r *OperatorRuntime[M, S]) TrackedKeys() []object.Key {
	keys := make([]object.Key, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	return keys
}

// Shutdown gates the dispatcher: Applied events for new work are dropped
// while Deleted and Restarted still flow, so in-flight objects can finish.
func (r *OperatorRuntime[M, S]) Shutdown() {
	r.shuttingDown.Store(true)
}

// dispatch routes one event to the owning supervisor, creating it on the
// first Applied for a key. A send to a dead handler removes it so the next
// event creates a fresh one.
func (r *OperatorRuntime[M, S]) dispatch(ctx context.Context, ev objectEvent[M]) error {
	switch ev.eventType {
	case api.Applied:
		key := object.KeyFor(ev.manifest)
		h, ok := r.handlers[key]
		if !ok {
			klog.V(3).Infof("Creating event handler for object %s", key)
			started, err := r.startObject(ctx, ev.manifest)
			if err != nil {
				return fmt.Errorf("starting object %s: %w", key, err)
			}
			r.handlers[key] = started
			return nil
		}
		if h.exited.IsSet() {
			klog.Warningf("Event handler for object %s has exited; dropping event, will recreate on next event", key)
			delete(r.handlers, key)
			return nil
		}
		select {
		case h.events <- ev:
		case <-h.exited.Done():
			klog.Warningf("Event handler for object %s has exited; dropping event, will recreate on next event", key)
			delete(r.handlers, key)
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil

	case api.Deleted:
		h, ok := r.handlers[ev.key]
		if !ok {
			return nil
		}
		// Remove before forwarding so later events cannot reach the dying
		// supervisor.
		delete(r.handlers, ev.key)
		select {
		case h.events <- ev:
		case <-h.exited.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return nil
}

// resync reconciles the handler table against the authoritative object
// list: synthetic deletes for vanished keys first, applies for the rest.
func (r *OperatorRuntime[M, S]) resync(ctx context.Context, objects []M) error {
	current := sets.New[object.Key]()
	for _, obj := range objects {
		current.Insert(object.KeyFor(obj))
	}
	tracked := sets.New[object.Key]()
	for key := range r.handlers {
		tracked.Insert(key)
	}

	for key := range tracked.Difference(current) {
		klog.V(4).Infof("Resync: object %s no longer listed, dispatching delete", key)
		if err := r.dispatch(ctx, objectEvent[M]{eventType: api.Deleted, key: key}); err != nil {
			return err
		}
	}
	for _, obj := range objects {
		if err := r.dispatch(ctx, objectEvent[M]{eventType: api.Applied, manifest: obj}); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent feeds one typed watch event through the dispatcher.
func (r *OperatorRuntime[M, S]) HandleEvent(ctx context.Context, ev api.Event[M]) {
	if ev.Type == api.Applied && r.shuttingDown.Load() {
		klog.Warningf("Shutting down, dropping Applied event for %s", object.KeyFor(ev.Object))
		metrics.EventsDropped.WithLabelValues(r.gvk.Kind).Inc()
		return
	}
	metrics.EventsDispatched.WithLabelValues(r.gvk.Kind, string(ev.Type)).Inc()

	switch ev.Type {
	case api.Restarted:
		klog.Infof("Watch restarted for %s, resyncing %d objects", r.gvk.Kind, len(ev.Objects))
		if err := r.resync(ctx, ev.Objects); err != nil {
			klog.Warningf("Error resyncing %s objects: %v", r.gvk.Kind, err)
		}
	case api.Applied:
		if err := r.dispatch(ctx, objectEvent[M]{eventType: api.Applied, manifest: ev.Object}); err != nil {
			klog.Warningf("Error dispatching event for %s: %v", object.KeyFor(ev.Object), err)
		}
	case api.Deleted:
		key := object.KeyFor(ev.Object)
		if err := r.dispatch(ctx, objectEvent[M]{eventType: api.Deleted, key: key}); err != nil {
			klog.Warningf("Error dispatching event for %s: %v", key, err)
		}
	}
}

// HandleDynamicEvent converts an untyped watcher event, mirrors it into the
// object store, and feeds it through the dispatcher.
func (r *OperatorRuntime[M, S]) HandleDynamicEvent(ctx context.Context, ev api.DynamicEvent) {
	switch ev.Type {
	case api.Restarted:
		r.store.Replace(r.gvk, ev.Objects)
		objs := make([]M, 0, len(ev.Objects))
		for _, u := range ev.Objects {
			obj, err := r.convert(u)
			if err != nil {
				klog.Warningf("Dropping unconvertible %s object %s: %v", r.gvk.Kind, object.KeyFor(u), err)
				continue
			}
			objs = append(objs, obj)
		}
		r.HandleEvent(ctx, api.Event[M]{Type: api.Restarted, Objects: objs})
	case api.Applied:
		r.store.Insert(r.gvk, object.KeyFor(ev.Object), ev.Object)
		obj, err := r.convert(ev.Object)
		if err != nil {
			klog.Warningf("Dropping unconvertible %s object %s: %v", r.gvk.Kind, object.KeyFor(ev.Object), err)
			return
		}
		r.HandleEvent(ctx, api.Event[M]{Type: api.Applied, Object: obj})
	case api.Deleted:
		r.store.Delete(r.gvk, object.KeyFor(ev.Object))
		obj, err := r.convert(ev.Object)
		if err != nil {
			klog.Warningf("Dropping unconvertible %s object %s: %v", r.gvk.Kind, object.KeyFor(ev.Object), err)
			return
		}
		r.HandleEvent(ctx, api.Event[M]{Type: api.Deleted, Object: obj})
	}
}

func (r *OperatorRuntime[M, S]) convert(u *unstructured.Unstructured) (M, error) {
	obj, ok := r.prototype.DeepCopyObject().(M)
	if !ok {
		var zero M
		return zero, fmt.Errorf("prototype %T does not copy to manifest type", r.prototype)
	}
	if err := k8sruntime.DefaultUnstructuredConverter.FromUnstructured(u.Object, obj); err != nil {
		var zero M
		return zero, fmt.Errorf("converting %s: %w", u.GetName(), err)
	}
	return obj, nil
}

// Run launches the watcher for the managed kind and processes its events
// until ctx is done, then waits for all supervisors to wind down.
func (r *OperatorRuntime[M, S]) Run(ctx context.Context) {
	desc := watch.New(r.gvk, r.opts.Namespace, r.opts.Filter)
	handle, events := desc.Open(r.buffer)

	go watch.Run(ctx, r.client, handle)
	r.RunWithEvents(ctx, events)
}

// RunWithEvents processes an externally supplied event stream, for
// controllers whose watcher is owned by a manager.
func (r *OperatorRuntime[M, S]) RunWithEvents(ctx context.Context, events <-chan api.DynamicEvent) {
	defer utilruntime.HandleCrash()
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case ev := <-events:
			r.HandleDynamicEvent(ctx, ev)
		}
	}
}

// Start runs the watcher loop and, when the operator implements
// operator.Admitter, the admission webhook endpoint alongside it. Blocks
// until ctx is done.
func (r *OperatorRuntime[M, S]) Start(ctx context.Context, webhookAddr string) error {
	admitter, ok := any(r.operator).(operator.Admitter)
	if !ok {
		r.Run(ctx)
		return nil
	}

	server, err := admissionServer(ctx, admitter, r.gvk, webhookAddr)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx)
	}()
	r.Run(ctx)
	if err := <-done; err != nil {
		return fmt.Errorf("admission endpoint: %w", err)
	}
	return nil
}
