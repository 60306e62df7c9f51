package runtime

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/manifest"
	"github.com/kinetic-k8s/kinetic/pkg/metrics"
	"github.com/kinetic-k8s/kinetic/pkg/object"
)

// objectEvent is the per-object event delivered from the dispatcher to a
// supervisor's fan-in task.
type objectEvent[M client.Object] struct {
	eventType api.EventType
	manifest  M          // Applied only
	key       object.Key // Deleted only
}

// handler is the dispatcher's endpoint for one live object: the event
// channel and the signal the supervisor sets on exit, which lets the
// dispatcher notice a dead handler instead of blocking on its channel.
type handler[M client.Object] struct {
	events chan objectEvent[M]
	exited *signal
}

// startObject spawns the two tasks owning one object: the fan-in task
// tracking the latest manifest and deletion flags, and the supervisor
// driving the state machine and teardown. Initialization errors propagate
// to the dispatcher.
func (r *OperatorRuntime[M, S]) startObject(ctx context.Context, man M) (*handler[M], error) {
	objectState, err := r.operator.InitializeObjectState(ctx, man)
	if err != nil {
		return nil, err
	}

	h := &handler[M]{
		events: make(chan objectEvent[M], r.buffer),
		exited: newSignal(),
	}

	deleted := newSignal()
	deletedConfirmed := newSignal()
	manTx, manRx := manifest.New(man)

	go func() {
		defer utilruntime.HandleCrash()
		for {
			var ev objectEvent[M]
			select {
			case ev = <-h.events:
			case <-ctx.Done():
				return
			}
			switch ev.eventType {
			case api.Applied:
				if ev.manifest.GetDeletionTimestamp() != nil {
					deleted.Set()
				}
				if err := manTx.Send(ev.manifest); err != nil {
					klog.V(4).Infof("Manifest receiver for object %s hung up, exiting", object.KeyFor(ev.manifest))
					return
				}
			case api.Deleted:
				klog.V(4).Infof("Object %s deleted", ev.key)
				deleted.Set()
				deletedConfirmed.Set()
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer utilruntime.HandleCrash()
		defer h.exited.Set()
		r.runObjectTask(ctx, objectState, manRx, deleted, deletedConfirmed)
	}()

	return h, nil
}

// runObjectTask is the supervisor for one object: registration hook, state
// machine raced against deletion, quiesce, async drop, deregistration hook,
// API delete, confirmation wait.
func (r *OperatorRuntime[M, S]) runObjectTask(
	ctx context.Context,
	objectState object.State[S],
	manRx *manifest.Receiver[M],
	deleted, deletedConfirmed *signal,
) {
	defer manRx.Close()

	metrics.ActiveSupervisors.WithLabelValues(r.gvk.Kind).Inc()
	defer metrics.ActiveSupervisors.WithLabelValues(r.gvk.Kind).Dec()

	man := manRx.Latest()
	key := object.KeyFor(man)

	klog.V(3).Infof("Running registration hook for object %s", key)
	if err := r.operator.RegistrationHook(ctx, man); err != nil {
		klog.Errorf("Registration hook for object %s failed: %v", key, err)
		return
	}

	shared := r.operator.SharedState()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	engineDone := make(chan struct{})
	go func() {
		defer utilruntime.HandleCrash()
		defer close(engineDone)
		if err := r.engine.Run(runCtx, r.operator.InitialState(), shared, objectState, manRx); err != nil && runCtx.Err() == nil {
			klog.V(3).Infof("State machine for object %s terminated: %v", key, err)
		}
	}()

	select {
	case <-engineDone:
	case <-deleted.Done():
		// Cancel the running state at its nearest suspension point, then
		// hand control to the deleted state.
		cancel()
		<-engineDone
		klog.V(3).Infof("Object %s terminated, jumping to deleted state", key)
		if err := r.engine.Run(ctx, r.operator.DeletedState(), shared, objectState, manRx); err != nil {
			klog.V(3).Infof("Deleted state for object %s terminated: %v", key, err)
		}
	}

	// The state machine may have completed while the object still exists;
	// hold until it is actually going away.
	klog.V(4).Infof("Object %s waiting for deregistration", key)
	select {
	case <-deleted.Done():
	case <-ctx.Done():
		return
	}

	func() {
		sharedPtr := shared.Lock()
		defer shared.Unlock()
		objectState.AsyncDrop(ctx, sharedPtr)
	}()

	last := manRx.Latest()
	if err := r.operator.DeregistrationHook(ctx, last); err != nil {
		klog.Warningf("Deregistration hook for object %s failed: %v", key, err)
	}

	if err := r.client.Delete(ctx, r.gvk, key); err != nil {
		if apierrors.IsNotFound(err) {
			klog.V(3).Infof("Object %s already deleted", key)
		} else {
			klog.Warningf("Unable to delete object %s: %v", key, err)
		}
	} else {
		klog.V(3).Infof("Object %s deregistered", key)
	}

	select {
	case <-deletedConfirmed.Done():
	case <-ctx.Done():
		return
	}
	klog.V(3).Infof("Object %s deleted", key)
}
