package state

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/manifest"
	"github.com/kinetic-k8s/kinetic/pkg/metrics"
	"github.com/kinetic-k8s/kinetic/pkg/object"
)

// Engine runs state machines for objects of one kind.
type Engine[M client.Object, S any] struct {
	// Client patches status; patch failures are logged and never abort a
	// running machine.
	Client api.StatusPatcher
	// GVK is the managed kind.
	GVK schema.GroupVersionKind
	// Graph is the set of declared transitions.
	Graph *TransitionGraph
	// FailedStatus builds the status patched when a state returns an
	// error or an undeclared transition is attempted.
	FailedStatus func(message string) object.Status
}

// Run drives the state machine from start until a state completes. Each
// iteration patches the current state's status, runs its Next step, and
// refreshes the manifest from the cell. Returns nil on normal completion,
// ctx.Err() when pre-empted, a *TransitionRejectedError on an undeclared
// edge, or the error the failing state returned.
func (e *Engine[M, S]) Run(ctx context.Context, start State[M, S], shared *SharedState[S], objectState object.State[S], rx *manifest.Receiver[M]) error {
	current := start
	man := rx.Latest()
	key := object.KeyFor(man)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.patchStatus(ctx, key, current, objectState, man)
		metrics.StateTransitions.WithLabelValues(e.GVK.Kind, current.Name()).Inc()

		klog.V(4).Infof("Object %s entering state %q", key, current.Name())
		transition, err := current.Next(ctx, shared, objectState, man)
		if ctx.Err() != nil {
			// Pre-empted by deletion; the supervisor takes over with the
			// deleted state. No failure status is written.
			return ctx.Err()
		}
		if err != nil {
			klog.Warningf("State %q for object %s failed: %v", current.Name(), key, err)
			e.patchFailed(ctx, key, err.Error())
			return err
		}

		if transition.complete {
			klog.V(3).Infof("State machine for object %s completed in state %q", key, current.Name())
			return nil
		}

		next := transition.next
		if next == nil {
			return nil
		}
		if !e.Graph.Allowed(current.Name(), next.Name()) {
			rejected := &TransitionRejectedError{From: current.Name(), To: next.Name()}
			klog.Errorf("Object %s: %v", key, rejected)
			e.patchFailed(ctx, key, rejected.Error())
			return rejected
		}

		current = next
		man = rx.Latest()
	}
}

func (e *Engine[M, S]) patchStatus(ctx context.Context, key object.Key, current State[M, S], objectState object.State[S], man M) {
	status, err := current.Status(ctx, objectState, man)
	if err != nil {
		klog.Warningf("Computing status in state %q for object %s failed: %v", current.Name(), key, err)
		return
	}
	if err := e.patch(ctx, key, status); err != nil {
		metrics.StatusPatchErrors.WithLabelValues(e.GVK.Kind).Inc()
		klog.Warningf("Patching status in state %q for object %s failed: %v", current.Name(), key, err)
	}
}

func (e *Engine[M, S]) patchFailed(ctx context.Context, key object.Key, message string) {
	if e.FailedStatus == nil {
		return
	}
	if err := e.patch(ctx, key, e.FailedStatus(message)); err != nil {
		metrics.StatusPatchErrors.WithLabelValues(e.GVK.Kind).Inc()
		klog.Warningf("Patching failure status for object %s failed: %v", key, err)
	}
}

func (e *Engine[M, S]) patch(ctx context.Context, key object.Key, status object.Status) error {
	body, err := status.MergePatch()
	if err != nil {
		return fmt.Errorf("marshalling status: %w", err)
	}
	patch, err := json.Marshal(map[string]json.RawMessage{"status": body})
	if err != nil {
		return fmt.Errorf("wrapping status patch: %w", err)
	}
	return e.Client.PatchStatus(ctx, e.GVK, key, patch)
}
