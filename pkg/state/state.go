// Package state implements the typed state machine engine that advances one
// object through its declared states.
package state

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kinetic-k8s/kinetic/pkg/object"
)

// State is one node of an object's state machine. M is the manifest type,
// S the operator-wide shared state.
type State[M client.Object, S any] interface {
	// Name identifies the state in the transition graph and in logs.
	Name() string

	// Next advances the object. It may suspend arbitrarily long and must
	// be cancel-safe: when ctx is cancelled mid-suspension no partial
	// external mutation may remain observable. A non-nil error terminates
	// the state machine with a failure status.
	Next(ctx context.Context, shared *SharedState[S], objectState object.State[S], manifest M) (Transition[M, S], error)

	// Status reports the state to the API; the result is merged into the
	// object's status subresource before Next runs.
	Status(ctx context.Context, objectState object.State[S], manifest M) (object.Status, error)
}

// Transition is the outcome of a state's Next step: either advance to a
// declared next state or complete the machine. Values are built through
// Next and Complete only; the engine rejects edges missing from the
// transition graph before the target state can observe anything.
type Transition[M client.Object, S any] struct {
	next     State[M, S]
	complete bool
}

// Next advances to the given state.
func Next[M client.Object, S any](next State[M, S]) Transition[M, S] {
	return Transition[M, S]{next: next}
}

// Complete terminates the state machine successfully.
func Complete[M client.Object, S any]() Transition[M, S] {
	return Transition[M, S]{complete: true}
}
