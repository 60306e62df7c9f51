// Package operator defines the interface an operator author implements to
// drive per-object state machines.
package operator

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kinetic-k8s/kinetic/pkg/admission"
	"github.com/kinetic-k8s/kinetic/pkg/object"
	"github.com/kinetic-k8s/kinetic/pkg/state"
)

// Operator supplies the types and hooks the runtime needs to manage one
// kind. M is the manifest type, S the datum shared across all objects of
// this operator.
type Operator[M client.Object, S any] interface {
	// InitializeObjectState builds the per-object state before the state
	// machine starts. An error aborts pickup of the object; the next
	// Applied event retries.
	InitializeObjectState(ctx context.Context, manifest M) (object.State[S], error)

	// SharedState returns the handle to the state shared between all
	// state machines of this operator.
	SharedState() *state.SharedState[S]

	// InitialState is the state machine's entry point for a new object.
	InitialState() state.State[M, S]

	// DeletedState runs when the object is being removed, pre-empting
	// whatever state was active.
	DeletedState() state.State[M, S]

	// TransitionGraph declares the permitted edges between states.
	TransitionGraph() *state.TransitionGraph

	// FailedStatus builds the status reported when a state fails.
	FailedStatus(message string) object.Status

	// RegistrationHook runs before the state machine. An error abandons
	// the object.
	RegistrationHook(ctx context.Context, manifest M) error

	// DeregistrationHook runs after the object's state machine has wound
	// down, before the API delete. Errors are logged, never fatal.
	DeregistrationHook(ctx context.Context, manifest M) error
}

// Hooks is an embeddable default implementation of the registration hooks.
type Hooks[M client.Object] struct{}

// RegistrationHook accepts every object.
func (Hooks[M]) RegistrationHook(context.Context, M) error { return nil }

// DeregistrationHook does nothing.
func (Hooks[M]) DeregistrationHook(context.Context, M) error { return nil }

// Admitter is implemented by operators that serve an admission webhook.
// Detected by the runtime via type assertion.
type Admitter interface {
	// AdmissionHook reviews the raw manifest of a create or update
	// request. It may deny or mutate it.
	AdmissionHook(ctx context.Context, raw []byte) admission.Result

	// AdmissionTLS returns the certificate and key the webhook endpoint
	// serves with.
	AdmissionTLS(ctx context.Context) (admission.TLS, error)
}
