package object

import (
	"context"
)

// State holds data specific to a single object, threaded through every
// state handler of that object's state machine. S is the datum shared
// across all objects of one operator.
type State[S any] interface {
	// AsyncDrop releases any resources held for the object. It is invoked
	// once per supervisor, after the object's deletion has been signalled
	// and before the deregistration hook and the API delete, with exclusive
	// access to the shared state.
	AsyncDrop(ctx context.Context, shared *S)
}

// Status describes the observed state of an object. The patch it produces
// is JSON-merged into the object's status subresource.
type Status interface {
	MergePatch() ([]byte, error)
}
