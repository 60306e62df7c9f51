package api

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// EventType discriminates watcher events.
type EventType string

const (
	// Applied reports that an object was created or modified.
	Applied EventType = "Applied"
	// Deleted reports that an object was removed from the API server.
	Deleted EventType = "Deleted"
	// Restarted reports that the watch stream was re-established; Objects
	// carries the authoritative list and consumers must resync against it.
	Restarted EventType = "Restarted"
)

// Event is one entry of the watch stream consumed by the runtime.
type Event[M client.Object] struct {
	Type    EventType
	Object  M
	Objects []M
}

// DynamicEvent is the untyped event shape produced by watcher tasks and
// carried over watch handles; controllers convert into their managed type.
type DynamicEvent = Event[*unstructured.Unstructured]

func (e Event[M]) String() string {
	switch e.Type {
	case Restarted:
		return fmt.Sprintf("Restarted(%d objects)", len(e.Objects))
	default:
		return fmt.Sprintf("%s(%s/%s)", e.Type, e.Object.GetNamespace(), e.Object.GetName())
	}
}
