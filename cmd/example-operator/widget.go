package main

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"

	"github.com/kinetic-k8s/kinetic/pkg/object"
	"github.com/kinetic-k8s/kinetic/pkg/operator"
	"github.com/kinetic-k8s/kinetic/pkg/state"
)

// widgetShared is the datum shared across all widgets of this operator.
type widgetShared struct {
	active int
}

// widgetState is the per-widget state.
type widgetState struct {
	name string
}

func (w *widgetState) AsyncDrop(_ context.Context, shared *widgetShared) {
	shared.active--
	klog.Infof("Widget %s dropped, %d widgets remain", w.name, shared.active)
}

// widgetStatus reports the phase a widget is in.
type widgetStatus struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

func (s widgetStatus) MergePatch() ([]byte, error) {
	return json.Marshal(s)
}

type widgetTransition = state.Transition[*unstructured.Unstructured, widgetShared]

// pendingState registers the widget and moves it to running.
type pendingState struct{}

func (pendingState) Name() string { return "Pending" }

func (pendingState) Next(_ context.Context, shared *state.SharedState[widgetShared], objectState object.State[widgetShared], _ *unstructured.Unstructured) (widgetTransition, error) {
	ws := objectState.(*widgetState)
	shared.Update(func(s *widgetShared) { s.active++ })
	klog.Infof("Widget %s picked up", ws.name)
	return state.Next[*unstructured.Unstructured, widgetShared](runningState{}), nil
}

func (pendingState) Status(context.Context, object.State[widgetShared], *unstructured.Unstructured) (object.Status, error) {
	return widgetStatus{Phase: "Pending"}, nil
}

// runningState holds the widget until it is deleted.
type runningState struct{}

func (runningState) Name() string { return "Running" }

func (runningState) Next(ctx context.Context, _ *state.SharedState[widgetShared], _ object.State[widgetShared], _ *unstructured.Unstructured) (widgetTransition, error) {
	// Nothing to reconcile; park until deletion pre-empts us.
	<-ctx.Done()
	return widgetTransition{}, ctx.Err()
}

func (runningState) Status(context.Context, object.State[widgetShared], *unstructured.Unstructured) (object.Status, error) {
	return widgetStatus{Phase: "Running"}, nil
}

// releasedState runs when a widget is going away.
type releasedState struct{}

func (releasedState) Name() string { return "Released" }

func (releasedState) Next(_ context.Context, _ *state.SharedState[widgetShared], objectState object.State[widgetShared], _ *unstructured.Unstructured) (widgetTransition, error) {
	ws := objectState.(*widgetState)
	klog.Infof("Widget %s released", ws.name)
	return state.Complete[*unstructured.Unstructured, widgetShared](), nil
}

func (releasedState) Status(context.Context, object.State[widgetShared], *unstructured.Unstructured) (object.Status, error) {
	return widgetStatus{Phase: "Released"}, nil
}

// widgetOperator manages widgets.example.com objects.
type widgetOperator struct {
	operator.Hooks[*unstructured.Unstructured]
	shared *state.SharedState[widgetShared]
	graph  *state.TransitionGraph
}

var _ operator.Operator[*unstructured.Unstructured, widgetShared] = &widgetOperator{}

func newWidgetOperator() *widgetOperator {
	return &widgetOperator{
		shared: state.NewShared(widgetShared{}),
		graph:  state.NewTransitionGraph().Permit("Pending", "Running"),
	}
}

func (o *widgetOperator) InitializeObjectState(_ context.Context, manifest *unstructured.Unstructured) (object.State[widgetShared], error) {
	if manifest.GetName() == "" {
		return nil, fmt.Errorf("widget has no name")
	}
	return &widgetState{name: manifest.GetName()}, nil
}

func (o *widgetOperator) SharedState() *state.SharedState[widgetShared] {
	return o.shared
}

func (o *widgetOperator) InitialState() state.State[*unstructured.Unstructured, widgetShared] {
	return pendingState{}
}

func (o *widgetOperator) DeletedState() state.State[*unstructured.Unstructured, widgetShared] {
	return releasedState{}
}

func (o *widgetOperator) TransitionGraph() *state.TransitionGraph {
	return o.graph
}

func (o *widgetOperator) FailedStatus(message string) object.Status {
	return widgetStatus{Phase: "Failed", Message: message}
}
