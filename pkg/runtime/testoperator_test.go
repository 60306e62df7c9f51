package runtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kinetic-k8s/kinetic/pkg/object"
	"github.com/kinetic-k8s/kinetic/pkg/operator"
	"github.com/kinetic-k8s/kinetic/pkg/state"
)

var widgetGVK = schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}

func widget(name, rev string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("example.com/v1")
	u.SetKind("Widget")
	u.SetName(name)
	u.SetNamespace("ns")
	u.SetLabels(map[string]string{"rev": rev})
	return u
}

func deletingWidget(name, rev string) *unstructured.Unstructured {
	u := widget(name, rev)
	now := time.Now().UTC().Format(time.RFC3339)
	_ = unstructured.SetNestedField(u.Object, now, "metadata", "deletionTimestamp")
	return u
}

type testShared struct {
	drops int
}

type phaseStatus struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

func (s phaseStatus) MergePatch() ([]byte, error) { return json.Marshal(s) }

// testOperator is a scriptable operator recording everything the runtime
// does to it.
type testOperator struct {
	shared *state.SharedState[testShared]
	graph  *state.TransitionGraph

	// workBlocks parks the Work state until deletion pre-empts it.
	workBlocks bool
	// workGate, when non-nil, holds the Work state until closed, then
	// advances to the Record state, which spins until it observes
	// recordUntil.
	workGate    chan struct{}
	recordUntil string

	mu            sync.Mutex
	initErr       error
	regErr        error
	registrations []string
	deregRevs     []string
	droppedKeys   []string
	deletedRuns   []string
	seenRevs      []string
}

var _ operator.Operator[*unstructured.Unstructured, testShared] = &testOperator{}

func newTestOperator() *testOperator {
	return &testOperator{
		shared: state.NewShared(testShared{}),
		graph: state.NewTransitionGraph().
			Permit("Work", "Record").
			Permit("Record", "Record"),
	}
}

func (o *testOperator) setInitErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initErr = err
}

func (o *testOperator) setRegErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regErr = err
}

func (o *testOperator) recordSeen(man *unstructured.Unstructured) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seenRevs = append(o.seenRevs, man.GetLabels()["rev"])
}

func (o *testOperator) Registrations() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.registrations...)
}

func (o *testOperator) RegistrationCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, k := range o.registrations {
		if k == key {
			n++
		}
	}
	return n
}

func (o *testOperator) DeregisteredRevs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.deregRevs...)
}

func (o *testOperator) DroppedKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.droppedKeys...)
}

func (o *testOperator) DeletedRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.deletedRuns...)
}

func (o *testOperator) SeenRevs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seenRevs...)
}

func (o *testOperator) SharedDrops() int {
	var n int
	o.shared.Read(func(s *testShared) { n = s.drops })
	return n
}

func (o *testOperator) InitializeObjectState(_ context.Context, manifest *unstructured.Unstructured) (object.State[testShared], error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initErr != nil {
		return nil, o.initErr
	}
	return &testObjectState{op: o, key: object.KeyFor(manifest).String()}, nil
}

func (o *testOperator) SharedState() *state.SharedState[testShared] { return o.shared }

func (o *testOperator) InitialState() state.State[*unstructured.Unstructured, testShared] {
	return &workState{op: o}
}

func (o *testOperator) DeletedState() state.State[*unstructured.Unstructured, testShared] {
	return &cleanupState{op: o}
}

func (o *testOperator) TransitionGraph() *state.TransitionGraph { return o.graph }

func (o *testOperator) FailedStatus(message string) object.Status {
	return phaseStatus{Phase: "Failed", Message: message}
}

func (o *testOperator) RegistrationHook(_ context.Context, manifest *unstructured.Unstructured) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registrations = append(o.registrations, object.KeyFor(manifest).String())
	return o.regErr
}

func (o *testOperator) DeregistrationHook(_ context.Context, manifest *unstructured.Unstructured) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deregRevs = append(o.deregRevs, manifest.GetLabels()["rev"])
	return nil
}

type testObjectState struct {
	op  *testOperator
	key string
}

func (s *testObjectState) AsyncDrop(_ context.Context, shared *testShared) {
	shared.drops++
	s.op.mu.Lock()
	defer s.op.mu.Unlock()
	s.op.droppedKeys = append(s.op.droppedKeys, s.key)
}

type transition = state.Transition[*unstructured.Unstructured, testShared]

// workState is the entry state. Depending on the operator's script it
// completes immediately, blocks until pre-empted, or waits for the gate and
// advances to recording.
type workState struct {
	op *testOperator
}

func (s *workState) Name() string { return "Work" }

func (s *workState) Next(ctx context.Context, _ *state.SharedState[testShared], _ object.State[testShared], man *unstructured.Unstructured) (transition, error) {
	s.op.recordSeen(man)
	if s.op.workBlocks {
		<-ctx.Done()
		return transition{}, ctx.Err()
	}
	if s.op.workGate != nil {
		select {
		case <-s.op.workGate:
		case <-ctx.Done():
			return transition{}, ctx.Err()
		}
		return state.Next[*unstructured.Unstructured, testShared](&recordState{op: s.op}), nil
	}
	return state.Complete[*unstructured.Unstructured, testShared](), nil
}

func (s *workState) Status(context.Context, object.State[testShared], *unstructured.Unstructured) (object.Status, error) {
	return phaseStatus{Phase: "Work"}, nil
}

// recordState spins on itself until the refreshed manifest carries the
// revision the script waits for.
type recordState struct {
	op *testOperator
}

func (s *recordState) Name() string { return "Record" }

func (s *recordState) Next(ctx context.Context, _ *state.SharedState[testShared], _ object.State[testShared], man *unstructured.Unstructured) (transition, error) {
	s.op.recordSeen(man)
	if man.GetLabels()["rev"] != s.op.recordUntil {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return transition{}, ctx.Err()
		}
		return state.Next[*unstructured.Unstructured, testShared](&recordState{op: s.op}), nil
	}
	return state.Complete[*unstructured.Unstructured, testShared](), nil
}

func (s *recordState) Status(context.Context, object.State[testShared], *unstructured.Unstructured) (object.Status, error) {
	return phaseStatus{Phase: "Record"}, nil
}

// cleanupState is the deleted state.
type cleanupState struct {
	op *testOperator
}

func (s *cleanupState) Name() string { return "Cleanup" }

func (s *cleanupState) Next(_ context.Context, _ *state.SharedState[testShared], objectState object.State[testShared], _ *unstructured.Unstructured) (transition, error) {
	ts := objectState.(*testObjectState)
	s.op.mu.Lock()
	s.op.deletedRuns = append(s.op.deletedRuns, ts.key)
	s.op.mu.Unlock()
	return state.Complete[*unstructured.Unstructured, testShared](), nil
}

func (s *cleanupState) Status(context.Context, object.State[testShared], *unstructured.Unstructured) (object.Status, error) {
	return phaseStatus{Phase: "Cleanup"}, nil
}
