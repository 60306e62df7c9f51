package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kinetic-k8s/kinetic/pkg/api"
)

var widgetGVK = schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}

func TestDescriptorEquivalence(t *testing.T) {
	a := New(widgetGVK, "ns", api.ListFilter{LabelSelector: "app=x"})
	b := New(widgetGVK, "ns", api.ListFilter{LabelSelector: "app=x"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, New(widgetGVK, "other", api.ListFilter{LabelSelector: "app=x"}))
	assert.NotEqual(t, a, New(widgetGVK, "ns", api.ListFilter{}))
	assert.NotEqual(t, a, New(schema.GroupVersionKind{Group: "example.com", Version: "v2", Kind: "Widget"}, "ns", api.ListFilter{LabelSelector: "app=x"}))
}

func TestDescriptorsAreMapKeys(t *testing.T) {
	a := New(widgetGVK, "", api.ListFilter{})
	b := New(widgetGVK, "", api.ListFilter{})

	seen := map[Descriptor]int{}
	seen[a]++
	seen[b]++
	assert.Equal(t, 2, seen[a], "equivalent descriptors must collapse to one key")
}

func TestOpenBuffers(t *testing.T) {
	d := New(widgetGVK, "", api.ListFilter{})

	h, events := d.Open(4)
	assert.Equal(t, 4, cap(events))
	assert.Equal(t, d, h.Descriptor)

	_, events = d.Open(0)
	assert.Equal(t, DefaultBuffer, cap(events))
}
