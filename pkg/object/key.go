package object

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Key uniquely identifies an object of a fixed kind. A cluster-scoped
// object carries no namespace, which is distinct from an empty one;
// Namespaced records which of the two a Key means.
type Key struct {
	Namespace  string
	Name       string
	Namespaced bool
}

// NewKey returns a key for a cluster-scoped object.
func NewKey(name string) Key {
	return Key{Name: name}
}

// NewNamespacedKey returns a key for a namespaced object.
func NewNamespacedKey(namespace, name string) Key {
	return Key{Namespace: namespace, Name: name, Namespaced: true}
}

// KeyFor derives the key for an API object. Objects whose metadata carries
// no namespace are treated as cluster scoped.
func KeyFor(obj metav1.Object) Key {
	if ns := obj.GetNamespace(); ns != "" {
		return NewNamespacedKey(ns, obj.GetName())
	}
	return NewKey(obj.GetName())
}

func (k Key) String() string {
	if k.Namespaced {
		return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
	}
	return k.Name
}
