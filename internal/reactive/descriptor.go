package reactive

import (
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// Descriptor identifies "which query, with which parameters". Two descriptors
// are equivalent when they come from the same source object and their params
// are deep-equal; nothing else (paths, order keys, limits) is compared.
type Descriptor struct {
	source any
	name   string
	params any
	build  func() Binding
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// Equivalent reports whether d and o would produce the same subscription.
func (d Descriptor) Equivalent(o Descriptor) bool {
	if d.source == nil || d.source != o.source {
		return false
	}
	return cmp.Equal(d.params, o.params, exportAll)
}

// IsZero reports whether d was never built by a source.
func (d Descriptor) IsZero() bool { return d.source == nil }

// Params returns the parameters the descriptor was built with.
func (d Descriptor) Params() any { return d.params }

func (d Descriptor) String() string {
	if d.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s%+v", d.name, d.params)
}

// Binding is the type-erased view of a mirror the Registry works with.
type Binding interface {
	Descriptor() Descriptor
	Detach()
	attachAny(cb func(snap any, err error))
}
