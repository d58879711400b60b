// Package sample provides a minimal, concrete object.Header
// implementation: a fixed-size object carrying zero or more outgoing
// pointer fields. It stands in for the real object model spec.md
// places out of scope (§1 "the object model beyond the minimum a
// collector must see"), used by cmd/gcbench and by pageheap/gc tests
// to exercise Clone/WalkPointerFields against something concrete.
package sample

import "github.com/jacob-hughes/sompp-go/internal/object"

// Object is a fixed-size heap object with a mutable pointer-field
// list, mirroring the minimum contract object.Header demands: size,
// GC field, clone, pointer walk.
type Object struct {
	size     int
	gcField  uint64
	pointers []uintptr
}

// New returns an Object of the given total size (already
// alignment-rounded by the caller) with no pointer fields.
func New(size int) *Object {
	return &Object{size: size}
}

// Size returns the object's total byte size.
func (o *Object) Size() int { return o.size }

// GCField returns the collector's mark word.
func (o *Object) GCField() uint64 { return o.gcField }

// SetGCField sets the collector's mark word.
func (o *Object) SetGCField(value uint64) { o.gcField = value }

// AddPointerField appends addr to the set this object points to.
func (o *Object) AddPointerField(addr uintptr) {
	o.pointers = append(o.pointers, addr)
}

// SetPointerFields overwrites the full pointer-field set, for tests
// that need to rewrite a field after a barrier resolves it.
func (o *Object) SetPointerFields(addrs []uintptr) {
	o.pointers = addrs
}

// WalkPointerFields invokes visit for every address this object points to.
func (o *Object) WalkPointerFields(visit func(fieldAddr uintptr)) {
	for _, p := range o.pointers {
		visit(p)
	}
}

// Clone bit-copies this object into target: same size, same GC field,
// same pointer fields, recorded in target's allocation directory.
func (o *Object) Clone(target object.Target) (uintptr, error) {
	addr, err := target.Allocate(o.size)
	if err != nil {
		return 0, err
	}
	clone := &Object{
		size:     o.size,
		gcField:  o.gcField,
		pointers: append([]uintptr(nil), o.pointers...),
	}
	target.Record(addr, clone)
	return addr, nil
}
