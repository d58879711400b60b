// Package object defines the minimal contract a heap object must
// satisfy for the paged heap and collector to manage it: size, a GC
// mark field, cloning, and pointer-field enumeration. This mirrors the
// VMObject contract (GetObjectSize, GetGCField, Clone,
// WalkObjects) without committing to any particular object model.
package object

// Target is the subset of pageheap.Page a clone is written into. It is
// declared here (rather than importing pageheap) so that this package
// has no dependency on the heap — object implementations depend on
// object, not the reverse.
type Target interface {
	// Allocate bump-allocates size bytes and returns their address.
	Allocate(size int) (uintptr, error)

	// Record registers hdr as the object now occupying addr, so the
	// destination page's allocation directory stays complete.
	Record(addr uintptr, hdr Header)
}

// Header is the capability set the collector and barriers need from
// every heap object. Concrete object models (VM instances, arrays,
// strings, ...) implement it directly; it plays the role the source's
// vtable-dispatched AbstractVMObject played.
type Header interface {
	// Size returns the total size in bytes, including the header,
	// already rounded up to the heap's alignment.
	Size() int

	// GCField returns the collector's mark word for this object.
	GCField() uint64

	// SetGCField sets the collector's mark word for this object.
	SetGCField(value uint64)

	// Clone bit-copies this object into target, returning the new
	// object's address. The copy is byte-identical apart from
	// whatever in-place fixups the object model performs after copy.
	Clone(target Target) (uintptr, error)

	// WalkPointerFields invokes visit for every heap-pointer field
	// this object holds, in declaration order.
	WalkPointerFields(visit func(fieldAddr uintptr))
}

// Root is anything that can enumerate pointers it holds directly,
// without being itself a heap object — interpreter stacks, globals,
// and the symbol table all implement this to hand roots to the mark
// phase.
type Root interface {
	WalkRoots(visit func(ptr uintptr))
}
