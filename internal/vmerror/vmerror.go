// Package vmerror defines the fatal error kinds the heap and collector
// can raise. Only CAS contention is recoverable and it never surfaces
// as one of these: it is handled in-line by the relocation protocol.
package vmerror

import (
	"errors"
	"fmt"
)

// Sentinel kinds, checked with errors.Is.
var (
	// ErrHeapExhausted means request_page found no free page and no
	// collection in progress could free one.
	ErrHeapExhausted = errors.New("heap exhausted")

	// ErrPageOverflow means an allocation exceeded page_end; indicates
	// a missing full-check in the caller.
	ErrPageOverflow = errors.New("page overflow")

	// ErrInvalidObject means a pointer walked by the collector did not
	// satisfy the object-header contract.
	ErrInvalidObject = errors.New("invalid object")
)

// HeapExhausted reports total page count and live bytes, as the fatal
// diagnostic the VM prints before terminating.
func HeapExhausted(totalPages int, liveBytes int64) error {
	return fmt.Errorf("%w: %d pages, %d live bytes", ErrHeapExhausted, totalPages, liveBytes)
}

// PageOverflow reports the page and the attempted allocation size.
func PageOverflow(pageID uint64, size, pageEnd, nextFree int) error {
	return fmt.Errorf("%w: page %d next_free=%d size=%d would exceed page_end=%d",
		ErrPageOverflow, pageID, nextFree, size, pageEnd)
}

// InvalidObject reports the offending address and page.
func InvalidObject(pageID uint64, offset int) error {
	return fmt.Errorf("%w: page %d offset %d does not satisfy the object header contract",
		ErrInvalidObject, pageID, offset)
}
