package chardevice

import "fmt"

// Violation is the panic value raised when calling code breaks the
// single-reader/single-writer discipline spec.md §5 assumes: every
// exported method here is documented as server-thread-only, and the
// reference implementation simply corrupts state silently if that's
// violated. This module prefers a loud, recoverable-at-the-top failure
// (the Open Question decision recorded in DESIGN.md) to inventing
// multi-goroutine semantics the original never specified.
type Violation struct {
	Op string
}

func (v Violation) Error() string {
	return fmt.Sprintf("chardevice: %s called off the owning Loop's goroutine", v.Op)
}

// assertOwnGoroutine panics with Violation if d is bound to a Loop whose
// Run is currently pumping it and the caller is provably a different
// goroutine. Devices never bound to a running Loop
// (as in most unit tests, which drive the device directly) are exempt —
// there is nothing to violate yet.
func (d *Device) assertOwnGoroutine(op string) {
	if d.loop == nil || !d.loop.Running() {
		return
	}
	if !d.loop.OnLoopGoroutine() {
		panic(Violation{Op: op})
	}
}
