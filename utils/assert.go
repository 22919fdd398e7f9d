package utils

import (
	"fmt"
	"sync/atomic"
)

// Debug points whether at debug mode.
var Debug = true

// Assert panic at debug when cond is false
func Assert(cond bool, format string, a ...interface{}) {
	if Debug && !cond {
		panic(fmt.Sprintf(format, a...))
	}
}

// AssertNotNil panic at debug when obj is nil
func AssertNotNil(obj interface{}, format string, a ...interface{}) {
	Assert(obj != nil, format, a...)
}

// MutexAssert is a debug-only mutual exclusion check. It does not block:
// acquiring an already-held MutexAssert panics. Use it to verify that
// two code paths which must never interleave actually never do.
type MutexAssert struct {
	held int32
}

// Acquire mark the assertion as held, panic if it already is.
func (m *MutexAssert) Acquire(what string) {
	if Debug && !atomic.CompareAndSwapInt32(&m.held, 0, 1) {
		panic(fmt.Sprintf("mutex assertion violated: %s", what))
	}
}

// Release mark the assertion as free again.
func (m *MutexAssert) Release() {
	if Debug {
		atomic.StoreInt32(&m.held, 0)
	}
}
