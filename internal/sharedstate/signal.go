package sharedstate

import "sync/atomic"

// SignalFlag is a bit in the SignalSlot bitmask (spec.md §3, §4.3).
type SignalFlag uint32

const (
	FailoverInterrupt SignalFlag = 1 << iota
	WatchdogStateChanged
	BackendSyncRequired
	WatchdogQuorumChanged
	InformQuarantineNodes
)

// SignalSlot is a set of one-bit flags written by any process and
// drained by the supervisor under the fixed priority order in
// spec.md §4.3.
type SignalSlot struct {
	bits uint32
}

// Set raises flag. Safe to call from any goroutine, including a
// signal handler's deferred-work producer.
func (s *SignalSlot) Set(flag SignalFlag) {
	for {
		old := atomic.LoadUint32(&s.bits)
		next := old | uint32(flag)
		if atomic.CompareAndSwapUint32(&s.bits, old, next) {
			return
		}
	}
}

// TestAndClear reports whether flag is set and clears it atomically.
func (s *SignalSlot) TestAndClear(flag SignalFlag) bool {
	for {
		old := atomic.LoadUint32(&s.bits)
		if old&uint32(flag) == 0 {
			return false
		}
		next := old &^ uint32(flag)
		if atomic.CompareAndSwapUint32(&s.bits, old, next) {
			return true
		}
	}
}

// Any reports whether any flag is currently set.
func (s *SignalSlot) Any() bool {
	return atomic.LoadUint32(&s.bits) != 0
}
