package x86

import "sync/atomic"

// Spinlock is a single-word test-and-set lock spun on with PAUSE, matching
// the corpus's spinlock_t: acquire/release atomics plus a pause in the spin
// loop, no blocking, no ownership tracking.
type Spinlock struct {
	locked uint32
}

// Lock spins until the lock is acquired. Callers already running with
// interrupts disabled (e.g. inside an IRQ-saving critical section) should
// call this directly; everyone else should prefer LockIRQ.
func (s *Spinlock) Lock() {
	for !atomic.CompareAndSwapUint32(&s.locked, 0, 1) {
		PauseHint()
	}
}

// Unlock releases the lock.
func (s *Spinlock) Unlock() {
	atomic.StoreUint32(&s.locked, 0)
}

// TryLock attempts to acquire the lock without spinning.
func (s *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&s.locked, 0, 1)
}

// IRQSpinlock is a Spinlock that also disables interrupts on the current CPU
// for the duration of the critical section, restoring the previous
// interrupt-enable state on unlock. This is the variant the freelist, every
// run/dead queue, the logger, the vector allocator, and the CPU round-robin
// counter all use.
type IRQSpinlock struct {
	inner Spinlock
}

// IRQState is the previous interrupt-enable flag, returned by LockIRQ and
// consumed by UnlockIRQ so nested critical sections restore correctly.
type IRQState bool

// LockIRQ disables interrupts, then acquires the lock, returning the
// interrupt state from just before the call.
func (s *IRQSpinlock) LockIRQ() IRQState {
	prev := SetInterrupts(false)
	s.inner.Lock()
	return IRQState(prev)
}

// UnlockIRQ releases the lock and restores interrupts to the state captured
// by the matching LockIRQ call.
func (s *IRQSpinlock) UnlockIRQ(prev IRQState) {
	s.inner.Unlock()
	SetInterrupts(bool(prev))
}

// SetInterrupts atomically sets the interrupt-enable flag on the current CPU
// and returns the previous value, per §5's "interrupts as a resource" model.
func SetInterrupts(on bool) bool {
	was := ReadFlags()&(1<<9) != 0
	if on {
		Sti()
	} else {
		Cli()
	}
	return was
}
