// Package cpu owns per-CPU state (component G): the record every other
// subsystem reaches through KERNEL_GS_BASE, its run/dead thread queues, and
// multiprocessor bring-up. Ported from the original implementation's
// mp/cpu.c, mp/cpu.h, mp/mp.c, and sched/thread_queue.c — the run/dead
// queues live on the Cpu record itself here exactly as they do on cpu_t,
// rather than inside internal/sched, so internal/sched can depend on
// internal/cpu without a cycle.
package cpu

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/intr"
)

// ThreadState mirrors thread_state_t.
type ThreadState int

const (
	Dead ThreadState = iota
	Ready
	Running
)

func (s ThreadState) String() string {
	switch s {
	case Dead:
		return "dead"
	case Ready:
		return "ready"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Thread is a kernel thread's scheduling state: its saved stack pointer,
// the backing stack allocation, its run/dead-queue links, and its
// membership in its owning Process's thread list. The queue links
// (Prev/Next) and the process links (ProcPrev/ProcNext) are independent
// pairs, matching the original's use of two separate DLIST_TYPE
// instantiations over the same struct — Go generics can't parameterize
// over which struct field a list threads through, so this is the same
// duplication spelled out explicitly instead of via macro.
type Thread struct {
	Prev, Next *Thread
	KStackBase uintptr
	KStackSize uint64
	SP         uintptr
	State      ThreadState
	TID        uint16

	ParentProcess      *Process
	ProcPrev, ProcNext *Thread
}

// ThreadQueue is a head-insert intrusive doubly-linked list of threads
// guarded by its own IRQ-saving spinlock, matching thread_queue_t and the
// dlist.h head-insert convention exactly.
type ThreadQueue struct {
	lock x86.IRQSpinlock
	Head *Thread
}

// LockIRQ acquires the queue's lock with interrupts disabled.
func (q *ThreadQueue) LockIRQ() x86.IRQState { return q.lock.LockIRQ() }

// UnlockIRQ releases the queue's lock and restores interrupts.
func (q *ThreadQueue) UnlockIRQ(prev x86.IRQState) { q.lock.UnlockIRQ(prev) }

// Insert head-inserts t. When autolock is false the caller must already
// hold the queue's lock (and have interrupts disabled), matching
// thread_queue_insert's autolock parameter.
func (q *ThreadQueue) Insert(t *Thread, autolock bool) {
	var prev x86.IRQState
	if autolock {
		prev = q.LockIRQ()
	}

	if q.Head == nil {
		q.Head = t
		t.Prev = nil
		t.Next = nil
	} else {
		t.Prev = nil
		t.Next = q.Head
		q.Head.Prev = t
		q.Head = t
	}

	if autolock {
		q.UnlockIRQ(prev)
	}
}

// Delete unlinks t from the queue.
func (q *ThreadQueue) Delete(t *Thread, autolock bool) {
	var prev x86.IRQState
	if autolock {
		prev = q.LockIRQ()
	}

	if t.Prev != nil {
		t.Prev.Next = t.Next
	}
	if t.Next != nil {
		t.Next.Prev = t.Prev
	}
	if t == q.Head {
		q.Head = t.Next
	}

	if autolock {
		q.UnlockIRQ(prev)
	}
}

// Cpu is one CPU's complete record (§3), reached by every other CPU and by
// interrupt handlers running on it through KERNEL_GS_BASE.
type Cpu struct {
	ID                    uint64
	ACPIID                uint32
	LapicID               uint32
	X2APIC                bool
	LapicCalibrationTicks uint32
	TSS                   intr.TSS
	CpuidBasicMax         uint32
	CpuidExtendedMax      uint32

	CurrThread *Thread
	DeadQueue  ThreadQueue
	RunQueue   ThreadQueue

	interruptsEnabled bool
}

// Current returns the calling CPU's record via KERNEL_GS_BASE.
func Current() *Cpu {
	return (*Cpu)(x86.GetCpuLocal())
}

// SetCurrent installs c as the calling CPU's record.
func SetCurrent(c *Cpu) {
	x86.SetCpuLocal(unsafe.Pointer(c))
}

// SetInterrupts disables interrupts, records the requested state on the
// current CPU's record, and re-enables them if requested, returning the
// previous recorded state. This is the Cpu-record-scoped policy flag (§5);
// it is distinct from x86.SetInterrupts, which only reflects the hardware
// RFLAGS.IF bit and is what IRQSpinlock itself uses — cpu cannot depend on
// the bookkeeping flag living lower in x86 without inverting that
// dependency, so the two are deliberately kept separate layers.
func SetInterrupts(enabled bool) bool {
	x86.Cli()
	c := Current()
	prev := c.interruptsEnabled
	c.interruptsEnabled = enabled
	if enabled {
		x86.Sti()
	}
	return prev
}

// InterruptsEnabled reports the current CPU's recorded interrupt policy.
func InterruptsEnabled() bool {
	return Current().interruptsEnabled
}

// CPUID reads and records this CPU's maximum basic and extended CPUID leaf
// numbers, matching cpuid_init.
func (c *Cpu) CPUID() {
	eax, _, _, _ := x86.Cpuid(0, 0)
	c.CpuidBasicMax = eax
	eax, _, _, _ = x86.Cpuid(0x80000000, 0)
	c.CpuidExtendedMax = eax
}
