// Package sched is the Preemptive Scheduler (component I): per-CPU run and
// dead queues driven by the Local APIC's one-shot timer, round-robin thread
// creation across CPUs, and a reaper that frees dead threads' stacks.
// Ported from the original implementation's sched/sched.c and
// sched/thread.h; the run/dead queues themselves live on internal/cpu's Cpu
// record (see that package's doc comment for why).
package sched

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/apic"
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/cpu"
	"github.com/Aster-OS/aster/internal/intr"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mem/kheap"
)

const (
	// KthreadStackSize is KTHREAD_STACK_SIZE: every kernel thread gets a
	// fixed-size stack carved out of the kernel heap.
	KthreadStackSize = 32 * 1024
	// TimesliceNs is SCHED_TIMESLICE_NS: the one-shot quantum armed on
	// every dispatch.
	TimesliceNs = 30_000
)

var (
	lapic *apic.LAPIC
	vec   uint8

	tidLock x86.IRQSpinlock
	lastTID uint16

	pickLock x86.IRQSpinlock
	pickNext int

	entryLock x86.IRQSpinlock
	entries   []func(unsafe.Pointer)
)

// SetLAPIC installs the Local APIC instance sched uses to stop/arm the
// timer and send EOI. Every CPU's local APIC registers appear at the same
// mapped window, so one instance serves every CPU.
func SetLAPIC(l *apic.LAPIC) { lapic = l }

func nextTID() uint16 {
	prev := tidLock.LockIRQ()
	defer tidLock.UnlockIRQ(prev)
	lastTID++
	return lastTID
}

// pickCPU round-robins across every initialized CPU, matching pick_cpu.
func pickCPU() *cpu.Cpu {
	all := cpu.All()
	if len(all) == 0 {
		return cpu.Current()
	}
	prev := pickLock.LockIRQ()
	defer pickLock.UnlockIRQ(prev)
	c := all[pickNext%len(all)]
	pickNext++
	return c
}

// registerEntry and lookupEntry stand in for the original's raw start
// function pointer. A Go closure has no stable machine address the fake
// stack frame's trampoline could safely CALL into from assembly, so the
// frame instead carries an index into this table; the trampoline pops it
// and hands it to threadEntryGo, which does the actual (safe, ordinary) Go
// call. Entries are never reclaimed — acceptable for the small, long-lived
// population of kernel threads this scheduler expects to ever create.
func registerEntry(fn func(unsafe.Pointer)) uintptr {
	prev := entryLock.LockIRQ()
	defer entryLock.UnlockIRQ(prev)
	entries = append(entries, fn)
	return uintptr(len(entries) - 1)
}

func lookupEntry(token uintptr) func(unsafe.Pointer) {
	prev := entryLock.LockIRQ()
	defer entryLock.UnlockIRQ(prev)
	return entries[token]
}

// NewKthread allocates a KthreadStackSize stack from heap, prepares a fake
// call frame so x86.CtxSwitch's first resume lands in threadEntryTrampoline,
// picks a target CPU (round-robin if target is nil), and enqueues the new
// thread READY on that CPU's run queue. Matches sched_new_kthread.
func NewKthread(heap *kheap.Heap, start func(unsafe.Pointer), arg unsafe.Pointer, target *cpu.Cpu) *cpu.Thread {
	t := (*cpu.Thread)(heap.Alloc(uint64(unsafe.Sizeof(cpu.Thread{}))))
	*t = cpu.Thread{}
	t.TID = nextTID()
	t.State = cpu.Ready

	stackPtr := heap.Alloc(KthreadStackSize)
	t.KStackBase = uintptr(stackPtr)
	t.KStackSize = KthreadStackSize

	token := registerEntry(start)

	sp := t.KStackBase + uintptr(KthreadStackSize)
	push := func(v uint64) {
		sp -= 8
		*(*uint64)(unsafe.Pointer(sp)) = v
	}
	push(uint64(uintptr(arg)))                // arg, popped second by the trampoline
	push(uint64(token))                       // start token, popped first by the trampoline
	push(uint64(threadEntryTrampolineAddr())) // CtxSwitch's RET lands here on first dispatch
	push(0) // rbx
	push(0) // rbp
	push(0) // r12
	push(0) // r13
	push(0) // r14
	push(0) // r15
	t.SP = sp

	picked := target
	if picked == nil {
		picked = pickCPU()
	}
	picked.RunQueue.Insert(t, true)
	cpu.KernelProcess.AddThread(t)

	klog.Debugf("sched: kthread %d created on CPU #%d", t.TID, picked.ID)
	return t
}

// threadEntryGo is called from threadEntryTrampoline (thread_entry_amd64.s)
// with the two words the fake frame carried. It enables interrupts — the
// symmetric counterpart to Yield's post-switch re-enable, since a
// never-yet-run thread's first dispatch returns here instead of into
// Yield's caller — then runs the thread's entry and exits.
func threadEntryGo(token uintptr, arg unsafe.Pointer) {
	cpu.SetInterrupts(true)
	lookupEntry(token)(arg)
	ThreadExit()
	klog.Panicf("sched: thread entry returned past ThreadExit")
}

// threadEntryTrampolineAddr reads the address of the raw assembly entry
// point (thread_entry_amd64.s) a freshly dispatched thread's first RET
// lands on, the same isrTrampolineAddr/apEntryTrampolineAddr-style
// indirection used everywhere else this codebase hands a bare code address
// to something outside Go's normal call graph.
func threadEntryTrampolineAddr() uintptr

// Init allocates the scheduler's preemption vector and installs its
// handler, matching sched_init.
func Init() {
	vec = intr.AllocVector()
	intr.SetHandler(vec, func(ctx *klog.InterruptContext) {
		_ = ctx
		if lapic != nil {
			lapic.SendEOI()
		}
		Yield()
	})
	klog.Infof("sched: preemption vector %#x installed", vec)
}

// InitCPU resets target's run/dead queues and spawns its reaper kthread,
// matching sched_init_cpu.
func InitCPU(heap *kheap.Heap, target *cpu.Cpu) {
	target.RunQueue = cpu.ThreadQueue{}
	target.DeadQueue = cpu.ThreadQueue{}
	NewKthread(heap, func(unsafe.Pointer) { reaper(heap) }, nil, target)
}
