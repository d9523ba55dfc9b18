package sched

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/cpu"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mem/kheap"
)

// searchReadyFrom walks the run-queue link chain starting at start looking
// for a Ready thread, matching search_ready_thread.
func searchReadyFrom(start *cpu.Thread) *cpu.Thread {
	for t := start; t != nil; t = t.Next {
		if t.State == cpu.Ready {
			return t
		}
	}
	return nil
}

// getNextThread picks the thread to dispatch next: scan from just after
// curr to the tail, then wrap and scan the whole queue from its head. A
// lone Ready thread can legitimately pick itself back up this way, matching
// get_next_thread. Returns nil if no thread on rq is Ready.
func getNextThread(rq *cpu.ThreadQueue, curr *cpu.Thread) *cpu.Thread {
	prev := rq.LockIRQ()
	defer rq.UnlockIRQ(prev)

	if curr != nil {
		if next := searchReadyFrom(curr.Next); next != nil {
			return next
		}
	}
	return searchReadyFrom(rq.Head)
}

// Yield disables interrupts, stops the local timer, demotes the running
// thread back to Ready (unless it just marked itself Dead), dispatches the
// next Ready thread on this CPU, arms the next quantum, and switches to it.
// Matches sched_yield.
func Yield() {
	cpu.SetInterrupts(false)
	c := cpu.Current()

	if lapic != nil {
		lapic.StopTimer()
	}

	curr := c.CurrThread
	if curr != nil && curr.State != cpu.Dead {
		curr.State = cpu.Ready
	}

	next := getNextThread(&c.RunQueue, curr)
	if next == nil {
		klog.Panicf("sched: no thread to run on CPU #%d", c.ID)
	}
	next.State = cpu.Running
	c.CurrThread = next

	now := x86.Rdtsc()
	if curr != nil {
		recordDispatchOut(curr.TID, now)
	}
	recordDispatchIn(next.TID, now)

	if lapic != nil {
		lapic.OneShot(TimesliceNs, vec)
	}

	// A never-yet-scheduled boot flow has no Thread record of its own; its
	// saved SP is thrown away since it never resumes here again.
	var discard uintptr
	oldSP := &discard
	if curr != nil {
		oldSP = &curr.SP
	}

	x86.CtxSwitch(oldSP, next.SP)

	// Only reached when curr (the thread that called Yield) is later
	// resumed by a future CtxSwitch — never on a brand new thread's first
	// dispatch, which lands in threadEntryGo instead.
	cpu.SetInterrupts(true)
}

// ThreadExit marks the calling thread Dead, moves it from the run queue to
// the dead queue for the reaper to reclaim, and yields away for good.
// Matches sched_thread_exit.
func ThreadExit() {
	cpu.SetInterrupts(false)
	c := cpu.Current()
	curr := c.CurrThread

	curr.State = cpu.Dead
	c.RunQueue.Delete(curr, true)
	c.DeadQueue.Insert(curr, true)

	Yield()
	klog.Panicf("sched: dead thread %d resumed", curr.TID)
}

// reaper walks this CPU's dead queue freeing each thread's stack and
// struct, yielding between passes. Matches worker_free_dead_threads; next
// is cached before each delete+free so the just-freed node is never
// dereferenced again.
func reaper(heap *kheap.Heap) {
	for {
		c := cpu.Current()
		prev := c.DeadQueue.LockIRQ()
		for t := c.DeadQueue.Head; t != nil; {
			next := t.Next
			c.DeadQueue.Delete(t, false)
			heap.Free(unsafe.Pointer(t.KStackBase))
			heap.Free(unsafe.Pointer(t))
			t = next
		}
		c.DeadQueue.UnlockIRQ(prev)

		Yield()
	}
}
