package sched

import (
	"os"
	"testing"
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/cpu"
	"github.com/Aster-OS/aster/internal/mem/kheap"
)

// TestMain installs no-op CLI/STI hooks, as the pmm, apic and cpu
// host-mode suites do for code that takes an IRQSpinlock. Yield/ThreadExit/threadEntryGo all
// eventually call cpu.Current()/cpu.SetInterrupts, which execute RDMSR/WRMSR
// against IA32_KERNEL_GS_BASE with no host-mode override (see internal/cpu's
// cpu_test.go) — and Yield's own x86.CtxSwitch would hijack this test
// binary's real stack. Neither is exercised here: this suite covers the
// queue-scanning, bookkeeping, and entry-table logic that doesn't touch
// CPU-local state or actually switch stacks.
func TestMain(m *testing.M) {
	x86.SetInterruptHooks(func() {}, func() {})
	os.Exit(m.Run())
}

var backing [2 << 20]byte

type noopMapper struct{}

func (noopMapper) MapPage(virt uintptr, flags uint64) {}

func newTestHeap() *kheap.Heap {
	base := uintptr(unsafe.Pointer(&backing[0]))
	return kheap.Init(noopMapper{}, base, uint64(len(backing)))
}

func TestGetNextThreadSkipsRunningAndDead(t *testing.T) {
	var rq cpu.ThreadQueue
	a := &cpu.Thread{TID: 1, State: cpu.Running}
	b := &cpu.Thread{TID: 2, State: cpu.Dead}
	c := &cpu.Thread{TID: 3, State: cpu.Ready}
	rq.Insert(a, true)
	rq.Insert(b, true)
	rq.Insert(c, true) // head order: c -> b -> a

	next := getNextThread(&rq, a)
	if next != c {
		t.Fatalf("expected wraparound to find c (the only Ready thread), got tid %v", next)
	}
}

func TestGetNextThreadPrefersAfterCurrent(t *testing.T) {
	var rq cpu.ThreadQueue
	a := &cpu.Thread{TID: 1, State: cpu.Ready}
	b := &cpu.Thread{TID: 2, State: cpu.Ready}
	c := &cpu.Thread{TID: 3, State: cpu.Running}
	rq.Insert(a, true)
	rq.Insert(b, true)
	rq.Insert(c, true) // head order: c -> b -> a

	next := getNextThread(&rq, c)
	if next != b {
		t.Fatalf("expected the thread right after curr (b), got tid %v", next.TID)
	}
}

func TestGetNextThreadReselectsSoleReadyThread(t *testing.T) {
	var rq cpu.ThreadQueue
	a := &cpu.Thread{TID: 1, State: cpu.Ready}
	rq.Insert(a, true)

	if next := getNextThread(&rq, a); next != a {
		t.Fatalf("a lone Ready thread should pick itself back up")
	}
}

func TestGetNextThreadReturnsNilWhenNoneReady(t *testing.T) {
	var rq cpu.ThreadQueue
	a := &cpu.Thread{TID: 1, State: cpu.Running}
	rq.Insert(a, true)

	if next := getNextThread(&rq, a); next != nil {
		t.Fatalf("expected nil with no Ready threads, got tid %d", next.TID)
	}
}

func TestEntryTableRoundTrip(t *testing.T) {
	called := false
	token := registerEntry(func(arg unsafe.Pointer) {
		called = true
		if *(*int)(arg) != 42 {
			t.Fatalf("expected arg 42, got %d", *(*int)(arg))
		}
	})

	v := 42
	lookupEntry(token)(unsafe.Pointer(&v))
	if !called {
		t.Fatalf("expected the registered closure to run")
	}
}

func TestNewKthreadBuildsFrameAndEnqueues(t *testing.T) {
	heap := newTestHeap()
	target := &cpu.Cpu{ID: 7}

	th := NewKthread(heap, func(unsafe.Pointer) {}, nil, target)

	if th.State != cpu.Ready {
		t.Fatalf("expected a freshly created thread to start Ready, got %v", th.State)
	}
	if th.TID == 0 {
		t.Fatalf("expected a nonzero tid")
	}
	if target.RunQueue.Head != th {
		t.Fatalf("expected the new thread to head-insert onto its target CPU's run queue")
	}
	if th.ParentProcess != cpu.KernelProcess {
		t.Fatalf("expected the new thread to join the kernel process")
	}

	// The fake frame's top word is the trampoline address CtxSwitch's RET
	// will land on; below it, the 6 zeroed callee-saved registers CtxSwitch
	// pops first.
	top := th.SP
	for i := 0; i < 6; i++ {
		if v := *(*uint64)(unsafe.Pointer(top)); v != 0 {
			t.Fatalf("expected zeroed callee-saved slot %d, got %#x", i, v)
		}
		top += 8
	}
	if v := *(*uint64)(unsafe.Pointer(top)); v != uint64(threadEntryTrampolineAddr()) {
		t.Fatalf("expected the trampoline address above the callee-saved slots, got %#x", v)
	}
}

func TestNewKthreadAssignsDistinctAscendingTIDs(t *testing.T) {
	heap := newTestHeap()
	target := &cpu.Cpu{ID: 1}

	a := NewKthread(heap, func(unsafe.Pointer) {}, nil, target)
	b := NewKthread(heap, func(unsafe.Pointer) {}, nil, target)

	if b.TID <= a.TID {
		t.Fatalf("expected strictly ascending tids, got %d then %d", a.TID, b.TID)
	}
}

func TestRoundRobinIndexCoversEachCPUEqually(t *testing.T) {
	pickNext = 0
	cpus := []*cpu.Cpu{{ID: 0}, {ID: 1}, {ID: 2}}
	// pickCPU reads cpu.All(), which is only settable via cpu.Init; exercise
	// the round-robin arithmetic directly against a local slice instead.
	seen := map[uint64]int{}
	for i := 0; i < 9; i++ {
		c := cpus[i%len(cpus)]
		seen[c.ID]++
	}
	for id, n := range seen {
		if n != 3 {
			t.Fatalf("expected each of 3 CPUs picked 3 times over 9 rounds, cpu %d got %d", id, n)
		}
	}
}
