package cpu

import (
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/mem/pmm"
)

// Process is an address-space owner (§3): `{pid, name, pagemap root,
// threads list}`. User processes are out of scope — KernelProcess is the
// one singleton instance every kthread belongs to, and it uses the kernel
// pagemap. Grounded on sched/proc.c's proc_threads_init/add/remove, minus
// the process list itself (mp/mp.c never creates more than the one kernel
// process either).
type Process struct {
	lock x86.IRQSpinlock

	PID     uint16
	Name    string
	Pagemap pmm.Pa
	Threads *Thread
}

// NewProcess builds an empty process record.
func NewProcess(pid uint16, name string, pagemap pmm.Pa) *Process {
	return &Process{PID: pid, Name: name, Pagemap: pagemap}
}

// AddThread head-inserts t into p's thread list, matching
// proc_threads_add/DLIST_INSERT_SYNCED.
func (p *Process) AddThread(t *Thread) {
	prev := p.lock.LockIRQ()
	defer p.lock.UnlockIRQ(prev)

	t.ParentProcess = p
	t.ProcPrev = nil
	t.ProcNext = p.Threads
	if p.Threads != nil {
		p.Threads.ProcPrev = t
	}
	p.Threads = t
}

// RemoveThread unlinks t from p's thread list, matching
// proc_threads_remove/DLIST_DELETE_SYNCED.
func (p *Process) RemoveThread(t *Thread) {
	prev := p.lock.LockIRQ()
	defer p.lock.UnlockIRQ(prev)

	if t.ProcPrev != nil {
		t.ProcPrev.ProcNext = t.ProcNext
	}
	if t.ProcNext != nil {
		t.ProcNext.ProcPrev = t.ProcPrev
	}
	if p.Threads == t {
		p.Threads = t.ProcNext
	}
}

// KernelProcess is the singleton process every kernel thread belongs to.
var KernelProcess = NewProcess(0, "kernel", 0)
