package cpu

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/bootinfo"
	"github.com/Aster-OS/aster/internal/intr"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/util"
)

var (
	bsp              Cpu
	cpus             []*Cpu
	initializedCount util.AtomicCounter

	// apInit is the per-AP bring-up sequence (vmm reload, cpuid, GDT/IDT
	// reload, LAPIC init/calibrate, interrupt enable, scheduler handoff):
	// supplied by cmd/aster rather than called directly, since cpu cannot
	// import internal/sched (sched imports cpu for Thread/ThreadQueue)
	// without a cycle.
	apInit func(c *Cpu)
)

func init() {
	initializedCount.Store(1) // the BSP counts as initialized immediately
}

// BSP returns the bootstrap processor's record.
func BSP() *Cpu { return &bsp }

// All returns every CPU record known after Init, indexed the same way as
// mp.MPInfo.CPUs.
func All() []*Cpu { return cpus }

// Count returns how many CPUs have completed bring-up so far.
func Count() uint64 { return uint64(initializedCount.Load()) }

// SetAPEntryFunc registers the callback run on each AP once it has switched
// onto its own Cpu record, matching ap_entry's body past set_cpu.
func SetAPEntryFunc(f func(c *Cpu)) { apInit = f }

func initCpuData(c *Cpu, id uint64, acpiID, lapicID uint32, x2apic bool) {
	c.ID = id
	c.ACPIID = acpiID
	c.LapicID = lapicID
	c.X2APIC = x2apic
	c.interruptsEnabled = false
}

// InitBSP locates the bootstrap processor's entry in mp, installs its
// record as the calling CPU's own, and returns it, matching mp_init_bsp.
func InitBSP(mp *bootinfo.MPInfo) *Cpu {
	for i, e := range mp.CPUs {
		if e.LAPICID != mp.BSPLapic {
			continue
		}
		initCpuData(&bsp, uint64(i), e.ACPIID, e.LAPICID, mp.X2APIC)
		SetCurrent(&bsp)
		return &bsp
	}
	klog.Panicf("cpu: could not find BSP among MP entries")
	panic("unreachable")
}

// Init allocates a Cpu record for every AP, publishes each one through its
// bootinfo.CPUEntry (ExtraArgument = the Cpu pointer, GotoAddress = the
// entry trampoline), and blocks until every AP has bumped
// initializedCount, matching mp_init exactly. The BSP's own record must
// already have been installed via InitBSP.
func Init(mp *bootinfo.MPInfo) {
	klog.Debugf("x2APIC enabled? %v", mp.X2APIC)
	cpus = make([]*Cpu, len(mp.CPUs))

	if len(mp.CPUs) == 1 {
		klog.Infof("No APs to initialize")
		cpus[0] = &bsp
		return
	}

	entryAddr := apEntryTrampolineAddr()

	for i := range mp.CPUs {
		e := &mp.CPUs[i]
		isBSP := e.LAPICID == mp.BSPLapic

		var c *Cpu
		if isBSP {
			c = &bsp
		} else {
			c = &Cpu{}
			initCpuData(c, uint64(i), e.ACPIID, e.LAPICID, mp.X2APIC)
		}
		cpus[i] = c

		if isBSP {
			continue
		}

		e.ExtraArgument = uint64(uintptr(unsafe.Pointer(c)))
		e.GotoAddress = uint64(entryAddr)
	}

	for uint64(initializedCount.Load()) != uint64(len(mp.CPUs)) {
		x86.PauseHint()
	}

	n := initializedCount.Load()
	noun := "CPU"
	if n > 1 {
		noun = "CPUs"
	}
	klog.Infof("MP initialized %d %s", n, noun)
}

// apEntryGo is called (via apEntryTrampoline, from raw assembly matching
// the bootloader's C calling convention) on a freshly started AP with a
// pointer to its bootinfo.CPUEntry. It installs the Cpu record stashed in
// ExtraArgument, runs the registered bring-up sequence, and joins the
// initialized-CPU barrier, matching ap_entry.
func apEntryGo(entry *bootinfo.CPUEntry) {
	c := (*Cpu)(unsafe.Pointer(uintptr(entry.ExtraArgument)))
	SetCurrent(c)

	if apInit != nil {
		apInit(c)
	}

	initializedCount.Add(1)
	klog.Infof("CPU #%d initialized", c.ID)
}

// apEntryTrampolineAddr reads the address of the raw assembly entry point
// (apentry_amd64.s) Limine calls directly, the same isrTrampolineAddr-style
// indirection internal/intr uses for its IDT gates.
func apEntryTrampolineAddr() uintptr

// HaltAll IPIs every other initialized CPU to halt and then halts the
// caller, matching mp_halt_all_cpus. selfLapicID is this CPU's own LAPIC id,
// excluded from the broadcast.
func HaltAll(ipiAllNoSelf func(vector uint8, ids []uint32, selfLapicID uint32), ids []uint32, selfLapicID uint32) {
	klog.Fatalf("Halting all %d CPUs...", Count())

	vec := intr.AllocVector()
	intr.SetHandler(vec, func(ctx *klog.InterruptContext) {
		_ = ctx
		SetInterrupts(false)
		klog.Fatalf("CPU #%d halted", Current().ID)
		for {
			x86.Hlt()
		}
	})
	ipiAllNoSelf(vec, ids, selfLapicID)
	SetInterrupts(true)

	for {
		x86.Hlt()
	}
}
