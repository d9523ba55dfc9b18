// Command aster is the kernel image's entry point: it wires every
// component together in the order §2 of the design lays out and then
// abandons its own stack into the scheduler. Grounded on the original
// implementation's main.c, whose kmain(void) this package's kmain mirrors
// in name and role, extended with the already-decoded *bootinfo.Info
// parameter this port's component A produces. The boot handoff shim that
// parses raw Limine request/response structs into that value, and whatever
// glue gets a freestanding Go image running at all, are out of scope here
// (see DESIGN.md); kmain is where this port picks up.
package main

import (
	"github.com/Aster-OS/aster/internal/acpi"
	"github.com/Aster-OS/aster/internal/apic"
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/bootinfo"
	"github.com/Aster-OS/aster/internal/cpu"
	"github.com/Aster-OS/aster/internal/intr"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mem/kheap"
	"github.com/Aster-OS/aster/internal/mem/pmm"
	"github.com/Aster-OS/aster/internal/mem/vmm"
	"github.com/Aster-OS/aster/internal/sched"
	"github.com/Aster-OS/aster/internal/timesrc"
)

// kernelHeapBase is HEAP_START from the original implementation's
// memory/kheap/kheap.c and memory/kmalloc/kmalloc.c.
const kernelHeapBase = 0xffffffffd0000000

// kernelImageWindow bounds how much of the kernel's own image this port
// maps at its linked virtual address when building the kernel pagemap.
// bootinfo.KernelImage carries only VirtBase/PhysBase, not a size — real
// section boundaries come from linker-emitted symbols this port does not
// wire up (out of scope, see DESIGN.md) — so a generous fixed window
// stands in for the real per-section layout §4.2 describes.
const kernelImageWindow = 16 << 20

// main exists only so this package satisfies package main and the linker
// keeps kmain reachable; it is never reached on real hardware, since the
// boot handoff shim jumps straight to kmain once bootinfo.Info is ready.
func main() {}

func kmain(info *bootinfo.Info) {
	klog.RegisterTTY(newSerialTTY(klog.Debug))
	klog.SetStackTraceFunc(klog.StackTrace)

	defer func() {
		if r := recover(); r != nil {
			klog.HaltLocalCPU()
		}
	}()

	region, ok := info.LargestUsable()
	if !ok {
		klog.Panicf("aster: no usable region in the boot memory map")
	}
	pmm.PrintMemmap(memmapRegions(info.MemoryMap))
	pmmAlloc := pmm.Init(hhdmBytes{info}, pmm.Pa(region.Base), region.Len)

	vm := vmm.New(pmmAlloc, hhdmTable{info})
	kernelRoot := vm.NewPagemap()
	mapper := mmioMapper{vm: vm, root: kernelRoot, hhdmOffset: info.HHDMOffset}
	for _, r := range info.MemoryMap {
		mapRegionHHDM(vm, kernelRoot, info.HHDMOffset, r)
	}
	mapKernelImage(vm, kernelRoot, info.Kernel)
	cpu.KernelProcess.Pagemap = kernelRoot

	heap := kheap.Init(kheap.NewVMMMapper(vm, kernelRoot, pmmAlloc), kernelHeapBase, kheap.DefaultHeapSize)

	intr.Init()
	intr.InitGDT()
	intr.ReloadSegments()
	intr.InitIDT()
	intr.ReloadIDT()

	acpiInfo := acpi.Init(acpiReader{info}, info.RSDPAddr)
	if acpiInfo.MADT == nil {
		klog.Panicf("aster: no MADT in the ACPI tables")
	}

	apicBase := apic.ReadAPICBase()
	lapicInst := apic.New(mapper, info.HHDMOffset, apicBase, info.MP.X2APIC)
	router := apic.NewRouter(mapper, info.HHDMOffset, acpiInfo.MADT, info.MP.BSPLapic)

	var hpet *timesrc.HPET
	var pit *timesrc.PIT
	if acpiInfo.HPET != nil {
		hpet = timesrc.NewHPET(mapper, info.HHDMOffset, acpiInfo.HPET.Address)
	} else {
		pit = &timesrc.PIT{}
		pit.Init(router, lapicInst)
	}
	ts := timesrc.Probe(hpet, pit)
	lapicInst.Calibrate(ts)

	sched.SetLAPIC(lapicInst)
	sched.Init()

	bsp := cpu.InitBSP(&info.MP)
	bringUpLocalCPU(bsp, vm, kernelRoot, mapper, info, apicBase, lapicInst, acpiInfo, ts, heap)

	haltVec := intr.AllocVector()
	intr.SetHandler(haltVec, func(*klog.InterruptContext) {
		cpu.SetInterrupts(false)
		for {
			x86.Hlt()
		}
	})
	klog.SetHaltVector(haltVec, func(vector uint8) {
		lapicInst.IPIAllNoSelf(vector, lapicIDs(&info.MP), bsp.LapicID)
	})
	klog.SetCPUIDFunc(func() int { return int(cpu.Current().ID) })

	cpu.SetAPEntryFunc(func(c *cpu.Cpu) {
		bringUpLocalCPU(c, vm, kernelRoot, mapper, info, apicBase, lapicInst, acpiInfo, ts, heap)
	})
	cpu.Init(&info.MP)

	klog.Infof("aster: boot complete, %d CPU(s) online", cpu.Count())

	// InitCPU (inside bringUpLocalCPU) already queued this CPU's reaper
	// kthread Ready, so Yield has something to dispatch into immediately.
	sched.Yield()
	klog.Panicf("aster: scheduler returned to kmain")
}

// bringUpLocalCPU runs the per-CPU bring-up fragment shared by the BSP and
// every AP: reload the shared pagemap/GDT/IDT on the calling CPU, bring its
// own local APIC hardware up (self-addressed, so every CPU must run this
// even though every CPU shares the same *apic.LAPIC Go instance), enable
// interrupts, and hand the CPU to the scheduler. Matches the bring-up tail
// of the original implementation's ap_entry/mp_init_bsp.
func bringUpLocalCPU(c *cpu.Cpu, vm *vmm.VMM, kernelRoot pmm.Pa, mapper mmioMapper, info *bootinfo.Info, apicBase uint64, lapicInst *apic.LAPIC, acpiInfo *acpi.Info, ts timesrc.Source, heap *kheap.Heap) {
	x86.WriteCR3(uint64(kernelRoot))
	vm.SetCurrentRoot(kernelRoot)
	cpu.SetCurrent(c)
	c.CPUID()

	intr.ReloadSegments()
	intr.ReloadTSS(&c.TSS)
	intr.ReloadIDT()

	apic.New(mapper, info.HHDMOffset, apicBase, info.MP.X2APIC) // re-arms this CPU's own local APIC hardware
	lapicInst.Calibrate(ts)
	lapicInst.ApplyMADTNMI(acpiInfo.MADT, uint8(c.ACPIID))

	cpu.SetInterrupts(true)
	sched.InitCPU(heap, c)
}

func lapicIDs(mp *bootinfo.MPInfo) []uint32 {
	ids := make([]uint32, len(mp.CPUs))
	for i, e := range mp.CPUs {
		ids[i] = e.LAPICID
	}
	return ids
}

func memmapRegions(regions []bootinfo.Region) []pmm.MemmapRegion {
	out := make([]pmm.MemmapRegion, len(regions))
	for i, r := range regions {
		out[i] = pmm.MemmapRegion{Base: r.Base, Len: r.Len, Kind: r.Kind}
	}
	return out
}

func mapRegionHHDM(vm *vmm.VMM, root pmm.Pa, hhdmOffset uint64, r bootinfo.Region) {
	switch r.Kind {
	case bootinfo.Usable, bootinfo.BootloaderReclaimable, bootinfo.ExecutableAndModules, bootinfo.Framebuffer:
	default:
		return
	}
	const writeNX = vmm.Write | vmm.NX
	start := r.Base - r.Base%pmm.PageSize
	for p := start; p < r.End(); p += pmm.PageSize {
		vm.Map(root, uintptr(p+hhdmOffset), pmm.Pa(p), writeNX)
	}
}

func mapKernelImage(vm *vmm.VMM, root pmm.Pa, img bootinfo.KernelImage) {
	for off := uint64(0); off < kernelImageWindow; off += pmm.PageSize {
		vm.Map(root, uintptr(img.VirtBase+off), pmm.Pa(img.PhysBase+off), vmm.Write)
	}
}
