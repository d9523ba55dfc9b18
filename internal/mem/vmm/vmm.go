// Package vmm is the Virtual Memory Manager (component C): a 4-level
// x86-64 pagemap (PML4→PML3→PML2→PML1), built and walked the way
// memory/vmm/vmm.c does — same flag constants, same 9-bit index
// extraction, same intermediate-entry policy (always Present|Write|User) —
// generalized into a reusable Map/Walk/Unmap API instead of the original's
// boot-time-only single pass.
package vmm

import (
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mem/pmm"
)

const (
	Present = 1 << 0
	Write   = 1 << 1
	User    = 1 << 2
	NX      = 1 << 63

	physAddrMask = 0x000f_ffff_ffff_f000
	pageSize     = pmm.PageSize
	entriesPer   = 512
)

// FrameSource allocates zeroed physical frames for new intermediate tables.
type FrameSource interface {
	Alloc(zero bool) pmm.Pa
}

// HHDM dereferences a physical address as a live [512]uint64 page-table.
type HHDM interface {
	Table(p pmm.Pa) *[entriesPer]uint64
}

// VMM owns a frame source and the HHDM view used to edit pagemaps.
type VMM struct {
	frames FrameSource
	hhdm   HHDM

	// currentRoot tracks, per call to SetCurrentRoot, the pagemap this CPU
	// has loaded into CR3 — used to decide whether a write needs a local
	// invlpg (§4.2's TLB-coherence rule applies only to the loaded root).
	currentRoot pmm.Pa
	rootKnown   bool

	// invalidate performs the actual local TLB flush. Defaults to the real
	// INVLPG instruction; host-mode tests substitute a no-op/recording
	// stub since INVLPG is privileged and cannot run outside ring 0.
	invalidate func(virt uintptr)
}

// New creates a VMM bound to the given frame source and HHDM view, using
// the real INVLPG instruction for local TLB invalidation.
func New(frames FrameSource, hhdm HHDM) *VMM {
	return &VMM{frames: frames, hhdm: hhdm, invalidate: x86.Invlpg}
}

// NewWithInvalidator is New but lets the caller supply the local-invalidate
// primitive — used by host-mode tests to avoid executing the privileged
// INVLPG instruction.
func NewWithInvalidator(frames FrameSource, hhdm HHDM, invalidate func(virt uintptr)) *VMM {
	return &VMM{frames: frames, hhdm: hhdm, invalidate: invalidate}
}

// NewPagemap allocates a fresh, zeroed PML4 frame to serve as a pagemap
// root.
func (v *VMM) NewPagemap() pmm.Pa {
	return v.frames.Alloc(true)
}

func idx(virt uintptr, level int) int {
	shift := uint(12 + 9*level)
	return int((virt >> shift) & 0x1ff)
}

// getOrCreate walks into table[i], allocating and zeroing a new
// intermediate frame with Present|Write|User if the slot is empty.
func (v *VMM) getOrCreate(table *[entriesPer]uint64, i int) pmm.Pa {
	e := table[i]
	if e&Present == 0 {
		frame := v.frames.Alloc(true)
		table[i] = uint64(frame) | Present | Write | User
		return frame
	}
	return pmm.Pa(e & physAddrMask)
}

// Map installs phys at virt in root with the given terminal flags (Present
// is added implicitly), allocating any missing intermediate tables along
// the way. Both addresses must be page-aligned.
func (v *VMM) Map(root pmm.Pa, virt uintptr, phys pmm.Pa, flags uint64) {
	if virt%pageSize != 0 || uintptr(phys)%pageSize != 0 {
		klog.Panicf("vmm: Map requires page-aligned addresses (virt=%#x phys=%#x)", virt, phys)
	}
	pml4 := v.hhdm.Table(root)
	pml3 := v.hhdm.Table(v.getOrCreate(pml4, idx(virt, 3)))
	pml2 := v.hhdm.Table(v.getOrCreate(pml3, idx(virt, 2)))
	pml1 := v.hhdm.Table(v.getOrCreate(pml2, idx(virt, 1)))

	pml1[idx(virt, 0)] = uint64(phys) | Present | flags

	v.invalidateIfCurrent(root, virt)
}

// Unmap clears the PML1 entry for virt in root, if present.
func (v *VMM) Unmap(root pmm.Pa, virt uintptr) {
	pml4 := v.hhdm.Table(root)
	e := pml4[idx(virt, 3)]
	if e&Present == 0 {
		return
	}
	pml3 := v.hhdm.Table(pmm.Pa(e & physAddrMask))
	e = pml3[idx(virt, 2)]
	if e&Present == 0 {
		return
	}
	pml2 := v.hhdm.Table(pmm.Pa(e & physAddrMask))
	e = pml2[idx(virt, 1)]
	if e&Present == 0 {
		return
	}
	pml1 := v.hhdm.Table(pmm.Pa(e & physAddrMask))
	pml1[idx(virt, 0)] = 0

	v.invalidateIfCurrent(root, virt)
}

// Walk returns phys | (virt & 0xfff) for the mapping of virt in root, or 0
// if any level is not present.
func (v *VMM) Walk(root pmm.Pa, virt uintptr) uint64 {
	table := v.hhdm.Table(root)
	for level := 3; level >= 1; level-- {
		e := table[idx(virt, level)]
		if e&Present == 0 {
			return 0
		}
		table = v.hhdm.Table(pmm.Pa(e & physAddrMask))
	}
	e := table[idx(virt, 0)]
	if e&Present == 0 {
		return 0
	}
	return (e & physAddrMask) | uint64(virt&0xfff)
}

// SetCurrentRoot records which pagemap this CPU has loaded, so subsequent
// Map/Unmap calls on that root know to invalidate locally. The real boot
// path calls this right after loading CR3; host-mode tests call it
// directly to exercise TLB-coherence invariant 4 without a real MMU.
func (v *VMM) SetCurrentRoot(root pmm.Pa) {
	v.currentRoot = root
	v.rootKnown = true
}

func (v *VMM) invalidateIfCurrent(root pmm.Pa, virt uintptr) {
	if v.rootKnown && v.currentRoot == root {
		v.InvalidateLocal(virt)
	}
}

// InvalidateLocal is the single-page local TLB flush. Cross-CPU shootdown
// is deliberately not implemented — see §9's open question and DESIGN.md's
// recorded decision: the HHDM and kernel heap ranges are mapped in full
// before any AP starts, so no other CPU ever observes a stale translation
// for a range it already uses.
func (v *VMM) InvalidateLocal(virt uintptr) {
	v.invalidate(virt)
}
