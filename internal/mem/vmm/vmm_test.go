package vmm

import (
	"testing"
	"unsafe"

	"github.com/Aster-OS/aster/internal/mem/pmm"
)

// fakeFrames hands out sequential zeroed frames from a flat backing array,
// standing in for the PMM in host-mode tests (§10.4).
type fakeFrames struct {
	backing []byte
	next    int
}

func newFakeFrames(pages int) *fakeFrames {
	return &fakeFrames{backing: make([]byte, pages*pageSize)}
}

func (f *fakeFrames) Alloc(zero bool) pmm.Pa {
	if f.next >= len(f.backing)/pageSize {
		panic("fakeFrames: exhausted")
	}
	off := f.next * pageSize
	f.next++
	if zero {
		for i := off; i < off+pageSize; i++ {
			f.backing[i] = 0
		}
	}
	return pmm.Pa(off)
}

func (f *fakeFrames) Table(p pmm.Pa) *[entriesPer]uint64 {
	return (*[entriesPer]uint64)(unsafe.Pointer(&f.backing[int(p)]))
}

func TestVMMRoundTrip(t *testing.T) {
	fr := newFakeFrames(64)
	v := NewWithInvalidator(fr, fr, func(uintptr) {})
	root := v.NewPagemap()

	virt := uintptr(0x1234_5000)
	phys := fr.Alloc(false)

	v.Map(root, virt, phys, Write|NX)
	got := v.Walk(root, virt+0x10)
	want := uint64(phys) | 0x10
	if got != want {
		t.Fatalf("walk after map: got %#x want %#x", got, want)
	}

	v.Unmap(root, virt)
	if got := v.Walk(root, virt); got != 0 {
		t.Fatalf("walk after unmap: got %#x want 0", got)
	}
}

func TestVMMMultiplePagesDistinctTables(t *testing.T) {
	fr := newFakeFrames(128)
	v := NewWithInvalidator(fr, fr, func(uintptr) {})
	root := v.NewPagemap()

	// Two addresses far enough apart to force distinct PML3/PML2 entries.
	v.Map(root, 0x0000_1000, fr.Alloc(false), Write)
	v.Map(root, 0x4000_0000_1000, fr.Alloc(false), Write)

	if v.Walk(root, 0x0000_1000)&physAddrMask == 0 {
		t.Fatalf("expected first mapping to resolve")
	}
	if v.Walk(root, 0x4000_0000_1000)&physAddrMask == 0 {
		t.Fatalf("expected second mapping to resolve")
	}
}

func TestVMMTLBCoherenceTracksCurrentRoot(t *testing.T) {
	fr := newFakeFrames(64)
	v := NewWithInvalidator(fr, fr, func(uintptr) {})
	root := v.NewPagemap()
	v.SetCurrentRoot(root)

	// Map/Unmap on the loaded root must not panic when invalidating; this
	// test mainly documents the contract since invlpg itself cannot run in
	// host mode.
	virt := uintptr(0x2000)
	v.Map(root, virt, fr.Alloc(false), Write)
	v.Unmap(root, virt)
}
