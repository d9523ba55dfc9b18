package mmio

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fakeMapper records every page Map is called with but performs no actual
// page-table edit — host-mode tests run against ordinary process memory
// that is already mapped.
type fakeMapper struct {
	mapped []uint64
}

func (m *fakeMapper) Map(pagePhys uint64) { m.mapped = append(m.mapped, pagePhys) }

// newScratch reserves a page-aligned anonymous mapping via unix.Mmap to
// stand in for a device's MMIO page — raw mmap gives a page-alignment
// guarantee Go's make() does not. The apic and timesrc suites back their
// MMIO pages the same way.
func newScratch(t *testing.T, size int) []byte {
	t.Helper()
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("unix.Mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(buf) })
	return buf
}

func TestWindowReadWrite32(t *testing.T) {
	buf := newScratch(t, 4096)
	const fakePhysBase = 0xFEE00000
	hhdmOffset := uint64(uintptr(unsafe.Pointer(&buf[0]))) - fakePhysBase

	mapper := &fakeMapper{}
	w := New(mapper, hhdmOffset, fakePhysBase, 4096)

	if len(mapper.mapped) != 1 || mapper.mapped[0] != fakePhysBase {
		t.Fatalf("expected exactly one page mapped at base, got %v", mapper.mapped)
	}

	w.Write32(0x20, 0xCAFEBABE)
	if got := w.Read32(0x20); got != 0xCAFEBABE {
		t.Fatalf("Read32 = %#x, want 0xCAFEBABE", got)
	}

	w.Write64(0x300, 0x1122334455667788)
	if got := w.Read64(0x300); got != 0x1122334455667788 {
		t.Fatalf("Read64 = %#x, want 0x1122334455667788", got)
	}
}

func TestWindowSpansMultiplePages(t *testing.T) {
	buf := newScratch(t, 8192)
	const fakePhysBase = 0xFEC00000
	hhdmOffset := uint64(uintptr(unsafe.Pointer(&buf[0]))) - fakePhysBase

	mapper := &fakeMapper{}
	New(mapper, hhdmOffset, fakePhysBase, 8192)

	if len(mapper.mapped) != 2 {
		t.Fatalf("expected 2 pages mapped for an 8KiB window, got %d", len(mapper.mapped))
	}
}
