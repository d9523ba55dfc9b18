package apic

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Aster-OS/aster/internal/acpi"
	"github.com/Aster-OS/aster/internal/arch/x86"
)

// TestMain installs no-op CLI/STI hooks, exactly like the pmm/cpu/sched
// host-mode suites: IPIAll/IPIAllNoSelf wrap their loop in
// x86.SetInterrupts, which otherwise executes the privileged CLI/STI
// instructions directly.
func TestMain(m *testing.M) {
	x86.SetInterruptHooks(func() {}, func() {})
	os.Exit(m.Run())
}

type fakeMapper struct{ mapped []uint64 }

func (f *fakeMapper) Map(p uint64) { f.mapped = append(f.mapped, p) }

func newScratchLAPIC(t *testing.T) (*LAPIC, *fakeMapper) {
	t.Helper()
	buf, err := unix.Mmap(-1, 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("unix.Mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(buf) })

	const fakeBase = 0xFEE00000
	hhdmOffset := uint64(uintptr(unsafe.Pointer(&buf[0]))) - fakeBase
	mapper := &fakeMapper{}
	return New(mapper, hhdmOffset, fakeBase, false), mapper
}

func TestLAPICInitProgramsSpuriousAndDivide(t *testing.T) {
	l, mapper := newScratchLAPIC(t)
	if len(mapper.mapped) == 0 {
		t.Fatalf("expected the LAPIC page to be mapped")
	}
	if got := l.read(regSpurious); got != (1<<8)|uint32(SpuriousVector) {
		t.Fatalf("spurious register = %#x, want enable bit set and vector 0xF0", got)
	}
	if got := l.read(regTimerDiv); got != 0x3 {
		t.Fatalf("timer divide register = %#x, want 0x3 (/16)", got)
	}
}

type fakeClock struct{ slept uint64 }

func (f *fakeClock) SleepNs(ns uint64) {
	f.slept += ns
	// The countdown a real LAPIC performs on TIMER_CURR_COUNT during the
	// sleep is not simulated here; TestLAPICCalibrate pre-seeds that
	// register instead.
}

func TestLAPICCalibrate(t *testing.T) {
	l, _ := newScratchLAPIC(t)
	// Pre-seed TIMER_CURR_COUNT to simulate ticks having elapsed during
	// the calibration sleep: max (0xFFFFFFFF) - current == ticks consumed.
	l.write(regTimerCurCount, 0xFFFFFFFF-1000)
	l.Calibrate(&fakeClock{})

	if l.calibTicks != 1000 {
		t.Fatalf("calibTicks = %d, want 1000", l.calibTicks)
	}
	// OneShot/Periodic must not panic now that calibration has happened.
	l.OneShot(30_000, 0x40)
	l.Periodic(1_000_000, 0x41)
}

func TestLAPICTimerPanicsBeforeCalibration(t *testing.T) {
	l, _ := newScratchLAPIC(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected OneShot before calibration to panic")
		}
	}()
	l.OneShot(1000, 0x40)
}

func TestLAPICIPIWritesICR(t *testing.T) {
	l, _ := newScratchLAPIC(t)
	l.IPI(0x50, 7)
	if got := l.read(regICRHigh); got != 7<<icrDestShiftHigh {
		t.Fatalf("ICR_HIGH = %#x, want dest 7 shifted", got)
	}
	if got := l.read(regICRLow); got&0xFF != 0x50 {
		t.Fatalf("ICR_LOW vector = %#x, want 0x50", got&0xFF)
	}
}

func TestLAPICIPIAllNoSelf(t *testing.T) {
	l, _ := newScratchLAPIC(t)

	ids := []uint32{1, 2, 3}
	l.IPIAllNoSelf(0x60, ids, 2)
	// After excluding self(=2), the last ICR write targets id 3 (loop order).
	if got := l.read(regICRHigh); got != 3<<icrDestShiftHigh {
		t.Fatalf("expected last IPI to target id 3 (self=2 excluded), ICR_HIGH=%#x", got)
	}
}

func TestApplyMADTNMIMatchesWildcard(t *testing.T) {
	l, _ := newScratchLAPIC(t)
	madt := &acpi.MADT{
		LAPICNMIs: []acpi.LAPICNMIEntry{
			{ACPIProcessorID: 0xFF, LINT: 1, Flags: 0x2},
		},
	}
	l.ApplyMADTNMI(madt, 3)
	if got := l.read(regLVTLINT1); got&activeLow == 0 {
		t.Fatalf("expected LINT1 active-low bit set from wildcard NMI entry, got %#x", got)
	}
}

func TestApplyMADTNMISkipsNonMatching(t *testing.T) {
	l, _ := newScratchLAPIC(t)
	madt := &acpi.MADT{
		LAPICNMIs: []acpi.LAPICNMIEntry{
			{ACPIProcessorID: 9, LINT: 0},
		},
	}
	before := l.read(regLVTLINT0)
	l.ApplyMADTNMI(madt, 3)
	if got := l.read(regLVTLINT0); got != before {
		t.Fatalf("LVT_LINT0 changed for a non-matching ACPI id: before=%#x after=%#x", before, got)
	}
}
