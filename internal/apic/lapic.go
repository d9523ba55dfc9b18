// Package apic is the LAPIC/IOAPIC half of component E (§4.5): per-CPU
// Local APIC programming (spurious vector, divide config, NMI LVT entries,
// one-shot/periodic timer, IPIs) and system-wide IOAPIC routing (ISA IRQ
// unmasking via MADT interrupt source overrides). Ported from the original
// implementation's arch/x86_64/apic/lapic.c and ioapic.c, generalized from
// their single-BSP globals into per-instance state so every CPU can own its
// own *LAPIC.
package apic

import (
	"github.com/Aster-OS/aster/internal/acpi"
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mmio"
)

// LAPIC register offsets (MMIO/xAPIC mode; x2APIC mode maps each one to MSR
// 0x800 + offset>>4 instead, per Intel SDM vol 3A §10.12.1).
const (
	regID             = 0x20
	regVersion        = 0x30
	regTPR            = 0x80
	regEOI            = 0xB0
	regSpurious       = 0xF0
	regICRLow         = 0x300
	regICRHigh        = 0x310
	regLVTTimer       = 0x320
	regLVTLINT0       = 0x350
	regLVTLINT1       = 0x360
	regTimerInitCount = 0x380
	regTimerCurCount  = 0x390
	regTimerDiv       = 0x3E0

	x2apicMSRBase = 0x800
	x2apicICR     = 0x830
)

const (
	deliveryFixed = 0x000 << 8
	deliveryNMI   = 0x4 << 8

	lvtMasked = 1 << 16

	timerOneShot  = 0x0 << 17
	timerPeriodic = 0x1 << 17

	activeLow    = 1 << 13
	triggerLevel = 1 << 15

	icrAssert        = 1 << 14
	icrDestShiftHigh = 24
)

// SpuriousVector is the fixed LAPIC spurious-interrupt vector (§3 vector
// table layout, §4.5).
const SpuriousVector uint8 = 0xF0

// CalibrationSleepNs is how long Calibrate busy-waits the time source for.
const CalibrationSleepNs = 1_000_000

// TimeSource is the collaborator LAPIC timer calibration busy-waits
// against; satisfied by internal/timesrc's HPET/PIT implementations.
type TimeSource interface {
	SleepNs(ns uint64)
}

// LAPIC is one CPU's view of its Local APIC, either MMIO- or
// MSR-addressed depending on whether x2APIC mode is enabled.
type LAPIC struct {
	win    mmio.Window
	x2apic bool

	calibTicks uint32
	calibNs    uint64
}

// ReadAPICBase reads IA32_APIC_BASE and masks it down to the LAPIC's
// 4KiB-aligned MMIO base, for callers that need to pass it to New.
func ReadAPICBase() uint64 {
	return x86.Rdmsr(x86.IA32_APIC_BASE) & 0xFFFFFF000
}

// New maps the LAPIC at base into the HHDM (a no-op in x2APIC mode, where
// register access is MSR-based instead), stops the timer, and programs the
// spurious vector register and divide configuration, matching lapic_init.
// base is read by the caller via ReadAPICBase rather than internally, so
// host-mode tests never need to execute the privileged RDMSR instruction.
func New(mapper mmio.Mapper, hhdmOffset uint64, base uint64, x2apic bool) *LAPIC {
	l := &LAPIC{x2apic: x2apic, calibNs: CalibrationSleepNs}
	if !x2apic {
		l.win = mmio.New(mapper, hhdmOffset, base, 0x1000)
	}
	l.StopTimer()
	l.write(regSpurious, (1<<8)|uint32(SpuriousVector))
	l.write(regTimerDiv, 0x3) // divide by 16

	klog.Infof("LAPIC initialized (x2apic=%v)", x2apic)
	return l
}

func (l *LAPIC) read(reg uint32) uint32 {
	if l.x2apic {
		return uint32(x86.Rdmsr(x2apicMSRBase + reg>>4))
	}
	return l.win.Read32(reg)
}

func (l *LAPIC) write(reg uint32, val uint32) {
	if l.x2apic {
		x86.Wrmsr(x2apicMSRBase+reg>>4, uint64(val))
		return
	}
	l.win.Write32(reg, val)
}

// ID returns this LAPIC's local ID (xAPIC: top byte of REG_ID; x2APIC: the
// full 32-bit ID register).
func (l *LAPIC) ID() uint32 {
	if l.x2apic {
		return l.read(regID)
	}
	return l.read(regID) >> 24
}

// SendEOI acknowledges the current interrupt.
func (l *LAPIC) SendEOI() { l.write(regEOI, 0) }

// ApplyMADTNMI programs LVT_LINT0/1 with delivery-mode NMI for every MADT
// LAPIC-NMI entry that names this CPU's ACPI id, or the 0xFF wildcard
// (every processor), per §4.5.
func (l *LAPIC) ApplyMADTNMI(madt *acpi.MADT, acpiID uint8) {
	if madt == nil {
		return
	}
	for _, nmi := range madt.LAPICNMIs {
		if nmi.ACPIProcessorID != 0xFF && nmi.ACPIProcessorID != acpiID {
			continue
		}
		val := uint32(deliveryNMI)
		if nmi.Flags&0x2 != 0 { // MADT polarity: active-low
			val |= activeLow
		}
		if nmi.Flags&0x8 != 0 { // MADT trigger mode: level
			val |= triggerLevel
		}
		switch nmi.LINT {
		case 0:
			l.write(regLVTLINT0, val)
		case 1:
			l.write(regLVTLINT1, val)
		}
	}
}

// StopTimer disables the LAPIC timer by zeroing the initial count.
func (l *LAPIC) StopTimer() { l.write(regTimerInitCount, 0) }

func (l *LAPIC) nsToTicks(ns uint64) uint32 {
	if l.calibTicks == 0 {
		klog.Panicf("apic: LAPIC timer used before calibration")
	}
	return uint32(ns * uint64(l.calibTicks) / l.calibNs)
}

// OneShot arms the timer to fire vec once after ns nanoseconds.
func (l *LAPIC) OneShot(ns uint64, vec uint8) {
	l.write(regTimerInitCount, l.nsToTicks(ns))
	l.write(regLVTTimer, timerOneShot|uint32(vec))
}

// Periodic arms the timer to fire vec every ns nanoseconds.
func (l *LAPIC) Periodic(ns uint64, vec uint8) {
	l.write(regTimerInitCount, l.nsToTicks(ns))
	l.write(regLVTTimer, timerPeriodic|uint32(vec))
}

// Calibrate loads the maximum count, sleeps CalibrationSleepNs via ts,
// reads the ticks consumed, and records calib_ticks = max - current,
// matching lapic_timer_calibrate exactly (§4.5).
func (l *LAPIC) Calibrate(ts TimeSource) {
	const max = 0xFFFFFFFF
	l.write(regTimerInitCount, max)
	ts.SleepNs(l.calibNs)
	end := l.read(regTimerCurCount)
	l.StopTimer()

	l.calibTicks = max - end
	klog.Infof("LAPIC timer calibrated: %d ticks in %d ns", l.calibTicks, l.calibNs)
}

// IPI sends vector to a specific LAPIC id. In xAPIC mode this writes
// ICR_HIGH (destination) then ICR_LOW (delivery|vector); in x2APIC mode a
// single 64-bit MSR write carries both, per §4.5.
func (l *LAPIC) IPI(vector uint8, destLapicID uint32) {
	if l.x2apic {
		val := uint64(destLapicID)<<32 | uint64(icrAssert) | uint64(deliveryFixed) | uint64(vector)
		x86.Wrmsr(x2apicICR, val)
		return
	}
	l.write(regICRHigh, destLapicID<<icrDestShiftHigh)
	l.write(regICRLow, icrAssert|deliveryFixed|uint32(vector))
}

// IPISelf sends vector to the local CPU only.
func (l *LAPIC) IPISelf(vector uint8) {
	l.IPI(vector, l.ID())
}

// IPIAll sends vector to every LAPIC id in ids (including self, if
// present), disabling interrupts for the duration per §4.5's "interrupts
// must be disabled on entry and restored on exit".
func (l *LAPIC) IPIAll(vector uint8, ids []uint32) {
	prev := x86.SetInterrupts(false)
	for _, id := range ids {
		l.IPI(vector, id)
	}
	x86.SetInterrupts(prev)
}

// IPIAllNoSelf is IPIAll excluding selfLapicID.
func (l *LAPIC) IPIAllNoSelf(vector uint8, ids []uint32, selfLapicID uint32) {
	prev := x86.SetInterrupts(false)
	for _, id := range ids {
		if id == selfLapicID {
			continue
		}
		l.IPI(vector, id)
	}
	x86.SetInterrupts(prev)
}
