package apic

import (
	"github.com/Aster-OS/aster/internal/acpi"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mmio"
)

const (
	ioregRegSel = 0x00
	ioregWin    = 0x10

	ioapicVersion = 0x01
	ioapicRedTbl  = 0x10
)

const (
	redirDeliveryFixed  = 0
	redirDestPhysical   = 0
	redirActiveHigh     = 0
	redirActiveLow      = 1 << 13
	redirTriggerEdge    = 0
	redirTriggerLevel   = 1 << 15
	redirDestShift      = 56
	madtFlagActiveLow   = 0x2
	madtFlagTriggerEdge = 0x0
)

// IOAPIC is a single system-wide interrupt router.
type IOAPIC struct {
	win     mmio.Window
	id      uint8
	gsiBase uint32
}

// NewIOAPIC maps ioapic's register window into the HHDM.
func NewIOAPIC(mapper mmio.Mapper, hhdmOffset uint64, entry acpi.IOAPICEntry) *IOAPIC {
	io := &IOAPIC{
		win:     mmio.New(mapper, hhdmOffset, uint64(entry.Address), 0x20),
		id:      entry.IOAPICID,
		gsiBase: entry.GSIBase,
	}
	first, last := io.gsiBase, io.gsiBase+io.maxRedirEntry()
	klog.Infof("IOAPIC id %d initialized (GSIs %d-%d)", io.id, first, last)
	return io
}

func (io *IOAPIC) read(reg uint32) uint32 {
	io.win.Write32(ioregRegSel, reg)
	return io.win.Read32(ioregWin)
}

func (io *IOAPIC) write(reg uint32, val uint32) {
	io.win.Write32(ioregRegSel, reg)
	io.win.Write32(ioregWin, val)
}

func (io *IOAPIC) maxRedirEntry() uint32 {
	return (io.read(ioapicVersion) >> 16) & 0xFF
}

func (io *IOAPIC) covers(gsi uint32) bool {
	return gsi >= io.gsiBase && gsi <= io.gsiBase+io.maxRedirEntry()
}

func (io *IOAPIC) writeRedir(gsi uint32, val uint64) {
	relative := gsi - io.gsiBase
	lo := ioapicRedTbl + 2*relative
	hi := lo + 1
	io.write(lo, uint32(val))
	io.write(hi, uint32(val>>32))
}

// Router dispatches ISA IRQ unmasking across every IOAPIC the MADT
// describes, consulting interrupt source overrides for GSI/polarity/
// trigger remapping, matching ioapic_unmask_isa_irq exactly (§4.5).
type Router struct {
	madt     *acpi.MADT
	ioapics  []*IOAPIC
	bspLapic uint32
}

// NewRouter builds a Router from every MADT IOAPIC entry, mapping each into
// the HHDM.
func NewRouter(mapper mmio.Mapper, hhdmOffset uint64, madt *acpi.MADT, bspLapicID uint32) *Router {
	r := &Router{madt: madt, bspLapic: bspLapicID}
	for _, e := range madt.IOAPICs {
		r.ioapics = append(r.ioapics, NewIOAPIC(mapper, hhdmOffset, e))
	}
	return r
}

func (r *Router) ioapicForGSI(gsi uint32) *IOAPIC {
	for _, io := range r.ioapics {
		if io.covers(gsi) {
			return io
		}
	}
	klog.Panicf("apic: no IOAPIC covers GSI %d", gsi)
	panic("unreachable")
}

// UnmaskISAIRQ routes isaIRQ (vectored at isaIRQVec) to the BSP, applying
// any MADT interrupt source override for polarity/trigger/GSI remapping;
// without an override, GSI==isaIRQ and the defaults are active-high/edge.
func (r *Router) UnmaskISAIRQ(isaIRQ uint8, isaIRQVec uint8) {
	gsi := uint32(isaIRQ)
	val := uint64(isaIRQVec) | redirDeliveryFixed | redirDestPhysical

	if iso, ok := r.madt.ISOFor(isaIRQ); ok {
		gsi = iso.GSI
		if iso.Flags&madtFlagActiveLow != 0 {
			val |= redirActiveLow
		} else {
			val |= redirActiveHigh
		}
		if iso.Flags&0x8 != 0 { // MADT trigger-mode bits, level
			val |= redirTriggerLevel
		} else {
			val |= redirTriggerEdge
		}
	} else {
		val |= redirActiveHigh | redirTriggerEdge
	}

	val |= uint64(r.bspLapic) << redirDestShift

	r.ioapicForGSI(gsi).writeRedir(gsi, val)
	klog.Debugf("IOAPIC: unmasked ISA IRQ %d -> GSI %d, vector 0x%02x", isaIRQ, gsi, isaIRQVec)
}
