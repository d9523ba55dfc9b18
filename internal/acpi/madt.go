package acpi

import "github.com/Aster-OS/aster/internal/klog"

// MADT entry type codes, §6 plus the supplemented types 0 (Processor Local
// APIC) and 9 (Local x2APIC) present in the original implementation but
// silent in the distilled spec (SPEC_FULL.md §6 supplement).
const (
	MADTLocalAPIC           = 0
	MADTIOAPIC              = 1
	MADTInterruptSrcOverride = 2
	MADTIOAPICNMISource      = 3
	MADTLocalAPICNMI         = 4
	MADTLocalX2APIC          = 9
)

// LocalAPICEntry is a type-0 MADT entry.
type LocalAPICEntry struct {
	ACPIProcessorID uint8
	APICID          uint8
	Flags           uint32
}

// IOAPICEntry is a type-1 MADT entry.
type IOAPICEntry struct {
	IOAPICID    uint8
	Address     uint32
	GSIBase     uint32
}

// ISOEntry is a type-2 interrupt source override.
type ISOEntry struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// IOAPICNMIEntry is a type-3 MADT entry.
type IOAPICNMIEntry struct {
	Source uint8
	Flags  uint16
	GSI    uint32
}

// LAPICNMIEntry is a type-4 MADT entry.
type LAPICNMIEntry struct {
	ACPIProcessorID uint8 // 0xFF == all processors
	Flags           uint16
	LINT            uint8
}

// LocalX2APICEntry is a type-9 MADT entry.
type LocalX2APICEntry struct {
	X2APICID uint32
	Flags    uint32
	ACPIID   uint32
}

// MADT is the parsed Multiple APIC Description Table.
type MADT struct {
	LapicAddr     uint32
	Flags         uint32
	LocalAPICs    []LocalAPICEntry
	IOAPICs       []IOAPICEntry
	ISOs          []ISOEntry
	IOAPICNMIs    []IOAPICNMIEntry
	LAPICNMIs     []LAPICNMIEntry
	LocalX2APICs  []LocalX2APICEntry
}

func parseMADT(r Reader, addr uint64, h SDTHeader) *MADT {
	full := r.Bytes(addr, int(h.Length))
	if checksum(full) != 0 {
		klog.Panicf("acpi: Invalid MADT checksum")
	}

	m := &MADT{
		LapicAddr: le32(full[36:40]),
		Flags:     le32(full[40:44]),
	}

	off := 44
	for off+2 <= len(full) {
		entryType := full[off]
		entryLen := int(full[off+1])
		if entryLen == 0 || off+entryLen > len(full) {
			break
		}
		body := full[off+2 : off+entryLen]
		switch entryType {
		case MADTLocalAPIC:
			if len(body) >= 6 {
				m.LocalAPICs = append(m.LocalAPICs, LocalAPICEntry{
					ACPIProcessorID: body[0],
					APICID:          body[1],
					Flags:           le32(body[2:6]),
				})
			}
		case MADTIOAPIC:
			if len(body) >= 10 {
				m.IOAPICs = append(m.IOAPICs, IOAPICEntry{
					IOAPICID: body[0],
					Address:  le32(body[2:6]),
					GSIBase:  le32(body[6:10]),
				})
			}
		case MADTInterruptSrcOverride:
			if len(body) >= 8 {
				m.ISOs = append(m.ISOs, ISOEntry{
					Bus:    body[0],
					Source: body[1],
					GSI:    le32(body[2:6]),
					Flags:  le16(body[6:8]),
				})
			}
		case MADTIOAPICNMISource:
			if len(body) >= 7 {
				m.IOAPICNMIs = append(m.IOAPICNMIs, IOAPICNMIEntry{
					Source: body[0],
					Flags:  le16(body[1:3]),
					GSI:    le32(body[3:7]),
				})
			}
		case MADTLocalAPICNMI:
			if len(body) >= 4 {
				m.LAPICNMIs = append(m.LAPICNMIs, LAPICNMIEntry{
					ACPIProcessorID: body[0],
					Flags:           le16(body[1:3]),
					LINT:            body[3],
				})
			}
		case MADTLocalX2APIC:
			if len(body) >= 14 {
				m.LocalX2APICs = append(m.LocalX2APICs, LocalX2APICEntry{
					X2APICID: le32(body[2:6]),
					Flags:    le32(body[6:10]),
					ACPIID:   le32(body[10:14]),
				})
			}
		}
		off += entryLen
	}
	return m
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// ISOFor returns the interrupt source override for an ISA irq, if any.
func (m *MADT) ISOFor(irq uint8) (ISOEntry, bool) {
	for _, iso := range m.ISOs {
		if iso.Bus == 0 && iso.Source == irq {
			return iso, true
		}
	}
	return ISOEntry{}, false
}

// IOAPICForGSI returns the IOAPIC entry whose redirection window covers
// gsi, given each IOAPIC's maximum redirection-entry index (read from
// hardware, not MADT — callers pass it in); an IOAPIC covers
// GSIBase..GSIBase+maxRedir inclusive.
func (m *MADT) IOAPICForGSI(gsi uint32, maxRedirOf func(IOAPICEntry) uint32) (IOAPICEntry, bool) {
	for _, io := range m.IOAPICs {
		if gsi >= io.GSIBase && gsi < io.GSIBase+maxRedirOf(io)+1 {
			return io, true
		}
	}
	return IOAPICEntry{}, false
}
