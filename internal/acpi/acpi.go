// Package acpi parses the subset of ACPI tables this kernel needs: the
// RSDP/XSDT pointer chain, MADT (APIC topology), and HPET. Ported from the
// original implementation's acpi/acpi.c and acpi/madt.c, including the
// exact panic wording scenario S5 checks against.
package acpi

import (
	"github.com/Aster-OS/aster/internal/klog"
)

// Reader dereferences a physical address as a byte slice through the HHDM,
// the same collaborator interface pmm/vmm use.
type Reader interface {
	Bytes(phys uint64, n int) []byte
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// SDTHeader is the 36-byte header common to every ACPI system description
// table.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

const sdtHeaderSize = 36

// Info is the parsed result of acpi.Init: the XSDT entries, with MADT/HPET
// already located for convenience.
type Info struct {
	reader  Reader
	Entries []uint64 // physical addresses of every XSDT entry
	MADT    *MADT
	HPET    *HPETTable
}

func readHeader(r Reader, phys uint64) (SDTHeader, []byte) {
	raw := r.Bytes(phys, sdtHeaderSize)
	var h SDTHeader
	copy(h.Signature[:], raw[0:4])
	h.Length = le32(raw[4:8])
	h.Revision = raw[8]
	h.Checksum = raw[9]
	copy(h.OEMID[:], raw[10:16])
	copy(h.OEMTableID[:], raw[16:24])
	h.OEMRevision = le32(raw[24:28])
	h.CreatorID = le32(raw[28:32])
	h.CreatorRevision = le32(raw[32:36])
	return h, raw
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Init validates and parses the RSDP -> XSDT chain at rsdpAddr, then
// locates MADT and HPET among the XSDT entries. Any checksum failure is a
// fatal panic (§6 "CPU-visible invariants"), worded to match scenario S5
// exactly for the XSDT case.
func Init(r Reader, rsdpAddr uint64) *Info {
	const rsdpLen = 36 // XSDP (ACPI >= 2.0) length
	rsdp := r.Bytes(rsdpAddr, rsdpLen)

	revision := rsdp[15]
	if revision < 2 {
		klog.Panicf("acpi: unsupported RSDP revision %d", revision)
	}
	if checksum(rsdp[0:20]) != 0 {
		klog.Panicf("Invalid XSDP checksum")
	}

	xsdtAddr := le64(rsdp[24:32])
	xsdtHeader, _ := readHeader(r, xsdtAddr)
	if xsdtHeader.Signature != [4]byte{'X', 'S', 'D', 'T'} {
		klog.Panicf("acpi: expected XSDT signature, got %q", xsdtHeader.Signature[:])
	}
	full := r.Bytes(xsdtAddr, int(xsdtHeader.Length))
	if checksum(full) != 0 {
		klog.Panicf("Invalid XSDT checksum")
	}

	entryBytes := full[sdtHeaderSize:]
	n := len(entryBytes) / 8
	info := &Info{reader: r, Entries: make([]uint64, n)}
	for i := 0; i < n; i++ {
		info.Entries[i] = le64(entryBytes[i*8 : i*8+8])
	}

	for _, addr := range info.Entries {
		h, _ := readHeader(r, addr)
		switch h.Signature {
		case [4]byte{'A', 'P', 'I', 'C'}:
			info.MADT = parseMADT(r, addr, h)
		case [4]byte{'H', 'P', 'E', 'T'}:
			info.HPET = parseHPET(r, addr)
		}
	}
	return info
}
