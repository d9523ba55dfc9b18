package acpi

// HPETTable is the subset of the ACPI HPET descriptor this kernel needs:
// the base MMIO address it maps into the HHDM.
type HPETTable struct {
	Address uint64
}

func parseHPET(r Reader, addr uint64) *HPETTable {
	// HPET descriptor: 36-byte SDT header, then hardware_rev_id(1),
	// comparator_count/counter_size/etc bitfield(1), pci_vendor_id(2),
	// a 12-byte Generic Address Structure (1 byte addr space id, 1 byte
	// bit width, 1 byte bit offset, 1 byte reserved, 8 byte address) at
	// offset 40.
	full := r.Bytes(addr, 56)
	gasAddrOff := 40 + 4
	return &HPETTable{Address: le64(full[gasAddrOff : gasAddrOff+8])}
}
