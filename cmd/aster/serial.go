package main

import (
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
)

// serialTTY is a minimal COM1 (0x3F8) 8n1 sink, good enough to give klog
// one place to put its lines before any richer console exists. Serial
// back-ends themselves are out of scope (SPEC_FULL.md's external
// collaborators); this is boot glue, not a driver.
type serialTTY struct {
	port  uint16
	level klog.Level
}

const (
	comPort           = 0x3F8
	comLineStatus     = comPort + 5
	comLineStatusTHRE = 1 << 5
)

func newSerialTTY(level klog.Level) *serialTTY {
	const p = comPort
	x86.Outb(p+1, 0x00) // disable all interrupts
	x86.Outb(p+3, 0x80) // enable DLAB
	x86.Outb(p+0, 0x03) // divisor low byte: 115200 / 3 = 38400 baud
	x86.Outb(p+1, 0x00) // divisor high byte
	x86.Outb(p+3, 0x03) // 8 bits, no parity, one stop bit
	x86.Outb(p+2, 0xC7) // enable FIFO, clear, 14-byte threshold
	x86.Outb(p+4, 0x0B) // IRQs disabled, RTS/DSR set
	return &serialTTY{port: p, level: level}
}

func (s *serialTTY) putByte(b byte) {
	for x86.Inb(comLineStatus)&comLineStatusTHRE == 0 {
		x86.PauseHint()
	}
	x86.Outb(s.port, b)
}

func (s *serialTTY) PutString(str string) {
	for i := 0; i < len(str); i++ {
		if str[i] == '\n' {
			s.putByte('\r')
		}
		s.putByte(str[i])
	}
}

func (s *serialTTY) Level() klog.Level { return s.level }
func (s *serialTTY) Flush()            {}
func (s *serialTTY) DoFlush() bool     { return false }
