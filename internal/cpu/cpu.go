// Package cpu implements the SM83 fetch/decode/execute core: the full
// unprefixed and CB-prefixed opcode tables, flag semantics, HALT/STOP,
// the HALT bug, the EI-enable delay, and the interrupt service sequence.
package cpu

import (
	"log"

	"github.com/kmills-dev/gbcore/internal/bus"
	"github.com/kmills-dev/gbcore/internal/interrupt"
)

// CPU holds SM83 register state and drives the bus one memory access at a
// time so devices observe T-cycles as the instruction actually executes,
// not in one lump at the end.
type CPU struct {
	// 8-bit registers
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP uint16
	PC uint16

	IME     bool
	halted  bool
	stopped bool
	haltBug bool

	// eiDelay counts down to zero after EI; IME becomes true the instant
	// it reaches zero, which happens after the instruction following EI
	// has executed, not after EI itself.
	eiDelay int

	bus *bus.Bus

	loggedIllegal map[byte]bool
}

// New creates a CPU with every register zero except SP=0xFFFE; PC is 0x0000.
// ResetNoBoot or ResetForBootROM set up a start-up state.
func New(b *bus.Bus) *CPU {
	return &CPU{bus: b, SP: 0xFFFE, PC: 0x0000, loggedIllegal: make(map[byte]bool)}
}

// SetPC allows tests or a boot stub to set the program counter.
func (c *CPU) SetPC(pc uint16) { c.PC = pc }

// Bus exposes the underlying bus for tests/tools.
func (c *CPU) Bus() *bus.Bus { return c.bus }

// Halted reports whether the CPU is currently sleeping in HALT.
func (c *CPU) Halted() bool { return c.halted }

// Stopped reports whether the CPU is currently in STOP mode.
func (c *CPU) Stopped() bool { return c.stopped }

// ResetNoBoot sets registers to typical DMG post-boot state.
// Useful when running without a boot ROM.
func (c *CPU) ResetNoBoot() {
	c.A, c.F = 0x01, 0xB0
	c.B, c.C = 0x00, 0x13
	c.D, c.E = 0x00, 0xD8
	c.H, c.L = 0x01, 0x4D
	c.SP = 0xFFFE
	c.IME = false
	c.halted = false
	c.stopped = false
	c.haltBug = false
	c.eiDelay = 0
}

// ResetForBootROM clears every register to zero except SP, which is set to
// 0xFFFE, and puts PC at the boot ROM entry point 0x0000, instead of jumping
// straight to post-boot defaults, for when a boot ROM image is supplied
// and expected to initialize things itself as it runs.
func (c *CPU) ResetForBootROM() {
	c.A, c.F = 0, 0
	c.B, c.C = 0, 0
	c.D, c.E = 0, 0
	c.H, c.L = 0, 0
	c.SP = 0xFFFE
	c.PC = 0x0000
	c.IME = false
	c.halted = false
	c.stopped = false
	c.haltBug = false
	c.eiDelay = 0
	c.loggedIllegal = make(map[byte]bool)
}

// State is the gob-serializable snapshot of register state used by save states.
type State struct {
	A, F byte
	B, C byte
	D, E byte
	H, L byte
	SP, PC uint16
	IME     bool
	Halted  bool
	Stopped bool
	HaltBug bool
	EIDelay int
}

func (c *CPU) SaveState() State {
	return State{
		A: c.A, F: c.F, B: c.B, C: c.C, D: c.D, E: c.E, H: c.H, L: c.L,
		SP: c.SP, PC: c.PC,
		IME: c.IME, Halted: c.halted, Stopped: c.stopped, HaltBug: c.haltBug,
		EIDelay: c.eiDelay,
	}
}

func (c *CPU) LoadState(s State) {
	c.A, c.F, c.B, c.C, c.D, c.E, c.H, c.L = s.A, s.F, s.B, s.C, s.D, s.E, s.H, s.L
	c.SP, c.PC = s.SP, s.PC
	c.IME, c.halted, c.stopped, c.haltBug = s.IME, s.Halted, s.Stopped, s.HaltBug
	c.eiDelay = s.EIDelay
}

// Flags helpers
const (
	flagZ byte = 1 << 7
	flagN byte = 1 << 6
	flagH byte = 1 << 5
	flagC byte = 1 << 4
)

func (c *CPU) setZNHC(z, n, h, carry bool) {
	var f byte
	if z {
		f |= flagZ
	}
	if n {
		f |= flagN
	}
	if h {
		f |= flagH
	}
	if carry {
		f |= flagC
	}
	c.F = f
}

func (c *CPU) add8(a, b byte) (res byte, z, n, h, cy bool) {
	r := uint16(a) + uint16(b)
	res = byte(r)
	z = res == 0
	n = false
	h = ((a & 0x0F) + (b & 0x0F)) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) adc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := uint16(a) + uint16(b) + uint16(ci)
	res = byte(r)
	z = res == 0
	n = false
	h = ((a & 0x0F) + (b & 0x0F) + ci) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) sub8(a, b byte) (res byte, z, n, h, cy bool) {
	r := int16(a) - int16(b)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < (b & 0x0F)
	cy = int16(a) < int16(b)
	return
}

func (c *CPU) sbc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := int16(a) - int16(b) - int16(ci)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < ((b & 0x0F) + ci)
	cy = int16(a) < int16(b)+int16(ci)
	return
}

func (c *CPU) and8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a & b
	z = res == 0
	n = false
	h = true
	cy = false
	return
}

func (c *CPU) xor8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a ^ b
	z = res == 0
	n = false
	h = false
	cy = false
	return
}

func (c *CPU) or8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a | b
	z = res == 0
	n = false
	h = false
	cy = false
	return
}

func (c *CPU) cp8(a, b byte) (z, n, h, cy bool) {
	_, z, n, h, cy = c.sub8(a, b)
	return
}

// tick advances every device on the bus by one M-cycle (4 T-cycles). Called
// once per actual memory access, and explicitly via extra() for the
// internal-only M-cycles some instructions spend with no bus access, so
// that DMA contention and timer edges land on the right T-cycle instead of
// all landing at once at the end of the instruction.
func (c *CPU) tick() { c.extra(4) }

// extra advances devices by n T-cycles without a corresponding memory
// access — the internal decode/branch/stack-adjust M-cycles baked into an
// instruction's documented cycle count.
func (c *CPU) extra(n int) {
	if c.bus != nil && n > 0 {
		c.bus.Tick(n)
	}
}

func (c *CPU) read8(addr uint16) byte {
	v := c.bus.Read(addr)
	c.tick()
	return v
}

func (c *CPU) write8(addr uint16, v byte) {
	c.bus.Write(addr, v)
	c.tick()
}

func (c *CPU) fetch8() byte {
	b := c.read8(c.PC)
	if c.haltBug {
		// The HALT bug: PC fails to advance once, so the next fetch
		// re-reads the same byte.
		c.haltBug = false
	} else {
		c.PC++
	}
	return b
}

func (c *CPU) fetch16() uint16 {
	lo := uint16(c.fetch8())
	hi := uint16(c.fetch8())
	return lo | (hi << 8)
}

func (c *CPU) write16(addr uint16, v uint16) {
	c.write8(addr, byte(v&0x00FF))
	c.write8(addr+1, byte(v>>8))
}

func (c *CPU) getAF() uint16  { return uint16(c.A)<<8 | uint16(c.F&0xF0) }
func (c *CPU) setAF(v uint16) { c.A = byte(v >> 8); c.F = byte(v) & 0xF0 }
func (c *CPU) getBC() uint16  { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) setBC(v uint16) { c.B = byte(v >> 8); c.C = byte(v) }
func (c *CPU) getDE() uint16  { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) setDE(v uint16) { c.D = byte(v >> 8); c.E = byte(v) }
func (c *CPU) getHL() uint16  { return uint16(c.H)<<8 | uint16(c.L) }
func (c *CPU) setHL(v uint16) { c.H = byte(v >> 8); c.L = byte(v) }

// push16 pushes high byte then low byte, one bus write per byte, matching
// the SM83's two-write PUSH sequence.
func (c *CPU) push16(v uint16) {
	c.SP--
	c.write8(c.SP, byte(v>>8))
	c.SP--
	c.write8(c.SP, byte(v))
}

// pop16 reads low byte then high byte, one bus read per byte.
func (c *CPU) pop16() uint16 {
	lo := uint16(c.read8(c.SP))
	c.SP++
	hi := uint16(c.read8(c.SP))
	c.SP++
	return lo | hi<<8
}

// illegalOpcodes are the 11 SM83 opcode bytes with no defined behavior.
// Real hardware locks up on them; this core treats each as a one-M-cycle
// no-op and logs the first occurrence of each distinct byte.
var illegalOpcodes = map[byte]bool{
	0xD3: true, 0xDB: true, 0xDD: true, 0xE3: true, 0xE4: true,
	0xEB: true, 0xEC: true, 0xED: true, 0xF4: true, 0xFC: true, 0xFD: true,
}

func (c *CPU) logIllegalOnce(op byte) {
	if !c.loggedIllegal[op] {
		c.loggedIllegal[op] = true
		log.Printf("cpu: illegal opcode %02X treated as a 4-cycle no-op", op)
	}
}

// serviceInterrupt runs the 5 M-cycle (20 T-cycle) dispatch sequence for
// the highest-priority pending, enabled interrupt: two idle M-cycles, the
// two-byte PC push, and one idle M-cycle to load the vector address.
func (c *CPU) serviceInterrupt() int {
	src, ok := c.bus.NextInterrupt()
	if !ok {
		return 0
	}
	c.halted = false
	c.IME = false
	c.extra(8)
	c.bus.AcknowledgeInterrupt(src)
	c.push16(c.PC)
	c.PC = src.VectorAddr()
	c.extra(4)
	return 20
}

// Step executes one instruction (or one HALT-sleep tick, or one interrupt
// dispatch) and returns the number of T-cycles it consumed.
func (c *CPU) Step() (cycles int) {
	if c.stopped {
		if src, ok := c.bus.NextInterrupt(); ok && src == interrupt.Joypad {
			c.stopped = false
		} else {
			return 4
		}
	}

	if c.eiDelay > 0 {
		c.eiDelay--
		if c.eiDelay == 0 {
			c.IME = true
		}
	}

	if c.halted {
		if c.IME && c.bus.InterruptPending() {
			if cyc := c.serviceInterrupt(); cyc != 0 {
				return cyc
			}
		}
		if c.bus.InterruptPending() {
			c.halted = false
		} else {
			c.extra(4)
			return 4
		}
	}

	if c.IME && c.bus.InterruptPending() {
		if cyc := c.serviceInterrupt(); cyc != 0 {
			return cyc
		}
	}

	op := c.fetch8()

	if illegalOpcodes[op] {
		c.logIllegalOnce(op)
		return 4
	}

	switch op {
	case 0x00: // NOP
		return 4

	case 0x10: // STOP
		c.fetch8() // discard mandatory padding byte
		c.stopped = true
		c.halted = false
		c.bus.Write(0xFF04, 0) // STOP resets the divider
		return 4

	// LD r, d8
	case 0x06:
		c.B = c.fetch8()
		return 8
	case 0x0E:
		c.C = c.fetch8()
		return 8
	case 0x16:
		c.D = c.fetch8()
		return 8
	case 0x1E:
		c.E = c.fetch8()
		return 8
	case 0x26:
		c.H = c.fetch8()
		return 8
	case 0x2E:
		c.L = c.fetch8()
		return 8
	case 0x3E:
		c.A = c.fetch8()
		return 8

	// LD r,r' and LD (HL),r / LD r,(HL)
	case 0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
		0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
		0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57,
		0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F,
		0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67,
		0x68, 0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F,
		0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		d := (op >> 3) & 7
		s := op & 7
		val := c.getReg(byte(s))
		c.setReg(byte(d), val)
		if d == 6 || s == 6 {
			return 8
		}
		return 4

	// 16-bit loads
	case 0x01: // LD BC,d16
		c.setBC(c.fetch16())
		return 12
	case 0x11: // LD DE,d16
		c.setDE(c.fetch16())
		return 12
	case 0x21: // LD HL,d16
		c.setHL(c.fetch16())
		return 12
	case 0x31: // LD SP,d16
		c.SP = c.fetch16()
		return 12
	case 0x08: // LD (a16),SP
		addr := c.fetch16()
		c.write16(addr, c.SP)
		return 20

	// LD (HL), d8
	case 0x36:
		v := c.fetch8()
		c.write8(c.getHL(), v)
		return 12

	// LD (BC),A / (DE),A and A,(BC)/(DE)
	case 0x02:
		c.write8(c.getBC(), c.A)
		return 8
	case 0x12:
		c.write8(c.getDE(), c.A)
		return 8
	case 0x0A:
		c.A = c.read8(c.getBC())
		return 8
	case 0x1A:
		c.A = c.read8(c.getDE())
		return 8

	// LDI/LDD via HL
	case 0x22: // LD (HL+),A
		hl := c.getHL()
		c.write8(hl, c.A)
		c.setHL(hl + 1)
		return 8
	case 0x2A: // LD A,(HL+)
		hl := c.getHL()
		c.A = c.read8(hl)
		c.setHL(hl + 1)
		return 8
	case 0x32: // LD (HL-),A
		hl := c.getHL()
		c.write8(hl, c.A)
		c.setHL(hl - 1)
		return 8
	case 0x3A: // LD A,(HL-)
		hl := c.getHL()
		c.A = c.read8(hl)
		c.setHL(hl - 1)
		return 8

	// LDH (FF00+n),A and A,(FF00+n)
	case 0xE0:
		n := uint16(c.fetch8())
		c.write8(0xFF00+n, c.A)
		return 12
	case 0xF0:
		n := uint16(c.fetch8())
		c.A = c.read8(0xFF00 + n)
		return 12

	// Rotates and flag ops
	case 0x07: // RLCA
		cval := (c.A >> 7) & 1
		c.A = (c.A << 1) | byte(cval)
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x0F: // RRCA
		cval := c.A & 1
		c.A = (c.A >> 1) | (cval << 7)
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x17: // RLA
		cval := (c.A >> 7) & 1
		carry := byte(0)
		if (c.F & flagC) != 0 {
			carry = 1
		}
		c.A = (c.A << 1) | carry
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x1F: // RRA
		cval := c.A & 1
		carry := byte(0)
		if (c.F & flagC) != 0 {
			carry = 1
		}
		c.A = (c.A >> 1) | (carry << 7)
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x27: // DAA
		a := c.A
		cf := (c.F & flagC) != 0
		if (c.F & flagN) == 0 { // after addition
			if cf || a > 0x99 {
				a += 0x60
				cf = true
			}
			if (c.F&flagH) != 0 || (a&0x0F) > 9 {
				a += 0x06
			}
		} else { // after subtraction
			if cf {
				a -= 0x60
			}
			if (c.F & flagH) != 0 {
				a -= 0x06
			}
		}
		c.A = a
		c.setZNHC(c.A == 0, (c.F&flagN) != 0, false, cf)
		return 4
	case 0x2F: // CPL
		c.A = ^c.A
		c.F = (c.F & (flagZ | flagC)) | flagN | flagH
		return 4
	case 0x37: // SCF
		c.F = (c.F & flagZ) | flagC
		return 4
	case 0x3F: // CCF
		if (c.F & flagC) != 0 {
			c.F = c.F &^ flagC
		} else {
			c.F |= flagC
		}
		c.F &^= (flagN | flagH)
		c.F &= (flagZ | flagC)
		return 4

	case 0xE2:
		c.write8(0xFF00+uint16(c.C), c.A)
		return 8
	case 0xF2:
		c.A = c.read8(0xFF00 + uint16(c.C))
		return 8

	// INC r / DEC r for all regs and (HL)
	case 0x04:
		old := c.B
		c.B++
		c.setZNHC(c.B == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x0C:
		old := c.C
		c.C++
		c.setZNHC(c.C == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x14:
		old := c.D
		c.D++
		c.setZNHC(c.D == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x1C:
		old := c.E
		c.E++
		c.setZNHC(c.E == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x24:
		old := c.H
		c.H++
		c.setZNHC(c.H == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x2C:
		old := c.L
		c.L++
		c.setZNHC(c.L == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x3C:
		old := c.A
		c.A++
		c.setZNHC(c.A == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 4
	case 0x34: // INC (HL)
		addr := c.getHL()
		v := c.read8(addr)
		old := v
		v++
		c.write8(addr, v)
		c.setZNHC(v == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		return 12

	case 0x05:
		old := c.B
		c.B--
		c.setZNHC(c.B == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x0D:
		old := c.C
		c.C--
		c.setZNHC(c.C == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x15:
		old := c.D
		c.D--
		c.setZNHC(c.D == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x1D:
		old := c.E
		c.E--
		c.setZNHC(c.E == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x25:
		old := c.H
		c.H--
		c.setZNHC(c.H == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x2D:
		old := c.L
		c.L--
		c.setZNHC(c.L == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x3D:
		old := c.A
		c.A--
		c.setZNHC(c.A == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 4
	case 0x35: // DEC (HL)
		addr := c.getHL()
		v := c.read8(addr)
		old := v
		v--
		c.write8(addr, v)
		c.setZNHC(v == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		return 12

	// ADD/ADC/SUB/SBC/AND/XOR/OR/CP with a register operand (B,C,D,E,H,L,A).
	// The (HL) operand forms 0x86/0x8E/... are not in these lists; they have
	// their own cases below.
	case 0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x87:
		r, z, n, h, cy := c.add8(c.A, c.getReg(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0x88, 0x89, 0x8A, 0x8B, 0x8C, 0x8D, 0x8F:
		r, z, n, h, cy := c.adc8(c.A, c.getReg(op&7), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x97:
		r, z, n, h, cy := c.sub8(c.A, c.getReg(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0x98, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9F:
		r, z, n, h, cy := c.sbc8(c.A, c.getReg(op&7), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA7:
		r, z, n, h, cy := c.and8(c.A, c.getReg(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAF:
		r, z, n, h, cy := c.xor8(c.A, c.getReg(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB7:
		r, z, n, h, cy := c.or8(c.A, c.getReg(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 4
	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBF:
		z, n, h, cy := c.cp8(c.A, c.getReg(op&7))
		c.setZNHC(z, n, h, cy)
		return 4

	case 0x86:
		r, z, n, h, cy := c.add8(c.A, c.read8(c.getHL()))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0x8E:
		r, z, n, h, cy := c.adc8(c.A, c.read8(c.getHL()), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0x96:
		r, z, n, h, cy := c.sub8(c.A, c.read8(c.getHL()))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0x9E:
		r, z, n, h, cy := c.sbc8(c.A, c.read8(c.getHL()), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xA6:
		r, z, n, h, cy := c.and8(c.A, c.read8(c.getHL()))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xAE:
		r, z, n, h, cy := c.xor8(c.A, c.read8(c.getHL()))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xB6:
		r, z, n, h, cy := c.or8(c.A, c.read8(c.getHL()))
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xBE:
		z, n, h, cy := c.cp8(c.A, c.read8(c.getHL()))
		c.setZNHC(z, n, h, cy)
		return 8

	// ALU immediate
	case 0xC6:
		r, z, n, h, cy := c.add8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xCE:
		r, z, n, h, cy := c.adc8(c.A, c.fetch8(), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xD6:
		r, z, n, h, cy := c.sub8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xDE:
		r, z, n, h, cy := c.sbc8(c.A, c.fetch8(), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xE6:
		r, z, n, h, cy := c.and8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xEE:
		r, z, n, h, cy := c.xor8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xF6:
		r, z, n, h, cy := c.or8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xFE:
		z, n, h, cy := c.cp8(c.A, c.fetch8())
		c.setZNHC(z, n, h, cy)
		return 8

	case 0xEA: // LD (a16),A
		addr := c.fetch16()
		c.write8(addr, c.A)
		return 16
	case 0xFA: // LD A,(a16)
		addr := c.fetch16()
		c.A = c.read8(addr)
		return 16

	case 0xC3: // JP a16
		addr := c.fetch16()
		c.PC = addr
		c.extra(4)
		return 16
	case 0xE9: // JP (HL)
		c.PC = c.getHL()
		return 4
	case 0x18: // JR r8
		off := int8(c.fetch8())
		c.PC = uint16(int32(c.PC) + int32(off))
		c.extra(4)
		return 12

	// JR cc,r8
	case 0x20: // JR NZ
		off := int8(c.fetch8())
		if (c.F & flagZ) == 0 {
			c.PC = uint16(int32(c.PC) + int32(off))
			c.extra(4)
			return 12
		}
		return 8
	case 0x28: // JR Z
		off := int8(c.fetch8())
		if (c.F & flagZ) != 0 {
			c.PC = uint16(int32(c.PC) + int32(off))
			c.extra(4)
			return 12
		}
		return 8
	case 0x30: // JR NC
		off := int8(c.fetch8())
		if (c.F & flagC) == 0 {
			c.PC = uint16(int32(c.PC) + int32(off))
			c.extra(4)
			return 12
		}
		return 8
	case 0x38: // JR C
		off := int8(c.fetch8())
		if (c.F & flagC) != 0 {
			c.PC = uint16(int32(c.PC) + int32(off))
			c.extra(4)
			return 12
		}
		return 8

	// CALL/RET
	case 0xCD: // CALL a16
		addr := c.fetch16()
		c.extra(4)
		c.push16(c.PC)
		c.PC = addr
		return 24
	case 0xC9: // RET
		c.PC = c.pop16()
		c.extra(4)
		return 16
	case 0xD9: // RETI
		c.PC = c.pop16()
		c.IME = true
		c.extra(4)
		return 16

	// RST t
	case 0xC7:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x00
		return 16
	case 0xCF:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x08
		return 16
	case 0xD7:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x10
		return 16
	case 0xDF:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x18
		return 16
	case 0xE7:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x20
		return 16
	case 0xEF:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x28
		return 16
	case 0xF7:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x30
		return 16
	case 0xFF:
		c.extra(4)
		c.push16(c.PC)
		c.PC = 0x38
		return 16

	// CALL cc
	case 0xC4: // NZ
		addr := c.fetch16()
		if (c.F & flagZ) == 0 {
			c.extra(4)
			c.push16(c.PC)
			c.PC = addr
			return 24
		}
		return 12
	case 0xCC: // Z
		addr := c.fetch16()
		if (c.F & flagZ) != 0 {
			c.extra(4)
			c.push16(c.PC)
			c.PC = addr
			return 24
		}
		return 12
	case 0xD4: // NC
		addr := c.fetch16()
		if (c.F & flagC) == 0 {
			c.extra(4)
			c.push16(c.PC)
			c.PC = addr
			return 24
		}
		return 12
	case 0xDC: // C
		addr := c.fetch16()
		if (c.F & flagC) != 0 {
			c.extra(4)
			c.push16(c.PC)
			c.PC = addr
			return 24
		}
		return 12

	// RET cc
	case 0xC0:
		c.extra(4)
		if (c.F & flagZ) == 0 {
			c.PC = c.pop16()
			c.extra(4)
			return 20
		}
		return 8
	case 0xC8:
		c.extra(4)
		if (c.F & flagZ) != 0 {
			c.PC = c.pop16()
			c.extra(4)
			return 20
		}
		return 8
	case 0xD0:
		c.extra(4)
		if (c.F & flagC) == 0 {
			c.PC = c.pop16()
			c.extra(4)
			return 20
		}
		return 8
	case 0xD8:
		c.extra(4)
		if (c.F & flagC) != 0 {
			c.PC = c.pop16()
			c.extra(4)
			return 20
		}
		return 8

	// JP cc,a16
	case 0xC2:
		addr := c.fetch16()
		if (c.F & flagZ) == 0 {
			c.PC = addr
			c.extra(4)
			return 16
		}
		return 12
	case 0xCA:
		addr := c.fetch16()
		if (c.F & flagZ) != 0 {
			c.PC = addr
			c.extra(4)
			return 16
		}
		return 12
	case 0xD2:
		addr := c.fetch16()
		if (c.F & flagC) == 0 {
			c.PC = addr
			c.extra(4)
			return 16
		}
		return 12
	case 0xDA:
		addr := c.fetch16()
		if (c.F & flagC) != 0 {
			c.PC = addr
			c.extra(4)
			return 16
		}
		return 12

	// 16-bit INC/DEC and ADD HL,rr
	case 0x03:
		c.setBC(c.getBC() + 1)
		c.extra(4)
		return 8
	case 0x13:
		c.setDE(c.getDE() + 1)
		c.extra(4)
		return 8
	case 0x23:
		c.setHL(c.getHL() + 1)
		c.extra(4)
		return 8
	case 0x33:
		c.SP++
		c.extra(4)
		return 8
	case 0x0B:
		c.setBC(c.getBC() - 1)
		c.extra(4)
		return 8
	case 0x1B:
		c.setDE(c.getDE() - 1)
		c.extra(4)
		return 8
	case 0x2B:
		c.setHL(c.getHL() - 1)
		c.extra(4)
		return 8
	case 0x3B:
		c.SP--
		c.extra(4)
		return 8
	case 0x09: // ADD HL,BC
		c.addHL(c.getBC())
		c.extra(4)
		return 8
	case 0x19:
		c.addHL(c.getDE())
		c.extra(4)
		return 8
	case 0x29:
		c.addHL(c.getHL())
		c.extra(4)
		return 8
	case 0x39:
		c.addHL(c.SP)
		c.extra(4)
		return 8

	// Stack/SP ops
	case 0xF8: // LD HL,SP+r8
		off := int8(c.fetch8())
		res := uint16(int32(int16(c.SP)) + int32(off))
		low := byte(c.SP & 0xFF)
		_, _, _, h, cy := c.add8(low, byte(off))
		c.setHL(res)
		c.setZNHC(false, false, h, cy)
		c.extra(4)
		return 12
	case 0xF9: // LD SP,HL
		c.SP = c.getHL()
		c.extra(4)
		return 8
	case 0xE8: // ADD SP,r8
		off := int8(c.fetch8())
		low := byte(c.SP & 0xFF)
		_, _, _, h, cy := c.add8(low, byte(off))
		res := uint16(int32(int16(c.SP)) + int32(off))
		c.SP = res
		c.setZNHC(false, false, h, cy)
		c.extra(8)
		return 16

	// EI/DI
	case 0xF3: // DI
		c.IME = false
		c.eiDelay = 0
		return 4
	case 0xFB: // EI (enable after the following instruction completes)
		c.eiDelay = 2
		return 4

	// CB prefix
	case 0xCB:
		return c.stepCB()

	// PUSH/POP
	case 0xF5: // PUSH AF
		c.extra(4)
		c.push16(c.getAF())
		return 16
	case 0xC5: // PUSH BC
		c.extra(4)
		c.push16(c.getBC())
		return 16
	case 0xD5: // PUSH DE
		c.extra(4)
		c.push16(c.getDE())
		return 16
	case 0xE5: // PUSH HL
		c.extra(4)
		c.push16(c.getHL())
		return 16
	case 0xF1: // POP AF
		c.setAF(c.pop16())
		return 12
	case 0xC1: // POP BC
		c.setBC(c.pop16())
		return 12
	case 0xD1: // POP DE
		c.setDE(c.pop16())
		return 12
	case 0xE1: // POP HL
		c.setHL(c.pop16())
		return 12

	case 0x76: // HALT
		if !c.IME && c.bus.InterruptPending() {
			c.haltBug = true
		} else {
			c.halted = true
		}
		return 4

	default:
		c.logIllegalOnce(op)
		return 4
	}
}

// addHL implements ADD HL,rr: H set from bit 11 carry, C set from bit 15
// carry, Z unchanged, N cleared.
func (c *CPU) addHL(rr uint16) {
	hl := c.getHL()
	r := uint32(hl) + uint32(rr)
	h := ((hl & 0x0FFF) + (rr & 0x0FFF)) > 0x0FFF
	c.setHL(uint16(r))
	c.setZNHC((c.F&flagZ) != 0, false, h, r > 0xFFFF)
}

// getReg/setReg map an opcode's 3-bit register field to B,C,D,E,H,L,(HL),A.
func (c *CPU) getReg(idx byte) byte {
	switch idx & 7 {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read8(c.getHL())
	default:
		return c.A
	}
}

func (c *CPU) setReg(idx byte, v byte) {
	switch idx & 7 {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write8(c.getHL(), v)
	default:
		c.A = v
	}
}

// stepCB decodes and executes one CB-prefixed instruction: rotate/shift/
// swap, BIT, RES, and SET across all eight register operands.
func (c *CPU) stepCB() int {
	cb := c.fetch8()
	reg := cb & 7
	opg := (cb >> 6) & 3
	y := (cb >> 3) & 7

	switch opg {
	case 0: // rotate/shift/swap
		v := c.getReg(reg)
		var cflag byte
		switch y {
		case 0: // RLC
			cflag = (v >> 7) & 1
			v = (v << 1) | cflag
		case 1: // RRC
			cflag = v & 1
			v = (v >> 1) | (cflag << 7)
		case 2: // RL
			cflag = (v >> 7) & 1
			cin := byte(0)
			if (c.F & flagC) != 0 {
				cin = 1
			}
			v = (v << 1) | cin
		case 3: // RR
			cflag = v & 1
			cin := byte(0)
			if (c.F & flagC) != 0 {
				cin = 1
			}
			v = (v >> 1) | (cin << 7)
		case 4: // SLA
			cflag = (v >> 7) & 1
			v <<= 1
		case 5: // SRA
			cflag = v & 1
			v = (v >> 1) | (v & 0x80)
		case 6: // SWAP
			v = (v << 4) | (v >> 4)
		case 7: // SRL
			cflag = v & 1
			v >>= 1
		}
		if y == 6 {
			c.setZNHC(v == 0, false, false, false)
		} else {
			c.setZNHC(v == 0, false, false, cflag == 1)
		}
		c.setReg(reg, v)
		if reg == 6 {
			return 16
		}
		return 8
	case 1: // BIT y, r
		v := c.getReg(reg)
		bit := (v >> y) & 1
		c.F = (c.F & flagC) | flagH
		if bit == 0 {
			c.F |= flagZ
		}
		if reg == 6 {
			return 12
		}
		return 8
	case 2: // RES y, r
		v := c.getReg(reg)
		v &^= 1 << y
		c.setReg(reg, v)
		if reg == 6 {
			return 16
		}
		return 8
	default: // 3: SET y, r
		v := c.getReg(reg)
		v |= 1 << y
		c.setReg(reg, v)
		if reg == 6 {
			return 16
		}
		return 8
	}
}
