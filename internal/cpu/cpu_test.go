package cpu

import (
	"testing"

	"github.com/kmills-dev/gbcore/internal/bus"
)

func newCPUWithROM(code []byte) *CPU {
	rom := make([]byte, 0x8000)
	copy(rom, code)
	b := bus.New(rom)
	c := New(b)
	return c
}

func TestCPU_NopAndPC(t *testing.T) {
	c := newCPUWithROM([]byte{0x00}) // NOP
	if cycles := c.Step(); cycles != 4 {
		t.Fatalf("NOP cycles got %d want 4", cycles)
	}
	if c.PC != 1 {
		t.Fatalf("PC after NOP got %#04x want 0x0001", c.PC)
	}
}

func TestCPU_LD_A_d8_And_XOR_A(t *testing.T) {
	c := newCPUWithROM([]byte{0x3E, 0x12, 0xAF}) // LD A,0x12; XOR A
	c.Step()                                     // LD
	if c.A != 0x12 {
		t.Fatalf("A after LD got %02x want 12", c.A)
	}
	c.Step() // XOR A
	if c.A != 0x00 {
		t.Fatalf("A after XOR got %02x want 00", c.A)
	}
	if (c.F & 0x80) == 0 { // Z flag
		t.Fatalf("Z flag not set after XOR A")
	}
}

func TestCPU_LD_a16_A_and_LD_A_a16(t *testing.T) {
	// Program: LD A,0x77; LD (0xC000),A; LD A,0x00; LD A,(0xC000)
	prog := []byte{0x3E, 0x77, 0xEA, 0x00, 0xC0, 0x3E, 0x00, 0xFA, 0x00, 0xC0}
	c := newCPUWithROM(prog)
	c.Step() // LD A,77
	c.Step() // LD (C000),A
	if a := c.bus.Read(0xC000); a != 0x77 {
		t.Fatalf("WRAM at C000 got %02x want 77", a)
	}
	c.Step() // LD A,00
	c.Step() // LD A,(C000)
	if c.A != 0x77 {
		t.Fatalf("A after LD A,(C000) got %02x want 77", c.A)
	}
}

func TestCPU_JP_and_JR(t *testing.T) {
	// JP to 0x0010 then JR -2 to loop
	prog := []byte{0xC3, 0x10, 0x00} // at 0x0000: JP 0x0010
	// Fill until 0x0010 with NOPs
	rom := make([]byte, 0x8000)
	copy(rom, prog)
	for i := 0x0003; i < 0x0010; i++ {
		rom[i] = 0x00
	}
	// at 0x0010: JR -2 (0xFE), which will hop back to 0x0010 itself (infinite)
	rom[0x0010] = 0x18
	rom[0x0011] = 0xFE
	b := bus.New(rom)
	c := New(b)
	cycles := c.Step() // JP
	if cycles != 16 || c.PC != 0x0010 {
		t.Fatalf("JP cycles=%d PC=%#04x want cycles=16 PC=0x0010", cycles, c.PC)
	}
	pcBefore := c.PC
	c.Step()              // JR -2
	if c.PC != pcBefore { // stays at 0x0010
		t.Fatalf("JR -2 PC got %#04x want %#04x", c.PC, pcBefore)
	}
}

func TestCPU_INC_B_Flags(t *testing.T) {
	c := newCPUWithROM([]byte{0x04, 0x04}) // INC B twice
	c.B = 0x0F
	c.F = 0x10 // carry set initially
	c.Step()
	if c.B != 0x10 {
		t.Fatalf("INC B result got %02x want 10", c.B)
	}
	if (c.F & 0x20) == 0 { // H set
		t.Fatalf("INC B should set H flag")
	}
	if (c.F & 0x10) == 0 { // C preserved
		t.Fatalf("INC B should preserve C flag")
	}
	c.B = 0xFF
	c.Step()
	if c.B != 0x00 || (c.F&0x80) == 0 { // Z set
		t.Fatalf("INC B to 0 should set Z flag, B=%02x, F=%02x", c.B, c.F)
	}
}

func TestCPU_LD_16bit_and_LDH(t *testing.T) {
	// Program:
	// LD HL,0xC000; LD (HL),0x5A; LD A,0x00; LD A,(0xFF00+0x00); LD (0xFF00+1),A
	prog := []byte{
		0x21, 0x00, 0xC0, // LD HL, C000
		0x36, 0x5A,       // LD (HL), 5A
		0x3E, 0x00,       // LD A, 00
		0xF0, 0x00,       // LD A, (FF00+0)
		0xE0, 0x01,       // LD (FF00+1), A
	}
	c := newCPUWithROM(prog)
	// Deselect both joypad rows and preload HRAM 0xFF80 with 0xA7
	c.Bus().Write(0xFF00, 0x20) // select dpad so read is deterministic
	c.Bus().Write(0xFF00, 0x30) // select none to keep 0x0F
	c.Bus().Write(0xFF80, 0xA7) // HRAM base

	c.Step(); c.Step(); c.Step(); c.Step(); c.Step()
	if v := c.Bus().Read(0xC000); v != 0x5A {
		t.Fatalf("WRAM C000 got %02x want 5A", v)
	}
	if v := c.Bus().Read(0xFF01); v != c.A {
		t.Fatalf("LDH (FF00+1),A expected write to FF01 with A=%02x got %02x", c.A, v)
	}
}

func TestCPU_LD_r_HL(t *testing.T) {
	// Regression: 0x46 (LD B,(HL)) and friends were missing from the
	// register-copy case list; only 0x76 (HALT) should be excluded.
	prog := []byte{0x21, 0x00, 0xC0, 0x46} // LD HL,C000; LD B,(HL)
	c := newCPUWithROM(prog)
	c.bus.Write(0xC000, 0x99)
	c.Step() // LD HL,C000
	cyc := c.Step()
	if c.B != 0x99 {
		t.Fatalf("LD B,(HL) got B=%02x want 99", c.B)
	}
	if cyc != 8 {
		t.Fatalf("LD B,(HL) cycles got %d want 8", cyc)
	}
}

func TestCPU_EIDelay_TakesEffectAfterNextInstruction(t *testing.T) {
	// EI; NOP; NOP -- IME must still be false while the NOP after EI
	// executes, and only become true at the start of the instruction
	// after that.
	c := newCPUWithROM([]byte{0xFB, 0x00, 0x00})
	c.Step() // EI
	if c.IME {
		t.Fatalf("IME set immediately after EI, want delayed")
	}
	c.Step() // NOP following EI
	if c.IME {
		t.Fatalf("IME set during the instruction after EI, want delayed until it completes")
	}
	c.Step() // second NOP: IME should now be true from its start
	if !c.IME {
		t.Fatalf("IME not enabled two instructions after EI")
	}
}

func TestCPU_HaltBug_RereadsNextByte(t *testing.T) {
	// Request an interrupt but leave IME false: HALT should set the
	// halt bug instead of actually halting, so the following opcode
	// fetch fails to advance PC and the byte after HALT executes twice.
	c := newCPUWithROM([]byte{0x76, 0x3C, 0x00}) // HALT; INC A; NOP
	c.Bus().Write(0xFFFF, 0x01)                  // enable VBlank
	c.Bus().Write(0xFF0F, 0x01)                  // request VBlank
	c.IME = false

	c.Step() // HALT with bug armed
	if c.halted {
		t.Fatalf("CPU halted despite the HALT bug condition")
	}
	pcAfterHalt := c.PC
	c.Step() // INC A, executed once
	if c.PC != pcAfterHalt {
		t.Fatalf("PC advanced past the re-fetched byte: got %#04x want %#04x", c.PC, pcAfterHalt)
	}
	if c.A != 1 {
		t.Fatalf("A after first INC A got %d want 1", c.A)
	}
	c.Step() // INC A, re-executed because of the stuck PC
	if c.A != 2 {
		t.Fatalf("A after HALT-bug re-fetch got %d want 2", c.A)
	}
}

func TestCPU_IllegalOpcode_ActsAsNop(t *testing.T) {
	c := newCPUWithROM([]byte{0xD3, 0x00}) // illegal opcode, then NOP
	cyc := c.Step()
	if cyc != 4 {
		t.Fatalf("illegal opcode cycles got %d want 4", cyc)
	}
	if c.PC != 1 {
		t.Fatalf("PC after illegal opcode got %#04x want 0x0001", c.PC)
	}
}

func TestCPU_InterruptDispatch_PushesPCAndJumpsToVector(t *testing.T) {
	c := newCPUWithROM([]byte{0x00, 0x00}) // NOPs; PC starts at 0
	c.IME = true
	c.Bus().Write(0xFFFF, 0x01) // IE: VBlank enabled
	c.Bus().Write(0xFF0F, 0x01) // IF: VBlank requested
	c.SP = 0xFFFE

	cyc := c.Step()
	if cyc != 20 {
		t.Fatalf("interrupt dispatch cycles got %d want 20", cyc)
	}
	if c.PC != 0x0040 {
		t.Fatalf("PC after VBlank dispatch got %#04x want 0x0040", c.PC)
	}
	if c.IME {
		t.Fatalf("IME should be cleared by the dispatch sequence")
	}
	if ret := c.Bus().Read(0xFF0F); ret&0x01 != 0 {
		t.Fatalf("IF VBlank bit not acknowledged: %02x", ret)
	}
	pushed := uint16(c.Bus().Read(0xFFFC)) | uint16(c.Bus().Read(0xFFFD))<<8
	if pushed != 0x0000 {
		t.Fatalf("pushed return address got %#04x want 0x0000", pushed)
	}
}

func TestCPU_STOP_IdlesUntilJoypadInterrupt(t *testing.T) {
	c := newCPUWithROM([]byte{0x10, 0x00, 0x00}) // STOP (with padding byte), NOP
	c.Bus().Tick(512)                            // run the divider up to DIV=2 so we can see STOP clear it

	cyc := c.Step() // STOP
	if cyc != 4 {
		t.Fatalf("STOP cycles got %d want 4", cyc)
	}
	if c.PC != 2 {
		t.Fatalf("PC after STOP got %#04x want 0x0002", c.PC)
	}
	if div := c.Bus().Read(0xFF04); div != 0 {
		t.Fatalf("DIV after STOP got %#02x want 0x00", div)
	}

	// Stepping while stopped must idle in place, not fetch the trailing NOP.
	for i := 0; i < 3; i++ {
		cyc := c.Step()
		if cyc != 4 {
			t.Fatalf("idle STOP step cycles got %d want 4", cyc)
		}
		if c.PC != 2 {
			t.Fatalf("PC advanced while stopped: got %#04x want 0x0002", c.PC)
		}
	}

	// A pending-but-unrelated interrupt must not wake it.
	c.Bus().Write(0xFFFF, 0x01) // IE: VBlank enabled
	c.Bus().Write(0xFF0F, 0x01) // IF: VBlank requested
	if cyc := c.Step(); cyc != 4 {
		t.Fatalf("STOP should stay idle for a non-joypad interrupt, cycles got %d", cyc)
	}
	if c.PC != 2 {
		t.Fatalf("PC advanced on a non-joypad interrupt while stopped: got %#04x want 0x0002", c.PC)
	}
	c.Bus().Write(0xFF0F, 0x00)

	// Settle the joypad line released, then press a button to raise the
	// falling edge that wakes STOP.
	c.Bus().Write(0xFFFF, 0x10) // IE: Joypad enabled
	c.Bus().SetJoypadState(0)
	c.Bus().SetJoypadState(bus.JoypA)

	c.Step() // resumes and executes the trailing NOP
	if c.PC != 3 {
		t.Fatalf("PC after resuming from STOP got %#04x want 0x0003 (trailing NOP executed)", c.PC)
	}
}

func TestCPU_CALL_RET(t *testing.T) {
	// 0000: CALL 0005; 0003: NOP; NOP; 0005: RET
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xCD
	rom[0x0001] = 0x05
	rom[0x0002] = 0x00
	for i := 0x0003; i < 0x0005; i++ { rom[i] = 0x00 }
	rom[0x0005] = 0xC9 // RET
	b := bus.New(rom)
	c := New(b)
	c.Step() // CALL
	if c.PC != 0x0005 {
		t.Fatalf("PC after CALL got %04x want 0005", c.PC)
	}
	retCycles := c.Step()
	if c.PC != 0x0003 || retCycles != 16 {
		t.Fatalf("RET did not return to 0003; PC=%04x cyc=%d", c.PC, retCycles)
	}
}

