// Package bus wires the CPU-visible address space to the cartridge, work
// RAM, high RAM, the PPU, the timer, and the interrupt controller, and
// owns the OAM-DMA engine and its CPU-access contention rule.
package bus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/kmills-dev/gbcore/internal/cart"
	"github.com/kmills-dev/gbcore/internal/interrupt"
	"github.com/kmills-dev/gbcore/internal/ppu"
	"github.com/kmills-dev/gbcore/internal/timer"
)

// Bus implements the full CPU address space: cartridge ROM/RAM, VRAM/OAM
// (via PPU), WRAM, echo RAM, HRAM, and the MMIO register file.
type Bus struct {
	cart cart.Cartridge

	wram [0x2000]byte // 0xC000-0xDFFF; echo 0xE000-0xFDFF mirrors 0xC000-0xDDFF
	hram [0x7F]byte   // 0xFF80-0xFFFE

	ppu   *ppu.PPU
	tmr   *timer.Timer
	intc  interrupt.Controller

	joypSelect byte
	joypad     byte
	joypLower4 byte

	sb byte      // FF01 serial data
	sc byte      // FF02 serial control
	sw io.Writer // sink for serial output (optional)

	dma       byte // FF46
	dmaActive bool
	dmaSrc    uint16
	dmaIndex  int

	bootROM     []byte
	bootEnabled bool

	debugTimer bool
}

// New constructs a Bus with a cartridge auto-detected from the ROM header.
func New(rom []byte) *Bus {
	return NewWithCartridge(cart.NewCartridge(rom))
}

// NewWithCartridge wires a provided cartridge implementation.
func NewWithCartridge(c cart.Cartridge) *Bus {
	b := &Bus{cart: c}
	b.ppu = ppu.New(func(bit int) { b.intc.Request(interrupt.Source(bit)) })
	b.tmr = timer.New(func() { b.intc.Request(interrupt.Timer) })
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		b.debugTimer = true
	}
	return b
}

// PPU returns the internal PPU for read-only rendering helpers.
func (b *Bus) PPU() *ppu.PPU { return b.ppu }

// InterruptPending reports whether any enabled interrupt is currently
// requested, used by the CPU's HALT wake and interrupt-dispatch checks.
func (b *Bus) InterruptPending() bool { return b.intc.Pending() }

// NextInterrupt returns the highest-priority enabled, requested interrupt
// source, for the CPU's dispatch sequence.
func (b *Bus) NextInterrupt() (interrupt.Source, bool) { return b.intc.Next() }

// AcknowledgeInterrupt clears the IF bit for src as the first step of the
// CPU's interrupt service sequence.
func (b *Bus) AcknowledgeInterrupt(src interrupt.Source) { b.intc.Acknowledge(src) }

// Cart returns the underlying cartridge for optional battery/RTC operations.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// Read returns the byte a CPU read of addr observes. While OAM-DMA is
// active, every address outside HRAM (0xFF80-0xFFFE) is blocked and reads
// as 0xFF, matching real hardware's bus contention during the transfer.
func (b *Bus) Read(addr uint16) byte {
	if b.dmaActive && (addr < 0xFF80 || addr > 0xFFFE) {
		return 0xFF
	}
	return b.readRaw(addr)
}

// readRaw dispatches a read with no DMA contention check, used both by the
// CPU-facing Read (after its gate) and by the DMA engine itself to fetch
// source bytes while dmaActive is true.
func (b *Bus) readRaw(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x0100 && len(b.bootROM) >= 0x100 {
			return b.bootROM[addr]
		}
		return b.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)
	case addr >= 0xC000 && addr <= 0xDFFF:
		return b.wram[addr-0xC000]
	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		return b.wram[mirror-0xC000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return b.ppu.CPURead(addr)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]
	case addr == 0xFF00:
		res := byte(0xC0 | (b.joypSelect & 0x30) | 0x0F)
		if (b.joypSelect & 0x10) == 0 {
			if b.joypad&JoypRight != 0 {
				res &^= 0x01
			}
			if b.joypad&JoypLeft != 0 {
				res &^= 0x02
			}
			if b.joypad&JoypUp != 0 {
				res &^= 0x04
			}
			if b.joypad&JoypDown != 0 {
				res &^= 0x08
			}
		}
		if (b.joypSelect & 0x20) == 0 {
			if b.joypad&JoypA != 0 {
				res &^= 0x01
			}
			if b.joypad&JoypB != 0 {
				res &^= 0x02
			}
			if b.joypad&JoypSelectBtn != 0 {
				res &^= 0x04
			}
			if b.joypad&JoypStart != 0 {
				res &^= 0x08
			}
		}
		return res
	case addr == 0xFF04:
		return b.tmr.ReadDIV()
	case addr == 0xFF05:
		return b.tmr.ReadTIMA()
	case addr == 0xFF06:
		return b.tmr.ReadTMA()
	case addr == 0xFF07:
		return b.tmr.ReadTAC()
	case addr == 0xFF01:
		return b.sb
	case addr == 0xFF02:
		return 0x7E | (b.sc & 0x81)
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		return b.ppu.CPURead(addr)
	case addr == 0xFF46:
		return b.dma
	case addr == 0xFF50:
		return 0xFF
	case addr == 0xFF0F:
		return b.intc.ReadIF()
	case addr == 0xFFFF:
		return b.intc.ReadIE()
	}
	return 0xFF
}

// Write applies a CPU write of value to addr. While OAM-DMA is active,
// every address outside HRAM (0xFF80-0xFFFE) is blocked and the write is
// ignored, matching Read's contention rule.
func (b *Bus) Write(addr uint16, value byte) {
	if b.dmaActive && (addr < 0xFF80 || addr > 0xFFFE) {
		return
	}
	b.writeRaw(addr, value)
}

func (b *Bus) writeRaw(addr uint16, value byte) {
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
		return
	case addr >= 0x8000 && addr <= 0x9FFF:
		b.ppu.CPUWrite(addr, value)
		return
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
		return
	case addr >= 0xC000 && addr <= 0xDFFF:
		b.wram[addr-0xC000] = value
		return
	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror >= 0xC000 && mirror <= 0xDDFF {
			b.wram[mirror-0xC000] = value
		}
		return
	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
		return
	case addr >= 0xFE00 && addr <= 0xFE9F:
		b.ppu.CPUWrite(addr, value)
		return
	case addr == 0xFF00:
		b.joypSelect = value & 0x30
		b.updateJoypadIRQ()
		return
	case addr == 0xFF04:
		b.tmr.WriteDIV()
		if b.debugTimer {
			fmt.Printf("[TMR] DIV write -> reset tima=%02X\n", b.tmr.ReadTIMA())
		}
		return
	case addr == 0xFF05:
		b.tmr.WriteTIMA(value)
		if b.debugTimer {
			fmt.Printf("[TMR] TIMA write %02X\n", value)
		}
		return
	case addr == 0xFF06:
		b.tmr.WriteTMA(value)
		return
	case addr == 0xFF07:
		b.tmr.WriteTAC(value)
		return
	case addr == 0xFF01:
		b.sb = value
		return
	case addr == 0xFF02:
		b.sc = value & 0x81
		if (b.sc & 0x80) != 0 {
			if b.sw != nil {
				_, _ = b.sw.Write([]byte{b.sb})
			}
			b.intc.Request(interrupt.Serial)
			b.sc &^= 0x80
		}
		return
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		b.ppu.CPUWrite(addr, value)
		return
	case addr == 0xFF46:
		b.dma = value
		b.dmaActive = true
		b.dmaSrc = uint16(value) << 8
		b.dmaIndex = 0
		b.ppu.SetDMAActive(true)
		return
	case addr == 0xFF50:
		if value != 0x00 {
			b.bootEnabled = false
		}
		return
	case addr == 0xFF0F:
		b.intc.WriteIF(value)
		return
	case addr == 0xFFFF:
		b.intc.WriteIE(value)
		return
	}
}

// Joypad button bitmasks for SetJoypadState. Bits set mean "pressed".
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

// SetJoypadState sets which buttons are currently pressed (set bits = pressed).
func (b *Bus) SetJoypadState(mask byte) {
	b.joypad = mask
	b.updateJoypadIRQ()
}

// SetSerialWriter sets a sink that receives bytes written via the serial port.
func (b *Bus) SetSerialWriter(w io.Writer) { b.sw = w }

// SetBootROM loads a DMG boot ROM mapped at 0x0000-0x00FF until a non-zero
// write to 0xFF50 disables the overlay.
func (b *Bus) SetBootROM(data []byte) {
	b.bootROM = nil
	b.bootEnabled = false
	if len(data) >= 0x100 {
		b.bootROM = make([]byte, 0x100)
		copy(b.bootROM, data[:0x100])
		b.bootEnabled = true
	}
}

// Tick is the single point that advances every T-cycle-driven device
// (timer, PPU, OAM-DMA) together. The CPU calls this once per memory
// access's worth of cycles so that device-visible state and CPU-visible
// contention stay in lockstep, not just once per instruction.
func (b *Bus) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		b.tmr.Tick()
		b.ppu.Tick(1)

		if b.dmaActive {
			if b.dmaIndex < 0xA0 {
				v := b.readRaw(b.dmaSrc + uint16(b.dmaIndex))
				b.ppu.CPUWrite(0xFE00+uint16(b.dmaIndex), v)
				b.dmaIndex++
			}
			if b.dmaIndex >= 0xA0 {
				b.dmaActive = false
				b.ppu.SetDMAActive(false)
			}
		}
	}
}

// TickRTC advances the cartridge's real-time clock, if any, against wall
// time. Called once per rendered frame rather than per T-cycle since the
// RTC tracks real elapsed seconds, not emulated cycles.
func (b *Bus) TickRTC() {
	if t, ok := b.cart.(interface{ Tick() }); ok {
		t.Tick()
	}
}

// updateJoypadIRQ recomputes JOYP lower 4 bits (active-low) and raises the
// joypad interrupt on any 1->0 transition.
func (b *Bus) updateJoypadIRQ() {
	newLower := byte(0x0F)
	if (b.joypSelect & 0x10) == 0 {
		if b.joypad&JoypRight != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypLeft != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypUp != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypDown != 0 {
			newLower &^= 0x08
		}
	}
	if (b.joypSelect & 0x20) == 0 {
		if b.joypad&JoypA != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypB != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypSelectBtn != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypStart != 0 {
			newLower &^= 0x08
		}
	}
	falling := b.joypLower4 &^ newLower
	if falling != 0 {
		b.intc.Request(interrupt.Joypad)
	}
	b.joypLower4 = newLower
}

// --- Save/Load state ---

type busState struct {
	WRAM      [0x2000]byte
	HRAM      [0x7F]byte
	Intc      interrupt.State
	JoypSel   byte
	Joypad    byte
	JoypL4    byte
	Timer     timer.State
	SB, SC    byte
	DMA       byte
	DMAActive bool
	DMASrc    uint16
	DMAIdx    int
	BootEn    bool
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := busState{
		WRAM: b.wram, HRAM: b.hram, Intc: b.intc.SaveState(),
		JoypSel: b.joypSelect, Joypad: b.joypad, JoypL4: b.joypLower4,
		Timer: b.tmr.SaveState(),
		SB:    b.sb, SC: b.sc,
		DMA: b.dma, DMAActive: b.dmaActive, DMASrc: b.dmaSrc, DMAIdx: b.dmaIndex,
		BootEn: b.bootEnabled,
	}
	_ = enc.Encode(s)
	if b.ppu != nil {
		_ = enc.Encode(b.ppu.SaveState())
	} else {
		_ = enc.Encode(ppu.State{})
	}
	if bb, ok := b.cart.(interface{ SaveState() []byte }); ok {
		_ = enc.Encode(bb.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s busState
	if err := dec.Decode(&s); err != nil {
		return
	}
	b.wram, b.hram = s.WRAM, s.HRAM
	b.intc.LoadState(s.Intc)
	b.joypSelect, b.joypad, b.joypLower4 = s.JoypSel, s.Joypad, s.JoypL4
	b.tmr.LoadState(s.Timer)
	b.sb, b.sc = s.SB, s.SC
	b.dma, b.dmaActive, b.dmaSrc, b.dmaIndex = s.DMA, s.DMAActive, s.DMASrc, s.DMAIdx
	b.bootEnabled = s.BootEn

	var ps ppu.State
	if err := dec.Decode(&ps); err == nil && b.ppu != nil {
		b.ppu.LoadState(ps)
	}
	if b.ppu != nil {
		b.ppu.SetDMAActive(b.dmaActive)
	}
	var cs []byte
	if err := dec.Decode(&cs); err == nil {
		if bb, ok := b.cart.(interface{ LoadState([]byte) }); ok {
			bb.LoadState(cs)
		}
	}
}
