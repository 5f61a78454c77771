// Package emu wires the CPU, bus, and cartridge together into a single
// steppable machine: cartridge/boot-ROM loading, battery and full save
// states, and frame-at-a-time stepping for both a windowed front end and
// headless test-ROM runners.
package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/kmills-dev/gbcore/internal/bus"
	"github.com/kmills-dev/gbcore/internal/cart"
	"github.com/kmills-dev/gbcore/internal/cpu"
)

// cyclesPerFrame is the number of T-cycles in one 154-scanline DMG frame
// (70224 = 4194304Hz / ~59.7275fps).
const cyclesPerFrame = 70224

// Buttons holds the instantaneous state of the eight joypad inputs.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	return m
}

// Machine owns one CPU/bus/cartridge triple and steps them a frame at a time.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	loaded   bool
	romPath  string
	romTitle string
	bootROM  []byte

	// cycleDebt carries a frame's cycle overshoot (cpu.Step never returns
	// a partial instruction, so a frame boundary almost never lands on an
	// exact multiple of cyclesPerFrame) into the next frame's budget, so
	// the long-run average stays exactly cyclesPerFrame per frame_ready
	// edge instead of drifting further out of phase with real hardware
	// every frame.
	cycleDebt int
}

// New creates an unloaded Machine; LoadCartridge or LoadROMFromFile must be
// called before StepFrame does anything useful.
func New(cfg Config) *Machine {
	b := bus.New(make([]byte, 0x8000))
	m := &Machine{cfg: cfg, bus: b, cpu: cpu.New(b)}
	m.cpu.ResetNoBoot()
	m.applyPostBootIODefaults()
	return m
}

// SetBootROM records a DMG boot ROM image to map at 0x0000 on the next
// LoadCartridge/LoadROMFromFile call, instead of jumping straight to
// post-boot register defaults.
func (m *Machine) SetBootROM(data []byte) {
	m.bootROM = data
}

// LoadCartridge replaces the running cartridge with one parsed from rom,
// resets the CPU, and maps boot (or the previously set boot ROM, if boot is
// nil) at address 0x0000.
func (m *Machine) LoadCartridge(rom, boot []byte) error {
	if len(rom) < 0x150 {
		return fmt.Errorf("emu: ROM too small to contain a header (%d bytes)", len(rom))
	}
	c := cart.NewCartridge(rom)
	m.bus = bus.NewWithCartridge(c)
	m.cpu = cpu.New(m.bus)

	if boot == nil {
		boot = m.bootROM
	}
	if h, err := cart.ParseHeader(rom); err == nil {
		m.romTitle = h.Title
	} else {
		m.romTitle = ""
	}

	if len(boot) >= 0x100 {
		m.bus.SetBootROM(boot)
		m.cpu.ResetForBootROM()
	} else {
		m.cpu.ResetNoBoot()
		m.cpu.SetPC(0x0100)
		m.applyPostBootIODefaults()
	}
	m.loaded = true
	return nil
}

// LoadROMFromFile reads path and, if no cartridge is loaded yet, loads it as
// the running cartridge (using any boot ROM set via SetBootROM). If a
// cartridge is already loaded, it only records path as the ROM path, which
// lets a caller that already called LoadCartridge separately track where
// the ROM came from for save/battery file placement.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !m.loaded {
		if err := m.LoadCartridge(data, m.bootROM); err != nil {
			return err
		}
	}
	m.romPath = path
	return nil
}

// applyPostBootIODefaults sets the MMIO register values the real DMG boot
// ROM leaves behind, for the no-boot-ROM startup path.
func (m *Machine) applyPostBootIODefaults() {
	m.bus.Write(0xFF00, 0xCF)
	m.bus.Write(0xFF05, 0x00)
	m.bus.Write(0xFF06, 0x00)
	m.bus.Write(0xFF07, 0x00)
	m.bus.Write(0xFF40, 0x91)
	m.bus.Write(0xFF42, 0x00)
	m.bus.Write(0xFF43, 0x00)
	m.bus.Write(0xFF45, 0x00)
	m.bus.Write(0xFF47, 0xFC)
	m.bus.Write(0xFF48, 0xFF)
	m.bus.Write(0xFF49, 0xFF)
	m.bus.Write(0xFF4A, 0x00)
	m.bus.Write(0xFF4B, 0x00)
	m.bus.Write(0xFFFF, 0x00)
}

// ResetPostBoot restarts the current cartridge at 0x0100 with DMG post-boot
// register defaults, skipping the boot ROM.
func (m *Machine) ResetPostBoot() {
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	m.applyPostBootIODefaults()
}

// ResetWithBoot restarts the current cartridge from 0x0000 under the boot
// ROM set via SetBootROM, if any; otherwise it behaves like ResetPostBoot.
func (m *Machine) ResetWithBoot() {
	if len(m.bootROM) >= 0x100 {
		m.bus.SetBootROM(m.bootROM)
		m.cpu.ResetForBootROM()
		return
	}
	m.ResetPostBoot()
}

// LoadBattery loads data into the cartridge's external RAM. It returns true
// for every MBC1, MBC3 or MBC5 cartridge, whether or not the header declares
// a battery or any RAM, and false only for a ROM-only cartridge.
func (m *Machine) LoadBattery(data []byte) bool {
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		bb.LoadRAM(data)
		return true
	}
	return false
}

// SaveBattery returns the cartridge's external RAM and true for every MBC1,
// MBC3 or MBC5 cartridge, whether or not the header declares a battery, or
// (nil, false) for a ROM-only cartridge.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		return bb.SaveRAM(), true
	}
	return nil, false
}

// StepFrame runs the CPU (and, through it, the bus/timer/PPU) for one full
// frame's worth of T-cycles and composes the resulting framebuffer.
func (m *Machine) StepFrame() {
	m.runFrame()
}

// StepFrameNoRender runs one frame the same way StepFrame does. The PPU
// composes each scanline as part of its own mode timing rather than as a
// separate pass, so there is no cheaper path that skips composition; this
// exists to match callers (such as headless test-ROM runners) that only
// care about CPU/serial state and never read the framebuffer.
func (m *Machine) StepFrameNoRender() {
	m.runFrame()
}

// runFrame steps the CPU until a frame_ready edge: the point at which the
// running T-cycle count first reaches or passes cyclesPerFrame. Any cycles
// run past that point are this frame's overshoot (instructions can't be
// subdivided) and are carried forward as next frame's starting budget, so
// consecutive frame_ready edges stay exactly cyclesPerFrame apart on
// average rather than accumulating drift frame after frame.
func (m *Machine) runFrame() {
	cycles := m.cycleDebt
	for cycles < cyclesPerFrame {
		cycles += m.cpu.Step()
	}
	m.cycleDebt = cycles - cyclesPerFrame
	m.bus.TickRTC()
}

// Framebuffer returns the most recently rendered frame as tightly packed
// RGBA8888, row-major, 160x144.
func (m *Machine) Framebuffer() []byte { return m.bus.PPU().Framebuffer() }

// SetSerialWriter routes bytes written to the serial port to w.
func (m *Machine) SetSerialWriter(w io.Writer) { m.bus.SetSerialWriter(w) }

// SetButtons updates which joypad buttons are currently pressed.
func (m *Machine) SetButtons(b Buttons) { m.bus.SetJoypadState(b.mask()) }

// ROMPath returns the path LoadROMFromFile was last called with, or "" if
// the running cartridge wasn't loaded from a file.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header's title field for the loaded ROM.
func (m *Machine) ROMTitle() string { return m.romTitle }

// saveState is the gob-serializable snapshot of everything a save state
// needs to resume a running machine exactly.
type saveState struct {
	CPU       cpu.State
	Bus       []byte
	RomPath   string
	CycleDebt int
}

// SaveState serializes the CPU and bus (which in turn serializes the PPU,
// timer, interrupt controller, and cartridge banking/RAM state).
func (m *Machine) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(saveState{CPU: m.cpu.SaveState(), Bus: m.bus.SaveState(), RomPath: m.romPath, CycleDebt: m.cycleDebt})
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState.
func (m *Machine) LoadState(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s saveState
	if err := dec.Decode(&s); err != nil {
		return err
	}
	m.cpu.LoadState(s.CPU)
	m.bus.LoadState(s.Bus)
	m.romPath = s.RomPath
	m.cycleDebt = s.CycleDebt
	return nil
}

// SaveStateToFile writes a save state snapshot to path.
func (m *Machine) SaveStateToFile(path string) error {
	return os.WriteFile(path, m.SaveState(), 0644)
}

// LoadStateFromFile restores a save state snapshot previously written by
// SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
