package emu

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/kmills-dev/gbcore/internal/bus"
)

// buildROM makes a synthetic ROM with a valid header and checksums, mirroring
// internal/cart's own test helper since that one is unexported.
func buildROM(cartType, romSizeCode, ramSizeCode byte, size int, code []byte) []byte {
	rom := make([]byte, size)
	copy(rom[0x0100:], code)

	copy(rom[0x0134:0x0144], []byte("TESTROM"))
	rom[0x0143] = 0x00
	rom[0x0144], rom[0x0145] = '0', '1'
	rom[0x0147] = cartType
	rom[0x0148] = romSizeCode
	rom[0x0149] = ramSizeCode
	rom[0x014B] = 0x33

	var hsum byte
	for addr := 0x0134; addr <= 0x014C; addr++ {
		hsum = hsum - rom[addr] - 1
	}
	rom[0x014D] = hsum

	var gsum uint16
	for i := range rom {
		if i == 0x014E || i == 0x014F {
			continue
		}
		gsum += uint16(rom[i])
	}
	binary.BigEndian.PutUint16(rom[0x014E:0x0150], gsum)
	return rom
}

// loopROM is a 32KB ROM-only cartridge whose entry point at 0x0100 spins on
// an infinite JP to itself, so stepping it never runs off into undefined
// memory.
func loopROM() []byte {
	return buildROM(0x00, 0x00, 0x00, 32*1024, []byte{0xC3, 0x00, 0x01}) // JP 0x0100
}

func TestLoadCartridge_NoBootJumpsToEntryPoint(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if m.ROMTitle() != "TESTROM" {
		t.Fatalf("ROMTitle got %q want %q", m.ROMTitle(), "TESTROM")
	}
	if got := m.bus.Read(0xFF40); got != 0x91 {
		t.Fatalf("LCDC after no-boot load got %#02x want 0x91", got)
	}
}

func TestLoadCartridge_TooSmallROM(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(make([]byte, 0x10), nil); err == nil {
		t.Fatalf("expected error loading a too-small ROM, got nil")
	}
}

func TestLoadCartridge_WithBootROMStartsAtZero(t *testing.T) {
	m := New(Config{})
	boot := make([]byte, 0x100)
	boot[0] = 0x00 // NOP, just needs to be >= 0x100 bytes to count as present
	m.SetBootROM(boot)
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if m.cpu.PC != 0x0000 {
		t.Fatalf("PC after boot-ROM load got %#04x want 0x0000", m.cpu.PC)
	}
}

func TestLoadROMFromFile_DoesNotReloadAlreadyLoadedCartridge(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.StepFrame()
	// The JP loop never touches A, and a reload would reset it to 0x01.
	m.cpu.A = 0x42

	path := writeTempROM(t, loopROM())
	if err := m.LoadROMFromFile(path); err != nil {
		t.Fatalf("LoadROMFromFile: %v", err)
	}
	if m.ROMPath() != path {
		t.Fatalf("ROMPath got %q want %q", m.ROMPath(), path)
	}
	if m.cpu.PC != 0x0100 {
		t.Fatalf("PC got %#04x, LoadROMFromFile should not have reset an already-loaded cartridge", m.cpu.PC)
	}
	if m.cpu.A != 0x42 {
		t.Fatalf("A got %#02x want 0x42, LoadROMFromFile should not have reset an already-loaded cartridge", m.cpu.A)
	}
}

func TestLoadROMFromFile_LoadsWhenNothingLoadedYet(t *testing.T) {
	m := New(Config{})
	path := writeTempROM(t, loopROM())
	if err := m.LoadROMFromFile(path); err != nil {
		t.Fatalf("LoadROMFromFile: %v", err)
	}
	if !m.loaded {
		t.Fatalf("Machine should be marked loaded after LoadROMFromFile on a fresh Machine")
	}
	if m.cpu.PC != 0x0100 {
		t.Fatalf("PC got %#04x want 0x0100", m.cpu.PC)
	}
}

func TestStepFrame_AdvancesOneFullFrameOfCycles(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	// JP 0x0100 costs 16 cycles and never leaves 0x0100; after one frame PC
	// must still be 0x0100.
	m.StepFrame()
	if m.cpu.PC != 0x0100 {
		t.Fatalf("PC after StepFrame got %#04x want 0x0100 (infinite JP loop)", m.cpu.PC)
	}
}

func TestStepFrameNoRender_RunsSameAsStepFrame(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.StepFrameNoRender()
	if m.cpu.PC != 0x0100 {
		t.Fatalf("PC after StepFrameNoRender got %#04x want 0x0100", m.cpu.PC)
	}
}

func TestSaveStateLoadStateRoundTrip(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.cpu.A = 0x42
	m.cpu.PC = 0x0150
	data := m.SaveState()

	m2 := New(Config{})
	if err := m2.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if err := m2.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if m2.cpu.A != 0x42 {
		t.Fatalf("A after LoadState got %#02x want 0x42", m2.cpu.A)
	}
	if m2.cpu.PC != 0x0150 {
		t.Fatalf("PC after LoadState got %#04x want 0x0150", m2.cpu.PC)
	}
}

func TestLoadBattery_RoundTripsThroughMBC1RAM(t *testing.T) {
	rom := buildROM(0x03, 0x01, 0x02, 64*1024, []byte{0xC3, 0x00, 0x01}) // MBC1+RAM+BATTERY, 8KiB RAM
	m := New(Config{})
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}

	saved, ok := m.SaveBattery()
	if !ok {
		t.Fatalf("SaveBattery: cartridge should report battery-backed RAM")
	}
	if len(saved) == 0 {
		t.Fatalf("SaveBattery returned empty RAM for an 8KiB-RAM cartridge")
	}

	loaded := make([]byte, len(saved))
	loaded[0] = 0x99
	if !m.LoadBattery(loaded) {
		t.Fatalf("LoadBattery: cartridge should accept battery-backed RAM")
	}
	roundTripped, _ := m.SaveBattery()
	if roundTripped[0] != 0x99 {
		t.Fatalf("RAM after LoadBattery/SaveBattery round trip got %#02x want 0x99", roundTripped[0])
	}
}

func TestSaveBattery_ROMOnlyCartridgeHasNoBattery(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if _, ok := m.SaveBattery(); ok {
		t.Fatalf("SaveBattery should report false for a ROM-only cartridge")
	}
}

func TestSetButtons_SetsJoypadMask(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(loopROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.SetButtons(Buttons{A: true, Start: true})
	// With the button row selected, A and Start read back as cleared bits.
	m.bus.Write(0xFF00, 0x10)
	if got := m.bus.Read(0xFF00) & 0x0F; got != 0x06 {
		t.Fatalf("JOYP buttons row got %#02x want 0x06", got)
	}
	// The mask helper combines exactly the pressed bits.
	b := Buttons{A: true, Start: true}
	if got := b.mask(); got != bus.JoypA|bus.JoypStart {
		t.Fatalf("Buttons.mask() for A+Start got %#02x want %#02x", got, bus.JoypA|bus.JoypStart)
	}
}

func writeTempROM(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.gb")
	if err != nil {
		t.Fatalf("create temp ROM: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write temp ROM: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp ROM: %v", err)
	}
	return f.Name()
}
