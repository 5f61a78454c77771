package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC3 implements ROM banking (7 bits, 1..127), RAM banking (0-3), and the
// real-time clock register file (spec.md §4.3): writing 0x08-0x0C to
// 0x4000-0x5FFF selects an RTC register instead of a RAM bank, and a
// 0x00-then-0x01 write to 0x6000-0x7FFF latches the live clock.
type MBC3 struct {
	rom []byte
	ram []byte

	romBanks int
	ramBanks int

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	bankSel    byte // raw 4000-5FFF selector: 0-3 RAM bank, 08-0C RTC register

	rtc *RTC
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	return NewMBC3WithClock(rom, ramSize, nil)
}

// NewMBC3WithClock lets callers (tests, save-state restore) inject a
// TimeSource instead of the host wall clock.
func NewMBC3WithClock(rom []byte, ramSize int, clock TimeSource) *MBC3 {
	m := &MBC3{rom: rom, romBank: 1, rtc: NewRTC(clock)}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
		m.ramBanks = ramSize / 0x2000
	}
	m.romBanks = len(rom) / 0x4000
	if m.romBanks == 0 {
		m.romBanks = 1
	}
	return m
}

func (m *MBC3) RTC() *RTC { return m.rtc }

func (m *MBC3) usesRTC() bool { return m.bankSel >= RegSeconds && m.bankSel <= RegDayHigh }

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank&0x7F) % m.romBanks
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.usesRTC() {
			return m.rtc.ReadRegister(m.bankSel)
		}
		if len(m.ram) == 0 || m.ramBanks == 0 {
			return 0xFF
		}
		off := int(m.bankSel%byte(m.ramBanks))*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.bankSel = value
	case addr < 0x8000:
		m.rtc.LatchClock(value)
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.usesRTC() {
			m.rtc.WriteRegister(m.bankSel, value)
			return
		}
		if len(m.ram) == 0 || m.ramBanks == 0 {
			return
		}
		off := int(m.bankSel%byte(m.ramBanks))*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// Tick lets the bus advance the RTC's wall-clock accumulation once per
// frame, independent of CPU T-cycles.
func (m *MBC3) Tick() { m.rtc.Tick() }

func (m *MBC3) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc3State struct {
	RamEnabled bool
	RomBank    byte
	BankSel    byte
	RAM        []byte
	RTC        RTCState
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RamEnabled: m.ramEnabled, RomBank: m.romBank, BankSel: m.bankSel,
		RAM: m.ram, RTC: m.rtc.SaveState(),
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.ramEnabled, m.romBank, m.bankSel = s.RamEnabled, s.RomBank, s.BankSel
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.rtc.LoadState(s.RTC)
}
