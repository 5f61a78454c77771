package cart

import "testing"

// fakeClock is a TimeSource test double whose value the test controls directly.
type fakeClock struct{ sec int64 }

func (f *fakeClock) Now() int64 { return f.sec }

func TestMBC3_RTC_LatchAndRead(t *testing.T) {
	clock := &fakeClock{sec: 100}
	rom := make([]byte, 0x8000)
	m := NewMBC3WithClock(rom, 0x2000, clock)

	m.Write(0x0000, 0x0A) // RAM enable
	rtc := m.RTC()
	rtc.WriteRegister(RegSeconds, 5)
	rtc.WriteRegister(RegMinutes, 6)
	rtc.WriteRegister(RegHours, 7)
	rtc.WriteRegister(RegDayLow, 0x01)
	rtc.WriteRegister(RegDayHigh, 0x01) // day bit8 set -> day 0x101

	m.Write(0x6000, 0x00)
	m.Write(0x6000, 0x01) // latch (0->1)

	m.Write(0x4000, RegSeconds)
	if got := m.Read(0xA000); got != 5 {
		t.Fatalf("latched sec got %d want 5", got)
	}

	rtc.WriteRegister(RegSeconds, 30)
	if got := m.Read(0xA000); got != 5 {
		t.Fatalf("latched sec changed unexpectedly: got %d", got)
	}

	m.Write(0x4000, RegDayLow)
	if got := m.Read(0xA000); got != 0x01 {
		t.Fatalf("latched day low got %02X want %02X", got, byte(0x01))
	}
	m.Write(0x4000, RegDayHigh)
	got := m.Read(0xA000)
	if got&0x01 == 0 {
		t.Fatalf("latched day high bit not set")
	}
	if got&0x40 != 0 {
		t.Fatalf("halt bit set unexpectedly")
	}
}

func TestMBC3_RTC_Advance_And_Persist(t *testing.T) {
	clock := &fakeClock{sec: 100}
	rom := make([]byte, 0x8000)
	m := NewMBC3WithClock(rom, 0x2000, clock)
	rtc := m.RTC()
	rtc.WriteRegister(RegSeconds, 30)
	rtc.WriteRegister(RegMinutes, 59)
	rtc.WriteRegister(RegHours, 23)
	rtc.WriteRegister(RegDayLow, 0xFF)
	rtc.WriteRegister(RegDayHigh, 0x01) // day = 0x1FF (511)

	clock.sec = 120 // +20s
	m.Tick()
	if rtc.seconds != 50 || rtc.minutes != 59 {
		t.Fatalf("rtc advance 20s got sec=%d min=%d", rtc.seconds, rtc.minutes)
	}

	clock.sec = 180 // +60s more -> minute rolls, day wraps past 511 with carry
	m.Tick()
	if rtc.seconds != 50 || rtc.minutes != 0 || rtc.hours != 0 || rtc.days != 0 || !rtc.carry {
		t.Fatalf("rtc +60s rollover got %02d:%02d:%02d day=%03d carry=%v",
			rtc.hours, rtc.minutes, rtc.seconds, rtc.days, rtc.carry)
	}

	n := NewMBC3WithClock(rom, 0x2000, clock)
	n.rtc.LoadState(m.rtc.SaveState())
	nr := n.RTC()
	if nr.seconds != rtc.seconds || nr.minutes != rtc.minutes || nr.hours != rtc.hours || nr.days != rtc.days {
		t.Fatalf("rtc persist mismatch: got %02d:%02d:%02d day=%03d want %02d:%02d:%02d day=%03d",
			nr.hours, nr.minutes, nr.seconds, nr.days, rtc.hours, rtc.minutes, rtc.seconds, rtc.days)
	}
}

func TestMBC5_BankZeroNoRemap(t *testing.T) {
	rom := make([]byte, 1024*1024) // 64 banks of 16KB
	for bank := 0; bank < 64; bank++ {
		rom[bank*0x4000] = byte(bank)
	}
	m := NewMBC5(rom, 0)

	m.Write(0x2000, 0x05)
	if got := m.Read(0x4000); got != 0x05 {
		t.Fatalf("bank5 read got %02X want 05", got)
	}

	// MBC5 has no zero-remap: writing 0 selects bank 0 verbatim.
	m.Write(0x2000, 0x00)
	if got := m.Read(0x4000); got != 0x00 {
		t.Fatalf("bank0 read got %02X want 00 (no remap on MBC5)", got)
	}
}
