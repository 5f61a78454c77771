package cart

import "time"

// TimeSource abstracts the wall clock the RTC advances against, so tests
// can inject a deterministic source instead of time.Now().
type TimeSource interface {
	Now() int64 // seconds since Unix epoch
}

// systemClock is the default TimeSource backed by the host clock.
type systemClock struct{}

func (systemClock) Now() int64 { return time.Now().Unix() }

// RTC implements the MBC3 real-time clock: seconds/minutes/hours/day-low/
// day-high latched registers, a halt flag, and a day-counter-carry flag.
// Elapsed wall-clock time accumulates into the live registers; LatchClock
// snapshots them into a second set the CPU actually reads.
type RTC struct {
	clock TimeSource

	halted   bool
	lastTick int64 // unix seconds as of the last Tick call

	// live counters (seconds since halted=false, or frozen while halted)
	seconds byte
	minutes byte
	hours   byte
	days    uint16 // 9-bit day counter
	carry   bool   // day counter overflowed past 511

	// latched snapshot exposed to reads between two 0x00->0x01 writes to 0x6000-0x7FFF
	latchSeconds byte
	latchMinutes byte
	latchHours   byte
	latchDays    uint16
	latchCarry   bool

	latchPending byte // tracks the last value written, looking for 0x00 then 0x01
}

func NewRTC(clock TimeSource) *RTC {
	if clock == nil {
		clock = systemClock{}
	}
	return &RTC{clock: clock, lastTick: clock.Now()}
}

// Tick advances the live registers by however much wall-clock time has
// passed since the previous call, unless halted.
func (r *RTC) Tick() {
	now := r.clock.Now()
	delta := now - r.lastTick
	r.lastTick = now
	if delta <= 0 || r.halted {
		return
	}
	r.advance(delta)
}

func (r *RTC) advance(seconds int64) {
	total := int64(r.seconds) + int64(r.minutes)*60 + int64(r.hours)*3600 + int64(r.days)*86400 + seconds
	r.seconds = byte(total % 60)
	total /= 60
	r.minutes = byte(total % 60)
	total /= 60
	r.hours = byte(total % 24)
	total /= 24
	if total > 0x1FF {
		r.carry = true
		total %= 0x200
	}
	r.days = uint16(total)
}

// LatchClock implements the 6000-7FFF write pattern: a 0x00 write followed
// by a 0x01 write copies the live counters into the latched registers.
func (r *RTC) LatchClock(value byte) {
	if r.latchPending == 0x00 && value == 0x01 {
		r.latchSeconds = r.seconds
		r.latchMinutes = r.minutes
		r.latchHours = r.hours
		r.latchDays = r.days
		r.latchCarry = r.carry
	}
	r.latchPending = value
}

// RTC register indices, as selected by writes of 0x08-0x0C to 0x4000-0x5FFF.
const (
	RegSeconds = 0x08
	RegMinutes = 0x09
	RegHours   = 0x0A
	RegDayLow  = 0x0B
	RegDayHigh = 0x0C
)

func (r *RTC) ReadRegister(reg byte) byte {
	switch reg {
	case RegSeconds:
		return r.latchSeconds
	case RegMinutes:
		return r.latchMinutes
	case RegHours:
		return r.latchHours
	case RegDayLow:
		return byte(r.latchDays & 0xFF)
	case RegDayHigh:
		v := byte((r.latchDays >> 8) & 0x01)
		if r.halted {
			v |= 0x40
		}
		if r.latchCarry {
			v |= 0x80
		}
		return v
	default:
		return 0xFF
	}
}

func (r *RTC) WriteRegister(reg byte, value byte) {
	switch reg {
	case RegSeconds:
		r.seconds = value % 60
	case RegMinutes:
		r.minutes = value % 60
	case RegHours:
		r.hours = value % 24
	case RegDayLow:
		r.days = (r.days & 0x100) | uint16(value)
	case RegDayHigh:
		r.days = (r.days & 0xFF) | (uint16(value&0x01) << 8)
		r.halted = value&0x40 != 0
		if value&0x80 == 0 {
			r.carry = false
		}
	}
}

// RTCState is the gob-serializable clock snapshot carried in MBC3 save
// states; the battery RAM image from SaveRAM does not include it.
type RTCState struct {
	Halted                                               bool
	LastTick                                              int64
	Seconds, Minutes, Hours                               byte
	Days                                                  uint16
	Carry                                                 bool
	LatchSeconds, LatchMinutes, LatchHours                byte
	LatchDays                                             uint16
	LatchCarry                                            bool
	LatchPending                                          byte
}

func (r *RTC) SaveState() RTCState {
	return RTCState{
		Halted: r.halted, LastTick: r.lastTick,
		Seconds: r.seconds, Minutes: r.minutes, Hours: r.hours, Days: r.days, Carry: r.carry,
		LatchSeconds: r.latchSeconds, LatchMinutes: r.latchMinutes, LatchHours: r.latchHours,
		LatchDays: r.latchDays, LatchCarry: r.latchCarry, LatchPending: r.latchPending,
	}
}

func (r *RTC) LoadState(s RTCState) {
	r.halted, r.lastTick = s.Halted, s.LastTick
	r.seconds, r.minutes, r.hours, r.days, r.carry = s.Seconds, s.Minutes, s.Hours, s.Days, s.Carry
	r.latchSeconds, r.latchMinutes, r.latchHours = s.LatchSeconds, s.LatchMinutes, s.LatchHours
	r.latchDays, r.latchCarry, r.latchPending = s.LatchDays, s.LatchCarry, s.LatchPending
}
