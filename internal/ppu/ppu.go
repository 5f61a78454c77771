// Package ppu implements the scanline/mode timing state machine, VRAM/OAM
// storage, and the BG/window/sprite compositing pipeline that turns that
// state into a 160x144 framebuffer once per frame.
package ppu

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

const (
	ScreenW = 160
	ScreenH = 144
)

// LineRegs is a snapshot of the registers that affect rendering, captured
// at the moment a scanline enters mode 3 (pixel transfer).
type LineRegs struct {
	SCX, SCY, LCDC, BGP, OBP0, OBP1, WY, WX byte
	WinLine                                 byte
	DMAActive                               bool
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, per-scanline mode timing,
// and renders each scanline's pixels into an RGBA framebuffer.
type PPU struct {
	vram [0x2000]byte // 0x8000-0x9FFF
	oam  [0xA0]byte   // 0xFE00-0xFE9F

	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	winLineCounter int // -1 until the window has been visible this frame
	lineRegs       [ScreenH]LineRegs

	fb [ScreenW * ScreenH * 4]byte // RGBA8888, written one scanline at a time

	dmaActive bool // mirrors the bus's OAM-DMA state, for sprite-scan suppression

	req InterruptRequester
}

func New(req InterruptRequester) *PPU { return &PPU{req: req, winLineCounter: -1} }

// SetDMAActive mirrors the bus's OAM-DMA state so renderScanline knows
// whether to suppress sprite compositing for lines captured mid-transfer.
func (p *PPU) SetDMAActive(active bool) { p.dmaActive = active }

// vramReader adapts *PPU to the VRAMReader interface the BG/window fetcher
// and sprite compositor expect, bypassing the CPU-facing mode gating since
// rendering happens internally at a point where the real hardware would
// also be mid-fetch.
type vramReader struct{ p *PPU }

func (v vramReader) Read(addr uint16) byte {
	if addr >= 0x8000 && addr <= 0x9FFF {
		return v.p.vram[addr-0x8000]
	}
	return 0xFF
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// Tick advances PPU state by the given number of dots (T-cycles).
func (p *PPU) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 {
			continue
		}
		p.dot++

		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		prevMode := p.stat & 0x03
		p.setMode(mode)
		if prevMode != 3 && mode == 3 && p.ly < 144 {
			p.captureLineRegs()
		}
		if prevMode == 3 && mode == 0 && p.ly < 144 {
			p.renderScanline(p.ly)
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				if p.req != nil {
					p.req(0) // VBlank IF
				}
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				}
			} else if p.ly > 153 {
				p.ly = 0
				p.winLineCounter = -1
			}
			p.updateLYC()
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

// captureLineRegs snapshots the registers that affect this scanline's
// render at the moment pixel transfer (mode 3) begins, including the
// window-line counter's value for this line.
func (p *PPU) captureLineRegs() {
	windowVisible := (p.lcdc&0x20) != 0 && p.ly >= p.wy && p.wx <= 166
	if windowVisible {
		p.winLineCounter++
	}
	winLine := byte(0)
	if p.winLineCounter > 0 {
		winLine = byte(p.winLineCounter)
	}
	p.lineRegs[p.ly] = LineRegs{
		SCX: p.scx, SCY: p.scy, LCDC: p.lcdc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx, WinLine: winLine, DMAActive: p.dmaActive,
	}
}

// LineRegs returns the registers captured for scanline y, for tests and
// debugging; rendering itself uses the same snapshot internally.
func (p *PPU) LineRegs(y int) LineRegs {
	if y < 0 || y >= ScreenH {
		return LineRegs{}
	}
	return p.lineRegs[y]
}

// renderScanline composes BG, window, and sprites for ly into the framebuffer.
func (p *PPU) renderScanline(ly byte) {
	regs := p.lineRegs[ly]
	mem := vramReader{p}

	var bgci [ScreenW]byte
	if regs.LCDC&0x01 != 0 {
		bgMapBase := uint16(0x9800)
		if regs.LCDC&0x08 != 0 {
			bgMapBase = 0x9C00
		}
		tileData8000 := regs.LCDC&0x10 != 0
		bgci = RenderBGScanlineUsingFetcher(mem, bgMapBase, tileData8000, regs.SCX, regs.SCY, ly)
	}

	if regs.LCDC&0x20 != 0 && ly >= regs.WY && regs.WX <= 166 {
		winMapBase := uint16(0x9800)
		if regs.LCDC&0x40 != 0 {
			winMapBase = 0x9C00
		}
		tileData8000 := regs.LCDC&0x10 != 0
		winXStart := int(regs.WX) - 7
		wci := RenderWindowScanlineUsingFetcher(mem, winMapBase, tileData8000, winXStart, regs.WinLine)
		for x := winXStart; x < ScreenW; x++ {
			if x < 0 {
				continue
			}
			bgci[x] = wci[x]
		}
	}

	var spriteLine [ScreenW]byte
	if regs.LCDC&0x02 != 0 && !regs.DMAActive {
		tall := regs.LCDC&0x04 != 0
		sprites := ScanOAM(p.oam[:], ly, tall)
		spriteLine = ComposeSpriteLine(mem, sprites, ly, bgci, tall)
	}

	base := int(ly) * ScreenW * 4
	for x := 0; x < ScreenW; x++ {
		var color [4]byte
		if sp := spriteLine[x]; sp != 0 {
			palette := regs.OBP0
			if sp&0x04 != 0 {
				palette = regs.OBP1
			}
			color = shade(palette, sp&0x03)
		} else {
			color = shade(regs.BGP, bgci[x])
		}
		off := base + x*4
		p.fb[off+0], p.fb[off+1], p.fb[off+2], p.fb[off+3] = color[0], color[1], color[2], color[3]
	}
}

// shade maps a 2-bit color index through a palette register to one of the
// four DMG green shades.
func shade(palette, ci byte) [4]byte {
	shadeIdx := (palette >> (ci * 2)) & 0x03
	switch shadeIdx {
	case 0:
		return [4]byte{0xE0, 0xF8, 0xD0, 0xFF}
	case 1:
		return [4]byte{0x88, 0xC0, 0x70, 0xFF}
	case 2:
		return [4]byte{0x34, 0x68, 0x56, 0xFF}
	default:
		return [4]byte{0x08, 0x18, 0x20, 0xFF}
	}
}

// Framebuffer returns the most recently rendered frame as tightly packed
// RGBA8888, row-major, 160x144.
func (p *PPU) Framebuffer() []byte { return p.fb[:] }

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
func (p *PPU) LY() byte   { return p.ly }

// State is the gob-serializable snapshot used by save states. The
// per-scanline render cache is not persisted; it gets rebuilt as the
// restored machine renders its next frame.
type State struct {
	VRAM           [0x2000]byte
	OAM            [0xA0]byte
	LCDC, STAT     byte
	SCY, SCX       byte
	LY, LYC        byte
	BGP, OBP0, OBP1 byte
	WY, WX         byte
	Dot            int
	WinLineCounter int
}

func (p *PPU) SaveState() State {
	return State{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Dot: p.dot, WinLineCounter: p.winLineCounter,
	}
}

func (p *PPU) LoadState(s State) {
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.dot, p.winLineCounter = s.Dot, s.WinLineCounter
}
