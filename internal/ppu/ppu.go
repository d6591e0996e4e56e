// Package ppu implements the DMG pixel-producing state machine: the
// mode-0..3 scanline timer, the memory-mapped LCD registers, and the
// scanline-granular background/window/sprite rasteriser.
package ppu

import (
	"bytes"
	"encoding/gob"
)

const (
	ModeHBlank   = 0
	ModeVBlank   = 1
	ModeOAM      = 2
	ModeTransfer = 3

	width  = 160
	height = 144
)

// DMG four-shade grayscale palette, ARGB8888.
var dmgColors = [4]uint32{0xFFFFFFFF, 0xFFAAAAAA, 0xFF555555, 0xFF000000}

// Sprite mirrors one 4-byte OAM entry for the current scanline search.
type Sprite struct {
	Y, X byte
	Tile byte
	Attr byte
}

// InterruptRequester lets the PPU raise an interrupt bit on the owning bus
// without holding a back-reference to it.
type InterruptRequester func(bit int)

type PPU struct {
	vram [0x2000]byte
	oam  [0xA0]byte

	lcdc, stat      byte
	scy, scx        byte
	ly, lyc         byte
	bgp, obp0, obp1 byte
	wy, wx          byte

	dot  int // 0..455 within the current scanline
	mode byte

	winLine byte

	fb         [width * height * 4]byte
	frameReady bool

	req InterruptRequester
}

func New(req InterruptRequester) *PPU {
	return &PPU{req: req}
}

func (p *PPU) lcdOn() bool { return p.lcdc&0x80 != 0 }

// CPURead handles 0x8000-0x9FFF (VRAM), 0xFE00-0xFE9F (OAM, caller must
// gate DMA-active separately), and 0xFF40-0xFF4B (LCD registers).
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr < 0xA000:
		if p.lcdOn() && p.mode == ModeTransfer {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr < 0xFEA0:
		if p.lcdOn() && (p.mode == ModeOAM || p.mode == ModeTransfer) {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | p.stat | p.mode
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

func (p *PPU) CPUWrite(addr uint16, v byte) {
	switch {
	case addr >= 0x8000 && addr < 0xA000:
		if p.lcdOn() && p.mode == ModeTransfer {
			return
		}
		p.vram[addr-0x8000] = v
	case addr >= 0xFE00 && addr < 0xFEA0:
		if p.lcdOn() && (p.mode == ModeOAM || p.mode == ModeTransfer) {
			return
		}
		p.oam[addr-0xFE00] = v
	case addr == 0xFF40:
		wasOn := p.lcdOn()
		p.lcdc = v
		if wasOn && !p.lcdOn() {
			p.ly = 0
			p.dot = 0
			p.mode = ModeHBlank
			p.updateCoincidence()
		} else if !wasOn && p.lcdOn() {
			p.ly = 0
			p.dot = 0
			p.mode = ModeOAM
			p.winLine = 0
			p.updateCoincidence()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (v &^ 0x07)
	case addr == 0xFF42:
		p.scy = v
	case addr == 0xFF43:
		p.scx = v
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.mode = ModeOAM
		p.updateCoincidence()
	case addr == 0xFF45:
		p.lyc = v
		p.updateCoincidence()
	case addr == 0xFF47:
		p.bgp = v
	case addr == 0xFF48:
		p.obp0 = v
	case addr == 0xFF49:
		p.obp1 = v
	case addr == 0xFF4A:
		p.wy = v
	case addr == 0xFF4B:
		p.wx = v
	}
}

// DMAWriteOAM is used by the bus's OAM DMA copy, which bypasses the normal
// CPU-side mode gating: the transfer happens at the PPU's own pace, not the
// CPU's.
func (p *PPU) DMAWriteOAM(i int, v byte) { p.oam[i] = v }

// Tick advances the scanline state machine by cycles CPU clocks.
func (p *PPU) Tick(cycles int) {
	if !p.lcdOn() {
		return
	}
	for i := 0; i < cycles; i++ {
		p.tickOne()
	}
}

func (p *PPU) tickOne() {
	p.dot++
	switch {
	case p.dot == 80 && p.mode == ModeOAM:
		p.setMode(ModeTransfer)
	case p.dot == 252 && p.mode == ModeTransfer:
		p.renderScanline()
		p.setMode(ModeHBlank)
	case p.dot >= 456:
		p.dot = 0
		p.advanceLine()
	}
}

func (p *PPU) advanceLine() {
	if p.mode == ModeVBlank {
		p.ly++
		if p.ly > 153 {
			p.ly = 0
			p.winLine = 0
			p.setMode(ModeOAM)
		}
		p.updateCoincidence()
		return
	}
	p.ly++
	if p.ly == 144 {
		p.setMode(ModeVBlank)
		p.frameReady = true
		p.req(0)
	} else {
		p.setMode(ModeOAM)
	}
	p.updateCoincidence()
}

func (p *PPU) setMode(m byte) {
	p.mode = m
	p.updateCoincidence()
	switch m {
	case ModeHBlank:
		if p.stat&(1<<3) != 0 {
			p.req(1)
		}
	case ModeVBlank:
		if p.stat&(1<<4) != 0 {
			p.req(1)
		}
	case ModeOAM:
		if p.stat&(1<<5) != 0 {
			p.req(1)
		}
	}
}

func (p *PPU) updateCoincidence() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if p.stat&(1<<6) != 0 {
			p.req(1)
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// FrameReady reports and clears the VBlank-entry latch.
func (p *PPU) FrameReady() bool {
	r := p.frameReady
	p.frameReady = false
	return r
}

// Framebuffer returns the packed RGBA8888 pixel buffer.
func (p *PPU) Framebuffer() []byte { return p.fb[:] }

func (p *PPU) setPixel(x, y int, argb uint32) {
	o := (y*width + x) * 4
	p.fb[o+0] = byte(argb >> 16)
	p.fb[o+1] = byte(argb >> 8)
	p.fb[o+2] = byte(argb)
	p.fb[o+3] = byte(argb >> 24)
}

// renderScanline rasterises background, window, and sprites for the
// scanline that is ending (LY), at the Mode 3 -> Mode 0 transition.
func (p *PPU) renderScanline() {
	y := int(p.ly)
	if y >= height {
		return
	}
	var bgColorIdx [width]byte
	if p.lcdc&0x01 != 0 {
		p.renderBackground(y, &bgColorIdx)
	} else {
		for x := 0; x < width; x++ {
			p.setPixel(x, y, dmgColors[0])
		}
	}
	windowDrawn := false
	if p.lcdc&0x20 != 0 && p.lcdc&0x01 != 0 && int(p.wy) <= y && p.wx <= 166 {
		windowDrawn = p.renderWindow(y, &bgColorIdx)
	}
	if windowDrawn {
		p.winLine++
	}
	if p.lcdc&0x02 != 0 {
		p.renderSprites(y, &bgColorIdx)
	}
}

func (p *PPU) tileDataBase() (base uint16, signed bool) {
	if p.lcdc&0x10 != 0 {
		return 0x8000, false
	}
	return 0x9000, true
}

func (p *PPU) bgTileMapBase() uint16 {
	if p.lcdc&0x08 != 0 {
		return 0x9C00
	}
	return 0x9800
}

func (p *PPU) winTileMapBase() uint16 {
	if p.lcdc&0x40 != 0 {
		return 0x9C00
	}
	return 0x9800
}

func (p *PPU) tileRow(base uint16, signed bool, tileIdx byte, row int) (lo, hi byte) {
	var idx int
	if signed {
		idx = int(int8(tileIdx))
	} else {
		idx = int(tileIdx)
	}
	addr := int(base) + idx*16 + row*2
	lo = p.vram[uint16(addr)-0x8000]
	hi = p.vram[uint16(addr+1)-0x8000]
	return
}

func (p *PPU) renderBackground(y int, bgColorIdx *[width]byte) {
	base, signed := p.tileDataBase()
	mapBase := p.bgTileMapBase()
	srcY := (int(p.scy) + y) & 0xFF
	tileRow := srcY / 8
	rowInTile := srcY % 8
	for x := 0; x < width; x++ {
		srcX := (int(p.scx) + x) & 0xFF
		tileCol := srcX / 8
		colInTile := srcX % 8
		mapAddr := mapBase + uint16(tileRow*32+tileCol)
		tileIdx := p.vram[mapAddr-0x8000]
		lo, hi := p.tileRow(base, signed, tileIdx, rowInTile)
		bit := 7 - colInTile
		color := ((hi>>bit)&1)*2 + ((lo >> bit) & 1)
		bgColorIdx[x] = color
		p.setPixel(x, y, dmgColors[p.applyPalette(p.bgp, color)])
	}
}

func (p *PPU) renderWindow(y int, bgColorIdx *[width]byte) bool {
	base, signed := p.tileDataBase()
	mapBase := p.winTileMapBase()
	wx := int(p.wx) - 7
	drawn := false
	lineRow := int(p.winLine)
	tileRow := lineRow / 8
	rowInTile := lineRow % 8
	for x := 0; x < width; x++ {
		sx := x - wx
		if sx < 0 {
			continue
		}
		drawn = true
		tileCol := sx / 8
		colInTile := sx % 8
		mapAddr := mapBase + uint16(tileRow*32+tileCol)
		tileIdx := p.vram[mapAddr-0x8000]
		lo, hi := p.tileRow(base, signed, tileIdx, rowInTile)
		bit := 7 - colInTile
		color := ((hi>>bit)&1)*2 + ((lo >> bit) & 1)
		bgColorIdx[x] = color
		p.setPixel(x, y, dmgColors[p.applyPalette(p.bgp, color)])
	}
	return drawn
}

func (p *PPU) applyPalette(pal, color byte) byte {
	return (pal >> (color * 2)) & 0x03
}

func (p *PPU) renderSprites(y int, bgColorIdx *[width]byte) {
	spriteHeight := 8
	if p.lcdc&0x04 != 0 {
		spriteHeight = 16
	}
	var candidates []Sprite
	for i := 0; i < 40 && len(candidates) < 10; i++ {
		o := i * 4
		sy := int(p.oam[o]) - 16
		if y < sy || y >= sy+spriteHeight {
			continue
		}
		candidates = append(candidates, Sprite{
			Y:    p.oam[o],
			X:    p.oam[o+1],
			Tile: p.oam[o+2],
			Attr: p.oam[o+3],
		})
	}
	// Paint in reverse OAM order so the lowest OAM index (highest priority
	// on real hardware) ends up drawn last, on top.
	for i := len(candidates) - 1; i >= 0; i-- {
		s := candidates[i]
		sy := int(s.Y) - 16
		sx := int(s.X) - 8
		tile := s.Tile
		if spriteHeight == 16 {
			tile &^= 0x01
		}
		line := y - sy
		if s.Attr&0x40 != 0 {
			line = spriteHeight - 1 - line
		}
		addr := uint16(0x8000) + uint16(tile)*16 + uint16(line)*2
		lo := p.vram[addr-0x8000]
		hi := p.vram[addr+1-0x8000]
		for px := 0; px < 8; px++ {
			x := sx + px
			if x < 0 || x >= width {
				continue
			}
			bit := px
			if s.Attr&0x20 == 0 {
				bit = 7 - px
			}
			color := ((hi>>bit)&1)*2 + ((lo >> bit) & 1)
			if color == 0 {
				continue
			}
			if s.Attr&0x80 != 0 && bgColorIdx[x] != 0 {
				continue
			}
			pal := p.obp0
			if s.Attr&0x10 != 0 {
				pal = p.obp1
			}
			p.setPixel(x, y, dmgColors[p.applyPalette(pal, color)])
		}
	}
}

type ppuState struct {
	VRAM            [0x2000]byte
	OAM             [0xA0]byte
	LCDC, STAT      byte
	SCY, SCX        byte
	LY, LYC         byte
	BGP, OBP0, OBP1 byte
	WY, WX          byte
	Dot             int
	Mode            byte
	WinLine         byte
	FB              [width * height * 4]byte
}

// SaveState serialises the PPU's full register and memory state via gob.
func (p *PPU) SaveState() ([]byte, error) {
	s := ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx,
		LY: p.ly, LYC: p.lyc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx, Dot: p.dot, Mode: p.mode, WinLine: p.winLine,
		FB: p.fb,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *PPU) LoadState(data []byte) error {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx = s.LCDC, s.STAT, s.SCY, s.SCX
	p.ly, p.lyc, p.bgp, p.obp0, p.obp1 = s.LY, s.LYC, s.BGP, s.OBP0, s.OBP1
	p.wy, p.wx, p.dot, p.mode, p.winLine = s.WY, s.WX, s.Dot, s.Mode, s.WinLine
	p.fb = s.FB
	return nil
}
