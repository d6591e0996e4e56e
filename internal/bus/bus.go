// Package bus implements the Game Boy 16-bit address space: the
// cartridge/VRAM/WRAM/OAM/HRAM decode table, the DIV/TIMA timer, OAM DMA,
// the joypad latch, and interrupt-flag bookkeeping shared by the CPU,
// PPU, and APU.
package bus

import (
	"bytes"
	"encoding/gob"

	"github.com/quietvale/dmgo/internal/apu"
	"github.com/quietvale/dmgo/internal/cart"
	"github.com/quietvale/dmgo/internal/ppu"
)

// Joypad bitmasks, one nybble each, 1 = currently pressed.
const (
	JoypRight     byte = 1 << 0
	JoypLeft      byte = 1 << 1
	JoypUp        byte = 1 << 2
	JoypDown      byte = 1 << 3
	JoypA         byte = 1 << 0
	JoypB         byte = 1 << 1
	JoypSelectBtn byte = 1 << 2
	JoypStart     byte = 1 << 3
)

var timerPeriods = [4]int{1024, 16, 64, 256}

type dmaState struct {
	active bool
	clocks int
	source byte
}

type Bus struct {
	cart cart.Cartridge
	ppu  *ppu.PPU
	apu  *apu.APU

	wram [0x2000]byte
	hram [0x7F]byte
	io   [0x80]byte

	ifReg byte
	ie    byte

	divInternal  int
	div          byte
	tima, tma    byte
	tac          byte
	timerCounter int

	joypSelect  byte
	heldDpad    byte
	heldButtons byte

	dma dmaState

	serialWriter interface{ Write([]byte) (int, error) }
	sb, sc       byte
}

func New(rom []byte) *Bus {
	b := &Bus{}
	b.cart = cart.NewCartridge(rom)
	b.ppu = ppu.New(b.RequestInterrupt)
	b.apu = apu.New()
	b.applyPostBootIO()
	return b
}

// applyPostBootIO sets the documented DMG post-boot I/O register values, so
// a cartridge started at PC=0x0100 without running the boot ROM still sees
// the state the boot ROM would have left behind (JOYP=0xCF, LCDC=0x91,
// BGP=0xFC, NR52/NR50/NR51 powered up and routed, timer disabled, …).
func (b *Bus) applyPostBootIO() {
	b.Write(0xFF00, 0xCF) // JOYP: both groups selected, inputs unpressed
	b.Write(0xFF05, 0x00) // TIMA
	b.Write(0xFF06, 0x00) // TMA
	b.Write(0xFF07, 0x00) // TAC: timer disabled
	b.Write(0xFF26, 0x80) // NR52: power on (before the NRxx below, which are gated on it)
	b.Write(0xFF10, 0x80) // NR10
	b.Write(0xFF24, 0x77) // NR50: Vin off, L=7, R=7
	b.Write(0xFF25, 0xFF) // NR51: route all channels to both sides
	b.Write(0xFF40, 0x91) // LCDC: LCD on, BG on, tile data 0x8000, sprites 8x8
	b.Write(0xFF42, 0x00) // SCY
	b.Write(0xFF43, 0x00) // SCX
	b.Write(0xFF45, 0x00) // LYC
	b.Write(0xFF47, 0xFC) // BGP
	b.Write(0xFF48, 0xFF) // OBP0
	b.Write(0xFF49, 0xFF) // OBP1
	b.Write(0xFF4A, 0x00) // WY
	b.Write(0xFF4B, 0x00) // WX
	b.ie = 0x00
}

// RequestInterrupt sets the given IF bit (0=VBlank,1=STAT,2=Timer,3=Serial,4=Joypad).
func (b *Bus) RequestInterrupt(bit int) { b.ifReg |= 1 << bit }

func (b *Bus) PPU() *ppu.PPU        { return b.ppu }
func (b *Bus) APU() *apu.APU        { return b.apu }
func (b *Bus) Cart() cart.Cartridge { return b.cart }

func (b *Bus) SetSerialWriter(w interface{ Write([]byte) (int, error) }) {
	b.serialWriter = w
}

func (b *Bus) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		return b.cart.Read(addr)
	case addr < 0xA000:
		return b.ppu.CPURead(addr)
	case addr < 0xC000:
		return b.cart.Read(addr)
	case addr < 0xE000:
		return b.wram[addr-0xC000]
	case addr < 0xFE00:
		return b.wram[(addr-0xE000)&0x1FFF]
	case addr < 0xFEA0:
		if b.dma.active {
			return 0xFF
		}
		return b.ppu.CPURead(addr)
	case addr < 0xFF00:
		return 0xFF
	case addr < 0xFF80:
		return b.readIO(addr)
	case addr < 0xFFFF:
		return b.hram[addr-0xFF80]
	default:
		return b.ie
	}
}

func (b *Bus) Write(addr uint16, v byte) {
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, v)
	case addr < 0xA000:
		b.ppu.CPUWrite(addr, v)
	case addr < 0xC000:
		b.cart.Write(addr, v)
	case addr < 0xE000:
		b.wram[addr-0xC000] = v
	case addr < 0xFE00:
		b.wram[(addr-0xE000)&0x1FFF] = v
	case addr < 0xFEA0:
		if b.dma.active {
			return
		}
		b.ppu.CPUWrite(addr, v)
	case addr < 0xFF00:
		// unusable region, writes ignored
	case addr < 0xFF80:
		b.writeIO(addr, v)
	case addr < 0xFFFF:
		b.hram[addr-0xFF80] = v
	default:
		b.ie = v
	}
}

func (b *Bus) readIO(addr uint16) byte {
	switch {
	case addr == 0xFF00:
		return b.joypRead()
	case addr == 0xFF01:
		return b.sb
	case addr == 0xFF02:
		return b.sc
	case addr == 0xFF04:
		return b.div
	case addr == 0xFF05:
		return b.tima
	case addr == 0xFF06:
		return b.tma
	case addr == 0xFF07:
		return b.tac
	case addr == 0xFF0F:
		return b.ifReg
	case addr >= 0xFF10 && addr <= 0xFF3F:
		return b.apu.CPURead(addr)
	case addr >= 0xFF40 && addr <= 0xFF4B:
		if addr == 0xFF46 {
			return b.io[addr-0xFF00]
		}
		return b.ppu.CPURead(addr)
	default:
		return b.io[addr-0xFF00]
	}
}

func (b *Bus) writeIO(addr uint16, v byte) {
	switch {
	case addr == 0xFF00:
		b.joypSelect = v & 0x30
	case addr == 0xFF01:
		b.sb = v
	case addr == 0xFF02:
		b.sc = v
		if v&0x80 != 0 {
			if b.serialWriter != nil {
				b.serialWriter.Write([]byte{b.sb})
			}
			b.sc &^= 0x80
			b.RequestInterrupt(3)
		}
	case addr == 0xFF04:
		b.div = 0
		b.divInternal = 0
	case addr == 0xFF05:
		b.tima = v
	case addr == 0xFF06:
		b.tma = v
	case addr == 0xFF07:
		b.tac = v
	case addr == 0xFF0F:
		b.ifReg = v
	case addr >= 0xFF10 && addr <= 0xFF3F:
		b.apu.CPUWrite(addr, v)
	case addr == 0xFF46:
		b.io[addr-0xFF00] = v
		b.startDMA(v)
	case addr >= 0xFF40 && addr <= 0xFF4B:
		b.ppu.CPUWrite(addr, v)
	default:
		b.io[addr-0xFF00] = v
	}
}

// Tick advances the timer, DMA, PPU, and APU by cycles CPU clocks. It is
// called once per CPU.Step with the clocks that instruction consumed.
func (b *Bus) Tick(cycles int) {
	b.tickTimer(cycles)
	b.tickDMA(cycles)
	b.ppu.Tick(cycles)
	b.apu.Tick(cycles)
}

func (b *Bus) tickTimer(cycles int) {
	for i := 0; i < cycles; i++ {
		b.divInternal++
		if b.divInternal >= 256 {
			b.divInternal -= 256
			b.div++
		}
		if b.tac&0x04 == 0 {
			continue
		}
		b.timerCounter++
		period := timerPeriods[b.tac&0x03]
		if b.timerCounter >= period {
			b.timerCounter -= period
			b.tima++
			if b.tima == 0 {
				b.tima = b.tma
				b.RequestInterrupt(2)
			}
		}
	}
}

func (b *Bus) startDMA(page byte) {
	b.dma.active = true
	b.dma.clocks = 0
	b.dma.source = page
}

func (b *Bus) tickDMA(cycles int) {
	if !b.dma.active {
		return
	}
	b.dma.clocks += cycles
	if b.dma.clocks < 640 {
		return
	}
	base := uint16(b.dma.source) << 8
	for i := 0; i < 0xA0; i++ {
		b.ppu.DMAWriteOAM(i, b.Read(base+uint16(i)))
	}
	b.dma.active = false
}

func (b *Bus) joypRead() byte {
	nibble := byte(0x0F)
	if b.joypSelect&0x10 == 0 { // P14 selects d-pad
		nibble &= ^b.heldDpad & 0x0F
	}
	if b.joypSelect&0x20 == 0 { // P15 selects buttons
		nibble &= ^b.heldButtons & 0x0F
	}
	return 0xC0 | b.joypSelect | nibble
}

// SetJoypadState updates the held d-pad/button masks (1 = pressed) and
// raises the Joypad interrupt on any newly-pressed button.
func (b *Bus) SetJoypadState(dpad, buttons byte) {
	if dpad&^b.heldDpad != 0 || buttons&^b.heldButtons != 0 {
		b.RequestInterrupt(4)
	}
	b.heldDpad = dpad
	b.heldButtons = buttons
}

type busState struct {
	WRAM        [0x2000]byte
	HRAM        [0x7F]byte
	IO          [0x80]byte
	IF, IE      byte
	DivInternal int
	Div         byte
	TIMA, TMA   byte
	TAC         byte
	TimerCnt    int
	JoypSelect  byte
	HeldDpad    byte
	HeldButtons byte
	DMAActive   bool
	DMAClocks   int
	DMASource   byte
	SB, SC      byte

	Cart []byte
	PPU  []byte
	APU  []byte
}

// SaveState serialises the full bus state, including the cartridge's
// banking registers and RAM, and the PPU/APU sub-states, as one gob blob.
func (b *Bus) SaveState() ([]byte, error) {
	ppuData, err := b.ppu.SaveState()
	if err != nil {
		return nil, err
	}
	apuData, err := b.apu.SaveState()
	if err != nil {
		return nil, err
	}
	s := busState{
		WRAM: b.wram, HRAM: b.hram, IO: b.io, IF: b.ifReg, IE: b.ie,
		DivInternal: b.divInternal, Div: b.div, TIMA: b.tima, TMA: b.tma, TAC: b.tac,
		TimerCnt: b.timerCounter, JoypSelect: b.joypSelect, HeldDpad: b.heldDpad, HeldButtons: b.heldButtons,
		DMAActive: b.dma.active, DMAClocks: b.dma.clocks, DMASource: b.dma.source,
		SB: b.sb, SC: b.sc,
		Cart: b.cart.SaveState(), PPU: ppuData, APU: apuData,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Bus) LoadState(data []byte) error {
	var s busState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	b.wram, b.hram, b.io = s.WRAM, s.HRAM, s.IO
	b.ifReg, b.ie = s.IF, s.IE
	b.divInternal, b.div, b.tima, b.tma, b.tac = s.DivInternal, s.Div, s.TIMA, s.TMA, s.TAC
	b.timerCounter = s.TimerCnt
	b.joypSelect, b.heldDpad, b.heldButtons = s.JoypSelect, s.HeldDpad, s.HeldButtons
	b.dma = dmaState{active: s.DMAActive, clocks: s.DMAClocks, source: s.DMASource}
	b.sb, b.sc = s.SB, s.SC
	b.cart.LoadState(s.Cart)
	if err := b.ppu.LoadState(s.PPU); err != nil {
		return err
	}
	return b.apu.LoadState(s.APU)
}
