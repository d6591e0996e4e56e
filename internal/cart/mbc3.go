package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC3 banks up to 2 MiB of ROM and 32 KiB of RAM, and additionally
// tracks an RTC register select (values 0x08-0x0C written to the RAM-bank
// region select an RTC register instead of a RAM bank). The RTC registers
// themselves are not clocked; rtcSelect is tracked so Read/Write and
// the latch-clock write (0x6000-0x7FFF) behave consistently, without
// claiming a real time-of-day peripheral.
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte
	ramBank    byte
	rtcEnabled bool
	rtcSelect  byte
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom, romBank: 1}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		return m.romByte(int(addr))
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		return m.romByte(bank*0x4000 + int(addr-0x4000))
	case addr >= 0xA000 && addr < 0xC000:
		if m.rtcEnabled {
			return 0xFF // no real-time-clock peripheral backs rtcSelect
		}
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		return m.ramByte(int(m.ramBank&0x03)*0x2000 + int(addr-0xA000))
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = value&0x0F == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		if value >= 0x08 && value <= 0x0C {
			m.rtcEnabled = true
			m.rtcSelect = value
			return
		}
		m.rtcEnabled = false
		m.ramBank = value & 0x03
	case addr < 0x8000:
		_ = value // latch-clock write: no-op without a ticking RTC
	case addr >= 0xA000 && addr < 0xC000:
		if m.rtcEnabled || !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		off := int(m.ramBank&0x03)*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBC3) romByte(off int) byte {
	if off >= 0 && off < len(m.rom) {
		return m.rom[off]
	}
	return 0xFF
}

func (m *MBC3) ramByte(off int) byte {
	if off >= 0 && off < len(m.ram) {
		return m.ram[off]
	}
	return 0xFF
}

func (m *MBC3) SaveRAM() []byte {
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC3) LoadRAM(data []byte) { copy(m.ram, data) }

type mbc3State struct {
	RAM        []byte
	RomBank    byte
	RamBank    byte
	RamEnabled bool
	RTCEnabled bool
	RTCSelect  byte
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(mbc3State{
		RAM: append([]byte(nil), m.ram...), RomBank: m.romBank, RamBank: m.ramBank,
		RamEnabled: m.ramEnabled, RTCEnabled: m.rtcEnabled, RTCSelect: m.rtcSelect,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if gob.NewDecoder(bytes.NewReader(data)).Decode(&s) != nil {
		return
	}
	if len(m.ram) > 0 {
		copy(m.ram, s.RAM)
	}
	m.romBank, m.ramBank, m.ramEnabled = s.RomBank, s.RamBank, s.RamEnabled
	m.rtcEnabled, m.rtcSelect = s.RTCEnabled, s.RTCSelect
}
