// Package cart decodes a raw Game Boy ROM image's header and builds the
// right memory-bank-controller implementation for it.
package cart

// Cartridge is the interface the bus needs for ROM/RAM banking.
// Addresses passed in are CPU addresses (0x0000-0x7FFF for ROM/MBC
// control, 0xA000-0xBFFF for external RAM).
type Cartridge interface {
	Read(addr uint16) byte
	Write(addr uint16, value byte)
	SaveState() []byte
	LoadState(data []byte)
}

// BatteryBacked is implemented by cartridges whose external RAM should
// survive across runs.
type BatteryBacked interface {
	SaveRAM() []byte
	LoadRAM(data []byte)
}

// NewCartridge builds the Cartridge implementation the header byte at
// 0x147 calls for. Unknown types fall back to MBC1 with 8 KiB of SRAM,
// matching how real unlicensed/test-ROM cartridges with a bad header byte
// are commonly treated.
func NewCartridge(rom []byte) Cartridge {
	h, err := ParseHeader(rom)
	if err != nil {
		return NewMBC1(rom, 8*1024)
	}
	switch h.CartType {
	case 0x00:
		return NewROMOnly(rom)
	case 0x01, 0x02, 0x03:
		return NewMBC1(rom, h.RAMSizeBytes)
	case 0x0F, 0x10, 0x11, 0x12, 0x13:
		return NewMBC3(rom, h.RAMSizeBytes)
	case 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E:
		return NewMBC5(rom, h.RAMSizeBytes)
	default:
		return NewMBC1(rom, 8*1024)
	}
}
