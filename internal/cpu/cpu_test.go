package cpu

import (
	"testing"

	"github.com/quietvale/dmgo/internal/bus"
)

func newCPUWithROM(code []byte) *CPU {
	rom := make([]byte, 0x8000)
	copy(rom, code)
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	return c
}

func TestCPU_ResetState(t *testing.T) {
	b := bus.New(make([]byte, 0x8000))
	c := New(b)
	if got := c.getAF(); got != 0x01B0 {
		t.Fatalf("AF got %#04x want 0x01B0", got)
	}
	if got := c.getBC(); got != 0x0013 {
		t.Fatalf("BC got %#04x want 0x0013", got)
	}
	if got := c.getDE(); got != 0x00D8 {
		t.Fatalf("DE got %#04x want 0x00D8", got)
	}
	if got := c.getHL(); got != 0x014D {
		t.Fatalf("HL got %#04x want 0x014D", got)
	}
	if c.SP != 0xFFFE || c.PC != 0x0100 || c.IME {
		t.Fatalf("SP=%#04x PC=%#04x IME=%v", c.SP, c.PC, c.IME)
	}
}

func TestCPU_NopAndPC(t *testing.T) {
	c := newCPUWithROM([]byte{0x00}) // NOP
	if cycles := c.Step(); cycles != 4 {
		t.Fatalf("NOP cycles got %d want 4", cycles)
	}
	if c.PC != 1 {
		t.Fatalf("PC after NOP got %#04x want 0x0001", c.PC)
	}
}

func TestCPU_ADD_A_Carry(t *testing.T) {
	c := newCPUWithROM([]byte{0xC6, 0x01}) // ADD A,0x01
	c.A = 0xFF
	cycles := c.Step()
	if cycles != 8 {
		t.Fatalf("ADD A,d8 cycles got %d want 8", cycles)
	}
	if c.A != 0x00 || c.F&flagZ == 0 || c.F&flagN != 0 || c.F&flagH == 0 || c.F&flagC == 0 {
		t.Fatalf("ADD A carry: A=%02X F=%02X", c.A, c.F)
	}
}

func TestCPU_DAA_AfterBCDAdd(t *testing.T) {
	c := newCPUWithROM([]byte{0xC6, 0x38, 0x27}) // ADD A,0x38; DAA
	c.A = 0x45
	c.Step() // ADD
	if c.A != 0x7D || c.F&flagH != 0 || c.F&flagC != 0 {
		t.Fatalf("ADD A,0x38 intermediate: A=%02X F=%02X", c.A, c.F)
	}
	c.Step() // DAA
	if c.A != 0x83 || c.F&flagZ != 0 || c.F&flagN != 0 || c.F&flagH != 0 || c.F&flagC != 0 {
		t.Fatalf("DAA result: A=%02X F=%02X", c.A, c.F)
	}
}

func TestCPU_RotateCarryRoundTrip(t *testing.T) {
	c := newCPUWithROM([]byte{0x17, 0x1F}) // RLA; RRA
	c.A = 0x80
	c.F = 0
	c.Step() // RLA
	if c.A != 0x00 || c.F&flagZ != 0 || c.F&flagC == 0 {
		t.Fatalf("RLA: A=%02X F=%02X", c.A, c.F)
	}
	c.Step() // RRA
	if c.A != 0x80 || c.F&flagC != 0 {
		t.Fatalf("RRA: A=%02X F=%02X", c.A, c.F)
	}
}

func TestCPU_LD_A_d8_And_XOR_A(t *testing.T) {
	c := newCPUWithROM([]byte{0x3E, 0x12, 0xAF}) // LD A,0x12; XOR A
	c.Step()
	if c.A != 0x12 {
		t.Fatalf("A after LD got %02x want 12", c.A)
	}
	c.Step()
	if c.A != 0x00 {
		t.Fatalf("A after XOR got %02x want 00", c.A)
	}
	if c.F&flagZ == 0 {
		t.Fatalf("Z flag not set after XOR A")
	}
}

func TestCPU_LD_a16_A_and_LD_A_a16(t *testing.T) {
	prog := []byte{0x3E, 0x77, 0xEA, 0x00, 0xC0, 0x3E, 0x00, 0xFA, 0x00, 0xC0}
	c := newCPUWithROM(prog)
	c.Step() // LD A,77
	c.Step() // LD (C000),A
	if a := c.bus.Read(0xC000); a != 0x77 {
		t.Fatalf("WRAM at C000 got %02x want 77", a)
	}
	c.Step() // LD A,00
	c.Step() // LD A,(C000)
	if c.A != 0x77 {
		t.Fatalf("A after LD A,(C000) got %02x want 77", c.A)
	}
}

func TestCPU_JP_and_JR(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xC3
	rom[0x0001] = 0x10
	rom[0x0002] = 0x00
	rom[0x0010] = 0x18
	rom[0x0011] = 0xFE
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	cycles := c.Step()
	if cycles != 16 || c.PC != 0x0010 {
		t.Fatalf("JP cycles=%d PC=%#04x want cycles=16 PC=0x0010", cycles, c.PC)
	}
	pcBefore := c.PC
	c.Step()
	if c.PC != pcBefore {
		t.Fatalf("JR -2 PC got %#04x want %#04x", c.PC, pcBefore)
	}
}

func TestCPU_INC_B_Flags(t *testing.T) {
	c := newCPUWithROM([]byte{0x04, 0x04})
	c.B = 0x0F
	c.F = flagC
	c.Step()
	if c.B != 0x10 {
		t.Fatalf("INC B result got %02x want 10", c.B)
	}
	if c.F&flagH == 0 {
		t.Fatalf("INC B should set H flag")
	}
	if c.F&flagC == 0 {
		t.Fatalf("INC B should preserve C flag")
	}
	c.B = 0xFF
	c.Step()
	if c.B != 0x00 || c.F&flagZ == 0 {
		t.Fatalf("INC B to 0 should set Z flag, B=%02x, F=%02x", c.B, c.F)
	}
}

func TestCPU_CALL_RET(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xCD
	rom[0x0001] = 0x05
	rom[0x0002] = 0x00
	rom[0x0005] = 0xC9
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	c.Step()
	if c.PC != 0x0005 {
		t.Fatalf("PC after CALL got %04x want 0005", c.PC)
	}
	retCycles := c.Step()
	if c.PC != 0x0003 || retCycles != 16 {
		t.Fatalf("RET did not return to 0003; PC=%04x cyc=%d", c.PC, retCycles)
	}
}

func TestCPU_InterruptServiceAndHaltWake(t *testing.T) {
	rom := make([]byte, 0x8000)
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0100)

	c.IME = true
	b.Write(0xFFFF, 0x01)
	b.Write(0xFF0F, 0x01)

	cycles := c.Step()
	if cycles != 20 {
		t.Fatalf("expected 20 cycles for interrupt service, got %d", cycles)
	}
	if c.PC != 0x0040 {
		t.Fatalf("expected PC at 0x0040 vector, got %04X", c.PC)
	}
	if c.IME {
		t.Fatal("IME should be cleared after interrupt service")
	}

	// HALT wakes on a pending, unserviced interrupt without dispatching it.
	c.halted = true
	b.Write(0xFFFF, 0x02)
	b.Write(0xFF0F, 0x02)
	cyc := c.Step()
	if cyc != 4 {
		t.Fatalf("halt wake-without-service should take 4 cycles, got %d", cyc)
	}
	if c.halted {
		t.Fatal("HALT should clear when IF&IE != 0 even with IME=0")
	}
}

func TestCPU_HALT_IdlesWithoutPending(t *testing.T) {
	c := newCPUWithROM(nil)
	c.halted = true
	for i := 0; i < 5; i++ {
		if cyc := c.Step(); cyc != 4 {
			t.Fatalf("HALT idle cycles got %d want 4", cyc)
		}
		if !c.halted {
			t.Fatalf("HALT should remain set with no pending interrupt")
		}
	}
}

func TestCPU_EI_DelayedEnable(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xFB // EI
	rom[0x0001] = 0x00 // NOP
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	b.Write(0xFFFF, 0x01)
	b.Write(0xFF0F, 0x01)
	c.Step()
	if c.IME {
		t.Fatalf("IME should not be enabled immediately after EI")
	}
	cyc := c.Step()
	if c.PC != 0x0040 || cyc != 20 {
		t.Fatalf("interrupt not serviced after EI delay; PC=%04X cyc=%d", c.PC, cyc)
	}
}

func TestCPU_STOP_ConsumesPadding(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0x10 // STOP
	rom[0x0001] = 0x00 // padding
	rom[0x0002] = 0x00 // NOP
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	cycles := c.Step()
	if cycles != 4 {
		t.Fatalf("STOP cycles got %d want 4", cycles)
	}
	if c.PC != 0x0002 {
		t.Fatalf("PC after STOP got %04X want 0002", c.PC)
	}
	c.Step()
	if c.PC != 0x0003 {
		t.Fatalf("PC after NOP got %04X want 0003", c.PC)
	}
}

func TestCPU_CB_Prefix_CyclesAndBehavior(t *testing.T) {
	rom := make([]byte, 0x8000)
	i := 0
	emit := func(b ...byte) { copy(rom[i:], b); i += len(b) }
	emit(0x21, 0x00, 0xC0)
	emit(0x36, 0x80)
	emit(0xCB, 0x7E) // BIT 7,(HL)
	emit(0xCB, 0xBE) // RES 7,(HL)
	emit(0xCB, 0xC6) // SET 0,(HL)
	emit(0xCB, 0x00) // RLC B

	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	c.Step()
	c.Step()
	cyc := c.Step()
	if cyc != 12 || c.F&flagZ != 0 {
		t.Fatalf("BIT 7,(HL) cycles/Z got cyc=%d F=%02X", cyc, c.F)
	}
	cyc = c.Step()
	if cyc != 16 || b.Read(0xC000) != 0x00 {
		t.Fatalf("RES 7,(HL) got cyc=%d mem=%02X", cyc, b.Read(0xC000))
	}
	cyc = c.Step()
	if cyc != 16 || b.Read(0xC000) != 0x01 {
		t.Fatalf("SET 0,(HL) got cyc=%d mem=%02X", cyc, b.Read(0xC000))
	}
	c.B = 0x80
	cyc = c.Step()
	if cyc != 8 || c.B != 0x01 || c.F&flagC == 0 {
		t.Fatalf("RLC B got cyc=%d B=%02X F=%02X", cyc, c.B, c.F)
	}
}

func TestCPU_ADD_HL_FlagsAndCarry(t *testing.T) {
	rom := make([]byte, 0x8000)
	i := 0
	emit := func(b ...byte) { copy(rom[i:], b); i += len(b) }
	emit(0x21, 0xFF, 0x0F)
	emit(0x01, 0x01, 0x00)
	emit(0x09)
	emit(0x21, 0xFF, 0xFF)
	emit(0x01, 0x01, 0x00)
	emit(0x09)

	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	c.F = flagZ
	c.Step()
	c.Step()
	c.F = flagZ
	c.Step()
	if c.F&flagZ == 0 || c.F&flagN != 0 || c.F&flagH == 0 || c.F&flagC != 0 {
		t.Fatalf("ADD HL,BC flags #1 F=%02X (expect Z=1 N=0 H=1 C=0)", c.F)
	}
	c.Step()
	c.Step()
	c.F = 0
	c.Step()
	if c.F&flagZ != 0 || c.F&flagN != 0 || c.F&flagH == 0 || c.F&flagC == 0 {
		t.Fatalf("ADD HL,BC flags #2 F=%02X (expect Z=0 N=0 H=1 C=1)", c.F)
	}
}

func TestCPU_16bit_INC_DEC_DoNotAffectFlags(t *testing.T) {
	rom := []byte{0x03, 0x0B, 0x23, 0x2B, 0x13, 0x1B, 0x33, 0x3B}
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	c.F = 0xF0
	for range rom {
		c.Step()
		if c.F != 0xF0 {
			t.Fatalf("16-bit INC/DEC should not change flags; F=%02X", c.F)
		}
	}
}

func TestCPU_Conditional_Cycles(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0x20
	rom[0x0001] = 0x02
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	c.F = 0x00
	cyc := c.Step()
	if cyc != 12 || c.PC != 0x0004 {
		t.Fatalf("JR NZ taken cycles/PC: cyc=%d PC=%04X", cyc, c.PC)
	}
	c.PC = 0x0000
	c.F = flagZ
	cyc = c.Step()
	if cyc != 8 || c.PC != 0x0002 {
		t.Fatalf("JR NZ not-taken cycles/PC: cyc=%d PC=%04X", cyc, c.PC)
	}

	rom[0x0010] = 0xD2
	rom[0x0011] = 0x34
	rom[0x0012] = 0x12
	c.PC = 0x0010
	c.F = 0x00
	cyc = c.Step()
	if cyc != 16 || c.PC != 0x1234 {
		t.Fatalf("JP NC taken cycles/PC: cyc=%d PC=%04X", cyc, c.PC)
	}
	c.PC = 0x0010
	c.F = flagC
	cyc = c.Step()
	if cyc != 12 || c.PC != 0x0013 {
		t.Fatalf("JP NC not-taken cycles/PC: cyc=%d PC=%04X", cyc, c.PC)
	}

	rom[0x0020] = 0xC4
	rom[0x0021] = 0x00
	rom[0x0022] = 0x40
	c.PC = 0x0020
	c.F = 0x00
	cyc = c.Step()
	if cyc != 24 || c.PC != 0x4000 {
		t.Fatalf("CALL NZ taken cycles/PC: cyc=%d PC=%04X", cyc, c.PC)
	}
	rom[0x4000] = 0xD8 // RET C
	c.F = flagC
	cyc = c.Step()
	if cyc != 20 {
		t.Fatalf("RET C taken cycles=%d", cyc)
	}
}

func TestCPU_ADC_SBC_HalfCarry(t *testing.T) {
	c := newCPUWithROM([]byte{0x3E, 0x0F, 0xCE, 0x00}) // LD A,0F; ADC A,00
	c.F = flagC
	c.Step()
	c.Step()
	if c.A != 0x10 || c.F&flagH == 0 || c.F&flagC != 0 {
		t.Fatalf("ADC half-carry failed: A=%02X F=%02X", c.A, c.F)
	}

	c2 := newCPUWithROM([]byte{0x3E, 0x10, 0xDE, 0x01}) // LD A,10; SBC A,01
	c2.F = 0x00
	c2.Step()
	c2.Step()
	if c2.A != 0x0F || c2.F&flagH == 0 || c2.F&flagC != 0 {
		t.Fatalf("SBC half-borrow failed: A=%02X F=%02X", c2.A, c2.F)
	}

	c3 := newCPUWithROM([]byte{0x3E, 0x00, 0xDE, 0x01})
	c3.F = 0x00
	c3.Step()
	c3.Step()
	if c3.A != 0xFF || c3.F&flagH == 0 || c3.F&flagC == 0 {
		t.Fatalf("SBC borrow flags failed: A=%02X F=%02X", c3.A, c3.F)
	}
}

func TestCPU_LD_HL_SP_plus_r8_and_ADD_SP_r8_Flags(t *testing.T) {
	rom := []byte{
		0x31, 0x0F, 0xFF, // LD SP,FF0F
		0xF8, 0xFF, // LD HL,SP-1
		0xE8, 0x01, // ADD SP,+1
		0xE8, 0xFE, // ADD SP,-2
	}
	c := newCPUWithROM(rom)
	c.Step() // LD SP
	c.Step() // LD HL,SP-1
	if c.getHL() != 0xFF0E || c.F&flagH == 0 || c.F&flagC == 0 {
		t.Fatalf("LD HL,SP-1 flags/HL wrong: HL=%04X F=%02X", c.getHL(), c.F)
	}
	c.Step()
	if c.SP != 0xFF10 || c.F&flagH == 0 || c.F&flagC != 0 {
		t.Fatalf("ADD SP,+1 flags/SP wrong: SP=%04X F=%02X", c.SP, c.F)
	}
	c.Step()
	if c.SP != 0xFF0E || c.F&flagH != 0 || c.F&flagC == 0 {
		t.Fatalf("ADD SP,-2 flags/SP wrong: SP=%04X F=%02X", c.SP, c.F)
	}
}

func TestCPU_POP_AF_MasksFlagsLowNibble(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xF5
	rom[0x0001] = 0xF1
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	c.A = 0x12
	c.F = 0xF0
	c.Step()
	sp := c.SP
	b.Write(sp, 0x34)
	b.Write(sp+1, 0x12)
	c.Step()
	if c.A != 0x12 {
		t.Fatalf("POP AF A got %02X want 12", c.A)
	}
	if c.F&0x0F != 0x00 {
		t.Fatalf("POP AF should clear low nibble of F, got F=%02X", c.F)
	}
}

func TestCPU_UnprefixedRotates_ClearZ(t *testing.T) {
	rom := []byte{0x07, 0x0F, 0x17, 0x1F}
	c := newCPUWithROM(rom)
	c.A = 0x00
	c.F = flagZ
	c.Step()
	if c.F&flagZ != 0 {
		t.Fatalf("RLCA should clear Z, F=%02X", c.F)
	}
	c.F = flagZ
	c.Step()
	if c.F&flagZ != 0 {
		t.Fatalf("RRCA should clear Z, F=%02X", c.F)
	}
	c.F = flagZ | flagC
	c.Step()
	if c.F&flagZ != 0 {
		t.Fatalf("RLA should clear Z, F=%02X", c.F)
	}
	c.F = flagC
	c.Step()
	if c.F&flagZ != 0 {
		t.Fatalf("RRA should clear Z, F=%02X", c.F)
	}
}

func TestCPU_CCF_SCF_CPL_Flags(t *testing.T) {
	rom := []byte{0x3E, 0x00, 0x37, 0x3F, 0x2F}
	c := newCPUWithROM(rom)
	c.F = flagZ
	c.Step() // LD A,00
	c.Step() // SCF
	if c.F&flagC == 0 || c.F&flagZ == 0 || c.F&(flagN|flagH) != 0 {
		t.Fatalf("SCF flags unexpected F=%02X", c.F)
	}
	c.Step() // CCF
	if c.F&flagC != 0 || c.F&flagZ == 0 || c.F&(flagN|flagH) != 0 {
		t.Fatalf("CCF flags unexpected F=%02X", c.F)
	}
	prevC := c.F & flagC
	prevZ := c.F & flagZ
	c.Step() // CPL
	if c.A != 0xFF {
		t.Fatalf("CPL A got %02X want FF", c.A)
	}
	if c.F&(flagN|flagH) != (flagN | flagH) || c.F&flagC != prevC || c.F&flagZ != prevZ {
		t.Fatalf("CPL flags unexpected F=%02X", c.F)
	}
}

func TestCPU_RETI_EnablesIME_AndCycles(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0040] = 0xD9 // RETI
	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0100)
	c.IME = true
	b.Write(0xFFFF, 0x01)
	b.Write(0xFF0F, 0x01)
	cyc := c.Step()
	if cyc != 20 || c.PC != 0x0040 {
		t.Fatalf("interrupt service failed: cyc=%d PC=%04X", cyc, c.PC)
	}
	if c.IME {
		t.Fatalf("IME should be cleared during ISR, got IME=true")
	}
	cyc = c.Step()
	if cyc != 16 {
		t.Fatalf("RETI cycles got %d want 16", cyc)
	}
	if !c.IME {
		t.Fatalf("RETI should enable IME immediately")
	}
}

func TestCPU_LD_r_from_HL_CyclesAndBehavior(t *testing.T) {
	rom := make([]byte, 0x8000)
	i := 0
	emit := func(bts ...byte) { copy(rom[i:], bts); i += len(bts) }
	emit(0x21, 0x00, 0xC0, 0x46)
	emit(0x21, 0x00, 0xC0, 0x4E)
	emit(0x21, 0x00, 0xC0, 0x56)

	b := bus.New(rom)
	c := New(b)
	c.SetPC(0x0000)
	b.Write(0xC000, 0x5A)

	if cyc := c.Step(); cyc != 12 || c.getHL() != 0xC000 {
		t.Fatalf("LD HL,d16 failed: cyc=%d HL=%04X", cyc, c.getHL())
	}
	if cyc := c.Step(); cyc != 8 || c.B != 0x5A {
		t.Fatalf("LD B,(HL) cyc=%d B=%02X", cyc, c.B)
	}
	if cyc := c.Step(); cyc != 12 || c.getHL() != 0xC000 {
		t.Fatalf("LD HL,d16 failed: cyc=%d HL=%04X", cyc, c.getHL())
	}
	if cyc := c.Step(); cyc != 8 || c.C != 0x5A {
		t.Fatalf("LD C,(HL) cyc=%d C=%02X", cyc, c.C)
	}
	if cyc := c.Step(); cyc != 12 || c.getHL() != 0xC000 {
		t.Fatalf("LD HL,d16 failed: cyc=%d HL=%04X", cyc, c.getHL())
	}
	if cyc := c.Step(); cyc != 8 || c.D != 0x5A {
		t.Fatalf("LD D,(HL) cyc=%d D=%02X", cyc, c.D)
	}
}

func TestCPU_SaveStateRoundTrip(t *testing.T) {
	c := newCPUWithROM([]byte{0x00})
	c.A, c.B = 0x42, 0x24
	c.PC, c.SP = 0x1234, 0xCAFE
	c.IME = true
	data, err := c.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	other := newCPUWithROM([]byte{0x00})
	if err := other.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if other.A != 0x42 || other.B != 0x24 || other.PC != 0x1234 || other.SP != 0xCAFE || !other.IME {
		t.Fatalf("restored CPU state mismatch: A=%02X B=%02X PC=%04X SP=%04X IME=%v",
			other.A, other.B, other.PC, other.SP, other.IME)
	}
}
