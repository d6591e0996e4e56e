// Package emu wires the bus, CPU, and the cartridge loader into a single
// steppable machine: the thing cmd/dmgo and internal/ui actually drive.
package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/quietvale/dmgo/internal/bus"
	"github.com/quietvale/dmgo/internal/cart"
	"github.com/quietvale/dmgo/internal/cpu"
)

// frameDuration is one DMG frame's worth of wall-clock time at the real
// 4.194304 MHz clock (70224 clocks/frame), used to pace StepFrame when the
// caller asks for real-time playback rather than free-running speed.
const frameDuration = 16742706 * time.Nanosecond

// Buttons is the host-facing joypad state for one frame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// Machine is a cartridge loaded into one bus+CPU pair, stepped one frame
// at a time. It owns no rendering; callers pull pixels via Framebuffer
// and audio via APUPullStereo.
type Machine struct {
	cfg     Config
	bus     *bus.Bus
	cpu     *cpu.CPU
	romPath string

	lastFrame time.Time
}

func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// LoadCartridge builds the bus/CPU pair for rom and resets the CPU to the
// DMG post-boot register state (boot ROM execution is out of scope; a
// supplied boot image's code is never run).
func (m *Machine) LoadCartridge(rom []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return fmt.Errorf("emu: parse cartridge header: %w", err)
	}
	glog.Infof("cartridge %q type=%s rom=%dKiB ram=%dB", h.Title, h.CartTypeStr, h.ROMSizeBytes/1024, h.RAMSizeBytes)

	b := bus.New(rom)
	m.bus = b
	m.cpu = cpu.New(b)
	return nil
}

// LoadROMFromFile replaces the current cartridge with a ROM loaded from disk.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("emu: read ROM %s: %w", path, err)
	}
	if err := m.LoadCartridge(data); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the currently loaded ROM file path, if any.
func (m *Machine) ROMPath() string { return m.romPath }

// SetROMPath sets the current ROM path without reloading, for callers that
// already did their own load and just want the path remembered for .sav
// and save-state file naming.
func (m *Machine) SetROMPath(path string) { m.romPath = path }

// SaveBattery returns the cartridge's external RAM, if it is battery-backed.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m == nil || m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// LoadBattery restores external RAM bytes into the cartridge, if supported.
func (m *Machine) LoadBattery(data []byte) bool {
	if m == nil || m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// StepFrame runs the CPU until the PPU latches VBlank entry, i.e. one
// rendered frame's worth of clocks (roughly 70224, but driven by the PPU's
// own state machine rather than a fixed budget). When cfg.LimitFPS is set
// it then sleeps out the remainder of the frame's wall-clock budget, so
// callers that don't already pace themselves (a headless loop, an audio-
// driven host) still play back at real DMG speed.
func (m *Machine) StepFrame() {
	if m.cpu == nil {
		return
	}
	for {
		if m.cfg.Trace {
			glog.Infof("PC=%04X SP=%04X AF=%02X%02X", m.cpu.PC, m.cpu.SP, m.cpu.A, m.cpu.F)
		}
		m.cpu.Step()
		if m.bus.PPU().FrameReady() {
			break
		}
	}
	if !m.cfg.LimitFPS {
		return
	}
	if !m.lastFrame.IsZero() {
		if sleep := frameDuration - time.Since(m.lastFrame); sleep > 0 {
			time.Sleep(sleep)
		}
	}
	m.lastFrame = time.Now()
}

// Framebuffer returns the packed RGBA8888 pixels of the most recently
// rendered frame.
func (m *Machine) Framebuffer() []byte {
	if m.bus == nil {
		return nil
	}
	return m.bus.PPU().Framebuffer()
}

// SetSerialWriter connects an io.Writer to receive bytes written to the
// serial port (FF01/FF02), the mechanism most test ROMs use to report
// pass/fail.
func (m *Machine) SetSerialWriter(w interface{ Write([]byte) (int, error) }) {
	if m != nil && m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// APUPullStereo drains up to len(outL) stereo sample pairs from the APU's
// ring buffer into outL/outR, returning the count actually pulled.
func (m *Machine) APUPullStereo(outL, outR []float32) int {
	if m == nil || m.bus == nil {
		return 0
	}
	return m.bus.APU().PullStereo(outL, outR)
}

// APUBuffered reports how many stereo sample pairs are queued.
func (m *Machine) APUBuffered() int {
	if m == nil || m.bus == nil {
		return 0
	}
	return m.bus.APU().Buffered()
}

// SetButtons updates the joypad's held d-pad and button masks for the next
// instructions the CPU executes.
func (m *Machine) SetButtons(b Buttons) {
	if m.bus == nil {
		return
	}
	var dpad, buttons byte
	if b.Right {
		dpad |= bus.JoypRight
	}
	if b.Left {
		dpad |= bus.JoypLeft
	}
	if b.Up {
		dpad |= bus.JoypUp
	}
	if b.Down {
		dpad |= bus.JoypDown
	}
	if b.A {
		buttons |= bus.JoypA
	}
	if b.B {
		buttons |= bus.JoypB
	}
	if b.Select {
		buttons |= bus.JoypSelectBtn
	}
	if b.Start {
		buttons |= bus.JoypStart
	}
	m.bus.SetJoypadState(dpad, buttons)
}

type machineState struct {
	Bus []byte
	CPU []byte
}

// SaveState serialises the whole machine (bus, including the cartridge's
// banking state, plus the CPU) as one gob blob.
func (m *Machine) SaveState() ([]byte, error) {
	if m == nil || m.bus == nil || m.cpu == nil {
		return nil, fmt.Errorf("emu: no cartridge loaded")
	}
	busData, err := m.bus.SaveState()
	if err != nil {
		return nil, err
	}
	cpuData, err := m.cpu.SaveState()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(machineState{Bus: busData, CPU: cpuData}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Machine) LoadState(data []byte) error {
	if m == nil || m.bus == nil || m.cpu == nil {
		return fmt.Errorf("emu: no cartridge loaded")
	}
	var s machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if err := m.bus.LoadState(s.Bus); err != nil {
		return err
	}
	return m.cpu.LoadState(s.CPU)
}

func (m *Machine) SaveStateToFile(path string) error {
	data, err := m.SaveState()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
