package ui

import (
	"encoding/binary"
	"time"

	"github.com/quietvale/dmgo/internal/emu"
)

// apuStream implements io.Reader by pulling stereo float32 samples from the
// emulator's APU ring buffer and converting them to 16-bit little-endian
// stereo PCM frames for ebiten's audio player.
type apuStream struct {
	m          *emu.Machine
	lowLatency bool

	left, right []float32
}

func newAPUStream(m *emu.Machine, lowLatency bool) *apuStream {
	cap := 2048
	return &apuStream{m: m, lowLatency: lowLatency, left: make([]float32, cap), right: make([]float32, cap)}
}

func (s *apuStream) Read(p []byte) (int, error) {
	if len(p) < 4 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	maxFrames := len(p) / 4
	capFrames := 2048
	if s.lowLatency {
		capFrames = 1024
	}
	if maxFrames > capFrames {
		maxFrames = capFrames
	}
	if maxFrames > len(s.left) {
		maxFrames = len(s.left)
	}

	if s.m.APUBuffered() == 0 {
		deadline := time.Now().Add(8 * time.Millisecond)
		for s.m.APUBuffered() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	n := s.m.APUPullStereo(s.left[:maxFrames], s.right[:maxFrames])
	for i := 0; i < n; i++ {
		l := int16(clampSample(s.left[i]) * 32767)
		r := int16(clampSample(s.right[i]) * 32767)
		binary.LittleEndian.PutUint16(p[i*4:], uint16(l))
		binary.LittleEndian.PutUint16(p[i*4+2:], uint16(r))
	}
	for i := n * 4; i < len(p); i++ {
		p[i] = 0
	}
	if n == 0 {
		return len(p), nil
	}
	return n * 4, nil
}

func clampSample(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
