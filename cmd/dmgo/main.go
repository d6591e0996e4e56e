// Command dmgo runs the DMG core either windowed (default) or headless,
// the latter for scripted test-ROM runs that assert a final-frame CRC32.
package main

import (
	"flag"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/quietvale/dmgo/internal/emu"
	"github.com/quietvale/dmgo/internal/ui"
)

type cliFlags struct {
	ROMPath string
	BootROM string
	Scale   int
	Title   string
	Trace   bool
	SaveRAM bool

	Headless bool
	Frames   int
	PNGOut   string
	Expect   string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.ROMPath, "rom", "", "path to ROM (.gb)")
	flag.StringVar(&f.BootROM, "bootrom", "", "boot ROM image (validated only; its code is never executed)")
	flag.IntVar(&f.Scale, "scale", 3, "window scale")
	flag.StringVar(&f.Title, "title", "dmgo", "window title")
	flag.BoolVar(&f.Trace, "trace", false, "log each CPU step")
	flag.BoolVar(&f.SaveRAM, "save", true, "persist battery RAM to ROM.sav on exit and load on start")

	flag.BoolVar(&f.Headless, "headless", false, "run without a window")
	flag.IntVar(&f.Frames, "frames", 300, "frames to run in headless mode")
	flag.StringVar(&f.PNGOut, "outpng", "", "write last framebuffer to PNG at path")
	flag.StringVar(&f.Expect, "expect", "", "assert framebuffer CRC32 (hex)")
	flag.Parse()
	if f.ROMPath == "" && flag.NArg() > 0 {
		f.ROMPath = flag.Arg(0)
	}
	return f
}

func runHeadless(m *emu.Machine, frames int, pngPath, expectCRC string) error {
	if frames <= 0 {
		frames = 1
	}

	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrame()
	}
	dur := time.Since(start)

	fb := m.Framebuffer()
	crc := crc32.ChecksumIEEE(fb)
	fps := float64(frames) / dur.Seconds()
	glog.Infof("headless: frames=%d elapsed=%s fps=%.2f fb_crc32=%08x", frames, dur.Truncate(time.Millisecond), fps, crc)

	if pngPath != "" {
		if err := saveFramePNG(fb, 160, 144, pngPath); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
		glog.Infof("wrote %s", pngPath)
	}

	if expectCRC != "" {
		want := strings.TrimPrefix(strings.ToLower(expectCRC), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func saveFramePNG(pix []byte, w, h int, path string) error {
	img := &image.RGBA{
		Pix:    make([]byte, len(pix)),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
	copy(img.Pix, pix)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func validateBootROM(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		glog.Fatalf("read boot ROM %s: %v", path, err)
	}
	if len(data) != 0x100 {
		glog.Fatalf("boot ROM %s: want 256 bytes, got %d", path, len(data))
	}
	glog.Infof("boot ROM %s validated, not executed (post-boot register state is used instead)", path)
}

func savPathFor(romPath string) string {
	if romPath == "" {
		return ""
	}
	return strings.TrimSuffix(romPath, filepath.Ext(romPath)) + ".sav"
}

func main() {
	f := parseFlags()
	validateBootROM(f.BootROM)

	m := emu.New(emu.Config{Trace: f.Trace, LimitFPS: !f.Headless})

	if f.ROMPath == "" {
		glog.Fatalf("no ROM given; pass -rom <path>")
	}
	if err := m.LoadROMFromFile(f.ROMPath); err != nil {
		glog.Fatalf("load cartridge: %v", err)
	}

	savPath := ""
	if f.SaveRAM {
		savPath = savPathFor(f.ROMPath)
		if data, err := os.ReadFile(savPath); err == nil {
			if m.LoadBattery(data) {
				glog.Infof("loaded save RAM: %s (%d bytes)", savPath, len(data))
			}
		}
	}

	writeBattery := func() {
		if !f.SaveRAM || savPath == "" {
			return
		}
		if data, ok := m.SaveBattery(); ok {
			if err := os.WriteFile(savPath, data, 0644); err != nil {
				glog.Infof("write %s: %v", savPath, err)
			} else {
				glog.Infof("wrote %s", savPath)
			}
		}
	}

	if f.Headless {
		if err := runHeadless(m, f.Frames, f.PNGOut, f.Expect); err != nil {
			glog.Fatal(err)
		}
		writeBattery()
		return
	}

	app := ui.NewApp(ui.Config{Title: f.Title, Scale: f.Scale}, m)
	if err := app.Run(); err != nil {
		glog.Fatal(err)
	}
	writeBattery()
}
