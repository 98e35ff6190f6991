package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/soypat/winc1500/m2m"
)

type mapBus struct {
	regs map[uint32]uint32
	mem  map[uint32]byte
}

func (b *mapBus) Init() error  { return nil }
func (b *mapBus) Reset() error { return nil }

func (b *mapBus) ReadReg(addr uint32) (uint32, error) { return b.regs[addr], nil }

func (b *mapBus) WriteReg(addr, v uint32) error {
	b.regs[addr] = v
	return nil
}

func (b *mapBus) ReadBlock(addr uint32, buf []byte) error {
	for i := range buf {
		buf[i] = b.mem[addr+uint32(i)]
	}
	return nil
}

func (b *mapBus) WriteBlock(addr uint32, buf []byte) error {
	for i, v := range buf {
		b.mem[addr+uint32(i)] = v
	}
	return nil
}

func newTestShell() (*shell, *mapBus, *bytes.Buffer) {
	bus := &mapBus{regs: make(map[uint32]uint32), mem: make(map[uint32]byte)}
	var out bytes.Buffer
	return &shell{
		bus:    bus,
		out:    &out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, bus, &out
}

func TestPeekPoke(t *testing.T) {
	sh, bus, out := newTestShell()
	if err := sh.exec("poke 0x1084 0x10"); err != nil {
		t.Fatal(err)
	}
	if bus.regs[0x1084] != 0x10 {
		t.Errorf("register %#x", bus.regs[0x1084])
	}
	if err := sh.exec("peek 4228"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "0x00001084: 0x00000010\n" {
		t.Errorf("peek output %q", got)
	}
	bus.regs[m2m.NMI_CHIPID] = 0x1503a0
	out.Reset()
	if err := sh.exec("chipid"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "0x1503a0") {
		t.Errorf("chipid output %q", out.String())
	}
}

func TestExecErrors(t *testing.T) {
	sh, _, _ := newTestShell()
	tests := []struct {
		line  string
		usage bool
	}{
		{"peek", true},
		{"peek 1 2", true},
		{"peek zz", true},
		{"dump 0 0", true},
		{"dump 0 0x100000", true},
		{"frobnicate", false},
		{`peek "0x10`, false},
	}
	for _, tc := range tests {
		err := sh.exec(tc.line)
		if err == nil {
			t.Errorf("%q: expected error", tc.line)
		} else if tc.usage != errors.Is(err, errUsage) {
			t.Errorf("%q: unexpected error %v", tc.line, err)
		}
	}
	if err := sh.exec("   "); err != nil {
		t.Errorf("blank line: %v", err)
	}
	if err := sh.exec("quit"); err != errQuit {
		t.Errorf("quit: %v", err)
	}
	if err := sh.exec("baud 921600"); err == nil {
		t.Error("baud without port succeeded")
	}
}

func TestDump(t *testing.T) {
	sh, bus, out := newTestShell()
	for i, c := range []byte("WINC1500") {
		bus.mem[0x100+uint32(i)] = c
	}
	if err := sh.exec(`dump 0x100 "8"`); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "|WINC1500|") {
		t.Errorf("dump output %q", out.String())
	}
}

func TestWriteHex(t *testing.T) {
	sh, bus, out := newTestShell()
	const file = ":020000040003F7\n:0400000001020304F2\n:00000001FF\n"
	if err := sh.writeHex(strings.NewReader(file)); err != nil {
		t.Fatal(err)
	}
	for i, want := range []byte{1, 2, 3, 4} {
		if got := bus.mem[0x30000+uint32(i)]; got != want {
			t.Errorf("mem[%#x]=%d, want %d", 0x30000+i, got, want)
		}
	}
	if !strings.Contains(out.String(), "wrote 4 bytes") {
		t.Errorf("output %q", out.String())
	}
	if err := sh.writeHex(strings.NewReader(":0400000001020304FF\n")); err == nil {
		t.Error("bad checksum accepted")
	}
}

func TestRepl(t *testing.T) {
	sh, bus, out := newTestShell()
	sh.repl(strings.NewReader("poke 8 1\nbogus\nquit\npoke 8 2\n"))
	if bus.regs[8] != 1 {
		t.Errorf("register %d, commands after quit ran", bus.regs[8])
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("missing error in %q", out.String())
	}
}
