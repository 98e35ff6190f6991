package serialbridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/soypat/winc1500/m2m"
)

// bridgeEmu emulates the bridge firmware and the chip memory behind it.
type bridgeEmu struct {
	out bytes.Buffer

	frame   []byte
	inFrame bool
	// pending block write.
	wrAddr uint32
	wrLeft int
	wrData []byte

	regs  map[uint32]uint32
	mem   map[uint32]byte
	baud  uint32
	syncs int
	boots int
	sizes []uint16

	silent   bool
	nackNext int
	nackData int
}

func newEmu() *bridgeEmu {
	return &bridgeEmu{regs: make(map[uint32]uint32), mem: make(map[uint32]byte)}
}

func (e *bridgeEmu) Read(b []byte) (int, error) {
	if e.out.Len() == 0 {
		return 0, io.EOF
	}
	return e.out.Read(b)
}

func (e *bridgeEmu) Write(b []byte) (int, error) {
	for _, c := range b {
		e.feed(c)
	}
	return len(b), nil
}

func (e *bridgeEmu) feed(c byte) {
	if e.silent {
		return
	}
	switch {
	case e.wrLeft > 0:
		e.wrData = append(e.wrData, c)
		e.wrLeft--
		if e.wrLeft == 0 {
			e.finishWrite()
		}
	case e.inFrame:
		e.frame = append(e.frame, c)
		if len(e.frame) == frameLen-1 {
			e.inFrame = false
			e.exec(e.frame)
			e.frame = e.frame[:0]
		}
	case c == opSync:
		e.syncs++
		e.out.WriteByte(syncAck)
	case c == opReboot:
		e.boots++
	case c == opFrame:
		e.inFrame = true
	case c == 0xff:
	default:
		e.out.WriteByte(0xea)
	}
}

func (e *bridgeEmu) exec(f []byte) {
	var sum byte
	for _, v := range f {
		sum ^= v
	}
	if sum != 0 || e.nackNext > 0 {
		if e.nackNext > 0 {
			e.nackNext--
		}
		e.out.WriteByte(nack)
		return
	}
	size := binary.LittleEndian.Uint16(f[2:])
	addr := binary.LittleEndian.Uint32(f[4:])
	val := binary.LittleEndian.Uint32(f[8:])
	switch f[0] {
	case cmdReadReg:
		e.out.WriteByte(ack)
		e.out.Write(binary.BigEndian.AppendUint32(nil, e.regs[addr]))
	case cmdWriteReg:
		e.regs[addr] = val
		e.out.WriteByte(ack)
	case cmdReadBlock:
		e.sizes = append(e.sizes, size)
		e.out.WriteByte(ack)
		for i := uint32(0); i < uint32(size); i++ {
			e.out.WriteByte(e.mem[addr+i])
		}
	case cmdWriteBlock:
		e.sizes = append(e.sizes, size)
		e.out.WriteByte(ack)
		e.wrAddr = addr
		e.wrLeft = int(size)
		e.wrData = e.wrData[:0]
	case cmdSetBaud:
		e.baud = val
		e.out.WriteByte(ack)
	default:
		e.out.WriteByte(nack)
	}
}

func (e *bridgeEmu) finishWrite() {
	if e.nackData > 0 {
		e.nackData--
		e.out.WriteByte(nack)
		return
	}
	for i, v := range e.wrData {
		e.mem[e.wrAddr+uint32(i)] = v
	}
	e.out.WriteByte(ack)
}

func TestFrameChecksum(t *testing.T) {
	var f [frameLen]byte
	putFrame(f[:], cmdWriteBlock, 0x0400, 0x00150400, 0xdeadbeef)
	want := []byte{0xa5, 3, 0, 0x00, 0x04, 0x00, 0x04, 0x15, 0x00, 0xef, 0xbe, 0xad, 0xde}
	var sum byte
	for _, v := range f[1:] {
		sum ^= v
	}
	if sum != 0 {
		t.Fatalf("frame does not xor to zero: %x", f)
	}
	want[2] = f[2]
	if !bytes.Equal(f[:], want) {
		t.Errorf("got %x, want %x", f, want)
	}
	if f[2] == 0 {
		t.Error("checksum byte not set")
	}
}

func TestInitSync(t *testing.T) {
	emu := newEmu()
	b := New(emu, Config{Baud: 115200})
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	if emu.syncs != 1 {
		t.Errorf("want 1 sync, got %d", emu.syncs)
	}
	emu.silent = true
	err := b.Init()
	if !errors.Is(err, m2m.ErrBusFail) {
		t.Errorf("silent bridge: want bus failure, got %v", err)
	}
}

func TestRegisters(t *testing.T) {
	emu := newEmu()
	b := New(emu, Config{})
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	emu.regs[0x1000] = 0x001003a0
	v, err := b.ReadReg(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x001003a0 {
		t.Errorf("read %#x", v)
	}
	if err := b.WriteReg(0x108c, 0x12345678); err != nil {
		t.Fatal(err)
	}
	if emu.regs[0x108c] != 0x12345678 {
		t.Errorf("register holds %#x", emu.regs[0x108c])
	}
}

func TestRetryAfterNack(t *testing.T) {
	emu := newEmu()
	b := New(emu, Config{})
	emu.regs[4] = 7
	emu.nackNext = 2
	v, err := b.ReadReg(4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("read %d", v)
	}
	if emu.syncs != 2 {
		t.Errorf("want a resync per retry, got %d", emu.syncs)
	}

	emu.nackNext = retryCount
	err = b.WriteReg(4, 1)
	if !errors.Is(err, m2m.ErrBusFail) || !errors.Is(err, errNack) {
		t.Errorf("want joined bus failure and nack, got %v", err)
	}
	if emu.regs[4] != 7 {
		t.Error("register written despite nack")
	}
}

func TestBlocks(t *testing.T) {
	emu := newEmu()
	b := New(emu, Config{})
	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i * 7)
	}
	const addr = 0x30000
	if err := b.WriteBlock(addr, data); err != nil {
		t.Fatal(err)
	}
	wantSizes := []uint16{MaxBlock, MaxBlock, 452}
	if len(emu.sizes) != 3 || emu.sizes[0] != wantSizes[0] || emu.sizes[2] != wantSizes[2] {
		t.Errorf("write chunks %v, want %v", emu.sizes, wantSizes)
	}
	got := make([]byte, len(data))
	emu.sizes = nil
	if err := b.ReadBlock(addr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back mismatch")
	}
	if len(emu.sizes) != 3 {
		t.Errorf("read chunks %v", emu.sizes)
	}
	if err := b.ReadBlock(addr, nil); err == nil {
		t.Error("empty read succeeded")
	}
}

func TestWriteBlockDataNack(t *testing.T) {
	emu := newEmu()
	b := New(emu, Config{})
	emu.nackData = 1
	data := []byte{1, 2, 3, 4}
	if err := b.WriteBlock(0x100, data); err != nil {
		t.Fatal(err)
	}
	if emu.mem[0x103] != 4 {
		t.Error("block not written on retry")
	}
	emu.nackData = retryCount
	err := b.WriteBlock(0x200, data)
	if !errors.Is(err, m2m.ErrBusFail) {
		t.Errorf("want bus failure, got %v", err)
	}
}

func TestSetBaudReboot(t *testing.T) {
	emu := newEmu()
	b := New(emu, Config{Baud: 115200})
	if err := b.SetBaud(921600); err != nil {
		t.Fatal(err)
	}
	if emu.baud != 921600 || b.Baud() != 921600 {
		t.Errorf("baud %d/%d", emu.baud, b.Baud())
	}
	if err := b.Reboot(); err != nil {
		t.Fatal(err)
	}
	if emu.boots != 1 {
		t.Error("bridge not rebooted")
	}
}
