// package serialbridge implements the WINC1500 register and memory bus over
// a UART connected to a microcontroller running the serial bridge firmware.
// The bridge forwards each framed request to the chip's SPI bus and answers
// with an acknowledge byte followed by any data read.
//
// It is used from a host computer to inspect a chip or program its flash
// without a native SPI peripheral.
package serialbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/winc1500/m2m"
)

// Bridge protocol bytes.
const (
	opSync   = 0x12
	opReboot = 0x13
	opFrame  = 0xa5

	syncAck = 0x5b
	ack     = 0xac
	nack    = 0x5a
)

// Frame commands, carried in the low byte of the frame's command word.
const (
	cmdReadReg    = 0
	cmdWriteReg   = 1
	cmdReadBlock  = 2
	cmdWriteBlock = 3
	cmdSetBaud    = 5
)

const (
	// frameLen is the opcode byte plus the 12 byte command.
	frameLen = 13
	// MaxBlock is the largest block moved in one frame. The bridge buffers
	// whole blocks in a 2 KiB queue shared with the command frame.
	MaxBlock = 1024

	retryCount = 3
	levelTrace = slog.LevelDebug - 1
)

var (
	errNack     = errors.New("serialbridge: request not acknowledged")
	errBadAck   = errors.New("serialbridge: unexpected acknowledge byte")
	errNoSync   = errors.New("serialbridge: bridge did not answer sync")
	errZeroSize = errors.New("serialbridge: zero length block")
)

// Config configures a Bus.
type Config struct {
	// Baud is the UART rate the port was opened at. It is informational,
	// SetBaud changes the rate on the bridge.
	Baud   int
	Logger *slog.Logger
}

// Bus is a WINC1500 bus over a serial bridge. Operations are serialized and a
// failed operation is retried after resynchronizing with the bridge.
type Bus struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	baud   int
	logger *slog.Logger
	frame  [frameLen]byte
	rsp    [4]byte
}

// New returns a Bus communicating with the bridge over rw, usually an open
// serial port. Reads from rw should time out rather than block forever.
func New(rw io.ReadWriter, cfg Config) *Bus {
	b := &Bus{rw: rw, baud: cfg.Baud}
	b.SetLogger(cfg.Logger)
	return b
}

// SetLogger sets the logger for retries and failures. A nil logger disables
// logging.
func (b *Bus) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Baud returns the UART rate last configured on the bridge.
func (b *Bus) Baud() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baud
}

// Init synchronizes with the bridge.
func (b *Bus) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for retry := retryCount - 1; retry >= 0; retry-- {
		err = b.sync()
		if err == nil {
			return nil
		}
		b.warn("serialbridge:sync-retry", slog.Int("retry", retry), slog.String("err", err.Error()))
	}
	return b.busfail("Init", 0, err)
}

// Reset resynchronizes with the bridge.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.sync()
	if err != nil {
		return b.busfail("Reset", 0, err)
	}
	return nil
}

// Reboot restarts the bridge microcontroller. The bridge must be synchronized
// again with Init once it is back up.
func (b *Bus) Reboot() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.rw.Write([]byte{opReboot})
	return err
}

func (b *Bus) ReadReg(addr uint32) (v uint32, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for retry := retryCount - 1; retry >= 0; retry-- {
		v, err = b.readReg(addr)
		if err == nil {
			return v, nil
		}
		b.resetAndRetry("ReadReg", retry, addr, err)
	}
	return 0, b.busfail("ReadReg", addr, err)
}

func (b *Bus) WriteReg(addr, v uint32) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for retry := retryCount - 1; retry >= 0; retry-- {
		err = b.request(cmdWriteReg, 0, addr, v)
		if err == nil {
			return nil
		}
		b.resetAndRetry("WriteReg", retry, addr, err)
	}
	return b.busfail("WriteReg", addr, err)
}

// ReadBlock reads len(buf) bytes of chip memory starting at addr, in frames of
// at most MaxBlock bytes.
func (b *Bus) ReadBlock(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return errZeroSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(buf) > 0 {
		chunk := buf[:min(len(buf), MaxBlock)]
		var err error
		for retry := retryCount - 1; retry >= 0; retry-- {
			err = b.readBlock(addr, chunk)
			if err == nil {
				break
			}
			b.resetAndRetry("ReadBlock", retry, addr, err)
		}
		if err != nil {
			return b.busfail("ReadBlock", addr, err)
		}
		addr += uint32(len(chunk))
		buf = buf[len(chunk):]
	}
	return nil
}

// WriteBlock writes buf to chip memory starting at addr, in frames of at most
// MaxBlock bytes.
func (b *Bus) WriteBlock(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return errZeroSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(buf) > 0 {
		chunk := buf[:min(len(buf), MaxBlock)]
		var err error
		for retry := retryCount - 1; retry >= 0; retry-- {
			err = b.writeBlock(addr, chunk)
			if err == nil {
				break
			}
			b.resetAndRetry("WriteBlock", retry, addr, err)
		}
		if err != nil {
			return b.busfail("WriteBlock", addr, err)
		}
		addr += uint32(len(chunk))
		buf = buf[len(chunk):]
	}
	return nil
}

// SetBaud switches the bridge UART to baud. The caller must reconfigure the
// host side of the port to the same rate before the next operation.
func (b *Bus) SetBaud(baud uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.request(cmdSetBaud, 0, 0, baud)
	if err != nil {
		return b.busfail("SetBaud", 0, err)
	}
	b.baud = int(baud)
	b.debug("serialbridge:baud", slog.Int("baud", b.baud))
	// The bridge restarts its UART after acknowledging.
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (b *Bus) sync() error {
	_, err := b.rw.Write([]byte{opSync})
	if err != nil {
		return err
	}
	rsp := b.rsp[:1]
	_, err = io.ReadFull(b.rw, rsp)
	if err != nil {
		return err
	}
	if rsp[0] != syncAck {
		return errNoSync
	}
	return nil
}

func (b *Bus) readReg(addr uint32) (uint32, error) {
	err := b.request(cmdReadReg, 0, addr, 0)
	if err != nil {
		return 0, err
	}
	rsp := b.rsp[:4]
	_, err = io.ReadFull(b.rw, rsp)
	if err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(rsp)
	b.trace("serialbridge:read-reg", slog.Uint64("addr", uint64(addr)), slog.Uint64("val", uint64(v)))
	return v, nil
}

func (b *Bus) readBlock(addr uint32, buf []byte) error {
	err := b.request(cmdReadBlock, uint16(len(buf)), addr, 0)
	if err != nil {
		return err
	}
	_, err = io.ReadFull(b.rw, buf)
	return err
}

func (b *Bus) writeBlock(addr uint32, buf []byte) error {
	err := b.request(cmdWriteBlock, uint16(len(buf)), addr, 0)
	if err != nil {
		return err
	}
	_, err = b.rw.Write(buf)
	if err != nil {
		return err
	}
	return b.readAck()
}

// request sends a frame and waits for its acknowledge.
func (b *Bus) request(cmd uint8, size uint16, addr, val uint32) error {
	b.putFrame(cmd, size, addr, val)
	_, err := b.rw.Write(b.frame[:])
	if err != nil {
		return err
	}
	return b.readAck()
}

func (b *Bus) readAck() error {
	rsp := b.rsp[:1]
	_, err := io.ReadFull(b.rw, rsp)
	if err != nil {
		return err
	}
	return checkAck(rsp[0])
}

func checkAck(c byte) error {
	switch c {
	case ack:
		return nil
	case nack:
		return errNack
	}
	return errBadAck
}

// putFrame encodes a request in b.frame. The checksum occupies the high byte
// of the command word so the 12 command bytes XOR to zero.
func (b *Bus) putFrame(cmd uint8, size uint16, addr, val uint32) {
	putFrame(b.frame[:], cmd, size, addr, val)
}

func putFrame(f []byte, cmd uint8, size uint16, addr, val uint32) {
	f[0] = opFrame
	c := f[1:frameLen]
	c[0] = cmd
	c[1] = 0
	binary.LittleEndian.PutUint16(c[2:], size)
	binary.LittleEndian.PutUint32(c[4:], addr)
	binary.LittleEndian.PutUint32(c[8:], val)
	var sum byte
	for _, v := range c {
		sum ^= v
	}
	c[1] = sum
}

func (b *Bus) resetAndRetry(op string, retry int, addr uint32, err error) {
	b.warn("serialbridge:reset-and-retry",
		slog.String("op", op),
		slog.Int("retry", retry),
		slog.Uint64("addr", uint64(addr)),
		slog.String("err", err.Error()),
	)
	b.sync()
}

func (b *Bus) busfail(op string, addr uint32, err error) error {
	b.logerr("serialbridge:bus-fail", slog.String("op", op), slog.Uint64("addr", uint64(addr)), slog.String("err", err.Error()))
	return errors.Join(m2m.ErrBusFail, err)
}

func (b *Bus) logerr(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelError, msg, attrs...)
}

func (b *Bus) warn(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelWarn, msg, attrs...)
}

func (b *Bus) debug(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelDebug, msg, attrs...)
}

func (b *Bus) trace(msg string, attrs ...slog.Attr) {
	b.logattrs(levelTrace, msg, attrs...)
}

func (b *Bus) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if b.logger != nil {
		b.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
