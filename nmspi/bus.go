// package nmspi implements the ATWINC1500 SPI bus protocol: CRC7 protected
// command frames, chunked data transfers and the reset-and-retry policy the
// chip requires to recover from a desynchronized bus.
package nmspi

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/winc1500/m2m"
	"golang.org/x/exp/constraints"
	"tinygo.org/x/drivers"
)

const (
	// retryCount is the number of attempts of a register or block operation.
	retryCount = 10
	// respRetryCount bounds the polling for command and data responses.
	respRetryCount = 10

	levelTrace = slog.LevelDebug - 1
)

var (
	errCmdRsp      = errors.New("nmspi: no command response")
	errCmdState    = errors.New("nmspi: bad command state response")
	errDataRsp     = errors.New("nmspi: no data response")
	errBlockRsp    = errors.New("nmspi: bad block write response")
	errEmptyBuffer = errors.New("nmspi: empty buffer")
)

// Config configures a Bus.
type Config struct {
	// CRCDisabled is set when the chip's SPI protocol is known to run with
	// CRC checks disabled, for example after a host reset without a chip
	// reset. Init then skips probing with CRC enabled.
	CRCDisabled bool
	Logger      *slog.Logger
}

// Bus is a WINC1500 SPI bus. Every register and block operation is serialized
// by a mutex held across its retries, so a reset-and-retry sequence is never
// interleaved with another caller's transfer.
type Bus struct {
	mu            sync.Mutex
	spi           drivers.SPI
	cs            func(bool)
	crcOff        bool
	cfgCRCOff     bool
	logger        *slog.Logger
	_traceenabled bool
	cmdbuf        [maxFrameLen]byte
	auxbuf        [4]byte
	rspbuf        [3]byte
}

// New returns a Bus over spi. cs drives the chip select line and is called
// with false to select the chip. cs may be nil if the SPI peripheral drives
// chip select.
func New(spi drivers.SPI, cs func(bool), cfg Config) *Bus {
	b := &Bus{
		spi:       spi,
		cs:        cs,
		cfgCRCOff: cfg.CRCDisabled,
		crcOff:    cfg.CRCDisabled,
	}
	b.SetLogger(cfg.Logger)
	return b
}

// SetLogger sets the logger for bus retries and failures. A nil logger
// disables logging.
func (b *Bus) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b._traceenabled = l != nil && l.Handler().Enabled(context.Background(), levelTrace)
	b.mu.Unlock()
}

// CRCEnabled reports whether command frames are currently sent with CRC.
func (b *Bus) CRCEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.crcOff
}

// Init configures the chip's SPI protocol. It disables CRC checks on the chip,
// sets the data packet size to 8 KiB and checks that the chip id can be read.
func (b *Bus) Init() error {
	b.mu.Lock()
	b.crcOff = b.cfgCRCOff
	b.mu.Unlock()

	reg, err := b.ReadReg(m2m.SPI_PROTOCOL_CONFIG)
	if err != nil && !b.cfgCRCOff {
		// Chip may have been left with CRC off by a previous session.
		b.warn("nmspi:init-crc-fallback", slog.String("err", err.Error()))
		b.setCRCOff(true)
		reg, err = b.ReadReg(m2m.SPI_PROTOCOL_CONFIG)
	}
	if err != nil {
		b.logerr("nmspi:init-protocol-read", slog.String("err", err.Error()))
		return err
	}
	if !b.CRCEnabled() {
		b.debug("nmspi:init crc already off")
	} else {
		reg &^= 0xc // CRC7 and data CRC enable bits.
		reg = setPktSize(reg)
		err = b.WriteReg(m2m.SPI_PROTOCOL_CONFIG, reg)
		if err != nil {
			b.logerr("nmspi:init-protocol-write", slog.String("err", err.Error()))
			return err
		}
		b.setCRCOff(true)
	}

	chipID, err := b.ReadReg(m2m.NMI_CHIPID)
	if err != nil {
		b.logerr("nmspi:init-chipid", slog.String("err", err.Error()))
		return err
	}
	b.debug("nmspi:init", slog.Uint64("chipid", uint64(chipID)))

	reg, err = b.ReadReg(m2m.SPI_PROTOCOL_CONFIG)
	if err != nil {
		return err
	}
	return b.WriteReg(m2m.SPI_PROTOCOL_CONFIG, setPktSize(reg))
}

// setPktSize sets the 8 KiB data packet size field of the protocol config.
func setPktSize(reg uint32) uint32 {
	const pktSizeMask = 0x7 << 4
	const pktSize8K = 5 << 4
	return reg&^pktSizeMask | pktSize8K
}

func (b *Bus) setCRCOff(off bool) {
	b.mu.Lock()
	b.crcOff = off
	b.mu.Unlock()
}

// Reset sends the SPI reset command to the chip. It is best effort and does
// not retry.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.cmd(Command{Cmd: CMD_RESET})
	if err != nil {
		return errors.Join(m2m.ErrBusFail, err)
	}
	b.cmdRsp(CMD_RESET)
	return nil
}

// ReadReg reads a 32 bit register.
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

// WriteReg writes a 32 bit register.
func (b *Bus) WriteReg(addr, v uint32) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for retry := retryCount - 1; retry >= 0; retry-- {
		err = b.writeReg(addr, v)
		if err == nil {
			return nil
		}
		b.resetAndRetry("WriteReg", retry, addr, err)
	}
	return b.busfail("WriteReg", addr, err)
}

// ReadBlock reads len(buf) bytes of chip memory starting at addr. Transfers
// are split in chunks of at most m2m.BUS_CHUNK_SZ bytes, each retried
// independently.
func (b *Bus) ReadBlock(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return errEmptyBuffer
	}
	if b._traceenabled {
		b.trace("nmspi:read-block", slog.Uint64("addr", uint64(addr)), slog.Uint64("chunks", uint64(ChunkCount(uint(len(buf))))))
	}
	for len(buf) > 0 {
		n := min(len(buf), m2m.BUS_CHUNK_SZ)
		err := b.readBlockRetry(addr, buf[:n])
		if err != nil {
			return err
		}
		addr += uint32(n)
		buf = buf[n:]
	}
	return nil
}

// WriteBlock writes buf to chip memory starting at addr. Transfers are split
// in chunks of at most m2m.BUS_CHUNK_SZ bytes, each retried independently.
func (b *Bus) WriteBlock(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return errEmptyBuffer
	}
	if b._traceenabled {
		b.trace("nmspi:write-block", slog.Uint64("addr", uint64(addr)), slog.Uint64("chunks", uint64(ChunkCount(uint(len(buf))))))
	}
	for len(buf) > 0 {
		n := min(len(buf), m2m.BUS_CHUNK_SZ)
		err := b.writeBlockRetry(addr, buf[:n])
		if err != nil {
			return err
		}
		addr += uint32(n)
		buf = buf[n:]
	}
	return nil
}

func (b *Bus) readBlockRetry(addr uint32, buf []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := buf
	if len(buf) == 1 {
		// The chip does not support single byte transfers.
		dst = b.auxbuf[:2]
	}
	for retry := retryCount - 1; retry >= 0; retry-- {
		err = b.readBlock(addr, dst)
		if err == nil {
			if len(buf) == 1 {
				buf[0] = dst[0]
			}
			return nil
		}
		b.resetAndRetry("ReadBlock", retry, addr, err)
	}
	return b.busfail("ReadBlock", addr, err)
}

func (b *Bus) writeBlockRetry(addr uint32, buf []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(buf) == 1 {
		b.auxbuf[0] = buf[0]
		b.auxbuf[1] = 0
		buf = b.auxbuf[:2]
	}
	for retry := retryCount - 1; retry >= 0; retry-- {
		err = b.writeBlock(addr, buf)
		if err == nil {
			return nil
		}
		b.resetAndRetry("WriteBlock", retry, addr, err)
	}
	return b.busfail("WriteBlock", addr, err)
}

func (b *Bus) resetAndRetry(op string, retry int, addr uint32, err error) {
	b.warn("nmspi:reset-and-retry",
		slog.String("op", op),
		slog.Int("retry", retry),
		slog.Uint64("addr", uint64(addr)),
		slog.String("err", err.Error()),
	)
	b.reset()
}

func (b *Bus) busfail(op string, addr uint32, err error) error {
	b.logerr("nmspi:bus-fail", slog.String("op", op), slog.Uint64("addr", uint64(addr)), slog.String("err", err.Error()))
	return errors.Join(m2m.ErrBusFail, err)
}

// reset resynchronizes the chip's SPI state machine. Errors are ignored since
// the operation is retried afterwards.
func (b *Bus) reset() {
	time.Sleep(time.Millisecond)
	b.cmd(Command{Cmd: CMD_RESET})
	b.cmdRsp(CMD_RESET)
	time.Sleep(time.Millisecond)
}

func (b *Bus) readReg(addr uint32) (uint32, error) {
	c := Command{Cmd: CMD_SINGLE_READ, Addr: addr, Size: 4}
	if addr <= 0xff {
		c.Cmd = CMD_INTERNAL_READ
		c.Clockless = true
	}
	err := b.cmd(c)
	if err != nil {
		return 0, err
	}
	err = b.cmdRsp(c.Cmd)
	if err != nil {
		return 0, err
	}
	tmp := b.auxbuf[:4]
	err = b.dataRead(tmp, c.Clockless)
	if err != nil {
		return 0, err
	}
	return uint32(tmp[0]) | uint32(tmp[1])<<8 | uint32(tmp[2])<<16 | uint32(tmp[3])<<24, nil
}

func (b *Bus) writeReg(addr, v uint32) error {
	c := Command{Cmd: CMD_SINGLE_WRITE, Addr: addr, Data: v, Size: 4}
	if addr <= 0x30 {
		c.Cmd = CMD_INTERNAL_WRITE
		c.Clockless = true
	}
	err := b.cmd(c)
	if err != nil {
		return err
	}
	if addr == m2m.NMI_GLB_RESET {
		// Chip resets and never responds.
		return nil
	}
	return b.cmdRsp(c.Cmd)
}

func (b *Bus) readBlock(addr uint32, buf []byte) error {
	c := Command{Cmd: CMD_DMA_EXT_READ, Addr: addr, Size: uint32(len(buf))}
	err := b.cmd(c)
	if err != nil {
		return err
	}
	err = b.cmdRsp(c.Cmd)
	if err != nil {
		return err
	}
	return b.dataRead(buf, false)
}

func (b *Bus) writeBlock(addr uint32, buf []byte) error {
	c := Command{Cmd: CMD_DMA_EXT_WRITE, Addr: addr, Size: uint32(len(buf))}
	err := b.cmd(c)
	if err != nil {
		return err
	}
	err = b.cmdRsp(c.Cmd)
	if err != nil {
		return err
	}
	err = b.dataWrite(buf)
	if err != nil {
		return err
	}
	n := 2
	if b.crcOff {
		n = 3
	}
	rsp := b.rspbuf[:n]
	err = b.read(rsp)
	if err != nil {
		return err
	}
	if rsp[n-1] != 0 || rsp[n-2] != byte(CMD_INTERNAL_WRITE) {
		return errBlockRsp
	}
	return nil
}

// cmd sends a command frame.
func (b *Bus) cmd(c Command) error {
	frame, err := c.AppendFrame(b.cmdbuf[:0], !b.crcOff)
	if err != nil {
		return err
	}
	if b._traceenabled {
		b.trace("nmspi:cmd", slog.String("cmd", c.Cmd.String()), slog.Uint64("addr", uint64(c.Addr)), slog.Uint64("size", uint64(c.Size)))
	}
	return b.write(frame)
}

// cmdRsp waits for the chip to echo the command byte followed by a zero state
// byte.
func (b *Bus) cmdRsp(c Cmd) error {
	var rsp [1]byte
	if c == CMD_RESET || c == CMD_TERMINATE || c == CMD_REPEAT {
		err := b.read(rsp[:])
		if err != nil {
			return err
		}
	}
	err := b.pollByte(rsp[:], func(v byte) bool { return v == byte(c) })
	if err != nil {
		return err
	}
	if rsp[0] != byte(c) {
		return errCmdRsp
	}
	err = b.pollByte(rsp[:], func(v byte) bool { return v == 0 })
	if err != nil {
		return err
	}
	if rsp[0] != 0 {
		return errCmdState
	}
	return nil
}

// pollByte reads single bytes into rsp until ok returns true or the retry
// bound is reached.
func (b *Bus) pollByte(rsp []byte, ok func(byte) bool) error {
	for i := 0; i <= respRetryCount; i++ {
		err := b.read(rsp[:1])
		if err != nil {
			return err
		}
		if ok(rsp[0]) {
			return nil
		}
	}
	return nil
}

// dataRead reads buf in chunks of at most dataPktSize. Each chunk is preceded
// by a data start byte and followed by a 2 byte CRC which is discarded.
func (b *Bus) dataRead(buf []byte, clockless bool) error {
	var crc [2]byte
	for len(buf) > 0 {
		n := min(len(buf), dataPktSize)
		var rsp [1]byte
		started := false
		for retry := 0; retry < respRetryCount; retry++ {
			err := b.read(rsp[:])
			if err != nil {
				return err
			}
			if rsp[0]&0xf0 == dataStartByte {
				started = true
				break
			}
		}
		if !started {
			return errDataRsp
		}
		err := b.read(buf[:n])
		if err != nil {
			return err
		}
		if !clockless && !b.crcOff {
			err = b.read(crc[:])
			if err != nil {
				return err
			}
		}
		buf = buf[n:]
	}
	return nil
}

// dataWrite writes buf in chunks of at most dataPktSize. Each chunk is
// preceded by a start byte carrying the chunk order and followed by a zeroed
// 2 byte CRC when CRC is enabled.
func (b *Bus) dataWrite(buf []byte) error {
	var crc [2]byte
	first := true
	for len(buf) > 0 {
		n := min(len(buf), dataPktSize)
		order := byte(orderLast)
		if len(buf) > dataPktSize {
			order = orderMiddle
			if first {
				order = orderFirst
			}
		}
		start := [1]byte{dataStartByte | order}
		err := b.write(start[:])
		if err != nil {
			return err
		}
		err = b.write(buf[:n])
		if err != nil {
			return err
		}
		if !b.crcOff {
			err = b.write(crc[:])
			if err != nil {
				return err
			}
		}
		first = false
		buf = buf[n:]
	}
	return nil
}

func (b *Bus) write(buf []byte) error {
	b.csEnable(true)
	err := b.spi.Tx(buf, nil)
	b.csEnable(false)
	return err
}

func (b *Bus) read(buf []byte) error {
	b.csEnable(true)
	err := b.spi.Tx(nil, buf)
	b.csEnable(false)
	return err
}

func (b *Bus) csEnable(enable bool) {
	if b.cs != nil {
		b.cs(!enable)
	}
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

// ChunkCount returns the number of bus chunks a transfer of size bytes is
// split into.
func ChunkCount[T constraints.Unsigned](size T) T {
	const chunk = m2m.BUS_CHUNK_SZ
	return (size + chunk - 1) / chunk
}
