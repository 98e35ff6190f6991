package nmspi

import (
	"errors"
	"strconv"
)

// Cmd is the first byte of a host to chip SPI command frame.
type Cmd uint8

const (
	CMD_DMA_WRITE      Cmd = 0xc1
	CMD_DMA_READ       Cmd = 0xc2
	CMD_INTERNAL_WRITE Cmd = 0xc3
	CMD_INTERNAL_READ  Cmd = 0xc4
	CMD_TERMINATE      Cmd = 0xc5
	CMD_REPEAT         Cmd = 0xc6
	CMD_DMA_EXT_WRITE  Cmd = 0xc7
	CMD_DMA_EXT_READ   Cmd = 0xc8
	CMD_SINGLE_WRITE   Cmd = 0xc9
	CMD_SINGLE_READ    Cmd = 0xca
	CMD_RESET          Cmd = 0xcf
)

const (
	// maxFrameLen is the length of the longest command frame, CRC included.
	maxFrameLen = 9
	// dataPktSize is the maximum data chunk the chip is configured to accept.
	dataPktSize = 8 * 1024
	// Data chunk start markers. The low nibble is the chunk order.
	dataStartByte = 0xf0
	orderFirst    = 0x1
	orderMiddle   = 0x2
	orderLast     = 0x3
	// clocklessBit is set in the high address byte of internal commands.
	clocklessBit = 0x80
)

var (
	errUnknownCmd = errors.New("nmspi: unknown command")
	errBadCRC     = errors.New("nmspi: command CRC mismatch")
	errShortFrame = errors.New("nmspi: short command frame")
)

func (c Cmd) String() (s string) {
	switch c {
	case CMD_DMA_WRITE:
		s = "DMA_WRITE"
	case CMD_DMA_READ:
		s = "DMA_READ"
	case CMD_INTERNAL_WRITE:
		s = "INTERNAL_WRITE"
	case CMD_INTERNAL_READ:
		s = "INTERNAL_READ"
	case CMD_TERMINATE:
		s = "TERMINATE"
	case CMD_REPEAT:
		s = "REPEAT"
	case CMD_DMA_EXT_WRITE:
		s = "DMA_EXT_WRITE"
	case CMD_DMA_EXT_READ:
		s = "DMA_EXT_READ"
	case CMD_SINGLE_WRITE:
		s = "SINGLE_WRITE"
	case CMD_SINGLE_READ:
		s = "SINGLE_READ"
	case CMD_RESET:
		s = "RESET"
	default:
		s = "cmd(0x" + strconv.FormatUint(uint64(c), 16) + ")"
	}
	return s
}

// FrameLen returns the length of the command frame for c including the CRC
// byte. Frames sent with CRC disabled are one byte shorter. Returns 0 for
// unknown commands.
func (c Cmd) FrameLen() int {
	switch c {
	case CMD_SINGLE_READ, CMD_INTERNAL_READ, CMD_TERMINATE, CMD_REPEAT, CMD_RESET:
		return 5
	case CMD_DMA_WRITE, CMD_DMA_READ:
		return 7
	case CMD_DMA_EXT_WRITE, CMD_DMA_EXT_READ, CMD_INTERNAL_WRITE:
		return 8
	case CMD_SINGLE_WRITE:
		return 9
	}
	return 0
}

// IsWrite reports whether the command carries data from host to chip.
func (c Cmd) IsWrite() bool {
	return c == CMD_DMA_WRITE || c == CMD_DMA_EXT_WRITE || c == CMD_INTERNAL_WRITE || c == CMD_SINGLE_WRITE
}

// Command is a host to chip command frame.
type Command struct {
	Cmd Cmd
	// Addr is the 24 bit chip address. Internal commands use 15 bits.
	Addr uint32
	// Size is the transfer size of DMA commands.
	Size uint32
	// Data is the register value of write commands.
	Data uint32
	// Clockless is set for internal commands addressing clockless registers.
	Clockless bool
	// CRC is the CRC byte of a decoded frame. Zero when decoded without CRC.
	CRC byte
}

// AppendFrame appends the wire frame of c to dst. If withCRC is set the CRC
// byte is computed and appended.
func (c Command) AppendFrame(dst []byte, withCRC bool) ([]byte, error) {
	flen := c.Cmd.FrameLen()
	if flen == 0 {
		return dst, errUnknownCmd
	}
	start := len(dst)
	dst = append(dst, byte(c.Cmd))
	addr := c.Addr
	switch c.Cmd {
	case CMD_SINGLE_READ:
		dst = append(dst, byte(addr>>16), byte(addr>>8), byte(addr))
	case CMD_INTERNAL_READ:
		dst = append(dst, internalHi(addr, c.Clockless), byte(addr), 0)
	case CMD_TERMINATE, CMD_REPEAT:
		dst = append(dst, 0, 0, 0)
	case CMD_RESET:
		dst = append(dst, 0xff, 0xff, 0xff)
	case CMD_DMA_WRITE, CMD_DMA_READ:
		dst = append(dst, byte(addr>>16), byte(addr>>8), byte(addr), byte(c.Size>>8), byte(c.Size))
	case CMD_DMA_EXT_WRITE, CMD_DMA_EXT_READ:
		dst = append(dst, byte(addr>>16), byte(addr>>8), byte(addr), byte(c.Size>>16), byte(c.Size>>8), byte(c.Size))
	case CMD_INTERNAL_WRITE:
		dst = append(dst, internalHi(addr, c.Clockless), byte(addr))
		dst = appendBE32(dst, c.Data)
	case CMD_SINGLE_WRITE:
		dst = append(dst, byte(addr>>16), byte(addr>>8), byte(addr))
		dst = appendBE32(dst, c.Data)
	}
	if withCRC {
		dst = append(dst, frameCRC(dst[start:start+flen-1]))
	}
	return dst, nil
}

// DecodeCommand decodes the command frame at the start of b and returns the
// number of bytes consumed. withCRC selects whether frames are expected to
// carry a trailing CRC byte. On a CRC mismatch the decoded command is returned
// along with the error so callers may still inspect it. An unknown command
// byte consumes a single byte.
func DecodeCommand(b []byte, withCRC bool) (c Command, n int, err error) {
	if len(b) == 0 {
		return c, 0, errShortFrame
	}
	c.Cmd = Cmd(b[0])
	flen := c.Cmd.FrameLen()
	if flen == 0 {
		return c, 1, errUnknownCmd
	}
	if !withCRC {
		flen--
	}
	if len(b) < flen {
		return c, 0, errShortFrame
	}
	_ = b[flen-1]
	switch c.Cmd {
	case CMD_SINGLE_READ:
		c.Addr = be24(b[1:])
	case CMD_INTERNAL_READ:
		c.Addr, c.Clockless = internalAddr(b[1:])
	case CMD_DMA_WRITE, CMD_DMA_READ:
		c.Addr = be24(b[1:])
		c.Size = uint32(b[4])<<8 | uint32(b[5])
	case CMD_DMA_EXT_WRITE, CMD_DMA_EXT_READ:
		c.Addr = be24(b[1:])
		c.Size = be24(b[4:])
	case CMD_INTERNAL_WRITE:
		c.Addr, c.Clockless = internalAddr(b[1:])
		c.Data = be32(b[3:])
	case CMD_SINGLE_WRITE:
		c.Addr = be24(b[1:])
		c.Data = be32(b[4:])
	}
	if withCRC {
		c.CRC = b[flen-1]
		if c.CRC != frameCRC(b[:flen-1]) {
			err = errBadCRC
		}
	}
	return c, flen, err
}

func internalHi(addr uint32, clockless bool) byte {
	hi := byte(addr >> 8)
	if clockless {
		hi |= clocklessBit
	}
	return hi
}

func internalAddr(b []byte) (addr uint32, clockless bool) {
	clockless = b[0]&clocklessBit != 0
	addr = uint32(b[0]&^clocklessBit)<<8 | uint32(b[1])
	return addr, clockless
}

func appendBE32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func be24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func be32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
