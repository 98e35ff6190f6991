package nmspi

import (
	"encoding/binary"
	"errors"
)

// mockChip emulates the SPI slave of a WINC1500 at the byte level. Host
// writes are parsed as command frames and data chunks, chip responses are
// queued and served on host reads.
type mockChip struct {
	crcOn bool
	regs  map[uint32]uint32
	mem   map[uint32]byte
	in    []byte
	out   []byte

	// DMA write in progress.
	wrAddr      uint32
	wrLeft      int
	wrChunkLeft int
	wrCRCLeft   int
	wrStarted   bool

	// dropCmds makes the chip ignore the next commands other than resets.
	dropCmds int
	badCRC   int
	resets   int
	cmds     []Command
	// writes records every host write transfer.
	writes [][]byte
}

func newMockChip(crcOn bool) *mockChip {
	return &mockChip{
		crcOn: crcOn,
		regs:  make(map[uint32]uint32),
		mem:   make(map[uint32]byte),
	}
}

func (m *mockChip) Tx(w, r []byte) error {
	if w != nil {
		m.writes = append(m.writes, append([]byte(nil), w...))
		m.in = append(m.in, w...)
		m.process()
	}
	for i := range r {
		r[i] = m.next()
	}
	return nil
}

func (m *mockChip) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := m.Tx([]byte{b}, r[:])
	return r[0], err
}

func (m *mockChip) next() byte {
	if len(m.out) == 0 {
		return 0xff
	}
	b := m.out[0]
	m.out = m.out[1:]
	return b
}

func (m *mockChip) queue(b ...byte) { m.out = append(m.out, b...) }

func (m *mockChip) process() {
	for len(m.in) > 0 {
		// A chunk stays open until its CRC trailer is consumed, which may
		// arrive in a later transfer than the data.
		if m.wrLeft > 0 || m.wrStarted {
			if !m.processWrite() {
				return
			}
			continue
		}
		c, n, err := DecodeCommand(m.in, m.crcOn)
		if errors.Is(err, errShortFrame) {
			return
		}
		m.in = m.in[n:]
		switch {
		case errors.Is(err, errUnknownCmd):
			continue
		case errors.Is(err, errBadCRC):
			m.badCRC++
			continue
		}
		m.handle(c)
	}
}

// processWrite consumes data chunk bytes. Returns false when more input is
// needed.
func (m *mockChip) processWrite() bool {
	switch {
	case !m.wrStarted:
		if m.in[0]&0xf0 != dataStartByte {
			m.in = m.in[1:]
			return true
		}
		m.in = m.in[1:]
		m.wrStarted = true
		m.wrChunkLeft = min(m.wrLeft, dataPktSize)
		m.wrCRCLeft = 0
		if m.crcOn {
			m.wrCRCLeft = 2
		}
	case m.wrChunkLeft > 0:
		n := min(len(m.in), m.wrChunkLeft)
		for i := 0; i < n; i++ {
			m.mem[m.wrAddr] = m.in[i]
			m.wrAddr++
		}
		m.in = m.in[n:]
		m.wrChunkLeft -= n
		m.wrLeft -= n
	case m.wrCRCLeft > 0:
		m.in = m.in[1:]
		m.wrCRCLeft--
	}
	if m.wrStarted && m.wrChunkLeft == 0 && m.wrCRCLeft == 0 {
		m.wrStarted = false
		if m.wrLeft == 0 {
			if m.crcOn {
				m.queue(byte(CMD_INTERNAL_WRITE), 0)
			} else {
				m.queue(0, byte(CMD_INTERNAL_WRITE), 0)
			}
		}
	}
	return len(m.in) > 0
}

func (m *mockChip) handle(c Command) {
	if c.Cmd == CMD_RESET {
		m.resets++
		m.out = m.out[:0]
		m.wrLeft = 0
		m.wrStarted = false
		m.queue(0xff, byte(c.Cmd), 0)
		return
	}
	if m.dropCmds > 0 {
		m.dropCmds--
		return
	}
	m.cmds = append(m.cmds, c)
	switch c.Cmd {
	case CMD_SINGLE_READ, CMD_INTERNAL_READ:
		m.queue(byte(c.Cmd), 0, 0xf3)
		m.out = binary.LittleEndian.AppendUint32(m.out, m.regs[c.Addr])
		if m.crcOn && !c.Clockless {
			m.queue(0, 0)
		}
	case CMD_SINGLE_WRITE, CMD_INTERNAL_WRITE:
		m.regs[c.Addr] = c.Data
		if c.Addr == 0x1400 {
			return
		}
		m.queue(byte(c.Cmd), 0)
		if c.Addr == 0xe824 && c.Data&0xc == 0 {
			m.crcOn = false
		}
	case CMD_DMA_EXT_READ:
		m.queue(byte(c.Cmd), 0)
		addr := c.Addr
		for left := int(c.Size); left > 0; {
			n := min(left, dataPktSize)
			m.queue(0xf3)
			for i := 0; i < n; i++ {
				m.queue(m.mem[addr])
				addr++
			}
			if m.crcOn {
				m.queue(0, 0)
			}
			left -= n
		}
	case CMD_DMA_EXT_WRITE:
		m.queue(byte(c.Cmd), 0)
		m.wrAddr = c.Addr
		m.wrLeft = int(c.Size)
		m.wrStarted = false
	}
}

func (m *mockChip) countCmd(c Cmd) (n int) {
	for _, got := range m.cmds {
		if got.Cmd == c {
			n++
		}
	}
	return n
}
