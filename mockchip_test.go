package winc1500

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/soypat/winc1500/m2m"
)

var errMockBus = errors.Join(m2m.ErrBusFail, errors.New("mock bus failure"))

const (
	mockDMA       = 0x40000
	mockRxAddr    = 0x50000
	mockChipID    = 0x1503a0
	mockMACPtr    = 0x1000
	mockMACMib    = 0x2000
	mockFWRev     = 0x1377 // 19.7.7
	mockMinDrvRev = 0x1330 // 19.3.0
)

var mockMAC = [6]byte{0xf8, 0xf0, 0x05, 0x01, 0x02, 0x03}

// sentPacket is a HIF packet written by the host.
type sentPacket struct {
	Group  m2m.Group
	Opcode uint8 // As announced in NMI_STATE_REG, with REQ_DATA_PKT.
	Length uint16
	// Body holds the packet after the header padding.
	Body []byte
}

// mockBus emulates the chip at the register and memory level. It boots when
// the host starts the CPU, allocates buffers for sent packets and presents
// injected packets through the receive control registers.
type mockBus struct {
	regs map[uint32]uint32
	mem  map[uint32]byte
	// oom makes buffer allocation fail.
	oom     bool
	sent    []sentPacket
	rxq     [][]byte
	showing bool
	// rxDone counts writes setting the rx done bit.
	rxDone int
	wakes  int
	sleeps int
	resets int
	inits  int
	// accesses counts every bus operation.
	accesses int
	// failAfter makes every access fail once accesses exceeds it, if positive.
	failAfter int
	// rev is the NMI_REV_REG value set when the firmware starts.
	rev uint32
	// reply is called for every packet written by the host. It may inject
	// responses.
	reply func(pkt sentPacket)
}

func newMockBus() *mockBus {
	m := &mockBus{
		regs: make(map[uint32]uint32),
		mem:  make(map[uint32]byte),
		rev:  mockMinDrvRev<<16 | mockFWRev,
	}
	m.regs[m2m.EFUSE_STATUS_REG] = efuseLoaded
	m.regs[m2m.NMI_CHIPID] = mockChipID
	m.regs[regGPReg2] = mockMACPtr
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], mockMACMib)
	m.store(mockMACPtr|0x30000, w[:])
	m.store(mockMACMib|0x30000, mockMAC[:])
	return m
}

func (m *mockBus) access() error {
	m.accesses++
	if m.failAfter > 0 && m.accesses > m.failAfter {
		return errMockBus
	}
	return nil
}

func (m *mockBus) Init() error {
	m.inits++
	return m.access()
}

func (m *mockBus) Reset() error {
	m.resets++
	return m.access()
}

func (m *mockBus) ReadReg(addr uint32) (uint32, error) {
	if err := m.access(); err != nil {
		return 0, err
	}
	if addr == m2m.CLOCKS_EN_REG {
		if m.regs[m2m.WAKE_CLK_REG]&2 != 0 {
			return 4, nil
		}
		return 0, nil
	}
	return m.regs[addr], nil
}

func (m *mockBus) WriteReg(addr, v uint32) error {
	if err := m.access(); err != nil {
		return err
	}
	old := m.regs[addr]
	m.regs[addr] = v
	switch addr {
	case m2m.NMI_GLB_RESET:
		if v&glbResetCPU != 0 && old&glbResetCPU == 0 {
			m.regs[m2m.BOOTROM_REG] = m2m.M2M_FINISH_BOOT_ROM
		}
	case m2m.BOOTROM_REG:
		if v == m2m.M2M_START_FIRMWARE {
			m.regs[m2m.NMI_STATE_REG] = m2m.M2M_FINISH_INIT_STATE
			m.regs[m2m.NMI_REV_REG] = m.rev
		}
	case m2m.WAKE_CLK_REG:
		if v&2 != 0 && old&2 == 0 {
			m.wakes++
		} else if v&2 == 0 && old&2 != 0 {
			m.sleeps++
		}
	case m2m.WIFI_HOST_RCV_CTRL_2:
		if v == 2 {
			m.regs[m2m.WIFI_HOST_RCV_CTRL_4] = mockDMA
			if m.oom {
				m.regs[m2m.WIFI_HOST_RCV_CTRL_4] = 0
			}
			m.regs[addr] = 0
		}
	case m2m.WIFI_HOST_RCV_CTRL_3:
		m.recordSent(v >> 2)
	case m2m.WIFI_HOST_RCV_CTRL_0:
		if v&2 != 0 {
			m.rxDone++
			m.regs[addr] = v &^ 2
			m.showing = false
			m.present()
		}
	}
	return nil
}

func (m *mockBus) ReadBlock(addr uint32, buf []byte) error {
	if err := m.access(); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = m.mem[addr+uint32(i)]
	}
	return nil
}

func (m *mockBus) WriteBlock(addr uint32, buf []byte) error {
	if err := m.access(); err != nil {
		return err
	}
	m.store(addr, buf)
	return nil
}

func (m *mockBus) store(addr uint32, buf []byte) {
	for i, b := range buf {
		m.mem[addr+uint32(i)] = b
	}
}

func (m *mockBus) load(addr uint32, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = m.mem[addr+uint32(i)]
	}
	return buf
}

func (m *mockBus) recordSent(dma uint32) {
	hdr := m2m.DecodeHIFHeader(m.load(dma, m2m.HIF_HDR_SIZE))
	state := m.regs[m2m.NMI_STATE_REG]
	pkt := sentPacket{
		Group:  hdr.Group,
		Opcode: uint8(state >> 8),
		Length: hdr.Length,
	}
	if hdr.Length > m2m.HIF_HDR_OFFSET {
		pkt.Body = m.load(dma+m2m.HIF_HDR_OFFSET, int(hdr.Length)-m2m.HIF_HDR_OFFSET)
	}
	m.sent = append(m.sent, pkt)
	if m.reply != nil {
		m.reply(pkt)
	}
	// Scrub the buffer so consecutive packets do not leak into each other.
	for i := uint32(0); i < uint32(hdr.Length); i++ {
		delete(m.mem, dma+i)
	}
}

// inject queues a packet from the chip. payload is placed after the header
// padding. reportedSize overrides the size announced in RCV_CTRL_0 if
// non-zero.
func (m *mockBus) inject(g m2m.Group, opcode uint8, payload []byte, reportedSize uint16) {
	n := m2m.HIF_HDR_OFFSET + len(payload)
	pkt := make([]byte, n+2)
	m2m.HIFHeader{Group: g, Opcode: opcode, Length: uint16(n)}.Put(pkt)
	copy(pkt[m2m.HIF_HDR_OFFSET:], payload)
	if reportedSize == 0 {
		reportedSize = uint16(n)
	}
	binary.LittleEndian.PutUint16(pkt[n:], reportedSize)
	m.rxq = append(m.rxq, pkt)
	m.present()
}

func (m *mockBus) present() {
	if m.showing || len(m.rxq) == 0 {
		return
	}
	pkt := m.rxq[0]
	m.rxq = m.rxq[1:]
	n := len(pkt) - 2
	size := binary.LittleEndian.Uint16(pkt[n:])
	m.store(mockRxAddr, pkt[:n])
	m.regs[m2m.WIFI_HOST_RCV_CTRL_1] = mockRxAddr
	m.regs[m2m.WIFI_HOST_RCV_CTRL_0] = m.regs[m2m.WIFI_HOST_RCV_CTRL_0]&^(0xfff<<2) | uint32(size)<<2 | 1
	m.showing = true
}

func (m *mockBus) lastSent(t *testing.T) sentPacket {
	t.Helper()
	if len(m.sent) == 0 {
		t.Fatal("no packet sent")
	}
	return m.sent[len(m.sent)-1]
}

// newTestDevice returns an initialized device over a fresh mockBus. Events
// are polled.
func newTestDevice(t *testing.T) (*Device, *mockBus) {
	t.Helper()
	bus := newMockBus()
	dev := New(bus, nil)
	err := dev.Init(Config{NoIRQ: true})
	if err != nil {
		t.Fatal(err)
	}
	bus.sent = nil
	return dev, bus
}
