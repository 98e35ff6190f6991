package winc1500

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/winc1500/m2m"
)

// HIFHandler processes a packet received on a HIF group. size is the payload
// size and addr its address in chip memory; the payload is read with
// [Device.HIFReceive]. Handlers run on the goroutine calling HandleEvents.
type HIFHandler func(opcode uint8, size uint16, addr uint32)

const (
	// Receive size reported by the chip may differ from the header length by
	// this many bytes of framing.
	hifSizeSlack = 4
	// Allocation poll bounds for a send.
	hifAllocPolls    = 1000
	hifAllocSlowdown = 500
	// maxEventsPerCall bounds the packets processed by one HandleEvents call.
	maxEventsPerCall = 16
)

var (
	errInvalidGroup = errors.New("winc1500: invalid HIF group")
	errBadRxLength  = errors.New("winc1500: HIF length mismatch")
)

type hifContext struct {
	handlers [m2m.NumGroups]HIFHandler
	// wakeDepth counts open wake spans. The chip is put to sleep when the
	// outermost span ends.
	wakeDepth int
	psMode    m2m.PowerSaveMode
	rxAddr    uint32
	rxSize    uint32
	rxPending bool
}

// hifInit resets the host interface context and installs the driver's group
// handlers. Called with d.mu held.
func (d *Device) hifInit() {
	d.hif = hifContext{}
	d.hif.handlers[m2m.GroupHIF] = func(uint8, uint16, uint32) {}
	d.hif.handlers[m2m.GroupWifi] = d.wifiEvent
	d.hif.handlers[m2m.GroupIP] = d.ipEvent
	d.hif.handlers[m2m.GroupOTA] = d.otaEvent
}

// RegisterHIFHandler sets the handler for packets received on group g,
// replacing any previous one. A nil handler drops the group's packets.
func (d *Device) RegisterHIFHandler(g m2m.Group, h HIFHandler) error {
	if int(g) >= m2m.NumGroups {
		return m2m.ErrInvalidArg
	}
	d.mu.Lock()
	d.hif.handlers[g] = h
	d.mu.Unlock()
	return nil
}

func (d *Device) setPowerSaveMode(mode m2m.PowerSaveMode) {
	d.mu.Lock()
	d.hif.psMode = mode
	d.mu.Unlock()
}

func (d *Device) powerSaveMode() m2m.PowerSaveMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hif.psMode
}

// wakeSpan is a scoped chip wake obtained from [Device.wake]. Exactly one of
// sleep or release takes effect, further calls are no-ops.
type wakeSpan struct {
	d    *Device
	done bool
}

// wake opens a wake span, waking the chip if no other span is open and power
// save is enabled. Must be called with d.mu held.
func (d *Device) wake() (wakeSpan, error) {
	if d.hif.wakeDepth == 0 && d.hif.psMode != m2m.PSNone {
		err := d.chipWake()
		if err != nil {
			return wakeSpan{done: true}, err
		}
		d.trace("hif:wake")
	}
	d.hif.wakeDepth++
	return wakeSpan{d: d}, nil
}

// sleep ends the span. The chip is put to sleep if it was the outermost one.
// Must be called with d.mu held.
func (w *wakeSpan) sleep() error {
	if w.done {
		return nil
	}
	w.done = true
	d := w.d
	d.hif.wakeDepth--
	if d.hif.wakeDepth == 0 && d.hif.psMode != m2m.PSNone {
		d.trace("hif:sleep")
		return d.chipSleep()
	}
	return nil
}

// release ends the span without putting the chip to sleep. Used when the bus
// is in an unknown state after a failure.
func (w *wakeSpan) release() {
	if w.done {
		return
	}
	w.done = true
	w.d.hif.wakeDepth--
}

// HIFSend sends a packet to group. The packet holds ctrl after the header
// and, if non-empty, data placed dataOffset bytes after the header padding.
// opcode should have [m2m.REQ_DATA_PKT] set when data is present.
func (d *Device) HIFSend(group m2m.Group, opcode uint8, ctrl, data []byte, dataOffset uint16) error {
	plen := hifLen(len(ctrl), len(data), int(dataOffset))
	if plen > m2m.HIF_MAX_PACKET_SIZE {
		return m2m.ErrSend
	}
	hdr := m2m.HIFHeader{Group: group, Opcode: opcode, Length: uint16(plen)}
	d.mu.Lock()
	defer d.mu.Unlock()
	span, err := d.wake()
	if err != nil {
		return err
	}
	err = d.hifWrite(hdr, ctrl, data, dataOffset)
	switch {
	case err == nil:
		err = span.sleep()
	case errors.Is(err, m2m.ErrMemAlloc):
		span.sleep()
	default:
		span.release()
	}
	if err != nil {
		d.debug("hif:send-failed", slog.String("group", group.String()), slog.Int("op", int(opcode)), errAttr(err))
		return err
	}
	d.trace("hif:send", slog.String("group", group.String()), slog.Int("op", int(opcode)), slog.Int("len", plen))
	return nil
}

// hifWrite negotiates a chip buffer and writes the packet into it. Called with
// d.mu held and the chip awake.
func (d *Device) hifWrite(hdr m2m.HIFHeader, ctrl, data []byte, dataOffset uint16) error {
	err := d.bus.WriteReg(m2m.NMI_STATE_REG, hdr.StateWord())
	if err != nil {
		return err
	}
	err = d.bus.WriteReg(m2m.WIFI_HOST_RCV_CTRL_2, 2)
	if err != nil {
		return err
	}
	var dma uint32
	for cnt := 0; cnt < hifAllocPolls; cnt++ {
		reg, err := d.bus.ReadReg(m2m.WIFI_HOST_RCV_CTRL_2)
		if err != nil {
			return err
		}
		if reg&2 == 0 {
			dma, err = d.bus.ReadReg(m2m.WIFI_HOST_RCV_CTRL_4)
			if err != nil {
				return err
			}
			break
		}
		if cnt == hifAllocSlowdown {
			d.debug("hif:alloc-slowdown")
		}
		if cnt >= hifAllocSlowdown {
			time.Sleep(time.Millisecond)
		}
	}
	if dma == 0 {
		return m2m.ErrMemAlloc
	}
	hdr.Opcode &^= m2m.REQ_DATA_PKT
	hdr.Put(d.hdrbuf[:])
	err = d.bus.WriteBlock(dma, d.hdrbuf[:])
	if err != nil {
		return err
	}
	addr := dma + m2m.HIF_HDR_OFFSET
	if len(ctrl) > 0 {
		err = d.bus.WriteBlock(addr, ctrl)
		if err != nil {
			return err
		}
	}
	if len(data) > 0 {
		err = d.bus.WriteBlock(addr+uint32(dataOffset), data)
		if err != nil {
			return err
		}
	}
	return d.bus.WriteReg(m2m.WIFI_HOST_RCV_CTRL_3, dma<<2|2)
}

// HIFReceive reads len(buf) bytes of the packet being dispatched starting at
// addr. The chip's receive buffer is released when isDone is set or the read
// reaches the end of the packet. HIFReceive(0, nil, true) discards the rest
// of the packet.
func (d *Device) HIFReceive(addr uint32, buf []byte, isDone bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr == 0 || len(buf) == 0 {
		if isDone {
			return d.setRxDone()
		}
		return m2m.ErrFail
	}
	end := addr + uint32(len(buf))
	rxEnd := d.hif.rxAddr + d.hif.rxSize
	if !d.hif.rxPending || uint32(len(buf)) > d.hif.rxSize || addr < d.hif.rxAddr || end > rxEnd {
		d.warn("hif:receive-out-of-bounds",
			slog.Uint64("addr", uint64(addr)),
			slog.Int("len", len(buf)),
			slog.Uint64("rxaddr", uint64(d.hif.rxAddr)),
			slog.Uint64("rxsize", uint64(d.hif.rxSize)),
		)
		return m2m.ErrFail
	}
	err := d.bus.ReadBlock(addr, buf)
	if err != nil {
		return err
	}
	if isDone || end == rxEnd {
		return d.setRxDone()
	}
	return nil
}

// setRxDone releases the chip's receive buffer. Called with d.mu held.
func (d *Device) setRxDone() error {
	d.hif.rxPending = false
	reg, err := d.bus.ReadReg(m2m.WIFI_HOST_RCV_CTRL_0)
	if err != nil {
		return err
	}
	return d.bus.WriteReg(m2m.WIFI_HOST_RCV_CTRL_0, reg|2)
}

// Interrupt signals that the chip asserted its IRQ line. Safe to call from an
// interrupt handler.
func (d *Device) Interrupt() {
	d.irq.Store(true)
}

// HandleEvents processes packets received from the chip, running the
// registered handlers. Without NoIRQ it does nothing unless Interrupt was
// called since the last call.
func (d *Device) HandleEvents() error {
	d.evmu.Lock()
	defer d.evmu.Unlock()
	if !d.noIRQ && !d.irq.Swap(false) {
		return nil
	}
	for i := 0; i < maxEventsPerCall; i++ {
		handled, err := d.handleOne()
		if err != nil || !handled {
			return err
		}
	}
	// Packets may remain. Make sure the next call checks.
	d.irq.Store(true)
	return nil
}

func (d *Device) handleOne() (handled bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span, err := d.wake()
	if err != nil {
		return false, err
	}
	handled, err = d.isr()
	if err != nil {
		d.logerr("hif:isr", errAttr(err))
		span.release()
		return handled, err
	}
	return handled, span.sleep()
}

// isr reads and dispatches one packet if the chip announced one. Called with
// d.mu held and the chip awake. d.mu is released while the handler runs.
func (d *Device) isr() (handled bool, err error) {
	reg, err := d.bus.ReadReg(m2m.WIFI_HOST_RCV_CTRL_0)
	if err != nil {
		return false, err
	}
	if reg&1 == 0 {
		return false, nil
	}
	err = d.bus.WriteReg(m2m.WIFI_HOST_RCV_CTRL_0, reg&^1)
	if err != nil {
		return true, err
	}
	d.hif.rxPending = true
	size := uint16(reg>>2) & 0xfff
	if size == 0 {
		d.setRxDone()
		return true, m2m.ErrRcv
	}
	addr, err := d.bus.ReadReg(m2m.WIFI_HOST_RCV_CTRL_1)
	if err != nil {
		return true, err
	}
	d.hif.rxAddr = addr
	d.hif.rxSize = uint32(size)
	err = d.bus.ReadBlock(addr, d.hdrbuf[:])
	if err != nil {
		return true, err
	}
	hdr := m2m.DecodeHIFHeader(d.hdrbuf[:])
	if absdiff(hdr.Length, size) > hifSizeSlack || hdr.Length < m2m.HIF_HDR_OFFSET {
		d.logerr("hif:size-mismatch", slog.Int("hdrlen", int(hdr.Length)), slog.Int("rxsize", int(size)))
		d.setRxDone()
		return true, errors.Join(m2m.ErrBusFail, errBadRxLength)
	}
	if int(hdr.Group) >= m2m.NumGroups {
		d.logerr("hif:unknown-group", slog.Int("group", int(hdr.Group)))
		d.setRxDone()
		return true, errors.Join(m2m.ErrBusFail, errInvalidGroup)
	}
	d.trace("hif:rx", slog.String("group", hdr.Group.String()), slog.Int("op", int(hdr.Opcode)), slog.Int("len", int(hdr.Length)))
	handler := d.hif.handlers[hdr.Group]
	if handler == nil {
		d.warn("hif:no-handler", slog.String("group", hdr.Group.String()), slog.Int("op", int(hdr.Opcode)))
	} else {
		d.mu.Unlock()
		handler(hdr.Opcode, hdr.Length-m2m.HIF_HDR_OFFSET, addr+m2m.HIF_HDR_OFFSET)
		d.mu.Lock()
	}
	if d.hif.rxPending {
		d.debug("hif:forced-rx-done", slog.String("group", hdr.Group.String()), slog.Int("op", int(hdr.Opcode)))
		err = d.setRxDone()
	}
	return true, err
}
