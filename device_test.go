package winc1500

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/soypat/winc1500/m2m"
)

func TestInit(t *testing.T) {
	bus := newMockBus()
	var resets []bool
	dev := New(bus, func(b bool) { resets = append(resets, b) })
	var logbuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logbuf, &slog.HandlerOptions{Level: levelTrace}))
	err := dev.Init(Config{Logger: logger, NoIRQ: true})
	if err != nil {
		t.Fatal(err)
	}
	if bus.inits != 1 {
		t.Errorf("bus initialized %d times", bus.inits)
	}
	if len(resets) != 2 || resets[0] || !resets[1] {
		t.Errorf("bad reset sequence %v", resets)
	}
	if bus.regs[m2m.NMI_STATE_REG] != 0 {
		t.Errorf("state register not cleared: %#x", bus.regs[m2m.NMI_STATE_REG])
	}
	if bus.regs[m2m.NMI_INTR_ENABLE]&regIntrRxFlag == 0 || bus.regs[m2m.NMI_PIN_MUX_0]&pinMuxIRQ == 0 {
		t.Error("interrupts not enabled")
	}
	if dev.state() != stateStarted {
		t.Errorf("state %v", dev.state())
	}
	if !strings.Contains(logbuf.String(), "Init:done") {
		t.Errorf("missing init log:\n%s", logbuf.String())
	}
}

func TestInitBusFailure(t *testing.T) {
	bus := newMockBus()
	bus.failAfter = 1
	dev := New(bus, nil)
	err := dev.Init(Config{NoIRQ: true})
	if !errors.Is(err, m2m.ErrBusFail) {
		t.Fatalf("want bus failure, got %v", err)
	}
	if _, err := dev.Socket(m2m.AF_INET, m2m.SOCK_STREAM, 0); err != m2m.SockErrInvalid {
		t.Errorf("socket on failed device: %v", err)
	}
}

func TestFirmwareVersion(t *testing.T) {
	dev, _ := newTestDevice(t)
	fw, err := dev.FirmwareVersion()
	if err != nil {
		t.Fatal(err)
	}
	want := FirmwareInfo{
		Firmware:  m2m.Revision{Major: 19, Minor: 7, Patch: 7},
		MinDriver: m2m.Revision{Major: 19, Minor: 3, Patch: 0},
	}
	if fw != want {
		t.Errorf("got %+v, want %+v", fw, want)
	}
}

func TestFirmwareMismatch(t *testing.T) {
	tests := []struct {
		name string
		rev  uint32
	}{
		{"old firmware", mockMinDrvRev<<16 | 0x1370},
		{"new min driver", 0x1400<<16 | 0x1400},
	}
	for _, tc := range tests {
		bus := newMockBus()
		bus.rev = tc.rev
		dev := New(bus, nil)
		err := dev.Init(Config{NoIRQ: true})
		if !errors.Is(err, m2m.ErrFwVerMismatch) {
			t.Errorf("%s: want ErrFwVerMismatch, got %v", tc.name, err)
			continue
		}
		// The device remains usable.
		if _, err := dev.Socket(m2m.AF_INET, m2m.SOCK_STREAM, 0); err != nil {
			t.Errorf("%s: socket after mismatch: %v", tc.name, err)
		}
	}
}

func TestChipInfo(t *testing.T) {
	dev, _ := newTestDevice(t)
	id, err := dev.ChipID()
	if err != nil {
		t.Fatal(err)
	}
	if id != mockChipID {
		t.Errorf("chip id %#x", id)
	}
	mac, err := dev.MACAddress()
	if err != nil {
		t.Fatal(err)
	}
	if mac != mockMAC {
		t.Errorf("mac %x", mac)
	}
}

func TestDeinit(t *testing.T) {
	bus := newMockBus()
	var last bool
	dev := New(bus, func(b bool) { last = b })
	if err := dev.Init(Config{NoIRQ: true}); err != nil {
		t.Fatal(err)
	}
	s := mustSocket(t, dev, m2m.SOCK_STREAM, 0)
	if err := dev.Deinit(); err != nil {
		t.Fatal(err)
	}
	if last {
		t.Error("chip not held in reset")
	}
	if bus.regs[m2m.NMI_GLB_RESET]&glbResetCPU != 0 {
		t.Error("CPU not halted")
	}
	if err := dev.Send(s, []byte("x")); err == nil {
		t.Error("send after deinit succeeded")
	}
	if _, err := dev.Socket(m2m.AF_INET, m2m.SOCK_STREAM, 0); err != m2m.SockErrInvalid {
		t.Errorf("socket after deinit: %v", err)
	}
	// Init restores the device.
	if err := dev.Init(Config{NoIRQ: true}); err != nil {
		t.Fatal(err)
	}
	mustSocket(t, dev, m2m.SOCK_STREAM, 0)
}

func TestInitPowerSave(t *testing.T) {
	bus := newMockBus()
	dev := New(bus, nil)
	if err := dev.Init(Config{NoIRQ: true, PowerSave: m2m.PSManual}); err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if pkt.Group != m2m.GroupWifi || pkt.Opcode != m2m.WIFI_REQ_SLEEP {
		t.Fatalf("bad sleep request %v %#x", pkt.Group, pkt.Opcode)
	}
	if pkt.Body[0] != uint8(m2m.PSManual) || pkt.Body[1] != 1 {
		t.Errorf("bad sleep request body %x", pkt.Body[:4])
	}
	if dev.powerSaveMode() != m2m.PSManual {
		t.Error("power save mode not set")
	}
}

func TestOTA(t *testing.T) {
	bus := newMockBus()
	dev := New(bus, nil)
	var events []OTAEvent
	var info []byte
	err := dev.Init(Config{NoIRQ: true, OTAHandler: func(ev *OTAEvent) {
		events = append(events, *ev)
		info = append(info, ev.Info...)
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.OTAStartUpdate(""); err != m2m.ErrInvalidArg {
		t.Errorf("empty url: %v", err)
	}
	if err := dev.OTAStartUpdate(strings.Repeat("u", m2m.OTA_URL_MAX)); err != m2m.ErrInvalidArg {
		t.Errorf("long url: %v", err)
	}
	const url = "http://192.168.1.2/m2m_ota.bin"
	if err := dev.OTAStartUpdate(url); err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if pkt.Group != m2m.GroupOTA || pkt.Opcode != m2m.OTA_REQ_START_FW_UPDATE {
		t.Fatalf("bad request %v %#x", pkt.Group, pkt.Opcode)
	}
	if m2m.CString(pkt.Body) != url || len(pkt.Body) != len(url)+1 {
		t.Errorf("bad url in request %q", pkt.Body)
	}

	bus.inject(m2m.GroupOTA, m2m.OTA_RESP_UPDATE_STATUS, []byte{1, m2m.OTA_STATUS_SUCCESS, 0, 0}, 0)
	bus.inject(m2m.GroupOTA, m2m.OTA_RESP_NOTIF_UPDATE_INFO, []byte("19.7.8"), 0)
	handle(t, dev)
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].Kind != OTAEventUpdateStatus || events[0].Status.Type != 1 || events[0].Status.Status != m2m.OTA_STATUS_SUCCESS {
		t.Errorf("bad status event %+v", events[0])
	}
	if events[1].Kind != OTAEventUpdateInfo || string(info) != "19.7.8" {
		t.Errorf("bad info event %+v %q", events[1], info)
	}
	if bus.rxDone != 2 {
		t.Errorf("want 2 rx done, got %d", bus.rxDone)
	}
}
