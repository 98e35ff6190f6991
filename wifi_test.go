package winc1500

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"

	"github.com/soypat/winc1500/m2m"
)

func TestConnectValidation(t *testing.T) {
	dev, bus := newTestDevice(t)
	before := bus.accesses
	long := strings.Repeat("s", m2m.MAX_SSID_LEN)
	tests := []struct {
		name string
		err  error
	}{
		{"empty ssid", dev.ConnectOpen(Network{Channel: m2m.CH_ALL}, m2m.CredDontSave)},
		{"long ssid", dev.ConnectOpen(Network{SSID: long, Channel: m2m.CH_ALL}, m2m.CredDontSave)},
		{"channel 0", dev.ConnectOpen(Network{SSID: "net", Channel: 0}, m2m.CredDontSave)},
		{"channel 15", dev.ConnectOpen(Network{SSID: "net", Channel: 15}, m2m.CredDontSave)},
		{"bad store", dev.ConnectOpen(Network{SSID: "net", Channel: 1}, m2m.CredStore(99))},
		{"short psk", dev.ConnectPSK(Network{SSID: "net", Channel: 1}, "1234567", m2m.CredDontSave)},
		{"long psk", dev.ConnectPSK(Network{SSID: "net", Channel: 1}, strings.Repeat("a", 65), m2m.CredDontSave)},
		{"64 non-hex", dev.ConnectPSK(Network{SSID: "net", Channel: 1}, strings.Repeat("z", 64), m2m.CredDontSave)},
		{"wep index 0", dev.ConnectWEP(Network{SSID: "net", Channel: 1}, 0, "0123456789", m2m.CredDontSave)},
		{"wep index 5", dev.ConnectWEP(Network{SSID: "net", Channel: 1}, 5, "0123456789", m2m.CredDontSave)},
		{"wep length", dev.ConnectWEP(Network{SSID: "net", Channel: 1}, 1, "012345678", m2m.CredDontSave)},
		{"wep non-hex", dev.ConnectWEP(Network{SSID: "net", Channel: 1}, 1, "012345678z", m2m.CredDontSave)},
		{"1x no user", dev.Connect1xMSCHAP2(Network{SSID: "net", Channel: 1}, Auth1x{Password: "p"}, m2m.CredDontSave)},
		{"1x long password", dev.Connect1xMSCHAP2(Network{SSID: "net", Channel: 1},
			Auth1x{UserName: "u", Password: strings.Repeat("p", m2m.AUTH_1X_PASSWORD_LEN_MAX+1)}, m2m.CredDontSave)},
		{"unknown sec", dev.ConnectSC("net", m2m.Sec8021X, "", 1)},
		{"scan channel", dev.RequestScan(0)},
		{"scan ssid list", dev.RequestScanSSIDList(m2m.CH_ALL, []string{"a", "b", "c", "d", "e"})},
		{"scan options", dev.SetScanOptions(ScanOptions{SlotsPerChannel: 1, SlotTime: 0, ProbesPerSlot: 1, RSSIThreshold: -90})},
		{"prng empty", dev.PRNG(nil)},
	}
	for _, tc := range tests {
		if tc.err != m2m.ErrInvalidArg {
			t.Errorf("%s: want ErrInvalidArg, got %v", tc.name, tc.err)
		}
	}
	if bus.accesses != before {
		t.Errorf("invalid requests touched the bus %d times", bus.accesses-before)
	}
}

func TestConnectPSKPacket(t *testing.T) {
	dev, bus := newTestDevice(t)
	bssid := [6]byte{1, 2, 3, 4, 5, 6}
	err := dev.ConnectPSK(Network{SSID: "home", Channel: 6, BSSID: bssid}, "correct horse", m2m.CredSaveEncrypted)
	if err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if pkt.Group != m2m.GroupWifi || pkt.Opcode != m2m.WIFI_REQ_CONN|m2m.REQ_DATA_PKT {
		t.Fatalf("bad packet %v %#x", pkt.Group, pkt.Opcode)
	}
	if int(pkt.Length) != m2m.HIF_HDR_OFFSET+m2m.CONN_HDR_SIZE+m2m.PSK_SIZE {
		t.Errorf("bad length %d", pkt.Length)
	}
	hdr := pkt.Body[:m2m.CONN_HDR_SIZE]
	if size := binary.LittleEndian.Uint16(hdr); int(size) != connCredCommonSize+m2m.PSK_SIZE {
		t.Errorf("cred size %d", size)
	}
	if hdr[3] != 5 {
		t.Errorf("channel %d, want 5 (zero based)", hdr[3])
	}
	if m2m.SecType(hdr[4]) != m2m.SecWPAPSK {
		t.Errorf("auth type %d", hdr[4])
	}
	if !bytes.Contains(hdr, bssid[:]) || !bytes.Contains(hdr, []byte("home")) {
		t.Errorf("header missing bssid or ssid: %x", hdr)
	}
	psk := pkt.Body[m2m.CONN_HDR_SIZE:]
	if int(psk[0]) != len("correct horse") || !bytes.HasPrefix(psk[1:], []byte("correct horse")) {
		t.Errorf("bad psk %x", psk)
	}
}

func TestConnectOpenCtrlOnly(t *testing.T) {
	dev, bus := newTestDevice(t)
	if err := dev.ConnectSC("cafe", m2m.SecOpen, "", m2m.CH_ALL); err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if pkt.Opcode != m2m.WIFI_REQ_CONN || int(pkt.Length) != m2m.HIF_HDR_OFFSET+m2m.CONN_HDR_SIZE {
		t.Errorf("bad open connect op=%#x len=%d", pkt.Opcode, pkt.Length)
	}
	if pkt.Body[3] != m2m.CH_ALL&0xff {
		t.Errorf("channel %#x", pkt.Body[3])
	}
}

func TestConnectNotStarted(t *testing.T) {
	dev, _ := newTestDevice(t)
	if err := dev.Deinit(); err != nil {
		t.Fatal(err)
	}
	err := dev.ConnectOpen(Network{SSID: "net", Channel: m2m.CH_ALL}, m2m.CredDontSave)
	if err != m2m.ErrInvalid {
		t.Errorf("want ErrInvalid, got %v", err)
	}
	if err := dev.RequestScan(m2m.CH_ALL); err != m2m.ErrInvalid {
		t.Errorf("scan: want ErrInvalid, got %v", err)
	}
}

func TestWifiStateEvents(t *testing.T) {
	dev, bus := newTestDevice(t)
	var events []WifiEvent
	dev.SetWifiHandler(func(ev *WifiEvent) { events = append(events, *ev) })

	sc := m2m.StateChanged{State: m2m.Connected}
	var sbuf [m2m.STATE_CHANGED_SIZE]byte
	sc.Put(sbuf[:])
	bus.inject(m2m.GroupWifi, m2m.WIFI_RESP_CON_STATE_CHANGED, sbuf[:], 0)

	cfg := m2m.IPConfig{
		IP:        netip.MustParseAddr("192.168.1.50"),
		Gateway:   netip.MustParseAddr("192.168.1.1"),
		DNS:       netip.MustParseAddr("192.168.1.1"),
		Subnet:    netip.MustParseAddr("255.255.255.0"),
		LeaseTime: 3600,
	}
	var ibuf [m2m.IP_CONFIG_SIZE]byte
	cfg.Put(ibuf[:])
	bus.inject(m2m.GroupWifi, m2m.WIFI_REQ_DHCP_CONF, ibuf[:], 0)
	handle(t, dev)

	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].Kind != WifiEventStateChanged || events[0].StateChanged.State != m2m.Connected {
		t.Errorf("bad state event %+v", events[0])
	}
	if events[1].Kind != WifiEventIPConfig || events[1].IPConfig != cfg {
		t.Errorf("bad ip event %+v", events[1].IPConfig)
	}
	state, ip := dev.ConnState()
	if state.State != m2m.Connected || ip != cfg {
		t.Errorf("ConnState %v %v", state, ip)
	}

	sc = m2m.StateChanged{State: m2m.Disconnected, ErrCode: m2m.CONN_ERR_AUTH_FAIL}
	sc.Put(sbuf[:])
	bus.inject(m2m.GroupWifi, m2m.WIFI_RESP_CON_STATE_CHANGED, sbuf[:], 0)
	handle(t, dev)
	state, ip = dev.ConnState()
	if state.State != m2m.Disconnected || state.ErrCode != m2m.CONN_ERR_AUTH_FAIL || ip.IP.IsValid() {
		t.Errorf("after disconnect: %v %v", state, ip)
	}
	if bus.rxDone != 3 {
		t.Errorf("want 3 rx done, got %d", bus.rxDone)
	}
}

func TestScanFlow(t *testing.T) {
	dev, bus := newTestDevice(t)
	var done []m2m.ScanDone
	dev.SetWifiHandler(func(ev *WifiEvent) {
		if ev.Kind == WifiEventScanDone {
			done = append(done, ev.ScanDone)
		}
	})
	if err := dev.RequestScan(m2m.CH_ALL); err != nil {
		t.Fatal(err)
	}
	if err := dev.RequestScan(m2m.CH_ALL); err != m2m.ErrScanInProgress {
		t.Errorf("second scan: want ErrScanInProgress, got %v", err)
	}
	if err := dev.RequestScanResult(0); err != m2m.ErrScanInProgress {
		t.Errorf("result during scan: want ErrScanInProgress, got %v", err)
	}
	bus.inject(m2m.GroupWifi, m2m.WIFI_RESP_SCAN_DONE, []byte{3, 0, 0, 0}, 0)
	handle(t, dev)
	if len(done) != 1 || done[0].NumAPs != 3 || dev.NumAPs() != 3 {
		t.Fatalf("scan done %+v, numAPs %d", done, dev.NumAPs())
	}
	if err := dev.RequestScanResult(2); err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if pkt.Opcode != m2m.WIFI_REQ_SCAN_RESULT || pkt.Body[0] != 2 {
		t.Errorf("bad scan result request %#x %x", pkt.Opcode, pkt.Body)
	}

	// A failed request does not leave the scan marked in progress.
	bus.oom = true
	if err := dev.RequestScan(1); err == nil {
		t.Fatal("expected allocation failure")
	}
	bus.oom = false
	if err := dev.RequestScan(1); err != nil {
		t.Errorf("scan after failed request: %v", err)
	}
}

func TestPRNG(t *testing.T) {
	dev, bus := newTestDevice(t)
	var got []byte
	dev.SetWifiHandler(func(ev *WifiEvent) {
		if ev.Kind == WifiEventPRNG {
			got = append(got, ev.PRNG...)
		}
	})
	buf := make([]byte, 16)
	if err := dev.PRNG(buf); err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if binary.LittleEndian.Uint16(pkt.Body[4:]) != 16 {
		t.Errorf("bad prng size field %x", pkt.Body[:m2m.PRNG_HDR_SIZE])
	}
	random := []byte("0123456789abcdef")
	payload := make([]byte, m2m.PRNG_HDR_SIZE+len(random))
	binary.LittleEndian.PutUint16(payload[4:], uint16(len(random)))
	copy(payload[m2m.PRNG_HDR_SIZE:], random)
	bus.inject(m2m.GroupWifi, m2m.WIFI_RESP_GET_PRNG, payload, 0)
	handle(t, dev)
	if !bytes.Equal(got, random) || !bytes.Equal(buf, random) {
		t.Errorf("got %q buf %q", got, buf)
	}
}

func TestEnableAP(t *testing.T) {
	dev, bus := newTestDevice(t)
	cfg := m2m.APConfig{
		SSID:         "winc-ap",
		Channel:      6,
		SecType:      m2m.SecWPAPSK,
		Key:          "supersecret",
		DHCPServerIP: netip.MustParseAddr("192.168.1.1"),
	}
	if err := dev.EnableAP(&cfg); err != nil {
		t.Fatal(err)
	}
	pkt := bus.lastSent(t)
	if pkt.Opcode != m2m.WIFI_REQ_ENABLE_AP|m2m.REQ_DATA_PKT {
		t.Errorf("op %#x", pkt.Opcode)
	}
	if int(pkt.Length) != m2m.HIF_HDR_OFFSET+m2m.AP_CONFIG_SIZE+12 {
		t.Errorf("length %d", pkt.Length)
	}
	router := pkt.Body[m2m.AP_CONFIG_SIZE : m2m.AP_CONFIG_SIZE+4]
	if !bytes.Equal(router, []byte{192, 168, 1, 1}) {
		t.Errorf("router %v", router)
	}

	bad := cfg
	bad.Key = "short"
	if err := dev.EnableAP(&bad); err != m2m.ErrInvalidArg {
		t.Errorf("short key: %v", err)
	}
	bad = cfg
	bad.Channel = 0
	if err := dev.EnableAP(&bad); err != m2m.ErrInvalidArg {
		t.Errorf("channel 0: %v", err)
	}
}

func TestSleepMode(t *testing.T) {
	dev, bus := newTestDevice(t)
	if err := dev.RequestSleep(100); err != m2m.ErrInvalid {
		t.Errorf("doze without manual mode: %v", err)
	}
	if err := dev.SetSleepMode(m2m.PSManual, false); err != nil {
		t.Fatal(err)
	}
	if dev.powerSaveMode() != m2m.PSManual {
		t.Fatal("power save mode not recorded")
	}
	wakes := bus.wakes
	if err := dev.RequestSleep(100); err != nil {
		t.Fatal(err)
	}
	if bus.wakes != wakes+1 || bus.sleeps == 0 {
		t.Errorf("send in power save did not wake and sleep the chip: wakes=%d sleeps=%d", bus.wakes, bus.sleeps)
	}
	if dev.hif.wakeDepth != 0 {
		t.Errorf("wake depth %d", dev.hif.wakeDepth)
	}
}
