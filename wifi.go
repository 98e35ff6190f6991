package winc1500

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/winc1500/m2m"
)

// WifiEventKind identifies the payload of a WifiEvent.
type WifiEventKind uint8

const (
	WifiEventStateChanged WifiEventKind = iota + 1
	WifiEventSystemTime
	WifiEventConnInfo
	WifiEventIPConfig
	WifiEventIPConflict
	WifiEventScanDone
	WifiEventScanResult
	WifiEventRSSI
	WifiEventProvisionInfo
	WifiEventDefaultConnect
	WifiEventPRNG
)

func (k WifiEventKind) String() (s string) {
	switch k {
	case WifiEventStateChanged:
		s = "state-changed"
	case WifiEventSystemTime:
		s = "system-time"
	case WifiEventConnInfo:
		s = "conn-info"
	case WifiEventIPConfig:
		s = "ip-config"
	case WifiEventIPConflict:
		s = "ip-conflict"
	case WifiEventScanDone:
		s = "scan-done"
	case WifiEventScanResult:
		s = "scan-result"
	case WifiEventRSSI:
		s = "rssi"
	case WifiEventProvisionInfo:
		s = "provision-info"
	case WifiEventDefaultConnect:
		s = "default-connect"
	case WifiEventPRNG:
		s = "prng"
	default:
		s = "unknown"
	}
	return s
}

// WifiEvent is delivered to the WifiHandler. Only the field matching Kind is
// set.
type WifiEvent struct {
	Kind         WifiEventKind
	StateChanged m2m.StateChanged
	SystemTime   m2m.SystemTime
	ConnInfo     m2m.ConnInfo
	IPConfig     m2m.IPConfig
	ConflictIP   netip.Addr
	ScanDone     m2m.ScanDone
	ScanResult   m2m.ScanResult
	RSSI         int8
	Provision    m2m.ProvisionInfo
	// DefaultConnectErr is zero if a default connect found stored
	// credentials to use.
	DefaultConnectErr int8
	// PRNG aliases the buffer passed to PRNG.
	PRNG []byte
}

// WifiHandler receives Wi-Fi events. It must not retain ev.
type WifiHandler func(ev *WifiEvent)

type wifiContext struct {
	state          wifiState
	scanInProgress bool
	numAPs         uint8
	conn           m2m.StateChanged
	ipcfg          m2m.IPConfig
	handler        WifiHandler
	prng           []byte
}

// connCredCommonSize is the credential size of a connect request without
// authentication data.
const connCredCommonSize = m2m.CONN_HDR_SIZE - 4

// Network selects the access point to connect to.
type Network struct {
	SSID string
	// BSSID restricts the connection to one access point if non-zero.
	BSSID [m2m.MAC_ADDRESS_LEN]byte
	// Channel is 1..14 or m2m.CH_ALL to scan all channels.
	Channel uint16
}

// Auth1x holds 802.1x MSCHAPv2 credentials.
type Auth1x struct {
	Domain   string
	UserName string
	Password string
	// UnencryptedUserName sends the user name in the clear in phase 1.
	UnencryptedUserName bool
	// PrependDomain sends domain\username instead of username@domain.
	PrependDomain bool
}

// SetWifiHandler replaces the Wi-Fi event handler.
func (d *Device) SetWifiHandler(h WifiHandler) {
	d.wmu.Lock()
	d.wifi.handler = h
	d.wmu.Unlock()
}

// ConnState returns the last reported connection state and IP configuration.
func (d *Device) ConnState() (m2m.StateChanged, m2m.IPConfig) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.wifi.conn, d.wifi.ipcfg
}

func validChannel(ch uint16) bool {
	return (ch >= m2m.CH_1 && ch <= m2m.CH_14) || ch == m2m.CH_ALL
}

// connHdr validates nw and builds the connect header for auth.
func (nw *Network) connHdr(auth m2m.SecType, authSize int, store m2m.CredStore) (h m2m.ConnHdr, err error) {
	if len(nw.SSID) == 0 || len(nw.SSID) >= m2m.MAX_SSID_LEN || !validChannel(nw.Channel) {
		return h, m2m.ErrInvalidArg
	}
	flags, ok := store.Flags()
	if !ok {
		return h, m2m.ErrInvalidArg
	}
	h.CredSize = uint16(connCredCommonSize + authSize)
	h.StoreFlags = flags
	h.Channel = m2m.CH_ALL
	if nw.Channel != m2m.CH_ALL {
		h.Channel = uint8(nw.Channel - 1)
	}
	h.AuthType = auth
	if nw.BSSID != [m2m.MAC_ADDRESS_LEN]byte{} {
		h.Options |= m2m.CONN_BSSID_FLAG
		h.BSSID = nw.BSSID
	}
	h.SSIDLen = uint8(len(nw.SSID))
	copy(h.SSID[:], nw.SSID)
	return h, nil
}

// ConnectOpen connects to an open network.
func (d *Device) ConnectOpen(nw Network, store m2m.CredStore) error {
	h, err := nw.connHdr(m2m.SecOpen, 0, store)
	if err != nil {
		return err
	}
	var ctrl [m2m.CONN_HDR_SIZE]byte
	h.Put(ctrl[:])
	return d.wifiConnect(ctrl[:], nil)
}

// ConnectWEP connects to a WEP network. keyIndex is 1..4 and hexKey the key
// as 10 or 26 hex characters.
func (d *Device) ConnectWEP(nw Network, keyIndex uint8, hexKey string, store m2m.CredStore) error {
	if keyIndex < 1 || keyIndex > m2m.WEP_KEY_MAX_INDEX {
		return m2m.ErrInvalidArg
	}
	if len(hexKey) != m2m.WEP_40_KEY_STRING_SIZE && len(hexKey) != m2m.WEP_104_KEY_STRING_SIZE {
		return m2m.ErrInvalidArg
	}
	var wep m2m.WEPKey
	n, err := hex.Decode(wep.Key[:], []byte(hexKey))
	if err != nil {
		return m2m.ErrInvalidArg
	}
	wep.Index = keyIndex - 1
	wep.Len = uint8(n)
	h, err := nw.connHdr(m2m.SecWEP, m2m.WEP_SIZE, store)
	if err != nil {
		return err
	}
	var buf [m2m.CONN_HDR_SIZE + m2m.WEP_SIZE]byte
	h.Put(buf[:])
	wep.Put(buf[m2m.CONN_HDR_SIZE:])
	return d.wifiConnect(buf[:m2m.CONN_HDR_SIZE], buf[m2m.CONN_HDR_SIZE:])
}

// ConnectPSK connects to a WPA/WPA2 personal network. passphrase is 8..63
// characters or a 64 character hex PSK.
func (d *Device) ConnectPSK(nw Network, passphrase string, store m2m.CredStore) error {
	if !validPSK(passphrase) {
		return m2m.ErrInvalidArg
	}
	h, err := nw.connHdr(m2m.SecWPAPSK, m2m.PSK_SIZE, store)
	if err != nil {
		return err
	}
	psk := m2m.PSK{Len: uint8(len(passphrase))}
	copy(psk.Passphrase[:], passphrase)
	var buf [m2m.CONN_HDR_SIZE + m2m.PSK_SIZE]byte
	h.Put(buf[:])
	psk.Put(buf[m2m.CONN_HDR_SIZE:])
	return d.wifiConnect(buf[:m2m.CONN_HDR_SIZE], buf[m2m.CONN_HDR_SIZE:])
}

func validPSK(passphrase string) bool {
	n := len(passphrase)
	switch {
	case n == m2m.MAX_PSK_LEN-1:
		_, err := hex.DecodeString(passphrase)
		return err == nil
	case n >= m2m.MIN_PSK_LEN-1 && n < m2m.MAX_PSK_LEN-1:
		return true
	}
	return false
}

// Connect1xMSCHAP2 connects to a WPA enterprise network using 802.1x
// MSCHAPv2 authentication.
func (d *Device) Connect1xMSCHAP2(nw Network, cred Auth1x, store m2m.CredStore) error {
	if len(cred.UserName) == 0 || len(cred.Domain)+len(cred.UserName) > m2m.AUTH_1X_USER_LEN_MAX ||
		len(cred.Password) > m2m.AUTH_1X_PASSWORD_LEN_MAX {
		return m2m.ErrInvalidArg
	}
	authSize := m2m.AUTH_1X_HDR_SIZE + len(cred.Domain) + len(cred.UserName) + len(cred.Password)
	h, err := nw.connHdr(m2m.Sec8021X, authSize, store)
	if err != nil {
		return err
	}
	hdr1x := m2m.Auth1xHdr{
		Flags:         m2m.AUTH_1X_MSCHAP2_FLAG,
		DomainLen:     uint8(len(cred.Domain)),
		UserNameLen:   uint16(len(cred.UserName)),
		PrivKeyOffset: uint16(m2m.AUTH_1X_HDR_SIZE + len(cred.Domain) + len(cred.UserName)),
		PrivKeyLen:    uint16(len(cred.Password)),
	}
	if cred.UnencryptedUserName {
		hdr1x.Flags |= m2m.AUTH_1X_UNENCRYPTED_USERNAME_FLAG
	}
	if cred.PrependDomain {
		hdr1x.Flags |= m2m.AUTH_1X_PREPEND_DOMAIN_FLAG
	}
	var buf [m2m.CONN_HDR_SIZE + m2m.AUTH_1X_HDR_SIZE + m2m.AUTH_1X_USER_LEN_MAX + m2m.AUTH_1X_PASSWORD_LEN_MAX]byte
	h.Put(buf[:])
	auth := buf[m2m.CONN_HDR_SIZE:]
	hdr1x.Put(auth)
	n := m2m.AUTH_1X_HDR_SIZE
	n += copy(auth[n:], cred.Domain)
	n += copy(auth[n:], cred.UserName)
	n += copy(auth[n:], cred.Password)
	return d.wifiConnect(buf[:m2m.CONN_HDR_SIZE], auth[:n])
}

// ConnectSC connects to ssid on channel ch using key as the passphrase for
// WPA, or the key 1 hex string for WEP. Credentials are stored encrypted.
func (d *Device) ConnectSC(ssid string, sec m2m.SecType, key string, ch uint16) error {
	nw := Network{SSID: ssid, Channel: ch}
	switch sec {
	case m2m.SecOpen:
		return d.ConnectOpen(nw, m2m.CredSaveEncrypted)
	case m2m.SecWPAPSK:
		return d.ConnectPSK(nw, key, m2m.CredSaveEncrypted)
	case m2m.SecWEP:
		return d.ConnectWEP(nw, 1, key, m2m.CredSaveEncrypted)
	}
	return m2m.ErrInvalidArg
}

func (d *Device) wifiConnect(hdr, auth []byte) error {
	if d.state() != stateStarted {
		return m2m.ErrInvalid
	}
	if len(auth) == 0 {
		return d.HIFSend(m2m.GroupWifi, m2m.WIFI_REQ_CONN, hdr, nil, 0)
	}
	return d.HIFSend(m2m.GroupWifi, m2m.WIFI_REQ_CONN|m2m.REQ_DATA_PKT, hdr, auth, m2m.CONN_HDR_SIZE)
}

// wifiRequest sends a request with an optional control buffer.
func (d *Device) wifiRequest(opcode uint8, ctrl []byte) error {
	return d.HIFSend(m2m.GroupWifi, opcode, ctrl, nil, 0)
}

// DefaultConnect connects using the credentials stored on the chip. The
// outcome is reported in a WifiEventDefaultConnect event.
func (d *Device) DefaultConnect() error {
	return d.wifiRequest(m2m.WIFI_REQ_DEFAULT_CONNECT, nil)
}

func (d *Device) Disconnect() error {
	return d.wifiRequest(m2m.WIFI_REQ_DISCONNECT, nil)
}

// RequestConnectionInfo requests a WifiEventConnInfo event.
func (d *Device) RequestConnectionInfo() error {
	return d.wifiRequest(m2m.WIFI_REQ_GET_CONN_INFO, nil)
}

// RequestRSSI requests a WifiEventRSSI event with the current signal strength.
func (d *Device) RequestRSSI() error {
	return d.wifiRequest(m2m.WIFI_REQ_CURRENT_RSSI, nil)
}

func putScan(ctrl []byte, ch uint8, passiveTime uint16) {
	ctrl[0] = ch
	ctrl[1] = 0
	binary.LittleEndian.PutUint16(ctrl[2:], passiveTime)
}

// beginScan marks a scan as started. The returned func undoes it.
func (d *Device) beginScan(ch uint16) (undo func(), err error) {
	if !validChannel(ch) {
		return nil, m2m.ErrInvalidArg
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if d.wifi.state != stateStarted {
		return nil, m2m.ErrInvalid
	}
	if d.wifi.scanInProgress {
		return nil, m2m.ErrScanInProgress
	}
	d.wifi.scanInProgress = true
	return func() {
		d.wmu.Lock()
		d.wifi.scanInProgress = false
		d.wmu.Unlock()
	}, nil
}

// RequestScan starts an active scan on ch, 1..14 or m2m.CH_ALL. Completion
// is reported in a WifiEventScanDone event.
func (d *Device) RequestScan(ch uint16) error {
	return d.scan(m2m.WIFI_REQ_SCAN, ch, 0)
}

// RequestPassiveScan starts a passive scan listening scanTime on each
// channel. A zero scanTime uses the firmware default.
func (d *Device) RequestPassiveScan(ch uint16, scanTime time.Duration) error {
	return d.scan(m2m.WIFI_REQ_PASSIVE_SCAN, ch, uint16(min(scanTime.Milliseconds(), 0xffff)))
}

func (d *Device) scan(op uint8, ch uint16, passiveTime uint16) error {
	undo, err := d.beginScan(ch)
	if err != nil {
		return err
	}
	var ctrl [4]byte
	putScan(ctrl[:], uint8(ch), passiveTime)
	err = d.wifiRequest(op, ctrl[:])
	if err != nil {
		undo()
	}
	return err
}

// RequestScanSSIDList scans ch for up to 4 hidden networks by SSID.
func (d *Device) RequestScanSSIDList(ch uint16, ssids []string) error {
	if len(ssids) == 0 || len(ssids) > 4 {
		return m2m.ErrInvalidArg
	}
	var list [1 + 4*m2m.MAX_SSID_LEN]byte
	list[0] = uint8(len(ssids))
	n := 1
	for _, ssid := range ssids {
		if len(ssid) == 0 || len(ssid) >= m2m.MAX_SSID_LEN {
			return m2m.ErrInvalidArg
		}
		list[n] = uint8(len(ssid))
		n++
		n += copy(list[n:], ssid)
	}
	undo, err := d.beginScan(ch)
	if err != nil {
		return err
	}
	var ctrl [4]byte
	putScan(ctrl[:], uint8(ch), 0)
	err = d.HIFSend(m2m.GroupWifi, m2m.WIFI_REQ_SCAN_SSID_LIST|m2m.REQ_DATA_PKT, ctrl[:], list[:n], uint16(len(ctrl)))
	if err != nil {
		undo()
	}
	return err
}

// RequestScanResult requests the scan result at index idx, less than NumAPs.
// It is delivered in a WifiEventScanResult event.
func (d *Device) RequestScanResult(idx uint8) error {
	d.wmu.Lock()
	scanning := d.wifi.scanInProgress
	d.wmu.Unlock()
	if scanning {
		return m2m.ErrScanInProgress
	}
	ctrl := [4]byte{idx}
	return d.wifiRequest(m2m.WIFI_REQ_SCAN_RESULT, ctrl[:])
}

// NumAPs returns the number of access points found by the last scan.
func (d *Device) NumAPs() uint8 {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.wifi.numAPs
}

// ScanOptions tunes active scans.
type ScanOptions struct {
	SlotsPerChannel uint8
	// SlotTime is the time spent on a channel per slot, 10..250ms.
	SlotTime      time.Duration
	ProbesPerSlot uint8 // 1 or 2.
	// RSSIThreshold is the signal level below which an access point is
	// considered out of range. Must be negative.
	RSSIThreshold int8
}

func (d *Device) SetScanOptions(opt ScanOptions) error {
	slot := opt.SlotTime.Milliseconds()
	if opt.SlotsPerChannel == 0 || slot < 10 || slot > 250 ||
		opt.ProbesPerSlot < 1 || opt.ProbesPerSlot > 2 || opt.RSSIThreshold >= 0 {
		return m2m.ErrInvalidArg
	}
	ctrl := [4]byte{opt.SlotsPerChannel, uint8(slot), opt.ProbesPerSlot, uint8(opt.RSSIThreshold)}
	return d.wifiRequest(m2m.WIFI_REQ_SET_SCAN_OPTION, ctrl[:])
}

// Scan regions. Each bit enables a channel starting at channel 1.
const (
	ScanRegionNorthAmerica uint16 = 0x07ff
	ScanRegionEurope       uint16 = 0x1fff
	ScanRegionAsia         uint16 = 0x3fff
)

func (d *Device) SetScanRegion(region uint16) error {
	var ctrl [4]byte
	binary.LittleEndian.PutUint16(ctrl[:], region)
	return d.wifiRequest(m2m.WIFI_REQ_SET_SCAN_REGION, ctrl[:])
}

// SetSleepMode sets the chip power save mode. bcast selects whether the chip
// wakes for broadcast traffic.
func (d *Device) SetSleepMode(mode m2m.PowerSaveMode, bcast bool) error {
	if mode > m2m.PSManual {
		return m2m.ErrInvalidArg
	}
	ctrl := [4]byte{uint8(mode)}
	if bcast {
		ctrl[1] = 1
	}
	err := d.wifiRequest(m2m.WIFI_REQ_SLEEP, ctrl[:])
	if err != nil {
		return err
	}
	d.setPowerSaveMode(mode)
	d.debug("wifi:sleep-mode", slog.String("mode", mode.String()))
	return nil
}

// RequestSleep puts the chip to sleep for dur. Only valid in m2m.PSManual.
func (d *Device) RequestSleep(dur time.Duration) error {
	if d.powerSaveMode() != m2m.PSManual {
		return m2m.ErrInvalid
	}
	var ctrl [4]byte
	binary.LittleEndian.PutUint32(ctrl[:], uint32(dur.Milliseconds()))
	return d.wifiRequest(m2m.WIFI_REQ_DOZE, ctrl[:])
}

// SetListenInterval sets the number of beacon periods the chip sleeps between
// wakes in power save modes.
func (d *Device) SetListenInterval(n uint16) error {
	var ctrl [4]byte
	binary.LittleEndian.PutUint16(ctrl[:], n)
	return d.wifiRequest(m2m.WIFI_REQ_LSN_INT, ctrl[:])
}

func (d *Device) SetPowerProfile(profile uint8) error {
	ctrl := [4]byte{profile}
	return d.wifiRequest(m2m.WIFI_REQ_SET_POWER_PROFILE, ctrl[:])
}

func (d *Device) SetTxPower(level uint8) error {
	ctrl := [4]byte{level}
	return d.wifiRequest(m2m.WIFI_REQ_SET_TX_POWER, ctrl[:])
}

// SetDeviceName sets the name announced in DHCP and provisioning. Names
// longer than 47 bytes are truncated.
func (d *Device) SetDeviceName(name string) error {
	var ctrl [m2m.DEVICE_NAME_MAX]byte
	m2m.PutCString(ctrl[:], name)
	return d.wifiRequest(m2m.WIFI_REQ_SET_DEVICE_NAME, ctrl[:])
}

// SetMAC overrides the MAC address used by the chip.
func (d *Device) SetMAC(mac [m2m.MAC_ADDRESS_LEN]byte) error {
	var ctrl [8]byte
	copy(ctrl[:], mac[:])
	return d.wifiRequest(m2m.WIFI_REQ_SET_MAC_ADDRESS, ctrl[:])
}

// SetSystemTime sets the chip clock to utcSeconds, seconds since 1900-01-01.
func (d *Device) SetSystemTime(utcSeconds uint32) error {
	var ctrl [4]byte
	binary.LittleEndian.PutUint32(ctrl[:], utcSeconds)
	return d.wifiRequest(m2m.WIFI_REQ_SET_SYS_TIME, ctrl[:])
}

// EnableSNTP enables or disables the chip's SNTP client.
func (d *Device) EnableSNTP(enable bool) error {
	if enable {
		return d.wifiRequest(m2m.WIFI_REQ_ENABLE_SNTP_CLIENT, nil)
	}
	return d.wifiRequest(m2m.WIFI_REQ_DISABLE_SNTP_CLIENT, nil)
}

// RequestSystemTime requests a WifiEventSystemTime event.
func (d *Device) RequestSystemTime() error {
	return d.wifiRequest(m2m.WIFI_REQ_GET_SYS_TIME, nil)
}

// SetStaticIP configures a static address. DHCP should be disabled first.
func (d *Device) SetStaticIP(cfg m2m.IPConfig) error {
	if !cfg.IP.Is4() {
		return m2m.ErrInvalidArg
	}
	var ctrl [m2m.IP_CONFIG_SIZE]byte
	cfg.Put(ctrl[:])
	return d.HIFSend(m2m.GroupIP, m2m.IP_REQ_STATIC_IP_CONF, ctrl[:], nil, 0)
}

func (d *Device) EnableDHCP(enable bool) error {
	var ctrl [4]byte
	op := uint8(m2m.IP_REQ_DISABLE_DHCP)
	if enable {
		op = m2m.IP_REQ_ENABLE_DHCP
		ctrl[0] = 1
	}
	return d.HIFSend(m2m.GroupIP, op, ctrl[:], nil, 0)
}

// validateAP checks an access point configuration.
func validateAP(cfg *m2m.APConfig) error {
	if len(cfg.SSID) == 0 || len(cfg.SSID) >= m2m.MAX_SSID_LEN ||
		cfg.Channel < m2m.CH_1 || cfg.Channel > m2m.CH_14 ||
		!cfg.DHCPServerIP.Is4() || cfg.DHCPServerIP.IsUnspecified() {
		return m2m.ErrInvalidArg
	}
	switch cfg.SecType {
	case m2m.SecOpen:
	case m2m.SecWEP:
		if cfg.KeyIndex < 1 || cfg.KeyIndex > m2m.WEP_KEY_MAX_INDEX {
			return m2m.ErrInvalidArg
		}
		if len(cfg.WEPKey) != m2m.WEP_40_KEY_STRING_SIZE && len(cfg.WEPKey) != m2m.WEP_104_KEY_STRING_SIZE {
			return m2m.ErrInvalidArg
		}
		if _, err := hex.DecodeString(cfg.WEPKey); err != nil {
			return m2m.ErrInvalidArg
		}
	case m2m.SecWPAPSK:
		if !validPSK(cfg.Key) {
			return m2m.ErrInvalidArg
		}
	default:
		return m2m.ErrInvalidArg
	}
	return nil
}

// EnableAP starts the soft access point. The access point's router and DNS
// address is the DHCP server address.
func (d *Device) EnableAP(cfg *m2m.APConfig) error {
	err := validateAP(cfg)
	if err != nil {
		return err
	}
	var data [m2m.AP_CONFIG_SIZE + 12]byte
	cfg.Put(data[:])
	ip := cfg.DHCPServerIP.As4()
	copy(data[m2m.AP_CONFIG_SIZE:], ip[:])   // Default router.
	copy(data[m2m.AP_CONFIG_SIZE+4:], ip[:]) // DNS server.
	return d.HIFSend(m2m.GroupWifi, m2m.WIFI_REQ_ENABLE_AP|m2m.REQ_DATA_PKT, nil, data[:], 0)
}

func (d *Device) DisableAP() error {
	return d.wifiRequest(m2m.WIFI_REQ_DISABLE_AP, nil)
}

// StartProvision starts the provisioning access point serving a web page at
// domain. Credentials entered by the user are reported in a
// WifiEventProvisionInfo event.
func (d *Device) StartProvision(cfg *m2m.APConfig, domain string, httpRedirect bool) error {
	err := validateAP(cfg)
	if err != nil {
		return err
	}
	if len(domain) >= m2m.PROV_DOMAIN_MAX {
		return m2m.ErrInvalidArg
	}
	var ctrl [m2m.PROVISION_CONFIG_SIZE]byte
	cfg.Put(ctrl[:])
	m2m.PutCString(ctrl[m2m.AP_CONFIG_SIZE:m2m.AP_CONFIG_SIZE+m2m.PROV_DOMAIN_MAX], domain)
	if httpRedirect {
		ctrl[m2m.AP_CONFIG_SIZE+m2m.PROV_DOMAIN_MAX] = 1
	}
	return d.HIFSend(m2m.GroupWifi, m2m.WIFI_REQ_START_PROVISION|m2m.REQ_DATA_PKT, ctrl[:], nil, 0)
}

func (d *Device) StopProvision() error {
	return d.wifiRequest(m2m.WIFI_REQ_STOP_PROVISION, nil)
}

// PRNG requests len(buf) random bytes from the chip. buf is filled before the
// WifiEventPRNG event is delivered and must not be used until then.
func (d *Device) PRNG(buf []byte) error {
	if len(buf) == 0 || len(buf)+m2m.PRNG_HDR_SIZE > m2m.HIF_MAX_PACKET_SIZE-m2m.HIF_HDR_OFFSET {
		return m2m.ErrInvalidArg
	}
	d.wmu.Lock()
	d.wifi.prng = buf
	d.wmu.Unlock()
	clear(buf)
	var hdr [m2m.PRNG_HDR_SIZE]byte
	binary.LittleEndian.PutUint16(hdr[4:], uint16(len(buf)))
	return d.HIFSend(m2m.GroupWifi, m2m.WIFI_REQ_GET_PRNG|m2m.REQ_DATA_PKT, hdr[:], buf, m2m.PRNG_HDR_SIZE)
}

// wifiEvent handles packets on GroupWifi.
func (d *Device) wifiEvent(opcode uint8, size uint16, addr uint32) {
	var buf [m2m.PROVISION_INFO_SIZE]byte
	var ev WifiEvent
	recv := func(n int) bool {
		return d.HIFReceive(addr, buf[:n], true) == nil
	}
	var err error
	switch opcode {
	case m2m.WIFI_RESP_CON_STATE_CHANGED:
		if !recv(m2m.STATE_CHANGED_SIZE) {
			return
		}
		ev.Kind = WifiEventStateChanged
		ev.StateChanged, err = m2m.DecodeStateChanged(buf[:])
		d.wmu.Lock()
		d.wifi.conn = ev.StateChanged
		if ev.StateChanged.State == m2m.Disconnected {
			d.wifi.ipcfg = m2m.IPConfig{}
		}
		d.wmu.Unlock()
		d.info("wifi:state", slog.String("state", ev.StateChanged.State.String()), slog.Int("err", int(ev.StateChanged.ErrCode)))

	case m2m.WIFI_RESP_GET_SYS_TIME:
		if !recv(m2m.SYSTEM_TIME_SIZE) {
			return
		}
		ev.Kind = WifiEventSystemTime
		ev.SystemTime, err = m2m.DecodeSystemTime(buf[:])

	case m2m.WIFI_RESP_CONN_INFO:
		if !recv(m2m.CONN_INFO_SIZE) {
			return
		}
		ev.Kind = WifiEventConnInfo
		ev.ConnInfo, err = m2m.DecodeConnInfo(buf[:])

	case m2m.WIFI_REQ_DHCP_CONF:
		if !recv(m2m.IP_CONFIG_SIZE) {
			return
		}
		ev.Kind = WifiEventIPConfig
		ev.IPConfig, err = m2m.DecodeIPConfig(buf[:])
		d.wmu.Lock()
		d.wifi.ipcfg = ev.IPConfig
		d.wmu.Unlock()
		d.info("wifi:dhcp", slog.String("ip", ev.IPConfig.IP.String()), slog.String("gw", ev.IPConfig.Gateway.String()))

	case m2m.WIFI_RESP_IP_CONFLICT:
		if !recv(4) {
			return
		}
		ev.Kind = WifiEventIPConflict
		ev.ConflictIP = netip.AddrFrom4([4]byte(buf[:4]))
		d.warn("wifi:ip-conflict", slog.String("ip", ev.ConflictIP.String()))

	case m2m.WIFI_RESP_SCAN_DONE:
		if !recv(m2m.SCAN_DONE_SIZE) {
			return
		}
		ev.Kind = WifiEventScanDone
		ev.ScanDone, err = m2m.DecodeScanDone(buf[:])
		d.wmu.Lock()
		d.wifi.scanInProgress = false
		d.wifi.numAPs = ev.ScanDone.NumAPs
		d.wmu.Unlock()

	case m2m.WIFI_RESP_SCAN_RESULT:
		if !recv(m2m.SCAN_RESULT_SIZE) {
			return
		}
		ev.Kind = WifiEventScanResult
		ev.ScanResult, err = m2m.DecodeScanResult(buf[:])

	case m2m.WIFI_RESP_CURRENT_RSSI:
		if !recv(4) {
			return
		}
		ev.Kind = WifiEventRSSI
		ev.RSSI = int8(buf[0])

	case m2m.WIFI_RESP_PROVISION_INFO:
		if !recv(m2m.PROVISION_INFO_SIZE) {
			return
		}
		ev.Kind = WifiEventProvisionInfo
		ev.Provision, err = m2m.DecodeProvisionInfo(buf[:])

	case m2m.WIFI_RESP_DEFAULT_CONNECT:
		if !recv(m2m.DEFAULT_CONN_RESP_SIZE) {
			return
		}
		ev.Kind = WifiEventDefaultConnect
		ev.DefaultConnectErr = int8(buf[0])

	case m2m.WIFI_RESP_GET_PRNG:
		if d.HIFReceive(addr, buf[:m2m.PRNG_HDR_SIZE], false) != nil {
			return
		}
		n := int(binary.LittleEndian.Uint16(buf[4:]))
		d.wmu.Lock()
		prng := d.wifi.prng
		d.wifi.prng = nil
		d.wmu.Unlock()
		n = min(n, len(prng), int(size)-m2m.PRNG_HDR_SIZE)
		if n <= 0 {
			d.HIFReceive(0, nil, true)
			return
		}
		if d.HIFReceive(addr+m2m.PRNG_HDR_SIZE, prng[:n], true) != nil {
			return
		}
		ev.Kind = WifiEventPRNG
		ev.PRNG = prng[:n]

	case m2m.WIFI_RESP_MEMORY_RECOVER:
		d.HIFReceive(0, nil, true)
		return

	default:
		d.debug("wifi:unhandled-op", slog.Int("op", int(opcode)), slog.Int("size", int(size)))
		return
	}
	if err != nil {
		d.logerr("wifi:decode", slog.String("kind", ev.Kind.String()), errAttr(err))
		return
	}
	d.wmu.Lock()
	h := d.wifi.handler
	d.wmu.Unlock()
	if h != nil {
		h(&ev)
	}
}
