package m2m

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
)

var errShortBuffer = errors.New("m2m: buffer too short")

// Sizes of fixed-layout structures exchanged with the firmware.
const (
	CONN_HDR_SIZE          = 48
	WEP_SIZE               = 16
	PSK_SIZE               = 68
	AUTH_1X_HDR_SIZE       = 16
	STATE_CHANGED_SIZE     = 4
	SYSTEM_TIME_SIZE       = 8
	CONN_INFO_SIZE         = 48
	IP_CONFIG_SIZE         = 20
	SCAN_DONE_SIZE         = 4
	SCAN_RESULT_SIZE       = 44
	PROVISION_INFO_SIZE    = 100
	DEFAULT_CONN_RESP_SIZE = 4
	PRNG_HDR_SIZE          = 8
	AP_CONFIG_SIZE         = 136
	PROVISION_CONFIG_SIZE  = 204
	OTA_STATUS_SIZE        = 4
)

// HIFHeader precedes every packet exchanged over the host interface.
// Length includes the HIF_HDR_OFFSET bytes of header and padding.
type HIFHeader struct {
	Group  Group
	Opcode uint8
	Length uint16
}

func DecodeHIFHeader(b []byte) (hdr HIFHeader) {
	_ = b[HIF_HDR_SIZE-1]
	hdr.Group = Group(b[0])
	hdr.Opcode = b[1]
	hdr.Length = binary.LittleEndian.Uint16(b[2:])
	return hdr
}

// Put puts the 4 header bytes in dst. Panics if dst is shorter than 4 bytes.
func (h HIFHeader) Put(dst []byte) {
	_ = dst[HIF_HDR_SIZE-1]
	dst[0] = byte(h.Group)
	dst[1] = h.Opcode
	binary.LittleEndian.PutUint16(dst[2:], h.Length)
}

// StateWord is the value written to NMI_STATE_REG to announce a packet of
// this header to the firmware before requesting buffer allocation.
func (h HIFHeader) StateWord() uint32 {
	return uint32(h.Group) | uint32(h.Opcode)<<8 | uint32(h.Length)<<16
}

// ConnHdr is the credential header sent with WIFI_REQ_CONN.
type ConnHdr struct {
	CredSize   uint16
	StoreFlags uint8
	Channel    uint8
	AuthType   SecType
	Options    uint8
	BSSID      [MAC_ADDRESS_LEN]byte
	SSIDLen    uint8
	SSID       [MAX_SSID_LEN]byte
}

// Put puts all CONN_HDR_SIZE bytes of the header in dst.
func (c *ConnHdr) Put(dst []byte) {
	_ = dst[CONN_HDR_SIZE-1]
	clear(dst[:CONN_HDR_SIZE])
	binary.LittleEndian.PutUint16(dst[0:], c.CredSize)
	dst[2] = c.StoreFlags
	dst[3] = c.Channel
	dst[4] = byte(c.AuthType)
	dst[5] = c.Options
	copy(dst[6:12], c.BSSID[:])
	dst[12] = c.SSIDLen
	copy(dst[13:13+MAX_SSID_LEN], c.SSID[:])
}

// WEPKey is the authentication payload of a WEP connect request.
type WEPKey struct {
	Index uint8 // Zero based.
	Len   uint8 // Key length in bytes (5 or 13).
	Key   [WEP_104_KEY_SIZE]byte
}

func (w *WEPKey) Put(dst []byte) {
	_ = dst[WEP_SIZE-1]
	clear(dst[:WEP_SIZE])
	dst[0] = w.Index
	dst[1] = w.Len
	copy(dst[2:], w.Key[:])
}

// PSK is the authentication payload of a WPA-PSK connect request.
type PSK struct {
	Len        uint8
	Passphrase [MAX_PSK_LEN - 1]byte
}

func (p *PSK) Put(dst []byte) {
	_ = dst[PSK_SIZE-1]
	clear(dst[:PSK_SIZE])
	dst[0] = p.Len
	copy(dst[1:], p.Passphrase[:])
}

// Auth1xHdr precedes the 802.1x authentication details (domain, user name
// and password concatenated).
type Auth1xHdr struct {
	Flags         uint8
	DomainLen     uint8
	UserNameLen   uint16
	PrivKeyOffset uint16
	PrivKeyLen    uint16
	CertOffset    uint16
	CertLen       uint16
}

func (a *Auth1xHdr) Put(dst []byte) {
	_ = dst[AUTH_1X_HDR_SIZE-1]
	clear(dst[:AUTH_1X_HDR_SIZE])
	dst[0] = a.Flags
	dst[1] = a.DomainLen
	binary.LittleEndian.PutUint16(dst[4:], a.UserNameLen)
	binary.LittleEndian.PutUint16(dst[6:], a.PrivKeyOffset)
	binary.LittleEndian.PutUint16(dst[8:], a.PrivKeyLen)
	binary.LittleEndian.PutUint16(dst[10:], a.CertOffset)
	binary.LittleEndian.PutUint16(dst[12:], a.CertLen)
}

// StateChanged is the payload of WIFI_RESP_CON_STATE_CHANGED.
type StateChanged struct {
	State   ConnState
	ErrCode uint8
}

func DecodeStateChanged(b []byte) (s StateChanged, err error) {
	if len(b) < STATE_CHANGED_SIZE {
		return s, errShortBuffer
	}
	s.State = ConnState(b[0])
	s.ErrCode = b[1]
	return s, nil
}

func (s *StateChanged) Put(dst []byte) {
	_ = dst[STATE_CHANGED_SIZE-1]
	clear(dst[:STATE_CHANGED_SIZE])
	dst[0] = byte(s.State)
	dst[1] = s.ErrCode
}

// SystemTime is the chip's UTC clock as set by SNTP or the host.
type SystemTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

func DecodeSystemTime(b []byte) (t SystemTime, err error) {
	if len(b) < SYSTEM_TIME_SIZE {
		return t, errShortBuffer
	}
	t.Year = binary.LittleEndian.Uint16(b)
	t.Month = b[2]
	t.Day = b[3]
	t.Hour = b[4]
	t.Minute = b[5]
	t.Second = b[6]
	return t, nil
}

// ConnInfo describes the current connection.
type ConnInfo struct {
	SSID    string
	SecType SecType
	IP      netip.Addr
	MAC     [MAC_ADDRESS_LEN]byte
	RSSI    int8
}

func DecodeConnInfo(b []byte) (c ConnInfo, err error) {
	if len(b) < CONN_INFO_SIZE {
		return c, errShortBuffer
	}
	c.SSID = CString(b[:MAX_SSID_LEN])
	c.SecType = SecType(b[33])
	c.IP = netip.AddrFrom4([4]byte(b[34:38]))
	copy(c.MAC[:], b[38:44])
	c.RSSI = int8(b[44])
	return c, nil
}

// IPConfig is the DHCP configuration reported with WIFI_REQ_DHCP_CONF.
type IPConfig struct {
	IP        netip.Addr
	Gateway   netip.Addr
	DNS       netip.Addr
	Subnet    netip.Addr
	LeaseTime uint32
}

func DecodeIPConfig(b []byte) (c IPConfig, err error) {
	if len(b) < IP_CONFIG_SIZE {
		return c, errShortBuffer
	}
	c.IP = netip.AddrFrom4([4]byte(b[0:4]))
	c.Gateway = netip.AddrFrom4([4]byte(b[4:8]))
	c.DNS = netip.AddrFrom4([4]byte(b[8:12]))
	c.Subnet = netip.AddrFrom4([4]byte(b[12:16]))
	c.LeaseTime = binary.LittleEndian.Uint32(b[16:])
	return c, nil
}

func (c *IPConfig) Put(dst []byte) {
	_ = dst[IP_CONFIG_SIZE-1]
	putAddr(dst[0:], c.IP)
	putAddr(dst[4:], c.Gateway)
	putAddr(dst[8:], c.DNS)
	putAddr(dst[12:], c.Subnet)
	binary.LittleEndian.PutUint32(dst[16:], c.LeaseTime)
}

// ScanDone is the payload of WIFI_RESP_SCAN_DONE.
type ScanDone struct {
	NumAPs    uint8
	ScanState int8
}

func DecodeScanDone(b []byte) (s ScanDone, err error) {
	if len(b) < SCAN_DONE_SIZE {
		return s, errShortBuffer
	}
	s.NumAPs = b[0]
	s.ScanState = int8(b[1])
	return s, nil
}

// ScanResult describes one access point found during a scan.
type ScanResult struct {
	Index    uint8
	RSSI     int8
	AuthType SecType
	Channel  uint8
	BSSID    [MAC_ADDRESS_LEN]byte
	SSID     string
}

func DecodeScanResult(b []byte) (s ScanResult, err error) {
	if len(b) < SCAN_RESULT_SIZE {
		return s, errShortBuffer
	}
	s.Index = b[0]
	s.RSSI = int8(b[1])
	s.AuthType = SecType(b[2])
	s.Channel = b[3]
	copy(s.BSSID[:], b[4:10])
	s.SSID = CString(b[10 : 10+MAX_SSID_LEN])
	return s, nil
}

// ProvisionInfo carries credentials entered through provisioning mode.
type ProvisionInfo struct {
	SSID     string
	Password string
	SecType  SecType
	Status   uint8
}

func DecodeProvisionInfo(b []byte) (p ProvisionInfo, err error) {
	if len(b) < PROVISION_INFO_SIZE {
		return p, errShortBuffer
	}
	p.SSID = CString(b[:MAX_SSID_LEN])
	p.Password = CString(b[MAX_SSID_LEN : MAX_SSID_LEN+MAX_PSK_LEN])
	p.SecType = SecType(b[98])
	p.Status = b[99]
	return p, nil
}

// APConfig configures the chip's soft access point. Used for AP mode and
// provisioning mode.
type APConfig struct {
	SSID         string
	Channel      uint8
	KeyIndex     uint8  // WEP key index 1..4.
	WEPKey       string // Hex string of 10 or 26 characters.
	SecType      SecType
	HideSSID     bool
	DHCPServerIP netip.Addr
	Key          string // WPA passphrase.
}

func (a *APConfig) Put(dst []byte) {
	_ = dst[AP_CONFIG_SIZE-1]
	clear(dst[:AP_CONFIG_SIZE])
	PutCString(dst[0:MAX_SSID_LEN], a.SSID)
	dst[33] = a.Channel
	dst[34] = a.KeyIndex
	dst[35] = uint8(len(a.WEPKey))
	PutCString(dst[36:36+WEP_104_KEY_STRING_SIZE+1], a.WEPKey)
	dst[63] = byte(a.SecType)
	if a.HideSSID {
		dst[64] = 1
	}
	putAddr(dst[65:], a.DHCPServerIP)
	PutCString(dst[69:69+MAX_PSK_LEN], a.Key)
}

// OTAStatus is the payload of OTA_RESP_UPDATE_STATUS.
type OTAStatus struct {
	Type   uint8
	Status uint8
}

func DecodeOTAStatus(b []byte) (s OTAStatus, err error) {
	if len(b) < OTA_STATUS_SIZE {
		return s, errShortBuffer
	}
	s.Type = b[0]
	s.Status = b[1]
	return s, nil
}

// Revision is a firmware or driver version as reported by NMI_REV_REG.
type Revision struct {
	Major, Minor, Patch uint8
}

// DecodeRevision decodes the 16 bit major<<8|minor<<4|patch encoding.
func DecodeRevision(v uint16) Revision {
	return Revision{Major: uint8(v >> 8), Minor: uint8(v>>4) & 0xf, Patch: uint8(v) & 0xf}
}

func (r Revision) Encode() uint16 {
	return uint16(r.Major)<<8 | uint16(r.Minor&0xf)<<4 | uint16(r.Patch&0xf)
}

// Less reports whether r is an older revision than other.
func (r Revision) Less(other Revision) bool { return r.Encode() < other.Encode() }

func (r Revision) String() string {
	var buf [12]byte
	b := appendUint(buf[:0], r.Major)
	b = append(b, '.')
	b = appendUint(b, r.Minor)
	b = append(b, '.')
	b = appendUint(b, r.Patch)
	return string(b)
}

// DriverRevision is the revision of this driver announced to the bootrom.
var DriverRevision = Revision{Major: DRIVER_VERSION_MAJOR, Minor: DRIVER_VERSION_MINOR, Patch: DRIVER_VERSION_PATCH}

// CString returns the contents of b up to the first NUL byte.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// PutCString copies s into dst and zeroes the remainder of dst. s is truncated
// so that dst always ends in at least one NUL byte.
func PutCString(dst []byte, s string) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst[:len(dst)-1], s)
	clear(dst[n:])
}

func putAddr(dst []byte, addr netip.Addr) {
	if !addr.Is4() {
		clear(dst[:4])
		return
	}
	ip := addr.As4()
	copy(dst[:4], ip[:])
}

func appendUint(b []byte, v uint8) []byte {
	if v >= 100 {
		b = append(b, '0'+v/100)
	}
	if v >= 10 {
		b = append(b, '0'+(v/10)%10)
	}
	return append(b, '0'+v%10)
}
