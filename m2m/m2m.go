// package m2m implements the ATWINC1500 host interface (HIF) wire definitions:
// register map, group and opcode identifiers, error codes and the binary
// layout of requests and responses exchanged with the chip firmware.
package m2m

// Host interface framing.
const (
	HIF_HDR_SIZE = 4
	// HIF_HDR_OFFSET is the offset of the control buffer from the start of a
	// packet in chip memory. It is the header plus 4 reserved bytes.
	HIF_HDR_OFFSET      = HIF_HDR_SIZE + 4
	HIF_MAX_PACKET_SIZE = 1600 - 4

	// Bus transfer capabilities. The bus splits block transfers into chunks of
	// BUS_MAX_TRX_SZ-BUS_MAX_TRX_CFG_SZ bytes.
	BUS_MAX_TRX_SZ     = 256
	BUS_MAX_TRX_CFG_SZ = 8
	BUS_CHUNK_SZ       = BUS_MAX_TRX_SZ - BUS_MAX_TRX_CFG_SZ
)

// Receive control and state registers used by the host interface.
const (
	WIFI_HOST_RCV_CTRL_0 = 0x1070
	WIFI_HOST_RCV_CTRL_1 = 0x1084
	WIFI_HOST_RCV_CTRL_2 = 0x1078
	WIFI_HOST_RCV_CTRL_3 = 0x106c
	WIFI_HOST_RCV_CTRL_4 = 0x150400
	WIFI_HOST_RCV_CTRL_5 = 0x1088
	NMI_STATE_REG        = 0x108c
)

// Chip control registers.
const (
	WAKE_CLK_REG       = 0x1
	HOST_CORT_COMM     = 0xb
	CLOCKS_EN_REG      = 0xf
	CORT_HOST_COMM     = 0x10
	NMI_CHIPID         = 0x1000
	NMI_PIN_MUX_0      = 0x1408
	NMI_INTR_ENABLE    = 0x1a00
	NMI_GLB_RESET      = 0x1400
	NMI_GP_REG_1       = 0x14a0
	NMI_REV_REG        = 0x207ac
	BOOTROM_REG        = 0xc000c
	M2M_WAIT_HOST_REG  = 0x207bc
	EFUSE_STATUS_REG   = 0x1014
	NMI_CORTUS_CONTROL = 0x1118

	SPI_PROTOCOL_CONFIG = 0xe824
)

// Boot handshake values.
const (
	M2M_FINISH_BOOT_ROM   = 0x10add09e
	M2M_START_FIRMWARE    = 0xef522f61
	M2M_FINISH_INIT_STATE = 0x02532636
)

// Chip identification.
const (
	CHIP_ID_MASK     = 0xfffff000
	CHIP_ID_WINC1500 = 0x150000
)

// Group identifies the firmware subsystem a HIF packet is routed to.
type Group uint8

const (
	GroupMain Group = iota
	GroupWifi
	GroupIP
	GroupHIF
	GroupOTA
	GroupSSL
	GroupCrypto
	GroupSigma
	numGroups
)

// NumGroups is the number of routable HIF groups.
const NumGroups = int(numGroups)

func (g Group) String() (s string) {
	switch g {
	case GroupMain:
		s = "main"
	case GroupWifi:
		s = "wifi"
	case GroupIP:
		s = "ip"
	case GroupHIF:
		s = "hif"
	case GroupOTA:
		s = "ota"
	case GroupSSL:
		s = "ssl"
	case GroupCrypto:
		s = "crypto"
	case GroupSigma:
		s = "sigma"
	default:
		s = "unknown"
	}
	return s
}

// REQ_DATA_PKT is OR'd into an opcode when the request carries a data
// payload placed at an offset after the control buffer.
const REQ_DATA_PKT = 0x80

// Wi-Fi configuration opcodes.
const (
	WIFI_REQ_RESTART             = 1
	WIFI_REQ_SET_MAC_ADDRESS     = 2
	WIFI_REQ_CURRENT_RSSI        = 3
	WIFI_RESP_CURRENT_RSSI       = 4
	WIFI_REQ_GET_CONN_INFO       = 5
	WIFI_RESP_CONN_INFO          = 6
	WIFI_REQ_SET_DEVICE_NAME     = 7
	WIFI_REQ_START_PROVISION     = 8
	WIFI_RESP_PROVISION_INFO     = 9
	WIFI_REQ_STOP_PROVISION      = 10
	WIFI_REQ_SET_SYS_TIME        = 11
	WIFI_REQ_ENABLE_SNTP_CLIENT  = 12
	WIFI_REQ_DISABLE_SNTP_CLIENT = 13
	WIFI_RESP_MEMORY_RECOVER     = 14
	WIFI_REQ_CUST_INFO_ELEMENT   = 15
	WIFI_REQ_SCAN                = 16
	WIFI_RESP_SCAN_DONE          = 17
	WIFI_REQ_SCAN_RESULT         = 18
	WIFI_RESP_SCAN_RESULT        = 19
	WIFI_REQ_SET_SCAN_OPTION     = 20
	WIFI_REQ_SET_SCAN_REGION     = 21
	WIFI_REQ_SET_POWER_PROFILE   = 22
	WIFI_REQ_SET_TX_POWER        = 23
	WIFI_REQ_SET_BATTERY_VOLTAGE = 24
	WIFI_REQ_SET_ENABLE_LOGS     = 25
	WIFI_REQ_GET_SYS_TIME        = 26
	WIFI_RESP_GET_SYS_TIME       = 27
	WIFI_REQ_SEND_ETHERNET_PKT   = 28
	WIFI_RESP_ETHERNET_RX_PACKET = 29
	WIFI_REQ_SET_MAC_MCAST       = 30
	WIFI_REQ_GET_PRNG            = 31
	WIFI_RESP_GET_PRNG           = 32
	WIFI_REQ_SCAN_SSID_LIST      = 33
	WIFI_REQ_SET_GAINS           = 34
	WIFI_REQ_PASSIVE_SCAN        = 35
)

// Wi-Fi station opcodes.
const (
	WIFI_REQ_CONNECT            = 40
	WIFI_REQ_DEFAULT_CONNECT    = 41
	WIFI_RESP_DEFAULT_CONNECT   = 42
	WIFI_REQ_DISCONNECT         = 43
	WIFI_RESP_CON_STATE_CHANGED = 44
	WIFI_REQ_SLEEP              = 45
	WIFI_REQ_WPS_SCAN           = 46
	WIFI_REQ_WPS                = 47
	WIFI_REQ_START_WPS          = 48
	WIFI_REQ_DISABLE_WPS        = 49
	WIFI_REQ_DHCP_CONF          = 50
	WIFI_RESP_IP_CONFIGURED     = 51
	WIFI_RESP_IP_CONFLICT       = 52
	WIFI_REQ_ENABLE_MONITORING  = 53
	WIFI_REQ_DISABLE_MONITORING = 54
	WIFI_RESP_WIFI_RX_PACKET    = 55
	WIFI_REQ_SEND_WIFI_PACKET   = 56
	WIFI_REQ_LSN_INT            = 57
	WIFI_REQ_DOZE               = 58
	WIFI_REQ_CONN               = 59
	WIFI_IND_CONN_PARAM         = 60
	WIFI_REQ_DHCP_FAILURE       = 61
)

// Wi-Fi access point opcodes.
const (
	WIFI_REQ_ENABLE_AP  = 70
	WIFI_REQ_DISABLE_AP = 71
)

// IP configuration opcodes on GroupIP.
const (
	IP_REQ_STATIC_IP_CONF = 10
	IP_REQ_ENABLE_DHCP    = 11
	IP_REQ_DISABLE_DHCP   = 12
)

// OTA opcodes.
const (
	OTA_REQ_NOTIF_SET_URL          = 100
	OTA_REQ_NOTIF_CHECK_FOR_UPDATE = 101
	OTA_REQ_NOTIF_SCHED            = 102
	OTA_REQ_START_FW_UPDATE        = 103
	OTA_REQ_SWITCH_FIRMWARE        = 104
	OTA_REQ_ROLLBACK_FW            = 105
	OTA_RESP_NOTIF_UPDATE_INFO     = 106
	OTA_RESP_UPDATE_STATUS         = 107
	OTA_REQ_TEST                   = 108
	OTA_REQ_ABORT                  = 112
)

// SecType is the Wi-Fi security type of a network.
type SecType uint8

const (
	SecInvalid SecType = iota
	SecOpen
	SecWPAPSK
	SecWEP
	Sec8021X
	numSecTypes
)

func (s SecType) String() (str string) {
	switch s {
	case SecOpen:
		str = "open"
	case SecWPAPSK:
		str = "wpa-psk"
	case SecWEP:
		str = "wep"
	case Sec8021X:
		str = "802.1x"
	default:
		str = "invalid"
	}
	return str
}

// Valid reports whether s is a security type the firmware accepts.
func (s SecType) Valid() bool { return s > SecInvalid && s < numSecTypes }

// PowerSaveMode is the chip power save mode.
type PowerSaveMode uint8

const (
	PSNone PowerSaveMode = iota
	PSAutomatic
	PSHAutomatic
	PSDeepAutomatic
	PSManual
)

func (p PowerSaveMode) String() (s string) {
	switch p {
	case PSNone:
		s = "none"
	case PSAutomatic:
		s = "automatic"
	case PSHAutomatic:
		s = "h-automatic"
	case PSDeepAutomatic:
		s = "deep-automatic"
	case PSManual:
		s = "manual"
	default:
		s = "unknown"
	}
	return s
}

// Channel limits. CH_ALL selects all channels.
const (
	CH_1   = 1
	CH_14  = 14
	CH_ALL = 255
)

// String and key size limits.
const (
	MAX_SSID_LEN             = 33
	MAX_PSK_LEN              = 65
	MIN_PSK_LEN              = 9
	DEVICE_NAME_MAX          = 48
	MAC_ADDRESS_LEN          = 6
	WEP_KEY_MAX_INDEX        = 4
	WEP_40_KEY_STRING_SIZE   = 10
	WEP_104_KEY_STRING_SIZE  = 26
	WEP_104_KEY_SIZE         = 13
	AUTH_1X_USER_LEN_MAX     = 100
	AUTH_1X_PASSWORD_LEN_MAX = 256
	HOSTNAME_MAX_SIZE        = 64
	PROV_DOMAIN_MAX          = 64
	OTA_URL_MAX              = 256
)

// Credential storage flags sent in the connect header.
const (
	CRED_STORE_FLAG   = 0x01
	CRED_ENCRYPT_FLAG = 0x02
	CONN_BSSID_FLAG   = 0x01
)

// 802.1x authentication flags.
const (
	AUTH_1X_MSCHAP2_FLAG              = 0x01
	AUTH_1X_UNENCRYPTED_USERNAME_FLAG = 0x20
	AUTH_1X_PREPEND_DOMAIN_FLAG       = 0x40
)

// CredStore selects if and how the chip persists connection credentials.
type CredStore uint8

const (
	CredDontSave CredStore = iota
	CredSaveUnencrypted
	CredSaveEncrypted
)

// Flags returns the connect header store flags for c.
func (c CredStore) Flags() (flags uint8, ok bool) {
	switch c {
	case CredSaveEncrypted:
		flags = CRED_ENCRYPT_FLAG | CRED_STORE_FLAG
	case CredSaveUnencrypted:
		flags = CRED_STORE_FLAG
	case CredDontSave:
	default:
		return 0, false
	}
	return flags, true
}

// ConnState is reported by the firmware on connection state changes.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connected
)

func (c ConnState) String() string {
	if c == Connected {
		return "connected"
	}
	return "disconnected"
}

// Error codes reported alongside a connection state change.
const (
	CONN_ERR_SCAN_FAIL   = 1
	CONN_ERR_JOIN_FAIL   = 2
	CONN_ERR_AUTH_FAIL   = 3
	CONN_ERR_ASSOC_FAIL  = 4
	CONN_ERR_IN_PROGRESS = 5
)

// OTA update status values.
const (
	OTA_STATUS_SUCCESS = 0
)

// Driver version announced to the bootrom. Encoded as major<<8|minor<<4|patch
// for both the driver and the minimum supported firmware.
const (
	DRIVER_VERSION_MAJOR = 19
	DRIVER_VERSION_MINOR = 7
	DRIVER_VERSION_PATCH = 7
)
