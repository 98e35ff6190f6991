package m2m

import (
	"encoding/binary"
	"net/netip"
)

// Socket table dimensions. Descriptors 0..TCP_SOCK_MAX-1 are TCP,
// TCP_SOCK_MAX..MAX_SOCKET-1 are UDP.
const (
	TCP_SOCK_MAX             = 7
	UDP_SOCK_MAX             = 4
	MAX_SOCKET               = TCP_SOCK_MAX + UDP_SOCK_MAX
	SOCKET_BUFFER_MAX_LENGTH = 1400
)

// Address family and socket types.
const (
	AF_INET     = 2
	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
	// SOCKET_FLAGS_SSL requests a TLS socket when passed to Socket.
	SOCKET_FLAGS_SSL = 0x01
)

// Offsets at which send payloads are placed inside a HIF data packet. The
// firmware prepends its lower layer headers in the reserved space.
const (
	UDP_TX_PACKET_OFFSET = IP_PACKET_OFFSET + 28
	TCP_TX_PACKET_OFFSET = IP_PACKET_OFFSET + 40
	SSL_TX_PACKET_OFFSET = TCP_TX_PACKET_OFFSET + 5
	IP_PACKET_OFFSET     = ETHERNET_HDR_LEN + ETHERNET_HDR_OFFSET - HIF_HDR_OFFSET
	ETHERNET_HDR_OFFSET  = 34
	ETHERNET_HDR_LEN     = 14
)

// Socket command opcodes on GroupIP.
const (
	SOCKET_CMD_BIND              = 0x41
	SOCKET_CMD_LISTEN            = 0x42
	SOCKET_CMD_ACCEPT            = 0x43
	SOCKET_CMD_CONNECT           = 0x44
	SOCKET_CMD_SEND              = 0x45
	SOCKET_CMD_RECV              = 0x46
	SOCKET_CMD_SENDTO            = 0x47
	SOCKET_CMD_RECVFROM          = 0x48
	SOCKET_CMD_CLOSE             = 0x49
	SOCKET_CMD_DNS_RESOLVE       = 0x4a
	SOCKET_CMD_SSL_CONNECT       = 0x4b
	SOCKET_CMD_SSL_SEND          = 0x4c
	SOCKET_CMD_SSL_RECV          = 0x4d
	SOCKET_CMD_SSL_CLOSE         = 0x4e
	SOCKET_CMD_SET_SOCKET_OPTION = 0x4f
	SOCKET_CMD_SSL_CREATE        = 0x50
	SOCKET_CMD_SSL_SET_SOCK_OPT  = 0x51
	SOCKET_CMD_PING              = 0x52
	SOCKET_CMD_SSL_SET_CS_LIST   = 0x53
	SOCKET_CMD_SSL_BIND          = 0x54
	SOCKET_CMD_SSL_EXP_CHECK     = 0x55
)

// SocketMsg identifies the kind of socket event delivered to the application.
type SocketMsg uint8

const (
	SocketMsgBind SocketMsg = iota + 1
	SocketMsgListen
	SocketMsgDNSResolve
	SocketMsgAccept
	SocketMsgConnect
	SocketMsgRecv
	SocketMsgSend
	SocketMsgSendTo
	SocketMsgRecvFrom
)

func (m SocketMsg) String() (s string) {
	switch m {
	case SocketMsgBind:
		s = "bind"
	case SocketMsgListen:
		s = "listen"
	case SocketMsgDNSResolve:
		s = "dns-resolve"
	case SocketMsgAccept:
		s = "accept"
	case SocketMsgConnect:
		s = "connect"
	case SocketMsgRecv:
		s = "recv"
	case SocketMsgSend:
		s = "send"
	case SocketMsgSendTo:
		s = "sendto"
	case SocketMsgRecvFrom:
		s = "recvfrom"
	default:
		s = "unknown"
	}
	return s
}

// Socket option levels and names.
const (
	SOL_SOCKET     = 1
	SOL_SSL_SOCKET = 2

	SO_SET_UDP_SEND_CALLBACK = 0
	IP_ADD_MEMBERSHIP        = 1
	IP_DROP_MEMBERSHIP       = 2
	SO_TCP_KEEPALIVE         = 4
	SO_TCP_KEEPIDLE          = 5
	SO_TCP_KEEPINTVL         = 6
	SO_TCP_KEEPCNT           = 7

	SO_SSL_BYPASS_X509_VERIF      = 1
	SO_SSL_SNI                    = 2
	SO_SSL_ENABLE_SESSION_CACHING = 3
	SO_SSL_ENABLE_SNI_VALIDATION  = 4
)

// Per socket TLS flags kept by the host and sent with SSL connect requests.
const (
	SSL_FLAGS_ACTIVE        = 0x01
	SSL_FLAGS_BYPASS_X509   = 0x02
	SSL_FLAGS_CACHE_SESSION = 0x10
	SSL_FLAGS_NO_TX_COPY    = 0x20
	SSL_FLAGS_CHECK_SNI     = 0x40
)

// Wire sizes of socket commands and replies.
const (
	SOCK_ADDR_SIZE        = 8
	BIND_CMD_SIZE         = 12
	LISTEN_CMD_SIZE       = 4
	CONNECT_CMD_SIZE      = 12
	SEND_CMD_SIZE         = 16
	RECV_CMD_SIZE         = 8
	CLOSE_CMD_SIZE        = 4
	SET_SOCK_OPT_CMD_SIZE = 8
	SSL_CREATE_CMD_SIZE   = 4
	SSL_SOCK_OPT_CMD_SIZE = 72
	SSL_SOCK_OPT_MAX      = 64
	PING_CMD_SIZE         = 12
	PING_REPLY_SIZE       = 20
	DNS_REPLY_SIZE        = HOSTNAME_MAX_SIZE + 4
	BIND_REPLY_SIZE       = 4
	ACCEPT_REPLY_SIZE     = 12
	CONNECT_REPLY_SIZE    = 4
	SEND_REPLY_SIZE       = 8
	RECV_REPLY_SIZE       = 16
	SSL_EXP_CHECK_SIZE    = 4
)

// SockAddr is the IPv4 socket address as laid out on the wire. The port and
// IP are in network byte order.
type SockAddr struct {
	Family uint16
	Port   uint16
	IP     [4]byte
}

// SockAddrFrom converts addr into a wire socket address.
func SockAddrFrom(addr netip.AddrPort) SockAddr {
	sa := SockAddr{Family: AF_INET, Port: addr.Port()}
	if addr.Addr().Is4() {
		sa.IP = addr.Addr().As4()
	}
	return sa
}

func (s SockAddr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(s.IP), s.Port)
}

func (s SockAddr) Put(dst []byte) {
	_ = dst[SOCK_ADDR_SIZE-1]
	binary.LittleEndian.PutUint16(dst, s.Family)
	binary.BigEndian.PutUint16(dst[2:], s.Port)
	copy(dst[4:8], s.IP[:])
}

func DecodeSockAddr(b []byte) (s SockAddr) {
	_ = b[SOCK_ADDR_SIZE-1]
	s.Family = binary.LittleEndian.Uint16(b)
	s.Port = binary.BigEndian.Uint16(b[2:])
	copy(s.IP[:], b[4:8])
	return s
}

// BindCmd is sent with SOCKET_CMD_BIND and SOCKET_CMD_SSL_BIND.
type BindCmd struct {
	Addr    SockAddr
	Sock    int8
	Session uint16
}

func (c *BindCmd) Put(dst []byte) {
	_ = dst[BIND_CMD_SIZE-1]
	c.Addr.Put(dst)
	dst[8] = byte(c.Sock)
	dst[9] = 0
	binary.LittleEndian.PutUint16(dst[10:], c.Session)
}

// ListenCmd is sent with SOCKET_CMD_LISTEN.
type ListenCmd struct {
	Sock    int8
	Backlog uint8
	Session uint16
}

func (c *ListenCmd) Put(dst []byte) {
	_ = dst[LISTEN_CMD_SIZE-1]
	dst[0] = byte(c.Sock)
	dst[1] = c.Backlog
	binary.LittleEndian.PutUint16(dst[2:], c.Session)
}

// ConnectCmd is sent with SOCKET_CMD_CONNECT and SOCKET_CMD_SSL_CONNECT.
type ConnectCmd struct {
	Addr     SockAddr
	Sock     int8
	SSLFlags uint8
	Session  uint16
}

func (c *ConnectCmd) Put(dst []byte) {
	_ = dst[CONNECT_CMD_SIZE-1]
	c.Addr.Put(dst)
	dst[8] = byte(c.Sock)
	dst[9] = c.SSLFlags
	binary.LittleEndian.PutUint16(dst[10:], c.Session)
}

// SendCmd precedes the payload of SEND, SENDTO and SSL_SEND requests.
type SendCmd struct {
	Sock     int8
	DataSize uint16
	Addr     SockAddr
	Session  uint16
}

func (c *SendCmd) Put(dst []byte) {
	_ = dst[SEND_CMD_SIZE-1]
	clear(dst[:SEND_CMD_SIZE])
	dst[0] = byte(c.Sock)
	binary.LittleEndian.PutUint16(dst[2:], c.DataSize)
	c.Addr.Put(dst[4:])
	binary.LittleEndian.PutUint16(dst[12:], c.Session)
}

func DecodeSendCmd(b []byte) (c SendCmd) {
	_ = b[SEND_CMD_SIZE-1]
	c.Sock = int8(b[0])
	c.DataSize = binary.LittleEndian.Uint16(b[2:])
	c.Addr = DecodeSockAddr(b[4:])
	c.Session = binary.LittleEndian.Uint16(b[12:])
	return c
}

// RecvCmd is sent with RECV, RECVFROM and SSL_RECV requests.
type RecvCmd struct {
	TimeoutMillis uint32
	Sock          int8
	Session       uint16
}

func (c *RecvCmd) Put(dst []byte) {
	_ = dst[RECV_CMD_SIZE-1]
	binary.LittleEndian.PutUint32(dst, c.TimeoutMillis)
	dst[4] = byte(c.Sock)
	dst[5] = 0
	binary.LittleEndian.PutUint16(dst[6:], c.Session)
}

// CloseCmd is sent with CLOSE and SSL_CLOSE requests.
type CloseCmd struct {
	Sock    int8
	Session uint16
}

func (c *CloseCmd) Put(dst []byte) {
	_ = dst[CLOSE_CMD_SIZE-1]
	dst[0] = byte(c.Sock)
	dst[1] = 0
	binary.LittleEndian.PutUint16(dst[2:], c.Session)
}

// SetSockOptCmd is sent with SOCKET_CMD_SET_SOCKET_OPTION.
type SetSockOptCmd struct {
	Value   uint32
	Sock    int8
	Option  uint8
	Session uint16
}

func (c *SetSockOptCmd) Put(dst []byte) {
	_ = dst[SET_SOCK_OPT_CMD_SIZE-1]
	binary.LittleEndian.PutUint32(dst, c.Value)
	dst[4] = byte(c.Sock)
	dst[5] = c.Option
	binary.LittleEndian.PutUint16(dst[6:], c.Session)
}

// SSLSockOptCmd is sent with SOCKET_CMD_SSL_SET_SOCK_OPT.
type SSLSockOptCmd struct {
	Sock    int8
	Option  uint8
	Session uint16
	Value   []byte // At most SSL_SOCK_OPT_MAX bytes.
}

func (c *SSLSockOptCmd) Put(dst []byte) {
	_ = dst[SSL_SOCK_OPT_CMD_SIZE-1]
	clear(dst[:SSL_SOCK_OPT_CMD_SIZE])
	dst[0] = byte(c.Sock)
	dst[1] = c.Option
	binary.LittleEndian.PutUint16(dst[2:], c.Session)
	n := copy(dst[8:8+SSL_SOCK_OPT_MAX], c.Value)
	binary.LittleEndian.PutUint32(dst[4:], uint32(n))
}

// PingCmd is sent with SOCKET_CMD_PING.
type PingCmd struct {
	DestIP  [4]byte
	Private uint32
	Count   uint16
	TTL     uint8
}

func (c *PingCmd) Put(dst []byte) {
	_ = dst[PING_CMD_SIZE-1]
	copy(dst[0:4], c.DestIP[:])
	binary.LittleEndian.PutUint32(dst[4:], c.Private)
	binary.LittleEndian.PutUint16(dst[8:], c.Count)
	dst[10] = c.TTL
	dst[11] = 0
}

// PingReply is received in response to a ping request.
type PingReply struct {
	IP      [4]byte
	Private uint32
	RTT     uint32
	Success uint16
	Fail    uint16
	ErrCode uint8
}

func DecodePingReply(b []byte) (r PingReply) {
	_ = b[PING_REPLY_SIZE-1]
	copy(r.IP[:], b[0:4])
	r.Private = binary.LittleEndian.Uint32(b[4:])
	r.RTT = binary.LittleEndian.Uint32(b[8:])
	r.Success = binary.LittleEndian.Uint16(b[12:])
	r.Fail = binary.LittleEndian.Uint16(b[14:])
	r.ErrCode = b[16]
	return r
}

func (r *PingReply) Put(dst []byte) {
	_ = dst[PING_REPLY_SIZE-1]
	clear(dst[:PING_REPLY_SIZE])
	copy(dst[0:4], r.IP[:])
	binary.LittleEndian.PutUint32(dst[4:], r.Private)
	binary.LittleEndian.PutUint32(dst[8:], r.RTT)
	binary.LittleEndian.PutUint16(dst[12:], r.Success)
	binary.LittleEndian.PutUint16(dst[14:], r.Fail)
	dst[16] = r.ErrCode
}

// DNSReply is received in response to SOCKET_CMD_DNS_RESOLVE.
type DNSReply struct {
	Host string
	IP   [4]byte
}

func DecodeDNSReply(b []byte) (r DNSReply) {
	_ = b[DNS_REPLY_SIZE-1]
	r.Host = CString(b[:HOSTNAME_MAX_SIZE])
	copy(r.IP[:], b[HOSTNAME_MAX_SIZE:])
	return r
}

func (r *DNSReply) Put(dst []byte) {
	_ = dst[DNS_REPLY_SIZE-1]
	PutCString(dst[:HOSTNAME_MAX_SIZE], r.Host)
	copy(dst[HOSTNAME_MAX_SIZE:], r.IP[:])
}

// BindReply is received for bind and listen requests.
type BindReply struct {
	Sock    int8
	Status  SockError
	Session uint16
}

func DecodeBindReply(b []byte) (r BindReply) {
	_ = b[BIND_REPLY_SIZE-1]
	r.Sock = int8(b[0])
	r.Status = SockError(b[1])
	r.Session = binary.LittleEndian.Uint16(b[2:])
	return r
}

func (r *BindReply) Put(dst []byte) {
	_ = dst[BIND_REPLY_SIZE-1]
	dst[0] = byte(r.Sock)
	dst[1] = byte(r.Status)
	binary.LittleEndian.PutUint16(dst[2:], r.Session)
}

// AcceptReply announces a new connection on a listening socket.
type AcceptReply struct {
	Addr          SockAddr
	ListenSock    int8
	ConnectedSock int8
	AppDataOffset uint16
}

func DecodeAcceptReply(b []byte) (r AcceptReply) {
	_ = b[ACCEPT_REPLY_SIZE-1]
	r.Addr = DecodeSockAddr(b)
	r.ListenSock = int8(b[8])
	r.ConnectedSock = int8(b[9])
	r.AppDataOffset = binary.LittleEndian.Uint16(b[10:])
	return r
}

func (r *AcceptReply) Put(dst []byte) {
	_ = dst[ACCEPT_REPLY_SIZE-1]
	r.Addr.Put(dst)
	dst[8] = byte(r.ListenSock)
	dst[9] = byte(r.ConnectedSock)
	binary.LittleEndian.PutUint16(dst[10:], r.AppDataOffset)
}

// ConnectReply is received for connect requests.
type ConnectReply struct {
	Sock          int8
	Err           SockError
	AppDataOffset uint16
}

func DecodeConnectReply(b []byte) (r ConnectReply) {
	_ = b[CONNECT_REPLY_SIZE-1]
	r.Sock = int8(b[0])
	r.Err = SockError(b[1])
	r.AppDataOffset = binary.LittleEndian.Uint16(b[2:])
	return r
}

func (r *ConnectReply) Put(dst []byte) {
	_ = dst[CONNECT_REPLY_SIZE-1]
	dst[0] = byte(r.Sock)
	dst[1] = byte(r.Err)
	binary.LittleEndian.PutUint16(dst[2:], r.AppDataOffset)
}

// SendReply is received once the firmware has consumed a send request.
type SendReply struct {
	Sock      int8
	SentBytes int16
	Session   uint16
}

func DecodeSendReply(b []byte) (r SendReply) {
	_ = b[SEND_REPLY_SIZE-1]
	r.Sock = int8(b[0])
	r.SentBytes = int16(binary.LittleEndian.Uint16(b[2:]))
	r.Session = binary.LittleEndian.Uint16(b[4:])
	return r
}

func (r *SendReply) Put(dst []byte) {
	_ = dst[SEND_REPLY_SIZE-1]
	clear(dst[:SEND_REPLY_SIZE])
	dst[0] = byte(r.Sock)
	binary.LittleEndian.PutUint16(dst[2:], uint16(r.SentBytes))
	binary.LittleEndian.PutUint16(dst[4:], r.Session)
}

// RecvReply precedes received data. Status is the number of received bytes
// when positive and a SockError otherwise.
type RecvReply struct {
	RemoteAddr SockAddr
	Status     int16
	DataOffset uint16
	Sock       int8
	Session    uint16
}

func DecodeRecvReply(b []byte) (r RecvReply) {
	_ = b[RECV_REPLY_SIZE-1]
	r.RemoteAddr = DecodeSockAddr(b)
	r.Status = int16(binary.LittleEndian.Uint16(b[8:]))
	r.DataOffset = binary.LittleEndian.Uint16(b[10:])
	r.Sock = int8(b[12])
	r.Session = binary.LittleEndian.Uint16(b[14:])
	return r
}

func (r *RecvReply) Put(dst []byte) {
	_ = dst[RECV_REPLY_SIZE-1]
	r.RemoteAddr.Put(dst)
	binary.LittleEndian.PutUint16(dst[8:], uint16(r.Status))
	binary.LittleEndian.PutUint16(dst[10:], r.DataOffset)
	dst[12] = byte(r.Sock)
	dst[13] = 0
	binary.LittleEndian.PutUint16(dst[14:], r.Session)
}
