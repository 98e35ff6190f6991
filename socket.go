package winc1500

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/winc1500/m2m"
)

// Socket is a chip socket descriptor. Descriptors below m2m.TCP_SOCK_MAX are
// TCP sockets, the rest UDP.
type Socket int8

// SocketEvent is the result of an asynchronous socket request. Only the
// fields relevant to Msg are set.
type SocketEvent struct {
	Msg m2m.SocketMsg
	// Err is the status of bind, listen and connect requests and the error
	// of a failed receive.
	Err m2m.SockError
	// Accepted is the new descriptor of an accepted connection. Negative if
	// the chip could not accept it.
	Accepted Socket
	// Addr is the peer of an accepted connection or of a received datagram.
	Addr netip.AddrPort
	// Status is the receive status: the total bytes of the reception when
	// positive, a SockError otherwise.
	Status int16
	// Data is the received chunk. It aliases the buffer passed to Recv and is
	// only valid during the handler call.
	Data []byte
	// Remaining is the number of bytes of the reception still to be
	// delivered in later events.
	Remaining uint16
	// Sent is the number of bytes sent, or a SockError if negative.
	Sent int16
}

// SocketHandler receives socket events. It must not retain ev.
type SocketHandler func(s Socket, ev *SocketEvent)

// DNSHandler receives the result of a host name resolution. ip is the zero
// IPv4 address if resolution failed.
type DNSHandler func(host string, ip netip.Addr)

// PingHandler receives the result of a ping request.
type PingHandler func(reply m2m.PingReply)

// CertExpCheck configures how TLS certificates are checked for expiration.
type CertExpCheck uint32

const (
	CertExpCheckDisable CertExpCheck = iota
	CertExpCheckEnable
	// CertExpCheckEnableIfSysTime checks expiration only once the chip has
	// a valid system time.
	CertExpCheckEnableIfSysTime
)

type socket struct {
	buf         []byte // User receive buffer.
	session     uint16
	dataOffset  uint16
	used        bool
	recvPending bool
	sslFlags    uint8
}

type socketContext struct {
	socks     [m2m.MAX_SOCKET]socket
	session   uint16
	nextTCP   uint8
	nextUDP   uint8
	handler   SocketHandler
	dns       DNSHandler
	ping      PingHandler
	pingToken uint32
}

// socketInit clears the socket table. Registered handlers are kept.
func (d *Device) socketInit() {
	d.smu.Lock()
	defer d.smu.Unlock()
	d.sock = socketContext{handler: d.sock.handler, dns: d.sock.dns}
}

// RegisterSocketHandlers sets the handlers for socket and DNS events.
func (d *Device) RegisterSocketHandlers(sh SocketHandler, dh DNSHandler) {
	d.smu.Lock()
	d.sock.handler = sh
	d.sock.dns = dh
	d.smu.Unlock()
}

// SocketReady reports whether the chip is started and sockets may be used.
func (d *Device) SocketReady() bool {
	return d.state() == stateStarted
}

// entry returns the table entry of s if s is in use. Called with d.smu held.
func (d *Device) entry(s Socket) (*socket, bool) {
	if s < 0 || int(s) >= m2m.MAX_SOCKET || !d.sock.socks[s].used {
		return nil, false
	}
	return &d.sock.socks[s], true
}

// nextSession returns a new non-zero session id. Called with d.smu held.
func (d *Device) nextSession() uint16 {
	d.sock.session++
	if d.sock.session == 0 {
		d.sock.session++
	}
	return d.sock.session
}

// Socket allocates a socket of type typ (m2m.SOCK_STREAM or m2m.SOCK_DGRAM).
// flags may have m2m.SOCKET_FLAGS_SSL set for a TLS stream socket.
func (d *Device) Socket(domain, typ, flags uint8) (Socket, error) {
	if domain != m2m.AF_INET {
		return -1, m2m.SockErrInvalidArg
	}
	if !d.SocketReady() {
		return -1, m2m.SockErrInvalid
	}
	d.smu.Lock()
	s := Socket(-1)
	switch typ {
	case m2m.SOCK_STREAM:
		for i := 0; i < m2m.TCP_SOCK_MAX && s < 0; i++ {
			idx := d.sock.nextTCP
			d.sock.nextTCP = (idx + 1) % m2m.TCP_SOCK_MAX
			if !d.sock.socks[idx].used {
				s = Socket(idx)
			}
		}
		if s < 0 {
			d.smu.Unlock()
			return -1, m2m.SockErrMaxTCPSock
		}
	case m2m.SOCK_DGRAM:
		for i := 0; i < m2m.UDP_SOCK_MAX && s < 0; i++ {
			idx := m2m.TCP_SOCK_MAX + d.sock.nextUDP
			d.sock.nextUDP = (d.sock.nextUDP + 1) % m2m.UDP_SOCK_MAX
			if !d.sock.socks[idx].used {
				s = Socket(idx)
			}
		}
		if s < 0 {
			d.smu.Unlock()
			return -1, m2m.SockErrMaxUDPSock
		}
	default:
		d.smu.Unlock()
		return -1, m2m.SockErrInvalidArg
	}
	e := &d.sock.socks[s]
	*e = socket{used: true, session: d.nextSession()}
	ssl := typ == m2m.SOCK_STREAM && flags&m2m.SOCKET_FLAGS_SSL != 0
	if ssl {
		e.sslFlags = m2m.SSL_FLAGS_ACTIVE | m2m.SSL_FLAGS_NO_TX_COPY
	}
	session := e.session
	d.smu.Unlock()

	if ssl {
		var ctrl [m2m.SSL_CREATE_CMD_SIZE]byte
		ctrl[0] = byte(s)
		err := d.HIFSend(m2m.GroupIP, m2m.SOCKET_CMD_SSL_CREATE, ctrl[:], nil, 0)
		if err != nil {
			d.warn("socket:ssl-create", slog.Int("sock", int(s)), errAttr(err))
		}
	}
	d.debug("socket:open", slog.Int("sock", int(s)), slog.Int("session", int(session)), slog.Bool("ssl", ssl))
	return s, nil
}

// Bind binds s to the local address addr. The result is delivered in a
// SocketMsgBind event.
func (d *Device) Bind(s Socket, addr netip.AddrPort) error {
	if addr.Addr().IsValid() && !addr.Addr().Is4() {
		return m2m.SockErrInvalidArg
	}
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.BindCmd{Addr: m2m.SockAddrFrom(addr), Sock: int8(s), Session: e.session}
	op := uint8(m2m.SOCKET_CMD_BIND)
	if e.sslFlags&m2m.SSL_FLAGS_ACTIVE != 0 {
		op = m2m.SOCKET_CMD_SSL_BIND
	}
	d.smu.Unlock()
	var ctrl [m2m.BIND_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	return d.sockRequest(op, ctrl[:], nil, 0, m2m.SockErrInvalid)
}

// Listen starts accepting connections on bound TCP socket s. The result is
// delivered in a SocketMsgListen event and each new connection in a
// SocketMsgAccept event.
func (d *Device) Listen(s Socket, backlog uint8) error {
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.ListenCmd{Sock: int8(s), Backlog: backlog, Session: e.session}
	d.smu.Unlock()
	var ctrl [m2m.LISTEN_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	return d.sockRequest(m2m.SOCKET_CMD_LISTEN, ctrl[:], nil, 0, m2m.SockErrInvalid)
}

// Accept validates listening socket s. Connections are accepted by the
// firmware and announced in SocketMsgAccept events.
func (d *Device) Accept(s Socket) error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if _, ok := d.entry(s); !ok {
		return m2m.SockErrInvalidArg
	}
	return nil
}

// Connect connects s to addr. The result is delivered in a
// SocketMsgConnect event.
func (d *Device) Connect(s Socket, addr netip.AddrPort) error {
	if !addr.Addr().Is4() {
		return m2m.SockErrInvalidArg
	}
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.ConnectCmd{Addr: m2m.SockAddrFrom(addr), Sock: int8(s), Session: e.session}
	op := uint8(m2m.SOCKET_CMD_CONNECT)
	if e.sslFlags&m2m.SSL_FLAGS_ACTIVE != 0 {
		op = m2m.SOCKET_CMD_SSL_CONNECT
		cmd.SSLFlags = e.sslFlags
	}
	d.smu.Unlock()
	var ctrl [m2m.CONNECT_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	return d.sockRequest(op, ctrl[:], nil, 0, m2m.SockErrInvalid)
}

// Send sends buf on connected socket s. buf is copied to the chip before
// Send returns. Completion is delivered in a SocketMsgSend event.
// [m2m.SockErrBufferFull] means the chip is out of buffers and the send
// should be retried.
func (d *Device) Send(s Socket, buf []byte) error {
	if len(buf) == 0 || len(buf) > m2m.SOCKET_BUFFER_MAX_LENGTH {
		return m2m.SockErrInvalidArg
	}
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.SendCmd{Sock: int8(s), DataSize: uint16(len(buf)), Session: e.session}
	op := uint8(m2m.SOCKET_CMD_SEND)
	offset := uint16(m2m.TCP_TX_PACKET_OFFSET)
	if s >= m2m.TCP_SOCK_MAX {
		offset = m2m.UDP_TX_PACKET_OFFSET
	}
	if e.sslFlags&m2m.SSL_FLAGS_ACTIVE != 0 {
		op = m2m.SOCKET_CMD_SSL_SEND
		offset = e.dataOffset
		if offset == 0 {
			offset = m2m.SSL_TX_PACKET_OFFSET
		}
	}
	d.smu.Unlock()
	var ctrl [m2m.SEND_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	return d.sockRequest(op|m2m.REQ_DATA_PKT, ctrl[:], buf, offset, m2m.SockErrBufferFull)
}

// SendTo sends the datagram buf to addr on socket s. Completion is delivered
// in a SocketMsgSendTo event.
func (d *Device) SendTo(s Socket, buf []byte, addr netip.AddrPort) error {
	if len(buf) == 0 || len(buf) > m2m.SOCKET_BUFFER_MAX_LENGTH || !addr.Addr().Is4() {
		return m2m.SockErrInvalidArg
	}
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.SendCmd{Sock: int8(s), DataSize: uint16(len(buf)), Addr: m2m.SockAddrFrom(addr), Session: e.session}
	d.smu.Unlock()
	var ctrl [m2m.SEND_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	return d.sockRequest(m2m.SOCKET_CMD_SENDTO|m2m.REQ_DATA_PKT, ctrl[:], buf, m2m.UDP_TX_PACKET_OFFSET, m2m.SockErrBufferFull)
}

// Recv requests data on connected socket s. Received data is delivered in
// SocketMsgRecv events in chunks of at most len(buf) bytes written to buf,
// which must stay valid until the reception completes. A zero timeout waits
// indefinitely. If a receive is already outstanding only buf is replaced.
func (d *Device) Recv(s Socket, buf []byte, timeout time.Duration) error {
	return d.recv(s, buf, timeout, false)
}

// RecvFrom is Recv for UDP sockets. Events are SocketMsgRecvFrom and carry
// the sender's address.
func (d *Device) RecvFrom(s Socket, buf []byte, timeout time.Duration) error {
	return d.recv(s, buf, timeout, true)
}

func (d *Device) recv(s Socket, buf []byte, timeout time.Duration, from bool) error {
	if len(buf) == 0 {
		return m2m.SockErrInvalidArg
	}
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	e.buf = buf
	if e.recvPending {
		d.smu.Unlock()
		return nil
	}
	e.recvPending = true
	op := uint8(m2m.SOCKET_CMD_RECV)
	switch {
	case from:
		op = m2m.SOCKET_CMD_RECVFROM
	case e.sslFlags&m2m.SSL_FLAGS_ACTIVE != 0:
		op = m2m.SOCKET_CMD_SSL_RECV
	}
	session := e.session
	d.smu.Unlock()

	cmd := m2m.RecvCmd{TimeoutMillis: recvTimeout(timeout), Sock: int8(s), Session: session}
	var ctrl [m2m.RECV_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	err := d.sockRequest(op, ctrl[:], nil, 0, m2m.SockErrBufferFull)
	if err != nil {
		d.smu.Lock()
		if e, ok := d.entry(s); ok && e.session == session {
			e.recvPending = false
		}
		d.smu.Unlock()
	}
	return err
}

func recvTimeout(timeout time.Duration) uint32 {
	if timeout <= 0 {
		return 0xffffffff
	}
	ms := timeout.Milliseconds()
	switch {
	case ms == 0:
		ms = 1
	case ms >= 0xffffffff:
		ms = 0xfffffffe
	}
	return uint32(ms)
}

// Close closes s. The descriptor is freed even if the close request could
// not be sent to the chip, in which case [m2m.SockErrInvalid] is returned.
func (d *Device) Close(s Socket) error {
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.CloseCmd{Sock: int8(s), Session: e.session}
	op := uint8(m2m.SOCKET_CMD_CLOSE)
	if e.sslFlags&m2m.SSL_FLAGS_ACTIVE != 0 {
		op = m2m.SOCKET_CMD_SSL_CLOSE
	}
	d.smu.Unlock()
	var ctrl [m2m.CLOSE_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	err := d.sockRequest(op, ctrl[:], nil, 0, m2m.SockErrInvalid)
	d.smu.Lock()
	d.sock.socks[s] = socket{}
	d.smu.Unlock()
	d.debug("socket:close", slog.Int("sock", int(s)))
	return err
}

// SetSockOpt sets a socket option. For level m2m.SOL_SOCKET value is an
// integer or bool. For level m2m.SOL_SSL_SOCKET the flag options take a bool
// or integer and m2m.SO_SSL_SNI takes the server name as a string or []byte.
func (d *Device) SetSockOpt(s Socket, level, opt uint8, value any) error {
	switch level {
	case m2m.SOL_SOCKET:
		v, ok := optUint(value)
		if !ok {
			return m2m.SockErrInvalidArg
		}
		d.smu.Lock()
		e, ok := d.entry(s)
		if !ok {
			d.smu.Unlock()
			return m2m.SockErrInvalidArg
		}
		cmd := m2m.SetSockOptCmd{Value: v, Sock: int8(s), Option: opt, Session: e.session}
		d.smu.Unlock()
		var ctrl [m2m.SET_SOCK_OPT_CMD_SIZE]byte
		cmd.Put(ctrl[:])
		return d.sockRequest(m2m.SOCKET_CMD_SET_SOCKET_OPTION, ctrl[:], nil, 0, m2m.SockErrInvalid)
	case m2m.SOL_SSL_SOCKET:
		return d.setSSLSockOpt(s, opt, value)
	}
	return m2m.SockErrInvalidArg
}

func (d *Device) setSSLSockOpt(s Socket, opt uint8, value any) error {
	d.smu.Lock()
	e, ok := d.entry(s)
	if !ok || s >= m2m.TCP_SOCK_MAX || e.sslFlags&m2m.SSL_FLAGS_ACTIVE == 0 {
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	var flag uint8
	switch opt {
	case m2m.SO_SSL_BYPASS_X509_VERIF:
		flag = m2m.SSL_FLAGS_BYPASS_X509
	case m2m.SO_SSL_ENABLE_SESSION_CACHING:
		flag = m2m.SSL_FLAGS_CACHE_SESSION
	case m2m.SO_SSL_ENABLE_SNI_VALIDATION:
		flag = m2m.SSL_FLAGS_CHECK_SNI
	case m2m.SO_SSL_SNI:
		session := e.session
		d.smu.Unlock()
		return d.setSNI(s, session, value)
	default:
		d.smu.Unlock()
		return m2m.SockErrInvalidArg
	}
	defer d.smu.Unlock()
	v, ok := optUint(value)
	if !ok {
		return m2m.SockErrInvalidArg
	}
	if v != 0 {
		e.sslFlags |= flag
	} else {
		e.sslFlags &^= flag
	}
	return nil
}

func (d *Device) setSNI(s Socket, session uint16, value any) error {
	var name []byte
	switch v := value.(type) {
	case string:
		name = []byte(v)
	case []byte:
		name = v
	default:
		return m2m.SockErrInvalidArg
	}
	if len(name) >= m2m.SSL_SOCK_OPT_MAX {
		return m2m.SockErrInvalidArg
	}
	cmd := m2m.SSLSockOptCmd{Sock: int8(s), Option: m2m.SO_SSL_SNI, Session: session, Value: name}
	var ctrl [m2m.SSL_SOCK_OPT_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	err := d.HIFSend(m2m.GroupIP, m2m.SOCKET_CMD_SSL_SET_SOCK_OPT, ctrl[:], nil, 0)
	if errors.Is(err, m2m.ErrMemAlloc) {
		err = d.HIFSend(m2m.GroupIP, m2m.SOCKET_CMD_SSL_SET_SOCK_OPT|m2m.REQ_DATA_PKT, ctrl[:], nil, 0)
	}
	if err != nil {
		return m2m.SockErrInvalid
	}
	return nil
}

func optUint(value any) (uint32, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int:
		return uint32(v), true
	case uint32:
		return v, true
	case int32:
		return uint32(v), true
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	}
	return 0, false
}

// ResolveHost requests resolution of host. The result is delivered to the
// DNS handler.
func (d *Device) ResolveHost(host string) error {
	if len(host) == 0 || len(host) > m2m.HOSTNAME_MAX_SIZE {
		return m2m.SockErrInvalidArg
	}
	var ctrl [m2m.HOSTNAME_MAX_SIZE + 1]byte
	n := copy(ctrl[:], host)
	return d.HIFSend(m2m.GroupIP, m2m.SOCKET_CMD_DNS_RESOLVE|m2m.REQ_DATA_PKT, ctrl[:n+1], nil, 0)
}

// Ping sends one ICMP echo request to ip. The reply is delivered to h,
// replacing the handler of any outstanding ping.
func (d *Device) Ping(ip netip.Addr, ttl uint8, h PingHandler) error {
	if !ip.Is4() || ip.IsUnspecified() || h == nil {
		return m2m.SockErrInvalidArg
	}
	d.smu.Lock()
	d.sock.pingToken++
	d.sock.ping = h
	cmd := m2m.PingCmd{DestIP: ip.As4(), Private: d.sock.pingToken, Count: 1, TTL: ttl}
	d.smu.Unlock()
	var ctrl [m2m.PING_CMD_SIZE]byte
	cmd.Put(ctrl[:])
	return d.HIFSend(m2m.GroupIP, m2m.SOCKET_CMD_PING, ctrl[:], nil, 0)
}

// SSLCertExpirationCheck configures TLS certificate expiration checking for
// all sockets.
func (d *Device) SSLCertExpirationCheck(mode CertExpCheck) error {
	var ctrl [m2m.SSL_EXP_CHECK_SIZE]byte
	binary.LittleEndian.PutUint32(ctrl[:], uint32(mode))
	return d.HIFSend(m2m.GroupIP, m2m.SOCKET_CMD_SSL_EXP_CHECK, ctrl[:], nil, 0)
}

// sockRequest sends a socket request, mapping a send failure to fail.
func (d *Device) sockRequest(op uint8, ctrl, data []byte, offset uint16, fail m2m.SockError) error {
	err := d.HIFSend(m2m.GroupIP, op, ctrl, data, offset)
	if err != nil {
		d.debug("socket:request-failed", slog.Int("op", int(op)), errAttr(err))
		return fail
	}
	return nil
}

// ipEvent handles socket responses on GroupIP.
func (d *Device) ipEvent(opcode uint8, size uint16, addr uint32) {
	var buf [m2m.DNS_REPLY_SIZE]byte
	switch opcode {
	case m2m.SOCKET_CMD_BIND, m2m.SOCKET_CMD_SSL_BIND, m2m.SOCKET_CMD_LISTEN:
		if d.HIFReceive(addr, buf[:m2m.BIND_REPLY_SIZE], false) != nil {
			return
		}
		r := m2m.DecodeBindReply(buf[:])
		ev := SocketEvent{Msg: m2m.SocketMsgBind, Err: r.Status}
		if opcode == m2m.SOCKET_CMD_LISTEN {
			ev.Msg = m2m.SocketMsgListen
		}
		d.dispatchSession(Socket(r.Sock), r.Session, &ev)

	case m2m.SOCKET_CMD_ACCEPT:
		if d.HIFReceive(addr, buf[:m2m.ACCEPT_REPLY_SIZE], false) != nil {
			return
		}
		r := m2m.DecodeAcceptReply(buf[:])
		d.acceptReply(r)

	case m2m.SOCKET_CMD_CONNECT, m2m.SOCKET_CMD_SSL_CONNECT:
		if d.HIFReceive(addr, buf[:m2m.CONNECT_REPLY_SIZE], false) != nil {
			return
		}
		r := m2m.DecodeConnectReply(buf[:])
		s := Socket(r.Sock)
		d.smu.Lock()
		e, ok := d.entry(s)
		if ok && r.Err >= 0 {
			e.dataOffset = r.AppDataOffset - m2m.HIF_HDR_OFFSET
		}
		h := d.sock.handler
		d.smu.Unlock()
		if ok && h != nil {
			h(s, &SocketEvent{Msg: m2m.SocketMsgConnect, Err: r.Err})
		}

	case m2m.SOCKET_CMD_RECV, m2m.SOCKET_CMD_RECVFROM, m2m.SOCKET_CMD_SSL_RECV:
		if d.HIFReceive(addr, buf[:m2m.RECV_REPLY_SIZE], false) != nil {
			return
		}
		r := m2m.DecodeRecvReply(buf[:])
		msg := m2m.SocketMsgRecv
		if opcode == m2m.SOCKET_CMD_RECVFROM {
			msg = m2m.SocketMsgRecvFrom
		}
		d.recvReply(msg, r, size, addr)

	case m2m.SOCKET_CMD_SEND, m2m.SOCKET_CMD_SENDTO, m2m.SOCKET_CMD_SSL_SEND:
		if d.HIFReceive(addr, buf[:m2m.SEND_REPLY_SIZE], false) != nil {
			return
		}
		r := m2m.DecodeSendReply(buf[:])
		ev := SocketEvent{Msg: m2m.SocketMsgSend, Sent: r.SentBytes}
		if opcode == m2m.SOCKET_CMD_SENDTO {
			ev.Msg = m2m.SocketMsgSendTo
		}
		d.dispatchSession(Socket(r.Sock), r.Session, &ev)

	case m2m.SOCKET_CMD_DNS_RESOLVE:
		if d.HIFReceive(addr, buf[:m2m.DNS_REPLY_SIZE], false) != nil {
			return
		}
		r := m2m.DecodeDNSReply(buf[:])
		d.smu.Lock()
		h := d.sock.dns
		d.smu.Unlock()
		if h != nil {
			h(r.Host, netip.AddrFrom4(r.IP))
		}

	case m2m.SOCKET_CMD_PING:
		var pbuf [m2m.PING_REPLY_SIZE]byte
		if d.HIFReceive(addr, pbuf[:], true) != nil {
			return
		}
		r := m2m.DecodePingReply(pbuf[:])
		d.smu.Lock()
		h := d.sock.ping
		if r.Private != d.sock.pingToken {
			h = nil
		} else {
			d.sock.ping = nil
		}
		d.smu.Unlock()
		if h != nil {
			h(r)
		}

	default:
		d.debug("socket:unhandled-op", slog.Int("op", int(opcode)))
	}
}

func (d *Device) acceptReply(r m2m.AcceptReply) {
	d.smu.Lock()
	if r.ConnectedSock >= 0 && int(r.ConnectedSock) < m2m.MAX_SOCKET {
		var sslFlags uint8
		if r.ListenSock >= 0 && int(r.ListenSock) < m2m.MAX_SOCKET {
			sslFlags = d.sock.socks[r.ListenSock].sslFlags
		}
		d.sock.socks[r.ConnectedSock] = socket{
			used:       true,
			sslFlags:   sslFlags,
			dataOffset: r.AppDataOffset - m2m.HIF_HDR_OFFSET,
			session:    d.nextSession(),
		}
	}
	h := d.sock.handler
	d.smu.Unlock()
	if h != nil {
		h(Socket(r.ListenSock), &SocketEvent{
			Msg:      m2m.SocketMsgAccept,
			Accepted: Socket(r.ConnectedSock),
			Addr:     r.Addr.AddrPort(),
		})
	}
}

// recvReply delivers a receive response. Responses for a previous user of
// the descriptor are flushed.
func (d *Device) recvReply(msg m2m.SocketMsg, r m2m.RecvReply, size uint16, addr uint32) {
	s := Socket(r.Sock)
	if s < 0 || int(s) >= m2m.MAX_SOCKET {
		d.HIFReceive(0, nil, true)
		return
	}
	d.smu.Lock()
	e := &d.sock.socks[s]
	e.recvPending = false
	match := e.used && e.session == r.Session
	h := d.sock.handler
	d.smu.Unlock()
	if !match {
		d.debug("socket:stale-recv", slog.Int("sock", int(s)), slog.Int("session", int(r.Session)))
		if size > m2m.RECV_REPLY_SIZE {
			d.HIFReceive(0, nil, true)
		}
		return
	}
	ev := SocketEvent{Msg: msg, Status: r.Status, Addr: r.RemoteAddr.AddrPort()}
	if r.Status > 0 && int(r.Status) < int(size) {
		d.readSocketData(s, r.Session, &ev, addr+uint32(r.DataOffset), uint16(r.Status))
		return
	}
	if r.Status < 0 {
		ev.Err = m2m.SockError(r.Status)
	}
	if h != nil {
		h(s, &ev)
	}
}

// readSocketData drains n bytes at addr into the user buffer of s, delivering
// one event per buffer-sized chunk.
func (d *Device) readSocketData(s Socket, session uint16, ev *SocketEvent, addr uint32, n uint16) {
	for n > 0 {
		d.smu.Lock()
		e := &d.sock.socks[s]
		if !e.used || e.session != session || len(e.buf) == 0 {
			d.smu.Unlock()
			d.debug("socket:closed-during-rx", slog.Int("sock", int(s)), slog.Int("left", int(n)))
			d.HIFReceive(0, nil, true)
			return
		}
		buf := e.buf
		h := d.sock.handler
		d.smu.Unlock()

		chunk := min(uint16(min(len(buf), 0xffff)), n)
		n -= chunk
		err := d.HIFReceive(addr, buf[:chunk], n == 0)
		if err != nil {
			d.logerr("socket:rx", slog.Int("sock", int(s)), errAttr(err))
			return
		}
		addr += uint32(chunk)
		ev.Data = buf[:chunk]
		ev.Remaining = n
		if h != nil {
			h(s, ev)
		}
	}
}

// dispatchSession calls the socket handler if session is current for s.
func (d *Device) dispatchSession(s Socket, session uint16, ev *SocketEvent) {
	d.smu.Lock()
	e, ok := d.entry(s)
	ok = ok && e.session == session
	h := d.sock.handler
	d.smu.Unlock()
	if !ok {
		d.debug("socket:stale-reply", slog.Int("sock", int(s)), slog.String("msg", ev.Msg.String()))
		return
	}
	if h != nil {
		h(s, ev)
	}
}
