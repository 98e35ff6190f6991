package winc1500

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/winc1500/m2m"
	"tinygo.org/x/drivers/netdev"
	"tinygo.org/x/drivers/netlink"
)

var (
	_ netdev.Netdever   = (*Netdev)(nil)
	_ netlink.Netlinker = (*Netdev)(nil)

	errNoIP         = errors.New("winc1500: no IP address")
	errSocketClosed = errors.New("winc1500: socket closed")
)

const (
	defaultPollInterval = time.Millisecond
	dnsTimeout          = 10 * time.Second
	requestTimeout      = 10 * time.Second
)

// Netdev adapts a Device to TinyGo's netdev and netlink interfaces. Calls
// block, polling the device for events until their request completes.
type Netdev struct {
	dev          *Device
	pollInterval time.Duration

	mu    sync.Mutex
	socks [m2m.MAX_SOCKET]sockState
	dns   struct {
		host string
		ip   netip.Addr
		done bool
	}
	link linkState
	wifi WifiHandler
}

// sockState tracks a socket's outstanding request and received data. Fields
// are written by socket event handlers.
type sockState struct {
	open bool
	udp  bool
	ssl  bool
	// Outstanding request and its result.
	op     m2m.SocketMsg
	opDone bool
	opErr  m2m.SockError
	sent   int16

	remote  netip.AddrPort
	accepts []acceptedConn

	rx        []byte // Receive buffer lent to the device.
	rxPending bool
	backlog   []byte
	backing   []byte
	eof       bool
	rxErr     m2m.SockError
}

type acceptedConn struct {
	s    Socket
	addr netip.AddrPort
}

// NewNetdev returns a Netdev using dev, which must be initialized. It takes
// over dev's socket, DNS and Wi-Fi handlers.
func NewNetdev(dev *Device) *Netdev {
	n := &Netdev{dev: dev, pollInterval: defaultPollInterval}
	dev.RegisterSocketHandlers(n.socketEvent, n.dnsEvent)
	dev.SetWifiHandler(n.wifiEvent)
	return n
}

// Device returns the underlying device.
func (n *Netdev) Device() *Device { return n.dev }

// SetWifiHandler sets a handler that receives Wi-Fi events after the Netdev
// has processed them.
func (n *Netdev) SetWifiHandler(h WifiHandler) {
	n.mu.Lock()
	n.wifi = h
	n.mu.Unlock()
}

// poll processes device events until cond, called with n.mu held, returns
// true. A zero deadline waits indefinitely.
func (n *Netdev) poll(deadline time.Time, cond func() bool) error {
	for {
		err := n.dev.HandleEvents()
		if err != nil && errors.Is(err, m2m.ErrBusFail) {
			return err
		}
		n.mu.Lock()
		ok := cond()
		n.mu.Unlock()
		if ok {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return netdev.ErrTimeout
		}
		time.Sleep(n.pollInterval)
	}
}

func (n *Netdev) socketEvent(s Socket, ev *SocketEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s < 0 || int(s) >= m2m.MAX_SOCKET {
		return
	}
	st := &n.socks[s]
	if !st.open {
		return
	}
	switch ev.Msg {
	case m2m.SocketMsgAccept:
		if ev.Accepted >= 0 {
			st.accepts = append(st.accepts, acceptedConn{s: ev.Accepted, addr: ev.Addr})
		}
	case m2m.SocketMsgRecv, m2m.SocketMsgRecvFrom:
		if len(ev.Data) > 0 {
			st.backlog = append(st.backlog, ev.Data...)
			if ev.Msg == m2m.SocketMsgRecvFrom {
				st.remote = ev.Addr
			}
			if ev.Remaining == 0 {
				st.rxPending = false
			}
			return
		}
		st.rxPending = false
		switch {
		case ev.Status == 0 || ev.Err == m2m.SockErrConnAborted:
			st.eof = true
		case ev.Err != m2m.SockNoError:
			st.rxErr = ev.Err
		}
	case st.op:
		st.opDone = true
		st.opErr = ev.Err
		st.sent = ev.Sent
	}
}

func (n *Netdev) dnsEvent(host string, ip netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if host == n.dns.host {
		n.dns.ip = ip
		n.dns.done = true
	}
}

// GetHostByName resolves name using the chip's DNS client. IPv4 literals are
// returned as is.
func (n *Netdev) GetHostByName(name string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(name); err == nil {
		return ip, nil
	}
	n.mu.Lock()
	n.dns.host = name
	n.dns.ip = netip.Addr{}
	n.dns.done = false
	n.mu.Unlock()
	err := n.dev.ResolveHost(name)
	if err != nil {
		return netip.Addr{}, err
	}
	err = n.poll(time.Now().Add(dnsTimeout), func() bool { return n.dns.done })
	if err != nil {
		return netip.Addr{}, netdev.ErrHostUnknown
	}
	n.mu.Lock()
	ip := n.dns.ip
	n.mu.Unlock()
	if !ip.IsValid() || ip.IsUnspecified() {
		return netip.Addr{}, netdev.ErrHostUnknown
	}
	return ip, nil
}

// Addr returns the address assigned by DHCP or statically.
func (n *Netdev) Addr() (netip.Addr, error) {
	_, cfg := n.dev.ConnState()
	if !cfg.IP.IsValid() || cfg.IP.IsUnspecified() {
		return netip.Addr{}, errNoIP
	}
	return cfg.IP, nil
}

func (n *Netdev) Socket(domain int, stype int, protocol int) (int, error) {
	if domain != netdev.AF_INET {
		return -1, netdev.ErrFamilyNotSupported
	}
	var typ, flags uint8
	switch {
	case stype == netdev.SOCK_STREAM && (protocol == 0 || protocol == netdev.IPPROTO_TCP):
		typ = m2m.SOCK_STREAM
	case stype == netdev.SOCK_STREAM && protocol == netdev.IPPROTO_TLS:
		typ = m2m.SOCK_STREAM
		flags = m2m.SOCKET_FLAGS_SSL
	case stype == netdev.SOCK_DGRAM && (protocol == 0 || protocol == netdev.IPPROTO_UDP):
		typ = m2m.SOCK_DGRAM
	default:
		return -1, netdev.ErrProtocolNotSupported
	}
	s, err := n.dev.Socket(m2m.AF_INET, typ, flags)
	if err != nil {
		if err == m2m.SockErrMaxTCPSock || err == m2m.SockErrMaxUDPSock {
			return -1, netdev.ErrNoMoreSockets
		}
		return -1, err
	}
	n.mu.Lock()
	n.socks[s].reset(typ == m2m.SOCK_DGRAM, flags != 0)
	n.mu.Unlock()
	return int(s), nil
}

func (st *sockState) reset(udp, ssl bool) {
	rx, backing := st.rx, st.backing
	*st = sockState{open: true, udp: udp, ssl: ssl}
	if rx == nil {
		rx = make([]byte, m2m.SOCKET_BUFFER_MAX_LENGTH)
	}
	st.rx = rx
	st.backing = backing[:0]
	st.backlog = st.backing
}

// sock validates fd. Called with n.mu held.
func (n *Netdev) sock(fd int) (Socket, *sockState, error) {
	if fd < 0 || fd >= m2m.MAX_SOCKET || !n.socks[fd].open {
		return -1, nil, netdev.ErrInvalidSocketFd
	}
	return Socket(fd), &n.socks[fd], nil
}

// request starts op on fd with send and waits for its completion event.
func (n *Netdev) request(fd int, op m2m.SocketMsg, deadline time.Time, send func(s Socket) error) (*sockState, error) {
	n.mu.Lock()
	s, st, err := n.sock(fd)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	st.op = op
	st.opDone = false
	st.opErr = m2m.SockNoError
	st.sent = 0
	n.mu.Unlock()
	err = send(s)
	if err != nil {
		return nil, err
	}
	err = n.poll(deadline, func() bool { return st.opDone || !st.open })
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !st.open {
		return nil, errSocketClosed
	}
	st.op = 0
	return st, st.opErr.Err()
}

func (n *Netdev) Bind(fd int, ip netip.AddrPort) error {
	_, err := n.request(fd, m2m.SocketMsgBind, time.Now().Add(requestTimeout), func(s Socket) error {
		return n.dev.Bind(s, ip)
	})
	return err
}

// Connect connects a TCP socket. For UDP sockets it sets the destination of
// Send. If ip has no address host is resolved. TLS sockets use host for
// server name indication.
func (n *Netdev) Connect(fd int, host string, ip netip.AddrPort) error {
	if !ip.Addr().IsValid() {
		if host == "" {
			return netdev.ErrMalAddr
		}
		addr, err := n.GetHostByName(host)
		if err != nil {
			return err
		}
		ip = netip.AddrPortFrom(addr, ip.Port())
	}
	n.mu.Lock()
	s, st, err := n.sock(fd)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	udp, ssl := st.udp, st.ssl
	if udp {
		st.remote = ip
	}
	n.mu.Unlock()
	if udp {
		return nil
	}
	if ssl && host != "" {
		err = n.dev.SetSockOpt(s, m2m.SOL_SSL_SOCKET, m2m.SO_SSL_SNI, host)
		if err != nil {
			return err
		}
	}
	st, err = n.request(fd, m2m.SocketMsgConnect, time.Now().Add(requestTimeout), func(s Socket) error {
		return n.dev.Connect(s, ip)
	})
	if err != nil {
		return err
	}
	n.mu.Lock()
	st.remote = ip
	n.mu.Unlock()
	return nil
}

func (n *Netdev) Listen(fd int, backlog int) error {
	_, err := n.request(fd, m2m.SocketMsgListen, time.Now().Add(requestTimeout), func(s Socket) error {
		return n.dev.Listen(s, uint8(min(max(backlog, 0), 0xff)))
	})
	if err != nil {
		return err
	}
	return n.dev.Accept(Socket(fd))
}

// Accept blocks until a connection arrives on listening socket fd.
func (n *Netdev) Accept(fd int) (int, netip.AddrPort, error) {
	n.mu.Lock()
	_, st, err := n.sock(fd)
	n.mu.Unlock()
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	err = n.poll(time.Time{}, func() bool { return len(st.accepts) > 0 || !st.open })
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !st.open {
		return -1, netip.AddrPort{}, errSocketClosed
	}
	c := st.accepts[0]
	st.accepts = st.accepts[1:]
	cs := &n.socks[c.s]
	cs.reset(false, st.ssl)
	cs.remote = c.addr
	return int(c.s), c.addr, nil
}

// Send sends buf, split in chunks the chip accepts. UDP sockets send buf as
// one datagram to the address set by Connect.
func (n *Netdev) Send(fd int, buf []byte, flags int, deadline time.Time) (int, error) {
	n.mu.Lock()
	_, st, err := n.sock(fd)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	udp, remote := st.udp, st.remote
	n.mu.Unlock()
	if udp && len(buf) > m2m.SOCKET_BUFFER_MAX_LENGTH {
		return 0, m2m.SockErrInvalidArg
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(requestTimeout)
	}
	total := 0
	for total < len(buf) {
		chunk := buf[total:min(len(buf), total+m2m.SOCKET_BUFFER_MAX_LENGTH)]
		op := m2m.SocketMsgSend
		if udp {
			op = m2m.SocketMsgSendTo
		}
		st, err := n.request(fd, op, deadline, func(s Socket) error {
			for {
				var err error
				if udp {
					err = n.dev.SendTo(s, chunk, remote)
				} else {
					err = n.dev.Send(s, chunk)
				}
				if err != m2m.SockErrBufferFull {
					return err
				}
				if time.Now().After(deadline) {
					return netdev.ErrTimeout
				}
				n.dev.HandleEvents()
				time.Sleep(n.pollInterval)
			}
		})
		if err != nil {
			return total, err
		}
		n.mu.Lock()
		sent := st.sent
		n.mu.Unlock()
		if sent <= 0 {
			return total, m2m.SockError(sent)
		}
		total += min(int(sent), len(chunk))
	}
	return total, nil
}

// Recv reads received data into buf. It returns io.EOF once the peer closed
// the connection.
func (n *Netdev) Recv(fd int, buf []byte, flags int, deadline time.Time) (int, error) {
	n.mu.Lock()
	s, st, err := n.sock(fd)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	if got := st.drain(buf); got > 0 {
		n.mu.Unlock()
		return got, nil
	}
	if st.eof {
		n.mu.Unlock()
		return 0, io.EOF
	}
	st.rxErr = m2m.SockNoError
	issue := !st.rxPending
	st.rxPending = true
	udp, rx := st.udp, st.rx
	n.mu.Unlock()

	if issue {
		var timeout time.Duration
		if !deadline.IsZero() {
			timeout = max(time.Until(deadline), time.Millisecond)
		}
		if udp {
			err = n.dev.RecvFrom(s, rx, timeout)
		} else {
			err = n.dev.Recv(s, rx, timeout)
		}
		if err != nil {
			n.mu.Lock()
			st.rxPending = false
			n.mu.Unlock()
			return 0, err
		}
	}
	err = n.poll(deadline, func() bool {
		return len(st.backlog) > 0 || st.eof || st.rxErr != m2m.SockNoError || !st.open
	})
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case !st.open:
		return 0, errSocketClosed
	case len(st.backlog) > 0:
		return st.drain(buf), nil
	case st.eof:
		return 0, io.EOF
	case st.rxErr == m2m.SockErrTimeout:
		return 0, netdev.ErrTimeout
	}
	return 0, st.rxErr
}

// drain copies buffered data into buf. Called with n.mu held.
func (st *sockState) drain(buf []byte) int {
	got := copy(buf, st.backlog)
	st.backlog = st.backlog[got:]
	if len(st.backlog) == 0 {
		st.backing = st.backing[:0]
		st.backlog = st.backing
	}
	return got
}

func (n *Netdev) Close(fd int) error {
	n.mu.Lock()
	s, st, err := n.sock(fd)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	st.open = false
	st.accepts = nil
	n.mu.Unlock()
	err = n.dev.Close(s)
	if err != nil {
		n.dev.debug("netdev:close", slog.Int("fd", fd), errAttr(err))
	}
	return nil
}

// SetSockOpt supports SO_KEEPALIVE and TCP_KEEPINTVL.
func (n *Netdev) SetSockOpt(fd int, level int, opt int, value interface{}) error {
	n.mu.Lock()
	s, _, err := n.sock(fd)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	switch {
	case level == netdev.SOL_SOCKET && opt == netdev.SO_KEEPALIVE:
		return n.dev.SetSockOpt(s, m2m.SOL_SOCKET, m2m.SO_TCP_KEEPALIVE, value)
	case level == netdev.SOL_TCP && opt == netdev.TCP_KEEPINTVL:
		return n.dev.SetSockOpt(s, m2m.SOL_SOCKET, m2m.SO_TCP_KEEPINTVL, value)
	}
	return netdev.ErrNotSupported
}
