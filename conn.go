package winc1500

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"tinygo.org/x/drivers/netdev"
)

var _ net.Conn = (*Conn)(nil)

var errUnsupportedNetwork = errors.New("winc1500: unsupported network")

// Conn is a TCP or TLS connection on a Netdev socket.
type Conn struct {
	n      *Netdev
	fd     int
	laddr  netip.AddrPort
	raddr  netip.AddrPort
	mu     sync.Mutex
	rdl    time.Time
	wdl    time.Time
	closed bool
}

// DialTCP connects to raddr over TCP.
func (n *Netdev) DialTCP(raddr netip.AddrPort) (*Conn, error) {
	return n.dial(netdev.IPPROTO_TCP, "", raddr)
}

// Dial connects to address on network "tcp" or "tls". Host names are
// resolved by the chip.
func (n *Netdev) Dial(network, address string) (*Conn, error) {
	var proto int
	switch network {
	case "tcp", "tcp4":
		proto = netdev.IPPROTO_TCP
	case "tls":
		proto = netdev.IPPROTO_TLS
	default:
		return nil, errUnsupportedNetwork
	}
	host, sport, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(sport, 10, 16)
	if err != nil {
		return nil, err
	}
	ip, err := n.GetHostByName(host)
	if err != nil {
		return nil, err
	}
	return n.dial(proto, host, netip.AddrPortFrom(ip, uint16(port)))
}

func (n *Netdev) dial(proto int, host string, raddr netip.AddrPort) (*Conn, error) {
	fd, err := n.Socket(netdev.AF_INET, netdev.SOCK_STREAM, proto)
	if err != nil {
		return nil, err
	}
	err = n.Connect(fd, host, raddr)
	if err != nil {
		n.Close(fd)
		return nil, err
	}
	c := &Conn{n: n, fd: fd, raddr: raddr}
	if ip, err := n.Addr(); err == nil {
		c.laddr = netip.AddrPortFrom(ip, 0)
	}
	return c, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	closed, dl := c.closed, c.rdl
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	return c.n.Recv(c.fd, b, 0, dl)
}

func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed, dl := c.closed, c.wdl
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	return c.n.Send(c.fd, b, 0, dl)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.closed = true
	return c.n.Close(c.fd)
}

func (c *Conn) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(c.laddr) }
func (c *Conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.raddr) }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdl, c.wdl = t, t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdl = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wdl = t
	c.mu.Unlock()
	return nil
}
