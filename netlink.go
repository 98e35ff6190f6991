// Netlink implementation of winc1500

package winc1500

import (
	"log/slog"
	"net"
	"time"

	"github.com/soypat/winc1500/m2m"
	"tinygo.org/x/drivers/netdev"
	"tinygo.org/x/drivers/netlink"
)

type linkState struct {
	connected bool // Associated with the access point.
	up        bool // Associated and holding an IP address.
	failed    bool
	errCode   uint8
	notify    func(netlink.Event)
	params    netlink.ConnectParams
	stop      chan struct{}
}

// wifiEvent tracks link state for NetConnect and the watchdog.
func (n *Netdev) wifiEvent(ev *WifiEvent) {
	var notify func(netlink.Event)
	var event netlink.Event
	n.mu.Lock()
	l := &n.link
	switch ev.Kind {
	case WifiEventStateChanged:
		wasUp := l.up
		l.connected = ev.StateChanged.State == m2m.Connected
		if !l.connected {
			l.up = false
			l.failed = true
			l.errCode = ev.StateChanged.ErrCode
		}
		if wasUp && !l.up {
			notify, event = l.notify, netlink.EventNetDown
		}
	case WifiEventIPConfig:
		if l.connected && !l.up {
			l.up = true
			notify, event = l.notify, netlink.EventNetUp
		}
	}
	h := n.wifi
	n.mu.Unlock()
	if notify != nil {
		notify(event)
	}
	if h != nil {
		h(ev)
	}
}

// NetConnect joins the access point in params as a station and waits for an
// IP address from DHCP.
func (n *Netdev) NetConnect(params *netlink.ConnectParams) error {
	if params == nil || len(params.Ssid) == 0 {
		return netlink.ErrMissingSSID
	}
	n.mu.Lock()
	up := n.link.up
	n.mu.Unlock()
	if up {
		return netlink.ErrConnected
	}
	if params.ConnectMode != netlink.ConnectModeSTA {
		return netlink.ErrConnectModeNoGood
	}
	switch params.AuthType {
	case netlink.AuthTypeOpen:
	case netlink.AuthTypeWPA, netlink.AuthTypeWPA2, netlink.AuthTypeWPA2Mixed:
		if len(params.Passphrase) < 8 {
			return netlink.ErrShortPassphrase
		}
	default:
		return netlink.ErrAuthTypeNoGood
	}
	var err error
	for i := 0; params.Retries == 0 || i < params.Retries; i++ {
		err = n.connectOnce(params)
		if err == nil {
			break
		}
		n.dev.info("netlink:connect-fail", slog.Int("attempt", i+1), errAttr(err))
		if err == netlink.ErrAuthFailure {
			return err
		}
	}
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.link.params = *params
	n.stopWatchdog()
	if params.WatchdogTimeout > 0 {
		n.link.stop = make(chan struct{})
		go n.watchdog(params.WatchdogTimeout, n.link.stop)
	}
	n.mu.Unlock()
	return nil
}

func (n *Netdev) connectOnce(params *netlink.ConnectParams) error {
	timeout := params.ConnectTimeout
	if timeout == 0 {
		timeout = netlink.DefaultConnectTimeout
	}
	n.mu.Lock()
	n.link.failed = false
	n.link.errCode = 0
	n.mu.Unlock()

	nw := Network{SSID: params.Ssid, Channel: m2m.CH_ALL}
	var err error
	if params.AuthType == netlink.AuthTypeOpen {
		err = n.dev.ConnectOpen(nw, m2m.CredDontSave)
	} else {
		err = n.dev.ConnectPSK(nw, params.Passphrase, m2m.CredDontSave)
	}
	if err != nil {
		return err
	}
	err = n.poll(time.Now().Add(timeout), func() bool { return n.link.up || n.link.failed })
	if err == netdev.ErrTimeout {
		n.dev.Disconnect()
		return netlink.ErrConnectTimeout
	} else if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.link.up {
		return nil
	}
	if n.link.errCode == m2m.CONN_ERR_AUTH_FAIL {
		return netlink.ErrAuthFailure
	}
	return netlink.ErrConnectFailed
}

// watchdog reconnects with the last parameters when the link goes down.
func (n *Netdev) watchdog(period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n.dev.HandleEvents()
		n.mu.Lock()
		up := n.link.up
		params := n.link.params
		n.mu.Unlock()
		if up {
			continue
		}
		n.dev.info("netlink:watchdog-reconnect", slog.String("ssid", params.Ssid))
		err := n.connectOnce(&params)
		if err != nil {
			n.dev.logerr("netlink:watchdog", errAttr(err))
		}
	}
}

// stopWatchdog is called with n.mu held.
func (n *Netdev) stopWatchdog() {
	if n.link.stop != nil {
		close(n.link.stop)
		n.link.stop = nil
	}
}

// NetDisconnect leaves the network and stops the watchdog.
func (n *Netdev) NetDisconnect() {
	n.mu.Lock()
	n.stopWatchdog()
	connected := n.link.connected
	n.mu.Unlock()
	if !connected {
		return
	}
	err := n.dev.Disconnect()
	if err != nil {
		n.dev.logerr("netlink:disconnect", errAttr(err))
		return
	}
	n.poll(time.Now().Add(netlink.DefaultConnectTimeout), func() bool { return !n.link.connected })
}

// NetNotify registers cb to be called when the link goes up or down.
func (n *Netdev) NetNotify(cb func(netlink.Event)) {
	n.mu.Lock()
	n.link.notify = cb
	n.mu.Unlock()
}

func (n *Netdev) GetHardwareAddr() (net.HardwareAddr, error) {
	mac, err := n.dev.MACAddress()
	if err != nil {
		return nil, err
	}
	return net.HardwareAddr(mac[:]), nil
}
