package m2m

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func TestHIFHeader(t *testing.T) {
	hdr := HIFHeader{Group: GroupIP, Opcode: SOCKET_CMD_CONNECT, Length: 0x123}
	var buf [HIF_HDR_SIZE]byte
	hdr.Put(buf[:])
	if !bytes.Equal(buf[:], []byte{2, 0x44, 0x23, 0x01}) {
		t.Fatalf("unexpected header bytes %x", buf)
	}
	got := DecodeHIFHeader(buf[:])
	if got != hdr {
		t.Errorf("decode mismatch: got %+v want %+v", got, hdr)
	}
	if sw := hdr.StateWord(); sw != 0x0123_4402 {
		t.Errorf("state word %#x", sw)
	}
}

func TestTxOffsets(t *testing.T) {
	if IP_PACKET_OFFSET != 40 {
		t.Error("ip offset", IP_PACKET_OFFSET)
	}
	if TCP_TX_PACKET_OFFSET != 80 {
		t.Error("tcp offset", TCP_TX_PACKET_OFFSET)
	}
	if UDP_TX_PACKET_OFFSET != 68 {
		t.Error("udp offset", UDP_TX_PACKET_OFFSET)
	}
	if SSL_TX_PACKET_OFFSET != 85 {
		t.Error("ssl offset", SSL_TX_PACKET_OFFSET)
	}
	if HIF_MAX_PACKET_SIZE != 1596 {
		t.Error("max packet size", HIF_MAX_PACKET_SIZE)
	}
}

func TestSockAddr(t *testing.T) {
	ap := netip.MustParseAddrPort("192.168.1.10:8080")
	sa := SockAddrFrom(ap)
	var buf [SOCK_ADDR_SIZE]byte
	sa.Put(buf[:])
	want := []byte{AF_INET, 0, 0x1f, 0x90, 192, 168, 1, 10}
	if !bytes.Equal(buf[:], want) {
		t.Fatalf("got %x want %x", buf, want)
	}
	if got := DecodeSockAddr(buf[:]).AddrPort(); got != ap {
		t.Errorf("got %s want %s", got, ap)
	}
}

func TestRecvReply(t *testing.T) {
	r := RecvReply{
		RemoteAddr: SockAddrFrom(netip.MustParseAddrPort("10.0.0.1:53")),
		Status:     -12,
		DataOffset: 0x50,
		Sock:       3,
		Session:    0xbeef,
	}
	var buf [RECV_REPLY_SIZE]byte
	r.Put(buf[:])
	got := DecodeRecvReply(buf[:])
	if got != r {
		t.Errorf("got %+v want %+v", got, r)
	}
	if SockError(got.Status) != SockErrConnAborted {
		t.Error("expected conn aborted status")
	}
}

func TestConnHdrLayout(t *testing.T) {
	c := ConnHdr{
		CredSize:   0x1234,
		StoreFlags: CRED_STORE_FLAG,
		Channel:    5,
		AuthType:   SecWPAPSK,
		Options:    CONN_BSSID_FLAG,
		BSSID:      [6]byte{1, 2, 3, 4, 5, 6},
		SSIDLen:    3,
	}
	copy(c.SSID[:], "abc")
	buf := make([]byte, CONN_HDR_SIZE)
	for i := range buf {
		buf[i] = 0xff
	}
	c.Put(buf)
	want := []byte{0x34, 0x12, 1, 5, 2, 1, 1, 2, 3, 4, 5, 6, 3, 'a', 'b', 'c', 0}
	if !bytes.Equal(buf[:len(want)], want) {
		t.Errorf("got %x want %x", buf[:len(want)], want)
	}
	for i := 13 + MAX_SSID_LEN; i < CONN_HDR_SIZE; i++ {
		if buf[i] != 0 {
			t.Errorf("padding byte %d not cleared", i)
		}
	}
}

func TestRevision(t *testing.T) {
	r := DecodeRevision(0x1373)
	if r != (Revision{Major: 0x13, Minor: 7, Patch: 3}) {
		t.Fatalf("got %+v", r)
	}
	if r.String() != "19.7.3" {
		t.Error("bad string", r.String())
	}
	if r.Encode() != 0x1373 {
		t.Error("bad encode")
	}
	if !r.Less(DriverRevision) {
		t.Error("19.7.3 should be older than driver", DriverRevision)
	}
}

func TestCString(t *testing.T) {
	var buf [8]byte
	PutCString(buf[:], "hello world")
	if buf[7] != 0 {
		t.Fatal("not terminated")
	}
	if s := CString(buf[:]); s != "hello w" {
		t.Errorf("got %q", s)
	}
}

func TestErrors(t *testing.T) {
	var err error = ErrBusFail
	if !errors.Is(errors.Join(ErrBusFail, errors.New("crc")), ErrBusFail) {
		t.Error("joined error should match ErrBusFail")
	}
	if err.Error() != "m2m: bus failure" {
		t.Error(err.Error())
	}
	if SockNoError.Err() != nil {
		t.Error("no error should be nil")
	}
	if SockErrBufferFull.Err() == nil {
		t.Error("buffer full should be error")
	}
	if _, ok := CredStore(9).Flags(); ok {
		t.Error("invalid cred store accepted")
	}
	if f, _ := CredSaveEncrypted.Flags(); f != CRED_STORE_FLAG|CRED_ENCRYPT_FLAG {
		t.Error("encrypt implies store")
	}
}
