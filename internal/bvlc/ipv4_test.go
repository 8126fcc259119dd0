package bvlc_test

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/bacnet-go/bacnetcore/internal/bvlc"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []sentDatagram
}

type sentDatagram struct {
	dst netip.AddrPort
	buf []byte
}

func (s *recordingSender) SendTo(dst netip.AddrPort, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentDatagram{dst: dst, buf: append([]byte(nil), buf...)})
	return nil
}

func (s *recordingSender) all() []sentDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentDatagram(nil), s.sent...)
}

type recordingUpper struct {
	mu   sync.Mutex
	npdu [][]byte
	src  []netip.AddrPort
}

func (u *recordingUpper) DeliverNPDU(src netip.AddrPort, npdu []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.npdu = append(u.npdu, append([]byte(nil), npdu...))
	u.src = append(u.src, src)
}

func (u *recordingUpper) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.npdu)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte{0x01, 0x02, 0x03}
	n := bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncOriginalUnicastNPDU, payload)
	buf := make([]byte, n)
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncOriginalUnicastNPDU, payload)

	h, err := bvlc.DecodeHeader(buf, bvlc.TypeIPv4)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Function != bvlc.FuncOriginalUnicastNPDU || int(h.Length) != len(buf) {
		t.Errorf("DecodeHeader = %+v, want Function=%d Length=%d", h, bvlc.FuncOriginalUnicastNPDU, len(buf))
	}
}

func TestDecodeHeaderRejectsWrongType(t *testing.T) {
	t.Parallel()

	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv6, bvlc.FuncOriginalUnicastNPDU, nil))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv6, bvlc.FuncOriginalUnicastNPDU, nil)

	if _, err := bvlc.DecodeHeader(buf, bvlc.TypeIPv4); err != bvlc.ErrBadType {
		t.Errorf("DecodeHeader wrong type = %v, want ErrBadType", err)
	}
}

func TestGatewayOriginalUnicastDelivers(t *testing.T) {
	t.Parallel()

	upper := &recordingUpper{}
	gw := bvlc.NewGateway(netip.MustParseAddrPort("10.0.0.1:47808"), false, upper, &recordingSender{})

	src := netip.MustParseAddrPort("10.0.0.2:47808")
	npdu := []byte{0xAA, 0xBB}
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncOriginalUnicastNPDU, npdu))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncOriginalUnicastNPDU, npdu)

	if err := gw.HandleDatagram(src, buf); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}
	if upper.count() != 1 {
		t.Fatalf("upper delivery count = %d, want 1", upper.count())
	}
}

func TestGatewayBroadcastForwardingSkipsOriginatorAndSelf(t *testing.T) {
	t.Parallel()

	self := netip.MustParseAddrPort("10.0.0.1:47808")
	sender := &recordingSender{}
	upper := &recordingUpper{}
	gw := bvlc.NewGateway(self, true, upper, sender)

	peer := netip.MustParseAddrPort("10.0.0.5:47808")
	gw.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: self})
	gw.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: peer})

	src := netip.MustParseAddrPort("10.0.0.9:47808")
	npdu := []byte{0x01}
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncOriginalBroadcastNPDU, npdu))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncOriginalBroadcastNPDU, npdu)

	if err := gw.HandleDatagram(src, buf); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}

	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("forwarded to %d peers, want 1 (self and originator excluded)", len(sent))
	}
	if sent[0].dst != peer {
		t.Errorf("forwarded to %v, want %v", sent[0].dst, peer)
	}
}

func TestGatewayRegisterForeignDeviceAddsFDTEntry(t *testing.T) {
	t.Parallel()

	gw := bvlc.NewGateway(netip.MustParseAddrPort("10.0.0.1:47808"), true, &recordingUpper{}, &recordingSender{})

	src := netip.MustParseAddrPort("10.0.0.20:47808")
	payload := []byte{0x00, 0x3C} // TTL = 60
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncRegisterForeignDevice, payload))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncRegisterForeignDevice, payload)

	if err := gw.HandleDatagram(src, buf); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}

	entries := gw.FDTEntries()
	if len(entries) != 1 || !entries[0].Valid || entries[0].Addr != src {
		t.Fatalf("FDTEntries = %+v, want one valid entry for %v", entries, src)
	}
	if entries[0].TTLSeconds != 60 {
		t.Errorf("TTLSeconds = %d, want 60", entries[0].TTLSeconds)
	}
}

func TestGatewayAgeTickExpiresEntry(t *testing.T) {
	t.Parallel()

	gw := bvlc.NewGateway(netip.MustParseAddrPort("10.0.0.1:47808"), true, &recordingUpper{}, &recordingSender{})

	src := netip.MustParseAddrPort("10.0.0.20:47808")
	payload := []byte{0x00, 0x00} // TTL = 0, so TTLRemaining starts at 30
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncRegisterForeignDevice, payload))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncRegisterForeignDevice, payload)
	if err := gw.HandleDatagram(src, buf); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}

	for i := 0; i < 31; i++ {
		gw.AgeTick()
	}

	entries := gw.FDTEntries()
	if len(entries) != 1 || entries[0].Valid {
		t.Fatalf("FDTEntries after aging out = %+v, want invalidated entry", entries)
	}
}

func TestGatewayForwardedNPDUStripsOriginatorMAC(t *testing.T) {
	t.Parallel()

	upper := &recordingUpper{}
	gw := bvlc.NewGateway(netip.MustParseAddrPort("10.0.0.1:47808"), false, upper, &recordingSender{})

	src := netip.MustParseAddrPort("10.0.0.9:47808")
	raw := []byte{10, 0, 0, 9, 0xBA, 0xC0, 0x01, 0x02}
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncForwardedNPDU, raw))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncForwardedNPDU, raw)

	if err := gw.HandleDatagram(src, buf); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}
	if upper.count() != 1 {
		t.Fatalf("upper delivery count = %d, want 1", upper.count())
	}
	if string(upper.npdu[0]) != string(raw[6:]) {
		t.Errorf("delivered npdu = %v, want %v", upper.npdu[0], raw[6:])
	}
}

func TestGatewayShortForwardedNPDURejected(t *testing.T) {
	t.Parallel()

	gw := bvlc.NewGateway(netip.MustParseAddrPort("10.0.0.1:47808"), false, &recordingUpper{}, &recordingSender{})

	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncForwardedNPDU, []byte{1, 2, 3}))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncForwardedNPDU, []byte{1, 2, 3})

	if err := gw.HandleDatagram(netip.MustParseAddrPort("10.0.0.9:47808"), buf); err != bvlc.ErrShortDatagram {
		t.Errorf("HandleDatagram short forwarded npdu = %v, want ErrShortDatagram", err)
	}
}
