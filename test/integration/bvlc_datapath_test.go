//go:build integration

package integration_test

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/bacnet-go/bacnetcore/internal/bvlc"
)

// -------------------------------------------------------------------------
// Mock bridge -- connects two Gateways' Sender hooks to deliver datagrams
// cross-gateway without a real socket.
// -------------------------------------------------------------------------

// bridgeSender is a bvlc.Sender that hands every outbound datagram
// straight to a peer Gateway's HandleDatagram, simulating a UDP
// broadcast domain without a real socket.
type bridgeSender struct {
	mu   sync.Mutex
	peer *bvlc.Gateway
	from netip.AddrPort
	sent []sentDatagram
}

type sentDatagram struct {
	dst netip.AddrPort
	buf []byte
}

func (b *bridgeSender) SendTo(dst netip.AddrPort, buf []byte) error {
	b.mu.Lock()
	peer := b.peer
	b.sent = append(b.sent, sentDatagram{dst: dst, buf: append([]byte(nil), buf...)})
	b.mu.Unlock()

	if peer == nil {
		return nil
	}
	return peer.HandleDatagram(b.from, buf)
}

func (b *bridgeSender) setPeer(p *bvlc.Gateway) {
	b.mu.Lock()
	b.peer = p
	b.mu.Unlock()
}

func (b *bridgeSender) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

// recordingUpper records every NPDU a Gateway delivers upward.
type recordingUpper struct {
	mu    sync.Mutex
	npdus [][]byte
	srcs  []netip.AddrPort
}

func (u *recordingUpper) DeliverNPDU(src netip.AddrPort, npdu []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.npdus = append(u.npdus, append([]byte(nil), npdu...))
	u.srcs = append(u.srcs, src)
}

func (u *recordingUpper) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.npdus)
}

// TestBroadcastForwardedAcrossBBMDs verifies that a broadcast NPDU
// originated behind one BBMD reaches the upper layer of a peer BBMD
// via a Forwarded-NPDU, and that the peer does not loop it back.
func TestBroadcastForwardedAcrossBBMDs(t *testing.T) {
	selfA := netip.MustParseAddrPort("10.0.1.1:47808")
	selfB := netip.MustParseAddrPort("10.0.2.1:47808")

	upperA := &recordingUpper{}
	upperB := &recordingUpper{}
	senderA := &bridgeSender{from: selfA}
	senderB := &bridgeSender{from: selfB}

	gwA := bvlc.NewGateway(selfA, true, upperA, senderA)
	gwB := bvlc.NewGateway(selfB, true, upperB, senderB)

	senderA.setPeer(gwB)
	senderB.setPeer(gwA)

	gwA.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: selfA, BroadcastMask: netip.MustParseAddr("255.255.255.0")})
	gwA.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: selfB, BroadcastMask: netip.MustParseAddr("255.255.255.0")})
	gwB.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: selfA, BroadcastMask: netip.MustParseAddr("255.255.255.0")})
	gwB.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: selfB, BroadcastMask: netip.MustParseAddr("255.255.255.0")})

	device := netip.MustParseAddrPort("10.0.1.50:47808")
	npdu := []byte{0x01, 0x20, 0xFF}
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncOriginalBroadcastNPDU, npdu))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncOriginalBroadcastNPDU, npdu)

	if err := gwA.HandleDatagram(device, buf); err != nil {
		t.Fatalf("HandleDatagram on originating BBMD: %v", err)
	}

	if upperA.count() != 1 {
		t.Fatalf("originating BBMD upper delivery count = %d, want 1", upperA.count())
	}
	if upperB.count() != 1 {
		t.Fatalf("peer BBMD upper delivery count = %d, want 1", upperB.count())
	}
	if senderB.count() != 0 {
		t.Fatalf("peer BBMD re-forwarded the datagram (sent=%d), split-horizon should suppress this", senderB.count())
	}
}

// TestForeignDeviceRegistrationReceivesForwardedBroadcast verifies that
// a foreign device registered with a BBMD is included in broadcast
// forwarding alongside BDT peers.
func TestForeignDeviceRegistrationReceivesForwardedBroadcast(t *testing.T) {
	selfA := netip.MustParseAddrPort("10.0.1.1:47808")
	foreignAddr := netip.MustParseAddrPort("192.168.5.9:47808")

	upperA := &recordingUpper{}
	upperForeign := &recordingUpper{}
	senderA := &bridgeSender{from: selfA}
	senderForeign := &bridgeSender{from: foreignAddr}

	gwA := bvlc.NewGateway(selfA, true, upperA, senderA)
	gwForeign := bvlc.NewGateway(foreignAddr, false, upperForeign, senderForeign)

	senderA.setPeer(gwForeign)

	regPayload := []byte{0x00, 0x3C} // TTL = 60s
	regBuf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncRegisterForeignDevice, regPayload))
	bvlc.EncodeHeader(regBuf, bvlc.TypeIPv4, bvlc.FuncRegisterForeignDevice, regPayload)
	if err := gwA.HandleDatagram(foreignAddr, regBuf); err != nil {
		t.Fatalf("register foreign device: %v", err)
	}

	device := netip.MustParseAddrPort("10.0.1.50:47808")
	npdu := []byte{0x01, 0x20, 0xAA}
	buf := make([]byte, bvlc.EncodeHeader(nil, bvlc.TypeIPv4, bvlc.FuncOriginalBroadcastNPDU, npdu))
	bvlc.EncodeHeader(buf, bvlc.TypeIPv4, bvlc.FuncOriginalBroadcastNPDU, npdu)
	if err := gwA.HandleDatagram(device, buf); err != nil {
		t.Fatalf("HandleDatagram broadcast: %v", err)
	}

	if upperForeign.count() != 1 {
		t.Fatalf("foreign device upper delivery count = %d, want 1", upperForeign.count())
	}
}
