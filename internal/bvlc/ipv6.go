package bvlc

import (
	"encoding/binary"
	"net/netip"

	"github.com/bacnet-go/bacnetcore/internal/keyedlist"
)

// BVLC/IPv6 function codes additional to the shared set, per spec.md
// section 4.11.
const (
	FuncAddressResolution        = 13
	FuncAddressResolutionAck     = 14
	FuncVirtualAddressResolution = 15
	FuncVirtualAddressResolutionAck = 16
)

// BVLC/IPv6 result (NAK) codes, distinct from the IPv4 set per
// spec.md section 4.11.
const (
	Result6WriteBDTNAK = 0x0030
	Result6ReadBDTNAK  = 0x0060
	Result6RegisterForeignDeviceNAK = 0x0090
	Result6ReadFDTNAK  = 0x00A0
	Result6DistributeBroadcastNAK = 0x00C0
)

// VMAC is the 3-byte virtual MAC BACnet/IPv6 uses in place of a raw
// IPv6 address for addressing, per spec.md section 4.11: the bottom
// 24 bits of a device instance map bijectively onto it.
type VMAC [3]byte

// VMACFromInstance derives the virtual MAC for a device instance.
func VMACFromInstance(instance uint32) VMAC {
	return VMAC{byte(instance >> 16), byte(instance >> 8), byte(instance)}
}

// Instance recovers the originating device instance's low 24 bits.
func (v VMAC) Instance() uint32 {
	return uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2])
}

// GatewayV6 is a BVLC/IPv6 analogue of Gateway: BBMD-style forwarding
// over IPv6 multicast (FF0X::BAC0) instead of subnet broadcast, plus
// VMAC-to-address resolution, per spec.md section 4.11.
type GatewayV6 struct {
	Self       netip.AddrPort
	SelfVMAC   VMAC
	IsBBMD     bool
	MulticastAddr netip.AddrPort

	bdt *keyedlist.List[BDTEntryV6]
	fdt *keyedlist.List[FDTEntryV6]
	vmacTable *keyedlist.List[netip.AddrPort] // keyed by VMAC.Instance()
	nextKey uint32

	upper  UpperLayer
	sender Sender
}

// BDTEntryV6 is the IPv6 analogue of BDTEntry: no broadcast mask, as
// IPv6 forwarding uses multicast rather than directed broadcast.
type BDTEntryV6 struct {
	Valid bool
	Addr  netip.AddrPort
}

// FDTEntryV6 is the IPv6 analogue of FDTEntry.
type FDTEntryV6 struct {
	Valid        bool
	Addr         netip.AddrPort
	TTLSeconds   uint16
	TTLRemaining uint16
}

// NewGatewayV6 constructs an IPv6 BVLC gateway.
func NewGatewayV6(self netip.AddrPort, selfVMAC VMAC, mcast netip.AddrPort, isBBMD bool, upper UpperLayer, sender Sender) *GatewayV6 {
	return &GatewayV6{
		Self: self, SelfVMAC: selfVMAC, MulticastAddr: mcast, IsBBMD: isBBMD,
		bdt: keyedlist.New[BDTEntryV6](), fdt: keyedlist.New[FDTEntryV6](),
		vmacTable: keyedlist.New[netip.AddrPort](),
		upper: upper, sender: sender,
	}
}

// AddBDTEntry inserts a static BDT entry.
func (g *GatewayV6) AddBDTEntry(e BDTEntryV6) {
	key := g.nextKey
	g.nextKey++
	g.bdt.Add(key, e)
}

// BindVMAC records the IPv6 address currently backing a VMAC, learned
// from Address-Resolution exchanges.
func (g *GatewayV6) BindVMAC(v VMAC, addr netip.AddrPort) {
	g.vmacTable.Add(v.Instance(), addr)
}

// ResolveVMAC returns the address bound to v, if known.
func (g *GatewayV6) ResolveVMAC(v VMAC) (netip.AddrPort, bool) {
	return g.vmacTable.Data(v.Instance())
}

// HandleDatagram processes one inbound BVLC/IPv6 datagram from src.
func (g *GatewayV6) HandleDatagram(src netip.AddrPort, buf []byte) error {
	h, err := DecodeHeader(buf, TypeIPv6)
	if err != nil {
		return err
	}
	payload := buf[headerLen:]
	switch h.Function {
	case FuncOriginalUnicastNPDU:
		g.upper.DeliverNPDU(src, payload)
	case FuncOriginalBroadcastNPDU:
		g.upper.DeliverNPDU(src, payload)
		if g.IsBBMD {
			g.forwardBroadcast(src, payload)
		}
	case FuncForwardedNPDU:
		if len(payload) < 18 {
			return ErrShortDatagram
		}
		g.upper.DeliverNPDU(src, payload[18:])
		if g.IsBBMD {
			g.forwardToFDT(payload)
		}
	case FuncRegisterForeignDevice:
		return g.handleRegisterForeignDevice(src, payload)
	case FuncAddressResolution:
		return g.handleAddressResolution(src, payload)
	case FuncVirtualAddressResolution:
		return g.handleVirtualAddressResolution(src)
	case FuncSecureBVLL:
		return g.sendResult(src, Result6DistributeBroadcastNAK)
	default:
		return g.sendResult(src, Result6DistributeBroadcastNAK)
	}
	return nil
}

func (g *GatewayV6) forwardBroadcast(originator netip.AddrPort, npdu []byte) {
	mac := addrPortToMAC16(originator)
	payload := make([]byte, 18+len(npdu))
	copy(payload[:18], mac)
	copy(payload[18:], npdu)
	buf := make([]byte, headerLen+len(payload))
	EncodeHeader(buf, TypeIPv6, FuncForwardedNPDU, payload)
	for i := 0; i < g.bdt.Count(); i++ {
		e, _ := g.bdt.DataByIndex(i)
		if !e.Valid || e.Addr == g.Self || e.Addr == originator {
			continue
		}
		_ = g.sender.SendTo(g.MulticastAddr, buf)
	}
	for i := 0; i < g.fdt.Count(); i++ {
		e, _ := g.fdt.DataByIndex(i)
		if !e.Valid || e.Addr == originator {
			continue
		}
		_ = g.sender.SendTo(e.Addr, buf)
	}
}

// forwardToFDT is the IPv6 analogue of Gateway.forwardToFDT: a
// Forwarded-NPDU received from a peer BBMD is unicast to every local
// foreign device, split-horizon (never echoed back to its originator
// or re-sent to the BDT/multicast group).
func (g *GatewayV6) forwardToFDT(rawPayload []byte) {
	origAddrPort := macToAddrPort16(rawPayload[:18])
	buf := make([]byte, headerLen+len(rawPayload))
	EncodeHeader(buf, TypeIPv6, FuncForwardedNPDU, rawPayload)
	for i := 0; i < g.fdt.Count(); i++ {
		e, _ := g.fdt.DataByIndex(i)
		if !e.Valid || e.Addr == origAddrPort {
			continue
		}
		_ = g.sender.SendTo(e.Addr, buf)
	}
}

func macToAddrPort16(mac []byte) netip.AddrPort {
	var a16 [16]byte
	copy(a16[:], mac[:16])
	port := binary.BigEndian.Uint16(mac[16:18])
	return netip.AddrPortFrom(netip.AddrFrom16(a16), port)
}

func addrPortToMAC16(ap netip.AddrPort) []byte {
	a16 := ap.Addr().As16()
	out := make([]byte, 18)
	copy(out[:16], a16[:])
	binary.BigEndian.PutUint16(out[16:], ap.Port())
	return out
}

func (g *GatewayV6) handleRegisterForeignDevice(src netip.AddrPort, payload []byte) error {
	if len(payload) < 2 {
		return g.sendResult(src, Result6RegisterForeignDeviceNAK)
	}
	ttl := binary.BigEndian.Uint16(payload[:2])
	g.fdt.Add(addrKeyV6(src), FDTEntryV6{Valid: true, Addr: src, TTLSeconds: ttl, TTLRemaining: ttl + 30})
	return g.sendResult(src, ResultSuccess)
}

func (g *GatewayV6) handleAddressResolution(src netip.AddrPort, payload []byte) error {
	if len(payload) < 3 {
		return ErrShortDatagram
	}
	var v VMAC
	copy(v[:], payload[:3])
	if v != g.SelfVMAC {
		return nil // not addressed to us; a real multicast fan-out would let every node self-filter
	}
	ackPayload := append([]byte{}, g.SelfVMAC[:]...)
	buf := make([]byte, headerLen+len(ackPayload))
	EncodeHeader(buf, TypeIPv6, FuncAddressResolutionAck, ackPayload)
	return g.sender.SendTo(src, buf)
}

func (g *GatewayV6) handleVirtualAddressResolution(src netip.AddrPort) error {
	ackPayload := append([]byte{}, g.SelfVMAC[:]...)
	buf := make([]byte, headerLen+len(ackPayload))
	EncodeHeader(buf, TypeIPv6, FuncVirtualAddressResolutionAck, ackPayload)
	return g.sender.SendTo(src, buf)
}

// AgeTick decrements TTLRemaining on every valid FDT entry, mirroring
// Gateway.AgeTick.
func (g *GatewayV6) AgeTick() {
	keys := g.fdt.Keys()
	for i, key := range keys {
		e, _ := g.fdt.DataByIndex(i)
		if !e.Valid {
			continue
		}
		if e.TTLRemaining > 0 {
			e.TTLRemaining--
		}
		if e.TTLRemaining == 0 {
			e.Valid = false
		}
		g.fdt.Add(key, e)
	}
}

func addrKeyV6(ap netip.AddrPort) uint32 {
	a16 := ap.Addr().As16()
	return binary.BigEndian.Uint32(a16[12:16]) // low 32 bits: sufficient entropy for a table key
}

func (g *GatewayV6) sendResult(dst netip.AddrPort, code uint16) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	buf := make([]byte, headerLen+len(payload))
	EncodeHeader(buf, TypeIPv6, FuncResult, payload)
	return g.sender.SendTo(dst, buf)
}
