// Package bvlc implements BACnet Virtual Link Control forwarding for
// IPv4 (BBMD / foreign-device) and IPv6 (virtual-MAC resolution), per
// spec.md sections 4.10-4.11.
package bvlc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/bacnet-go/bacnetcore/internal/keyedlist"
)

// Wire constants, per spec.md section 6.
const (
	TypeIPv4 = 0x81
	TypeIPv6 = 0x82

	headerLen = 4
)

// Function codes, per spec.md section 4.10.
const (
	FuncResult                     = 0
	FuncWriteBDT                   = 1
	FuncReadBDT                    = 2
	FuncReadBDTAck                 = 3
	FuncForwardedNPDU              = 4
	FuncRegisterForeignDevice      = 5
	FuncReadFDT                    = 6
	FuncReadFDTAck                 = 7
	FuncDeleteFDTEntry             = 8
	FuncDistributeBroadcastToNet   = 9
	FuncOriginalUnicastNPDU        = 10
	FuncOriginalBroadcastNPDU      = 11
	FuncSecureBVLL                 = 12
)

// Result codes (BVLC/IPv4).
const (
	ResultSuccess  = 0x0000
	ResultWriteBDTNAK = 0x0010
	ResultReadBDTNAK  = 0x0020
	ResultRegisterForeignDeviceNAK = 0x0030
	ResultReadFDTNAK  = 0x0040
	ResultDeleteFDTEntryNAK = 0x0050
	ResultDistributeBroadcastNAK = 0x0060
)

var (
	// ErrShortDatagram is returned when a buffer is too small to hold
	// a valid BVLC header.
	ErrShortDatagram = errors.New("bvlc: short datagram")
	// ErrBadType is returned when the leading type octet is not the
	// one expected for the IP version (TypeIPv4 or TypeIPv6).
	ErrBadType = errors.New("bvlc: unexpected bvlc type octet")
	// ErrLengthMismatch is returned when the header length field
	// disagrees with the actual datagram size.
	ErrLengthMismatch = errors.New("bvlc: length field mismatch")
)

// Header is a decoded BVLC header, shared by the IPv4 and IPv6
// variants (only the leading type octet differs).
type Header struct {
	Type     uint8
	Function uint8
	Length   uint16
}

// DecodeHeader parses the 4-byte BVLC header from buf.
func DecodeHeader(buf []byte, wantType uint8) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrShortDatagram
	}
	if buf[0] != wantType {
		return Header{}, ErrBadType
	}
	h := Header{Type: buf[0], Function: buf[1], Length: binary.BigEndian.Uint16(buf[2:4])}
	if int(h.Length) != len(buf) {
		return Header{}, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, h.Length, len(buf))
	}
	return h, nil
}

// EncodeHeader writes a 4-byte BVLC header plus payload into buf,
// zero-alloc in the caller-supplied-buffer style used throughout this
// module.
func EncodeHeader(buf []byte, bvlcType, function uint8, payload []byte) int {
	total := headerLen + len(payload)
	if buf == nil {
		return total
	}
	buf[0] = bvlcType
	buf[1] = function
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[headerLen:], payload)
	return total
}

// BDTEntry is one Broadcast Distribution Table entry, per spec.md
// section 3.
type BDTEntry struct {
	Valid         bool
	Addr          netip.AddrPort
	BroadcastMask netip.Addr
}

// FDTEntry is one Foreign Device Table entry, per spec.md section 3.
type FDTEntry struct {
	Valid         bool
	Addr          netip.AddrPort
	TTLSeconds    uint16
	TTLRemaining  uint16
}

// Sender is the outbound datagram hook a Gateway uses; implemented by
// internal/netio's UDP sender.
type Sender interface {
	SendTo(dst netip.AddrPort, buf []byte) error
}

// Gateway is a BVLC/IPv4 BBMD: it owns the BDT and FDT, forwards
// broadcasts per spec.md section 4.10, and ages foreign-device
// registrations on a 1Hz tick. Tables are owned by the Gateway's
// goroutine; callers never touch the tables concurrently.
type Gateway struct {
	Self    netip.AddrPort
	IsBBMD  bool
	bdt     *keyedlist.List[BDTEntry]
	fdt     *keyedlist.List[FDTEntry]
	nextKey uint32
	upper   UpperLayer
	sender  Sender
}

// UpperLayer receives decoded NPDUs handed up from BVLC.
type UpperLayer interface {
	DeliverNPDU(src netip.AddrPort, npdu []byte)
}

// NewGateway constructs a Gateway bound to the local socket address.
func NewGateway(self netip.AddrPort, isBBMD bool, upper UpperLayer, sender Sender) *Gateway {
	return &Gateway{
		Self:   self,
		IsBBMD: isBBMD,
		bdt:    keyedlist.New[BDTEntry](),
		fdt:    keyedlist.New[FDTEntry](),
		upper:  upper,
		sender: sender,
	}
}

// AddBDTEntry inserts a static BDT entry (configuration-time only, per
// spec.md section 3's BDT lifecycle).
func (g *Gateway) AddBDTEntry(e BDTEntry) {
	key := g.nextKey
	g.nextKey++
	g.bdt.Add(key, e)
}

// BDTEntries returns a snapshot of all BDT entries.
func (g *Gateway) BDTEntries() []BDTEntry {
	out := make([]BDTEntry, 0, g.bdt.Count())
	for i := 0; i < g.bdt.Count(); i++ {
		e, _ := g.bdt.DataByIndex(i)
		out = append(out, e)
	}
	return out
}

// FDTEntries returns a snapshot of all FDT entries.
func (g *Gateway) FDTEntries() []FDTEntry {
	out := make([]FDTEntry, 0, g.fdt.Count())
	for i := 0; i < g.fdt.Count(); i++ {
		e, _ := g.fdt.DataByIndex(i)
		out = append(out, e)
	}
	return out
}

// HandleDatagram processes one inbound BVLC/IPv4 datagram from src.
func (g *Gateway) HandleDatagram(src netip.AddrPort, buf []byte) error {
	h, err := DecodeHeader(buf, TypeIPv4)
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
		// Payload is prefixed with the original source's 6-byte MAC;
		// strip it before delivery per spec.md section 4.10.
		if len(payload) < 6 {
			return ErrShortDatagram
		}
		g.upper.DeliverNPDU(src, payload[6:])
		if g.IsBBMD {
			g.forwardToFDT(payload)
		}
	case FuncRegisterForeignDevice:
		return g.handleRegisterForeignDevice(src, payload)
	case FuncReadBDT:
		return g.replyReadBDT(src)
	case FuncReadFDT:
		return g.replyReadFDT(src)
	case FuncSecureBVLL:
		return g.sendResult(src, ResultDistributeBroadcastNAK)
	default:
		return g.sendResult(src, ResultDistributeBroadcastNAK)
	}
	return nil
}

// forwardBroadcast implements spec.md section 4.10's broadcast
// forwarding: one Forwarded-NPDU to every other BDT entry's
// directed-broadcast address, one to every FDT entry, none to the
// originator or self.
func (g *Gateway) forwardBroadcast(originator netip.AddrPort, npdu []byte) {
	wrapped := wrapForwarded(originator, npdu)
	for i := 0; i < g.bdt.Count(); i++ {
		e, _ := g.bdt.DataByIndex(i)
		if !e.Valid || e.Addr == g.Self || e.Addr == originator {
			continue
		}
		dst := directedBroadcast(e)
		_ = g.sender.SendTo(dst, wrapped)
	}
	for i := 0; i < g.fdt.Count(); i++ {
		e, _ := g.fdt.DataByIndex(i)
		if !e.Valid || e.Addr == originator {
			continue
		}
		_ = g.sender.SendTo(e.Addr, wrapped)
	}
}

// forwardToFDT implements the Forwarded-NPDU split-horizon rule: a
// Forwarded-NPDU received from a peer BBMD is unicast to every local
// FDT entry but never re-forwarded to the BDT.
func (g *Gateway) forwardToFDT(rawPayload []byte) {
	var originator [6]byte
	copy(originator[:], rawPayload[:6])
	origAddrPort := macToAddrPort(originator[:])
	for i := 0; i < g.fdt.Count(); i++ {
		e, _ := g.fdt.DataByIndex(i)
		if !e.Valid || e.Addr == origAddrPort {
			continue
		}
		buf := make([]byte, headerLen+len(rawPayload))
		EncodeHeader(buf, TypeIPv4, FuncForwardedNPDU, rawPayload)
		_ = g.sender.SendTo(e.Addr, buf)
	}
}

func wrapForwarded(originator netip.AddrPort, npdu []byte) []byte {
	mac := addrPortToMAC(originator)
	payload := make([]byte, 6+len(npdu))
	copy(payload[:6], mac)
	copy(payload[6:], npdu)
	buf := make([]byte, headerLen+len(payload))
	EncodeHeader(buf, TypeIPv4, FuncForwardedNPDU, payload)
	return buf
}

func directedBroadcast(e BDTEntry) netip.AddrPort {
	if !e.BroadcastMask.IsValid() {
		return e.Addr
	}
	a4 := e.Addr.Addr().As4()
	m4 := e.BroadcastMask.As4()
	var bc [4]byte
	for i := range bc {
		bc[i] = a4[i] | ^m4[i]
	}
	return netip.AddrPortFrom(netip.AddrFrom4(bc), e.Addr.Port())
}

func addrPortToMAC(ap netip.AddrPort) []byte {
	a4 := ap.Addr().As4()
	out := make([]byte, 6)
	copy(out[:4], a4[:])
	binary.BigEndian.PutUint16(out[4:], ap.Port())
	return out
}

func macToAddrPort(mac []byte) netip.AddrPort {
	addr := netip.AddrFrom4([4]byte(mac[:4]))
	port := binary.BigEndian.Uint16(mac[4:6])
	return netip.AddrPortFrom(addr, port)
}

func (g *Gateway) handleRegisterForeignDevice(src netip.AddrPort, payload []byte) error {
	if len(payload) < 2 {
		return g.sendResult(src, ResultRegisterForeignDeviceNAK)
	}
	ttl := binary.BigEndian.Uint16(payload[:2])
	key := addrKey(src)
	entry := FDTEntry{Valid: true, Addr: src, TTLSeconds: ttl, TTLRemaining: ttl + 30}
	g.fdt.Add(key, entry)
	return g.sendResult(src, ResultSuccess)
}

// AgeTick decrements TTLRemaining on every valid FDT entry once per
// second, per spec.md section 4.10. The tick that brings TTLRemaining
// to 0 invalidates the entry, so a registration with TTL t lapses
// after t+30 ticks.
func (g *Gateway) AgeTick() {
	for i := 0; i < g.fdt.Count(); i++ {
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
		keys := g.fdt.Keys()
		g.fdt.Add(keys[i], e)
	}
}

func addrKey(ap netip.AddrPort) uint32 {
	a4 := ap.Addr().As4()
	return binary.BigEndian.Uint32(a4[:])
}

func (g *Gateway) sendResult(dst netip.AddrPort, code uint16) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	buf := make([]byte, headerLen+len(payload))
	EncodeHeader(buf, TypeIPv4, FuncResult, payload)
	return g.sender.SendTo(dst, buf)
}

func (g *Gateway) replyReadBDT(dst netip.AddrPort) error {
	entries := g.BDTEntries()
	payload := make([]byte, 0, len(entries)*10)
	for _, e := range entries {
		payload = append(payload, addrPortToMAC(e.Addr)...)
		m4 := e.BroadcastMask.As4()
		payload = append(payload, m4[:]...)
	}
	buf := make([]byte, headerLen+len(payload))
	EncodeHeader(buf, TypeIPv4, FuncReadBDTAck, payload)
	return g.sender.SendTo(dst, buf)
}

func (g *Gateway) replyReadFDT(dst netip.AddrPort) error {
	entries := g.FDTEntries()
	payload := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		payload = append(payload, addrPortToMAC(e.Addr)...)
		ttlBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(ttlBuf, e.TTLRemaining)
		payload = append(payload, ttlBuf...)
	}
	buf := make([]byte, headerLen+len(payload))
	EncodeHeader(buf, TypeIPv4, FuncReadFDTAck, payload)
	return g.sender.SendTo(dst, buf)
}

// SendUnicast emits an Original-Unicast-NPDU to dst.
func (g *Gateway) SendUnicast(dst netip.AddrPort, npdu []byte) error {
	buf := make([]byte, headerLen+len(npdu))
	EncodeHeader(buf, TypeIPv4, FuncOriginalUnicastNPDU, npdu)
	return g.sender.SendTo(dst, buf)
}

// SendBroadcast emits an Original-Broadcast-NPDU to the local
// broadcast address bc.
func (g *Gateway) SendBroadcast(bc netip.AddrPort, npdu []byte) error {
	buf := make([]byte, headerLen+len(npdu))
	EncodeHeader(buf, TypeIPv4, FuncOriginalBroadcastNPDU, npdu)
	return g.sender.SendTo(bc, buf)
}

// AgeTickInterval is the fixed BBMD maintenance-tick period.
const AgeTickInterval = time.Second
