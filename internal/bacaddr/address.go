// Package bacaddr implements the BACnet address model: the
// (net, mac, adr) triple used to route NPDUs across MS/TP, BVLC/IPv4,
// BVLC/IPv6 and 802.2 links, plus ASCII parsing per medium.
package bacaddr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Well-known network numbers.
const (
	NetworkLocal           uint16 = 0
	NetworkGlobalBroadcast uint16 = 0xFFFF
)

// Fixed MAC widths per medium, per spec.md section 3.
const (
	MacWidthMSTP    = 1
	MacWidth8022    = 6
	MacWidthIPv4    = 6 // 4 address octets + 2 port octets
	MacWidthIPv6    = 18 // 16 address octets + 2 port octets
	MacWidthVMAC    = 3
	MacBroadcastMST = 0xFF
)

var (
	// ErrInvalidAddress is returned when an ASCII address fails to parse.
	ErrInvalidAddress = errors.New("bacaddr: invalid address")
)

// Address is a BACnet network-layer address: a network number plus a
// link-layer MAC and, for routed addresses, a remote-device ADR.
type Address struct {
	Net uint16
	Mac []byte
	Adr []byte
}

// Local builds a local-network address (net=0) with the given MAC.
func Local(mac []byte) Address {
	return Address{Net: NetworkLocal, Mac: append([]byte(nil), mac...)}
}

// GlobalBroadcast returns the special net=0xFFFF broadcast address.
func GlobalBroadcast() Address {
	return Address{Net: NetworkGlobalBroadcast}
}

// IsGlobalBroadcast reports whether a is the global broadcast address.
func (a Address) IsGlobalBroadcast() bool {
	return a.Net == NetworkGlobalBroadcast
}

// IsLocalBroadcast reports whether a is a local-network broadcast: net
// local or routed, with no ADR and an all-0xFF (or empty, for MS/TP's
// dedicated broadcast station) MAC.
func (a Address) IsLocalBroadcast() bool {
	if len(a.Adr) != 0 {
		return false
	}
	if len(a.Mac) == 0 {
		return true
	}
	for _, b := range a.Mac {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// Equal compares every field length-for-length, matching
// bacnet_address_same semantics: two addresses are equal iff Net, Mac
// and Adr all match exactly.
func (a Address) Equal(b Address) bool {
	if a.Net != b.Net {
		return false
	}
	return bytesEqual(a.Mac, b.Mac) && bytesEqual(a.Adr, b.Adr)
}

func bytesEqual(x, y []byte) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// String renders an address for logging; format depends on MAC width.
func (a Address) String() string {
	mac := formatMAC(a.Mac)
	if len(a.Adr) == 0 {
		return fmt.Sprintf("net=%d mac=%s", a.Net, mac)
	}
	return fmt.Sprintf("net=%d mac=%s adr=%s", a.Net, mac, formatMAC(a.Adr))
}

func formatMAC(mac []byte) string {
	switch len(mac) {
	case MacWidthMSTP:
		return strconv.Itoa(int(mac[0]))
	case MacWidth8022, MacWidthVMAC:
		// MacWidthIPv4 equals MacWidth8022, so 6-byte BVLC/IPv4 MACs
		// also render as hex groups here.
		parts := make([]string, len(mac))
		for i, b := range mac {
			parts[i] = fmt.Sprintf("%02X", b)
		}
		return strings.Join(parts, ":")
	case MacWidthIPv6:
		var ip [16]byte
		copy(ip[:], mac[:16])
		port := uint16(mac[16])<<8 | uint16(mac[17])
		return fmt.Sprintf("[%s]:%d", netip.AddrFrom16(ip).String(), port)
	default:
		parts := make([]string, len(mac))
		for i, b := range mac {
			parts[i] = fmt.Sprintf("%02X", b)
		}
		return strings.Join(parts, ":")
	}
}

// ParseMSTP parses a decimal MS/TP station number ("7F" is NOT hex
// here; MS/TP stations are conventionally written decimal, e.g. "12").
func ParseMSTP(s string) ([]byte, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: mstp station %q: %w", ErrInvalidAddress, s, err)
	}
	return []byte{byte(v)}, nil
}

// Parse8022 parses a colon-separated 6-byte 802.2/Ethernet MAC,
// "xx:xx:xx:xx:xx:xx".
func Parse8022(s string) ([]byte, error) {
	return parseHexGroups(s, MacWidth8022)
}

// ParseVMAC parses a colon-separated 3-byte virtual-MAC, "xx:xx:xx".
func ParseVMAC(s string) ([]byte, error) {
	return parseHexGroups(s, MacWidthVMAC)
}

func parseHexGroups(s string, width int) ([]byte, error) {
	parts := strings.Split(s, ":")
	if len(parts) != width {
		return nil, fmt.Errorf("%w: %q: want %d hex groups, got %d", ErrInvalidAddress, s, width, len(parts))
	}
	out := make([]byte, width)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// ParseIPv4 parses "a.b.c.d:port" into the 6-byte BVLC/IPv4 MAC form.
func ParseIPv4(s string) ([]byte, error) {
	host, portStr, err := splitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("%w: %q: not an IPv4 host", ErrInvalidAddress, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: bad port: %w", ErrInvalidAddress, s, err)
	}
	b4 := addr.As4()
	out := make([]byte, MacWidthIPv4)
	copy(out[:4], b4[:])
	out[4] = byte(port >> 8)
	out[5] = byte(port)
	return out, nil
}

// ParseIPv6 parses "[addr]:port" into the 18-byte BVLC/IPv6 MAC form.
func ParseIPv6(s string) ([]byte, error) {
	host, portStr, err := splitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil || !addr.Is6() {
		return nil, fmt.Errorf("%w: %q: not an IPv6 host", ErrInvalidAddress, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: bad port: %w", ErrInvalidAddress, s, err)
	}
	b16 := addr.As16()
	out := make([]byte, MacWidthIPv6)
	copy(out[:16], b16[:])
	out[16] = byte(port >> 8)
	out[17] = byte(port)
	return out, nil
}

func splitHostPort(s string) (host, port string, err error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", errors.New("missing port")
	}
	return s[:i], s[i+1:], nil
}

// IPv4FromMAC decodes a 6-byte BVLC/IPv4 MAC into an AddrPort.
func IPv4FromMAC(mac []byte) (netip.AddrPort, error) {
	if len(mac) != MacWidthIPv4 {
		return netip.AddrPort{}, fmt.Errorf("%w: ipv4 mac width %d", ErrInvalidAddress, len(mac))
	}
	addr := netip.AddrFrom4([4]byte(mac[:4]))
	port := uint16(mac[4])<<8 | uint16(mac[5])
	return netip.AddrPortFrom(addr, port), nil
}

// IPv4ToMAC encodes an AddrPort into the 6-byte BVLC/IPv4 MAC form.
func IPv4ToMAC(ap netip.AddrPort) []byte {
	a4 := ap.Addr().As4()
	out := make([]byte, MacWidthIPv4)
	copy(out[:4], a4[:])
	out[4] = byte(ap.Port() >> 8)
	out[5] = byte(ap.Port())
	return out
}
