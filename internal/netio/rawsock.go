package netio

import (
	"errors"
	"net/netip"
)

// DefaultPort is the BACnet/IP UDP port (BACnet/SC and application-layer
// ports are out of scope).
const DefaultPort uint16 = 47808

// PacketMeta carries the transport-layer metadata the BVLC gateways need
// for their own addressing decisions: the underlying BVLC codec is wire
// format only, so "who did this arrive from" has to come from the socket.
type PacketMeta struct {
	// SrcAddr is the remote endpoint a datagram arrived from.
	SrcAddr netip.AddrPort

	// IfIndex is the interface index the datagram arrived on, used to
	// scope directed broadcasts/multicast joins to a specific link.
	IfIndex int
}

// Conn abstracts a single UDP socket used for BVLC datagram I/O: a
// broadcast-capable IPv4 socket or a multicast-joined IPv6 socket.
// Kept minimal so tests can substitute an in-memory implementation
// without CAP_NET_RAW or a real interface.
type Conn interface {
	// ReadDatagram reads one datagram into buf, returning its length
	// and the metadata of the sender.
	ReadDatagram(buf []byte) (n int, meta PacketMeta, err error)

	// WriteDatagram sends buf to dst.
	WriteDatagram(buf []byte, dst netip.AddrPort) error

	// Close releases the underlying socket.
	Close() error

	// LocalAddr returns the address and port the socket is bound to.
	LocalAddr() netip.AddrPort
}

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnexpectedConnType indicates net.ListenPacket returned a
	// connection type other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")
)
