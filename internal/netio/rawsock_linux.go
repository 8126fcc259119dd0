//go:build linux

package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// LinuxConn implements Conn over a *net.UDPConn configured with the
// socket options BVLC forwarding needs: SO_BROADCAST on IPv4 so directed
// broadcasts to an FDT/BDT peer's subnet actually leave the host, and
// IPV6_JOIN_GROUP on IPv6 so BBMD-style distribution over a multicast
// group is received without per-peer unicast fan-out duplication at the
// kernel level.
type LinuxConn struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	mu        sync.Mutex
	closed    bool
}

// ReadDatagram reads one BVLC datagram and its sender's address.
func (c *LinuxConn) ReadDatagram(buf []byte) (int, PacketMeta, error) {
	n, raddr, err := c.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, PacketMeta{}, fmt.Errorf("read datagram: %w", err)
	}
	return n, PacketMeta{SrcAddr: raddr}, nil
}

// WriteDatagram sends buf to dst, which may be a unicast, directed
// broadcast, or multicast-group address depending on the socket.
func (c *LinuxConn) WriteDatagram(buf []byte, dst netip.AddrPort) error {
	if _, err := c.conn.WriteToUDPAddrPort(buf, dst); err != nil {
		return fmt.Errorf("write datagram to %s: %w", dst, err)
	}
	return nil
}

// Close releases the underlying socket.
func (c *LinuxConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (c *LinuxConn) LocalAddr() netip.AddrPort { return c.localAddr }

// NewBroadcastSocket opens a UDP/IPv4 socket bound to laddr with
// SO_BROADCAST enabled, so WriteDatagram can target a subnet's directed
// broadcast address (e.g. forwarding an Original-Broadcast-NPDU onto a
// BDT peer's local segment).
func NewBroadcastSocket(ctx context.Context, laddr netip.AddrPort, ifName string) (*LinuxConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return applyIPv4Opts(c, ifName)
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen broadcast udp4 %s: %w", laddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen broadcast udp4 %s: %w", laddr, ErrUnexpectedConnType)
	}
	return &LinuxConn{conn: conn, localAddr: laddr}, nil
}

// NewMulticastSocket opens a UDP/IPv6 socket bound to laddr and joins
// group via IPV6_JOIN_GROUP, scoped to ifName, so BVLC/IPv6 distribution
// traffic addressed to the group is delivered to this socket.
func NewMulticastSocket(ctx context.Context, laddr netip.AddrPort, group netip.Addr, ifName string) (*LinuxConn, error) {
	ifIndex := 0
	if ifName != "" {
		iface, err := net.InterfaceByName(ifName)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", ifName, err)
		}
		ifIndex = iface.Index
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return applyIPv6Opts(c, group, ifIndex)
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp6", laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen multicast udp6 %s: %w", laddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen multicast udp6 %s: %w", laddr, ErrUnexpectedConnType)
	}
	return &LinuxConn{conn: conn, localAddr: laddr}, nil
}

func applyIPv4Opts(c syscall.RawConn, ifName string) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		intFD := int(fd)
		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}
		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_BROADCAST: %w", sockErr)
			return
		}
		if ifName != "" {
			if sockErr = unix.SetsockoptString(intFD, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); sockErr != nil {
				sockErr = fmt.Errorf("set SO_BINDTODEVICE(%s): %w", ifName, sockErr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func applyIPv6Opts(c syscall.RawConn, group netip.Addr, ifIndex int) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		intFD := int(fd)
		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}
		mreq := &unix.IPv6Mreq{Multiaddr: group.As16(), Interface: uint32(ifIndex)}
		if sockErr = unix.SetsockoptIPv6Mreq(intFD, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); sockErr != nil {
			sockErr = fmt.Errorf("set IPV6_JOIN_GROUP: %w", sockErr)
			return
		}
		if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255); sockErr != nil {
			sockErr = fmt.Errorf("set IPV6_MULTICAST_HOPS: %w", sockErr)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}
