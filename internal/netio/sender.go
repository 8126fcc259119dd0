//go:build linux

package netio

import (
	"context"
	"fmt"
	"net/netip"
)

// Sender adapts a Conn to bvlc.Sender, the interface both the IPv4 and
// IPv6 gateway implementations use to emit datagrams without depending
// on this package directly or touching a raw socket themselves.
type Sender struct {
	conn Conn
}

// NewSender wraps an already-open Conn (broadcast or multicast) as a
// bvlc.Sender.
func NewSender(conn Conn) *Sender {
	return &Sender{conn: conn}
}

// SendTo implements bvlc.Sender.
func (s *Sender) SendTo(dst netip.AddrPort, buf []byte) error {
	if err := s.conn.WriteDatagram(buf, dst); err != nil {
		return fmt.Errorf("bvlc sender: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (s *Sender) Close() error { return s.conn.Close() }

// NewBroadcastSender opens a broadcast-capable IPv4 socket bound to
// laddr and returns a Sender over it, for a Gateway that both sends and
// receives BVLC/IPv4 traffic on the same socket.
func NewBroadcastSender(ctx context.Context, laddr netip.AddrPort, ifName string) (*Sender, error) {
	conn, err := NewBroadcastSocket(ctx, laddr, ifName)
	if err != nil {
		return nil, err
	}
	return NewSender(conn), nil
}

// NewMulticastSender opens an IPv6 socket bound to laddr, joined to
// group, and returns a Sender over it for a GatewayV6.
func NewMulticastSender(ctx context.Context, laddr netip.AddrPort, group netip.Addr, ifName string) (*Sender, error) {
	conn, err := NewMulticastSocket(ctx, laddr, group, ifName)
	if err != nil {
		return nil, err
	}
	return NewSender(conn), nil
}
