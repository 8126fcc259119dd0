package netio

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// bufPool reuses read buffers across ReadDatagram calls, scoped
// locally since BVLC has no package boundary forcing a shared pool.
var bufPool = sync.Pool{New: func() any { b := make([]byte, 1500); return &b }}

// Listener wraps a Conn with a context-aware receive loop.
type Listener struct {
	conn Conn
}

// NewListener wraps an already-open Conn.
func NewListener(conn Conn) *Listener {
	return &Listener{conn: conn}
}

// Recv blocks until one datagram is received. ctx is checked once
// before the read; cancelling it does not interrupt a read already in
// progress (closing the Conn does). The returned slice is a private
// copy, safe to retain past the next call.
func (l *Listener) Recv(ctx context.Context) ([]byte, netip.AddrPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("listener recv: %w", err)
	}
	bufp, _ := bufPool.Get().(*[]byte)
	n, meta, err := l.conn.ReadDatagram(*bufp)
	if err != nil {
		bufPool.Put(bufp)
		return nil, netip.AddrPort{}, fmt.Errorf("listener read: %w", err)
	}
	out := append([]byte(nil), (*bufp)[:n]...)
	bufPool.Put(bufp)
	return out, meta.SrcAddr, nil
}

// Close closes the underlying Conn.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Demuxer routes a decoded BVLC datagram to the gateway that owns it;
// implemented by bvlc.Gateway and bvlc.GatewayV6 via HandleDatagram.
type Demuxer interface {
	HandleDatagram(src netip.AddrPort, buf []byte) error
}
