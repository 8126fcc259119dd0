package netio_test

import (
	"net/netip"
	"testing"

	"github.com/bacnet-go/bacnetcore/internal/netio"
)

func TestSenderSendToWritesOnConn(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(netip.MustParseAddrPort("10.0.0.1:47808"))
	s := netio.NewSender(conn)

	dst := netip.MustParseAddrPort("10.0.0.5:47808")
	if err := s.SendTo(dst, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	sent := conn.sentDatagrams()
	if len(sent) != 1 || sent[0].dst != dst {
		t.Fatalf("sentDatagrams = %+v, want one datagram to %v", sent, dst)
	}
}

func TestSenderSendToPropagatesError(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(netip.MustParseAddrPort("10.0.0.1:47808"))
	s := netio.NewSender(conn)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.SendTo(netip.MustParseAddrPort("10.0.0.5:47808"), []byte{1}); err == nil {
		t.Error("SendTo on a closed conn returned nil error")
	}
}
