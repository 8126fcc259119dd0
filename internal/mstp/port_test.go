package mstp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeDriver struct {
	mu      sync.Mutex
	pending []byte
	sent    [][]byte
	baud    int
}

func (d *fakeDriver) SendBytes(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte(nil), buf...)
	d.sent = append(d.sent, cp)
	return len(buf), nil
}

func (d *fakeDriver) BytesAvailable() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *fakeDriver) ReadBytes(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return 0, nil
	}
	n := copy(buf, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *fakeDriver) SilenceMS() uint32   { return 0 }
func (d *fakeDriver) SilenceReset()       {}
func (d *fakeDriver) BaudRate() int       { return d.baud }
func (d *fakeDriver) SetBaudRate(bps int) error {
	d.baud = bps
	return nil
}
func (d *fakeDriver) RTSEnable(bool) {}

func (d *fakeDriver) feed(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, b...)
}

func (d *fakeDriver) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDriver) lastSent() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return nil
	}
	return d.sent[len(d.sent)-1]
}

type fakeUpper struct {
	mu    sync.Mutex
	calls int
}

func (u *fakeUpper) DeliverNPDU(uint8, []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
}

type fakeSource struct{}

func (fakeSource) GetSend() (uint8, []byte, bool) { return 0, nil, false }
func (fakeSource) GetReply() ([]byte, bool)        { return nil, false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPortPassesTokenAfterReceivingIt(t *testing.T) {
	t.Parallel()

	const thisStation, tokenSource = 5, 9

	driver := &fakeDriver{baud: 38400}
	tok := Frame{Type: FrameToken, Destination: thisStation, Source: tokenSource}
	buf := make([]byte, tok.WireLen())
	if _, err := MarshalFrame(tok, buf); err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	driver.feed(buf)

	cfg := Config{
		ThisStation:    thisStation,
		NextStation:    thisStation,
		NmaxMaster:     127,
		InputBufSize:   MaxDataLength,
		StartBaudIdx:   1,
	}
	p := NewPort(cfg, driver, &fakeUpper{}, fakeSource{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(150 * time.Millisecond)
	for driver.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if driver.sentCount() == 0 {
		t.Fatal("port never transmitted a frame after receiving the token")
	}
	sent := driver.lastSent()
	rx := NewReceiveFSM(MaxDataLength)
	for _, b := range sent {
		rx.Step(b)
	}
	if !rx.ReceivedValidFrame {
		t.Fatalf("transmitted bytes did not form a valid frame: %v", sent)
	}
	got := rx.Frame()
	if got.Type != FrameToken {
		t.Errorf("transmitted frame type = %d, want FrameToken", got.Type)
	}
	if got.Destination != thisStation {
		t.Errorf("transmitted frame destination = %d, want %d", got.Destination, thisStation)
	}

	cancel()
	<-done
}

func TestPortDeliversDataNotExpectingReplyToUpperLayer(t *testing.T) {
	t.Parallel()

	const thisStation, peer = 5, 9

	driver := &fakeDriver{baud: 38400}
	f := Frame{Type: FrameDataNotExpectingReply, Destination: thisStation, Source: peer, Data: []byte{0xAA}}
	buf := make([]byte, f.WireLen())
	if _, err := MarshalFrame(f, buf); err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	driver.feed(buf)

	upper := &fakeUpper{}
	cfg := Config{ThisStation: thisStation, NextStation: thisStation, NmaxMaster: 127, InputBufSize: MaxDataLength}
	p := NewPort(cfg, driver, upper, fakeSource{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(120 * time.Millisecond)
	for func() bool { upper.mu.Lock(); defer upper.mu.Unlock(); return upper.calls == 0 }() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	upper.mu.Lock()
	calls := upper.calls
	upper.mu.Unlock()
	if calls == 0 {
		t.Fatal("upper layer never received the delivered NPDU")
	}

	cancel()
	<-done
}

func TestPortIgnoresFrameForOtherStation(t *testing.T) {
	t.Parallel()

	const thisStation, other, peer = 5, 6, 9

	driver := &fakeDriver{baud: 38400}
	f := Frame{Type: FrameToken, Destination: other, Source: peer}
	buf := make([]byte, f.WireLen())
	if _, err := MarshalFrame(f, buf); err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	driver.feed(buf)

	cfg := Config{ThisStation: thisStation, NextStation: thisStation, NmaxMaster: 127, InputBufSize: MaxDataLength}
	p := NewPort(cfg, driver, &fakeUpper{}, fakeSource{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	if p.MasterState() == UseToken {
		t.Error("port claimed a token frame addressed to a different station")
	}
}
