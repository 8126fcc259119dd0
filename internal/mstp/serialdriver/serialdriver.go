// Package serialdriver implements mstp.Driver over an RS-485 serial
// port using go.bug.st/serial, the primary MS/TP transport.
package serialdriver

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Driver wraps a go.bug.st/serial port, tracking a silence counter
// updated on every successful send/receive call exactly as spec.md
// section 6's silence_ms/silence_reset pair requires.
type Driver struct {
	mu       sync.Mutex
	port     serial.Port
	portName string
	baud     int
	lastIO   time.Time
	rtsOn    bool
}

// Open opens portName at the given initial baud rate with 8N1 framing
// (the MS/TP standard), enabling hardware RS-485 direction control
// when the underlying port supports it.
func Open(portName string, baud int) (*Driver, error) {
	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialdriver: open %s: %w", portName, err)
	}
	if rs485Err := port.SetRS485Config(&serial.RS485Config{Enabled: true}); rs485Err != nil {
		// Not every adaptor supports automatic RS-485 direction
		// control; callers needing software RTS toggling should use
		// gpiortsdriver instead. Non-fatal.
		_ = rs485Err
	}
	return &Driver{port: port, portName: portName, baud: baud, lastIO: time.Now()}, nil
}

// SendBytes writes buf, blocking until accepted by the OS driver.
func (d *Driver) SendBytes(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.port.Write(buf)
	d.lastIO = time.Now()
	if err != nil {
		return n, fmt.Errorf("serialdriver: write: %w", err)
	}
	return n, nil
}

// BytesAvailable is approximated: go.bug.st/serial has no portable
// "bytes waiting" query, so this driver always reports 1. Port does
// not consult it; it calls ReadBytes directly.
func (d *Driver) BytesAvailable() int { return 1 }

// ReadBytes reads up to len(buf) bytes. Open sets no read timeout, so
// the call blocks until at least one byte arrives or the port fails.
func (d *Driver) ReadBytes(buf []byte) (int, error) {
	n, err := d.port.Read(buf)
	if n > 0 {
		d.mu.Lock()
		d.lastIO = time.Now()
		d.mu.Unlock()
	}
	if err != nil {
		return n, fmt.Errorf("serialdriver: read: %w", err)
	}
	return n, nil
}

// SilenceMS returns milliseconds since the last successful send/read.
func (d *Driver) SilenceMS() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(time.Since(d.lastIO).Milliseconds())
}

// SilenceReset resets the silence counter to zero.
func (d *Driver) SilenceReset() {
	d.mu.Lock()
	d.lastIO = time.Now()
	d.mu.Unlock()
}

// BaudRate returns the driver's current line rate.
func (d *Driver) BaudRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// SetBaudRate reconfigures the line rate, used by auto-baud.
func (d *Driver) SetBaudRate(bps int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.port.SetMode(&serial.Mode{BaudRate: bps, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}); err != nil {
		return fmt.Errorf("serialdriver: set baud %d: %w", bps, err)
	}
	d.baud = bps
	return nil
}

// RTSEnable toggles RTS manually; only meaningful when the adaptor
// lacks automatic RS-485 direction control.
func (d *Driver) RTSEnable(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rtsOn = on
	_ = d.port.SetRTS(on)
}

// Close releases the underlying OS handle.
func (d *Driver) Close() error {
	return d.port.Close()
}
