// Package gpiortsdriver decorates another mstp.Driver's RTSEnable
// with a software-toggled GPIO pin via periph.io, for RS-485
// transceivers whose DE/RE direction pin isn't wired to the UART's
// own RTS/hardware-flow-control line.
package gpiortsdriver

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Underlying is the subset of mstp.Driver this package augments; kept
// narrow so it composes with any base driver (e.g. serialdriver) that
// implements everything but RTS control in hardware.
type Underlying interface {
	SendBytes(buf []byte) (int, error)
	BytesAvailable() int
	ReadBytes(buf []byte) (int, error)
	SilenceMS() uint32
	SilenceReset()
	BaudRate() int
	SetBaudRate(bps int) error
}

// Driver wraps an Underlying driver, implementing RTSEnable via a
// periph.io GPIO output pin instead of the serial port's own RTS line.
type Driver struct {
	Underlying
	pin gpio.PinIO
}

// Wrap initializes the periph.io host drivers (idempotent) and opens
// pinName as a GPIO output, returning a Driver that delegates
// everything except RTSEnable to base.
func Wrap(base Underlying, pinName string) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpiortsdriver: host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpiortsdriver: no such gpio pin %q", pinName)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpiortsdriver: init pin %q: %w", pinName, err)
	}
	return &Driver{Underlying: base, pin: pin}, nil
}

// RTSEnable drives the DE/RE pin high to transmit, low to receive —
// the manual equivalent of an RS-485 adaptor's automatic direction
// control.
func (d *Driver) RTSEnable(on bool) {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	_ = d.pin.Out(level)
}
