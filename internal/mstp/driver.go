package mstp

// Driver is the downward interface to a link adaptor, per spec.md
// section 6. Two implementations ship: serialdriver (go.bug.st/serial,
// the primary RS-485 transport) and gpiortsdriver (periph.io, for
// transceivers needing software RTS/DE-RE toggling). Both satisfy this
// interface so Port.Run is transport-agnostic.
type Driver interface {
	// SendBytes blocks until buf has been shifted out on the wire.
	SendBytes(buf []byte) (int, error)
	// BytesAvailable reports how many received bytes are ready.
	BytesAvailable() int
	// ReadBytes drains up to len(buf) received bytes into buf.
	ReadBytes(buf []byte) (int, error)
	// SilenceMS returns the monotonic milliseconds since the last
	// transmitted or received octet.
	SilenceMS() uint32
	// SilenceReset resets the silence counter to zero.
	SilenceReset()
	// BaudRate returns the driver's current line rate.
	BaudRate() int
	// SetBaudRate reconfigures the line rate (auto-baud control).
	SetBaudRate(bps int) error
	// RTSEnable toggles the RS-485 driver-enable line.
	RTSEnable(on bool)
}

// UpperLayer is the upward interface a Port delivers validated NPDUs
// to, per spec.md section 6.
type UpperLayer interface {
	DeliverNPDU(srcStation uint8, npdu []byte)
}

// SendSource supplies outgoing frames to the master FSM when it holds
// the token, per spec.md section 6's get_send/get_reply.
type SendSource interface {
	// GetSend returns the next queued frame to send while holding the
	// token, or nil if none is ready within timeout.
	GetSend() (dest uint8, data []byte, expectReply bool)
	// GetReply returns a reply frame for a pending data-expecting
	// request, or nil if not ready within Treply_delay.
	GetReply() (data []byte, ready bool)
}
