package mstp

import "time"

// ReceiveState is one of the MS/TP framing receive FSM states, per
// spec.md section 4.5.
type ReceiveState int

const (
	RxIdle ReceiveState = iota
	RxPreamble
	RxHeader
	RxHeaderCrc
	RxData
	RxDataCrc
	RxSkip
)

func (s ReceiveState) String() string {
	switch s {
	case RxIdle:
		return "Idle"
	case RxPreamble:
		return "Preamble"
	case RxHeader:
		return "Header"
	case RxHeaderCrc:
		return "HeaderCrc"
	case RxData:
		return "Data"
	case RxDataCrc:
		return "DataCrc"
	case RxSkip:
		return "Skip"
	default:
		return "Unknown"
	}
}

// TframeAbort is the maximum silence gap tolerated mid-frame before
// the in-flight frame is aborted, per spec.md section 4.5: max(1ms,
// 60 bit-times).
func TframeAbort(baud int) time.Duration {
	bitTimes := time.Duration(60) * time.Second / time.Duration(max(baud, 1))
	if bitTimes < time.Millisecond {
		return time.Millisecond
	}
	return bitTimes
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ReceiveFSM reassembles an octet stream into validated Frames. It is
// driven by Step (one call per received octet) and Tick (elapsed
// silence, for the frame-abort timeout). It allocates its data buffer
// once, sized to the largest input buffer the embedder configures.
type ReceiveFSM struct {
	state ReceiveState

	frameType   uint8
	destination uint8
	source      uint8
	length      uint16
	headerIdx   int
	headerBytes [headerSize]byte
	headerCRC   uint8
	dataCRC     uint16
	dataBuf     []byte
	dataIdx     int
	crcIdx      int
	crcBytes    [2]byte

	ReceivedValidFrame   bool
	ReceivedInvalidFrame bool
}

// NewReceiveFSM creates a ReceiveFSM with a data buffer of the given
// capacity (the largest standard-frame payload it can accept without
// overflowing — spec.md's "buffer capacity" bound).
func NewReceiveFSM(bufCap int) *ReceiveFSM {
	return &ReceiveFSM{state: RxIdle, dataBuf: make([]byte, bufCap)}
}

// State returns the FSM's current state.
func (r *ReceiveFSM) State() ReceiveState { return r.state }

// Frame returns the most recently validated frame's fields. Valid
// only immediately after Step reports ReceivedValidFrame; callers
// must clear the flag after observing, per spec.md section 4.5.
func (r *ReceiveFSM) Frame() Frame {
	return Frame{
		Type:        r.frameType,
		Destination: r.destination,
		Source:      r.source,
		Data:        append([]byte(nil), r.dataBuf[:r.dataIdx]...),
	}
}

// ClearFlags clears ReceivedValidFrame/ReceivedInvalidFrame, as the
// consumer is required to after observing them.
func (r *ReceiveFSM) ClearFlags() {
	r.ReceivedValidFrame = false
	r.ReceivedInvalidFrame = false
}

func (r *ReceiveFSM) reset() {
	r.state = RxIdle
	r.headerIdx = 0
	r.dataIdx = 0
	r.crcIdx = 0
}

func (r *ReceiveFSM) abort() {
	r.ReceivedInvalidFrame = true
	r.reset()
}

// ReceiveError signals a driver-reported framing/overrun error; the
// in-flight frame is aborted and the FSM returns to Idle, per spec.md
// section 4.5's Skip-state rule (b).
func (r *ReceiveFSM) ReceiveError() { r.abort() }

// Tick advances the silence timer; if elapsed exceeds Tframe_abort
// while a frame is in progress, the frame is aborted.
func (r *ReceiveFSM) Tick(elapsed, tframeAbort time.Duration) {
	if r.state == RxIdle {
		return
	}
	if elapsed >= tframeAbort {
		r.abort()
	}
}

// Step feeds one received octet into the FSM.
func (r *ReceiveFSM) Step(octet byte) {
	switch r.state {
	case RxIdle:
		if octet == preambleByte0 {
			r.state = RxPreamble
		}
	case RxPreamble:
		switch octet {
		case preambleByte1:
			r.state = RxHeader
			r.headerIdx = 0
		case preambleByte0:
			// stay in Preamble
		default:
			r.state = RxIdle
		}
	case RxHeader:
		r.headerBytes[r.headerIdx] = octet
		r.headerIdx++
		if r.headerIdx == headerSize {
			r.frameType = r.headerBytes[0]
			r.destination = r.headerBytes[1]
			r.source = r.headerBytes[2]
			r.length = uint16(r.headerBytes[3])<<8 | uint16(r.headerBytes[4])
			var hcrc uint8 = 0xFF
			for _, b := range r.headerBytes {
				hcrc = HeaderCRC8(hcrc, b)
			}
			r.headerCRC = hcrc
			r.state = RxHeaderCrc
		}
	case RxHeaderCrc:
		check := HeaderCRC8(r.headerCRC, octet)
		if check != headerCRCCheck {
			r.abort()
			return
		}
		if r.length == 0 {
			r.ReceivedValidFrame = true
			r.dataIdx = 0
			r.reset()
			return
		}
		if int(r.length) > len(r.dataBuf) {
			// Buffer overflow: spec.md section 4.5 Skip rule (d).
			// Silent drop per the open question in section 9.
			r.abort()
			return
		}
		r.dataIdx = 0
		r.dataCRC = DataCRC16Seed
		r.state = RxData
	case RxData:
		r.dataBuf[r.dataIdx] = octet
		r.dataCRC = DataCRC16(r.dataCRC, octet)
		r.dataIdx++
		if r.dataIdx == int(r.length) {
			r.crcIdx = 0
			r.state = RxDataCrc
		}
	case RxDataCrc:
		r.crcBytes[r.crcIdx] = octet
		r.crcIdx++
		if r.crcIdx == 2 {
			crc := r.dataCRC
			crc = DataCRC16(crc, r.crcBytes[0])
			crc = DataCRC16(crc, r.crcBytes[1])
			if crc != DataCRC16Check {
				r.abort()
				return
			}
			r.ReceivedValidFrame = true
			r.reset()
		}
	case RxSkip:
		// unreachable: abort() always returns directly to Idle.
	}
}
