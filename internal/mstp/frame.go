package mstp

import (
	"encoding/binary"
	"errors"
)

// Frame type octet values, per spec.md section 3.
const (
	FrameToken                   = 0
	FramePollForMaster           = 1
	FrameReplyToPFM              = 2
	FrameTestRequest             = 3
	FrameTestResponse            = 4
	FrameDataExpectingReply      = 5
	FrameDataNotExpectingReply   = 6
	FrameReplyPostponed          = 7
	frameExtendedThreshold       = 128 // types >= this are extended/COBS framed
)

// Wire constants for the standard (non-extended) frame layout.
const (
	preambleByte0  = 0x55
	preambleByte1  = 0xFF
	headerSize     = 5 // type, dst, src, len-hi, len-lo
	headerCRCCheck = 0x55
	MaxDataLength  = 501  // spec.md section 6: standard frames
	MaxExtDataLength = 1476
	StationBroadcast = 0xFF
)

var (
	// ErrBufTooSmall is returned in place of allocating: MarshalFrame
	// never allocates, it reports when buf cannot hold the encoding.
	ErrBufTooSmall = errors.New("mstp: buffer too small")
	// ErrHeaderCRC indicates the header CRC check octet did not
	// verify to 0x55.
	ErrHeaderCRC = errors.New("mstp: header crc mismatch")
	// ErrDataCRC indicates the trailing data CRC did not match the
	// expected check magic.
	ErrDataCRC = errors.New("mstp: data crc mismatch")
)

// Frame is the in-memory representation of one MS/TP frame, per
// spec.md section 3's frame data model.
type Frame struct {
	Type        uint8
	Destination uint8
	Source      uint8
	Data        []byte
}

// IsExtended reports whether f uses the COBS/CRC-32K extended layout.
func (f Frame) IsExtended() bool { return f.Type >= frameExtendedThreshold }

// WireLen returns the number of bytes MarshalFrame will write for f.
func (f Frame) WireLen() int {
	if len(f.Data) == 0 {
		return 8 // preamble(2) + header(5) + header_crc(1)
	}
	return 8 + len(f.Data) + 2
}

// MarshalFrame writes f's standard (non-extended) wire encoding into
// buf, zero-alloc: the caller supplies the buffer, sized via WireLen.
func MarshalFrame(f Frame, buf []byte) (int, error) {
	n := f.WireLen()
	if len(buf) < n {
		return 0, ErrBufTooSmall
	}
	buf[0] = preambleByte0
	buf[1] = preambleByte1
	buf[2] = f.Type
	buf[3] = f.Destination
	buf[4] = f.Source
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Data)))

	var hcrc uint8 = 0xFF
	for _, b := range buf[2:7] {
		hcrc = HeaderCRC8(hcrc, b)
	}
	buf[7] = ^hcrc

	if len(f.Data) == 0 {
		return n, nil
	}
	copy(buf[8:], f.Data)
	var dcrc uint16 = DataCRC16Seed
	for _, b := range f.Data {
		dcrc = DataCRC16(dcrc, b)
	}
	dcrc = ^dcrc
	binary.LittleEndian.PutUint16(buf[8+len(f.Data):], dcrc)
	return n, nil
}
