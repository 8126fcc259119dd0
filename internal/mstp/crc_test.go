package mstp_test

import (
	"testing"

	"github.com/bacnet-go/bacnetcore/internal/mstp"
)

func TestHeaderCRC8SelfCheck(t *testing.T) {
	t.Parallel()

	header := []byte{mstp.FrameToken, 0x05, 0x03, 0x00, 0x00}

	var acc uint8 = 0xFF
	for _, b := range header {
		acc = mstp.HeaderCRC8(acc, b)
	}
	transmitted := ^acc

	var check uint8 = 0xFF
	for _, b := range header {
		check = mstp.HeaderCRC8(check, b)
	}
	check = mstp.HeaderCRC8(check, transmitted)

	const headerCRCCheckValue = 0x55
	if check != headerCRCCheckValue {
		t.Errorf("header crc check = 0x%02x, want 0x%02x", check, headerCRCCheckValue)
	}
}

func TestDataCRC16SelfCheck(t *testing.T) {
	t.Parallel()

	data := []byte("hello mstp")

	crc := mstp.DataCRC16Seed
	for _, b := range data {
		crc = mstp.DataCRC16(crc, b)
	}
	transmitted := ^crc

	check := crc
	check = mstp.DataCRC16(check, byte(transmitted))
	check = mstp.DataCRC16(check, byte(transmitted>>8))

	if check != mstp.DataCRC16Check {
		t.Errorf("data crc check = 0x%04x, want 0x%04x", check, mstp.DataCRC16Check)
	}
}

func TestCRC32KDeterministic(t *testing.T) {
	t.Parallel()

	data := []byte{0x01, 0x02, 0x03, 0x04}

	var a, b uint32 = mstp.CRC32KSeed, mstp.CRC32KSeed
	for _, c := range data {
		a = mstp.CRC32K(a, c)
	}
	for _, c := range data {
		b = mstp.CRC32K(b, c)
	}
	if a != b {
		t.Errorf("CRC32K not deterministic: %08x != %08x", a, b)
	}

	var c uint32 = mstp.CRC32KSeed
	for _, v := range []byte{0x01, 0x02, 0x03, 0x05} {
		c = mstp.CRC32K(c, v)
	}
	if a == c {
		t.Error("CRC32K produced identical output for differing input")
	}
}
