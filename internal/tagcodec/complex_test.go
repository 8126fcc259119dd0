package tagcodec_test

import (
	"testing"

	"github.com/bacnet-go/bacnetcore/internal/bacaddr"
	"github.com/bacnet-go/bacnetcore/internal/tagcodec"
)

func TestDateTimeEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	dt := tagcodec.DateTime{
		Date: tagcodec.Date{Year: 124, Month: 7, Day: 29, Weekday: 3},
		Time: tagcodec.Time{Hour: 14, Minute: 30, Second: 0, Hundredths: 0},
	}

	buf := make([]byte, tagcodec.EncodeDateTime(nil, dt))
	tagcodec.EncodeDateTime(buf, dt)

	got, consumed, err := tagcodec.DecodeDateTime(buf)
	if err != nil {
		t.Fatalf("DecodeDateTime: %v", err)
	}
	if consumed != 8 {
		t.Errorf("consumed = %d, want 8", consumed)
	}
	if !got.Same(dt) {
		t.Errorf("DecodeDateTime = %+v, want %+v", got, dt)
	}
}

func TestDateTimeCopyIsIndependent(t *testing.T) {
	t.Parallel()

	dt := tagcodec.DateTime{Date: tagcodec.Date{Year: 124}, Time: tagcodec.Time{Hour: 1}}
	cp := dt.Copy()
	if !cp.Same(dt) {
		t.Error("Copy() produced a non-equal value")
	}
}

func TestDecodeDateTimeShortBuffer(t *testing.T) {
	t.Parallel()

	if _, _, err := tagcodec.DecodeDateTime([]byte{1, 2, 3}); err != tagcodec.ErrShortBuffer {
		t.Errorf("DecodeDateTime(short) error = %v, want ErrShortBuffer", err)
	}
}

func TestWeeklyScheduleSameAndCopy(t *testing.T) {
	t.Parallel()

	w := tagcodec.WeeklySchedule{}
	w.Days[0] = []tagcodec.TimeValue{
		{Time: tagcodec.Time{Hour: 8}, Value: []byte{0x01}},
	}
	w.Days[1] = []tagcodec.TimeValue{
		{Time: tagcodec.Time{Hour: 17}, Value: []byte{0x00}},
	}

	cp := w.Copy()
	if !cp.Same(w) {
		t.Error("Copy() is not Same() as original")
	}

	// Mutating the copy's backing array must not affect the original.
	cp.Days[0][0].Value[0] = 0xFF
	if w.Days[0][0].Value[0] == 0xFF {
		t.Error("Copy() shares backing storage with original")
	}

	cp.Days[2] = append(cp.Days[2], tagcodec.TimeValue{Time: tagcodec.Time{Hour: 1}})
	if w.Same(cp) {
		t.Error("Same() reported equal after structural divergence")
	}
}

func TestShedLevelSame(t *testing.T) {
	t.Parallel()

	a := tagcodec.ShedLevel{Kind: tagcodec.ShedLevelPercent, Percent: 50}
	b := tagcodec.ShedLevel{Kind: tagcodec.ShedLevelPercent, Percent: 50}
	c := tagcodec.ShedLevel{Kind: tagcodec.ShedLevelPercent, Percent: 75}
	d := tagcodec.ShedLevel{Kind: tagcodec.ShedLevelAmount, Amount: 50}

	if !a.Same(b) {
		t.Error("identical percent levels not Same")
	}
	if a.Same(c) {
		t.Error("differing percent levels reported Same")
	}
	if a.Same(d) {
		t.Error("differing kinds reported Same despite equal numeric value")
	}
}

func TestAddressBindingSameAndCopy(t *testing.T) {
	t.Parallel()

	ab := tagcodec.AddressBinding{
		DeviceInstance: 1001,
		Addr:           bacaddr.Address{Net: 5, Mac: []byte{1, 2, 3}},
	}
	cp := ab.Copy()
	if !cp.Same(ab) {
		t.Error("Copy() is not Same() as original")
	}

	cp.Addr.Mac[0] = 0xFF
	if ab.Addr.Mac[0] == 0xFF {
		t.Error("Copy() shares Mac backing array with original")
	}
}

func TestVMACEntrySame(t *testing.T) {
	t.Parallel()

	var vmac [bacaddr.MacWidthVMAC]byte
	copy(vmac[:], []byte{0xaa, 0xbb, 0xcc})

	a := tagcodec.VMACEntry{VMAC: vmac, DeviceInstance: 42}
	b := tagcodec.VMACEntry{VMAC: vmac, DeviceInstance: 42}
	c := a
	c.DeviceInstance = 43

	if !a.Same(b) {
		t.Error("identical VMAC entries not Same")
	}
	if a.Same(c) {
		t.Error("differing device instances reported Same")
	}
}
