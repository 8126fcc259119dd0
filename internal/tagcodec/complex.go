package tagcodec

import "github.com/bacnet-go/bacnetcore/internal/bacaddr"

// Constructed types built on the primitives above, each exposing Same
// and Copy per spec.md section 4.1. These are wire-shape helpers only;
// object/property semantics are out of scope.

// Date is a BACnet date: year-1900, month (1-14, 13/14 = "any"),
// day (1-32, 32 = "any"), weekday (1-7, 0 = "any").
type Date struct {
	Year, Month, Day, Weekday uint8
}

// Time is a BACnet time-of-day: hour/minute/second/hundredths,
// 0xFF in any field meaning "any"/unspecified.
type Time struct {
	Hour, Minute, Second, Hundredths uint8
}

// DateTime pairs a Date and Time.
type DateTime struct {
	Date Date
	Time Time
}

// Same reports whether two DateTime values are identical.
func (d DateTime) Same(o DateTime) bool { return d == o }

// Copy returns an independent copy (DateTime has no reference fields).
func (d DateTime) Copy() DateTime { return d }

// EncodeDateTime writes the 4 raw date octets then the 4 raw time
// octets, with no tag octets around them.
func EncodeDateTime(buf []byte, v DateTime) int {
	n := 0
	n += encodeRawOctets(sliceFrom(buf, n), v.Date.Year, v.Date.Month, v.Date.Day, v.Date.Weekday)
	n += encodeRawOctets(sliceFrom(buf, n), v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Hundredths)
	return n
}

func encodeRawOctets(buf []byte, octets ...uint8) int {
	if buf != nil {
		for i, o := range octets {
			if i < len(buf) {
				buf[i] = o
			}
		}
	}
	return len(octets)
}

// DecodeDateTime decodes 8 raw date+time octets (no tag wrapper; the
// caller is expected to have already consumed surrounding context
// tags via DecodeTag).
func DecodeDateTime(buf []byte) (DateTime, int, error) {
	if len(buf) < 8 {
		return DateTime{}, 0, ErrShortBuffer
	}
	return DateTime{
		Date: Date{Year: buf[0], Month: buf[1], Day: buf[2], Weekday: buf[3]},
		Time: Time{Hour: buf[4], Minute: buf[5], Second: buf[6], Hundredths: buf[7]},
	}, 8, nil
}

// TimeValue is one entry of a WeeklySchedule day list: a time-of-day
// paired with an application-tagged primitive value already encoded
// in Value (opaque to this codec — property-value typing is out of
// scope per spec.md's Non-goals).
type TimeValue struct {
	Time  Time
	Value []byte
}

// WeeklySchedule holds seven days of TimeValue entries, Sunday-first.
type WeeklySchedule struct {
	Days [7][]TimeValue
}

// Same performs a deep structural comparison.
func (w WeeklySchedule) Same(o WeeklySchedule) bool {
	for d := 0; d < 7; d++ {
		if len(w.Days[d]) != len(o.Days[d]) {
			return false
		}
		for i := range w.Days[d] {
			a, b := w.Days[d][i], o.Days[d][i]
			if a.Time != b.Time || !bytesEq(a.Value, b.Value) {
				return false
			}
		}
	}
	return true
}

// Copy returns a deep copy of the schedule.
func (w WeeklySchedule) Copy() WeeklySchedule {
	var out WeeklySchedule
	for d := 0; d < 7; d++ {
		out.Days[d] = make([]TimeValue, len(w.Days[d]))
		for i, tv := range w.Days[d] {
			out.Days[d][i] = TimeValue{Time: tv.Time, Value: append([]byte(nil), tv.Value...)}
		}
	}
	return out
}

func bytesEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShedLevelKind selects which of ShedLevel's choice-tagged union
// members is present.
type ShedLevelKind uint8

const (
	ShedLevelPercent ShedLevelKind = iota
	ShedLevelLevel
	ShedLevelAmount
)

// ShedLevel is a choice-tagged union: exactly one of Percent, Level or
// Amount is meaningful, selected by Kind.
type ShedLevel struct {
	Kind    ShedLevelKind
	Percent uint32
	Level   uint32
	Amount  float32
}

// Same compares kind and the active member.
func (s ShedLevel) Same(o ShedLevel) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case ShedLevelPercent:
		return s.Percent == o.Percent
	case ShedLevelLevel:
		return s.Level == o.Level
	default:
		return s.Amount == o.Amount
	}
}

// Copy returns an independent copy (ShedLevel has no reference fields).
func (s ShedLevel) Copy() ShedLevel { return s }

// AddressBinding pairs a device instance with its cached network
// address, the wire shape used by Who-Is/I-Am address caching.
// Object/property dispatch around it is out of scope.
type AddressBinding struct {
	DeviceInstance uint32
	Addr           bacaddr.Address
}

// Same compares device instance and address.
func (a AddressBinding) Same(o AddressBinding) bool {
	return a.DeviceInstance == o.DeviceInstance && a.Addr.Equal(o.Addr)
}

// Copy returns an independent copy.
func (a AddressBinding) Copy() AddressBinding {
	return AddressBinding{
		DeviceInstance: a.DeviceInstance,
		Addr: bacaddr.Address{
			Net: a.Addr.Net,
			Mac: append([]byte(nil), a.Addr.Mac...),
			Adr: append([]byte(nil), a.Addr.Adr...),
		},
	}
}

// VMACEntry binds a BACnet/IPv6 virtual MAC to a device instance, per
// spec.md section 4.11.
type VMACEntry struct {
	VMAC           [bacaddr.MacWidthVMAC]byte
	DeviceInstance uint32
}

// Same compares VMAC and device instance.
func (v VMACEntry) Same(o VMACEntry) bool {
	return v.VMAC == o.VMAC && v.DeviceInstance == o.DeviceInstance
}

// Copy returns an independent copy (VMACEntry has no reference fields).
func (v VMACEntry) Copy() VMACEntry { return v }
