// Package model defines the shared data types of the zone control engine:
// identifiers, tagged reading values, device kinds and their change/
// calibration rules, schedules and overrides. The zone and controller
// types live in internal/zone and internal/controller.
package model

// HomeID identifies a home namespace. Opaque, ≤36 chars.
type HomeID string

// ZoneID identifies a zone within a home. Opaque, ≤36 chars.
type ZoneID string

// DeviceID identifies a device within a zone. Opaque, ≤36 chars.
type DeviceID string

// ReadingType is a short tag drawn from an open set, e.g. "temperature",
// "humidity", "humidex", "switch".
type ReadingType string

const (
	ReadingTemperature ReadingType = "temperature"
	ReadingHumidity    ReadingType = "humidity"
	ReadingHumidex     ReadingType = "humidex"
	ReadingSwitch      ReadingType = "switch"
)

// DeviceKind identifies the hardware interface a device is driven by.
type DeviceKind string

const (
	KindDHT11   DeviceKind = "dht11"
	KindDHT22   DeviceKind = "dht22"
	KindDS18x20 DeviceKind = "ds18x20"
	KindSwitch  DeviceKind = "gpio"
)

// ValueKind is the variant tag of a Value.
type ValueKind int

const (
	ValueFloat ValueKind = iota
	ValueInt
	ValueBool
)

// ValueKindForType returns the fixed variant for a reading type. Switch
// readings are boolean; everything else in the built-in set is float.
func ValueKindForType(t ReadingType) ValueKind {
	if t == ReadingSwitch {
		return ValueBool
	}
	return ValueFloat
}

// Value is a tagged scalar: exactly one of Float/Int/Bool is meaningful,
// selected by Kind, plus a free-form unit string.
type Value struct {
	Kind  ValueKind
	Float float64
	Int   int64
	Bool  bool
	Unit  string
}

func FloatValue(v float64, unit string) Value {
	return Value{Kind: ValueFloat, Float: v, Unit: unit}
}

func IntValue(v int64, unit string) Value {
	return Value{Kind: ValueInt, Int: v, Unit: unit}
}

func BoolValue(v bool) Value {
	return Value{Kind: ValueBool, Bool: v}
}

// Number returns the value as a float64 regardless of underlying kind, for
// threshold arithmetic. Bool is not meaningfully numeric; callers must
// branch on Kind before relying on this for booleans.
func (v Value) Number() float64 {
	switch v.Kind {
	case ValueInt:
		return float64(v.Int)
	case ValueBool:
		if v.Bool {
			return 1
		}
		return 0
	default:
		return v.Float
	}
}

// WithOffset returns v shifted by offset, preserving Kind and Unit. Applying
// an offset to a Bool value is a no-op — calibration offsets are meaningless
// for switch readings.
func (v Value) WithOffset(offset float64) Value {
	switch v.Kind {
	case ValueInt:
		v.Int += int64(offset)
	case ValueFloat:
		v.Float += offset
	}
	return v
}

// WithinBand reports whether v is within threshold of target. For numeric
// kinds this is target-threshold <= v <= target+threshold (inclusive at
// both ends). For Bool, within-band means equality.
func WithinBand(v, target, threshold Value) bool {
	if v.Kind == ValueBool || target.Kind == ValueBool {
		return v.Bool == target.Bool
	}
	lo := target.Number() - threshold.Number()
	hi := target.Number() + threshold.Number()
	n := v.Number()
	return n >= lo && n <= hi
}

// Addr addresses a (home, zone, device, type) tuple. An empty Type acts as
// a wildcard matching any reading type of that device.
type Addr struct {
	Home   HomeID
	Zone   ZoneID
	Device DeviceID
	Type   ReadingType
}

// Matches reports whether this addressing tuple (as found on a ChangeRule
// or DeviceTarget) matches a concrete reading's source address.
func (a Addr) Matches(src Addr) bool {
	return a.Home == src.Home && a.Zone == src.Zone && a.Device == src.Device &&
		(a.Type == "" || a.Type == src.Type)
}

// Direction is the polarity of a ChangeRule: whether turning the owning
// actuator ON is expected to raise (+1) or lower (-1) the sensor value it
// reacts to.
type Direction int

const (
	Increase Direction = 1
	Decrease Direction = -1
)

// ChangeRule describes how an actuator device responds to a reading on some
// other (usually sensor) device.
type ChangeRule struct {
	Target    Addr
	Direction Direction
}

// Calibration adjusts raw sensor readings of a given type and carries the
// hysteresis threshold used for that type's actuation.
type Calibration struct {
	ReadingType ReadingType
	Offset      Value
	Threshold   Value
}

// DeviceTarget is a desired value for a (device, type), declared by a
// schedule or an override.
type DeviceTarget struct {
	Addr  Addr
	Value Value
}

// DayMask is a bitmask of weekdays, bit k for weekday k, 0 = Sunday —
// matching time.Weekday's numbering.
type DayMask uint8

func (m DayMask) Has(weekday int) bool {
	return m&(1<<uint(weekday)) != 0
}

func DayMaskOf(weekdays ...int) DayMask {
	var m DayMask
	for _, d := range weekdays {
		m |= 1 << uint(d)
	}
	return m
}

// Schedule is a weekly recurring target declaration, active from its
// (hour, minute) of day until superseded by a later schedule that day.
type Schedule struct {
	Days    DayMask
	Hour    int
	Minute  int
	Targets []DeviceTarget
}

// Override is an absolute time window that supersedes schedules while
// active.
type Override struct {
	Start   int64 // UTC seconds since epoch
	End     int64
	Targets []DeviceTarget
}
