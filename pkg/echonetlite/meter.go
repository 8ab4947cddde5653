package echonetlite

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EPC codes of the low-voltage smart electric energy meter property set
// this code reads.
const (
	EPCOperationStatus        byte = 0x80
	EPCCoefficient            byte = 0xD3
	EPCEffectiveDigits        byte = 0xD7
	EPCCumulativeEnergyNormal byte = 0xE0
	EPCUnit                   byte = 0xE1
	EPCCumulativeEnergyAtTime byte = 0xEA
	EPCInstantPower           byte = 0xE7
	EPCInstantCurrent         byte = 0xE8
	EPCPropertyMap            byte = 0x9D
)

// Unit is the EPC 0xE1 unit-of-cumulative-energy code.
type Unit byte

// Multiplier returns the kWh-per-count scaling factor for the unit code,
// per Appendix B of the low-voltage smart meter property definition.
func (u Unit) Multiplier() (decimal.Decimal, error) {
	switch byte(u) {
	case 0x00:
		return decimal.New(1, 0), nil // 1 kWh
	case 0x01:
		return decimal.New(1, -1), nil // 0.1 kWh
	case 0x02:
		return decimal.New(1, -2), nil // 0.01 kWh
	case 0x03:
		return decimal.New(1, -3), nil // 0.001 kWh
	case 0x04:
		return decimal.New(1, -4), nil // 0.0001 kWh
	case 0x0A:
		return decimal.New(1, 1), nil // 10 kWh
	case 0x0B:
		return decimal.New(1, 2), nil // 100 kWh
	case 0x0C:
		return decimal.New(1, 3), nil // 1000 kWh
	case 0x0D:
		return decimal.New(1, 4), nil // 10000 kWh
	default:
		return decimal.Decimal{}, fmt.Errorf("echonetlite: unknown unit code 0x%02X", byte(u))
	}
}

// DecodeCoefficient reads the EPC 0xD3 multiplying coefficient, a 4-byte
// unsigned integer applied to every cumulative energy reading. Meters
// that omit this property (older units) implicitly use 1.
func DecodeCoefficient(edt []byte) (uint32, error) {
	if len(edt) != 4 {
		return 0, MalformedError{Reason: fmt.Sprintf("coefficient EDT length %d, want 4", len(edt))}
	}
	return binary.BigEndian.Uint32(edt), nil
}

// DecodeUnit reads the EPC 0xE1 unit code.
func DecodeUnit(edt []byte) (Unit, error) {
	if len(edt) != 1 {
		return 0, MalformedError{Reason: fmt.Sprintf("unit EDT length %d, want 1", len(edt))}
	}
	return Unit(edt[0]), nil
}

// DecodeEffectiveDigits reads the EPC 0xD7 effective digit count, used
// to detect odometer rollover on the cumulative counter.
func DecodeEffectiveDigits(edt []byte) (byte, error) {
	if len(edt) != 1 {
		return 0, MalformedError{Reason: fmt.Sprintf("effective digits EDT length %d, want 1", len(edt))}
	}
	return edt[0], nil
}

// DecodeInstantPower reads the EPC 0xE7 instantaneous active power, in
// watts, signed to allow negative (export) readings.
func DecodeInstantPower(edt []byte) (int32, error) {
	if len(edt) != 4 {
		return 0, MalformedError{Reason: fmt.Sprintf("instant power EDT length %d, want 4", len(edt))}
	}
	v := int32(binary.BigEndian.Uint32(edt))
	if v == -2147483648 { // 0x80000000 "measurement unavailable"
		return 0, UnavailableError{EPC: EPCInstantPower}
	}
	return v, nil
}

// InstantCurrent is the EPC 0xE8 decoded payload: R-phase and T-phase
// current in amps (the wire value is in deci-amps). Single-phase meters
// report T as unavailable.
type InstantCurrent struct {
	RPhase    decimal.Decimal
	TPhase    decimal.Decimal
	HasTPhase bool
}

// DecodeInstantCurrent reads the EPC 0xE8 instantaneous current.
func DecodeInstantCurrent(edt []byte) (InstantCurrent, error) {
	if len(edt) != 4 {
		return InstantCurrent{}, MalformedError{Reason: fmt.Sprintf("instant current EDT length %d, want 4", len(edt))}
	}
	r := int16(binary.BigEndian.Uint16(edt[0:2]))
	tRaw := int16(binary.BigEndian.Uint16(edt[2:4]))
	ic := InstantCurrent{RPhase: decimal.New(int64(r), -1)}
	if tRaw != 0x7FFE { // "unmeasured" sentinel for single-phase wiring
		ic.TPhase = decimal.New(int64(tRaw), -1)
		ic.HasTPhase = true
	}
	return ic, nil
}

// DecodeCumulativeEnergy reads the EPC 0xE0 normal-direction cumulative
// energy counter and scales it to kWh using the meter's unit and
// coefficient. Pass coefficient=1 when the meter has no EPC 0xD3.
func DecodeCumulativeEnergy(edt []byte, unit Unit, coefficient uint32) (decimal.Decimal, error) {
	if len(edt) != 4 {
		return decimal.Decimal{}, MalformedError{Reason: fmt.Sprintf("cumulative energy EDT length %d, want 4", len(edt))}
	}
	raw := binary.BigEndian.Uint32(edt)
	if raw == 0xFFFFFFFE {
		return decimal.Decimal{}, UnavailableError{EPC: EPCCumulativeEnergyNormal}
	}
	mult, err := unit.Multiplier()
	if err != nil {
		return decimal.Decimal{}, err
	}
	count := decimal.New(int64(raw), 0).Mul(decimal.New(int64(coefficient), 0))
	return count.Mul(mult), nil
}

// FixedTimeCumulative is the EPC 0xEA "cumulative energy at a fixed
// time" reading: a timestamp plus the counter value observed at it.
type FixedTimeCumulative struct {
	Timestamp time.Time
	Raw       uint32
}

// DecodeFixedTimeCumulative reads the EPC 0xEA payload: year(2) month(1)
// day(1) hour(1) min(1) sec(1) value(4).
func DecodeFixedTimeCumulative(edt []byte) (FixedTimeCumulative, error) {
	if len(edt) != 11 {
		return FixedTimeCumulative{}, MalformedError{Reason: fmt.Sprintf("fixed-time cumulative EDT length %d, want 11", len(edt))}
	}
	year := int(binary.BigEndian.Uint16(edt[0:2]))
	month, day, hour, min, sec := int(edt[2]), int(edt[3]), int(edt[4]), int(edt[5]), int(edt[6])
	raw := binary.BigEndian.Uint32(edt[7:11])
	if raw == 0xFFFFFFFE {
		return FixedTimeCumulative{}, UnavailableError{EPC: EPCCumulativeEnergyAtTime}
	}
	ts := time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
	return FixedTimeCumulative{Timestamp: ts, Raw: raw}, nil
}

// DecodePropertyMap reads the EPC 0x9D "get property map", the set of
// EPCs this meter supports an INF/Get response for.
func DecodePropertyMap(edt []byte) ([]byte, error) {
	if len(edt) == 0 {
		return nil, MalformedError{Reason: "property map EDT empty"}
	}
	count := int(edt[0])
	if count <= 16 {
		if len(edt) != 1+count {
			return nil, MalformedError{Reason: fmt.Sprintf("property map declares %d EPCs but has %d bytes", count, len(edt)-1)}
		}
		return edt[1:], nil
	}
	// Bitmap form: 16 bytes. Byte index i (0-15) is the EPC's lower
	// nibble, bit position b (0-7) is the EPC's upper nibble minus 8 -
	// EPCs in this property set always fall in 0x80-0xFF.
	if len(edt) != 17 {
		return nil, MalformedError{Reason: fmt.Sprintf("bitmap property map length %d, want 17", len(edt))}
	}
	var epcs []byte
	for i := 0; i < 16; i++ {
		b := edt[1+i]
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				epcs = append(epcs, byte(0x80|(bit<<4)|i))
			}
		}
	}
	return epcs, nil
}
