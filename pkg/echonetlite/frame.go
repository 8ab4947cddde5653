// Package echonetlite implements the ECHONET Lite frame codec and the
// low-voltage smart electric energy meter property set (class group
// 0x02, class 0x88) needed to read instantaneous power/current and
// cumulative energy over a Route-B Wi-SUN link.
package echonetlite

import (
	"encoding/binary"
	"fmt"
)

const (
	ehd1 byte = 0x10
	ehd2 byte = 0x81
)

// ESV is an ECHONET Lite service code.
type ESV byte

const (
	ESVGet    ESV = 0x62
	ESVSetC   ESV = 0x61
	ESVGetRes ESV = 0x72
	ESVGetSNA ESV = 0x52
	ESVSetRes ESV = 0x71
	ESVINF    ESV = 0x73
)

// EOJ is a 3-byte ECHONET object code: class group, class, instance.
type EOJ [3]byte

var (
	// EOJController is the canonical controller/management object used
	// as SEOJ when this code originates a request.
	EOJController = EOJ{0x05, 0xFF, 0x01}
	// EOJMeter is the low-voltage smart electric energy meter object.
	EOJMeter = EOJ{0x02, 0x88, 0x01}
)

// Property is one EPC/EDT pair carried by a frame.
type Property struct {
	EPC byte
	EDT []byte
}

// Frame is a decoded ECHONET Lite frame (EHD1/EHD2 are fixed and not
// stored).
type Frame struct {
	TID        uint16
	SEOJ       EOJ
	DEOJ       EOJ
	ESV        ESV
	Properties []Property
}

// Encode serializes f into its wire representation.
func (f Frame) Encode() []byte {
	buf := make([]byte, 0, 12+len(f.Properties)*3)
	buf = append(buf, ehd1, ehd2)
	buf = binary.BigEndian.AppendUint16(buf, f.TID)
	buf = append(buf, f.SEOJ[:]...)
	buf = append(buf, f.DEOJ[:]...)
	buf = append(buf, byte(f.ESV))
	buf = append(buf, byte(len(f.Properties)))
	for _, p := range f.Properties {
		buf = append(buf, p.EPC, byte(len(p.EDT)))
		buf = append(buf, p.EDT...)
	}
	return buf
}

// EncodeChecked is Encode guarded against OPC=0: a frame with no
// properties has no EPC for the receiver to act on and is rejected
// rather than sent.
func (f Frame) EncodeChecked() ([]byte, error) {
	if len(f.Properties) == 0 {
		return nil, MalformedError{Reason: "cannot encode frame with OPC=0"}
	}
	return f.Encode(), nil
}

// Decode parses an ECHONET Lite frame from raw, validating EHD1/EHD2 and
// that every declared PDC is backed by enough remaining bytes.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 12 {
		return Frame{}, MalformedError{Reason: fmt.Sprintf("frame too short: %d bytes", len(raw))}
	}
	if raw[0] != ehd1 || raw[1] != ehd2 {
		return Frame{}, MalformedError{Reason: fmt.Sprintf("bad header %02X%02X", raw[0], raw[1])}
	}

	f := Frame{
		TID:  binary.BigEndian.Uint16(raw[2:4]),
		SEOJ: EOJ{raw[4], raw[5], raw[6]},
		DEOJ: EOJ{raw[7], raw[8], raw[9]},
		ESV:  ESV(raw[10]),
	}
	opc := int(raw[11])
	cursor := 12
	for i := 0; i < opc; i++ {
		if cursor+2 > len(raw) {
			return Frame{}, MalformedError{Reason: "truncated property header"}
		}
		epc := raw[cursor]
		pdc := int(raw[cursor+1])
		cursor += 2
		if cursor+pdc > len(raw) {
			return Frame{}, MalformedError{Reason: fmt.Sprintf("EPC 0x%02X declares PDC %d beyond frame end", epc, pdc)}
		}
		var edt []byte
		if pdc > 0 {
			edt = make([]byte, pdc)
			copy(edt, raw[cursor:cursor+pdc])
		}
		cursor += pdc
		f.Properties = append(f.Properties, Property{EPC: epc, EDT: edt})
	}
	if cursor != len(raw) {
		return Frame{}, MalformedError{Reason: "trailing bytes after declared properties"}
	}
	return f, nil
}

// Find returns the first property with the given EPC.
func (f Frame) Find(epc byte) (Property, bool) {
	for _, p := range f.Properties {
		if p.EPC == epc {
			return p, true
		}
	}
	return Property{}, false
}
