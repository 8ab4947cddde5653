package echonetlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		TID:  0x0001,
		SEOJ: EOJController,
		DEOJ: EOJMeter,
		ESV:  ESVGet,
		Properties: []Property{
			{EPC: EPCInstantPower, EDT: nil},
			{EPC: EPCInstantCurrent, EDT: nil},
		},
	}
	encoded := f.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
}

func TestDecodeGetResInstantPower(t *testing.T) {
	// EHD EHD TID  SEOJ     DEOJ     ESV  OPC EPC  PDC  EDT(=256W)
	raw := []byte{0x10, 0x81, 0x00, 0x2A, 0x02, 0x88, 0x01, 0x05, 0xFF, 0x01, 0x72, 0x01, 0xE7, 0x04, 0x00, 0x00, 0x01, 0x00}
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x002A), f.TID)
	assert.Equal(t, EOJMeter, f.SEOJ)
	assert.Equal(t, EOJController, f.DEOJ)
	assert.Equal(t, ESVGetRes, f.ESV)
	require.Len(t, f.Properties, 1)
	p, ok := f.Find(EPCInstantPower)
	require.True(t, ok)
	watts, err := DecodeInstantPower(p.EDT)
	require.NoError(t, err)
	assert.Equal(t, int32(256), watts)
}

func TestDecodeRejectsBadHeader(t *testing.T) {
	raw := []byte{0x10, 0x82, 0, 0, 0, 0, 0, 0, 0, 0, 0x72, 0}
	_, err := Decode(raw)
	require.Error(t, err)
	var me MalformedError
	require.ErrorAs(t, err, &me)
}

func TestDecodeRejectsTruncatedProperty(t *testing.T) {
	raw := []byte{0x10, 0x81, 0, 0, 0, 0, 0, 0, 0, 0, 0x72, 0x01, 0xE7, 0x04, 0x00}
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestGetSNAEncoding(t *testing.T) {
	f := Frame{
		TID: 1, SEOJ: EOJMeter, DEOJ: EOJController, ESV: ESVGetSNA,
		Properties: []Property{{EPC: EPCInstantPower, EDT: nil}},
	}
	encoded := f.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, ESVGetSNA, decoded.ESV)
}
