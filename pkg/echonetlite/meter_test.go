package echonetlite

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUnitAndMultiplier(t *testing.T) {
	u, err := DecodeUnit([]byte{0x0B})
	require.NoError(t, err)
	mult, err := u.Multiplier()
	require.NoError(t, err)
	assert.True(t, decimal.New(100, 0).Equal(mult))
}

func TestDecodeCoefficient(t *testing.T) {
	c, err := DecodeCoefficient([]byte{0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c)
}

func TestDecodeCumulativeEnergyScalesByUnitAndCoefficient(t *testing.T) {
	// raw 00 00 30 39 = 12345, unit 0x01 (0.1 kWh), coefficient 1 -> 1234.5 kWh
	v, err := DecodeCumulativeEnergy([]byte{0x00, 0x00, 0x30, 0x39}, Unit(0x01), 1)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(1234.5).Equal(v))
}

func TestDecodeCumulativeEnergyUnavailableSentinel(t *testing.T) {
	_, err := DecodeCumulativeEnergy([]byte{0xFF, 0xFF, 0xFF, 0xFE}, Unit(0x00), 1)
	var ue UnavailableError
	require.ErrorAs(t, err, &ue)
}

func TestDecodeInstantPowerNegativeIsExport(t *testing.T) {
	v, err := DecodeInstantPower([]byte{0xFF, 0xFF, 0xFE, 0x0C})
	require.NoError(t, err)
	assert.Equal(t, int32(-500), v)
}

func TestDecodeInstantCurrentSinglePhase(t *testing.T) {
	// R=12.3A (123 deci-amps), T unmeasured sentinel
	edt := []byte{0x00, 0x7B, 0x7F, 0xFE}
	ic, err := DecodeInstantCurrent(edt)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(12.3).Equal(ic.RPhase))
	assert.False(t, ic.HasTPhase)
}

func TestDecodeInstantCurrentTwoPhase(t *testing.T) {
	// R=5.0A T=3.2A
	edt := []byte{0x00, 0x32, 0x00, 0x20}
	ic, err := DecodeInstantCurrent(edt)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(5.0).Equal(ic.RPhase))
	require.True(t, ic.HasTPhase)
	assert.True(t, decimal.NewFromFloat(3.2).Equal(ic.TPhase))
}

func TestDecodePropertyMapShortForm(t *testing.T) {
	edt := []byte{0x03, 0x80, 0xE7, 0xE8}
	epcs, err := DecodePropertyMap(edt)
	require.NoError(t, err)
	assert.ElementsMatch(t, []byte{0x80, 0xE7, 0xE8}, epcs)
}

func TestDecodePropertyMapBitmapForm(t *testing.T) {
	edt := make([]byte, 17)
	edt[0] = 17 // > 16 forces bitmap interpretation
	// EPC 0xE7: lower nibble 0x7 -> byte index 7, upper nibble 0xE -> bit (0xE-8)=6
	edt[1+7] = 1 << 6
	epcs, err := DecodePropertyMap(edt)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE7}, epcs)
}

func TestDecodeFixedTimeCumulative(t *testing.T) {
	edt := []byte{0x07, 0xEA, 0x03, 0x0F, 0x0C, 0x00, 0x00, 0x00, 0x27, 0x0F, 0x35}
	ftc, err := DecodeFixedTimeCumulative(edt)
	require.NoError(t, err)
	assert.Equal(t, 2026, ftc.Timestamp.Year())
	assert.Equal(t, 3, int(ftc.Timestamp.Month()))
	assert.Equal(t, uint32(0x00270F35), ftc.Raw)
}
