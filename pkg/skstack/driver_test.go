package skstack

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverResetOK(t *testing.T) {
	port := newFakePort("OK\r\nOK\r\n")
	d := NewDriver(NewLine(port), nil)
	require.NoError(t, d.Reset())
	assert.Equal(t, "SKRESET\r\nSKSREG SFE 0\r\n", port.written.String())
}

func TestDriverVersionReturnsFirmwareString(t *testing.T) {
	port := newFakePort("EVER 1.2.10\r\nOK\r\n")
	d := NewDriver(NewLine(port), nil)
	v, err := d.Version()
	require.NoError(t, err)
	assert.Equal(t, "1.2.10", v)
}

func TestDriverSetPasswordFailPropagatesModuleFailError(t *testing.T) {
	port := newFakePort("FAIL ER04\r\n")
	d := NewDriver(NewLine(port), nil)
	err := d.SetPassword("0123456789AB")
	require.Error(t, err)
	var mfe ModuleFailError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, byte(0x04), mfe.Code)
}

func TestDriverActiveScanCollectsDescriptorsUntilScanComplete(t *testing.T) {
	script := "OK\r\n" +
		"EVENT 20 FE80:0000:0000:0000:021D:1290:0003:1234\r\n" +
		"EPANDESC\r\n" +
		"  Channel:21\r\n" +
		"  Channel Page:09\r\n" +
		"  Pan ID:88B1\r\n" +
		"  Addr:001D129000031234\r\n" +
		"  LQI:9C\r\n" +
		"  PairID:12345678\r\n" +
		"EVENT 22 FE80:0000:0000:0000:021D:1290:0003:1234\r\n"
	port := newFakePort(script)
	d := NewDriver(NewLine(port), nil)
	results, err := d.ActiveScan(0xFFFFFFFF, 6, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint16(0x88B1), results[0].PanDesc.PanID)
}

func TestDriverActiveScanNoBeaconsReturnsEmpty(t *testing.T) {
	script := "OK\r\nEVENT 22 FE80:0000:0000:0000:021D:1290:0003:1234\r\n"
	port := newFakePort(script)
	d := NewDriver(NewLine(port), nil)
	results, err := d.ActiveScan(0xFFFFFFFF, 6, time.Second)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDriverJoinSucceedsOnEvent25(t *testing.T) {
	script := "OK\r\nEVENT 25 FE80:0000:0000:0000:021D:1290:0003:1234\r\n"
	port := newFakePort(script)
	d := NewDriver(NewLine(port), nil)
	err := d.Join(net.ParseIP("fe80::21d:1290:3:1234"), time.Second)
	require.NoError(t, err)
}

func TestDriverJoinFailsOnEvent24(t *testing.T) {
	script := "OK\r\nEVENT 24 FE80:0000:0000:0000:021D:1290:0003:1234\r\n"
	port := newFakePort(script)
	d := NewDriver(NewLine(port), nil)
	err := d.Join(net.ParseIP("fe80::21d:1290:3:1234"), time.Second)
	require.ErrorIs(t, err, JoinFailedError{})
}

func TestDriverSendToWritesBinaryPreambleThenPayload(t *testing.T) {
	port := newFakePort("EVENT 21 FE80:0000:0000:0000:021D:1290:0003:1234\r\nOK\r\n")
	d := NewDriver(NewLine(port), nil)
	payload := []byte{0x10, 0x81, 0x00, 0x01}
	require.NoError(t, d.SendTo(net.ParseIP("fe80::21d:1290:3:1234"), payload))
	assert.Contains(t, port.written.String(), "SKSENDTO 1 fe80::21d:1290:3:1234 0E1A 1 0 0004 "+string(payload))
}

func TestLinkLocalFromMACFlipsUniversalLocalBit(t *testing.T) {
	ip := LinkLocalFromMAC(0x001D129000031234)
	assert.Equal(t, "fe80::21d:1290:3:1234", ip.String())
}
