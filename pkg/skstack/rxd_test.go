package skstack

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory Port backed by a pending read buffer and a
// captured write buffer, used to drive Line/Parser/Driver without a
// real serial device.
type fakePort struct {
	toRead  *bytes.Buffer
	written bytes.Buffer
}

func newFakePort(script string) *fakePort {
	return &fakePort{toRead: bytes.NewBufferString(script)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	n, err := p.toRead.Read(b)
	if err == io.EOF {
		return n, nil // no more data yet, not end of the transport
	}
	return n, err
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Close() error                { return nil }

func TestParserClassifiesOK(t *testing.T) {
	port := newFakePort("OK\r\n")
	parser := NewParser(NewLine(port))
	v, err := parser.Next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, RxOK{}, v)
}

func TestParserClassifiesFail(t *testing.T) {
	port := newFakePort("FAIL ER04\r\n")
	parser := NewParser(NewLine(port))
	v, err := parser.Next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, RxFail{Code: 0x04}, v)
}

func TestParserClassifiesEventWithoutParam(t *testing.T) {
	port := newFakePort("EVENT 20 FE80:0000:0000:0000:021D:1290:0003:1234\r\n")
	parser := NewParser(NewLine(port))
	v, err := parser.Next(time.Second)
	require.NoError(t, err)
	ev, ok := v.(RxEvent)
	require.True(t, ok)
	assert.Equal(t, byte(0x20), ev.Code)
	assert.Nil(t, ev.Param)
	assert.Equal(t, "fe80::21d:1290:3:1234", ev.Sender.String())
}

func TestParserClassifiesEventWithParam(t *testing.T) {
	port := newFakePort("EVENT 02 FE80:0000:0000:0000:021D:1290:0003:1234 01\r\n")
	parser := NewParser(NewLine(port))
	v, err := parser.Next(time.Second)
	require.NoError(t, err)
	ev, ok := v.(RxEvent)
	require.True(t, ok)
	require.NotNil(t, ev.Param)
	assert.Equal(t, byte(0x01), *ev.Param)
}

func TestParserClassifiesEpandesc(t *testing.T) {
	script := "EPANDESC\r\n" +
		"  Channel:21\r\n" +
		"  Channel Page:09\r\n" +
		"  Pan ID:88B1\r\n" +
		"  Addr:001D129000031234\r\n" +
		"  LQI:9C\r\n" +
		"  PairID:12345678\r\n"
	port := newFakePort(script)
	parser := NewParser(NewLine(port))
	v, err := parser.Next(time.Second)
	require.NoError(t, err)
	pd, ok := v.(RxEpandesc)
	require.True(t, ok)
	assert.Equal(t, byte(0x21), pd.Channel)
	assert.Equal(t, byte(0x09), pd.ChannelPage)
	assert.Equal(t, uint16(0x88B1), pd.PanID)
	assert.Equal(t, uint64(0x001D129000031234), pd.Addr)
	assert.Equal(t, byte(0x9C), pd.LQI)
	assert.Equal(t, uint32(0x12345678), pd.PairID)
}

func TestParserClassifiesErxudp(t *testing.T) {
	data := "108105000102030105ff017201e704000003e8" // arbitrary-but-valid-looking hex payload
	script := "ERXUDP FE80:0000:0000:0000:021D:1290:0003:1234 FE80:0000:0000:0000:1234:5678:9ABC:DEF0 0E1A 0E1A 001D129000031234 01 " +
		itoaHexLen(data) + " " + data + "\r\n"
	port := newFakePort(script)
	parser := NewParser(NewLine(port))
	v, err := parser.Next(time.Second)
	require.NoError(t, err)
	u, ok := v.(RxErxudp)
	require.True(t, ok)
	assert.Equal(t, byte(0x01), u.Secured)
	assert.Equal(t, uint16(0x0E1A), u.RPort)
	assert.Equal(t, uint16(0x0E1A), u.LPort)
	assert.Len(t, u.Data, len(data)/2)
}

func itoaHexLen(hexStr string) string {
	n := len(hexStr) / 2
	const digits = "0123456789ABCDEF"
	return string([]byte{
		digits[(n>>12)&0xF], digits[(n>>8)&0xF], digits[(n>>4)&0xF], digits[n&0xF],
	})
}

// chunkedPort delivers its data across multiple Read calls, one chunk at
// a time, to exercise Line's cross-call buffering without goroutines.
type chunkedPort struct {
	chunks [][]byte
	i      int
}

func (p *chunkedPort) Read(b []byte) (int, error) {
	if p.i >= len(p.chunks) {
		return 0, nil
	}
	n := copy(b, p.chunks[p.i])
	p.i++
	return n, nil
}
func (p *chunkedPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *chunkedPort) Close() error                { return nil }

func TestParserRetainsPartialLineAcrossShortReads(t *testing.T) {
	port := &chunkedPort{chunks: [][]byte{[]byte("O"), []byte("K"), []byte("\r\n")}}
	line := NewLine(port)
	got, err := line.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", got)
}
