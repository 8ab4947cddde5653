package skstack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// Port is the duplex byte transport toward the Wi-SUN module. It is
// satisfied by *serial.Port and by anything else standing in for it in
// tests (a net.Pipe end, a bytes-backed fake).
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// OpenPort opens the named serial device at the fixed baud rate the
// BP35C2/RL7023-class Route-B adapters speak. readTimeout bounds a
// single underlying read syscall, not a command's overall deadline;
// Line.ReadLine layers the command deadline on top of it.
func OpenPort(device string, readTimeout time.Duration) (Port, error) {
	p, err := serial.Open(&serial.Config{
		Address:  device,
		BaudRate: 115200,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("skstack: open %s: %w", device, err)
	}
	return p, nil
}

// Line is the line-oriented framing on top of Port. It retains a read
// buffer across calls so a line split across two underlying reads, or an
// unsolicited EVENT/ERXUDP arriving mid-command, is never lost.
type Line struct {
	mu      sync.Mutex
	port    Port
	pending []byte
	scratch []byte
}

func NewLine(port Port) *Line {
	return &Line{port: port, scratch: make([]byte, 512)}
}

// WriteLine sends cmd followed by CRLF.
func (l *Line) WriteLine(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.port.Write([]byte(cmd + "\r\n"))
	if err != nil {
		return fmt.Errorf("skstack: write: %w", err)
	}
	return nil
}

// WriteRaw sends b verbatim with no CRLF translation. Used for the
// SKSENDTO binary payload, which follows its text preamble with raw
// ECHONET Lite frame bytes rather than a hex-encoded line.
func (l *Line) WriteRaw(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.port.Write(b)
	if err != nil {
		return fmt.Errorf("skstack: write raw: %w", err)
	}
	return nil
}

// ReadLine returns the next CRLF-terminated line with the terminator
// stripped, blocking at most deadline.
func (l *Line) ReadLine(deadline time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deadlineAt := time.Now().Add(deadline)
	for {
		if idx := bytes.IndexByte(l.pending, '\n'); idx >= 0 {
			line := l.pending[:idx]
			l.pending = l.pending[idx+1:]
			return string(bytes.TrimRight(line, "\r")), nil
		}
		if time.Now().After(deadlineAt) {
			return "", ErrLinkTimeout{}
		}
		n, err := l.port.Read(l.scratch)
		if n > 0 {
			l.pending = append(l.pending, l.scratch[:n]...)
			continue
		}
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				continue
			}
			return "", fmt.Errorf("skstack: read: %w", err)
		}
	}
}

func (l *Line) Close() error {
	return l.port.Close()
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
