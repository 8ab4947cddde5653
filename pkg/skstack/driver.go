// Package skstack implements the SKSTACK-IP AT command dialect spoken
// by Wi-SUN Route-B adapters (BP35C2/RL7023 class modules): line framing,
// response classification and the typed command set used to bring up a
// PANA session with a smart meter.
package skstack

import (
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultCommandTimeout = 5 * time.Second

// Driver is a single open connection to a Wi-SUN module. It is not safe
// for concurrent use; callers (the moduledriver actor) must serialize
// access, which an actor mailbox already guarantees.
type Driver struct {
	line   *Line
	parser *Parser
	events []Rxd
	logger *zap.Logger
}

func NewDriver(line *Line, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{line: line, parser: NewParser(line), logger: logger}
}

func (d *Driver) queueEvent(v Rxd) {
	d.logger.Debug("skstack: queued async line", zap.Any("line", v))
	d.events = append(d.events, v)
}

// PollEvent pops the oldest queued asynchronous EVENT/ERXUDP line seen
// while a command was in flight, if any.
func (d *Driver) PollEvent() (Rxd, bool) {
	if len(d.events) == 0 {
		return nil, false
	}
	v := d.events[0]
	d.events = d.events[1:]
	return v, true
}

// drive runs a command to completion: OK ends it successfully, FAIL ends
// it with a ModuleFailError, RxVoid is discarded, RxText lines are handed
// to onText (may be nil), and any asynchronous EVENT/ERXUDP/EPANDESC seen
// along the way is queued rather than treated as part of this command's
// response.
func (d *Driver) drive(deadline time.Duration, onText func(string)) error {
	deadlineAt := time.Now().Add(deadline)
	for {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return ErrLinkTimeout{}
		}
		v, err := d.parser.Next(remaining)
		if err != nil {
			return err
		}
		switch t := v.(type) {
		case RxOK:
			return nil
		case RxFail:
			return ModuleFailError{Code: t.Code}
		case RxVoid:
			continue
		case RxText:
			if onText != nil {
				onText(t.Line)
			}
		default:
			d.queueEvent(v)
		}
	}
}

// Reset issues SKRESET, returning the module to its power-on defaults,
// then disables command echo (SKSREG SFE 0) before any further
// configuration is sent, matching the module's documented bring-up
// order.
func (d *Driver) Reset() error {
	if err := d.line.WriteLine("SKRESET"); err != nil {
		return err
	}
	if err := d.drive(defaultCommandTimeout, nil); err != nil {
		return err
	}
	return d.SRegSet("SFE", "0")
}

// Version issues SKVER and returns the module's firmware version string.
func (d *Driver) Version() (string, error) {
	if err := d.line.WriteLine("SKVER"); err != nil {
		return "", err
	}
	var ver string
	err := d.drive(defaultCommandTimeout, func(line string) {
		ver = strings.TrimPrefix(line, "EVER ")
	})
	return ver, err
}

// SetPassword issues SKSETPWD to load the Route-B authentication password.
func (d *Driver) SetPassword(password string) error {
	cmd := fmt.Sprintf("SKSETPWD %X %s", len(password), password)
	if err := d.line.WriteLine(cmd); err != nil {
		return err
	}
	return d.drive(defaultCommandTimeout, nil)
}

// SetRouteBID issues SKSETRBID to load the Route-B authentication ID.
func (d *Driver) SetRouteBID(id string) error {
	if err := d.line.WriteLine("SKSETRBID " + id); err != nil {
		return err
	}
	return d.drive(defaultCommandTimeout, nil)
}

// SRegSet issues SKSREG to set a virtual register (e.g. S2 channel,
// S3 PAN ID).
func (d *Driver) SRegSet(reg string, value string) error {
	if err := d.line.WriteLine(fmt.Sprintf("SKSREG %s %s", reg, value)); err != nil {
		return err
	}
	return d.drive(defaultCommandTimeout, nil)
}

// ScanResult is one beacon observed during an active scan.
type ScanResult struct {
	PanDesc RxEpandesc
}

// ActiveScan issues SKSCAN mode 2 against the given channel mask
// (bitmask over channels 33-60, per SKSCAN's DURATION/CHANNEL semantics)
// and collects every EPANDESC emitted before EVENT 0x22 (scan complete).
// duration is the SKSCAN DURATION parameter (0-14); the overall deadline
// is sized generously above the module's own per-duration timing.
func (d *Driver) ActiveScan(channelMask uint32, duration byte, deadline time.Duration) ([]ScanResult, error) {
	cmd := fmt.Sprintf("SKSCAN 2 %08X %X", channelMask, duration)
	if err := d.line.WriteLine(cmd); err != nil {
		return nil, err
	}

	var results []ScanResult
	deadlineAt := time.Now().Add(deadline)
	for {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return nil, ErrLinkTimeout{}
		}
		v, err := d.parser.Next(remaining)
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case RxOK, RxVoid:
			continue
		case RxFail:
			return nil, ModuleFailError{Code: t.Code}
		case RxEpandesc:
			results = append(results, ScanResult{PanDesc: t})
		case RxEvent:
			switch t.Code {
			case 0x20:
				continue // beacon received, EPANDESC follows separately
			case 0x22:
				return results, nil // scan complete
			default:
				d.queueEvent(v)
				return results, nil
			}
		default:
			d.queueEvent(v)
		}
	}
}

// Join issues SKJOIN against the given link-local address and blocks
// until EVENT 0x25 (PANA session established) or a failure event.
func (d *Driver) Join(target net.IP, deadline time.Duration) error {
	if err := d.line.WriteLine("SKJOIN " + target.String()); err != nil {
		return err
	}
	if err := d.drive(defaultCommandTimeout, nil); err != nil {
		return err
	}

	deadlineAt := time.Now().Add(deadline)
	for {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return ErrLinkTimeout{}
		}
		v, err := d.parser.Next(remaining)
		if err != nil {
			return err
		}
		ev, ok := v.(RxEvent)
		if !ok {
			d.queueEvent(v)
			continue
		}
		switch ev.Code {
		case 0x25:
			return nil
		case 0x24:
			return JoinFailedError{}
		default:
			d.queueEvent(v)
		}
	}
}

// SendTo issues SKSENDTO handle 1 (the Route-B UDP port, 0x0E1A) toward
// target, switching to raw binary mode for the payload exactly as the
// module's line framing requires: a text preamble (not CRLF-terminated)
// followed by len(payload) raw bytes and a single trailing CRLF.
func (d *Driver) SendTo(target net.IP, payload []byte) error {
	preamble := fmt.Sprintf("SKSENDTO 1 %s 0E1A 1 0 %04X ", target.String(), len(payload))
	if err := d.line.WriteRaw([]byte(preamble)); err != nil {
		return err
	}
	if err := d.line.WriteRaw(payload); err != nil {
		return err
	}
	if err := d.line.WriteRaw([]byte("\r\n")); err != nil {
		return err
	}
	// Module echoes EVENT 0x21 (UDP send complete) then OK; both ride
	// through drive, which queues the EVENT and returns on OK.
	return d.drive(defaultCommandTimeout, nil)
}

// WaitForFrame blocks until an ERXUDP carrying a non-empty payload is
// observed, either freshly read or already queued from a prior command,
// or the deadline expires.
func (d *Driver) WaitForFrame(deadline time.Duration) ([]byte, error) {
	if v, ok := d.PollEvent(); ok {
		if u, ok := v.(RxErxudp); ok {
			return u.Data, nil
		}
		if ev, ok := v.(RxEvent); ok && ev.Code == 0x29 {
			return nil, SessionLostError{}
		}
		d.queueEvent(v)
	}

	deadlineAt := time.Now().Add(deadline)
	for {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return nil, ErrLinkTimeout{}
		}
		v, err := d.parser.Next(remaining)
		if err != nil {
			return nil, err
		}
		if u, ok := v.(RxErxudp); ok {
			return u.Data, nil
		}
		if ev, ok := v.(RxEvent); ok && ev.Code == 0x29 {
			return nil, SessionLostError{}
		}
		d.queueEvent(v)
	}
}

// LinkLocalFromMAC derives the module's IPv6 link-local address from its
// 64-bit EUI-64 MAC (as reported in EPANDESC's Addr field), flipping the
// universal/local bit and embedding the result in fe80::/64.
func LinkLocalFromMAC(mac uint64) net.IP {
	modified := mac ^ 0x0200000000000000
	b := make([]byte, 16)
	b[0], b[1] = 0xfe, 0x80
	for i := 0; i < 8; i++ {
		b[15-i] = byte(modified >> (8 * i))
	}
	return net.IP(b)
}

func (d *Driver) Close() error {
	return d.line.Close()
}
