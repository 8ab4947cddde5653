package skstack

import "fmt"

// ErrLinkTimeout is returned when a read from the module does not
// complete within its deadline.
type ErrLinkTimeout struct{}

func (ErrLinkTimeout) Error() string { return "skstack: link timeout" }

// ModuleFailError wraps a FAIL ERxx response from the module. Code is the
// two-digit error number, e.g. 0x10 for "SKSENDTO: address not found".
type ModuleFailError struct {
	Code byte
}

func (e ModuleFailError) Error() string {
	return fmt.Sprintf("skstack: module FAIL ER%02X", e.Code)
}

// MeterNotFoundError is returned when an active scan exhausts its channel
// list without ever observing the target PAN.
type MeterNotFoundError struct{}

func (MeterNotFoundError) Error() string {
	return "skstack: meter not found after active scan"
}

// JoinFailedError is returned when PANA authentication does not reach
// EVENT 25 before EVENT 24 aborts it.
type JoinFailedError struct{}

func (JoinFailedError) Error() string { return "skstack: PANA join failed" }

// SessionLostError is returned when EVENT 29 (PANA session expired) is
// observed while a session is established.
type SessionLostError struct{}

func (SessionLostError) Error() string { return "skstack: session lost" }
