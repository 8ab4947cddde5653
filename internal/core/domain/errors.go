package domain

import (
	"errors"

	"github.com/frostmeter/broutemeterd/pkg/echonetlite"
	"github.com/frostmeter/broutemeterd/pkg/skstack"
)

// ErrorKind classifies a failure by its typed cause. It never replaces
// the underlying error - callers keep propagating the original with %w.
type ErrorKind string

const (
	KindLinkTimeout   ErrorKind = "link_timeout"
	KindModuleFail    ErrorKind = "module_fail"
	KindMeterNotFound ErrorKind = "meter_not_found"
	KindJoinFailed    ErrorKind = "join_failed"
	KindSessionLost   ErrorKind = "session_lost"
	KindMalformed     ErrorKind = "malformed"
	KindUnavailable   ErrorKind = "unavailable"
	KindPersistence   ErrorKind = "persistence"
	KindUnknown       ErrorKind = "unknown"
)

// Classify maps a typed driver/codec/persistence error to its error
// kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var linkTimeout skstack.ErrLinkTimeout
	var moduleFail skstack.ModuleFailError
	var meterNotFound skstack.MeterNotFoundError
	var joinFailed skstack.JoinFailedError
	var sessionLost skstack.SessionLostError
	var malformed echonetlite.MalformedError
	var unavailable echonetlite.UnavailableError
	var persistence persistenceMarker

	switch {
	case errors.As(err, &linkTimeout):
		return KindLinkTimeout
	case errors.As(err, &moduleFail):
		return KindModuleFail
	case errors.As(err, &meterNotFound):
		return KindMeterNotFound
	case errors.As(err, &joinFailed):
		return KindJoinFailed
	case errors.As(err, &sessionLost):
		return KindSessionLost
	case errors.As(err, &malformed):
		return KindMalformed
	case errors.As(err, &unavailable):
		return KindUnavailable
	case errors.As(err, &persistence):
		return KindPersistence
	default:
		return KindUnknown
	}
}

type persistenceMarker struct{ cause error }

func (p persistenceMarker) Error() string { return "persistence: " + p.cause.Error() }
func (p persistenceMarker) Unwrap() error { return p.cause }

// WrapPersistence marks err as having originated from a database write
// or read, so Classify can tell it apart from a driver/codec failure.
func WrapPersistence(err error) error {
	if err == nil {
		return nil
	}
	return persistenceMarker{cause: err}
}
