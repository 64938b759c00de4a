package core

import "errors"

// ErrorKind is a case-stable label surfaced across the signaling boundary.
// The set is closed: clients dispatch on the exact strings.
type ErrorKind string

const (
	KindNotInitialized          ErrorKind = "NotInitialized"
	KindMissingDeviceID         ErrorKind = "MissingDeviceId"
	KindProtocolOrder           ErrorKind = "ProtocolOrder"
	KindUnknownTransport        ErrorKind = "UnknownTransport"
	KindUnknownProducer         ErrorKind = "UnknownProducer"
	KindUnknownStream           ErrorKind = "UnknownStream"
	KindUnsupportedCapabilities ErrorKind = "UnsupportedCapabilities"
	KindProduceFailed           ErrorKind = "ProduceFailed"
	KindEgressPortsExhausted    ErrorKind = "EgressPortsExhausted"
	KindProducerClosed          ErrorKind = "ProducerClosed"
	// KindBadPayload supplements the closed semantic set for requests whose
	// payload does not decode at all.
	KindBadPayload ErrorKind = "BadPayload"
)

// Error pairs a wire kind with its internal cause. The kind crosses the
// signaling boundary; the cause stays in the logs.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause under a wire kind.
func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the wire kind of err, if it carries one.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
