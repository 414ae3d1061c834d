package device

import (
	"errors"
	"strconv"
)

// Kind classifies failures so that retry and escalation policy can dispatch on it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// Connect, read, write and subscribe failures. Retried, then end the session.
	KindTransport
	// Malformed, unready or unknown inbound frames. Logged and dropped.
	KindProtocol
	// Failure to hand a reading to the reporting endpoint. Logged, reading discarded.
	KindReporting
	// Missing or invalid settings. Fatal at startup.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindReporting:
		return "reporting"
	case KindConfiguration:
		return "configuration"
	default:
		panic("unknown error kind: " + strconv.Itoa(int(k)))
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}

	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with a kind and operation name. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error

	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}
