package rfb

import (
	"errors"
	"fmt"
)

// Kind classifies a handshake failure. Every kind maps to exactly one warning.
type Kind int

const (
	KindFatal Kind = iota + 1
	KindInvalidVersionFormat
	KindUnsupportedVersion
	KindInvalidSecTypeResponse
	KindUnsupportedSecType
	KindInvalidChallengeResponse
	KindIO
)

// Class groups kinds by who is at fault.
type Class int

const (
	ClassInternal Class = iota + 1 // misuse of the state machine
	ClassProtocol                  // the peer violated the handshake
	ClassIO                        // the socket failed
)

func (c Class) String() string {
	switch c {
	case ClassInternal:
		return "internal"
	case ClassProtocol:
		return "protocol"
	case ClassIO:
		return "io"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

var kindNames = map[Kind]string{
	KindFatal:                    "fatal",
	KindInvalidVersionFormat:     "invalid_version_format",
	KindUnsupportedVersion:       "unsupported_version",
	KindInvalidSecTypeResponse:   "invalid_sectype_response",
	KindUnsupportedSecType:       "unsupported_sectype",
	KindInvalidChallengeResponse: "invalid_challenge_response",
	KindIO:                       "io",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Class() Class {
	switch k {
	case KindFatal:
		return ClassInternal
	case KindIO:
		return ClassIO
	default:
		return ClassProtocol
	}
}

// Warning is the operator-facing description logged when a connection is
// closed because of k.
func (k Kind) Warning() string {
	switch k {
	case KindInvalidVersionFormat:
		return "received abnormal version response"
	case KindUnsupportedVersion:
		return "received unsupported version response"
	case KindInvalidSecTypeResponse:
		return "received abnormal security type response"
	case KindUnsupportedSecType:
		return "received unsupported security type selection"
	case KindInvalidChallengeResponse:
		return "received abnormal challenge response"
	case KindIO:
		return "handshake socket i/o failed"
	default:
		return "cannot complete handshaking"
	}
}

// Sentinels for errors.Is; *Error matches the sentinel of its kind.
var (
	ErrFatal                    = errors.New("rfb: internal state machine misuse")
	ErrInvalidVersionFormat     = errors.New("rfb: invalid version format")
	ErrUnsupportedVersion       = errors.New("rfb: unsupported version")
	ErrInvalidSecTypeResponse   = errors.New("rfb: invalid security type response")
	ErrUnsupportedSecType       = errors.New("rfb: unsupported security type")
	ErrInvalidChallengeResponse = errors.New("rfb: invalid challenge response")
	ErrIO                       = errors.New("rfb: i/o failure")
)

var kindSentinels = map[Kind]error{
	KindFatal:                    ErrFatal,
	KindInvalidVersionFormat:     ErrInvalidVersionFormat,
	KindUnsupportedVersion:       ErrUnsupportedVersion,
	KindInvalidSecTypeResponse:   ErrInvalidSecTypeResponse,
	KindUnsupportedSecType:       ErrUnsupportedSecType,
	KindInvalidChallengeResponse: ErrInvalidChallengeResponse,
	KindIO:                       ErrIO,
}

// Error is a classified handshake failure.
type Error struct {
	Kind   Kind
	Step   Step
	Detail string
	Cause  error
}

func newError(kind Kind, step Step, detail string, cause error) *Error {
	return &Error{Kind: kind, Step: step, Detail: detail, Cause: cause}
}

// NewIOError wraps a socket failure observed while driving the handshake.
func NewIOError(step Step, op string, cause error) *Error {
	return newError(KindIO, step, op, cause)
}

func (e *Error) Error() string {
	msg := "rfb: " + e.Kind.String()
	if s, ok := kindSentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf extracts the kind of err, or KindFatal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
