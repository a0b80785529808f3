// Package waerror classifies the failures the messaging core can produce so
// callers can branch on kind (retry? drop? surface to the user?) without
// string-matching error messages.
package waerror

import "fmt"

// Kind buckets an error by how a caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocolDecode
	KindBadMAC
	KindInvalidSignature
	KindUntrustedIdentity
	KindNoSuchPreKey
	KindDuplicateMessage
	KindOutOfBounds
	KindUnsupportedType
	KindSessionMissing
	KindTransport
	KindProtocolMessage
)

func (k Kind) String() string {
	switch k {
	case KindProtocolDecode:
		return "protocol_decode"
	case KindBadMAC:
		return "bad_mac"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindUntrustedIdentity:
		return "untrusted_identity"
	case KindNoSuchPreKey:
		return "no_such_prekey"
	case KindDuplicateMessage:
		return "duplicate_message"
	case KindOutOfBounds:
		return "out_of_bounds"
	case KindUnsupportedType:
		return "unsupported_type"
	case KindSessionMissing:
		return "session_missing"
	case KindTransport:
		return "transport"
	case KindProtocolMessage:
		return "protocol_message"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error that wraps whatever underlying cause produced
// it, so errors.Is/errors.Unwrap keep working.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "session.Decrypt"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, waerror.New(waerror.KindDuplicateMessage, "", nil)) or,
// more idiomatically, use Of below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New wraps err with the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of extracts the Kind of err if it (or something it wraps) is an *Error,
// and KindUnknown otherwise.
func Of(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
