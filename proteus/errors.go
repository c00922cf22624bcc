package proteus

import "fmt"

// DecodeError is returned when a serialized identity, prekey, bundle or
// envelope cannot be parsed.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("proteus: decode error: %s", e.Reason)
}

// EncodeError is returned when a value cannot be serialized. Within
// this module identity.Identity.Serialize returns it for an Identity
// with neither variant set; the serializers in this package cannot
// fail.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("proteus: encode error: %s", e.Reason)
}

// DecryptErrorKind enumerates the ratchet-level reasons a Decrypt call
// can fail, mirroring spec.md §7's taxonomy.
type DecryptErrorKind int

const (
	InvalidMessage DecryptErrorKind = iota
	InvalidSignature
	DuplicateMessage
	OutdatedMessage
	TooDistantFuture
	RemoteIdentityChanged
	PreKeyNotFound
)

func (k DecryptErrorKind) String() string {
	switch k {
	case InvalidMessage:
		return "invalid message"
	case InvalidSignature:
		return "invalid signature"
	case DuplicateMessage:
		return "duplicate message"
	case OutdatedMessage:
		return "outdated message"
	case TooDistantFuture:
		return "too distant future"
	case RemoteIdentityChanged:
		return "remote identity changed"
	case PreKeyNotFound:
		return "prekey not found"
	default:
		return "unknown decrypt error"
	}
}

// DecryptError wraps one of the ratchet-level decrypt failures. Cause
// carries an underlying error when one is attached; the constructors in
// this package attach none. An error from a PreKeyStore lookup is
// returned as it is, not wrapped in a DecryptError.
type DecryptError struct {
	Kind  DecryptErrorKind
	Cause error
}

func (e *DecryptError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("proteus: decrypt error: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("proteus: decrypt error: %s", e.Kind)
}

func (e *DecryptError) Unwrap() error {
	return e.Cause
}

func decryptErr(kind DecryptErrorKind) error {
	return &DecryptError{Kind: kind}
}
