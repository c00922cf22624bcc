// Package store defines the persistence contract a Box needs:
// durably mapping identifiers to identities, sessions, and prekeys.
// FileStore, in the filestore subpackage, is the reference
// implementation; other backends plug in without the rest of the
// module knowing the difference.
package store

import (
	"fmt"

	"github.com/proteusbox/proteusbox/identity"
	"github.com/proteusbox/proteusbox/proteus"
)

// CurrentFormatVersion is written to a fresh store and is the target
// every older version is migrated to on open.
const CurrentFormatVersion = 1

// Store is the persistence contract for one Box. Every load operation
// returns (nil, nil) when the record is absent -- "not found" is not
// an error.
type Store interface {
	LoadIdentity() (*identity.Identity, error)
	SaveIdentity(id identity.Identity) error

	LoadSession(localIdentity *proteus.IdentityKeyPair, sessionID string) (*proteus.Session, error)
	SaveSession(sessionID string, data []byte) error
	DeleteSession(sessionID string) error

	LoadPreKey(id proteus.PreKeyID) (*proteus.PreKey, error)
	AddPreKey(pk *proteus.PreKey) error
	// DeletePreKey is idempotent and MUST silently skip
	// proteus.LastResortPreKeyID rather than deleting it.
	DeletePreKey(id proteus.PreKeyID) error
}

// StorageError wraps an I/O or migration failure inside a Store
// implementation, with an opaque cause attached for logging. A
// malformed identity, session or prekey record found on load is
// returned by FileStore as the decoder's proteus.DecodeError, not as a
// StorageError. Every Store implementation should
// return this type so callers can distinguish storage failures from
// the ratchet-level DecryptError taxonomy.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }
