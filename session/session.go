// Package session implements the Session handle: a live conversation
// bound to one Proteus ratchet state plus a ReadOnlyPrekeyView that
// defers prekey consumption until the caller commits via save.
package session

import (
	"fmt"
	"sync"

	"github.com/proteusbox/proteusbox/proteus"
	"github.com/proteusbox/proteusbox/store"
)

// ReadOnlyPrekeyView wraps a Store for the lifetime of one Session. It
// satisfies proteus.PreKeyStore, but never mutates the underlying
// Store itself: Remove only records that a prekey id should be
// deleted once the caller commits the session via save. This is what
// keeps a failed or never-attempted save from burning a one-time
// prekey.
type ReadOnlyPrekeyView struct {
	mu      sync.Mutex
	store   store.Store
	pending []proteus.PreKeyID
}

// NewReadOnlyPrekeyView wraps store for a single session's lifetime.
func NewReadOnlyPrekeyView(s store.Store) *ReadOnlyPrekeyView {
	return &ReadOnlyPrekeyView{store: s}
}

var _ proteus.PreKeyStore = (*ReadOnlyPrekeyView)(nil)

// PreKey returns the prekey, unless it's already in the pending
// removal list, in which case it is treated as already gone even
// though the Store hasn't been touched yet.
func (v *ReadOnlyPrekeyView) PreKey(id proteus.PreKeyID) (*proteus.PreKey, error) {
	v.mu.Lock()
	for _, p := range v.pending {
		if p == id {
			v.mu.Unlock()
			return nil, nil
		}
	}
	v.mu.Unlock()
	return v.store.LoadPreKey(id)
}

// Remove records id as pending removal. The last-resort id is still
// appended here -- it is the commit step (Drain's caller) that must
// filter it out before calling Store.DeletePreKey.
func (v *ReadOnlyPrekeyView) Remove(id proteus.PreKeyID) error {
	v.mu.Lock()
	v.pending = append(v.pending, id)
	v.mu.Unlock()
	return nil
}

// Drain returns and clears the pending removal list.
func (v *ReadOnlyPrekeyView) Drain() []proteus.PreKeyID {
	v.mu.Lock()
	defer v.mu.Unlock()
	pending := v.pending
	v.pending = nil
	return pending
}

// Pending reports the current pending removal list without clearing
// it, matching the read-only peek a caller might want before save.
func (v *ReadOnlyPrekeyView) Pending() []proteus.PreKeyID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]proteus.PreKeyID(nil), v.pending...)
}

// ClosedError is returned by any operation on a Session after Close
// has been called.
type ClosedError struct{}

func (ClosedError) Error() string { return "session: closed" }

// Session is a handle to one live conversation: a caller-chosen
// identifier, a Proteus ratchet state, and the ReadOnlyPrekeyView
// feeding it prekey lookups.
type Session struct {
	mu   sync.RWMutex
	id   string
	view *ReadOnlyPrekeyView
	ratchet *proteus.Session
	closed  bool
}

// New wraps an already-established Proteus session under the given
// identifier. Used by both session_from_prekey and
// session_from_message, which differ only in how the Proteus session
// was obtained.
func New(id string, ratchet *proteus.Session, view *ReadOnlyPrekeyView) *Session {
	return &Session{id: id, ratchet: ratchet, view: view}
}

// Identifier returns the caller-chosen session id.
func (s *Session) Identifier() string { return s.id }

// Close marks the session closed; any further Encrypt/Decrypt call
// fails with ClosedError. Close does not touch the Store -- deletion
// is a separate, explicit operation.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Encrypt advances the sending chain and returns a serialized,
// authenticated envelope.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ClosedError{}
	}
	env, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return env.Serialize(), nil
}

// Decrypt deserializes ciphertext as an envelope, then authenticates
// and decrypts it, advancing the receiving chain (and possibly the DH
// ratchet) as needed. A prekey the ratchet declares consumed is only
// recorded in the view's pending list -- it isn't deleted from the
// Store until the caller saves this session.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ClosedError{}
	}
	env, err := proteus.DeserializeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	return s.ratchet.Decrypt(s.view, env)
}

// FingerprintLocal returns a stable hex fingerprint of the local
// long-term identity key.
func (s *Session) FingerprintLocal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%x", s.ratchet.LocalIdentity())
}

// FingerprintRemote returns a stable hex fingerprint of the peer's
// long-term identity key.
func (s *Session) FingerprintRemote() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%x", s.ratchet.RemoteIdentity())
}

// PendingRemovedPreKeys drains and returns the view's pending removal
// list. Callers (the Box, at save time) use this; it is not typically
// called directly.
func (s *Session) PendingRemovedPreKeys() []proteus.PreKeyID {
	return s.view.Drain()
}

// Serialize encodes the underlying ratchet state for persistence.
func (s *Session) Serialize() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ratchet.Serialize()
}
