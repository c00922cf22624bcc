// Package box implements the Box: the top-level manager for one local
// identity. It opens or creates a Store, establishes the identity,
// and constructs Sessions via the two entry protocols (from-prekey,
// from-message), with an optional in-memory session cache so
// concurrent callers share ratchet state instead of diverging.
package box

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/proteusbox/proteusbox/identity"
	"github.com/proteusbox/proteusbox/proteus"
	"github.com/proteusbox/proteusbox/session"
	"github.com/proteusbox/proteusbox/store"
)

// IdentityMode selects how much of a supplied identity OpenWith
// persists to the Store.
type IdentityMode int

const (
	// Complete persists the full keypair (secret material included).
	Complete IdentityMode = iota
	// Public persists only the public key; the secret is held
	// externally by the caller.
	Public
)

// IdentityError reports an identity-mode mismatch, a public-key
// mismatch against what's already stored, or an unexpected Public
// identity where a Secret one is required.
type IdentityError struct {
	Reason string
}

func (e *IdentityError) Error() string { return fmt.Sprintf("box: identity error: %s", e.Reason) }

// Option configures a Box.
type Option func(*Box)

// WithLogger attaches a logger. The only event Box logs is the minting
// of a new identity in Open, at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Box) { b.log = l }
}

// Box is the top-level manager for one local identity: it owns the
// IdentityKeyPair and the Store, and hands out Session handles.
type Box struct {
	identity *proteus.IdentityKeyPair
	store    store.Store
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Open initializes a Box against store. If the store holds no
// identity yet, a fresh one is minted and persisted as Secret. If it
// holds a Secret identity, that identity is adopted. A Public-only
// identity is an error: Open requires the secret to be available.
func Open(st store.Store, opts ...Option) (*Box, error) {
	b := newBox(st, opts...)

	loaded, err := st.LoadIdentity()
	if err != nil {
		return nil, err
	}
	switch {
	case loaded == nil:
		kp, err := proteus.GenerateIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		if err := st.SaveIdentity(identity.FromKeyPair(kp)); err != nil {
			return nil, err
		}
		b.identity = kp
		b.log.Debug().Str("fingerprint", kp.Fingerprint()).Msg("minted new identity")
	case loaded.IsSecret():
		b.identity = loaded.KeyPair
	default:
		return nil, &IdentityError{Reason: "open requires a secret identity; store holds public-only"}
	}
	return b, nil
}

// OpenWith initializes a Box against store using a caller-supplied
// identity, reconciling it with whatever is already persisted.
func OpenWith(st store.Store, ident *proteus.IdentityKeyPair, mode IdentityMode, opts ...Option) (*Box, error) {
	b := newBox(st, opts...)

	loaded, err := st.LoadIdentity()
	if err != nil {
		return nil, err
	}
	switch {
	case loaded == nil:
		rec := identity.FromKeyPair(ident)
		if mode == Public {
			rec = identity.FromPublicKey(proteus.IdentityKey{Public: ident.Public})
		}
		if err := st.SaveIdentity(rec); err != nil {
			return nil, err
		}
	case loaded.IsSecret():
		if !bytes.Equal(loaded.KeyPair.Public, ident.Public) {
			return nil, &IdentityError{Reason: "supplied identity does not match the stored identity"}
		}
		if mode == Public {
			if err := st.SaveIdentity(identity.FromPublicKey(proteus.IdentityKey{Public: ident.Public})); err != nil {
				return nil, err
			}
		}
	default:
		if !bytes.Equal(loaded.Key.Public, ident.Public) {
			return nil, &IdentityError{Reason: "supplied identity does not match the stored identity"}
		}
		if mode == Complete {
			if err := st.SaveIdentity(identity.FromKeyPair(ident)); err != nil {
				return nil, err
			}
		}
	}

	b.identity = ident
	return b, nil
}

func newBox(st store.Store, opts ...Option) *Box {
	b := &Box{
		store:    st,
		log:      zerolog.Nop(),
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SessionFromPreKey deserializes a peer's published prekey bundle and
// initializes a new session against it. No store mutation occurs: the
// peer hasn't used one of our prekeys, so our own prekey store is
// untouched.
func (b *Box) SessionFromPreKey(id string, bundleBytes []byte) (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.sessions[id]; ok {
		return cached, nil
	}

	bundle, err := proteus.DeserializePreKeyBundle(bundleBytes)
	if err != nil {
		return nil, err
	}
	ratchet, err := proteus.InitFromPreKeyBundle(b.identity, bundle)
	if err != nil {
		return nil, err
	}
	view := session.NewReadOnlyPrekeyView(b.store)
	sess := session.New(id, ratchet, view)
	b.sessions[id] = sess
	return sess, nil
}

// SessionFromMessage deserializes a peer's first envelope and
// initializes a new session from it, which typically consumes one of
// our own prekeys. That consumption is recorded only in the new
// Session's pending list -- it becomes durable only once the caller
// calls SessionSave.
func (b *Box) SessionFromMessage(id string, envelopeBytes []byte) (*session.Session, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.sessions[id]; ok {
		plaintext, err := cached.Decrypt(envelopeBytes)
		return cached, plaintext, err
	}

	env, err := proteus.DeserializeEnvelope(envelopeBytes)
	if err != nil {
		return nil, nil, err
	}
	view := session.NewReadOnlyPrekeyView(b.store)
	ratchet, plaintext, err := proteus.InitFromMessage(b.identity, view, env)
	if err != nil {
		return nil, nil, err
	}
	sess := session.New(id, ratchet, view)
	b.sessions[id] = sess
	return sess, plaintext, nil
}

// SessionLoad returns the cached handle for id if one is live,
// otherwise loads the session's stored state and wraps it in a fresh
// ReadOnlyPrekeyView. Returns (nil, nil) if no such session exists.
func (b *Box) SessionLoad(id string) (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.sessions[id]; ok {
		return cached, nil
	}

	ratchet, err := b.store.LoadSession(b.identity, id)
	if err != nil {
		return nil, err
	}
	if ratchet == nil {
		return nil, nil
	}
	view := session.NewReadOnlyPrekeyView(b.store)
	sess := session.New(id, ratchet, view)
	b.sessions[id] = sess
	return sess, nil
}

// SessionSave persists sess's ratchet state, then deletes every
// pending-removed prekey except the last-resort id. Ordering matters:
// the session bytes are written first, so a crash between the two
// steps leaves an already-committed session and a prekey file that
// can still be deleted by a later retry (DeletePreKey is idempotent).
func (b *Box) SessionSave(sess *session.Session) error {
	if err := b.store.SaveSession(sess.Identifier(), sess.Serialize()); err != nil {
		return err
	}
	for _, id := range sess.PendingRemovedPreKeys() {
		if id == proteus.LastResortPreKeyID {
			continue
		}
		if err := b.store.DeletePreKey(id); err != nil {
			return err
		}
	}
	return nil
}

// SessionClose marks sess closed and evicts it from the cache. Evict
// happens before the session is actually closed is irrelevant here --
// what matters is that eviction happens before any durable deletion a
// caller performs next, so a failed delete never leaves the cache
// pointing at a session the store no longer has.
func (b *Box) SessionClose(sess *session.Session) {
	b.mu.Lock()
	delete(b.sessions, sess.Identifier())
	b.mu.Unlock()
	sess.Close()
}

// SessionDelete evicts id from the cache (closing the live handle, if
// any), then deletes its stored state. Deleting an absent session is
// success.
func (b *Box) SessionDelete(id string) error {
	b.mu.Lock()
	cached, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if ok {
		cached.Close()
	}
	return b.store.DeleteSession(id)
}

// Clear evicts and closes every cached session handle.
func (b *Box) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sess := range b.sessions {
		sess.Close()
	}
	b.sessions = make(map[string]*session.Session)
}

// NewPreKey mints, persists, and returns a bundle for a fresh prekey
// with the given id. Overwriting an existing id is allowed and
// equivalent to rotation.
func (b *Box) NewPreKey(id proteus.PreKeyID) (*proteus.PreKeyBundle, error) {
	pk, err := proteus.GeneratePreKey(id)
	if err != nil {
		return nil, err
	}
	if err := b.store.AddPreKey(pk); err != nil {
		return nil, err
	}
	return proteus.NewPreKeyBundle(b.identity.Public, pk), nil
}

// Identity exposes the local identity key pair.
func (b *Box) Identity() *proteus.IdentityKeyPair { return b.identity }

// Fingerprint returns the local identity's stable hex fingerprint.
func (b *Box) Fingerprint() string { return b.identity.Fingerprint() }

// RandomBytes vends n cryptographically random bytes.
func (b *Box) RandomBytes(n int) ([]byte, error) { return proteus.RandomBytes(n) }
