package proteus

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
)

// maxSkip bounds how far past the receiving chain one message may
// jump, and how many skipped message keys a session buffers in total
// across all of its chains. Beyond either bound, Decrypt reports
// TooDistantFuture instead of buffering unboundedly.
const maxSkip = 1000

// PreKeyStore is the read/write contract Session needs during session
// establishment: look up one of our own prekeys by id, and record that
// it was consumed. It is intentionally narrow -- this is the same
// shape session.ReadOnlyPrekeyView satisfies, so the deferred-delete
// discipline in spec.md §4.4 lives entirely on the caller's side of
// this interface.
type PreKeyStore interface {
	PreKey(id PreKeyID) (*PreKey, error)
	Remove(id PreKeyID) error
}

type skippedKey struct {
	N  int
	Pub PublicKey
	MK MessageKey
}

// State is the full mutable ratchet state of one Session.
type State struct {
	DHs        KeyPair
	DHr        PublicKey
	DHrPrev    PublicKey
	Generation int
	RK         RootKey
	CKs        ChainKey
	CKr        ChainKey
	Ns, Nr, PN int
	skipped    []skippedKey
}

func (s *State) clone() *State {
	return &State{
		DHs:        append(KeyPair(nil), s.DHs...),
		DHr:        append(PublicKey(nil), s.DHr...),
		DHrPrev:    append(PublicKey(nil), s.DHrPrev...),
		Generation: s.Generation,
		RK:         append(RootKey(nil), s.RK...),
		CKs:        append(ChainKey(nil), s.CKs...),
		CKr:        append(ChainKey(nil), s.CKr...),
		Ns:         s.Ns,
		Nr:         s.Nr,
		PN:         s.PN,
		skipped:    append([]skippedKey(nil), s.skipped...),
	}
}

func storeSkipped(s *State, n int, pub PublicKey, mk MessageKey) error {
	if len(s.skipped) >= maxSkip {
		return decryptErr(TooDistantFuture)
	}
	s.skipped = append(s.skipped, skippedKey{N: n, Pub: append(PublicKey(nil), pub...), MK: mk})
	return nil
}

func takeSkipped(s *State, n int, pub PublicKey) (MessageKey, bool) {
	for i, k := range s.skipped {
		if k.N == n && bytes.Equal(k.Pub, pub) {
			mk := k.MK
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return mk, true
		}
	}
	return nil, false
}

// skipChain advances the receiving chain up to (but not including)
// until, buffering each skipped message key.
func skipChain(s *State, until int) error {
	if s.CKr == nil {
		return nil
	}
	if until-s.Nr > maxSkip {
		return decryptErr(TooDistantFuture)
	}
	for s.Nr < until {
		ck, mk := kdfChain(s.CKr)
		s.CKr = ck
		if err := storeSkipped(s, s.Nr, s.DHr, mk); err != nil {
			return err
		}
		s.Nr++
	}
	return nil
}

// ratchetStep performs one Diffie-Hellman ratchet step upon receiving a
// message bearing a new public key.
func ratchetStep(s *State, pub PublicKey) error {
	s.DHrPrev = s.DHr
	s.Generation++
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = pub

	dh, err := s.DHs.DH(s.DHr)
	if err != nil {
		return err
	}
	s.RK, s.CKr = kdfRootChain(s.RK, dh)

	newDHs, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return err
	}
	s.DHs = newDHs

	dh, err = s.DHs.DH(s.DHr)
	if err != nil {
		return err
	}
	s.RK, s.CKs = kdfRootChain(s.RK, dh)
	return nil
}

// Session is a live Double-Ratchet conversation with one peer,
// established via X3DH-style key agreement.
type Session struct {
	state *State

	localIdentity  *IdentityKeyPair
	remoteIdentity PublicKey

	// handshakePending is true for a freshly-initiated session whose
	// first outgoing Envelope must still carry the X3DH handshake
	// material for the peer to bootstrap its own session.
	handshakePending bool
	preKeyID         PreKeyID
	ephemeral        PublicKey

	tag []byte
}

// ad returns the additional-authenticated-data binding every envelope
// in this session to the (unordered) pair of identity keys involved,
// guarding against an unknown-key-share if an attacker swaps one
// identity key for their own.
func (s *Session) ad() []byte {
	a, b := s.localIdentity.Public, s.remoteIdentity
	if bytes.Compare(a, b) <= 0 {
		return append(append([]byte(nil), a...), b...)
	}
	return append(append([]byte(nil), b...), a...)
}

func deriveSK(dh1, dh2, dh3 []byte) RootKey {
	ikm := append(append(append([]byte(nil), dh1...), dh2...), dh3...)
	rk, _ := kdfRootChain(RootKey(make([]byte, 32)), ikm)
	return rk
}

func sessionTag(sk RootKey, local, remote PublicKey) []byte {
	buf := append(append(append([]byte(nil), sk...), local...), remote...)
	_, mk := kdfChain(buf)
	return mk[:16]
}

// InitFromPreKeyBundle begins a new session as the initiator, using a
// peer's published PreKeyBundle. No store mutation occurs: the peer's
// prekey store isn't touched until they process our first message.
func InitFromPreKeyBundle(identity *IdentityKeyPair, bundle *PreKeyBundle) (*Session, error) {
	eph, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	dh1, err := identity.secret.DH(bundle.PreKeyPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := eph.DH(bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh3, err := eph.DH(bundle.PreKeyPublic)
	if err != nil {
		return nil, err
	}
	sk := deriveSK(dh1, dh2, dh3)

	rk, cks := kdfRootChain(sk, dh3)
	state := &State{
		DHs: eph,
		DHr: append(PublicKey(nil), bundle.PreKeyPublic...),
		RK:  rk,
		CKs: cks,
	}
	return &Session{
		state:            state,
		localIdentity:    identity,
		remoteIdentity:   append(PublicKey(nil), bundle.IdentityKey...),
		handshakePending: true,
		preKeyID:         bundle.PreKeyID,
		ephemeral:        eph.Public(),
		tag:              sessionTag(sk, identity.Public, bundle.IdentityKey),
	}, nil
}

// InitFromMessage begins a new session as the responder, consuming the
// prekey referenced by a peer's first PreKeyed Envelope, and returns
// the established session plus the decrypted first plaintext. The
// consumed prekey is only marked pending via store.Remove -- whether
// that removal becomes durable is entirely up to the caller's Store
// commit discipline.
func InitFromMessage(identity *IdentityKeyPair, store PreKeyStore, env *Envelope) (*Session, []byte, error) {
	if !env.IsPreKeyMessage() {
		return nil, nil, decryptErr(InvalidMessage)
	}
	pk, err := store.PreKey(env.preKeyID)
	if err != nil {
		return nil, nil, err
	}
	if pk == nil {
		return nil, nil, decryptErr(PreKeyNotFound)
	}
	if err := store.Remove(env.preKeyID); err != nil {
		return nil, nil, err
	}

	dh1, err := pk.KeyPair.DH(env.senderIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := identity.secret.DH(env.ephemeral)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := pk.KeyPair.DH(env.ephemeral)
	if err != nil {
		return nil, nil, err
	}
	sk := deriveSK(dh1, dh2, dh3)

	state := &State{
		DHs: pk.KeyPair,
		RK:  sk,
	}
	sess := &Session{
		state:          state,
		localIdentity:  identity,
		remoteIdentity: append(PublicKey(nil), env.senderIdentity...),
		tag:            sessionTag(sk, env.senderIdentity, identity.Public),
	}

	plaintext, err := sess.decryptRatchet(env)
	if err != nil {
		return nil, nil, err
	}
	return sess, plaintext, nil
}

// DeserializeSession decodes the output of Session.Serialize, binding
// it to the given local identity (the local identity is never itself
// persisted as part of session state -- the caller supplies it, the
// same way FileStore.load_session takes the local identity as a
// parameter in spec.md §4.2's Rust ancestor).
func DeserializeSession(identity *IdentityKeyPair, data []byte) (*Session, error) {
	r := bytes.NewReader(data)
	remote, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	tag, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	var handshakePending uint8
	if err := binary.Read(r, binary.BigEndian, &handshakePending); err != nil {
		return nil, &DecodeError{Reason: "session: " + err.Error()}
	}
	preKeyID16, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	ephemeral, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	state, err := decodeState(r)
	if err != nil {
		return nil, err
	}

	return &Session{
		state:            state,
		localIdentity:    identity,
		remoteIdentity:   remote,
		tag:              tag,
		handshakePending: handshakePending == 1,
		preKeyID:         PreKeyID(preKeyID16),
		ephemeral:        ephemeral,
	}, nil
}

// Serialize encodes the full session state, including any buffered
// out-of-order message keys, so it can be persisted and later resumed
// via DeserializeSession without losing the ability to decrypt
// messages still in flight.
func (s *Session) Serialize() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, s.remoteIdentity)
	writeBytes(&buf, s.tag)
	if s.handshakePending {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint16(&buf, uint16(s.preKeyID))
	writeBytes(&buf, s.ephemeral)
	encodeState(&buf, s.state)
	return buf.Bytes()
}

// LocalIdentity returns the local long-term public identity key.
func (s *Session) LocalIdentity() PublicKey { return s.localIdentity.Public }

// RemoteIdentity returns the peer's long-term public identity key.
func (s *Session) RemoteIdentity() PublicKey { return s.remoteIdentity }

// Tag returns the opaque session tag used only by debugging tools to
// match an envelope to one of several candidate sessions. It is never
// consulted by Encrypt/Decrypt/InitFrom*.
func (s *Session) Tag() []byte { return s.tag }

// Encrypt advances the sending chain and returns a framed, authenticated
// Envelope. The first Envelope produced by a session created via
// InitFromPreKeyBundle carries the X3DH handshake material; every
// Envelope after that (and every Envelope from a responder session) is
// Plain.
func (s *Session) Encrypt(plaintext []byte) (*Envelope, error) {
	ck, mk := kdfChain(s.state.CKs)
	h := Header{PublicKey: s.state.DHs.Public(), PN: s.state.PN, N: s.state.Ns}
	ad := concatAD(s.ad(), h)

	ciphertext, mac, err := seal(mk, plaintext, ad)
	if err != nil {
		return nil, err
	}

	env := &Envelope{kind: kindPlain, header: h, ciphertext: ciphertext, mac: mac}
	if s.handshakePending {
		env.kind = kindPreKeyed
		env.senderIdentity = append(PublicKey(nil), s.localIdentity.Public...)
		env.preKeyID = s.preKeyID
		env.ephemeral = append(PublicKey(nil), s.ephemeral...)
		s.handshakePending = false
	}

	s.state.CKs = ck
	s.state.Ns++
	return env, nil
}

// Decrypt authenticates and decrypts an Envelope produced by the peer's
// Encrypt, advancing the receiving chain (and possibly the DH ratchet)
// as needed. A decrypt failure leaves the session state unchanged.
func (s *Session) Decrypt(store PreKeyStore, env *Envelope) ([]byte, error) {
	if env.IsPreKeyMessage() {
		if !bytes.Equal(env.senderIdentity, s.remoteIdentity) {
			return nil, decryptErr(RemoteIdentityChanged)
		}
	}
	return s.decryptRatchet(env)
}

func (s *Session) decryptRatchet(env *Envelope) ([]byte, error) {
	h := env.header
	ad := concatAD(s.ad(), h)

	next := s.state.clone()
	if mk, ok := takeSkipped(next, h.N, h.PublicKey); ok {
		plaintext, err := open(mk, env.ciphertext, env.mac, ad)
		if err != nil {
			return nil, err
		}
		s.state = next
		return plaintext, nil
	}

	if bytes.Equal(h.PublicKey, s.state.DHr) {
		if h.N < s.state.Nr {
			return nil, decryptErr(DuplicateMessage)
		}
		if h.N-s.state.Nr > maxSkip {
			return nil, decryptErr(TooDistantFuture)
		}
		tmp := s.state.clone()
		if err := skipChain(tmp, h.N); err != nil {
			return nil, err
		}
		ck, mk := kdfChain(tmp.CKr)
		plaintext, err := open(mk, env.ciphertext, env.mac, ad)
		if err != nil {
			return nil, err
		}
		tmp.CKr = ck
		tmp.Nr++
		s.state = tmp
		return plaintext, nil
	}

	if s.state.Generation > 0 && bytes.Equal(h.PublicKey, s.state.DHrPrev) {
		return nil, decryptErr(OutdatedMessage)
	}

	tmp := s.state.clone()
	if err := skipChain(tmp, h.PN); err != nil {
		return nil, err
	}
	if err := ratchetStep(tmp, h.PublicKey); err != nil {
		return nil, err
	}
	if err := skipChain(tmp, h.N); err != nil {
		return nil, err
	}
	ck, mk := kdfChain(tmp.CKr)
	plaintext, err := open(mk, env.ciphertext, env.mac, ad)
	if err != nil {
		return nil, err
	}
	tmp.CKr = ck
	tmp.Nr++
	s.state = tmp
	return plaintext, nil
}

func concatAD(ad []byte, h Header) []byte {
	return append(append([]byte(nil), ad...), h.encode()...)
}

// --- wire encoding helpers -------------------------------------------------

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

// readBytes reads a length-prefixed byte string. The length is
// bounded against what's actually left in r before allocating, so a
// forged or truncated session blob can't force a multi-gigabyte
// allocation off a single 4-byte prefix.
func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, &DecodeError{Reason: "session: length prefix exceeds remaining input"}
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, &DecodeError{Reason: "session: " + err.Error()}
	}
	return b, nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, &DecodeError{Reason: "session: " + err.Error()}
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, &DecodeError{Reason: "session: " + err.Error()}
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func encodeState(buf *bytes.Buffer, s *State) {
	writeBytes(buf, s.DHs)
	writeBytes(buf, s.DHr)
	writeBytes(buf, s.DHrPrev)
	writeUint32(buf, uint32(s.Generation))
	writeBytes(buf, s.RK)
	writeBytes(buf, s.CKs)
	writeBytes(buf, s.CKr)
	writeUint32(buf, uint32(s.Ns))
	writeUint32(buf, uint32(s.Nr))
	writeUint32(buf, uint32(s.PN))
	writeUint32(buf, uint32(len(s.skipped)))
	for _, k := range s.skipped {
		writeUint32(buf, uint32(k.N))
		writeBytes(buf, k.Pub)
		writeBytes(buf, k.MK)
	}
}

func decodeState(r *bytes.Reader) (*State, error) {
	s := &State{}
	var err error
	if s.DHs, err = readBytesAsKeyPair(r); err != nil {
		return nil, err
	}
	if s.DHr, err = readBytes(r); err != nil {
		return nil, err
	}
	if s.DHrPrev, err = readBytes(r); err != nil {
		return nil, err
	}
	gen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	s.Generation = int(gen)
	if s.RK, err = readBytes(r); err != nil {
		return nil, err
	}
	if s.CKs, err = readBytes(r); err != nil {
		return nil, err
	}
	if s.CKr, err = readBytes(r); err != nil {
		return nil, err
	}
	ns, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	nr, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	pn, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	s.Ns, s.Nr, s.PN = int(ns), int(nr), int(pn)

	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		pub, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		mk, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		s.skipped = append(s.skipped, skippedKey{N: int(n), Pub: pub, MK: mk})
	}
	return s, nil
}

func readBytesAsKeyPair(r *bytes.Reader) (KeyPair, error) {
	b, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return KeyPair(b), nil
}
