package proteus

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"
)

// memPreKeyStore is the minimal PreKeyStore a test needs: a single
// in-memory prekey that Remove marks consumed rather than deleting, so
// tests can assert on consumption without a real store.
type memPreKeyStore struct {
	pk      *PreKey
	removed []PreKeyID
}

func (s *memPreKeyStore) PreKey(id PreKeyID) (*PreKey, error) {
	if s.pk == nil || s.pk.ID != id {
		return nil, nil
	}
	return s.pk, nil
}

func (s *memPreKeyStore) Remove(id PreKeyID) error {
	s.removed = append(s.removed, id)
	return nil
}

func newTestPeers(t *testing.T) (alice *IdentityKeyPair, bobIdentity *IdentityKeyPair, bobStore *memPreKeyStore) {
	t.Helper()
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobIdentity, err = GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := GeneratePreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	bobStore = &memPreKeyStore{pk: pk}
	return alice, bobIdentity, bobStore
}

// TestAliceBob pings a handshake then pongs plaintext back and forth,
// mirroring the ping-pong shape of a Double Ratchet smoke test.
func TestAliceBob(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}

	first := []byte("hello bob")
	env, err := aliceSession.Encrypt(first)
	if err != nil {
		t.Fatal(err)
	}
	if !env.IsPreKeyMessage() {
		t.Fatal("first envelope must carry the handshake")
	}

	bobSession, got, err := InitFromMessage(bobIdentity, bobStore, env)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("got %q, want %q", got, first)
	}
	if len(bobStore.removed) != 1 || bobStore.removed[0] != 1 {
		t.Fatalf("expected prekey 1 to be consumed, got %v", bobStore.removed)
	}

	send, recv := bobSession, aliceSession
	plaintext := make([]byte, 256)
	const N = 200
	for i := 0; i < N; i++ {
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatal(err)
		}
		env, err := send.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("#%d encrypt: %v", i, err)
		}
		got, err := recv.Decrypt(nil, env)
		if err != nil {
			t.Fatalf("#%d decrypt: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("#%d: got %q want %q", i, got, plaintext)
		}
		send, recv = recv, send
	}
}

// TestOutOfOrder checks that messages delivered out of order within a
// single chain still decrypt via the skipped-key store.
func TestOutOfOrder(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	handshake, err := aliceSession.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	bobSession, _, err := InitFromMessage(bobIdentity, bobStore, handshake)
	if err != nil {
		t.Fatal(err)
	}

	const N = 50
	envs := make([]*Envelope, N)
	plaintexts := make([][]byte, N)
	for i := 0; i < N; i++ {
		pt := []byte{byte(i)}
		env, err := aliceSession.Encrypt(pt)
		if err != nil {
			t.Fatal(err)
		}
		envs[i], plaintexts[i] = env, pt
	}

	order := []int{3, 0, 4, 1, 2}
	for _, i := range order[:5] {
		got, err := bobSession.Decrypt(nil, envs[i])
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if !bytes.Equal(got, plaintexts[i]) {
			t.Fatalf("#%d: got %q want %q", i, got, plaintexts[i])
		}
	}
	for i := 5; i < N; i++ {
		got, err := bobSession.Decrypt(nil, envs[i])
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if !bytes.Equal(got, plaintexts[i]) {
			t.Fatalf("#%d: got %q want %q", i, got, plaintexts[i])
		}
	}
}

// TestDuplicateMessage checks replaying an already-consumed message is
// rejected without mutating the session.
func TestDuplicateMessage(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	handshake, err := aliceSession.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	bobSession, _, err := InitFromMessage(bobIdentity, bobStore, handshake)
	if err != nil {
		t.Fatal(err)
	}

	env, err := aliceSession.Encrypt([]byte("again"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bobSession.Decrypt(nil, env); err != nil {
		t.Fatal(err)
	}
	_, err = bobSession.Decrypt(nil, env)
	de, ok := err.(*DecryptError)
	if !ok || de.Kind != DuplicateMessage {
		t.Fatalf("expected DuplicateMessage, got %v", err)
	}
}

// TestTamperedEnvelopeFails checks that a bit-flipped ciphertext fails
// the independent MAC before the AEAD tag is even attempted.
func TestTamperedEnvelopeFails(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	env, err := aliceSession.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	env.ciphertext[0] ^= 0xFF

	_, _, err = InitFromMessage(bobIdentity, bobStore, env)
	de, ok := err.(*DecryptError)
	if !ok || de.Kind != InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

// TestRemoteIdentityChanged checks that a PreKeyed envelope claiming a
// different sender identity than the session was established with is
// rejected rather than silently re-keying the session.
func TestRemoteIdentityChanged(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	handshake, err := aliceSession.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	bobSession, _, err := InitFromMessage(bobIdentity, bobStore, handshake)
	if err != nil {
		t.Fatal(err)
	}

	mallory, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	forged := &Envelope{
		kind:           kindPreKeyed,
		senderIdentity: mallory.Public,
		preKeyID:       1,
		ephemeral:      alice.Public,
		header:         Header{PublicKey: alice.Public, PN: 0, N: 0},
		ciphertext:     []byte("x"),
		mac:            make([]byte, 32),
	}
	_, err = bobSession.Decrypt(nil, forged)
	de, ok := err.(*DecryptError)
	if !ok || de.Kind != RemoteIdentityChanged {
		t.Fatalf("expected RemoteIdentityChanged, got %v", err)
	}
}

// TestPreKeyNotFound checks that a handshake referencing an unknown
// prekey id is rejected, not silently treated as a fresh session.
func TestPreKeyNotFound(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)
	bundle.PreKeyID = 99

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	env, err := aliceSession.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = InitFromMessage(bobIdentity, bobStore, env)
	de, ok := err.(*DecryptError)
	if !ok || de.Kind != PreKeyNotFound {
		t.Fatalf("expected PreKeyNotFound, got %v", err)
	}
}

// TestResumeSession checks that a serialized/deserialized session can
// continue an in-progress conversation.
func TestResumeSession(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	handshake, err := aliceSession.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	bobSession, _, err := InitFromMessage(bobIdentity, bobStore, handshake)
	if err != nil {
		t.Fatal(err)
	}

	data := aliceSession.Serialize()
	resumed, err := DeserializeSession(alice, data)
	if err != nil {
		t.Fatal(err)
	}

	env, err := bobSession.Encrypt([]byte("pong"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := resumed.Decrypt(nil, env)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Fatalf("got %q", got)
	}
}

// TestDeserializeSessionOversizedLengthIsDecodeError guards readBytes
// against a forged length prefix larger than the remaining input: it
// must fail with DecodeError instead of attempting a multi-gigabyte
// allocation.
func TestDeserializeSessionOversizedLengthIsDecodeError(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)
	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	data := aliceSession.Serialize()

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, 0xFFFFFFF0)
	forged := append([]byte(nil), lenBuf...)
	forged = append(forged, data[4:]...)

	_, err = DeserializeSession(alice, forged)
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

// TestDeserializeSessionTruncatedIsDecodeError guards readUint32 /
// readBytes against a short read being silently accepted (as a
// bare bytes.Reader.Read would), which would otherwise decode a
// truncated blob into a zero-padded State.
func TestDeserializeSessionTruncatedIsDecodeError(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)
	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	data := aliceSession.Serialize()

	_, err = DeserializeSession(alice, data[:len(data)-1])
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	alice, bobIdentity, bobStore := newTestPeers(t)
	bundle := NewPreKeyBundle(bobIdentity.Public, bobStore.pk)

	aliceSession, err := InitFromPreKeyBundle(alice, bundle)
	if err != nil {
		t.Fatal(err)
	}
	env, err := aliceSession.Encrypt([]byte("round trip"))
	if err != nil {
		t.Fatal(err)
	}
	wire := env.Serialize()
	decoded, err := DeserializeEnvelope(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.IsPreKeyMessage() {
		t.Fatal("expected decoded envelope to still carry handshake")
	}
}

func TestDeserializeEnvelopeEmptyIsDecodeError(t *testing.T) {
	_, err := DeserializeEnvelope(nil)
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDeserializePreKeyBundleEmptyIsDecodeError(t *testing.T) {
	_, err := DeserializePreKeyBundle(nil)
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

// TestDeserializeEnvelopeOversizedLengthDoesNotPanic guards against a
// wire length prefix chosen so that adding the trailing MAC size
// wraps around uint32, which would otherwise defeat the truncation
// check and panic on the out-of-range slice that follows.
func TestDeserializeEnvelopeOversizedLengthDoesNotPanic(t *testing.T) {
	h := Header{PublicKey: make(PublicKey, pointSize), PN: 0, N: 0}
	wire := append([]byte{byte(kindPlain)}, h.encode()...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, 0xFFFFFFF0)
	wire = append(wire, lenBuf...)
	wire = append(wire, make([]byte, 32)...) // room for the MAC, none for the claimed ciphertext

	_, err := DeserializeEnvelope(wire)
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}
