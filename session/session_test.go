package session

import (
	"bytes"
	"testing"

	"github.com/proteusbox/proteusbox/proteus"
	"github.com/proteusbox/proteusbox/store/filestore"
)

func TestReadOnlyPrekeyViewDefersRemoval(t *testing.T) {
	fs, err := filestore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pk, err := proteus.GeneratePreKey(7)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.AddPreKey(pk); err != nil {
		t.Fatal(err)
	}

	view := NewReadOnlyPrekeyView(fs)
	got, err := view.PreKey(7)
	if err != nil || got == nil {
		t.Fatalf("expected prekey 7 to be visible, got %v, %v", got, err)
	}

	if err := view.Remove(7); err != nil {
		t.Fatal(err)
	}
	got, err = view.PreKey(7)
	if err != nil || got != nil {
		t.Fatalf("expected prekey 7 to appear removed via the view, got %v, %v", got, err)
	}

	// The underlying store must still have it: removal is deferred.
	stillThere, err := fs.LoadPreKey(7)
	if err != nil || stillThere == nil {
		t.Fatalf("expected prekey 7 to still be durable, got %v, %v", stillThere, err)
	}

	pending := view.Drain()
	if len(pending) != 1 || pending[0] != 7 {
		t.Fatalf("expected pending=[7], got %v", pending)
	}
	if len(view.Drain()) != 0 {
		t.Fatal("expected second Drain to be empty")
	}
}

func setupPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	aliceIdentity, err := proteus.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobIdentity, err := proteus.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobStore, err := filestore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pk, err := proteus.GeneratePreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := bobStore.AddPreKey(pk); err != nil {
		t.Fatal(err)
	}
	bundle := proteus.NewPreKeyBundle(bobIdentity.Public, pk)

	aliceRatchet, err := proteus.InitFromPreKeyBundle(aliceIdentity, bundle)
	if err != nil {
		t.Fatal(err)
	}
	aliceView := NewReadOnlyPrekeyView(nil)
	alice := New("a-b", aliceRatchet, aliceView)

	handshake, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatal(err)
	}
	env, err := proteus.DeserializeEnvelope(handshake)
	if err != nil {
		t.Fatal(err)
	}
	bobView := NewReadOnlyPrekeyView(bobStore)
	bobRatchet, plaintext, err := proteus.InitFromMessage(bobIdentity, bobView, env)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("got %q", plaintext)
	}
	bob := New("b-a", bobRatchet, bobView)
	return alice, bob
}

func TestSessionEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := setupPair(t)

	ciphertext, err := bob.Encrypt([]byte("hi alice"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := alice.Decrypt(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "hi alice" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestSessionClosedRejectsOperations(t *testing.T) {
	alice, _ := setupPair(t)
	alice.Close()
	if _, err := alice.Encrypt([]byte("x")); err == nil {
		t.Fatal("expected ClosedError after Close")
	}
	if _, ok := errorsAsClosed(alice); !ok {
		t.Fatal("expected second Encrypt after Close to still fail")
	}
}

func errorsAsClosed(s *Session) (error, bool) {
	_, err := s.Encrypt([]byte("y"))
	_, ok := err.(ClosedError)
	return err, ok
}

func TestPendingRemovedPreKeysDrains(t *testing.T) {
	_, bob := setupPair(t)
	pending := bob.PendingRemovedPreKeys()
	if len(pending) != 1 || pending[0] != 1 {
		t.Fatalf("expected prekey 1 pending removal, got %v", pending)
	}
	if len(bob.PendingRemovedPreKeys()) != 0 {
		t.Fatal("expected pending list to be drained")
	}
}

func TestFingerprintsAreStable(t *testing.T) {
	alice, bob := setupPair(t)
	if alice.FingerprintLocal() == "" || bob.FingerprintLocal() == "" {
		t.Fatal("expected non-empty fingerprints")
	}
	if alice.FingerprintRemote() != bob.FingerprintLocal() {
		t.Fatal("alice's view of bob's identity should match bob's own fingerprint")
	}
	if !bytes.Equal([]byte(alice.FingerprintRemote()), []byte(bob.FingerprintLocal())) {
		t.Fatal("fingerprint mismatch")
	}
}
