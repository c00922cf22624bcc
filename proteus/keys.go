package proteus

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	scalarSize = curve25519.ScalarSize
	pointSize  = curve25519.PointSize
	keyPairSize = scalarSize + pointSize
)

// KeyPair is a Curve25519 key pair: a 32-byte scalar followed by its
// 32-byte public point. It is the building block for both the long-term
// IdentityKeyPair and the short-lived prekeys and ratchet keys.
type KeyPair []byte

// GenerateKeyPair draws a fresh Curve25519 key pair from r.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	key := make([]byte, keyPairSize)
	if _, err := io.ReadFull(r, key[:scalarSize]); err != nil {
		return nil, fmt.Errorf("proteus: generate key pair: %w", err)
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	pub, err := curve25519.X25519(key[:scalarSize], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("proteus: generate key pair: %w", err)
	}
	copy(key[scalarSize:], pub)
	return key, nil
}

func (kp KeyPair) private() []byte {
	return kp[:scalarSize]
}

// Public returns a copy of the public half of the pair.
func (kp KeyPair) Public() PublicKey {
	return append(PublicKey(nil), kp[scalarSize:]...)
}

// DH computes the Diffie-Hellman shared secret between kp and pub.
func (kp KeyPair) DH(pub PublicKey) ([]byte, error) {
	if len(kp) != keyPairSize {
		return nil, fmt.Errorf("proteus: invalid key pair size: %d", len(kp))
	}
	if len(pub) != pointSize {
		return nil, fmt.Errorf("proteus: invalid public key size: %d", len(pub))
	}
	return curve25519.X25519(kp.private(), pub)
}

// PublicKey is a Curve25519 public point.
type PublicKey []byte

func (p PublicKey) fingerprint() string {
	return hex.EncodeToString(p)
}

// IdentityKeyPair is a long-term Curve25519 key pair identifying a local
// user. It is minted once per Box and never rotated by this package.
type IdentityKeyPair struct {
	Public PublicKey
	secret KeyPair
}

// GenerateIdentityKeyPair draws a fresh identity key pair using the OS
// CSPRNG.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{Public: kp.Public(), secret: kp}, nil
}

// Fingerprint returns a stable hex fingerprint of the public identity key.
func (i *IdentityKeyPair) Fingerprint() string {
	return i.Public.fingerprint()
}

// Serialize encodes the full key pair (secret and public halves).
func (i *IdentityKeyPair) Serialize() []byte {
	return append([]byte(nil), i.secret...)
}

// DeserializeIdentityKeyPair decodes the output of Serialize.
func DeserializeIdentityKeyPair(b []byte) (*IdentityKeyPair, error) {
	if len(b) != keyPairSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("identity key pair: expected %d bytes, got %d", keyPairSize, len(b))}
	}
	kp := append(KeyPair(nil), b...)
	return &IdentityKeyPair{Public: kp.Public(), secret: kp}, nil
}

// IdentityKey is the public-only view of an IdentityKeyPair, used when a
// Box only holds a remote peer's (or its own, in Public identity mode)
// long-term public key.
type IdentityKey struct {
	Public PublicKey
}

// Fingerprint returns a stable hex fingerprint of the public identity key.
func (i IdentityKey) Fingerprint() string {
	return i.Public.fingerprint()
}

// Serialize encodes the public key.
func (i IdentityKey) Serialize() []byte {
	return append([]byte(nil), i.Public...)
}

// DeserializeIdentityKey decodes the output of Serialize.
func DeserializeIdentityKey(b []byte) (IdentityKey, error) {
	if len(b) != pointSize {
		return IdentityKey{}, &DecodeError{Reason: fmt.Sprintf("identity key: expected %d bytes, got %d", pointSize, len(b))}
	}
	return IdentityKey{Public: append(PublicKey(nil), b...)}, nil
}

// PreKeyID identifies a PreKey. LastResortPreKeyID is reserved and is
// never consumed or deleted by the store.
type PreKeyID uint16

// LastResortPreKeyID is the reserved prekey id that is never removed.
const LastResortPreKeyID PreKeyID = 65535

// PreKey is a short-lived Curve25519 key pair published in advance so a
// peer can initiate a session without a live handshake.
type PreKey struct {
	ID      PreKeyID
	KeyPair KeyPair
}

// GeneratePreKey mints a new prekey with the given id.
func GeneratePreKey(id PreKeyID) (*PreKey, error) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PreKey{ID: id, KeyPair: kp}, nil
}

// Public returns the public half of the prekey.
func (p *PreKey) Public() PublicKey {
	return p.KeyPair.Public()
}

// Serialize encodes the prekey's id and full key pair.
func (p *PreKey) Serialize() []byte {
	buf := make([]byte, 2, 2+keyPairSize)
	binary.BigEndian.PutUint16(buf, uint16(p.ID))
	return append(buf, p.KeyPair...)
}

// DeserializePreKey decodes the output of Serialize.
func DeserializePreKey(b []byte) (*PreKey, error) {
	if len(b) != 2+keyPairSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("prekey: expected %d bytes, got %d", 2+keyPairSize, len(b))}
	}
	id := PreKeyID(binary.BigEndian.Uint16(b[:2]))
	kp := append(KeyPair(nil), b[2:]...)
	return &PreKey{ID: id, KeyPair: kp}, nil
}

// PreKeyBundle is a publishable record containing an identity's public
// key plus one prekey's public material.
type PreKeyBundle struct {
	IdentityKey PublicKey
	PreKeyID    PreKeyID
	PreKeyPublic PublicKey
}

// NewPreKeyBundle builds a bundle from an identity public key and a
// prekey.
func NewPreKeyBundle(identityPublic PublicKey, pk *PreKey) *PreKeyBundle {
	return &PreKeyBundle{
		IdentityKey:  append(PublicKey(nil), identityPublic...),
		PreKeyID:     pk.ID,
		PreKeyPublic: pk.Public(),
	}
}

// Serialize encodes the bundle for publishing to a peer.
func (b *PreKeyBundle) Serialize() []byte {
	buf := make([]byte, 0, pointSize+2+pointSize)
	buf = append(buf, b.IdentityKey...)
	idBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(idBuf, uint16(b.PreKeyID))
	buf = append(buf, idBuf...)
	buf = append(buf, b.PreKeyPublic...)
	return buf
}

// DeserializePreKeyBundle decodes the output of Serialize.
func DeserializePreKeyBundle(data []byte) (*PreKeyBundle, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "prekey bundle: empty input"}
	}
	if len(data) != pointSize+2+pointSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("prekey bundle: expected %d bytes, got %d", pointSize+2+pointSize, len(data))}
	}
	return &PreKeyBundle{
		IdentityKey:  append(PublicKey(nil), data[:pointSize]...),
		PreKeyID:     PreKeyID(binary.BigEndian.Uint16(data[pointSize : pointSize+2])),
		PreKeyPublic: append(PublicKey(nil), data[pointSize+2:]...),
	}, nil
}

// RandomBytes draws n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("proteus: random bytes: %w", err)
	}
	return b, nil
}
