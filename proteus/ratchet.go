package proteus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// RootKey is produced by each step of the root chain. Always 32 bytes.
type RootKey []byte

// ChainKey keys the KDF used to derive message keys. Always 32 bytes.
type ChainKey []byte

// MessageKey encrypts a single message. Always 32 bytes.
type MessageKey []byte

// rkInfo and mkInfo bind derived keys to this package so they can never
// be confused with keys derived by an unrelated protocol sharing the
// same root secret.
var (
	rkInfo = []byte("proteusbox/root-chain")
	mkInfo = []byte("proteusbox/message-keys")
)

// kdfRootChain applies a KDF keyed by the root key to a Diffie-Hellman
// output, returning the next (root key, chain key) pair.
func kdfRootChain(rk RootKey, dh []byte) (RootKey, ChainKey) {
	buf := make([]byte, 2*32)
	r := hkdf.New(sha256.New, dh, rk, rkInfo)
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(err) // hkdf only fails if asked for too much output
	}
	return buf[0:32:32], buf[32:64:64]
}

// kdfChain applies a KDF keyed by the chain key to derive the next chain
// key and a message key.
func kdfChain(ck ChainKey) (ChainKey, MessageKey) {
	h := hmac.New(sha256.New, ck)
	const (
		chainConst   = 0x02
		messageConst = 0x01
	)
	h.Write([]byte{chainConst})
	next := h.Sum(nil)
	h.Reset()
	h.Write([]byte{messageConst})
	mk := h.Sum(nil)
	return next, mk
}

// deriveAEAD expands a message key into an AEAD encryption key, nonce,
// and a MAC key used to authenticate the envelope header independently
// of the AEAD tag (so a header tampered with by an intermediary is
// rejected before the ciphertext is even attempted, matching the
// Envelope MAC called out in spec.md's data model).
func deriveAEAD(mk MessageKey) (key, nonce, macKey []byte) {
	const (
		keySize   = chacha20poly1305.KeySize
		nonceSize = chacha20poly1305.NonceSizeX
		macSize   = 32
	)
	buf := make([]byte, keySize+nonceSize+macSize)
	r := hkdf.New(sha256.New, mk, nil, mkInfo)
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(err)
	}
	return buf[0:keySize], buf[keySize : keySize+nonceSize], buf[keySize+nonceSize:]
}

// seal encrypts and authenticates plaintext under mk, authenticating
// additionalData as well.
func seal(mk MessageKey, plaintext, additionalData []byte) ([]byte, []byte, error) {
	key, nonce, macKey := deriveAEAD(mk)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("proteus: seal: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(additionalData)
	mac.Write(ciphertext)
	return ciphertext, mac.Sum(nil), nil
}

// open authenticates mac over (additionalData, ciphertext), then
// decrypts and authenticates ciphertext under mk.
func open(mk MessageKey, ciphertext, mac, additionalData []byte) ([]byte, error) {
	key, nonce, macKey := deriveAEAD(mk)
	h := hmac.New(sha256.New, macKey)
	h.Write(additionalData)
	h.Write(ciphertext)
	if !hmac.Equal(h.Sum(nil), mac) {
		return nil, decryptErr(InvalidSignature)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("proteus: open: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, decryptErr(InvalidMessage)
	}
	return plaintext, nil
}

// Header travels alongside every ratchet message so the receiver can
// locate the right chain and message key.
type Header struct {
	// PublicKey is the sender's current ratchet public key.
	PublicKey PublicKey
	// PN is the number of messages in the sender's previous chain.
	PN int
	// N is the message number within the sender's current chain.
	N int
}

func (h Header) encode() []byte {
	buf := make([]byte, 16+len(h.PublicKey))
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.PN))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.N))
	copy(buf[16:], h.PublicKey)
	return buf
}

// String renders the header for diagnostic tools.
func (h Header) String() string {
	return fmt.Sprintf("Header{pn=%d n=%d ratchetKey=%x}", h.PN, h.N, h.PublicKey)
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < 16+pointSize {
		return Header{}, &DecodeError{Reason: fmt.Sprintf("header: expected at least %d bytes, got %d", 16+pointSize, len(data))}
	}
	return Header{
		PN:        int(binary.BigEndian.Uint64(data[0:8])),
		N:         int(binary.BigEndian.Uint64(data[8:16])),
		PublicKey: append(PublicKey(nil), data[16:16+pointSize]...),
	}, nil
}
