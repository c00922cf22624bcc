package proteus

import (
	"encoding/binary"
	"fmt"
)

// envelopeKind tags whether an Envelope carries the X3DH handshake
// material needed to bootstrap a brand new session, or is a plain
// ratchet message on an already-established session.
type envelopeKind byte

const (
	kindPlain    envelopeKind = 1
	kindPreKeyed envelopeKind = 2
)

// Envelope is the framed, authenticated ciphertext produced by
// Session.Encrypt and consumed by Session.Decrypt. A PreKeyed envelope
// additionally carries the sender's identity key, the id of the
// recipient prekey it was built against, and the sender's initial
// ratchet key -- exactly what a responder needs to complete the X3DH
// handshake and derive the same initial root key.
type Envelope struct {
	kind envelopeKind

	// Present only when kind == kindPreKeyed.
	senderIdentity PublicKey
	preKeyID       PreKeyID
	ephemeral      PublicKey

	header     Header
	ciphertext []byte
	mac        []byte
}

// IsPreKeyMessage reports whether this envelope carries a handshake.
func (e *Envelope) IsPreKeyMessage() bool {
	return e.kind == kindPreKeyed
}

// Serialize encodes the envelope to its wire format.
func (e *Envelope) Serialize() []byte {
	var buf []byte
	buf = append(buf, byte(e.kind))
	if e.kind == kindPreKeyed {
		buf = append(buf, e.senderIdentity...)
		idBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(idBuf, uint16(e.preKeyID))
		buf = append(buf, idBuf...)
		buf = append(buf, e.ephemeral...)
	}
	buf = append(buf, e.header.encode()...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(e.ciphertext)))
	buf = append(buf, lenBuf...)
	buf = append(buf, e.ciphertext...)
	buf = append(buf, e.mac...)
	return buf
}

// DeserializeEnvelope decodes the output of Envelope.Serialize. A
// zero-byte input is always a DecodeError, per spec.md §8's boundary
// behavior.
func DeserializeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "envelope: empty input"}
	}
	env := &Envelope{kind: envelopeKind(data[0])}
	rest := data[1:]
	switch env.kind {
	case kindPlain:
	case kindPreKeyed:
		if len(rest) < pointSize+2+pointSize {
			return nil, &DecodeError{Reason: "envelope: truncated prekey header"}
		}
		env.senderIdentity = append(PublicKey(nil), rest[:pointSize]...)
		rest = rest[pointSize:]
		env.preKeyID = PreKeyID(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		env.ephemeral = append(PublicKey(nil), rest[:pointSize]...)
		rest = rest[pointSize:]
	default:
		return nil, &DecodeError{Reason: "envelope: unknown kind"}
	}

	h, err := decodeHeader(rest)
	if err != nil {
		return nil, err
	}
	env.header = h
	rest = rest[16+pointSize:]

	if len(rest) < 4 {
		return nil, &DecodeError{Reason: "envelope: truncated ciphertext length"}
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(n)+32 > uint64(len(rest)) {
		return nil, &DecodeError{Reason: "envelope: truncated body"}
	}
	env.ciphertext = append([]byte(nil), rest[:n]...)
	env.mac = append([]byte(nil), rest[n:n+32]...)
	return env, nil
}

// String renders the envelope for diagnostic tools; it is not part of
// the wire format.
func (e *Envelope) String() string {
	if e.kind == kindPreKeyed {
		return fmt.Sprintf(
			"Envelope{PreKeyed sender=%x prekey=%d ephemeral=%x header=%s ciphertext=%d bytes mac=%x}",
			e.senderIdentity, e.preKeyID, e.ephemeral, e.header.String(), len(e.ciphertext), e.mac,
		)
	}
	return fmt.Sprintf(
		"Envelope{Plain header=%s ciphertext=%d bytes mac=%x}",
		e.header.String(), len(e.ciphertext), e.mac,
	)
}
