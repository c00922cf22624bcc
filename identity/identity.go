// Package identity implements the tagged Identity union persisted by a
// Store: either a full IdentityKeyPair (the local identity with its
// secret) or a bare IdentityKey (the local identity's public key only,
// as a Box opened in Public mode stores it). Both variants
// share one wire format so a store loader doesn't need to know in
// advance which kind of record it's about to read.
package identity

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/proteusbox/proteusbox/proteus"
)

// kind tags which variant follows the object header.
type kind byte

const (
	kindSecret kind = 1
	kindPublic kind = 2
)

// fieldKeyPair is the only field-id currently defined inside either
// variant's object. Decoders skip any other field id they encounter so
// a future field can be added without breaking old readers.
const fieldKeyPair = 0

// Identity is either a secret identity (KeyPair set) or a public-only
// identity (Key set), never both.
type Identity struct {
	KeyPair *proteus.IdentityKeyPair
	Key     *proteus.IdentityKey
}

// FromKeyPair wraps a local identity key pair.
func FromKeyPair(kp *proteus.IdentityKeyPair) Identity {
	return Identity{KeyPair: kp}
}

// FromPublicKey wraps an identity's public key alone.
func FromPublicKey(k proteus.IdentityKey) Identity {
	return Identity{Key: &k}
}

// IsSecret reports whether this identity carries the secret half.
func (id Identity) IsSecret() bool { return id.KeyPair != nil }

// Public returns the public key of either variant.
func (id Identity) Public() proteus.PublicKey {
	if id.KeyPair != nil {
		return id.KeyPair.Public
	}
	return id.Key.Public
}

// Serialize encodes the identity to its wire format: a tag byte, the
// object's field count, and each (field-id, value) pair.
func (id Identity) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	switch {
	case id.KeyPair != nil:
		buf.WriteByte(byte(kindSecret))
		writeObjectHeader(&buf, 1)
		writeField(&buf, fieldKeyPair, id.KeyPair.Serialize())
	case id.Key != nil:
		buf.WriteByte(byte(kindPublic))
		writeObjectHeader(&buf, 1)
		writeField(&buf, fieldKeyPair, id.Key.Serialize())
	default:
		return nil, &proteus.EncodeError{Reason: "identity: neither secret nor public key set"}
	}
	return buf.Bytes(), nil
}

// Deserialize decodes the output of Serialize. Unknown field ids
// inside the object are skipped for forward compatibility; a
// duplicate field id is rejected as malformed rather than silently
// accepting the last one seen.
func Deserialize(data []byte) (Identity, error) {
	if len(data) == 0 {
		return Identity{}, &proteus.DecodeError{Reason: "identity: empty input"}
	}
	r := bytes.NewReader(data)
	tagByte, err := r.ReadByte()
	if err != nil {
		return Identity{}, &proteus.DecodeError{Reason: "identity: " + err.Error()}
	}

	n, err := readUvarint(r)
	if err != nil {
		return Identity{}, &proteus.DecodeError{Reason: "identity: " + err.Error()}
	}

	seen := map[uint64]bool{}
	var keyPairBytes []byte
	haveKeyPair := false
	for i := uint64(0); i < n; i++ {
		fieldID, err := readUvarint(r)
		if err != nil {
			return Identity{}, &proteus.DecodeError{Reason: "identity: " + err.Error()}
		}
		if seen[fieldID] {
			return Identity{}, &proteus.DecodeError{Reason: fmt.Sprintf("identity: duplicate field id %d", fieldID)}
		}
		seen[fieldID] = true

		value, err := readField(r)
		if err != nil {
			return Identity{}, err
		}
		if fieldID == fieldKeyPair {
			keyPairBytes = value
			haveKeyPair = true
		}
		// Unknown field ids are intentionally ignored: the value has
		// already been consumed from the reader above.
	}

	if !haveKeyPair {
		return Identity{}, &proteus.DecodeError{Reason: "identity: missing field 0"}
	}

	switch kind(tagByte) {
	case kindSecret:
		kp, err := proteus.DeserializeIdentityKeyPair(keyPairBytes)
		if err != nil {
			return Identity{}, err
		}
		return Identity{KeyPair: kp}, nil
	case kindPublic:
		k, err := proteus.DeserializeIdentityKey(keyPairBytes)
		if err != nil {
			return Identity{}, err
		}
		return Identity{Key: &k}, nil
	default:
		return Identity{}, &proteus.DecodeError{Reason: fmt.Sprintf("identity: unknown tag %d", tagByte)}
	}
}

func writeObjectHeader(buf *bytes.Buffer, fieldCount uint64) {
	writeUvarint(buf, fieldCount)
}

func writeField(buf *bytes.Buffer, fieldID uint64, value []byte) {
	writeUvarint(buf, fieldID)
	writeUvarint(buf, uint64(len(value)))
	buf.Write(value)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// readField consumes one length-prefixed value, the shape every field
// (known or not) shares, so an unrecognized field id can be skipped
// without understanding its contents.
func readField(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, &proteus.DecodeError{Reason: "identity: " + err.Error()}
	}
	value := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(value); err != nil {
			return nil, &proteus.DecodeError{Reason: "identity: " + err.Error()}
		}
	}
	return value, nil
}
