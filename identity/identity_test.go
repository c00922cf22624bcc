package identity

import (
	"bytes"
	"testing"

	"github.com/proteusbox/proteusbox/proteus"
)

func TestSecretIdentityRoundTrip(t *testing.T) {
	kp, err := proteus.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	id := FromKeyPair(kp)
	data, err := id.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsSecret() {
		t.Fatal("expected secret identity")
	}
	if !bytes.Equal(got.Public(), kp.Public) {
		t.Fatal("round-tripped public key mismatch")
	}
}

func TestPublicIdentityRoundTrip(t *testing.T) {
	kp, err := proteus.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	id := FromPublicKey(proteus.IdentityKey{Public: kp.Public})
	data, err := id.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsSecret() {
		t.Fatal("expected public-only identity")
	}
	if !bytes.Equal(got.Public(), kp.Public) {
		t.Fatal("round-tripped public key mismatch")
	}
}

func TestDeserializeSkipsUnknownField(t *testing.T) {
	kp, err := proteus.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	id := FromKeyPair(kp)
	data, err := id.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	// Rebuild with an extra field (id 7) the decoder doesn't
	// know about, inserted before the known field to exercise the
	// general skip path regardless of field order.
	var buf bytes.Buffer
	buf.WriteByte(data[0])
	writeUvarint(&buf, 2)
	writeField(&buf, 7, []byte("future extension"))
	writeField(&buf, fieldKeyPair, kp.Serialize())

	got, err := Deserialize(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Public(), kp.Public) {
		t.Fatal("round-tripped public key mismatch")
	}
}

func TestDeserializeRejectsDuplicateField(t *testing.T) {
	kp, err := proteus.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(kindSecret))
	writeUvarint(&buf, 2)
	writeField(&buf, fieldKeyPair, kp.Serialize())
	writeField(&buf, fieldKeyPair, kp.Serialize())

	_, err = Deserialize(buf.Bytes())
	if _, ok := err.(*proteus.DecodeError); !ok {
		t.Fatalf("expected DecodeError for duplicate field, got %v", err)
	}
}

func TestDeserializeEmptyIsDecodeError(t *testing.T) {
	_, err := Deserialize(nil)
	if _, ok := err.(*proteus.DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDeserializeUnknownTagIsDecodeError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(9)
	writeUvarint(&buf, 0)
	_, err := Deserialize(buf.Bytes())
	if _, ok := err.(*proteus.DecodeError); !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}
