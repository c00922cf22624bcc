// Command ffi builds as a C shared library (go build -buildmode=c-shared
// or c-archive) exposing the opaque-handle, numeric-result-code surface
// for cross-language embedding: a Box handle, a Session handle, and a
// ByteBuffer handle, all referenced from the C side by an opaque
// uintptr minted via runtime/cgo.Handle. //export only takes effect in
// package main, which is why this lives here rather than as an
// importable library package.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"runtime/cgo"
	"unsafe"

	"github.com/proteusbox/proteusbox/box"
	"github.com/proteusbox/proteusbox/proteus"
	"github.com/proteusbox/proteusbox/session"
	"github.com/proteusbox/proteusbox/store/filestore"
)

// Result codes, numeric and stable: never renumber an existing one.
const (
	resultSuccess               C.int = 0
	resultStorageError          C.int = 1
	resultSessionNotFound       C.int = 2
	resultDecodeError           C.int = 3
	resultRemoteIdentityChanged C.int = 4
	resultInvalidSignature      C.int = 5
	resultInvalidMessage        C.int = 6
	resultDuplicateMessage      C.int = 7
	resultTooDistantFuture      C.int = 8
	resultOutdatedMessage       C.int = 9
	resultUtf8Error             C.int = 10
	resultNulError              C.int = 11
	resultEncodeError           C.int = 12
	resultIdentityError         C.int = 13
	resultPreKeyNotFound        C.int = 14
)

// LastPreKeyID mirrors the FFI constant LAST_PREKEY_ID.
const LastPreKeyID = uint32(proteus.LastResortPreKeyID)

// resultFor classifies an error from the core into one of the stable
// result codes. Errors that don't carry special FFI meaning (plain
// I/O wrapped in a StorageError, any unrecognized error) collapse to
// resultStorageError, since the core's contract is "every failure
// is loggable" rather than "every failure has a distinct code".
func resultFor(err error) C.int {
	if err == nil {
		return resultSuccess
	}
	var decryptErr *proteus.DecryptError
	if errors.As(err, &decryptErr) {
		switch decryptErr.Kind {
		case proteus.RemoteIdentityChanged:
			return resultRemoteIdentityChanged
		case proteus.InvalidSignature:
			return resultInvalidSignature
		case proteus.InvalidMessage:
			return resultInvalidMessage
		case proteus.DuplicateMessage:
			return resultDuplicateMessage
		case proteus.TooDistantFuture:
			return resultTooDistantFuture
		case proteus.OutdatedMessage:
			return resultOutdatedMessage
		case proteus.PreKeyNotFound:
			return resultPreKeyNotFound
		}
	}
	var decodeErr *proteus.DecodeError
	if errors.As(err, &decodeErr) {
		return resultDecodeError
	}
	var encodeErr *proteus.EncodeError
	if errors.As(err, &encodeErr) {
		return resultEncodeError
	}
	var identityErr *box.IdentityError
	if errors.As(err, &identityErr) {
		return resultIdentityError
	}
	return resultStorageError
}

// byteBuffer is what a cgo.Handle returned through an output
// **ByteBuffer parameter actually points to. Callers on the C side
// never see this struct: they only hold the opaque handle value and
// pass it back to proteusbox_byte_buffer_{data,len,free}.
type byteBuffer struct {
	data []byte
}

func newByteBuffer(data []byte) C.uintptr_t {
	return C.uintptr_t(cgo.NewHandle(byteBuffer{data: data}))
}

func goString(cstr *C.char) (string, error) {
	b := C.GoString(cstr)
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return "", errNul
		}
	}
	return b, nil
}

var errNul = errors.New("ffi: embedded NUL in string")

//export proteusbox_file_open
func proteusbox_file_open(cPath *C.char, outBox *C.uintptr_t) C.int {
	path, err := goString(cPath)
	if err != nil {
		return resultNulError
	}
	fs, err := filestore.Open(path)
	if err != nil {
		return resultStorageError
	}
	b, err := box.Open(fs)
	if err != nil {
		return resultFor(err)
	}
	*outBox = C.uintptr_t(cgo.NewHandle(b))
	return resultSuccess
}

//export proteusbox_file_open_with
func proteusbox_file_open_with(cPath *C.char, identity *C.uint8_t, identityLen C.uint32_t, mode C.int, outBox *C.uintptr_t) C.int {
	path, err := goString(cPath)
	if err != nil {
		return resultNulError
	}
	fs, err := filestore.Open(path)
	if err != nil {
		return resultStorageError
	}
	raw := C.GoBytes(unsafe.Pointer(identity), C.int(identityLen))
	kp, err := proteus.DeserializeIdentityKeyPair(raw)
	if err != nil {
		return resultDecodeError
	}
	m := box.Complete
	if mode != 0 {
		m = box.Public
	}
	b, err := box.OpenWith(fs, kp, m)
	if err != nil {
		return resultFor(err)
	}
	*outBox = C.uintptr_t(cgo.NewHandle(b))
	return resultSuccess
}

//export proteusbox_close
func proteusbox_close(h C.uintptr_t) {
	cgo.Handle(h).Delete()
}

//export proteusbox_identity_copy
func proteusbox_identity_copy(h C.uintptr_t, outBuf *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	*outBuf = newByteBuffer(append([]byte(nil), b.Identity().Public...))
	return resultSuccess
}

//export proteusbox_new_prekey
func proteusbox_new_prekey(h C.uintptr_t, id C.uint16_t, outBuf *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	bundle, err := b.NewPreKey(proteus.PreKeyID(id))
	if err != nil {
		return resultFor(err)
	}
	*outBuf = newByteBuffer(bundle.Serialize())
	return resultSuccess
}

//export proteusbox_session_init_from_prekey
func proteusbox_session_init_from_prekey(h C.uintptr_t, cSid *C.char, prekey *C.uint8_t, prekeyLen C.uint32_t, outSession *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	sid, err := goString(cSid)
	if err != nil {
		return resultNulError
	}
	raw := C.GoBytes(unsafe.Pointer(prekey), C.int(prekeyLen))
	sess, err := b.SessionFromPreKey(sid, raw)
	if err != nil {
		return resultFor(err)
	}
	*outSession = C.uintptr_t(cgo.NewHandle(sess))
	return resultSuccess
}

//export proteusbox_session_init_from_message
func proteusbox_session_init_from_message(h C.uintptr_t, cSid *C.char, cipher *C.uint8_t, cipherLen C.uint32_t, outSession *C.uintptr_t, outPlain *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	sid, err := goString(cSid)
	if err != nil {
		return resultNulError
	}
	raw := C.GoBytes(unsafe.Pointer(cipher), C.int(cipherLen))
	sess, plaintext, err := b.SessionFromMessage(sid, raw)
	if err != nil {
		return resultFor(err)
	}
	*outSession = C.uintptr_t(cgo.NewHandle(sess))
	*outPlain = newByteBuffer(plaintext)
	return resultSuccess
}

//export proteusbox_session_load
func proteusbox_session_load(h C.uintptr_t, cSid *C.char, outSession *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	sid, err := goString(cSid)
	if err != nil {
		return resultNulError
	}
	sess, err := b.SessionLoad(sid)
	if err != nil {
		return resultFor(err)
	}
	if sess == nil {
		return resultSessionNotFound
	}
	*outSession = C.uintptr_t(cgo.NewHandle(sess))
	return resultSuccess
}

//export proteusbox_session_id
func proteusbox_session_id(sessionHandle C.uintptr_t) *C.char {
	sess := cgo.Handle(sessionHandle).Value().(*session.Session)
	return C.CString(sess.Identifier())
}

//export proteusbox_free_string
func proteusbox_free_string(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export proteusbox_session_save
func proteusbox_session_save(h C.uintptr_t, sessionHandle C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	sess := cgo.Handle(sessionHandle).Value().(*session.Session)
	if err := b.SessionSave(sess); err != nil {
		return resultFor(err)
	}
	return resultSuccess
}

//export proteusbox_session_delete
func proteusbox_session_delete(h C.uintptr_t, cSid *C.char) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	sid, err := goString(cSid)
	if err != nil {
		return resultNulError
	}
	if err := b.SessionDelete(sid); err != nil {
		return resultFor(err)
	}
	return resultSuccess
}

//export proteusbox_session_close
func proteusbox_session_close(sessionHandle C.uintptr_t) {
	handle := cgo.Handle(sessionHandle)
	sess := handle.Value().(*session.Session)
	sess.Close()
	handle.Delete()
}

//export proteusbox_encrypt
func proteusbox_encrypt(sessionHandle C.uintptr_t, plain *C.uint8_t, plainLen C.uint32_t, outCipher *C.uintptr_t) C.int {
	sess := cgo.Handle(sessionHandle).Value().(*session.Session)
	raw := C.GoBytes(unsafe.Pointer(plain), C.int(plainLen))
	env, err := sess.Encrypt(raw)
	if err != nil {
		return resultFor(err)
	}
	*outCipher = newByteBuffer(env)
	return resultSuccess
}

//export proteusbox_decrypt
func proteusbox_decrypt(sessionHandle C.uintptr_t, cipher *C.uint8_t, cipherLen C.uint32_t, outPlain *C.uintptr_t) C.int {
	sess := cgo.Handle(sessionHandle).Value().(*session.Session)
	raw := C.GoBytes(unsafe.Pointer(cipher), C.int(cipherLen))
	plain, err := sess.Decrypt(raw)
	if err != nil {
		return resultFor(err)
	}
	*outPlain = newByteBuffer(plain)
	return resultSuccess
}

//export proteusbox_fingerprint_local
func proteusbox_fingerprint_local(h C.uintptr_t, outBuf *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	*outBuf = newByteBuffer([]byte(b.Fingerprint()))
	return resultSuccess
}

//export proteusbox_fingerprint_remote
func proteusbox_fingerprint_remote(sessionHandle C.uintptr_t, outBuf *C.uintptr_t) C.int {
	sess := cgo.Handle(sessionHandle).Value().(*session.Session)
	*outBuf = newByteBuffer([]byte(sess.FingerprintRemote()))
	return resultSuccess
}

//export proteusbox_random_bytes
func proteusbox_random_bytes(h C.uintptr_t, n C.uint32_t, outBuf *C.uintptr_t) C.int {
	b := cgo.Handle(h).Value().(*box.Box)
	data, err := b.RandomBytes(int(n))
	if err != nil {
		return resultStorageError
	}
	*outBuf = newByteBuffer(data)
	return resultSuccess
}

//export proteusbox_byte_buffer_data
func proteusbox_byte_buffer_data(bufHandle C.uintptr_t) *C.uint8_t {
	buf := cgo.Handle(bufHandle).Value().(byteBuffer)
	if len(buf.data) == 0 {
		return nil
	}
	return (*C.uint8_t)(unsafe.Pointer(&buf.data[0]))
}

//export proteusbox_byte_buffer_len
func proteusbox_byte_buffer_len(bufHandle C.uintptr_t) C.uint32_t {
	buf := cgo.Handle(bufHandle).Value().(byteBuffer)
	return C.uint32_t(len(buf.data))
}

//export proteusbox_byte_buffer_free
func proteusbox_byte_buffer_free(bufHandle C.uintptr_t) {
	cgo.Handle(bufHandle).Delete()
}

func main() {}
