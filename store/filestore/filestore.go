// Package filestore implements store.Store on top of a plain
// directory tree, using atomic rename for durability the way the
// reference file-backed store this design is modeled on does.
package filestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/proteusbox/proteusbox/identity"
	"github.com/proteusbox/proteusbox/proteus"
	"github.com/proteusbox/proteusbox/store"
)

const (
	sessionsDirName  = "sessions"
	preKeysDirName   = "prekeys"
	identitiesDirName = "identities"
	versionFileName  = "version"

	identityFileName       = "local"
	legacyIdentityFileName = "local_identity"
)

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger attaches a logger. The only event FileStore logs is a
// completed legacy-identity migration, at warn level.
func WithLogger(l zerolog.Logger) Option {
	return func(fs *FileStore) { fs.log = l }
}

// WithSyncSessions forces an fsync after every session write. Off by
// default: a torn session file is recoverable by treating it as
// absent, so the extra durability isn't required.
func WithSyncSessions(sync bool) Option {
	return func(fs *FileStore) { fs.syncSessions = sync }
}

// FileStore is the reference store.Store implementation: every record
// is one file, written via create-temp-then-rename so a crash mid
// write never corrupts the target.
type FileStore struct {
	rootDir      string
	sessionDir   string
	preKeyDir    string
	identityDir  string
	syncSessions bool
	log          zerolog.Logger
}

var _ store.Store = (*FileStore)(nil)

// Open creates (if necessary) the directory layout rooted at root and
// runs any pending format migrations.
func Open(root string, opts ...Option) (*FileStore, error) {
	fs := &FileStore{
		rootDir:     root,
		sessionDir:  filepath.Join(root, sessionsDirName),
		preKeyDir:   filepath.Join(root, preKeysDirName),
		identityDir: filepath.Join(root, identitiesDirName),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(fs)
	}

	for _, dir := range []string{fs.sessionDir, fs.preKeyDir, fs.identityDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, storageErr("create directory", err)
		}
	}

	version, present, err := fs.readVersion()
	if err != nil {
		return nil, err
	}
	if !present {
		version = 0
	}
	if version < store.CurrentFormatVersion {
		if err := fs.migrate(version); err != nil {
			return nil, err
		}
		if err := fs.writeVersion(store.CurrentFormatVersion); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// migrate runs every format upgrade strictly greater than from, in
// order. Version 0 -> 1 recognizes the pre-tagged-Identity on-disk
// layout (a bare serialized IdentityKeyPair under a differently named
// file) and rewrites it as a tagged Secret Identity.
func (fs *FileStore) migrate(from uint16) error {
	if from < 1 {
		if err := fs.migrateLegacyIdentity(); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileStore) migrateLegacyIdentity() error {
	currentPath := filepath.Join(fs.identityDir, identityFileName)
	if exists(currentPath) {
		return nil
	}
	legacyPath := filepath.Join(fs.identityDir, legacyIdentityFileName)
	raw, err := loadFile(legacyPath)
	if err != nil {
		return storageErr("read legacy identity", err)
	}
	if raw == nil {
		return nil
	}

	kp, err := proteus.DeserializeIdentityKeyPair(raw)
	if err != nil {
		return storageErr("decode legacy identity", err)
	}
	id := identity.FromKeyPair(kp)
	data, err := id.Serialize()
	if err != nil {
		return storageErr("encode migrated identity", err)
	}
	if err := atomicSave(currentPath, data, true); err != nil {
		return storageErr("write migrated identity", err)
	}
	if err := removeFile(legacyPath); err != nil {
		return storageErr("remove legacy identity", err)
	}
	fs.log.Warn().Str("path", legacyPath).Msg("migrated legacy identity record to tagged format")
	return nil
}

func (fs *FileStore) readVersion() (uint16, bool, error) {
	data, err := loadFile(filepath.Join(fs.rootDir, versionFileName))
	if err != nil {
		return 0, false, storageErr("read version", err)
	}
	if data == nil {
		return 0, false, nil
	}
	if len(data) != 2 {
		return 0, false, storageErr("read version", fmt.Errorf("expected 2 bytes, got %d", len(data)))
	}
	return binary.BigEndian.Uint16(data), true, nil
}

func (fs *FileStore) writeVersion(v uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	if err := atomicSave(filepath.Join(fs.rootDir, versionFileName), buf, true); err != nil {
		return storageErr("write version", err)
	}
	return nil
}

// LoadIdentity returns the single stored identity record, or nil if
// the store has never held one.
func (fs *FileStore) LoadIdentity() (*identity.Identity, error) {
	data, err := loadFile(filepath.Join(fs.identityDir, identityFileName))
	if err != nil {
		return nil, storageErr("load identity", err)
	}
	if data == nil {
		return nil, nil
	}
	id, err := identity.Deserialize(data)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// SaveIdentity atomically overwrites the identity record. Always
// fsynced: losing this record loses the local long-term key.
func (fs *FileStore) SaveIdentity(id identity.Identity) error {
	data, err := id.Serialize()
	if err != nil {
		return err
	}
	if err := atomicSave(filepath.Join(fs.identityDir, identityFileName), data, true); err != nil {
		return storageErr("save identity", err)
	}
	return nil
}

// LoadSession deserializes a session's stored state, binding it to
// localIdentity as DeserializeSession requires.
func (fs *FileStore) LoadSession(localIdentity *proteus.IdentityKeyPair, sessionID string) (*proteus.Session, error) {
	data, err := loadFile(filepath.Join(fs.sessionDir, sessionID))
	if err != nil {
		return nil, storageErr("load session", err)
	}
	if data == nil {
		return nil, nil
	}
	return proteus.DeserializeSession(localIdentity, data)
}

// SaveSession atomically overwrites a session's stored state.
func (fs *FileStore) SaveSession(sessionID string, data []byte) error {
	if err := atomicSave(filepath.Join(fs.sessionDir, sessionID), data, fs.syncSessions); err != nil {
		return storageErr("save session", err)
	}
	return nil
}

// DeleteSession removes a session's stored state. Deleting an absent
// session is success.
func (fs *FileStore) DeleteSession(sessionID string) error {
	if err := removeFile(filepath.Join(fs.sessionDir, sessionID)); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// LoadPreKey returns a stored prekey by id, or nil if absent.
func (fs *FileStore) LoadPreKey(id proteus.PreKeyID) (*proteus.PreKey, error) {
	data, err := loadFile(fs.preKeyPath(id))
	if err != nil {
		return nil, storageErr("load prekey", err)
	}
	if data == nil {
		return nil, nil
	}
	return proteus.DeserializePreKey(data)
}

// AddPreKey atomically and durably writes a prekey.
func (fs *FileStore) AddPreKey(pk *proteus.PreKey) error {
	if err := atomicSave(fs.preKeyPath(pk.ID), pk.Serialize(), true); err != nil {
		return storageErr("add prekey", err)
	}
	return nil
}

// DeletePreKey removes a prekey by id. Deleting an absent prekey is
// success; deleting the last-resort id is a silent no-op, since it
// must never be removed regardless of what the ratchet reports.
func (fs *FileStore) DeletePreKey(id proteus.PreKeyID) error {
	if id == proteus.LastResortPreKeyID {
		return nil
	}
	if err := removeFile(fs.preKeyPath(id)); err != nil {
		return storageErr("delete prekey", err)
	}
	return nil
}

func (fs *FileStore) preKeyPath(id proteus.PreKeyID) string {
	return filepath.Join(fs.preKeyDir, fmt.Sprintf("%d", id))
}

// SessionIDs lists every session id currently on disk, for tools that
// need to enumerate a store without already knowing its session ids.
func (fs *FileStore) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(fs.sessionDir)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// --- filesystem primitives --------------------------------------------------

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// atomicSave writes data to a sibling .tmp file, optionally fsyncs it,
// renames it over path, and optionally fsyncs the containing
// directory so the rename itself is durable.
func atomicSave(path string, data []byte, sync bool) error {
	tmp := path + ".tmp"
	if err := writeFile(tmp, data, sync); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	if sync {
		if err := syncDir(filepath.Dir(path)); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, data []byte, sync bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if sync {
		return f.Sync()
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func storageErr(op string, cause error) error {
	return &store.StorageError{Op: op, Cause: cause}
}
