package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps credentials in a mutex-guarded map and mirrors every
// mutation into an encrypted snapshot file. The in-memory map is the source
// of truth while the process lives; the snapshot only has to survive
// restarts. Disk failures are logged and degrade to memory-only operation,
// never crash the broker.
type FileStore struct {
	mutex   sync.Mutex
	entries map[string]Credentials
	cipher  *SnapshotCipher
	path    string
	logger  *zap.Logger
}

// NewFileStore builds the store and loads any existing snapshot. A missing or
// corrupt snapshot yields an empty store.
func NewFileStore(path string, storageKey []byte, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshotCipher, cipherErr := NewSnapshotCipher(storageKey)
	if cipherErr != nil {
		return nil, fmt.Errorf("credstore.file.new: %w", cipherErr)
	}
	store := &FileStore{
		entries: make(map[string]Credentials),
		cipher:  snapshotCipher,
		path:    path,
		logger:  logger,
	}
	store.load()
	return store, nil
}

// Get returns the credentials stored for the identity.
func (store *FileStore) Get(ctx context.Context, userUID string) (Credentials, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	credentials, ok := store.entries[userUID]
	if !ok {
		return Credentials{}, ErrCredentialNotFound
	}
	return credentials, nil
}

// Put overwrites the record for the identity and persists the snapshot.
func (store *FileStore) Put(ctx context.Context, userUID string, credentials Credentials) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[userUID] = credentials
	store.persistLocked()
	return nil
}

// Delete removes the record for the identity, if any, and persists.
func (store *FileStore) Delete(ctx context.Context, userUID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.entries[userUID]; !ok {
		return nil
	}
	delete(store.entries, userUID)
	store.persistLocked()
	return nil
}

// Count reports how many identities have stored credentials.
func (store *FileStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}

func (store *FileStore) load() {
	sealed, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			store.logger.Info("no credentials snapshot, starting fresh",
				zap.String("path", store.path))
			return
		}
		store.logger.Error("reading credentials snapshot",
			zap.String("code", "credstore.file.read"),
			zap.Error(readErr))
		return
	}
	plaintext, openErr := store.cipher.Open(sealed)
	if openErr != nil {
		store.logger.Error("decrypting credentials snapshot, starting fresh",
			zap.String("code", "credstore.file.decrypt"),
			zap.Error(openErr))
		return
	}
	entries := make(map[string]Credentials)
	if unmarshalErr := json.Unmarshal(plaintext, &entries); unmarshalErr != nil {
		store.logger.Error("decoding credentials snapshot, starting fresh",
			zap.String("code", "credstore.file.decode"),
			zap.Error(unmarshalErr))
		return
	}
	store.entries = entries
	store.logger.Info("loaded credentials snapshot",
		zap.String("path", store.path),
		zap.Int("count", len(entries)))
}

func (store *FileStore) persistLocked() {
	plaintext, marshalErr := json.Marshal(store.entries)
	if marshalErr != nil {
		store.logger.Error("encoding credentials snapshot",
			zap.String("code", "credstore.file.encode"),
			zap.Error(marshalErr))
		return
	}
	sealed, sealErr := store.cipher.Seal(plaintext)
	if sealErr != nil {
		store.logger.Error("encrypting credentials snapshot",
			zap.String("code", "credstore.file.encrypt"),
			zap.Error(sealErr))
		return
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(store.path), 0o700); mkdirErr != nil {
		store.logger.Error("creating snapshot directory",
			zap.String("code", "credstore.file.mkdir"),
			zap.Error(mkdirErr))
		return
	}
	if writeErr := os.WriteFile(store.path, sealed, 0o600); writeErr != nil {
		store.logger.Error("writing credentials snapshot",
			zap.String("code", "credstore.file.write"),
			zap.Error(writeErr))
	}
}
