package brokerkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPendingNotFound indicates the nonce was never issued or was already consumed.
	ErrPendingNotFound = errors.New("pending.not_found")
	// ErrPendingExpired indicates the transaction outlived the login window.
	ErrPendingExpired = errors.New("pending.expired")
)

// PendingAuthorization correlates a browser-initiated login with the
// redirect-based callback that completes it. Entries live only in process
// memory; losing them on restart just forces a re-login.
type PendingAuthorization struct {
	Nonce        string
	CodeVerifier string
	UserUID      string
	AppToken     string
	CreatedAt    time.Time
}

// PendingStore tracks in-flight login transactions keyed by nonce. The
// interface is storage-agnostic so a multi-instance deployment can swap in a
// shared store.
type PendingStore interface {
	// Create inserts a transaction, overwriting silently on nonce collision.
	Create(ctx context.Context, authorization PendingAuthorization) error
	// Consume atomically looks up and removes the transaction. A second
	// consume of the same nonce fails, which is the replay protection.
	Consume(ctx context.Context, nonce string) (PendingAuthorization, error)
}

// NewNonce returns a fresh transaction nonce.
func NewNonce() string {
	return uuid.NewString()
}

type memoryPendingStore struct {
	mutex   sync.Mutex
	entries map[string]PendingAuthorization
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryPendingStore constructs an in-memory PendingStore. Expired entries
// are swept lazily on every Create; the table is bounded by concurrent login
// attempts, so no background timer is needed.
func NewMemoryPendingStore(ttl time.Duration) PendingStore {
	return &memoryPendingStore{
		entries: make(map[string]PendingAuthorization),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *memoryPendingStore) Create(ctx context.Context, authorization PendingAuthorization) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if authorization.CreatedAt.IsZero() {
		authorization.CreatedAt = store.now()
	}
	store.sweepExpiredLocked()
	store.entries[authorization.Nonce] = authorization
	return nil
}

func (store *memoryPendingStore) Consume(ctx context.Context, nonce string) (PendingAuthorization, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	authorization, ok := store.entries[nonce]
	if !ok {
		return PendingAuthorization{}, ErrPendingNotFound
	}
	delete(store.entries, nonce)
	// Age is checked here as well, so an expired transaction is unreachable
	// even if no sweep ran since it aged out.
	if store.now().Sub(authorization.CreatedAt) > store.ttl {
		return PendingAuthorization{}, ErrPendingExpired
	}
	return authorization, nil
}

func (store *memoryPendingStore) sweepExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for nonce, authorization := range store.entries {
		if now.Sub(authorization.CreatedAt) > store.ttl {
			delete(store.entries, nonce)
		}
	}
}
