// Package shard implements the per-user state store. Each user address owns
// one logical shard holding recipients, schedules, transaction history and
// login-nonce state; all writes to a shard are serialized.
package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

var (
	// ErrNotFound indicates the addressed record does not exist in the shard.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a uniqueness violation within the shard.
	ErrDuplicate = errors.New("duplicate")
	// ErrNoNonce indicates signature verification was attempted without an outstanding nonce.
	ErrNoNonce = errors.New("no nonce issued")
	// ErrNonceExpired indicates the outstanding nonce outlived its window and was cleared.
	ErrNonceExpired = errors.New("nonce expired")
	// ErrInvalidSignature indicates the signature does not recover to the shard's address.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrAmbiguous indicates a name query matched more than one recipient.
	ErrAmbiguous = errors.New("ambiguous recipient")
)

var (
	bucketUsers        = []byte("users")
	bucketRecipients   = []byte("recipients")
	bucketSchedules    = []byte("schedules")
	bucketTransactions = []byte("transactions")
	bucketAuth         = []byte("auth")

	keyNonce = []byte("nonce")
)

// Manager owns the backing database and hands out per-user shard handles.
// Two requests addressing the same user always receive the same handle, so
// the handle's mutex gives the single-writer guarantee.
type Manager struct {
	db     *bolt.DB
	mu     sync.Mutex
	shards map[string]*Shard
	logger logger.Logger
}

// Open opens (or creates) the shard database under dataDir. timeout bounds
// how long the open waits for the database file lock.
func Open(dataDir string, timeout time.Duration, log logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %v", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(filepath.Join(dataDir, "shards.db"), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open shard database: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUsers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize shard database: %v", err)
	}

	return &Manager{
		db:     db,
		shards: make(map[string]*Shard),
		logger: log,
	}, nil
}

// Close closes the backing database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Shard returns the shard handle for a user address. The address is
// lowercased first so every spelling of the same account reaches the
// same shard.
func (m *Manager) Shard(address string) (*Shard, error) {
	if !models.IsValidAddress(address) {
		return nil, fmt.Errorf("invalid user address: %s", address)
	}
	addr := models.NormalizeAddress(address)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.shards[addr]; ok {
		return s, nil
	}

	s := &Shard{addr: addr, db: m.db, logger: m.logger}
	m.shards[addr] = s
	return s, nil
}

// Shard serializes all state operations for a single user address.
type Shard struct {
	addr   string
	db     *bolt.DB
	mu     sync.Mutex
	logger logger.Logger
}

// Address returns the lowercased user address owning this shard.
func (s *Shard) Address() string {
	return s.addr
}

// userBucket returns the per-user bucket inside a write transaction,
// creating it and its sub-buckets on first use.
func (s *Shard) userBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	users := tx.Bucket(bucketUsers)
	if users == nil {
		return nil, fmt.Errorf("users bucket missing")
	}
	user, err := users.CreateBucketIfNotExists([]byte(s.addr))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{bucketRecipients, bucketSchedules, bucketTransactions, bucketAuth} {
		if _, err := user.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// view runs fn against the user's bucket in a read transaction. A user that
// has never been written to reads as empty.
func (s *Shard) view(fn func(user *bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users == nil {
			return nil
		}
		user := users.Bucket([]byte(s.addr))
		if user == nil {
			return nil
		}
		return fn(user)
	})
}

// update runs fn against the user's bucket in a write transaction while
// holding the shard mutex.
func (s *Shard) update(fn func(user *bolt.Bucket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		user, err := s.userBucket(tx)
		if err != nil {
			return err
		}
		return fn(user)
	})
}
