package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"cloneprotocol/storage"
)

// Manager is a journaled view over a storage.Database. Writes are buffered
// until Commit flushes them as one atomic batch; Discard drops them. Reads
// observe buffered writes first.
type Manager struct {
	db storage.Database

	mu      sync.Mutex
	pending map[string]journalEntry
}

type journalEntry struct {
	value   []byte
	deleted bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string]journalEntry)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut RLP-encodes value and stages it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pending[string(kvKey(key))] = journalEntry{value: encoded}
	m.mu.Unlock()
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete stages the removal of key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	m.pending[string(kvKey(key))] = journalEntry{deleted: true}
	m.mu.Unlock()
	return nil
}

func (m *Manager) get(hashed []byte) ([]byte, bool, error) {
	m.mu.Lock()
	entry, staged := m.pending[string(hashed)]
	m.mu.Unlock()
	if staged {
		if entry.deleted {
			return nil, false, nil
		}
		return entry.value, true, nil
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

// Dirty reports the number of staged writes.
func (m *Manager) Dirty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Commit flushes staged writes in key order. The journal is cleared whether
// or not the backend accepts the batch.
func (m *Manager) Commit() error {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]journalEntry)
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writes := make([]storage.Write, 0, len(keys))
	for _, k := range keys {
		entry := pending[k]
		writes = append(writes, storage.Write{Key: []byte(k), Value: entry.value, Delete: entry.deleted})
	}
	if err := m.db.Apply(writes); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops every staged write.
func (m *Manager) Discard() {
	m.mu.Lock()
	m.pending = make(map[string]journalEntry)
	m.mu.Unlock()
}
