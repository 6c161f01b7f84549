package receipt

import (
	"fmt"
	"sync"
	"time"
)

// MemoryDB implements the DB interface with process-local maps.
// The mutex only keeps the maps consistent under concurrent requests;
// concurrent writers to one session ID still race and the last one wins.
type MemoryDB struct {
	mu       sync.RWMutex
	sessions map[string]*SessionBundle
	payments map[string]time.Time
	uploads  map[string]uploadEntry
}

// NewMemoryDB creates an empty MemoryDB
func NewMemoryDB() *MemoryDB {
	return NewMemoryDBWithMap(make(map[string]*SessionBundle))
}

// NewMemoryDBWithMap creates a MemoryDB backed by the given session map
func NewMemoryDBWithMap(sessions map[string]*SessionBundle) *MemoryDB {
	return &MemoryDB{
		sessions: sessions,
		payments: make(map[string]time.Time),
		uploads:  make(map[string]uploadEntry),
	}
}

// SaveSession stores a copy of the bundle
func (m *MemoryDB) SaveSession(bundle *SessionBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[bundle.SessionID] = bundle.clone()
	return nil
}

// GetSession returns a copy of the stored bundle
func (m *MemoryDB) GetSession(id string) (*SessionBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bundle, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return bundle.clone(), nil
}

// ListSessions returns copies of all stored bundles
func (m *MemoryDB) ListSessions() ([]*SessionBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bundles := make([]*SessionBundle, 0, len(m.sessions))
	for _, b := range m.sessions {
		bundles = append(bundles, b.clone())
	}
	return bundles, nil
}

// DeleteSession removes the bundle if present
func (m *MemoryDB) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// ConfirmPaymentSession records the payment session ID as confirmed
func (m *MemoryDB) ConfirmPaymentSession(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id] = at
	return nil
}

// IsPaymentSessionConfirmed reports whether the payment session ID was confirmed
func (m *MemoryDB) IsPaymentSessionConfirmed(id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.payments[id]
	return ok, nil
}

// RegisterUpload records the key issued for recordID
func (m *MemoryDB) RegisterUpload(recordID, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[recordID] = uploadEntry{Key: key, CreatedAt: at}
	return nil
}

// UploadKey returns the key issued for recordID
func (m *MemoryDB) UploadKey(recordID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uploads[recordID].Key, nil
}

// DeleteUpload forgets recordID
func (m *MemoryDB) DeleteUpload(recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, recordID)
	return nil
}

// PruneUploads forgets stale registrations that keep does not claim
func (m *MemoryDB) PruneUploads(before time.Time, keep func(recordID string) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, entry := range m.uploads {
		if !entry.CreatedAt.Before(before) || (keep != nil && keep(id)) {
			continue
		}
		delete(m.uploads, id)
		removed++
	}
	return removed, nil
}

// Close is a no-op
func (m *MemoryDB) Close() error {
	return nil
}
