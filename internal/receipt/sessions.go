package receipt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"
)

// DefaultSessionTTL is how long a stored session survives after Put
const DefaultSessionTTL = 30 * time.Minute

// SessionStore holds receipt sessions for a bounded window between checkout
// and download. Expiry is enforced on read, the sweeper only reclaims space.
type SessionStore struct {
	db         DB
	storage    Storage
	timeSource TimeSource
	ttl        time.Duration
}

// NewSessionStore creates a SessionStore with the wall clock and default TTL
func NewSessionStore(db DB, storage Storage) *SessionStore {
	return NewSessionStoreWithDeps(db, storage, &defaultTimeSource{}, DefaultSessionTTL)
}

// NewSessionStoreWithDeps creates a SessionStore with custom dependencies for testing.
// storage may be nil when no originals are kept.
func NewSessionStoreWithDeps(db DB, storage Storage, timeSrc TimeSource, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		db:         db,
		storage:    storage,
		timeSource: timeSrc,
		ttl:        ttl,
	}
}

// TTL returns the session window length
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// Put stores a snapshot of receipts under sessionID, replacing any existing
// bundle and restarting its window. File paths are taken as owned uploads;
// client-supplied records go through Service.ownUploads first.
func (s *SessionStore) Put(sessionID, paymentReference string, receipts []Record) (*SessionBundle, error) {
	if sessionID == "" {
		return nil, invalid("sessionId", "Session ID is required")
	}

	now := s.timeSource.Now()
	bundle := &SessionBundle{
		SessionID:        sessionID,
		PaymentReference: paymentReference,
		Receipts:         cloneRecords(receipts),
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if bundle.Receipts == nil {
		bundle.Receipts = []Record{}
	}

	if err := s.db.SaveSession(bundle); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	slog.Info("Stored session", "session_id", sessionID, "receipts", len(receipts), "expires_at", bundle.ExpiresAt)
	return bundle.clone(), nil
}

// Get returns the bundle while it is inside its window. An expired bundle is
// deleted and reported exactly like a missing one.
func (s *SessionStore) Get(sessionID string) (*SessionBundle, error) {
	bundle, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	if bundle.expired(s.timeSource.Now()) {
		if err := s.remove(bundle); err != nil {
			slog.Warn("Failed to delete expired session", "session_id", sessionID, "error", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	return bundle, nil
}

// Delete removes the bundle and its uploaded originals. Unknown IDs are ignored.
func (s *SessionStore) Delete(sessionID string) error {
	bundle, err := s.db.GetSession(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting session for deletion: %w", err)
	}
	return s.remove(bundle)
}

// ConfirmPayment records the confirmed payment reference on a live bundle
// without moving its window
func (s *SessionStore) ConfirmPayment(sessionID, paymentReference string) error {
	bundle, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	bundle.PaymentReference = paymentReference
	if err := s.db.SaveSession(bundle); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Live returns every bundle still inside its window
func (s *SessionStore) Live() ([]*SessionBundle, error) {
	bundles, err := s.db.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	now := s.timeSource.Now()
	live := make([]*SessionBundle, 0, len(bundles))
	for _, b := range bundles {
		if !b.expired(now) {
			live = append(live, b)
		}
	}
	return live, nil
}

// Sweep evicts every expired bundle and prunes uploaded originals older than
// the window that no live bundle references. It returns the number of
// evicted bundles.
func (s *SessionStore) Sweep() (int, error) {
	bundles, err := s.db.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	now := s.timeSource.Now()
	referenced := make(map[string]bool)
	referencedIDs := make(map[string]bool)
	evicted := 0
	for _, b := range bundles {
		if !b.expired(now) {
			for _, r := range b.Receipts {
				if r.FilePath != "" {
					referenced[r.FilePath] = true
					referencedIDs[r.ID] = true
				}
			}
			continue
		}
		if err := s.remove(b); err != nil {
			slog.Warn("Failed to evict session", "session_id", b.SessionID, "error", err)
			continue
		}
		evicted++
	}

	forgotten, err := s.db.PruneUploads(now.Add(-s.ttl), func(recordID string) bool {
		return referencedIDs[recordID]
	})
	if err != nil {
		return evicted, fmt.Errorf("pruning upload registry: %w", err)
	}
	if forgotten > 0 {
		slog.Debug("Forgot stale uploads", "count", forgotten)
	}

	if s.storage != nil {
		pruned, err := s.storage.Prune(now.Add(-s.ttl), func(path string) bool {
			return referenced[path]
		})
		if err != nil {
			return evicted, fmt.Errorf("pruning uploads: %w", err)
		}
		if pruned > 0 {
			slog.Info("Pruned uploads", "count", pruned)
		}
	}

	return evicted, nil
}

// RunSweeper calls Sweep every interval until ctx is done. A non-positive
// interval disables sweeping.
func (s *SessionStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		slog.Info("Session sweeper disabled", "interval", interval)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := s.Sweep()
			if err != nil {
				slog.Error("Session sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				slog.Info("Evicted expired sessions", "count", evicted)
			}
		}
	}
}

func (s *SessionStore) remove(bundle *SessionBundle) error {
	if err := s.db.DeleteSession(bundle.SessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	for _, r := range bundle.Receipts {
		if r.FilePath == "" {
			continue
		}
		if s.storage != nil {
			if err := s.storage.Delete(r.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("Failed to delete file", "filename", r.FilePath, "error", err)
				continue
			}
		}
		if err := s.db.DeleteUpload(r.ID); err != nil {
			slog.Warn("Failed to forget upload", "record_id", r.ID, "error", err)
		}
	}
	return nil
}
