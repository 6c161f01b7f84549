package receipt

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	sessionBucketName = "sessions"
	paymentBucketName = "payments"
	uploadBucketName  = "uploads"
)

// uploadEntry is the storage key issued to an uploaded record
type uploadEntry struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

// DB defines the interface for the session backing store
type DB interface {
	// SaveSession inserts or replaces a session bundle
	SaveSession(bundle *SessionBundle) error

	// GetSession retrieves a session bundle by ID, regardless of expiry
	GetSession(id string) (*SessionBundle, error)

	// ListSessions returns all stored session bundles
	ListSessions() ([]*SessionBundle, error)

	// DeleteSession removes a session bundle; missing IDs are not an error
	DeleteSession(id string) error

	// ConfirmPaymentSession records a payment session confirmed by webhook
	ConfirmPaymentSession(id string, at time.Time) error

	// IsPaymentSessionConfirmed reports whether a webhook confirmed the payment session
	IsPaymentSessionConfirmed(id string) (bool, error)

	// RegisterUpload records the storage key issued for an uploaded record
	RegisterUpload(recordID, key string, at time.Time) error

	// UploadKey returns the storage key issued for recordID, or "" if none was
	UploadKey(recordID string) (string, error)

	// DeleteUpload forgets the upload issued for recordID
	DeleteUpload(recordID string) error

	// PruneUploads forgets uploads registered before the cutoff unless keep
	// reports their record ID. It returns the number forgotten.
	PruneUploads(before time.Time, keep func(recordID string) bool) (int, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
// Bundles outlive a process restart, but each instance still has its own file.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionBucketName, paymentBucketName, uploadBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveSession saves a session bundle to the database
func (b *BoltDB) SaveSession(bundle *SessionBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Put([]byte(bundle.SessionID), data)
	})
}

// GetSession retrieves a session bundle by ID
func (b *BoltDB) GetSession(id string) (*SessionBundle, error) {
	var bundle *SessionBundle
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return json.Unmarshal(data, &bundle)
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// ListSessions returns all session bundles
func (b *BoltDB) ListSessions() ([]*SessionBundle, error) {
	bundles := make([]*SessionBundle, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).ForEach(func(k, v []byte) error {
			var bundle SessionBundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return fmt.Errorf("unmarshaling session %s: %w", k, err)
			}
			bundles = append(bundles, &bundle)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

// DeleteSession removes a session bundle from the database
func (b *BoltDB) DeleteSession(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Delete([]byte(id))
	})
}

// ConfirmPaymentSession stores the confirmation time keyed by payment session ID
func (b *BoltDB) ConfirmPaymentSession(id string, at time.Time) error {
	stamp, err := at.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("marshaling confirmation time: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(paymentBucketName)).Put([]byte(id), stamp)
	})
}

// IsPaymentSessionConfirmed reports whether the payment session was confirmed
func (b *BoltDB) IsPaymentSessionConfirmed(id string) (bool, error) {
	var confirmed bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		confirmed = tx.Bucket([]byte(paymentBucketName)).Get([]byte(id)) != nil
		return nil
	})
	return confirmed, err
}

// RegisterUpload stores the issued key keyed by record ID
func (b *BoltDB) RegisterUpload(recordID, key string, at time.Time) error {
	data, err := json.Marshal(uploadEntry{Key: key, CreatedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshaling upload: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(uploadBucketName)).Put([]byte(recordID), data)
	})
}

// UploadKey returns the key issued for recordID
func (b *BoltDB) UploadKey(recordID string) (string, error) {
	var entry uploadEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(uploadBucketName)).Get([]byte(recordID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", fmt.Errorf("reading upload %s: %w", recordID, err)
	}
	return entry.Key, nil
}

// DeleteUpload removes the registration for recordID
func (b *BoltDB) DeleteUpload(recordID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(uploadBucketName)).Delete([]byte(recordID))
	})
}

// PruneUploads removes registrations older than before that keep does not claim
func (b *BoltDB) PruneUploads(before time.Time, keep func(recordID string) bool) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(uploadBucketName))

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var entry uploadEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling upload %s: %w", k, err)
			}
			if entry.CreatedAt.Before(before) && (keep == nil || !keep(string(k))) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
