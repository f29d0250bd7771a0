package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSubscribers = []byte("subscribers")
	bucketRetained    = []byte("retained")
)

// DefaultFileName is the database file created in the data directory
const DefaultFileName = "beacon.db"

// retainedEvent is the stored form of an event
type retainedEvent struct {
	Type      uint32    `json:"type"`
	Source    uint32    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, DefaultFileName))
}

// OpenBoltStore opens or creates the database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSubscribers, bucketRetained} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Subscriber operations

// SaveSubscriber creates or updates a subscriber record. CreatedAt of an
// existing record is preserved.
func (s *BoltStore) SaveSubscriber(sub *Subscriber) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)

		rec := *sub
		if data := b.Get([]byte(sub.Name)); data != nil {
			var old Subscriber
			if err := json.Unmarshal(data, &old); err == nil && !old.CreatedAt.IsZero() {
				rec.CreatedAt = old.CreatedAt
			}
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = time.Now()
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) GetSubscriber(name string) (*Subscriber, error) {
	var sub Subscriber
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("subscriber %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) ListSubscribers() ([]*Subscriber, error) {
	var subs []*Subscriber
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		return b.ForEach(func(k, v []byte) error {
			var sub Subscriber
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	return subs, err
}

func (s *BoltStore) DeleteSubscriber(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		return b.Delete([]byte(name))
	})
}

// Retention operations

// Retain appends events, in order, to the retained bucket
func (s *BoltStore) Retain(batch []*events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetained)
		for _, e := range batch {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(retainedEvent{
				Type:      uint32(e.Type()),
				Source:    e.Source(),
				Timestamp: e.Timestamp(),
				Payload:   e.Payload(),
			})
			if err != nil {
				return err
			}
			if err := b.Put(sequenceKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Retained returns the retained events in the order they were retained
func (s *BoltStore) Retained() ([]*events.Event, error) {
	var out []*events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetained)
		return b.ForEach(func(k, v []byte) error {
			var rec retainedEvent
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt retained event %x: %w", k, err)
			}
			out = append(out, events.New(events.TypeID(rec.Type), rec.Source, rec.Timestamp, rec.Payload))
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) RetainedCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRetained).Stats().KeyN
		return nil
	})
	return n, err
}

// ClearRetained drops every retained event
func (s *BoltStore) ClearRetained() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRetained) != nil {
			if err := tx.DeleteBucket(bucketRetained); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(bucketRetained)
		return err
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
