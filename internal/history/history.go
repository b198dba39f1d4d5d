// Package history keeps a bounded on-disk log of update checks and installs.
// Records survive the restart that follows a successful update, so the agent
// can report what it installed and why earlier attempts failed.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const attemptsBucket = "attempts"

// Operation names.
const (
	OpCheck  = "check"
	OpUpdate = "update"
)

// Record is one check or update attempt.
type Record struct {
	ID          uint64    `json:"id"`
	Operation   string    `json:"operation"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version,omitempty"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Bytes       int64     `json:"bytes,omitempty"`
}

// Store is a bbolt-backed attempt log holding at most limit records.
type Store struct {
	db    *bolt.DB
	limit int
}

// Open opens or creates the history database at path.
func Open(path string, limit int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(attemptsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, limit: limit}, nil
}

// Append stores r, assigning its ID, and drops the oldest records beyond the limit.
func (s *Store) Append(r *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(attemptsBucket))

		id, _ := b.NextSequence()
		r.ID = id

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}

		if s.limit <= 0 {
			return nil
		}
		return trim(b, s.limit)
	})
}

// trim deletes the oldest keys so at most limit remain.
func trim(b *bolt.Bucket, limit int) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, k)
	}
	for _, k := range keys[:max(0, len(keys)-limit)] {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(attemptsBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			records = append(records, r)
		}
		return nil
	})

	return records, err
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(attemptsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Shutdown implements shutdown.Shutdowner.
func (s *Store) Shutdown(ctx context.Context) error {
	return s.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
