package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"
)

// BoltFile is the database file created inside the data directory.
const BoltFile = "election.db"

var recordsBucket = []byte("records")

// BoltStore keeps every record in one bbolt bucket, keyed by name.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, BoltFile), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, bucket: recordsBucket}, nil
}

func (s *BoltStore) Load(name string, v any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = s.get(tx, name, v)
		return err
	})
	return found, err
}

func (s *BoltStore) Save(name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.put(tx, name, v)
	})
}

// Update runs inside a single read-write transaction.
func (s *BoltStore) Update(name string, v any, fn func(found bool) error) error {
	if err := validName(name); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		found, err := s.get(tx, name, v)
		if err != nil {
			return err
		}
		if err := fn(found); err != nil {
			return err
		}
		return s.put(tx, name, v)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(tx *bbolt.Tx, name string, v any) (bool, error) {
	buf := tx.Bucket(s.bucket).Get([]byte(name))
	if buf == nil {
		return false, nil
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal record %s: %w", name, err)
	}
	return true, nil
}

func (s *BoltStore) put(tx *bbolt.Tx, name string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", name, err)
	}
	return tx.Bucket(s.bucket).Put([]byte(name), buf)
}
