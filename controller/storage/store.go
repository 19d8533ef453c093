package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// Store is the persistence layer shared by all subsystems. Buckets hold
// JSON-encoded records keyed by autoincrementing string IDs.
type Store interface {
	CreateBucket(bucket string) error
	Buckets() ([]string, error)
	Create(bucket string, fn func(id string) interface{}) error
	CreateWithID(bucket, id string, payload interface{}) error
	Get(bucket, id string, payload interface{}) error
	Update(bucket, id string, payload interface{}) error
	Delete(bucket, id string) error
	List(bucket string, fn func(id string, v []byte) error) error
	Close() error
}

type store struct {
	db *bbolt.DB
}

// NewStore opens (creating if needed) the bbolt database at path.
func NewStore(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

func (s *store) Buckets() ([]string, error) {
	var buckets []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			buckets = append(buckets, string(name))
			return nil
		})
	})
	return buckets, err
}

// Create persists the value returned by fn under a fresh sequence ID. fn is
// handed the ID so records can carry it inline.
func (s *store) Create(bucket string, fn func(id string) interface{}) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' does not exist", bucket)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id := strconv.FormatUint(seq, 10)
		data, err := json.Marshal(fn(id))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *store) CreateWithID(bucket, id string, payload interface{}) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' does not exist", bucket)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *store) Get(bucket, id string, payload interface{}) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' does not exist", bucket)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("record '%s' not found in bucket '%s'", id, bucket)
		}
		return json.Unmarshal(data, payload)
	})
}

func (s *store) Update(bucket, id string, payload interface{}) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' does not exist", bucket)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("record '%s' not found in bucket '%s'", id, bucket)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' does not exist", bucket)
		}
		return b.Delete([]byte(id))
	})
}

func (s *store) List(bucket string, fn func(id string, v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' does not exist", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
