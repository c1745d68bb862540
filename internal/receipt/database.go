package receipt

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "snapshots"

// BoltDB implements the Backend interface using BoltDB
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
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Load retrieves the value stored under key
func (b *BoltDB) Load(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		v := bucket.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
		}
		// v is only valid for the life of the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save stores data under key
func (b *BoltDB) Save(key string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("saving snapshot %s: %w", key, err)
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
