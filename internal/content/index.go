package content

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/studysync/offlinecore/internal/models"
)

const blobBucket = "blobs"

// index maps cache keys to CacheBlob entries in a bbolt file.
type index struct {
	db *bbolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create blob bucket: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

// get returns the entry for key, or nil if absent.
func (ix *index) get(key string) (*models.CacheBlob, error) {
	var entry *models.CacheBlob
	err := ix.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(blobBucket)).Get([]byte(key))
		if payload == nil {
			return nil
		}
		entry = &models.CacheBlob{}
		if err := json.Unmarshal(payload, entry); err != nil {
			return fmt.Errorf("unmarshal cache entry: %w", err)
		}
		return nil
	})
	return entry, err
}

func (ix *index) put(entry *models.CacheBlob) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Put([]byte(entry.Key), payload)
	})
}

func (ix *index) delete(key string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Delete([]byte(key))
	})
}

// all returns every entry. Corrupt entries are returned with only Key set so
// the caller can drop them.
func (ix *index) all() ([]*models.CacheBlob, error) {
	var entries []*models.CacheBlob
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).ForEach(func(k, v []byte) error {
			entry := &models.CacheBlob{}
			if err := json.Unmarshal(v, entry); err != nil {
				entry = &models.CacheBlob{}
			}
			entry.Key = string(k)
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (ix *index) count() (int, error) {
	var n int
	err := ix.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(blobBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// reset drops every entry.
func (ix *index) reset() error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(blobBucket)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(blobBucket))
		return err
	})
}
