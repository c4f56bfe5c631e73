// Package streamcache persists the last known liveness of each channel so
// online/offline transitions survive restarts.
package streamcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketStreams = []byte("streams")

// Data is the cached liveness of one channel.
type Data struct {
	Live      bool      `json:"live"`
	Game      string    `json:"game,omitempty"`
	Title     string    `json:"title,omitempty"`
	Viewers   int       `json:"viewers,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps a bbolt database keyed by channel name.
type Store struct {
	bolt *bbolt.DB
}

// Open opens or creates the cache file, creating parent directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("streamcache: mkdir %s: %w", dir, err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("streamcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStreams)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("streamcache: create bucket: %w", err)
	}
	return &Store{bolt: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Get returns the cached data of a channel. Unknown channels read as offline.
func (s *Store) Get(channel string) (Data, error) {
	var d Data
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketStreams).Get([]byte(channel))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &d)
	})
	if err != nil {
		return Data{}, fmt.Errorf("streamcache: get %s: %w", channel, err)
	}
	return d, nil
}

// Put replaces the cached data of a channel.
func (s *Store) Put(channel string, d Data) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("streamcache: encode %s: %w", channel, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(channel), raw)
	})
}

// PutAll writes several channels in a single transaction.
func (s *Store) PutAll(entries map[string]Data) error {
	now := time.Now().UTC()
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		for ch, d := range entries {
			if d.UpdatedAt.IsZero() {
				d.UpdatedAt = now
			}
			raw, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("streamcache: encode %s: %w", ch, err)
			}
			if err := b.Put([]byte(ch), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Live lists the channels currently cached as live.
func (s *Store) Live() ([]string, error) {
	var out []string
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).ForEach(func(k, v []byte) error {
			var d Data
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.Live {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}
