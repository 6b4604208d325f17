// Package credentials keeps mirror destination secrets in a Pebble database.
// Each entry is a flat string map, the shape writer backends consume.
package credentials

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"

	"mediaforge/logger"
)

// ErrNotFound is returned when no credentials exist under a key.
var ErrNotFound = errors.New("credentials not found")

type Store struct {
	db *pebble.DB
}

// Open opens the Pebble DB for credentials at the specified path
func Open(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		logger.Errorf("Failed to open Pebble DB: %v", err)
		return nil, fmt.Errorf("open credentials db %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the DB
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(key string) (map[string]string, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	defer closer.Close()

	creds := make(map[string]string)
	if err := json.Unmarshal(value, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", key, err)
	}
	return creds, nil
}

// Put stores the credentials map under the given key
func (s *Store) Put(key string, creds map[string]string) error {
	if key == "" {
		return errors.New("credentials key is empty")
	}
	encoded, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), encoded, pebble.Sync)
}

// Delete deletes the credentials for the given key
func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

// Keys lists stored keys in order.
func (s *Store) Keys() ([]string, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
