package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var bucketDesiredState = []byte("desired_state")

// desiredEntry is the persisted shape of one instance's intent.
type desiredEntry struct {
	State types.DesiredRunState `json:"state"`
}

// DesiredStateStore persists the operator's intent per instance
// (running/stopped), kept separate from the runtime record so the
// reconciler has something to converge the runtime toward. A single
// bbolt bucket holds the flat name-to-state map.
type DesiredStateStore struct {
	db *bolt.DB
}

// OpenDesiredStateStore opens (creating if necessary) the bbolt file at
// path and ensures its bucket exists.
func OpenDesiredStateStore(path string) (*DesiredStateStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open desired state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDesiredState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init desired state bucket: %w", err)
	}

	return &DesiredStateStore{db: db}, nil
}

func (s *DesiredStateStore) Close() error {
	return s.db.Close()
}

// Set records the operator's intent for an instance.
func (s *DesiredStateStore) Set(name string, state types.DesiredRunState) error {
	entry := desiredEntry{State: state}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesiredState).Put([]byte(name), data)
	})
}

// Get returns the recorded intent for an instance, defaulting to
// DesiredStopped if no entry has ever been written.
func (s *DesiredStateStore) Get(name string) (types.DesiredRunState, error) {
	var entry desiredEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDesiredState).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", err
	}
	if !found {
		return types.DesiredStopped, nil
	}
	return entry.State, nil
}

// Delete removes the recorded intent for an instance (used by
// Supervisor's "forget" operation).
func (s *DesiredStateStore) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesiredState).Delete([]byte(name))
	})
}

// All returns every recorded name→state pair.
func (s *DesiredStateStore) All() (map[string]types.DesiredRunState, error) {
	out := make(map[string]types.DesiredRunState)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDesiredState)
		return b.ForEach(func(k, v []byte) error {
			var entry desiredEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out[string(k)] = entry.State
			return nil
		})
	})
	return out, err
}
