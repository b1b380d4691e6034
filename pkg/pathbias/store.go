package pathbias

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var guardsBucket = []byte("guards")

// Store persists Guard counters across restarts in a bbolt database,
// grounded on the wider pack's use of an embedded KV store for small,
// frequently-updated per-peer state blobs — real Tor keeps exactly this
// kind of data in its on-disk `state` file for the same reason: a
// guard's statistics should survive a process restart rather than reset
// to zero and re-learn the network from scratch.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("pathbias: opening store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(guardsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pathbias: creating guards bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save persists a single guard's counters, keyed by fingerprint.
func (s *Store) Save(g *Guard) error {
	data, err := json.Marshal(g.Counters)
	if err != nil {
		return fmt.Errorf("pathbias: marshaling counters for %s: %w", g.Fingerprint, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(guardsBucket).Put([]byte(g.Fingerprint), data)
	})
}

// Load reads back a guard's counters, returning a fresh zero-valued
// Guard if none was persisted.
func (s *Store) Load(fingerprint string) (*Guard, error) {
	g := NewGuard(fingerprint)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(guardsBucket).Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &g.Counters)
	})
	if err != nil {
		return nil, fmt.Errorf("pathbias: loading counters for %s: %w", fingerprint, err)
	}
	return g, nil
}

// LoadAll reads every persisted guard's counters.
func (s *Store) LoadAll() (map[string]*Guard, error) {
	out := make(map[string]*Guard)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(guardsBucket)
		return b.ForEach(func(k, v []byte) error {
			g := NewGuard(string(k))
			if err := json.Unmarshal(v, &g.Counters); err != nil {
				return fmt.Errorf("pathbias: decoding counters for %s: %w", string(k), err)
			}
			out[string(k)] = g
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a guard's persisted state, e.g. once it has been
// dropped permanently.
func (s *Store) Delete(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(guardsBucket).Delete([]byte(fingerprint))
	})
}
